package dest

// Sub-path names below a mirror destination. The delta_load entries hold the
// bookkeeping tables of the incremental pipeline; only LatestPKName must
// survive between runs.
const (
	DeltaName         = "delta"
	DeltaLoadName     = "delta_load"
	LatestPKName      = "latest_pk"
	PrimaryKeysTSName = "primary_keys_ts"
	Delta1Name        = "delta_1"
	Delta2Name        = "delta_2"
	MetaName          = "meta"
	SchemaFileName    = "schema.json"
	LockFileName      = "lock.txt"
	LogFileName       = "log.jsonl"
)

// Layout computes the canonical sub-paths of one mirror destination.
type Layout struct {
	Root Destination
}

func NewLayout(root Destination) Layout {
	return Layout{Root: root}
}

// Delta is the SCD2 fact table.
func (l Layout) Delta() Destination {
	return l.Root.Join(DeltaName)
}

func (l Layout) DeltaLoad() Destination {
	return l.Root.Join(DeltaLoadName)
}

// LatestPK is the PK + delta column snapshot after the last successful run.
func (l Layout) LatestPK() Destination {
	return l.Root.Join(DeltaLoadName, LatestPKName)
}

// PrimaryKeysTS is the PK + delta column snapshot of the current source.
func (l Layout) PrimaryKeysTS() Destination {
	return l.Root.Join(DeltaLoadName, PrimaryKeysTSName)
}

// Delta1 holds rows read by the timestamp watermark.
func (l Layout) Delta1() Destination {
	return l.Root.Join(DeltaLoadName, Delta1Name)
}

// Delta2 holds rows re-read to cover updates invisible to the watermark.
func (l Layout) Delta2() Destination {
	return l.Root.Join(DeltaLoadName, Delta2Name)
}

func (l Layout) Meta() Destination {
	return l.Root.Join(MetaName)
}

func (l Layout) SchemaFile() Destination {
	return l.Root.Join(MetaName, SchemaFileName)
}

func (l Layout) LockFile() Destination {
	return l.Root.Join(MetaName, LockFileName)
}

func (l Layout) LogFile() Destination {
	return l.Root.Join(MetaName, LogFileName)
}
