// Package load implements the per-table load orchestrator: the state
// machine that chooses between full, append-inserts, simple-delta and
// full-delta modes, and the multi-step pipeline that reconciles the
// current source snapshot against the previously recorded primary-key
// manifest.
package load

import (
	"fmt"
	"strings"

	"github.com/block/lakemirror/pkg/sqlgen"
	"github.com/block/lakemirror/pkg/table"
)

// LoadMode selects how a run writes the destination.
type LoadMode string

const (
	// LoadModeAuto picks a full load on the first run, delta afterwards.
	LoadModeAuto LoadMode = "auto"
	// LoadModeOverwrite forces a full rewrite of the destination.
	LoadModeOverwrite LoadMode = "overwrite"
	// LoadModeAppend appends a full load when no delta column or primary
	// keys are available; with both present it behaves like auto.
	LoadModeAppend LoadMode = "append"
	// LoadModeForceFull appends a full load even when a delta would be possible.
	LoadModeForceFull LoadMode = "force_full"
	// LoadModeSimpleDelta loads by watermark only: no snapshot reconciliation,
	// no delete detection. For sources that soft-delete properly.
	LoadModeSimpleDelta LoadMode = "simple_delta"
	// LoadModeAppendInserts loads rows above the watermark and nothing else.
	// Requires a monotone delta column.
	LoadModeAppendInserts LoadMode = "append_inserts"
)

func (m LoadMode) valid() bool {
	switch m {
	case LoadModeAuto, LoadModeOverwrite, LoadModeAppend, LoadModeForceFull,
		LoadModeSimpleDelta, LoadModeAppendInserts:
		return true
	}
	return false
}

// WriteConfig carries the per-run options of the load pipeline.
type WriteConfig struct {
	LoadMode LoadMode

	// Dialect of the source. Only T-SQL is supported; OPENJSON and the
	// binary collation on join predicates assume SQL Server.
	Dialect sqlgen.Dialect

	// DataTypeMap maps a source type name to the type every read of such
	// a column is CAST to. Empty means no casting.
	DataTypeMap map[string]string

	// GetTargetName maps a source column to its destination name.
	// Defaults to the identity mapping.
	GetTargetName func(table.ColumnInfo) string

	// NoComplexEntriesLoad disables the chunked OPENJSON re-fetch and
	// always falls back to the secondary timestamp load.
	NoComplexEntriesLoad bool

	// PrimaryKeys overrides primary key discovery.
	PrimaryKeys []string

	// DeltaColumn overrides the watermark column.
	DeltaColumn string
}

// NewWriteConfig returns a config with the defaults applied.
func NewWriteConfig() WriteConfig {
	return WriteConfig{
		LoadMode: LoadModeAuto,
		Dialect:  sqlgen.DialectTSQL,
	}
}

func (c WriteConfig) targetName(col table.ColumnInfo) string {
	if c.GetTargetName == nil {
		return col.Name
	}
	return c.GetTargetName(col)
}

// NormalizeTargetName replaces characters that are awkward in lake column
// names. Usable as a WriteConfig.GetTargetName.
func NormalizeTargetName(col table.ColumnInfo) string {
	var sb strings.Builder
	for _, r := range col.Name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteString("_-_")
		}
	}
	return sb.String()
}

func (c WriteConfig) validate() error {
	if !c.LoadMode.valid() {
		return fmt.Errorf("unknown load mode: %q", c.LoadMode)
	}
	if c.Dialect != sqlgen.DialectTSQL {
		return fmt.Errorf("unsupported source dialect: %q", c.Dialect)
	}
	return nil
}
