// Package deltalog implements the transactional log of a Delta-style table
// directory: parquet part files plus ordered JSON commits under _delta_log/.
// It provides the atomic overwrite/append, version time-travel, restore and
// vacuum primitives the load pipeline depends on.
package deltalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/block/lakemirror/pkg/dest"
	"github.com/google/uuid"
)

const logDirName = "_delta_log"

// WriteMode selects between replacing the live file set and extending it.
type WriteMode string

const (
	ModeOverwrite WriteMode = "overwrite"
	ModeAppend    WriteMode = "append"
)

// Field is one column of the table schema as recorded in the log.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// AddFile records a data file joining the table.
type AddFile struct {
	Path             string `json:"path"`
	Size             int64  `json:"size"`
	ModificationTime int64  `json:"modificationTime"`
	DataChange       bool   `json:"dataChange"`
}

// RemoveFile records a data file leaving the table.
type RemoveFile struct {
	Path              string `json:"path"`
	DeletionTimestamp int64  `json:"deletionTimestamp"`
	DataChange        bool   `json:"dataChange"`
}

// MetaData carries the table identity and schema.
type MetaData struct {
	ID           string `json:"id"`
	SchemaString string `json:"schemaString"`
}

// CommitInfo is the free-form header action of a commit.
type CommitInfo struct {
	Timestamp int64  `json:"timestamp"`
	Operation string `json:"operation"`
}

// Action is one line of a commit file. Exactly one member is set.
type Action struct {
	CommitInfo *CommitInfo `json:"commitInfo,omitempty"`
	MetaData   *MetaData   `json:"metaData,omitempty"`
	Add        *AddFile    `json:"add,omitempty"`
	Remove     *RemoveFile `json:"remove,omitempty"`
}

// Snapshot is the table state at one version.
type Snapshot struct {
	Version int64
	Files   []AddFile
	Schema  []Field
	tableID string
}

// Table is the delta log of one table directory.
type Table struct {
	dir dest.Destination
}

func Open(dir dest.Destination) *Table {
	return &Table{dir: dir}
}

func (t *Table) logDir() dest.Destination {
	return t.dir.Join(logDirName)
}

func commitName(version int64) string {
	return fmt.Sprintf("%020d.json", version)
}

// Exists reports whether the directory holds at least one commit.
func (t *Table) Exists() (bool, error) {
	ok, err := t.logDir().Exists()
	if err != nil || !ok {
		return false, err
	}
	versions, err := t.commitVersions()
	if err != nil {
		return false, err
	}
	return len(versions) > 0, nil
}

// HasColumns reports whether the latest snapshot carries at least one column.
func (t *Table) HasColumns() (bool, error) {
	ok, err := t.Exists()
	if err != nil || !ok {
		return false, err
	}
	snap, err := t.SnapshotAt(nil)
	if err != nil {
		return false, err
	}
	return len(snap.Schema) > 0, nil
}

// Version returns the latest committed version.
func (t *Table) Version() (int64, error) {
	versions, err := t.commitVersions()
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, fmt.Errorf("no commits in %s", t.dir)
	}
	return versions[len(versions)-1], nil
}

func (t *Table) commitVersions() ([]int64, error) {
	names, err := t.logDir().List()
	if err != nil {
		return nil, err
	}
	var versions []int64
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// SnapshotAt replays the log up to the given version (nil for latest).
func (t *Table) SnapshotAt(version *int64) (*Snapshot, error) {
	versions, err := t.commitVersions()
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("no commits in %s", t.dir)
	}
	upTo := versions[len(versions)-1]
	if version != nil {
		upTo = *version
	}
	live := map[string]AddFile{}
	seen := map[string]bool{}
	var order []string
	snap := &Snapshot{Version: upTo}
	for _, v := range versions {
		if v > upTo {
			break
		}
		actions, err := t.readCommit(v)
		if err != nil {
			return nil, err
		}
		for _, a := range actions {
			switch {
			case a.MetaData != nil:
				snap.tableID = a.MetaData.ID
				if err := json.Unmarshal([]byte(a.MetaData.SchemaString), &snap.Schema); err != nil {
					return nil, fmt.Errorf("bad schema in %s version %d: %w", t.dir, v, err)
				}
			case a.Add != nil:
				if !seen[a.Add.Path] {
					seen[a.Add.Path] = true
					order = append(order, a.Add.Path)
				}
				live[a.Add.Path] = *a.Add
			case a.Remove != nil:
				delete(live, a.Remove.Path)
			}
		}
	}
	for _, path := range order {
		if f, ok := live[path]; ok {
			snap.Files = append(snap.Files, f)
		}
	}
	return snap, nil
}

func (t *Table) readCommit(version int64) ([]Action, error) {
	content, err := t.logDir().Join(commitName(version)).ReadString()
	if err != nil {
		return nil, err
	}
	var actions []Action
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var a Action
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			return nil, fmt.Errorf("bad action in %s version %d: %w", t.dir, version, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func (t *Table) writeCommit(version int64, actions []Action) error {
	if err := t.logDir().Mkdir(); err != nil {
		return err
	}
	var sb strings.Builder
	for _, a := range actions {
		b, err := json.Marshal(a)
		if err != nil {
			return err
		}
		sb.Write(b)
		sb.WriteString("\n")
	}
	return t.logDir().Join(commitName(version)).UploadString(sb.String())
}

// Commit appends a new version adding the given files. In overwrite mode all
// previously live files are removed in the same commit.
func (t *Table) Commit(mode WriteMode, adds []AddFile, schema []Field, operation string) (int64, error) {
	now := time.Now().UnixMilli()
	var next int64
	tableID := uuid.NewString()
	var removes []RemoveFile
	exists, err := t.Exists()
	if err != nil {
		return 0, err
	}
	if exists {
		snap, err := t.SnapshotAt(nil)
		if err != nil {
			return 0, err
		}
		next = snap.Version + 1
		if snap.tableID != "" {
			tableID = snap.tableID
		}
		if mode == ModeOverwrite {
			for _, f := range snap.Files {
				removes = append(removes, RemoveFile{Path: f.Path, DeletionTimestamp: now, DataChange: true})
			}
		}
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return 0, err
	}
	actions := []Action{
		{CommitInfo: &CommitInfo{Timestamp: now, Operation: operation}},
		{MetaData: &MetaData{ID: tableID, SchemaString: string(schemaJSON)}},
	}
	for i := range removes {
		actions = append(actions, Action{Remove: &removes[i]})
	}
	for i := range adds {
		actions = append(actions, Action{Add: &adds[i]})
	}
	return next, t.writeCommit(next, actions)
}

// Restore brings the live file set back to an older version by committing
// the difference. History is never rewritten.
func (t *Table) Restore(version int64) error {
	target, err := t.SnapshotAt(&version)
	if err != nil {
		return err
	}
	current, err := t.SnapshotAt(nil)
	if err != nil {
		return err
	}
	if current.Version == version {
		return nil
	}
	now := time.Now().UnixMilli()
	inTarget := map[string]bool{}
	for _, f := range target.Files {
		inTarget[f.Path] = true
	}
	inCurrent := map[string]bool{}
	for _, f := range current.Files {
		inCurrent[f.Path] = true
	}
	schemaJSON, err := json.Marshal(target.Schema)
	if err != nil {
		return err
	}
	actions := []Action{
		{CommitInfo: &CommitInfo{Timestamp: now, Operation: fmt.Sprintf("RESTORE to %d", version)}},
		{MetaData: &MetaData{ID: current.tableID, SchemaString: string(schemaJSON)}},
	}
	for _, f := range current.Files {
		if !inTarget[f.Path] {
			actions = append(actions, Action{Remove: &RemoveFile{Path: f.Path, DeletionTimestamp: now, DataChange: true}})
		}
	}
	for i := range target.Files {
		if !inCurrent[target.Files[i].Path] {
			actions = append(actions, Action{Add: &target.Files[i]})
		}
	}
	return t.writeCommit(current.Version+1, actions)
}

// Vacuum deletes data files no longer referenced by the latest snapshot.
// Time travel to versions that depended on them stops working; the load
// pipeline only vacuums after a successful run.
func (t *Table) Vacuum() error {
	snap, err := t.SnapshotAt(nil)
	if err != nil {
		return err
	}
	live := map[string]bool{}
	for _, f := range snap.Files {
		live[f.Path] = true
	}
	names, err := t.dir.List()
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == logDirName || live[name] || !strings.HasSuffix(name, ".parquet") {
			continue
		}
		if err := t.dir.Join(name).Remove(false); err != nil {
			return err
		}
	}
	return nil
}
