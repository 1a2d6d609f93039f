package deltalog

import (
	"testing"

	"github.com/block/lakemirror/pkg/dest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = []Field{{Name: "id", Type: "BIGINT"}, {Name: "name", Type: "VARCHAR"}}

func addFile(path string) AddFile {
	return AddFile{Path: path, DataChange: true}
}

func filePaths(snap *Snapshot) []string {
	var out []string
	for _, f := range snap.Files {
		out = append(out, f.Path)
	}
	return out
}

func TestCommitAndSnapshot(t *testing.T) {
	tbl := Open(dest.NewLocal(t.TempDir()))

	exists, err := tbl.Exists()
	require.NoError(t, err)
	assert.False(t, exists)

	v, err := tbl.Commit(ModeOverwrite, []AddFile{addFile("part-1.parquet")}, testSchema, "WRITE")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v, err = tbl.Commit(ModeAppend, []AddFile{addFile("part-2.parquet")}, testSchema, "WRITE")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	snap, err := tbl.SnapshotAt(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"part-1.parquet", "part-2.parquet"}, filePaths(snap))
	assert.Equal(t, testSchema, snap.Schema)

	version, err := tbl.Version()
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	exists, err = tbl.Exists()
	require.NoError(t, err)
	assert.True(t, exists)
	hasCols, err := tbl.HasColumns()
	require.NoError(t, err)
	assert.True(t, hasCols)
}

func TestOverwriteRemovesPriorFiles(t *testing.T) {
	tbl := Open(dest.NewLocal(t.TempDir()))
	_, err := tbl.Commit(ModeOverwrite, []AddFile{addFile("part-1.parquet")}, testSchema, "WRITE")
	require.NoError(t, err)
	_, err = tbl.Commit(ModeOverwrite, []AddFile{addFile("part-2.parquet")}, testSchema, "WRITE")
	require.NoError(t, err)

	snap, err := tbl.SnapshotAt(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"part-2.parquet"}, filePaths(snap))
}

func TestSnapshotTimeTravel(t *testing.T) {
	tbl := Open(dest.NewLocal(t.TempDir()))
	_, err := tbl.Commit(ModeOverwrite, []AddFile{addFile("part-1.parquet")}, testSchema, "WRITE")
	require.NoError(t, err)
	_, err = tbl.Commit(ModeOverwrite, []AddFile{addFile("part-2.parquet")}, testSchema, "WRITE")
	require.NoError(t, err)

	v0 := int64(0)
	snap, err := tbl.SnapshotAt(&v0)
	require.NoError(t, err)
	assert.Equal(t, []string{"part-1.parquet"}, filePaths(snap))
	assert.Equal(t, int64(0), snap.Version)
}

func TestRestore(t *testing.T) {
	tbl := Open(dest.NewLocal(t.TempDir()))
	_, err := tbl.Commit(ModeOverwrite, []AddFile{addFile("part-1.parquet")}, testSchema, "WRITE")
	require.NoError(t, err)
	_, err = tbl.Commit(ModeOverwrite, []AddFile{addFile("part-2.parquet")}, testSchema, "WRITE")
	require.NoError(t, err)

	require.NoError(t, tbl.Restore(0))

	// Restore commits forward; history is preserved.
	version, err := tbl.Version()
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	snap, err := tbl.SnapshotAt(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"part-1.parquet"}, filePaths(snap))
}

func TestRestoreToCurrentVersionIsNoop(t *testing.T) {
	tbl := Open(dest.NewLocal(t.TempDir()))
	_, err := tbl.Commit(ModeOverwrite, []AddFile{addFile("part-1.parquet")}, testSchema, "WRITE")
	require.NoError(t, err)
	require.NoError(t, tbl.Restore(0))
	version, err := tbl.Version()
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
}

func TestVacuum(t *testing.T) {
	dir := dest.NewLocal(t.TempDir())
	tbl := Open(dir)
	require.NoError(t, dir.Join("part-1.parquet").UploadString("a"))
	require.NoError(t, dir.Join("part-2.parquet").UploadString("b"))
	_, err := tbl.Commit(ModeOverwrite, []AddFile{addFile("part-1.parquet")}, testSchema, "WRITE")
	require.NoError(t, err)
	_, err = tbl.Commit(ModeOverwrite, []AddFile{addFile("part-2.parquet")}, testSchema, "WRITE")
	require.NoError(t, err)

	require.NoError(t, tbl.Vacuum())

	exists, err := dir.Join("part-1.parquet").Exists()
	require.NoError(t, err)
	assert.False(t, exists, "unreferenced file should be deleted")
	exists, err = dir.Join("part-2.parquet").Exists()
	require.NoError(t, err)
	assert.True(t, exists, "live file must survive")
}

func TestHasColumnsEmptySchema(t *testing.T) {
	tbl := Open(dest.NewLocal(t.TempDir()))
	_, err := tbl.Commit(ModeOverwrite, nil, nil, "WRITE")
	require.NoError(t, err)
	hasCols, err := tbl.HasColumns()
	require.NoError(t, err)
	assert.False(t, hasCols)
}
