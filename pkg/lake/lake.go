// Package lake defines the contracts between the load pipeline and its two
// engines: the remote SQL source and the local lake query engine. The
// Reader implementation executes source statements over go-mssqldb and
// local statements over an embedded DuckDB, with delta-log table
// directories as the storage format.
package lake

import (
	"context"

	"github.com/block/lakemirror/pkg/deltalog"
	"github.com/block/lakemirror/pkg/dest"
)

// Row is one result row keyed by column name.
type Row map[string]any

// WriteMode re-exports the delta log write modes for callers.
type WriteMode = deltalog.WriteMode

const (
	ModeOverwrite = deltalog.ModeOverwrite
	ModeAppend    = deltalog.ModeAppend
)

// DeltaOps exposes the versioning primitives of one delta table.
type DeltaOps interface {
	Version() (int64, error)
	Restore(version int64) error
	Vacuum() error
}

// Reader is the combined source-driver and local-engine contract consumed
// by the load pipeline. Source* methods run on the remote database,
// Local* methods on the lake engine.
type Reader interface {
	SourceSQLToRows(ctx context.Context, query string) ([]Row, error)
	SourceWriteSQLToDelta(ctx context.Context, query string, path dest.Destination, mode WriteMode) error

	// LocalRegisterUpdateView exposes a delta path as a named view,
	// optionally pinned to a version.
	LocalRegisterUpdateView(ctx context.Context, path dest.Destination, name string, version *int64) error
	// LocalRegisterView registers a local query as a named view.
	LocalRegisterView(ctx context.Context, query string, name string) error
	LocalSQLToRows(ctx context.Context, query string) ([]Row, error)
	LocalSQLToDelta(ctx context.Context, query string, path dest.Destination, mode WriteMode) error

	DeltaTableExists(ctx context.Context, path dest.Destination, extendedCheck bool) (bool, error)
	DeltaOps(path dest.Destination) DeltaOps
}
