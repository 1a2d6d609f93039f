// Package testutils contains test doubles shared by the package tests.
package testutils

import (
	"context"
	"sync"

	"github.com/block/lakemirror/pkg/dest"
	"github.com/block/lakemirror/pkg/lake"
)

// WriteCall records one write into a delta path.
type WriteCall struct {
	Query string
	Path  string
	Mode  lake.WriteMode
}

// ViewReg records one view registration over a delta path.
type ViewReg struct {
	Name    string
	Path    string
	Version *int64
}

// FakeDeltaOps is a scriptable lake.DeltaOps.
type FakeDeltaOps struct {
	Ver        int64
	VersionErr error
	Restored   []int64
	Vacuumed   int
}

func (f *FakeDeltaOps) Version() (int64, error) {
	return f.Ver, f.VersionErr
}

func (f *FakeDeltaOps) Restore(version int64) error {
	f.Restored = append(f.Restored, version)
	f.Ver = version
	return nil
}

func (f *FakeDeltaOps) Vacuum() error {
	f.Vacuumed++
	return nil
}

// FakeReader is a scriptable lake.Reader. Result funcs receive the query
// text; nil funcs yield empty results. Every call is recorded.
type FakeReader struct {
	mu sync.Mutex

	SourceResults func(query string) ([]lake.Row, error)
	LocalResults  func(query string) ([]lake.Row, error)
	// OnSourceWrite and OnLocalWrite, when set, can fail a write or adjust
	// the fake state (e.g. bump a table version).
	OnSourceWrite func(call WriteCall) error
	OnLocalWrite  func(call WriteCall) error

	// Existing marks which delta paths exist; ExistingExtended which pass
	// the extended (has columns) check. Unlisted paths do not exist.
	Existing         map[string]bool
	ExistingExtended map[string]bool

	SourceQueries []string
	LocalQueries  []string
	SourceWrites  []WriteCall
	LocalWrites   []WriteCall
	ViewRegs      []ViewReg
	Views         map[string]string

	Ops map[string]*FakeDeltaOps
}

func NewFakeReader() *FakeReader {
	return &FakeReader{
		Existing:         map[string]bool{},
		ExistingExtended: map[string]bool{},
		Views:            map[string]string{},
		Ops:              map[string]*FakeDeltaOps{},
	}
}

func (f *FakeReader) SourceSQLToRows(_ context.Context, query string) ([]lake.Row, error) {
	f.mu.Lock()
	f.SourceQueries = append(f.SourceQueries, query)
	f.mu.Unlock()
	if f.SourceResults == nil {
		return nil, nil
	}
	return f.SourceResults(query)
}

func (f *FakeReader) SourceWriteSQLToDelta(_ context.Context, query string, path dest.Destination, mode lake.WriteMode) error {
	call := WriteCall{Query: query, Path: path.String(), Mode: mode}
	f.mu.Lock()
	f.SourceWrites = append(f.SourceWrites, call)
	f.Existing[path.String()] = true
	f.mu.Unlock()
	if f.OnSourceWrite != nil {
		return f.OnSourceWrite(call)
	}
	return nil
}

func (f *FakeReader) LocalRegisterUpdateView(_ context.Context, path dest.Destination, name string, version *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ViewRegs = append(f.ViewRegs, ViewReg{Name: name, Path: path.String(), Version: version})
	f.Views[name] = path.String()
	return nil
}

func (f *FakeReader) LocalRegisterView(_ context.Context, query string, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Views[name] = query
	return nil
}

func (f *FakeReader) LocalSQLToRows(_ context.Context, query string) ([]lake.Row, error) {
	f.mu.Lock()
	f.LocalQueries = append(f.LocalQueries, query)
	f.mu.Unlock()
	if f.LocalResults == nil {
		return nil, nil
	}
	return f.LocalResults(query)
}

func (f *FakeReader) LocalSQLToDelta(_ context.Context, query string, path dest.Destination, mode lake.WriteMode) error {
	call := WriteCall{Query: query, Path: path.String(), Mode: mode}
	f.mu.Lock()
	f.LocalWrites = append(f.LocalWrites, call)
	f.Existing[path.String()] = true
	f.mu.Unlock()
	if f.OnLocalWrite != nil {
		return f.OnLocalWrite(call)
	}
	return nil
}

func (f *FakeReader) DeltaTableExists(_ context.Context, path dest.Destination, extendedCheck bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if extendedCheck {
		if ok, listed := f.ExistingExtended[path.String()]; listed {
			return ok, nil
		}
	}
	return f.Existing[path.String()], nil
}

func (f *FakeReader) DeltaOps(path dest.Destination) lake.DeltaOps {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops, ok := f.Ops[path.String()]
	if !ok {
		ops = &FakeDeltaOps{}
		f.Ops[path.String()] = ops
	}
	return ops
}
