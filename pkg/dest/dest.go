// Package dest abstracts the destination path kinds (local filesystem, and
// in embeddings blob or ADLS) behind a small capability set, and computes
// the canonical directory layout below a mirror destination.
package dest

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Destination is one path in a destination backend. Implementations must be
// cheap to copy; Join never touches the backend.
type Destination interface {
	Join(parts ...string) Destination
	Mkdir() error
	Exists() (bool, error)
	Remove(recursive bool) error
	UploadString(s string) error
	ReadString() (string, error)
	// List returns the names of the direct children of a directory.
	List() ([]string, error)
	ModifiedTime() (time.Time, error)
	String() string
}

// Local is a Destination on the local filesystem.
type Local struct {
	path string
}

func NewLocal(path string) Local {
	return Local{path: filepath.Clean(path)}
}

// OSPath exposes the underlying filesystem path. The local lake engine
// requires it to address parquet files directly.
func (l Local) OSPath() string {
	return l.path
}

func (l Local) Join(parts ...string) Destination {
	return Local{path: filepath.Join(append([]string{l.path}, parts...)...)}
}

func (l Local) Mkdir() error {
	return os.MkdirAll(l.path, 0o755)
}

func (l Local) Exists() (bool, error) {
	_, err := os.Stat(l.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (l Local) Remove(recursive bool) error {
	if recursive {
		return os.RemoveAll(l.path)
	}
	return os.Remove(l.path)
}

func (l Local) UploadString(s string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(l.path, []byte(s), 0o644)
}

func (l Local) ReadString() (string, error) {
	b, err := os.ReadFile(l.path)
	return string(b), err
}

func (l Local) List() ([]string, error) {
	entries, err := os.ReadDir(l.path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (l Local) ModifiedTime() (time.Time, error) {
	fi, err := os.Stat(l.path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

func (l Local) String() string {
	return l.path
}
