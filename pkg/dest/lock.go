package dest

import (
	"fmt"
	"time"

	"github.com/siddontang/loggers"
)

// LockTTL bounds how long a crashed run can block the destination.
// A lock file older than this is considered stale and reclaimed.
const LockTTL = time.Hour

// ErrLocked is returned when another run holds a fresh lock on the
// destination.
var ErrLocked = fmt.Errorf("destination is locked by another load")

// Lock is the per-destination mutex, backed by an empty file whose mtime
// carries the TTL.
type Lock struct {
	file   Destination
	logger loggers.Advanced
}

// AcquireLock takes the destination lock, clearing a stale lock file first.
func AcquireLock(file Destination, logger loggers.Advanced) (*Lock, error) {
	exists, err := file.Exists()
	if err != nil {
		return nil, err
	}
	if exists {
		mtime, err := file.ModifiedTime()
		if err != nil {
			return nil, err
		}
		age := time.Since(mtime)
		if age < LockTTL {
			return nil, fmt.Errorf("%w: lock file %s is %s old", ErrLocked, file, age.Round(time.Second))
		}
		logger.Warnf("removing stale lock file %s (age %s)", file, age.Round(time.Second))
		if err := file.Remove(false); err != nil {
			return nil, err
		}
	}
	if err := file.UploadString(""); err != nil {
		return nil, err
	}
	return &Lock{file: file, logger: logger}, nil
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	exists, err := l.file.Exists()
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return l.file.Remove(false)
}
