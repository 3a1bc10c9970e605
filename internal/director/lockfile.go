package director

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ErrLocked indicates another sweep holds the lock file. The caller exits
// quietly; overlapping sweeps are expected when a run outlasts the cron
// interval.
var ErrLocked = errors.New("director: another sweep is running")

// Lock is an exclusive PID file guarding the sweep. Creation with O_EXCL is
// the mutual exclusion; the PID inside is for the operator investigating a
// stale lock.
type Lock struct {
	path string
}

// AcquireLock creates the lock file, failing with ErrLocked if it exists.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("director: create lock %s: %w", path, err)
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(path)
		if werr == nil {
			werr = cerr
		}
		return nil, fmt.Errorf("director: write lock %s: %w", path, werr)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	return os.Remove(l.path)
}
