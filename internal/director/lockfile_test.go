package director

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.lock")

	lock, err := AcquireLock(path)
	require.NoError(t, err)

	// The lock file holds our PID for the operator.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))

	// A second acquire fails while the lock is held.
	_, err = AcquireLock(path)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, lock.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// After release the lock can be taken again.
	lock2, err := AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}

func TestAcquireLock_BadPath(t *testing.T) {
	_, err := AcquireLock(filepath.Join(t.TempDir(), "missing", "sweep.lock"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLocked)
}
