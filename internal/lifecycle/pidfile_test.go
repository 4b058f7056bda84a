package lifecycle_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebridge/relay/internal/lifecycle"
)

func TestAcquire_FreshPathSucceeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge-relay.pid")

	pf, err := lifecycle.Acquire(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pf.Release() })

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(raw))
}

func TestAcquire_StalePidfileIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge-relay.pid")
	// PID 999999 is implausibly large/unassigned on any real system the
	// test would run on; treat it as a stale, dead-process entry.
	require.NoError(t, os.WriteFile(path, []byte("999999"), 0o644))

	pf, err := lifecycle.Acquire(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pf.Release() })

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(raw))
}

func TestAcquire_LiveProcessRejectsSecondInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge-relay.pid")
	// The test process itself is alive and a valid pid to probe.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

	_, err := lifecycle.Acquire(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, lifecycle.ErrAlreadyRunning)
}

func TestRelease_MissingFileIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge-relay.pid")
	pf, err := lifecycle.Acquire(path)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	assert.NoError(t, pf.Release())
}

func TestReadPID_ReportsLiveness(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge-relay.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

	pid, alive, err := lifecycle.ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, alive)
}

func TestReadPID_MissingFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge-relay.pid")
	_, _, err := lifecycle.ReadPID(path)
	assert.Error(t, err)
}
