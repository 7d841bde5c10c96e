package lock

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	migerrors "github.com/gpuops/migctl/internal/errors"
)

func TestAcquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migctl.lock")

	h, err := Acquire(path)
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, path, h.Path())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))
}

func TestAcquire_ContentionFailsFast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migctl.lock")

	h, err := Acquire(path)
	require.NoError(t, err)
	defer h.Release()

	// Separate file descriptors conflict even within one process.
	_, err = Acquire(path)
	require.Error(t, err)

	var re *migerrors.RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, migerrors.ErrLockHeld, re.Code)
	assert.Contains(t, re.Message, "held by pid "+strconv.Itoa(os.Getpid()))
}

func TestAcquire_HeldLockSurvivesGC(t *testing.T) {
	// The Handle owns the open lock fd. As long as the caller keeps it
	// reachable, garbage collection must not close the fd and drop the
	// flock out from under a running reconfiguration.
	path := filepath.Join(t.TempDir(), "migctl.lock")

	h, err := Acquire(path)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		runtime.GC()
	}

	_, err = Acquire(path)
	require.Error(t, err)

	var re *migerrors.RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, migerrors.ErrLockHeld, re.Code)

	require.NoError(t, h.Release())
}

func TestAcquire_ReleasedLockCanBeRetaken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migctl.lock")

	h, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, h.Release())

	h2, err := Acquire(path)
	require.NoError(t, err)
	defer h2.Release()
}

func TestAcquire_UnwritableDirectory(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root bypasses directory permissions")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	_, err := Acquire(filepath.Join(dir, "migctl.lock"))
	require.Error(t, err)

	var re *migerrors.RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, migerrors.ErrLockHeld, re.Code)
	assert.True(t, strings.Contains(re.Message, "cannot acquire"))
}
