// Package lock provides the process-wide mutual exclusion guarding a node
// reconfiguration. The lock is an OS advisory flock on a well-known path:
// held for the lifetime of the process and released by the kernel on any
// exit path, including crashes, so application code never needs to worry
// about unlock-on-panic.
package lock

import (
	"fmt"
	"os"
	"strconv"

	"github.com/gofrs/flock"

	"github.com/gpuops/migctl/internal/errors"
)

// Handle is an acquired exclusive lock.
type Handle struct {
	fl   *flock.Flock
	path string
}

// Acquire takes the exclusive advisory lock at path without blocking. If
// another process holds it, Acquire fails immediately with ErrLockHeld.
// A queued second run would apply to a node whose state just changed, so
// contention is rejected rather than serialized.
//
// On success the caller's PID is written into the lock file so an operator
// can identify the holder.
func Acquire(path string) (*Handle, error) {
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, &errors.RunError{
			Code:      errors.ErrLockHeld,
			Message:   fmt.Sprintf("lock: cannot acquire %s: %v", path, err),
			Component: "lock",
			Err:       err,
		}
	}
	if !locked {
		holder := readHolder(path)
		return nil, &errors.RunError{
			Code:      errors.ErrLockHeld,
			Message:   fmt.Sprintf("lock: another reconfiguration is already running (lock %s%s)", path, holder),
			Component: "lock",
		}
	}

	// Best-effort diagnostic note; the flock itself is the lock.
	_ = os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)

	return &Handle{fl: fl, path: path}, nil
}

// Path returns the lock file path.
func (h *Handle) Path() string { return h.path }

// Release drops the lock. Callers must keep the Handle reachable until they
// call Release: the Handle owns the open lock fd, and a collected Handle
// lets the runtime close the fd, silently dropping the flock. The kernel
// still releases the lock on any abnormal exit path.
func (h *Handle) Release() error {
	return h.fl.Unlock()
}

func readHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return ""
	}
	return ", held by pid " + string(data[:len(data)-1])
}
