package errors

import (
	"sync"
	"time"
)

// Code represents a typed error code recorded in the run summary.
type Code string

// Run error codes.
const (
	ErrLockHeld             Code = "LOCK_HELD"
	ErrWorkloadsPresent     Code = "WORKLOADS_PRESENT"
	ErrBackupFailed         Code = "BACKUP_FAILED"
	ErrConvergenceTimeout   Code = "CONVERGENCE_TIMEOUT"
	ErrConvergenceFailed    Code = "CONVERGENCE_FAILED"
	ErrUnexpectedLabelState Code = "UNEXPECTED_LABEL_STATE"
	ErrApplyExhausted       Code = "APPLY_EXHAUSTED"
	ErrRemoteExecFailed     Code = "REMOTE_EXEC_FAILED"
	ErrRuntimeVerifyFailed  Code = "RUNTIME_VERIFY_FAILED"
	ErrPodNotFound          Code = "POD_NOT_FOUND"
	ErrUncordonFailed       Code = "UNCORDON_FAILED"
	ErrPhaseFailed          Code = "PHASE_FAILED"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock uses the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// RunError represents a typed migctl error with code, component, and
// optional wrapped error.
type RunError struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Component string `json:"component"`
	Timestamp int64  `json:"timestamp"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *RunError) Unwrap() error {
	return e.Err
}

// entry wraps a RunError with its report time.
type entry struct {
	err      RunError
	reported time.Time
}

// Collector is a thread-safe store for errors observed during a run,
// deduplicated by Code+Component. The collected set ends up in the run
// summary so operators can see every distinct failure mode a run hit,
// including the non-fatal ones.
type Collector struct {
	mu      sync.Mutex
	clock   Clock
	entries map[string]entry
}

// NewCollector creates a Collector with the given clock.
func NewCollector(clock Clock) *Collector {
	return &Collector{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

func key(code Code, component string) string {
	return string(code) + "|" + component
}

// Report stores or refreshes an error. The dedup key is Code+Component.
func (c *Collector) Report(err RunError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err.Timestamp == 0 {
		err.Timestamp = c.clock.Now().UnixMilli()
	}
	c.entries[key(err.Code, err.Component)] = entry{
		err:      err,
		reported: c.clock.Now(),
	}
}

// All returns every collected error, in unspecified order.
func (c *Collector) All() []RunError {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]RunError, 0, len(c.entries))
	for _, e := range c.entries {
		result = append(result, e.err)
	}
	return result
}

// Codes returns a deduplicated list of collected error codes.
func (c *Collector) Codes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[Code]struct{})
	codes := make([]string, 0)
	for _, e := range c.entries {
		if _, ok := seen[e.err.Code]; !ok {
			seen[e.err.Code] = struct{}{}
			codes = append(codes, string(e.err.Code))
		}
	}
	return codes
}
