package runlog

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gpuops/migctl/internal/errors"
)

// RunContext is the ephemeral per-invocation record: run identifier, log
// sink, backup sink, and the counters accumulated by the apply/poll loops.
// It is created at workflow start and discarded at workflow end; nothing in
// it survives beyond the run directory on disk.
type RunContext struct {
	ID        string
	Dir       string
	BackupDir string
	LogPath   string

	Logger *slog.Logger

	// Counters mutated by the apply/poll state machine.
	PollAttempts       atomic.Int64
	ApplyAttempts      atomic.Int64
	FailedObservations atomic.Int64

	clock   errors.Clock
	logFile *os.File
}

// New creates the run directory under root, opens the run log, and returns
// a RunContext whose Logger fans every record out to both stderr and the
// log file with level tags and timestamps.
func New(root string, clock errors.Clock) (*RunContext, error) {
	id := clock.Now().Format("20060102-150405") + "-" + uuid.New().String()[:8]
	dir := filepath.Join(root, id)
	backupDir := filepath.Join(dir, "backup")

	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("runlog: create run directory: %w", err)
	}

	logPath := filepath.Join(dir, "run.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("runlog: open run log: %w", err)
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, f), &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	return &RunContext{
		ID:        id,
		Dir:       dir,
		BackupDir: backupDir,
		LogPath:   logPath,
		Logger:    slog.New(handler).With("run_id", id),
		clock:     clock,
		logFile:   f,
	}, nil
}

// Close flushes and closes the run log file.
func (rc *RunContext) Close() error {
	if rc.logFile == nil {
		return nil
	}
	return rc.logFile.Close()
}

// summary is the JSON document written at the end of a run.
type summary struct {
	RunID              string            `json:"run_id"`
	Outcome            string            `json:"outcome"`
	PollAttempts       int64             `json:"poll_attempts"`
	ApplyAttempts      int64             `json:"apply_attempts"`
	FailedObservations int64             `json:"failed_observations"`
	Errors             []errors.RunError `json:"errors,omitempty"`
}

// WriteSummary persists summary.json in the run directory. Failures are
// returned rather than logged; the caller decides how loudly to complain.
func (rc *RunContext) WriteSummary(outcome string, collector *errors.Collector) error {
	s := summary{
		RunID:              rc.ID,
		Outcome:            outcome,
		PollAttempts:       rc.PollAttempts.Load(),
		ApplyAttempts:      rc.ApplyAttempts.Load(),
		FailedObservations: rc.FailedObservations.Load(),
	}
	if collector != nil {
		s.Errors = collector.All()
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("runlog: marshal summary: %w", err)
	}
	return os.WriteFile(filepath.Join(rc.Dir, "summary.json"), data, 0o644)
}
