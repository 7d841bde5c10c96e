package mig

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gpuops/migctl/internal/config"
	"github.com/gpuops/migctl/internal/errors"
	"github.com/gpuops/migctl/internal/observability"
	"github.com/gpuops/migctl/internal/runlog"
)

// Status label values written by the cluster-side MIG manager. The state
// space is a closed enum: anything else observed on the label is a contract
// violation.
const (
	StatePending = "pending"
	StateSuccess = "success"
	StateFailed  = "failed"
)

// Applier performs the idempotent cluster-side upsert of the desired MIG
// configuration.
type Applier interface {
	Apply(ctx context.Context) error
}

// LabelStateReader is the single accessor over the status label. The label
// is shared mutable state with an external writer of untrusted timing, so
// all reads go through this interface and tests inject scripted sequences.
type LabelStateReader interface {
	ReadState(ctx context.Context) (string, error)
}

// TriggerWriter sets the configuration-trigger label on the node.
type TriggerWriter interface {
	SetConfigLabel(ctx context.Context, value string) error
}

// Sleeper abstracts the fixed-interval waits so tests run instantly.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration)
}

// RealSleeper sleeps on the wall clock. The sleep is not cancellable
// mid-interval; once mutation has begun the workflow runs to a terminal
// state rather than being interruptible.
type RealSleeper struct{}

// Sleep waits for d.
func (RealSleeper) Sleep(_ context.Context, d time.Duration) { time.Sleep(d) }

// pollOutcome is the result of one inner polling loop.
type pollOutcome int

const (
	// pollAccepted: the status label reached success at or after
	// MinSuccessAttempt polls.
	pollAccepted pollOutcome = iota
	// pollRejectedEarly: success was observed before MinSuccessAttempt
	// polls and is presumed to be the previous run's stale value. The
	// outer loop re-cycles the trigger label and retries instead of
	// trusting it.
	pollRejectedEarly
)

// Reconfigurer drives the apply-with-retry outer loop and the state-polling
// inner loop that together converge the node onto the desired MIG layout.
type Reconfigurer struct {
	applier Applier
	reader  LabelStateReader
	writer  TriggerWriter
	sleeper Sleeper

	cfg     config.Config
	run     *runlog.RunContext
	metrics *observability.Metrics
	log     *slog.Logger
}

// NewReconfigurer wires a Reconfigurer.
func NewReconfigurer(
	applier Applier,
	reader LabelStateReader,
	writer TriggerWriter,
	sleeper Sleeper,
	cfg config.Config,
	run *runlog.RunContext,
	metrics *observability.Metrics,
	log *slog.Logger,
) *Reconfigurer {
	return &Reconfigurer{
		applier: applier,
		reader:  reader,
		writer:  writer,
		sleeper: sleeper,
		cfg:     cfg,
		run:     run,
		metrics: metrics,
		log:     log,
	}
}

// Run executes the outer apply-with-retry loop: upsert the configuration,
// cycle the trigger label to force the MIG manager's edge-triggered
// re-evaluation, then poll the status label. A rejected early success
// re-cycles the label and retries; any other poll failure has already
// aborted the run. Attempts are bounded by MaxApplyAttempts.
func (r *Reconfigurer) Run(ctx context.Context) error {
	for attempt := 1; attempt <= r.cfg.MaxApplyAttempts; attempt++ {
		r.run.ApplyAttempts.Add(1)
		r.metrics.ApplyAttempts.Inc()
		r.log.Info("applying MIG configuration", "attempt", attempt, "max_attempts", r.cfg.MaxApplyAttempts)

		if err := r.applier.Apply(ctx); err != nil {
			return err
		}

		if err := r.cycleLabel(ctx); err != nil {
			return err
		}

		outcome, err := r.poll(ctx)
		if err != nil {
			return err
		}
		if outcome == pollAccepted {
			r.log.Info("MIG configuration converged", "attempt", attempt)
			return nil
		}

		// Rejected early success: the label still carried a plausible
		// leftover from the previous run. Re-cycle so the manager
		// re-evaluates, then retry.
		r.log.Warn("early success rejected as stale, re-cycling trigger label", "attempt", attempt)
		if err := r.cycleLabel(ctx); err != nil {
			return err
		}
	}

	return &errors.RunError{
		Code:      errors.ErrApplyExhausted,
		Message:   fmt.Sprintf("mig: no convergence after %d apply attempts", r.cfg.MaxApplyAttempts),
		Component: "mig",
	}
}

// cycleLabel sets the trigger label to the sentinel, waits for the value to
// settle, then sets the real target and waits again. The MIG manager only
// reacts to value changes, so re-applying the same value would be invisible
// to it.
func (r *Reconfigurer) cycleLabel(ctx context.Context) error {
	r.metrics.LabelCycles.Inc()

	if err := r.writer.SetConfigLabel(ctx, config.SentinelLabelValue); err != nil {
		return err
	}
	r.sleeper.Sleep(ctx, r.cfg.LabelSettleDelay)

	if err := r.writer.SetConfigLabel(ctx, r.cfg.ConfigLabelValue); err != nil {
		return err
	}
	r.sleeper.Sleep(ctx, r.cfg.LabelSettleDelay)
	return nil
}

// poll watches the status label until a terminal outcome. Attempts are
// 1-indexed; success observed before attempt MinSuccessAttempt is rejected
// as stale. Failed observations are counted across the whole loop and
// abort the run once MaxFailedAllowed is reached. All pending for
// MaxRetries attempts is a fatal timeout.
func (r *Reconfigurer) poll(ctx context.Context) (pollOutcome, error) {
	failed := 0

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		r.run.PollAttempts.Add(1)
		r.metrics.PollAttempts.Inc()

		state, err := r.reader.ReadState(ctx)
		if err != nil {
			return 0, &errors.RunError{
				Code:      errors.ErrUnexpectedLabelState,
				Message:   fmt.Sprintf("mig: cannot read state label: %v", err),
				Component: "mig",
				Err:       err,
			}
		}

		switch state {
		case StateSuccess:
			if attempt < r.cfg.MinSuccessAttempt {
				r.log.Warn("success observed too early, presuming stale label",
					"attempt", attempt, "min_success_attempt", r.cfg.MinSuccessAttempt)
				return pollRejectedEarly, nil
			}
			r.log.Info("MIG manager reported success", "attempt", attempt)
			return pollAccepted, nil

		case StateFailed:
			failed++
			r.run.FailedObservations.Add(1)
			r.metrics.FailedObservations.Inc()
			r.log.Warn("MIG manager reported failure", "attempt", attempt,
				"failed_count", failed, "max_failed_allowed", r.cfg.MaxFailedAllowed)
			if failed >= r.cfg.MaxFailedAllowed {
				return 0, &errors.RunError{
					Code:      errors.ErrConvergenceFailed,
					Message:   fmt.Sprintf("mig: MIG manager reported failed %d times; the applied configuration needs operator attention", failed),
					Component: "mig",
				}
			}

		case StatePending:
			r.log.Info("MIG reconfiguration pending", "attempt", attempt, "max_retries", r.cfg.MaxRetries)

		default:
			return 0, &errors.RunError{
				Code:      errors.ErrUnexpectedLabelState,
				Message:   fmt.Sprintf("mig: unexpected state label value %q", state),
				Component: "mig",
			}
		}

		r.sleeper.Sleep(ctx, r.cfg.PollInterval)
	}

	return 0, &errors.RunError{
		Code:      errors.ErrConvergenceTimeout,
		Message:   fmt.Sprintf("mig: state still pending after %d polls (%s)", r.cfg.MaxRetries, time.Duration(r.cfg.MaxRetries)*r.cfg.PollInterval),
		Component: "mig",
	}
}
