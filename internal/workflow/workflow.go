// Package workflow sequences the reconfiguration phases. The pipeline is a
// fixed linear list, not a general state machine: the only branching is the
// CDI toggle, which statically includes or excludes a contiguous
// sub-sequence of steps. Any fatal step aborts the whole run immediately;
// there is no compensating rollback; the pre-mutation backups are the
// operator's manual rollback reference.
package workflow

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/gpuops/migctl/internal/config"
	"github.com/gpuops/migctl/internal/errors"
	"github.com/gpuops/migctl/internal/mig"
	"github.com/gpuops/migctl/internal/node"
	"github.com/gpuops/migctl/internal/observability"
	"github.com/gpuops/migctl/internal/remote"
	"github.com/gpuops/migctl/internal/validate"
	"github.com/gpuops/migctl/internal/workload"
)

// Step is one phase of the pipeline. Swallowed steps are defense-in-depth
// measures whose failure is logged and recorded but does not abort the run.
type Step struct {
	Name    string
	Run     func(ctx context.Context) error
	Swallow bool
}

// Pipeline executes steps strictly in order.
type Pipeline struct {
	steps     []Step
	metrics   *observability.Metrics
	collector *errors.Collector
	log       *slog.Logger
}

// New creates a Pipeline over the given steps.
func New(steps []Step, metrics *observability.Metrics, collector *errors.Collector, log *slog.Logger) *Pipeline {
	return &Pipeline{steps: steps, metrics: metrics, collector: collector, log: log}
}

// Run executes the pipeline fail-fast and returns the first fatal error.
func (p *Pipeline) Run(ctx context.Context) error {
	for i, step := range p.steps {
		p.log.Info("phase starting", "phase", step.Name, "step", i+1, "total", len(p.steps))
		start := time.Now()

		err := step.Run(ctx)
		p.metrics.PhaseDuration.WithLabelValues(step.Name).Observe(time.Since(start).Seconds())

		if err == nil {
			p.log.Info("phase complete", "phase", step.Name,
				"elapsed", time.Since(start).Round(time.Millisecond))
			continue
		}

		p.metrics.PhaseFailures.WithLabelValues(step.Name).Inc()
		p.record(step.Name, err)

		if step.Swallow {
			p.log.Warn("phase failed, continuing", "phase", step.Name, "error", err)
			continue
		}

		p.log.Error("phase failed, aborting run", "phase", step.Name, "error", err)
		return err
	}
	return nil
}

func (p *Pipeline) record(phase string, err error) {
	var re *errors.RunError
	if stderrors.As(err, &re) {
		p.collector.Report(*re)
		return
	}
	p.collector.Report(errors.RunError{
		Code:      errors.ErrPhaseFailed,
		Message:   err.Error(),
		Component: phase,
		Err:       err,
	})
}

// Deps bundles the phase implementations the step builders wire together.
type Deps struct {
	Cfg       config.Config
	Backup    interface{ Run(ctx context.Context) error }
	Gate      *workload.Gate
	Runtime   *remote.RuntimeController
	Node      *node.Client
	Reconf    *mig.Reconfigurer
	Validator *validate.Validator
}

// PreflightSteps prepares the node for reconfiguration: snapshot state,
// refuse to proceed under active GPU workloads, force the runtime back to
// auto mode, and cordon. The cordon is swallowed: subsequent steps do not
// strictly require it.
func PreflightSteps(d Deps) []Step {
	return []Step{
		{Name: "backup", Run: d.Backup.Run},
		{Name: "workload-gate", Run: d.Gate.Check},
		{Name: "runtime-mode-auto", Run: func(ctx context.Context) error {
			return d.Runtime.SetMode(ctx, remote.ModeAuto)
		}},
		{Name: "cordon", Run: d.Node.Cordon, Swallow: true},
	}
}

// ReconfigureSteps runs the apply/poll state machine and validates the
// physical result.
func ReconfigureSteps(d Deps) []Step {
	return []Step{
		{Name: "apply-poll", Run: d.Reconf.Run},
		{Name: "validate", Run: d.Validator.Run},
	}
}

// PostflightSteps restores the runtime and scheduling. The CDI steps are
// included only when CDI is enabled; the daemon verification and uncordon
// always run, and uncordon is never swallowed.
func PostflightSteps(d Deps) []Step {
	var steps []Step
	if d.Cfg.CDIEnabled {
		steps = append(steps,
			Step{Name: "cdi-generate", Run: d.Runtime.GenerateCDISpec},
			Step{Name: "runtime-mode-cdi", Run: func(ctx context.Context) error {
				return d.Runtime.SetMode(ctx, remote.ModeCDI)
			}},
		)
	}
	steps = append(steps,
		Step{Name: "verify-runtime", Run: d.Runtime.VerifyDaemon},
		Step{Name: "uncordon", Run: d.Node.Uncordon},
	)
	return steps
}

// FullSteps is the complete pipeline: preflight, reconfigure, postflight.
func FullSteps(d Deps) []Step {
	steps := PreflightSteps(d)
	steps = append(steps, ReconfigureSteps(d)...)
	steps = append(steps, PostflightSteps(d)...)
	return steps
}
