package observability

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Metrics holds all Prometheus metrics for run self-monitoring.
// It uses a custom registry to avoid polluting the global default.
// Since migctl is a one-shot process there is nothing to scrape; the
// registry is dumped as a textfile into the run directory at exit.
type Metrics struct {
	Registry *prometheus.Registry

	// Apply/poll state machine
	ApplyAttempts      prometheus.Counter
	PollAttempts       prometheus.Counter
	FailedObservations prometheus.Counter
	LabelCycles        prometheus.Counter

	// Pipeline
	PhaseDuration *prometheus.HistogramVec
	PhaseFailures *prometheus.CounterVec

	// Remote execution
	RemoteCommands *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all metrics registered on a
// custom registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ApplyAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "migctl_apply_attempts_total",
			Help: "Total number of outer apply attempts.",
		}),
		PollAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "migctl_poll_attempts_total",
			Help: "Total number of status label polls.",
		}),
		FailedObservations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "migctl_failed_observations_total",
			Help: "Total number of failed states observed on the status label.",
		}),
		LabelCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "migctl_label_cycles_total",
			Help: "Total number of trigger label sentinel/target cycles.",
		}),

		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "migctl_phase_duration_seconds",
			Help:    "Duration of workflow phases in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"phase"}),
		PhaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "migctl_phase_failures_total",
			Help: "Total number of phase failures, fatal or swallowed.",
		}, []string{"phase"}),

		RemoteCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "migctl_remote_commands_total",
			Help: "Total number of remote commands executed.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.ApplyAttempts,
		m.PollAttempts,
		m.FailedObservations,
		m.LabelCycles,
		m.PhaseDuration,
		m.PhaseFailures,
		m.RemoteCommands,
	)

	return m
}

// WriteTextfile dumps the registry in Prometheus text exposition format,
// suitable for a node-exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	fams, err := m.gather()
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("observability: create %s: %w", path, err)
	}
	defer f.Close()

	enc := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, fam := range fams {
		if err := enc.Encode(fam); err != nil {
			return fmt.Errorf("observability: encode %s: %w", fam.GetName(), err)
		}
	}
	return nil
}

func (m *Metrics) gather() ([]*dto.MetricFamily, error) {
	fams, err := m.Registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("observability: gather metrics: %w", err)
	}
	return fams, nil
}
