package observability

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersWithoutConflict(t *testing.T) {
	m := NewMetrics()

	m.ApplyAttempts.Inc()
	m.PollAttempts.Add(5)
	m.LabelCycles.Inc()
	m.FailedObservations.Inc()
	m.PhaseDuration.WithLabelValues("apply-poll").Observe(12.5)
	m.PhaseFailures.WithLabelValues("uncordon").Inc()
	m.RemoteCommands.WithLabelValues("ok").Inc()

	fams, err := m.Registry.Gather()
	require.NoError(t, err)
	assert.Len(t, fams, 7)
}

func TestWriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.ApplyAttempts.Inc()
	m.PollAttempts.Add(3)
	m.PhaseDuration.WithLabelValues("validate").Observe(time.Second.Seconds())

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)

	assert.Contains(t, out, "migctl_apply_attempts_total 1")
	assert.Contains(t, out, "migctl_poll_attempts_total 3")
	assert.Contains(t, out, `migctl_phase_duration_seconds_count{phase="validate"} 1`)
	assert.Contains(t, out, "# HELP migctl_apply_attempts_total")
}

func TestWriteTextfile_BadPath(t *testing.T) {
	m := NewMetrics()
	err := m.WriteTextfile(filepath.Join(t.TempDir(), "missing", "metrics.prom"))
	assert.Error(t, err)
}
