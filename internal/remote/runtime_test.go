package remote

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	migerrors "github.com/gpuops/migctl/internal/errors"
)

const autoConfig = `[nvidia-container-runtime]
mode = "auto"
log-level = "info"
`

const cdiConfig = `[nvidia-container-runtime]
mode = "cdi"
log-level = "info"
`

// fakeRunner answers commands from a response table and records every
// command it receives.
type fakeRunner struct {
	responses map[string]string
	errors    map[string]error
	commands  []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: make(map[string]string),
		errors:    make(map[string]error),
	}
}

func (r *fakeRunner) Run(_ context.Context, cmd string) (string, error) {
	r.commands = append(r.commands, cmd)
	if err, ok := r.errors[cmd]; ok {
		return "", err
	}
	return r.responses[cmd], nil
}

// mutations returns the commands that change remote state (everything
// except reads).
func (r *fakeRunner) mutations() []string {
	var out []string
	for _, c := range r.commands {
		if strings.HasPrefix(c, "cat ") || strings.HasPrefix(c, "systemctl is-active") {
			continue
		}
		out = append(out, c)
	}
	return out
}

func newTestController(runner Runner) *RuntimeController {
	return NewRuntimeController(runner, "/etc/nvidia-container-runtime/config.toml", "containerd", slog.New(slog.DiscardHandler))
}

func TestParseMode(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    Mode
	}{
		{"auto", autoConfig, ModeAuto},
		{"cdi", cdiConfig, ModeCDI},
		{"unquoted value", "mode = auto\n", ModeAuto},
		{"unrecognized value", "mode = \"legacy\"\n", ModeUnknown},
		{"missing mode line", "log-level = \"info\"\n", ModeUnknown},
		{"empty", "", ModeUnknown},
		{"mode prefix on other key", "mode-of-operation = \"auto\"\n", ModeUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseMode(tc.content))
		})
	}
}

func TestCurrentMode_RemoteFailureIsUnknown(t *testing.T) {
	runner := newFakeRunner()
	runner.errors["cat /etc/nvidia-container-runtime/config.toml"] = fmt.Errorf("no such file")

	rc := newTestController(runner)
	assert.Equal(t, ModeUnknown, rc.CurrentMode(context.Background()))
}

func TestSetMode_AlreadyAtTargetIsNoOp(t *testing.T) {
	// Switching to the already-active mode performs no remote mutation.
	runner := newFakeRunner()
	runner.responses["cat /etc/nvidia-container-runtime/config.toml"] = autoConfig

	rc := newTestController(runner)
	require.NoError(t, rc.SetMode(context.Background(), ModeAuto))

	assert.Empty(t, runner.mutations(), "no edit or restart for an idempotent transition")
}

func TestSetMode_AutoTransition(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["cat /etc/nvidia-container-runtime/config.toml"] = cdiConfig

	rc := newTestController(runner)
	require.NoError(t, rc.SetMode(context.Background(), ModeAuto))

	muts := runner.mutations()
	require.Len(t, muts, 2)
	assert.Contains(t, muts[0], `mode = "auto"`)
	assert.Equal(t, "systemctl restart containerd", muts[1])

	// The auto transition does not demand the post-restart verification.
	for _, c := range runner.commands {
		assert.NotEqual(t, "systemctl is-active containerd", c)
	}
}

func TestSetMode_CdiTransitionVerifiesDaemon(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["cat /etc/nvidia-container-runtime/config.toml"] = autoConfig
	runner.responses["systemctl is-active containerd"] = "active\n"

	rc := newTestController(runner)
	require.NoError(t, rc.SetMode(context.Background(), ModeCDI))

	assert.Contains(t, runner.commands, "systemctl is-active containerd")
}

func TestSetMode_CdiFailsWhenDaemonNotActive(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["cat /etc/nvidia-container-runtime/config.toml"] = autoConfig
	runner.responses["systemctl is-active containerd"] = "activating\n"

	rc := newTestController(runner)
	err := rc.SetMode(context.Background(), ModeCDI)

	var re *migerrors.RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, migerrors.ErrRuntimeVerifyFailed, re.Code)
}

func TestSetMode_RejectsUnknownTarget(t *testing.T) {
	rc := newTestController(newFakeRunner())
	assert.Error(t, rc.SetMode(context.Background(), ModeUnknown))
}

func TestSetMode_RestartFailureIsFatal(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["cat /etc/nvidia-container-runtime/config.toml"] = cdiConfig
	runner.errors["systemctl restart containerd"] = fmt.Errorf("job failed")

	rc := newTestController(runner)
	assert.Error(t, rc.SetMode(context.Background(), ModeAuto))
}

func TestVerifyDaemon(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["systemctl is-active containerd"] = "active\n"
	require.NoError(t, newTestController(runner).VerifyDaemon(context.Background()))

	runner = newFakeRunner()
	runner.errors["systemctl is-active containerd"] = fmt.Errorf("inactive")
	err := newTestController(runner).VerifyDaemon(context.Background())
	var re *migerrors.RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, migerrors.ErrRuntimeVerifyFailed, re.Code)
}

func TestGenerateCDISpec(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["nvidia-ctk cdi generate --output=/etc/cdi/nvidia.yaml"] = "wrote /etc/cdi/nvidia.yaml\n"

	rc := newTestController(runner)
	require.NoError(t, rc.GenerateCDISpec(context.Background()))
	require.Len(t, runner.commands, 1)
}
