package remote

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gpuops/migctl/internal/errors"
)

// Mode is the container runtime's device-exposure mode.
type Mode string

// Runtime modes. The mode is a line in the remote runtime config file and
// takes effect only after a daemon restart.
const (
	ModeAuto    Mode = "auto"
	ModeCDI     Mode = "cdi"
	ModeUnknown Mode = "unknown"
)

// RuntimeController reads and switches the GPU node's container-runtime
// mode and restarts the runtime daemon. Mode transitions are idempotent:
// switching to the mode already active performs no remote mutation.
type RuntimeController struct {
	runner     Runner
	configPath string
	service    string
	log        *slog.Logger
}

// NewRuntimeController creates a RuntimeController for the given remote
// config file and systemd service.
func NewRuntimeController(runner Runner, configPath, service string, log *slog.Logger) *RuntimeController {
	return &RuntimeController{
		runner:     runner,
		configPath: configPath,
		service:    service,
		log:        log,
	}
}

// CurrentMode reads the runtime config file and parses the mode line.
// Any remote or parse failure yields ModeUnknown rather than an error;
// callers decide whether unknown is fatal.
func (rc *RuntimeController) CurrentMode(ctx context.Context) Mode {
	out, err := rc.runner.Run(ctx, "cat "+rc.configPath)
	if err != nil {
		rc.log.Warn("could not read runtime config, mode unknown",
			"path", rc.configPath, "error", err)
		return ModeUnknown
	}
	return ParseMode(out)
}

// ParseMode extracts the mode value from runtime config file content.
func ParseMode(content string) Mode {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "mode") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(k) != "mode" {
			continue
		}
		switch strings.Trim(strings.TrimSpace(v), `"`) {
		case string(ModeAuto):
			return ModeAuto
		case string(ModeCDI):
			return ModeCDI
		}
		return ModeUnknown
	}
	return ModeUnknown
}

// SetMode switches the runtime to target and restarts the daemon. A no-op
// when the current mode already equals target. The cdi transition
// additionally verifies the daemon came back active: it runs right after a
// physical repartition, and silently leaving the node with a dead runtime
// would make every GPU unreachable.
func (rc *RuntimeController) SetMode(ctx context.Context, target Mode) error {
	if target != ModeAuto && target != ModeCDI {
		return fmt.Errorf("remote: cannot set runtime mode to %q", target)
	}

	current := rc.CurrentMode(ctx)
	if current == target {
		rc.log.Info("runtime mode already set, skipping", "mode", target)
		return nil
	}

	rc.log.Info("switching runtime mode", "from", current, "to", target)

	edit := fmt.Sprintf(`sed -i 's/^mode = ".*"/mode = "%s"/' %s`, target, rc.configPath)
	if _, err := rc.runner.Run(ctx, edit); err != nil {
		return err
	}

	if _, err := rc.runner.Run(ctx, "systemctl restart "+rc.service); err != nil {
		return err
	}

	if target == ModeCDI {
		if err := rc.VerifyDaemon(ctx); err != nil {
			return err
		}
	}

	rc.log.Info("runtime mode switched", "mode", target)
	return nil
}

// VerifyDaemon checks that the runtime daemon reports active status.
func (rc *RuntimeController) VerifyDaemon(ctx context.Context) error {
	out, err := rc.runner.Run(ctx, "systemctl is-active "+rc.service)
	if err != nil {
		return &errors.RunError{
			Code:      errors.ErrRuntimeVerifyFailed,
			Message:   fmt.Sprintf("remote: %s did not report active after restart: %v", rc.service, err),
			Component: "remote",
			Err:       err,
		}
	}
	if strings.TrimSpace(out) != "active" {
		return &errors.RunError{
			Code:      errors.ErrRuntimeVerifyFailed,
			Message:   fmt.Sprintf("remote: %s status is %q, expected active", rc.service, strings.TrimSpace(out)),
			Component: "remote",
		}
	}
	return nil
}

// GenerateCDISpec regenerates the CDI device specification on the node.
// Must run only after MIG state has converged; a spec generated earlier
// would describe the pre-reconfiguration topology.
func (rc *RuntimeController) GenerateCDISpec(ctx context.Context) error {
	rc.log.Info("regenerating CDI spec")
	out, err := rc.runner.Run(ctx, "nvidia-ctk cdi generate --output=/etc/cdi/nvidia.yaml")
	if err != nil {
		return err
	}
	if s := strings.TrimSpace(out); s != "" {
		rc.log.Info("CDI spec generated", "output", s)
	}
	return nil
}
