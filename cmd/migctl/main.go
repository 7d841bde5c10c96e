package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"

	"github.com/urfave/cli/v2"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/gpuops/migctl/internal/backup"
	"github.com/gpuops/migctl/internal/config"
	"github.com/gpuops/migctl/internal/errors"
	"github.com/gpuops/migctl/internal/lock"
	"github.com/gpuops/migctl/internal/mig"
	"github.com/gpuops/migctl/internal/node"
	"github.com/gpuops/migctl/internal/observability"
	"github.com/gpuops/migctl/internal/remote"
	"github.com/gpuops/migctl/internal/runlog"
	"github.com/gpuops/migctl/internal/validate"
	"github.com/gpuops/migctl/internal/workflow"
	"github.com/gpuops/migctl/internal/workload"
)

var version = "dev"

func main() {
	cfg := config.Load()
	cfg.Version = version

	app := &cli.App{
		Name:    "migctl",
		Usage:   "reconfigure NVIDIA MIG partitions on a Kubernetes worker node with minimal disruption",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "node-name",
				Aliases:     []string{"n"},
				Usage:       "name of the worker node to reconfigure",
				Value:       cfg.NodeName,
				Destination: &cfg.NodeName,
				EnvVars:     []string{"MIGCTL_NODE_NAME"},
			},
			&cli.StringFlag{
				Name:        "namespace",
				Aliases:     []string{"ns"},
				Usage:       "namespace in which the GPU operator components are deployed",
				Value:       cfg.Namespace,
				Destination: &cfg.Namespace,
				EnvVars:     []string{"MIGCTL_NAMESPACE"},
			},
			&cli.StringFlag{
				Name:        "kubeconfig",
				Usage:       "absolute path to the kubeconfig file",
				Value:       cfg.KubeconfigPath,
				Destination: &cfg.KubeconfigPath,
				EnvVars:     []string{"KUBECONFIG"},
			},
			&cli.StringFlag{
				Name:        "template-file",
				Aliases:     []string{"t"},
				Usage:       "path to the MIG profile template file",
				Value:       cfg.TemplatePath,
				Destination: &cfg.TemplatePath,
				EnvVars:     []string{"MIGCTL_TEMPLATE_PATH"},
			},
			&cli.StringFlag{
				Name:        "intent-file",
				Aliases:     []string{"f"},
				Usage:       "path to the desired-configuration file (GPU index to profile name)",
				Value:       cfg.IntentPath,
				Destination: &cfg.IntentPath,
				EnvVars:     []string{"MIGCTL_INTENT_PATH"},
			},
			&cli.BoolFlag{
				Name:        "cdi-enabled",
				Usage:       "switch the runtime to CDI mode after reconfiguration",
				Value:       cfg.CDIEnabled,
				Destination: &cfg.CDIEnabled,
				EnvVars:     []string{"MIGCTL_CDI_ENABLED"},
			},
			&cli.StringFlag{
				Name:        "lock-path",
				Usage:       "path of the advisory lock serializing reconfiguration runs",
				Value:       cfg.LockPath,
				Destination: &cfg.LockPath,
				EnvVars:     []string{"MIGCTL_LOCK_PATH"},
			},
		},
		Commands: commandList(&cfg),
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("migctl failed", "error", err)
		os.Exit(1)
	}
}

// pipelineCommand describes one CLI command: its step builder and whether
// it applies a config map, which is the only reason to demand the operator's
// template and intent files. Recovery-oriented entry points must stay
// runnable when those files are absent.
type pipelineCommand struct {
	name        string
	usage       string
	needsIntent bool
	steps       func(workflow.Deps) []workflow.Step
}

func pipelineCommands() []pipelineCommand {
	return []pipelineCommand{
		{
			name:        "run",
			usage:       "full pipeline: preflight, reconfigure, postflight",
			needsIntent: true,
			steps:       workflow.FullSteps,
		},
		{
			name:  "preflight",
			usage: "backup, workload gate, runtime auto mode, cordon",
			steps: workflow.PreflightSteps,
		},
		{
			name:        "reconfigure",
			usage:       "apply the MIG layout and poll until convergence, then validate",
			needsIntent: true,
			steps:       workflow.ReconfigureSteps,
		},
		{
			name:  "postflight",
			usage: "CDI generation, runtime cdi mode, daemon verification, uncordon",
			steps: workflow.PostflightSteps,
		},
	}
}

func commandList(cfg *config.Config) []*cli.Command {
	var out []*cli.Command
	for _, pc := range pipelineCommands() {
		out = append(out, &cli.Command{
			Name:  pc.name,
			Usage: pc.usage,
			Action: func(*cli.Context) error {
				return execute(cfg, pc)
			},
		})
	}
	return out
}

// execute runs one pipeline variant end to end. Once the lock is taken and
// mutation begins the run is not interruptible: it proceeds to a terminal
// state (success or fatal abort), because a node left mid-transition is
// worse than either endpoint.
func execute(cfg *config.Config, cmd pipelineCommand) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	clock := errors.RealClock{}
	collector := errors.NewCollector(clock)

	// Parse operator intent before taking the lock: aborting here is a
	// clean no-op with no cluster-side effects. Pipelines that never apply
	// a config map skip this entirely.
	var document string
	var gpuCount int
	if cmd.needsIntent {
		tmpl, err := mig.LoadTemplate(cfg.TemplatePath)
		if err != nil {
			return err
		}
		desired, err := mig.LoadIntent(cfg.IntentPath, tmpl)
		if err != nil {
			return err
		}
		document, err = mig.Render(desired, cfg.ConfigLabelValue)
		if err != nil {
			return err
		}
		gpuCount = len(desired.GPUs)
	}

	runlog.Prune(cfg.RunRoot, cfg.LogRetentionDays, clock, slog.Default())

	run, err := runlog.New(cfg.RunRoot, clock)
	if err != nil {
		return err
	}
	defer run.Close()
	log := run.Logger

	log.Info("migctl starting",
		"version", cfg.Version,
		"command", cmd.name,
		"node", cfg.NodeName,
		"namespace", cfg.Namespace,
		"gpus", gpuCount,
		"cdi_enabled", cfg.CDIEnabled,
	)

	// The handle must stay reachable for the whole run: it owns the open
	// lock fd, and losing the last reference lets the runtime close the fd
	// during GC, which drops the flock mid-mutation. Released on return;
	// the kernel covers every abnormal exit path.
	lh, err := lock.Acquire(cfg.LockPath)
	if err != nil {
		return err
	}
	defer lh.Release()

	restCfg, err := buildKubeConfig(cfg.KubeconfigPath, log)
	if err != nil {
		return err
	}
	kubeClient, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("build kubernetes client: %w", err)
	}
	dynClient, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("build dynamic client: %w", err)
	}

	runner, err := remote.Dial(remote.Options{
		Host:           cfg.SSHHost,
		User:           cfg.SSHUser,
		Port:           cfg.SSHPort,
		KeyPath:        cfg.SSHKeyPath,
		KnownHostsPath: cfg.KnownHostsPath,
	})
	if err != nil {
		return err
	}
	defer runner.Close()

	metrics := observability.NewMetrics()
	nodeClient := node.NewClient(kubeClient, cfg.NodeName, cfg.ConfigLabel(), cfg.StateLabel(), log)
	runtime := remote.NewRuntimeController(runner, cfg.RuntimeConfigPath, cfg.ContainerdService, log)

	deps := workflow.Deps{
		Cfg: *cfg,
		Backup: backup.NewCollector(
			kubeClient, dynClient, runner, nodeClient, clock,
			run.BackupDir, cfg.Namespace, cfg.ConfigMapName, cfg.RuntimeConfigPath, log,
		),
		Gate:    workload.NewGate(kubeClient, cfg.WorkloadPatterns, log),
		Runtime: runtime,
		Node:    nodeClient,
		Reconf: mig.NewReconfigurer(
			mig.NewConfigMapApplier(kubeClient, cfg.Namespace, cfg.ConfigMapName, document, log),
			nodeClient, nodeClient, mig.RealSleeper{},
			*cfg, run, metrics, log,
		),
		Validator: validate.NewValidator(
			kubeClient, validate.NewSPDYExecutor(kubeClient, restCfg),
			cfg.Namespace, cfg.MigManagerPodName, cfg.NodeName, log,
		),
	}

	pipeline := workflow.New(cmd.steps(deps), metrics, collector, log)
	runErr := pipeline.Run(context.Background())

	outcome := "success"
	if runErr != nil {
		outcome = "failed"
	}
	if err := run.WriteSummary(outcome, collector); err != nil {
		log.Warn("could not write run summary", "error", err)
	}
	if err := metrics.WriteTextfile(filepath.Join(run.Dir, "metrics.prom")); err != nil {
		log.Warn("could not write metrics textfile", "error", err)
	}

	if runErr != nil {
		log.Error("run failed", "outcome", outcome, "error", runErr)
		return runErr
	}
	log.Info("run complete", "outcome", outcome)
	return nil
}

// buildKubeConfig tries in-cluster config first, then falls back to the
// kubeconfig file (explicit path, $KUBECONFIG, or ~/.kube/config).
func buildKubeConfig(kubeconfig string, log *slog.Logger) (*rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		log.Info("using in-cluster kubernetes config")
		return cfg, nil
	}

	if kubeconfig == "" {
		kubeconfig = clientcmd.RecommendedHomeFile
	}
	cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes config from %s: %w", kubeconfig, err)
	}
	log.Info("using kubeconfig file", "path", kubeconfig)
	return cfg, nil
}
