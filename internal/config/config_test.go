package config

import (
	"os"
	"testing"
	"time"
)

// helper to clear all MIGCTL_ env vars before each test
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"MIGCTL_NODE_NAME",
		"MIGCTL_NAMESPACE",
		"MIGCTL_CONFIGMAP_NAME",
		"MIGCTL_TEMPLATE_PATH",
		"MIGCTL_INTENT_PATH",
		"MIGCTL_LABEL_DOMAIN",
		"MIGCTL_CONFIG_LABEL_VALUE",
		"MIGCTL_CDI_ENABLED",
		"MIGCTL_RUNTIME_CONFIG_PATH",
		"MIGCTL_CONTAINERD_SERVICE",
		"MIGCTL_WORKLOAD_PATTERNS",
		"MIGCTL_MIG_MANAGER_POD_PREFIX",
		"MIGCTL_SSH_HOST",
		"MIGCTL_SSH_USER",
		"MIGCTL_SSH_PORT",
		"MIGCTL_SSH_KEY_PATH",
		"MIGCTL_SSH_KNOWN_HOSTS",
		"MIGCTL_LOCK_PATH",
		"MIGCTL_RUN_ROOT",
		"MIGCTL_LOG_RETENTION_DAYS",
		"MIGCTL_MAX_RETRIES",
		"MIGCTL_POLL_INTERVAL",
		"MIGCTL_MIN_SUCCESS_ATTEMPT",
		"MIGCTL_MAX_FAILED_ALLOWED",
		"MIGCTL_MAX_APPLY_ATTEMPTS",
		"MIGCTL_LABEL_SETTLE_DELAY",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("MIGCTL_NODE_NAME", "gpu-node-1")

	cfg := Load()

	if cfg.NodeName != "gpu-node-1" {
		t.Errorf("NodeName = %q, want %q", cfg.NodeName, "gpu-node-1")
	}
	if cfg.Namespace != "gpu-operator" {
		t.Errorf("Namespace = %q, want %q", cfg.Namespace, "gpu-operator")
	}
	if cfg.SSHHost != "gpu-node-1" {
		t.Errorf("SSHHost = %q, want node name fallback", cfg.SSHHost)
	}
	if cfg.MaxRetries != 15 {
		t.Errorf("MaxRetries = %d, want 15", cfg.MaxRetries)
	}
	if cfg.PollInterval != 20*time.Second {
		t.Errorf("PollInterval = %v, want 20s", cfg.PollInterval)
	}
	if cfg.MinSuccessAttempt != 2 {
		t.Errorf("MinSuccessAttempt = %d, want 2", cfg.MinSuccessAttempt)
	}
	if cfg.MaxFailedAllowed != 2 {
		t.Errorf("MaxFailedAllowed = %d, want 2", cfg.MaxFailedAllowed)
	}
	if cfg.MaxApplyAttempts != 3 {
		t.Errorf("MaxApplyAttempts = %d, want 3", cfg.MaxApplyAttempts)
	}
	if cfg.LabelSettleDelay != 20*time.Second {
		t.Errorf("LabelSettleDelay = %v, want 20s", cfg.LabelSettleDelay)
	}
	if !cfg.CDIEnabled {
		t.Error("CDIEnabled should default to true")
	}
	if cfg.LogRetentionDays != 30 {
		t.Errorf("LogRetentionDays = %d, want 30", cfg.LogRetentionDays)
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MIGCTL_NODE_NAME", "gpu-node-1")
	t.Setenv("MIGCTL_SSH_HOST", "10.0.0.5")
	t.Setenv("MIGCTL_POLL_INTERVAL", "5s")
	t.Setenv("MIGCTL_MAX_RETRIES", "3")
	t.Setenv("MIGCTL_CDI_ENABLED", "false")
	t.Setenv("MIGCTL_WORKLOAD_PATTERNS", "gpu-burn, cuda-")

	cfg := Load()

	if cfg.SSHHost != "10.0.0.5" {
		t.Errorf("SSHHost = %q, want override", cfg.SSHHost)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.PollInterval)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.CDIEnabled {
		t.Error("CDIEnabled should be false")
	}
	if len(cfg.WorkloadPatterns) != 2 || cfg.WorkloadPatterns[0] != "gpu-burn" || cfg.WorkloadPatterns[1] != "cuda-" {
		t.Errorf("WorkloadPatterns = %v, want [gpu-burn cuda-]", cfg.WorkloadPatterns)
	}
}

func TestLoad_DurationAsSeconds(t *testing.T) {
	clearEnv(t)
	t.Setenv("MIGCTL_NODE_NAME", "gpu-node-1")
	t.Setenv("MIGCTL_POLL_INTERVAL", "45")

	cfg := Load()
	if cfg.PollInterval != 45*time.Second {
		t.Errorf("PollInterval = %v, want 45s from bare integer", cfg.PollInterval)
	}
}

func TestLoad_LabelKeys(t *testing.T) {
	clearEnv(t)
	t.Setenv("MIGCTL_NODE_NAME", "gpu-node-1")

	cfg := Load()
	if got := cfg.ConfigLabel(); got != "nvidia.com/mig.config" {
		t.Errorf("ConfigLabel() = %q", got)
	}
	if got := cfg.StateLabel(); got != "nvidia.com/mig.config.state" {
		t.Errorf("StateLabel() = %q", got)
	}
}

func validConfig() Config {
	cfg := Config{
		NodeName:          "gpu-node-1",
		Namespace:         "gpu-operator",
		ConfigLabelValue:  DefaultConfigLabelValue,
		LockPath:          "/var/run/migctl.lock",
		LogRetentionDays:  30,
		MaxRetries:        15,
		PollInterval:      20 * time.Second,
		MinSuccessAttempt: 2,
		MaxFailedAllowed:  2,
		MaxApplyAttempts:  3,
	}
	return cfg
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing node name", func(c *Config) { c.NodeName = "" }},
		{"empty namespace", func(c *Config) { c.Namespace = "" }},
		{"config value equals sentinel", func(c *Config) { c.ConfigLabelValue = SentinelLabelValue }},
		{"zero max retries", func(c *Config) { c.MaxRetries = 0 }},
		{"sub-second poll interval", func(c *Config) { c.PollInterval = 100 * time.Millisecond }},
		{"min success attempt zero", func(c *Config) { c.MinSuccessAttempt = 0 }},
		{"min success attempt above max retries", func(c *Config) { c.MinSuccessAttempt = 99 }},
		{"zero max failed allowed", func(c *Config) { c.MaxFailedAllowed = 0 }},
		{"zero apply attempts", func(c *Config) { c.MaxApplyAttempts = 0 }},
		{"zero retention", func(c *Config) { c.LogRetentionDays = 0 }},
		{"empty lock path", func(c *Config) { c.LockPath = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}
