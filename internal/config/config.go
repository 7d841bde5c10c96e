package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Default label protocol values for the cluster-side MIG manager.
const (
	DefaultLabelDomain      = "nvidia.com"
	DefaultConfigLabelValue = "custom-mig-config"

	// SentinelLabelValue is the transient trigger value used to force
	// edge-triggered re-evaluation by the MIG manager, which only reacts
	// to label value *changes*.
	SentinelLabelValue = "temp"
)

// Config holds all migctl configuration values.
type Config struct {
	// Target
	NodeName       string
	Namespace      string
	KubeconfigPath string

	// MIG configuration inputs
	ConfigMapName    string
	TemplatePath     string
	IntentPath       string
	LabelDomain      string
	ConfigLabelValue string

	// Runtime / CDI
	CDIEnabled        bool
	RuntimeConfigPath string
	ContainerdService string
	WorkloadPatterns  []string
	MigManagerPodName string

	// Remote access
	SSHHost        string
	SSHUser        string
	SSHPort        int
	SSHKeyPath     string
	KnownHostsPath string

	// Run bookkeeping
	LockPath         string
	RunRoot          string
	LogRetentionDays int

	// Apply/poll tunables. The ratios matter: MinSuccessAttempt must be
	// large enough that one settle delay plus one poll interval exceeds
	// the MIG manager's minimum reaction latency, or every run rejects
	// its own success.
	MaxRetries        int
	PollInterval      time.Duration
	MinSuccessAttempt int
	MaxFailedAllowed  int
	MaxApplyAttempts  int
	LabelSettleDelay  time.Duration

	Version string
}

// Load reads configuration from environment variables and returns a Config
// with defaults applied for any unset values.
func Load() Config {
	cfg := Config{
		NodeName:       os.Getenv("MIGCTL_NODE_NAME"),
		Namespace:      envOrDefault("MIGCTL_NAMESPACE", "gpu-operator"),
		KubeconfigPath: os.Getenv("KUBECONFIG"),

		ConfigMapName:    envOrDefault("MIGCTL_CONFIGMAP_NAME", "custom-mig-parted-config"),
		TemplatePath:     envOrDefault("MIGCTL_TEMPLATE_PATH", "/etc/migctl/profiles.yaml"),
		IntentPath:       envOrDefault("MIGCTL_INTENT_PATH", "/etc/migctl/desired-config.yaml"),
		LabelDomain:      envOrDefault("MIGCTL_LABEL_DOMAIN", DefaultLabelDomain),
		ConfigLabelValue: envOrDefault("MIGCTL_CONFIG_LABEL_VALUE", DefaultConfigLabelValue),

		CDIEnabled:        parseBool("MIGCTL_CDI_ENABLED", true),
		RuntimeConfigPath: envOrDefault("MIGCTL_RUNTIME_CONFIG_PATH", "/etc/nvidia-container-runtime/config.toml"),
		ContainerdService: envOrDefault("MIGCTL_CONTAINERD_SERVICE", "containerd"),
		WorkloadPatterns:  parseStringSlice("MIGCTL_WORKLOAD_PATTERNS", []string{"gpu-"}),
		MigManagerPodName: envOrDefault("MIGCTL_MIG_MANAGER_POD_PREFIX", "nvidia-mig-manager"),

		SSHHost:        os.Getenv("MIGCTL_SSH_HOST"),
		SSHUser:        envOrDefault("MIGCTL_SSH_USER", "root"),
		SSHPort:        parseInt("MIGCTL_SSH_PORT", 22),
		SSHKeyPath:     envOrDefault("MIGCTL_SSH_KEY_PATH", defaultSSHKeyPath()),
		KnownHostsPath: os.Getenv("MIGCTL_SSH_KNOWN_HOSTS"),

		LockPath:         envOrDefault("MIGCTL_LOCK_PATH", "/var/run/migctl.lock"),
		RunRoot:          envOrDefault("MIGCTL_RUN_ROOT", "/var/log/migctl"),
		LogRetentionDays: parseInt("MIGCTL_LOG_RETENTION_DAYS", 30),

		MaxRetries:        parseInt("MIGCTL_MAX_RETRIES", 15),
		PollInterval:      parseDuration("MIGCTL_POLL_INTERVAL", 20*time.Second),
		MinSuccessAttempt: parseInt("MIGCTL_MIN_SUCCESS_ATTEMPT", 2),
		MaxFailedAllowed:  parseInt("MIGCTL_MAX_FAILED_ALLOWED", 2),
		MaxApplyAttempts:  parseInt("MIGCTL_MAX_APPLY_ATTEMPTS", 3),
		LabelSettleDelay:  parseDuration("MIGCTL_LABEL_SETTLE_DELAY", 20*time.Second),
	}

	// The node is reached over SSH at its hostname unless overridden.
	if cfg.SSHHost == "" {
		cfg.SSHHost = cfg.NodeName
	}

	return cfg
}

// ConfigLabel returns the operator-writable trigger label key.
func (c Config) ConfigLabel() string {
	return c.LabelDomain + "/mig.config"
}

// StateLabel returns the controller-writable status label key.
func (c Config) StateLabel() string {
	return c.LabelDomain + "/mig.config.state"
}

func defaultSSHKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.ssh/id_rsa"
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// parseDuration tries time.ParseDuration first, then falls back to treating
// the value as integer seconds.
func parseDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}

	secs, err := strconv.Atoi(v)
	if err == nil {
		return time.Duration(secs) * time.Second
	}

	return defaultVal
}

func parseBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseStringSlice(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var result []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}
