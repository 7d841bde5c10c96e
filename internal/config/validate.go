package config

import (
	"fmt"
	"time"
)

// Validate checks that the Config contains valid values.
// Returns an error describing the first invalid field found.
func (c Config) Validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("config: MIGCTL_NODE_NAME is required")
	}

	if c.Namespace == "" {
		return fmt.Errorf("config: MIGCTL_NAMESPACE must not be empty")
	}

	if c.ConfigLabelValue == SentinelLabelValue {
		return fmt.Errorf("config: MIGCTL_CONFIG_LABEL_VALUE must not equal the sentinel %q", SentinelLabelValue)
	}

	if c.MaxRetries < 1 {
		return fmt.Errorf("config: MaxRetries must be >= 1, got %d", c.MaxRetries)
	}

	if c.PollInterval < time.Second {
		return fmt.Errorf("config: PollInterval must be >= 1s, got %v", c.PollInterval)
	}

	if c.MinSuccessAttempt < 1 || c.MinSuccessAttempt > c.MaxRetries {
		return fmt.Errorf("config: MinSuccessAttempt must be in [1, MaxRetries], got %d", c.MinSuccessAttempt)
	}

	if c.MaxFailedAllowed < 1 {
		return fmt.Errorf("config: MaxFailedAllowed must be >= 1, got %d", c.MaxFailedAllowed)
	}

	if c.MaxApplyAttempts < 1 {
		return fmt.Errorf("config: MaxApplyAttempts must be >= 1, got %d", c.MaxApplyAttempts)
	}

	if c.LogRetentionDays < 1 {
		return fmt.Errorf("config: LogRetentionDays must be >= 1, got %d", c.LogRetentionDays)
	}

	if c.LockPath == "" {
		return fmt.Errorf("config: MIGCTL_LOCK_PATH must not be empty")
	}

	return nil
}
