// Package node wraps the cluster API operations against the target worker
// node: cordon/uncordon and the MIG label protocol.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/gpuops/migctl/internal/errors"
)

// Client operates on one named node. The trigger label and the runtime
// config file are single-writer by convention: the process lock guarantees
// at most one workflow per node, so no resource-version CAS is used on
// label mutation.
type Client struct {
	kube        kubernetes.Interface
	name        string
	configLabel string
	stateLabel  string
	log         *slog.Logger
}

// NewClient creates a Client for the given node and label keys.
func NewClient(kube kubernetes.Interface, name, configLabel, stateLabel string, log *slog.Logger) *Client {
	return &Client{
		kube:        kube,
		name:        name,
		configLabel: configLabel,
		stateLabel:  stateLabel,
		log:         log,
	}
}

// Name returns the node name.
func (c *Client) Name() string { return c.name }

// Cordon marks the node unschedulable. Cordoning an already-cordoned node
// is success, not an error.
func (c *Client) Cordon(ctx context.Context) error {
	return c.setUnschedulable(ctx, true)
}

// Uncordon restores scheduling on the node. Unlike cordon, callers must
// treat a failure here as fatal: silently leaving a node cordoned forever
// is a worse failure mode than a noisy error.
func (c *Client) Uncordon(ctx context.Context) error {
	if err := c.setUnschedulable(ctx, false); err != nil {
		return &errors.RunError{
			Code:      errors.ErrUncordonFailed,
			Message:   fmt.Sprintf("node: cannot uncordon %s: %v", c.name, err),
			Component: "node",
			Err:       err,
		}
	}
	return nil
}

func (c *Client) setUnschedulable(ctx context.Context, unschedulable bool) error {
	node, err := c.kube.CoreV1().Nodes().Get(ctx, c.name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("node: get %s: %w", c.name, err)
	}
	if node.Spec.Unschedulable == unschedulable {
		c.log.Info("node scheduling state already set", "node", c.name, "unschedulable", unschedulable)
		return nil
	}

	patch := fmt.Sprintf(`{"spec":{"unschedulable":%t}}`, unschedulable)
	if _, err := c.kube.CoreV1().Nodes().Patch(ctx, c.name, types.MergePatchType, []byte(patch), metav1.PatchOptions{}); err != nil {
		return fmt.Errorf("node: patch %s: %w", c.name, err)
	}
	c.log.Info("node scheduling state changed", "node", c.name, "unschedulable", unschedulable)
	return nil
}

// ReadState returns the current value of the status label. An absent label
// reads as the empty string; the state machine treats that as an
// unexpected state.
func (c *Client) ReadState(ctx context.Context) (string, error) {
	node, err := c.kube.CoreV1().Nodes().Get(ctx, c.name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("node: get %s: %w", c.name, err)
	}
	return node.Labels[c.stateLabel], nil
}

// SetConfigLabel patches the trigger label to value.
func (c *Client) SetConfigLabel(ctx context.Context, value string) error {
	patch := fmt.Sprintf(`{"metadata":{"labels":{%q:%q}}}`, c.configLabel, value)
	if _, err := c.kube.CoreV1().Nodes().Patch(ctx, c.name, types.MergePatchType, []byte(patch), metav1.PatchOptions{}); err != nil {
		return fmt.Errorf("node: set label %s=%s on %s: %w", c.configLabel, value, c.name, err)
	}
	c.log.Info("trigger label set", "node", c.name, "value", value)
	return nil
}

// MigLabels returns all labels on the node sharing the config label's
// domain prefix, for the pre-mutation backup.
func (c *Client) MigLabels(ctx context.Context) (map[string]string, error) {
	node, err := c.kube.CoreV1().Nodes().Get(ctx, c.name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("node: get %s: %w", c.name, err)
	}

	domain, _, _ := strings.Cut(c.configLabel, "/")
	out := make(map[string]string)
	for k, v := range node.Labels {
		if strings.HasPrefix(k, domain+"/") {
			out[k] = v
		}
	}
	return out, nil
}
