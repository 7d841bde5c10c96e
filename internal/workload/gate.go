// Package workload implements the safety gate that blocks mutation while
// GPU-consuming workloads are still scheduled.
//
// The scan is cluster-wide, not node-scoped. On a multi-node cluster it
// will flag matching workloads running on unrelated nodes; this scoping is
// preserved deliberately, as the tool targets single-GPU-node deployments
// and narrowing the scan would change externally visible behavior.
package workload

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/gpuops/migctl/internal/errors"
)

// Gate checks for active GPU workloads by pod naming convention.
type Gate struct {
	kube     kubernetes.Interface
	patterns []string
	log      *slog.Logger
}

// NewGate creates a Gate matching pod names against the given substrings.
func NewGate(kube kubernetes.Interface, patterns []string, log *slog.Logger) *Gate {
	return &Gate{kube: kube, patterns: patterns, log: log}
}

// Check lists pods across all namespaces and fails with the offending
// workloads if any match a GPU naming pattern and are not yet terminal.
// Remediation requires a human decision about which workloads to stop, so
// there is no auto-retry.
func (g *Gate) Check(ctx context.Context) error {
	pods, err := g.kube.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("workload: list pods: %w", err)
	}

	var offending []string
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			continue
		}
		if g.matches(pod.Name) {
			offending = append(offending, pod.Namespace+"/"+pod.Name)
		}
	}

	if len(offending) > 0 {
		return &errors.RunError{
			Code: errors.ErrWorkloadsPresent,
			Message: fmt.Sprintf(
				"workload: %d GPU workload(s) still scheduled: %s; drain them manually before reconfiguring",
				len(offending), strings.Join(offending, ", ")),
			Component: "workload",
		}
	}

	g.log.Info("no active GPU workloads found", "pods_scanned", len(pods.Items))
	return nil
}

func (g *Gate) matches(name string) bool {
	for _, p := range g.patterns {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}
