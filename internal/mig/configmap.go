package mig

import (
	"context"
	"fmt"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/yaml"
)

// ConfigMapKey is the data key carrying the rendered document inside the
// cluster ConfigMap.
const ConfigMapKey = "config.yaml"

// configGroup is one devices group in the mig-parted style document.
type configGroup struct {
	Devices    []int          `json:"devices"`
	MigEnabled bool           `json:"mig-enabled"`
	MigDevices map[string]int `json:"mig-devices,omitempty"`
}

// configDocument is the full rendered document.
type configDocument struct {
	Version    string                   `json:"version"`
	MigConfigs map[string][]configGroup `json:"mig-configs"`
}

// Render serializes the desired configuration into the mig-parted document
// under the given named config. GPU indices sharing a profile are grouped
// to avoid redundant entries; every index appears in exactly one group.
func Render(dc DesiredConfiguration, configName string) (string, error) {
	if len(dc.GPUs) == 0 {
		return "", fmt.Errorf("mig: cannot render empty desired configuration")
	}
	if err := dc.validateCoverage(); err != nil {
		return "", err
	}

	var groups []configGroup
	claimed := make(map[int]bool, len(dc.GPUs))

	// Walk indices in order so grouping is deterministic: each group is
	// anchored at its lowest unclaimed index.
	for _, idx := range dc.Indices() {
		if claimed[idx] {
			continue
		}
		anchor := dc.GPUs[idx]

		group := configGroup{MigEnabled: anchor.MigEnabled}
		for _, j := range dc.Indices() {
			if claimed[j] || !dc.GPUs[j].equal(anchor) {
				continue
			}
			group.Devices = append(group.Devices, j)
			claimed[j] = true
		}

		if anchor.MigEnabled && len(anchor.Devices) > 0 {
			group.MigDevices = make(map[string]int, len(anchor.Devices))
			for _, d := range anchor.Devices {
				group.MigDevices[d.SliceType] = d.Count
			}
		}
		groups = append(groups, group)
	}

	doc := configDocument{
		Version:    "v1",
		MigConfigs: map[string][]configGroup{configName: groups},
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("mig: marshal config document: %w", err)
	}
	return string(data), nil
}

// ConfigMapApplier upserts the rendered MIG config document as a cluster
// ConfigMap. The upsert is idempotent; the document is superseded by the
// next run.
type ConfigMapApplier struct {
	kube      kubernetes.Interface
	namespace string
	name      string
	document  string
	log       *slog.Logger
}

// NewConfigMapApplier creates an applier for the given rendered document.
func NewConfigMapApplier(kube kubernetes.Interface, namespace, name, document string, log *slog.Logger) *ConfigMapApplier {
	return &ConfigMapApplier{
		kube:      kube,
		namespace: namespace,
		name:      name,
		document:  document,
		log:       log,
	}
}

// Apply creates or updates the ConfigMap.
func (a *ConfigMapApplier) Apply(ctx context.Context) error {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      a.name,
			Namespace: a.namespace,
		},
		Data: map[string]string{ConfigMapKey: a.document},
	}

	existing, err := a.kube.CoreV1().ConfigMaps(a.namespace).Get(ctx, a.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := a.kube.CoreV1().ConfigMaps(a.namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("mig: create configmap %s/%s: %w", a.namespace, a.name, err)
		}
		a.log.Info("created MIG configmap", "namespace", a.namespace, "name", a.name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mig: get configmap %s/%s: %w", a.namespace, a.name, err)
	}

	existing.Data = cm.Data
	if _, err := a.kube.CoreV1().ConfigMaps(a.namespace).Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("mig: update configmap %s/%s: %w", a.namespace, a.name, err)
	}
	a.log.Info("updated MIG configmap", "namespace", a.namespace, "name", a.name)
	return nil
}
