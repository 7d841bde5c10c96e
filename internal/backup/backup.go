// Package backup snapshots cluster and node state before any mutation, so
// an operator has a rollback baseline. No compensating rollback is
// automated; these files are the manual-recovery reference.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/yaml"

	"github.com/gpuops/migctl/internal/errors"
	"github.com/gpuops/migctl/internal/remote"
)

// ClusterPolicyGVR identifies the GPU operator's ClusterPolicy resource.
var ClusterPolicyGVR = schema.GroupVersionResource{
	Group:    "nvidia.com",
	Version:  "v1",
	Resource: "clusterpolicies",
}

// ClusterPolicyName is the conventional singleton name.
const ClusterPolicyName = "cluster-policy"

// Collector writes the four pre-mutation snapshots into the run's backup
// directory. Each snapshot is a single attempt, fail-fast; the only
// tolerated absence is the MIG config map, which does not exist yet on
// first-time setups.
type Collector struct {
	kube    kubernetes.Interface
	dyn     dynamic.Interface
	runner  remote.Runner
	labels  LabelSource
	clock   errors.Clock
	log     *slog.Logger

	dir               string
	configMapNS       string
	configMapName     string
	runtimeConfigPath string
}

// LabelSource provides the node's MIG label set.
type LabelSource interface {
	MigLabels(ctx context.Context) (map[string]string, error)
}

// NewCollector creates a Collector targeting dir.
func NewCollector(
	kube kubernetes.Interface,
	dyn dynamic.Interface,
	runner remote.Runner,
	labels LabelSource,
	clock errors.Clock,
	dir, configMapNS, configMapName, runtimeConfigPath string,
	log *slog.Logger,
) *Collector {
	return &Collector{
		kube:              kube,
		dyn:               dyn,
		runner:            runner,
		labels:            labels,
		clock:             clock,
		dir:               dir,
		configMapNS:       configMapNS,
		configMapName:     configMapName,
		runtimeConfigPath: runtimeConfigPath,
		log:               log,
	}
}

// Run takes all four snapshots. Order is insensitive; the first fatal
// failure aborts.
func (c *Collector) Run(ctx context.Context) error {
	if err := c.clusterPolicy(ctx); err != nil {
		return c.fatal(err)
	}
	if err := c.configMap(ctx); err != nil {
		return c.fatal(err)
	}
	if err := c.nodeLabels(ctx); err != nil {
		return c.fatal(err)
	}
	if err := c.runtimeConfig(ctx); err != nil {
		return c.fatal(err)
	}
	c.log.Info("pre-mutation backup complete", "dir", c.dir)
	return nil
}

func (c *Collector) fatal(err error) error {
	return &errors.RunError{
		Code:      errors.ErrBackupFailed,
		Message:   fmt.Sprintf("backup: %v", err),
		Component: "backup",
		Err:       err,
	}
}

func (c *Collector) clusterPolicy(ctx context.Context) error {
	obj, err := c.dyn.Resource(ClusterPolicyGVR).Get(ctx, ClusterPolicyName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get clusterpolicy %s: %w", ClusterPolicyName, err)
	}
	data, err := yaml.Marshal(obj.Object)
	if err != nil {
		return fmt.Errorf("marshal clusterpolicy: %w", err)
	}
	return c.write("cluster-policy.yaml", data)
}

// configMap snapshots the current MIG config map. A missing map is a
// warning, not fatal: it is expected on first-time setup.
func (c *Collector) configMap(ctx context.Context) error {
	cm, err := c.kube.CoreV1().ConfigMaps(c.configMapNS).Get(ctx, c.configMapName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		c.log.Warn("MIG configmap not found, skipping backup (expected on first run)",
			"namespace", c.configMapNS, "name", c.configMapName)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get configmap %s/%s: %w", c.configMapNS, c.configMapName, err)
	}

	cm.ManagedFields = nil
	data, err := yaml.Marshal(cm)
	if err != nil {
		return fmt.Errorf("marshal configmap: %w", err)
	}
	return c.write("mig-configmap.yaml", data)
}

func (c *Collector) nodeLabels(ctx context.Context) error {
	labels, err := c.labels.MigLabels(ctx)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, labels[k])
	}
	return c.write("node-mig-labels.txt", []byte(b.String()))
}

// runtimeConfig copies the remote runtime config file. A copy failure is
// fatal: later phases edit this file and need a baseline for rollback.
func (c *Collector) runtimeConfig(ctx context.Context) error {
	out, err := c.runner.Run(ctx, "cat "+c.runtimeConfigPath)
	if err != nil {
		return fmt.Errorf("copy remote %s: %w", c.runtimeConfigPath, err)
	}
	name := fmt.Sprintf("config.toml.bak.%s", c.clock.Now().Format("20060102-150405"))
	return c.write(name, []byte(out))
}

func (c *Collector) write(name string, data []byte) error {
	path := filepath.Join(c.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	c.log.Info("backup written", "file", path)
	return nil
}
