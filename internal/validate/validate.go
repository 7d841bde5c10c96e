// Package validate confirms the physical MIG layout after a successful
// apply by running a diagnostic inside the in-cluster MIG manager pod.
package validate

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/gpuops/migctl/internal/errors"
)

// PodExecutor runs a command inside a pod's container and captures output.
type PodExecutor interface {
	Exec(ctx context.Context, namespace, pod, container string, cmd []string) (string, error)
}

// Validator locates the MIG manager pod scheduled on the target node and
// executes the GPU diagnostic in it. A missing pod after a successful apply
// signals a cluster health problem outside this tool's remit, so there is
// no retry.
type Validator struct {
	kube      kubernetes.Interface
	exec      PodExecutor
	namespace string
	podPrefix string
	nodeName  string
	log       *slog.Logger
}

// NewValidator creates a Validator.
func NewValidator(kube kubernetes.Interface, exec PodExecutor, namespace, podPrefix, nodeName string, log *slog.Logger) *Validator {
	return &Validator{
		kube:      kube,
		exec:      exec,
		namespace: namespace,
		podPrefix: podPrefix,
		nodeName:  nodeName,
		log:       log,
	}
}

// Run finds the MIG manager pod on the node and surfaces nvidia-smi output.
func (v *Validator) Run(ctx context.Context) error {
	pod, err := v.findPod(ctx)
	if err != nil {
		return err
	}

	container := pod.Spec.Containers[0].Name
	out, err := v.exec.Exec(ctx, pod.Namespace, pod.Name, container, []string{"nvidia-smi", "-L"})
	if err != nil {
		return fmt.Errorf("validate: exec in %s/%s: %w", pod.Namespace, pod.Name, err)
	}

	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		v.log.Info("gpu inventory", "line", line)
	}
	return nil
}

func (v *Validator) findPod(ctx context.Context) (*corev1.Pod, error) {
	pods, err := v.kube.CoreV1().Pods(v.namespace).List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + v.nodeName,
	})
	if err != nil {
		return nil, fmt.Errorf("validate: list pods in %s: %w", v.namespace, err)
	}

	for i := range pods.Items {
		if strings.HasPrefix(pods.Items[i].Name, v.podPrefix) {
			return &pods.Items[i], nil
		}
	}

	return nil, &errors.RunError{
		Code: errors.ErrPodNotFound,
		Message: fmt.Sprintf("validate: no %s pod found on node %s in namespace %s",
			v.podPrefix, v.nodeName, v.namespace),
		Component: "validate",
	}
}

// SPDYExecutor implements PodExecutor against the real cluster API.
type SPDYExecutor struct {
	kube    kubernetes.Interface
	restCfg *rest.Config
}

// NewSPDYExecutor creates a PodExecutor over the exec subresource.
func NewSPDYExecutor(kube kubernetes.Interface, restCfg *rest.Config) *SPDYExecutor {
	return &SPDYExecutor{kube: kube, restCfg: restCfg}
}

// Exec streams the command's stdout/stderr and returns stdout.
func (e *SPDYExecutor) Exec(ctx context.Context, namespace, pod, container string, cmd []string) (string, error) {
	req := e.kube.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   cmd,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(e.restCfg, "POST", req.URL())
	if err != nil {
		return "", fmt.Errorf("validate: create executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	if err := executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	}); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return stdout.String(), nil
}
