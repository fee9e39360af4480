package kernel

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// KubernetesKernel is a concrete infrastructure-domain kernel (spec.md
// §4.5's "infrastructure" domain) that executes playbook steps against a
// Kubernetes cluster: restarting pods, cordoning nodes, reading pod
// status for verification steps. It is the control plane's only direct
// dependency on k8s.io/client-go, wired in as the domain-stack handler
// for `infra.k8s.*` intents.
type KubernetesKernel struct {
	client  kubernetes.Interface
	version string
}

// NewKubernetesKernel builds a kernel from in-cluster config. Returns an
// error rather than panicking when not running inside a cluster, so
// callers can decide whether the kernel is optional (most deployments of
// the control plane run outside Kubernetes entirely).
func NewKubernetesKernel(version string) (*KubernetesKernel, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("kernel: kubernetes in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kernel: kubernetes client: %w", err)
	}
	return &KubernetesKernel{client: client, version: version}, nil
}

// Descriptor returns the registry descriptor for this kernel.
func (k *KubernetesKernel) Descriptor() Descriptor {
	return Descriptor{
		Name:           "infra-kubernetes",
		Domain:         DomainInfrastructure,
		Capabilities:   []string{"pod.restart", "pod.status", "node.cordon"},
		IntentPatterns: []string{"infra.k8s."},
		Version:        k.version,
	}
}

// Handle dispatches an intent to the matching Kubernetes operation. args
// must carry "namespace" and "pod" (or "node") keys as required by the
// intent.
func (k *KubernetesKernel) Handle(ctx context.Context, intent string, args map[string]interface{}) (interface{}, error) {
	switch intent {
	case "infra.k8s.pod.restart":
		return k.restartPod(ctx, args)
	case "infra.k8s.pod.status":
		return k.podStatus(ctx, args)
	case "infra.k8s.node.cordon":
		return k.cordonNode(ctx, args)
	default:
		return nil, fmt.Errorf("kernel: kubernetes kernel has no handler for intent %q", intent)
	}
}

func stringArg(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("kernel: missing required arg %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("kernel: arg %q must be a string", key)
	}
	return s, nil
}

func (k *KubernetesKernel) restartPod(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	ns, err := stringArg(args, "namespace")
	if err != nil {
		return nil, err
	}
	pod, err := stringArg(args, "pod")
	if err != nil {
		return nil, err
	}
	// Kubernetes has no native pod restart; deleting triggers the owning
	// controller (Deployment/StatefulSet) to recreate it.
	err = k.client.CoreV1().Pods(ns).Delete(ctx, pod, metav1.DeleteOptions{})
	if err != nil {
		return nil, fmt.Errorf("kernel: delete pod %s/%s: %w", ns, pod, err)
	}
	return map[string]interface{}{"pod": pod, "namespace": ns, "action": "deleted"}, nil
}

func (k *KubernetesKernel) podStatus(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	ns, err := stringArg(args, "namespace")
	if err != nil {
		return nil, err
	}
	pod, err := stringArg(args, "pod")
	if err != nil {
		return nil, err
	}
	p, err := k.client.CoreV1().Pods(ns).Get(ctx, pod, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("kernel: get pod %s/%s: %w", ns, pod, err)
	}
	return map[string]interface{}{"phase": string(p.Status.Phase), "ready": isPodReady(p)}, nil
}

func isPodReady(p *corev1.Pod) bool {
	for _, c := range p.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

func (k *KubernetesKernel) cordonNode(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	node, err := stringArg(args, "node")
	if err != nil {
		return nil, err
	}
	n, err := k.client.CoreV1().Nodes().Get(ctx, node, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("kernel: get node %s: %w", node, err)
	}
	n.Spec.Unschedulable = true
	_, err = k.client.CoreV1().Nodes().Update(ctx, n, metav1.UpdateOptions{})
	if err != nil {
		return nil, fmt.Errorf("kernel: cordon node %s: %w", node, err)
	}
	return map[string]interface{}{"node": node, "action": "cordoned"}, nil
}

// Probe reports healthy if the API server answers a namespace list call
// within the context deadline.
func (k *KubernetesKernel) Probe(ctx context.Context) Health {
	_, err := k.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return HealthDown
	}
	return HealthHealthy
}
