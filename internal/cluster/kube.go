package cluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// KubeClient implements Client against a real Kubernetes cluster.
type KubeClient struct {
	clientset kubernetes.Interface
	namespace string
}

// Config holds Kubernetes client configuration.
type Config struct {
	// InCluster indicates whether to use in-cluster config
	InCluster bool

	// Kubeconfig path (used when not in-cluster)
	Kubeconfig string

	// Namespace is the isolation boundary all agents share. One shared
	// namespace is a deployment-time policy decision, not a per-call one.
	Namespace string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		home, _ := os.UserHomeDir()
		if home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}

	return &Config{
		InCluster:  false,
		Kubeconfig: kubeconfig,
		Namespace:  "snapclaw-agents",
	}
}

// NewKubeClient creates a Client backed by a Kubernetes clientset.
func NewKubeClient(cfg *Config) (*KubeClient, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var restConfig *rest.Config
	var err error

	if cfg.InCluster {
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "snapclaw-agents"
	}

	return &KubeClient{
		clientset: clientset,
		namespace: namespace,
	}, nil
}

// Namespace returns the configured namespace.
func (c *KubeClient) Namespace() string {
	return c.namespace
}

func (c *KubeClient) CreateCredential(ctx context.Context, secret *corev1.Secret) (string, error) {
	created, err := c.clientset.CoreV1().Secrets(c.namespace).Create(ctx, secret, metav1.CreateOptions{})
	if err != nil {
		return "", classify("create credential", err)
	}
	return created.Name, nil
}

func (c *KubeClient) GetCredential(ctx context.Context, handle string) (*corev1.Secret, error) {
	secret, err := c.clientset.CoreV1().Secrets(c.namespace).Get(ctx, handle, metav1.GetOptions{})
	if err != nil {
		return nil, classify("get credential", err)
	}
	return secret, nil
}

func (c *KubeClient) DeleteCredential(ctx context.Context, handle string) error {
	err := c.clientset.CoreV1().Secrets(c.namespace).Delete(ctx, handle, metav1.DeleteOptions{})
	return classify("delete credential", err)
}

func (c *KubeClient) CreateWorkload(ctx context.Context, dep *appsv1.Deployment) (string, error) {
	created, err := c.clientset.AppsV1().Deployments(c.namespace).Create(ctx, dep, metav1.CreateOptions{})
	if err != nil {
		return "", classify("create workload", err)
	}
	return created.Name, nil
}

func (c *KubeClient) GetWorkload(ctx context.Context, handle string) (*appsv1.Deployment, error) {
	dep, err := c.clientset.AppsV1().Deployments(c.namespace).Get(ctx, handle, metav1.GetOptions{})
	if err != nil {
		return nil, classify("get workload", err)
	}
	return dep, nil
}

func (c *KubeClient) DeleteWorkload(ctx context.Context, handle string) error {
	propagation := metav1.DeletePropagationBackground
	err := c.clientset.AppsV1().Deployments(c.namespace).Delete(ctx, handle, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	return classify("delete workload", err)
}

func (c *KubeClient) CreateEndpoint(ctx context.Context, svc *corev1.Service) (string, error) {
	created, err := c.clientset.CoreV1().Services(c.namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil {
		return "", classify("create endpoint", err)
	}
	return created.Name, nil
}

func (c *KubeClient) GetEndpoint(ctx context.Context, handle string) (*corev1.Service, error) {
	svc, err := c.clientset.CoreV1().Services(c.namespace).Get(ctx, handle, metav1.GetOptions{})
	if err != nil {
		return nil, classify("get endpoint", err)
	}
	return svc, nil
}

func (c *KubeClient) DeleteEndpoint(ctx context.Context, handle string) error {
	err := c.clientset.CoreV1().Services(c.namespace).Delete(ctx, handle, metav1.DeleteOptions{})
	return classify("delete endpoint", err)
}

// WorkloadHealth looks up the agent's workload by label selector and derives
// a coarse health verdict from replica availability and pod container state.
func (c *KubeClient) WorkloadHealth(ctx context.Context, agentID string) (*Health, error) {
	selector := fmt.Sprintf("%s=%s", LabelAgentID, agentID)

	deps, err := c.clientset.AppsV1().Deployments(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return nil, classify("list workloads", err)
	}
	if len(deps.Items) == 0 {
		return &Health{Present: false}, nil
	}

	dep := deps.Items[0]
	if dep.Status.AvailableReplicas >= 1 {
		return &Health{Present: true, Ready: true}, nil
	}

	health := &Health{Present: true, Ready: false, Reason: "not_ready"}

	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return nil, classify("list pods", err)
	}

	for _, pod := range pods.Items {
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Waiting == nil {
				continue
			}
			switch cs.State.Waiting.Reason {
			case "CrashLoopBackOff":
				health.Reason = "crash_loop"
			case "ImagePullBackOff", "ErrImagePull":
				health.Reason = "image_pull"
			}
		}
	}

	return health, nil
}

// HealthCheck verifies connectivity to the cluster API.
func (c *KubeClient) HealthCheck(ctx context.Context) error {
	_, err := c.clientset.Discovery().ServerVersion()
	return err
}

// Verify interface compliance
var _ Client = (*KubeClient)(nil)
