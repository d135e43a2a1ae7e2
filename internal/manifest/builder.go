// Package manifest builds the declarative resource specs for one agent.
// Build is a pure function of the deploy request and the allocated agent
// id: no network calls, no side effects, so it unit-tests without a
// cluster.
package manifest

import (
	"errors"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/ashthecoder05/snapclaw-platform/internal/cluster"
	"github.com/ashthecoder05/snapclaw-platform/internal/naming"
	"github.com/ashthecoder05/snapclaw-platform/pkg/types"
)

// ErrInvalid is wrapped by all builder validation failures.
var ErrInvalid = errors.New("invalid deploy request")

// knownPlatforms are the messaging platforms an agent runtime supports.
var knownPlatforms = map[string]bool{
	"telegram": true,
	"discord":  true,
	"slack":    true,
}

// requiredCredentials must be present in the request's secret bundle.
var requiredCredentials = []string{"bot_token", "openai_api_key"}

// Config holds builder settings shared by every agent.
type Config struct {
	// Namespace for all agent resources
	Namespace string

	// AgentImage is the container image every agent runs
	AgentImage string

	// ServiceAccountName for the agent pod
	ServiceAccountName string

	// Resource requests/limits per agent
	CPURequest    string
	MemoryRequest string
	CPULimit      string
	MemoryLimit   string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace:          "snapclaw-agents",
		AgentImage:         "snapclaw/agent-runtime:latest",
		ServiceAccountName: "default",
		CPURequest:         "100m",
		MemoryRequest:      "256Mi",
		CPULimit:           "500m",
		MemoryLimit:        "512Mi",
	}
}

// Manifests is the full resource set for one agent, applied in order:
// credential, workload, endpoint.
type Manifests struct {
	Credential *corev1.Secret
	Workload   *appsv1.Deployment
	Endpoint   *corev1.Service
}

// Builder creates Kubernetes resource specs from deploy requests.
type Builder struct {
	config *Config
}

// New creates a Builder. Zero fields in cfg fall back to defaults so
// callers only set what they configure.
func New(cfg *Config) *Builder {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	c := *cfg
	if c.Namespace == "" {
		c.Namespace = def.Namespace
	}
	if c.AgentImage == "" {
		c.AgentImage = def.AgentImage
	}
	if c.ServiceAccountName == "" {
		c.ServiceAccountName = def.ServiceAccountName
	}
	if c.CPURequest == "" {
		c.CPURequest = def.CPURequest
	}
	if c.MemoryRequest == "" {
		c.MemoryRequest = def.MemoryRequest
	}
	if c.CPULimit == "" {
		c.CPULimit = def.CPULimit
	}
	if c.MemoryLimit == "" {
		c.MemoryLimit = def.MemoryLimit
	}
	return &Builder{config: &c}
}

// Build validates the request and produces the agent's resource specs.
func (b *Builder) Build(req *types.DeployRequest, agentID string) (*Manifests, error) {
	if err := b.validate(req); err != nil {
		return nil, err
	}

	labels := map[string]string{
		cluster.LabelName:      "snapclaw-agent",
		cluster.LabelComponent: "agent",
		cluster.LabelManagedBy: "orchestrator",
		cluster.LabelAgentID:   agentID,
		cluster.LabelOwner:     naming.Normalize(req.OwnerID),
	}

	return &Manifests{
		Credential: b.buildCredential(req, agentID, labels),
		Workload:   b.buildWorkload(req, agentID, labels),
		Endpoint:   b.buildEndpoint(agentID, labels),
	}, nil
}

func (b *Builder) validate(req *types.DeployRequest) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrInvalid)
	}
	if req.OwnerID == "" {
		return fmt.Errorf("%w: owner_id is required", ErrInvalid)
	}
	if !knownPlatforms[req.Platform] {
		return fmt.Errorf("%w: unknown platform %q", ErrInvalid, req.Platform)
	}
	if req.ModelRef == "" {
		return fmt.Errorf("%w: model is required", ErrInvalid)
	}
	for _, key := range requiredCredentials {
		if req.Credentials[key] == "" {
			return fmt.Errorf("%w: credential %q is required", ErrInvalid, key)
		}
	}
	return nil
}

// CredentialName returns the credential object name for an agent.
func CredentialName(agentID string) string {
	return agentID + "-secret"
}

func (b *Builder) buildCredential(req *types.DeployRequest, agentID string, labels map[string]string) *corev1.Secret {
	data := make(map[string]string, len(req.Credentials))
	for key, value := range req.Credentials {
		data[credentialEnvName(key)] = value
	}

	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      CredentialName(agentID),
			Namespace: b.config.Namespace,
			Labels:    labels,
		},
		Type:       corev1.SecretTypeOpaque,
		StringData: data,
	}
}

func (b *Builder) buildWorkload(req *types.DeployRequest, agentID string, labels map[string]string) *appsv1.Deployment {
	replicas := int32(1)

	env := []corev1.EnvVar{
		{Name: "AGENT_ID", Value: agentID},
		{Name: "OWNER_ID", Value: req.OwnerID},
		{Name: "PLATFORM", Value: req.Platform},
		{Name: "MODEL", Value: req.ModelRef},
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      agentID,
			Namespace: b.config.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{cluster.LabelAgentID: agentID},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					ServiceAccountName: b.config.ServiceAccountName,
					Containers: []corev1.Container{
						{
							Name:  "agent",
							Image: b.config.AgentImage,
							Ports: []corev1.ContainerPort{
								{Name: "http", ContainerPort: 8080},
							},
							Env: env,
							EnvFrom: []corev1.EnvFromSource{
								{
									SecretRef: &corev1.SecretEnvSource{
										LocalObjectReference: corev1.LocalObjectReference{
											Name: CredentialName(agentID),
										},
									},
								},
							},
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse(b.config.CPURequest),
									corev1.ResourceMemory: resource.MustParse(b.config.MemoryRequest),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse(b.config.CPULimit),
									corev1.ResourceMemory: resource.MustParse(b.config.MemoryLimit),
								},
							},
							ReadinessProbe: &corev1.Probe{
								ProbeHandler: corev1.ProbeHandler{
									HTTPGet: &corev1.HTTPGetAction{
										Path: "/health",
										Port: intstr.FromInt(8080),
									},
								},
								InitialDelaySeconds: 5,
								PeriodSeconds:       10,
							},
							LivenessProbe: &corev1.Probe{
								ProbeHandler: corev1.ProbeHandler{
									HTTPGet: &corev1.HTTPGetAction{
										Path: "/health",
										Port: intstr.FromInt(8080),
									},
								},
								InitialDelaySeconds: 15,
								PeriodSeconds:       20,
							},
						},
					},
				},
			},
		},
	}
}

func (b *Builder) buildEndpoint(agentID string, labels map[string]string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      agentID,
			Namespace: b.config.Namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{cluster.LabelAgentID: agentID},
			Ports: []corev1.ServicePort{
				{
					Name:       "http",
					Port:       80,
					TargetPort: intstr.FromInt(8080),
				},
			},
		},
	}
}

// credentialEnvName maps a request credential key to the env var name the
// agent runtime expects (bot_token -> BOT_TOKEN).
func credentialEnvName(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
