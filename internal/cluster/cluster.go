// Package cluster is the adapter between the orchestrator and the
// Kubernetes API. It exposes create/get/delete per resource kind with a
// classified error taxonomy so callers can decide what is retryable
// without importing Kubernetes error helpers.
package cluster

import (
	"context"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
)

// Labels stamped on every resource the orchestrator creates. The agent-id
// label is the selector the reconciler queries by.
const (
	LabelAgentID   = "snapclaw.io/agent-id"
	LabelOwner     = "snapclaw.io/owner"
	LabelName      = "app.kubernetes.io/name"
	LabelComponent = "app.kubernetes.io/component"
	LabelManagedBy = "app.kubernetes.io/managed-by"
)

// Health is the observed condition of an agent's workload.
type Health struct {
	// Present is false when no workload resource exists for the agent.
	Present bool

	// Ready is true when at least one replica is available.
	Ready bool

	// Reason names the unhealthy condition when Ready is false
	// ("crash_loop", "image_pull", "not_ready").
	Reason string
}

// Client is the cluster adapter consumed by the orchestrator and
// reconciler. Create calls return the handle (resource name) used for
// later lookup and deletion. All errors are classified (*Error).
type Client interface {
	CreateCredential(ctx context.Context, secret *corev1.Secret) (string, error)
	GetCredential(ctx context.Context, handle string) (*corev1.Secret, error)
	DeleteCredential(ctx context.Context, handle string) error

	CreateWorkload(ctx context.Context, dep *appsv1.Deployment) (string, error)
	GetWorkload(ctx context.Context, handle string) (*appsv1.Deployment, error)
	DeleteWorkload(ctx context.Context, handle string) error

	CreateEndpoint(ctx context.Context, svc *corev1.Service) (string, error)
	GetEndpoint(ctx context.Context, handle string) (*corev1.Service, error)
	DeleteEndpoint(ctx context.Context, handle string) error

	// WorkloadHealth queries the live state of the agent's workload by
	// label selector, without consulting the state store.
	WorkloadHealth(ctx context.Context, agentID string) (*Health, error)

	// HealthCheck verifies connectivity to the cluster API.
	HealthCheck(ctx context.Context) error
}
