// Package types defines the shared data model for the snapclaw platform.
package types

import "time"

// LifecycleState is the orchestrator-visible state of an agent.
type LifecycleState string

const (
	StatePending      LifecycleState = "pending"
	StateProvisioning LifecycleState = "provisioning"
	StateRunning      LifecycleState = "running"
	StateDegraded     LifecycleState = "degraded"
	StateFailed       LifecycleState = "failed"
	StateDeleting     LifecycleState = "deleting"
	StateDeleted      LifecycleState = "deleted"
)

// Routable reports whether an agent in this state may have a published route.
func (s LifecycleState) Routable() bool {
	return s == StateProvisioning || s == StateRunning || s == StateDegraded
}

// Terminal reports whether no further transitions happen without operator input.
func (s LifecycleState) Terminal() bool {
	return s == StateFailed || s == StateDeleted
}

// ReasonCode distinguishes why an agent entered its current state.
type ReasonCode string

const (
	ReasonNone             ReasonCode = ""
	ReasonValidationFailed ReasonCode = "validation_failed"
	ReasonQuotaExceeded    ReasonCode = "quota_exceeded"
	ReasonPartialCreate    ReasonCode = "partial_create"
	ReasonDeadlineExceeded ReasonCode = "deadline_exceeded"
	ReasonRouteConflict    ReasonCode = "route_conflict"
	ReasonDeleteIncomplete ReasonCode = "delete_incomplete"
	ReasonWorkloadMissing  ReasonCode = "workload_missing"
	ReasonUnhealthy        ReasonCode = "unhealthy"
)

// ResourceHandles is the ledger of cluster resources created for an agent.
// A handle is set only after the corresponding create call succeeded and
// cleared only after the corresponding delete call succeeded, so the ledger
// always names exactly what must still be cleaned up.
type ResourceHandles struct {
	Credential string `json:"credential,omitempty"`
	Workload   string `json:"workload,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
}

// Empty reports whether no cluster resources remain recorded.
func (h ResourceHandles) Empty() bool {
	return h.Credential == "" && h.Workload == "" && h.Endpoint == ""
}

// Agent is the durable record of one tenant workload.
type Agent struct {
	ID       string `json:"agentId"`
	OwnerID  string `json:"ownerId"`
	Platform string `json:"platform"`
	ModelRef string `json:"model"`

	State  LifecycleState `json:"state"`
	Reason ReasonCode     `json:"reason,omitempty"`

	Handles   ResourceHandles `json:"handles"`
	RoutePath string          `json:"routePath,omitempty"`

	// UnhealthySince tracks how long the workload has been observed
	// unhealthy; nil while healthy.
	UnhealthySince *time.Time `json:"unhealthySince,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	if a.UnhealthySince != nil {
		t := *a.UnhealthySince
		cp.UnhealthySince = &t
	}
	return &cp
}

// DeployRequest is the input to the deploy operation. Credentials is the
// opaque secret bundle; it is written to the cluster credential object and
// never persisted in the agent record.
type DeployRequest struct {
	OwnerID     string            `json:"owner_id"`
	Platform    string            `json:"platform"`
	ModelRef    string            `json:"model"`
	Credentials map[string]string `json:"credentials"`

	// RequestID is an optional idempotency key. Two deploy calls carrying
	// the same RequestID resolve to the same agent.
	RequestID string `json:"request_id,omitempty"`
}
