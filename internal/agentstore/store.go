// Package agentstore provides durable persistence of agent records.
package agentstore

import (
	"context"
	"errors"

	"github.com/ashthecoder05/snapclaw-platform/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentExists   = errors.New("agent already exists")
)

// Store is the orchestrator's source of truth for agent records.
// Implementations must be safe for concurrent use and must make Update an
// atomic read-modify-write per record.
type Store interface {
	// Create persists a new record; fails with ErrAgentExists if the id
	// is already taken.
	Create(ctx context.Context, agent *types.Agent) error

	// Get returns a copy of the record, or ErrAgentNotFound.
	Get(ctx context.Context, agentID string) (*types.Agent, error)

	// List returns copies of all records.
	List(ctx context.Context) ([]*types.Agent, error)

	// ListByOwner returns copies of all records owned by ownerID.
	ListByOwner(ctx context.Context, ownerID string) ([]*types.Agent, error)

	// Update applies mutate to the record atomically and returns the
	// updated copy. A non-nil error from mutate aborts the update and is
	// returned unchanged.
	Update(ctx context.Context, agentID string, mutate func(*types.Agent) error) (*types.Agent, error)

	// ClaimRequest atomically binds an idempotency key to an agent id and
	// returns the bound id. When the key is already claimed the existing
	// binding wins and its agent id is returned.
	ClaimRequest(ctx context.Context, requestID, agentID string) (string, error)

	// AdapterInfo returns diagnostics for the readiness endpoint.
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	Close() error
}
