// Package routes owns the mapping from external webhook paths to internal
// agent endpoints. The table is the single source of truth the inbound
// gateway consults, and it can always be rebuilt from the set of routable
// agent records (Resync).
package routes

import (
	"context"
	"errors"
)

// Common errors returned by Table implementations.
var (
	ErrRouteNotFound = errors.New("route not found")
	ErrRouteConflict = errors.New("route path bound to another agent")
)

// Binding maps one external path segment to one agent's endpoint handle.
type Binding struct {
	AgentID   string `json:"agentId"`
	RoutePath string `json:"routePath"`
	Endpoint  string `json:"endpoint"`
}

// Table is the route table manager. Implementations must be safe for
// concurrent use; Publish and Unpublish are atomic per call.
type Table interface {
	// Publish binds the path to the agent's endpoint. Republishing the
	// same agent on the same path is idempotent; a path held by a
	// different agent fails with ErrRouteConflict.
	Publish(ctx context.Context, b Binding) error

	// Unpublish removes the agent's binding. Removing an absent binding
	// is success.
	Unpublish(ctx context.Context, agentID string) error

	// Lookup resolves a route path, or ErrRouteNotFound.
	Lookup(ctx context.Context, routePath string) (*Binding, error)

	// LookupAgent resolves an agent's binding, or ErrRouteNotFound.
	LookupAgent(ctx context.Context, agentID string) (*Binding, error)

	// Snapshot returns all bindings, for the gateway configuration sink.
	Snapshot(ctx context.Context) ([]Binding, error)

	// Resync atomically replaces the whole table with the given bindings.
	Resync(ctx context.Context, bindings []Binding) error

	Close() error
}
