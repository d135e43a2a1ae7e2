package routes

import (
	"context"
	"sort"
	"sync"
)

// MemoryTable is an in-memory Table. Suitable for development and testing.
type MemoryTable struct {
	mu      sync.RWMutex
	byPath  map[string]Binding
	byAgent map[string]Binding
}

// NewMemoryTable creates an empty in-memory route table.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		byPath:  make(map[string]Binding),
		byAgent: make(map[string]Binding),
	}
}

func (t *MemoryTable) Publish(ctx context.Context, b Binding) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byPath[b.RoutePath]; ok && existing.AgentID != b.AgentID {
		return ErrRouteConflict
	}

	// drop any previous path held by this agent before rebinding
	if prev, ok := t.byAgent[b.AgentID]; ok && prev.RoutePath != b.RoutePath {
		delete(t.byPath, prev.RoutePath)
	}

	t.byPath[b.RoutePath] = b
	t.byAgent[b.AgentID] = b
	return nil
}

func (t *MemoryTable) Unpublish(ctx context.Context, agentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.byAgent[agentID]
	if !ok {
		return nil
	}
	delete(t.byAgent, agentID)
	delete(t.byPath, b.RoutePath)
	return nil
}

func (t *MemoryTable) Lookup(ctx context.Context, routePath string) (*Binding, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.byPath[routePath]
	if !ok {
		return nil, ErrRouteNotFound
	}
	return &b, nil
}

func (t *MemoryTable) LookupAgent(ctx context.Context, agentID string) (*Binding, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.byAgent[agentID]
	if !ok {
		return nil, ErrRouteNotFound
	}
	return &b, nil
}

func (t *MemoryTable) Snapshot(ctx context.Context) ([]Binding, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Binding, 0, len(t.byPath))
	for _, b := range t.byPath {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoutePath < out[j].RoutePath })
	return out, nil
}

func (t *MemoryTable) Resync(ctx context.Context, bindings []Binding) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byPath = make(map[string]Binding, len(bindings))
	t.byAgent = make(map[string]Binding, len(bindings))
	for _, b := range bindings {
		t.byPath[b.RoutePath] = b
		t.byAgent[b.AgentID] = b
	}
	return nil
}

func (t *MemoryTable) Close() error {
	return nil
}

// Verify interface compliance
var _ Table = (*MemoryTable)(nil)
