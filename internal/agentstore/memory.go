package agentstore

import (
	"context"
	"sync"
	"time"

	"github.com/ashthecoder05/snapclaw-platform/pkg/types"
)

// MemoryStore is an in-memory Store. Suitable for development and testing;
// data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*types.Agent
	claims map[string]string // requestID -> agentID
}

// NewMemoryStore creates a new in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]*types.Agent),
		claims: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, agent *types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agent.ID]; ok {
		return ErrAgentExists
	}
	s.agents[agent.ID] = agent.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, agentID string) (*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return agent.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		out = append(out, agent.Clone())
	}
	return out, nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Agent
	for _, agent := range s.agents {
		if agent.OwnerID == ownerID {
			out = append(out, agent.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, agentID string, mutate func(*types.Agent) error) (*types.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}

	updated := agent.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now().UTC()
	s.agents[agentID] = updated

	return updated.Clone(), nil
}

func (s *MemoryStore) ClaimRequest(ctx context.Context, requestID, agentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.claims[requestID]; ok {
		return existing, nil
	}
	s.claims[requestID] = agentID
	return agentID, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":     "memory",
		"agent_count": len(s.agents),
	}, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
