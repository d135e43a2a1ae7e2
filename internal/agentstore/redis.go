package agentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashthecoder05/snapclaw-platform/pkg/types"
)

// RedisStore implements Store backed by Redis. Records are JSON values
// keyed by agent id; Update uses WATCH for optimistic per-record
// transactions.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "agents")
	Prefix string

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "agents",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// updateRetries bounds the optimistic WATCH loop in Update.
const updateRetries = 5

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agents"
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

// Key helpers
func (s *RedisStore) keyAgent(agentID string) string {
	return fmt.Sprintf("%s:record:%s", s.prefix, agentID)
}
func (s *RedisStore) keyIndex() string { return fmt.Sprintf("%s:index", s.prefix) }
func (s *RedisStore) keyOwner(ownerID string) string {
	return fmt.Sprintf("%s:owner:%s", s.prefix, ownerID)
}
func (s *RedisStore) keyClaim(requestID string) string {
	return fmt.Sprintf("%s:claim:%s", s.prefix, requestID)
}

func (s *RedisStore) Create(ctx context.Context, agent *types.Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.keyAgent(agent.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	if !ok {
		return ErrAgentExists
	}

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.keyIndex(), agent.ID)
	pipe.SAdd(ctx, s.keyOwner(agent.OwnerID), agent.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index agent: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, agentID string) (*types.Agent, error) {
	data, err := s.client.Get(ctx, s.keyAgent(agentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}

	var agent types.Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("unmarshal agent: %w", err)
	}
	return &agent, nil
}

func (s *RedisStore) List(ctx context.Context) ([]*types.Agent, error) {
	ids, err := s.client.SMembers(ctx, s.keyIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return s.getAll(ctx, ids)
}

func (s *RedisStore) ListByOwner(ctx context.Context, ownerID string) ([]*types.Agent, error) {
	ids, err := s.client.SMembers(ctx, s.keyOwner(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list agents by owner: %w", err)
	}
	return s.getAll(ctx, ids)
}

func (s *RedisStore) getAll(ctx context.Context, ids []string) ([]*types.Agent, error) {
	out := make([]*types.Agent, 0, len(ids))
	for _, id := range ids {
		agent, err := s.Get(ctx, id)
		if errors.Is(err, ErrAgentNotFound) {
			continue // index can lag behind record expiry
		}
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, nil
}

func (s *RedisStore) Update(ctx context.Context, agentID string, mutate func(*types.Agent) error) (*types.Agent, error) {
	key := s.keyAgent(agentID)
	var updated *types.Agent

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrAgentNotFound
			}
			return err
		}

		var agent types.Agent
		if err := json.Unmarshal(data, &agent); err != nil {
			return fmt.Errorf("unmarshal agent: %w", err)
		}

		if err := mutate(&agent); err != nil {
			return err
		}
		agent.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(&agent)
		if err != nil {
			return fmt.Errorf("marshal agent: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err != nil {
			return err
		}

		updated = &agent
		return nil
	}

	for i := 0; i < updateRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // record changed under us, retry
		}
		return nil, err
	}
	return nil, fmt.Errorf("update agent %s: too many transaction conflicts", agentID)
}

func (s *RedisStore) ClaimRequest(ctx context.Context, requestID, agentID string) (string, error) {
	ok, err := s.client.SetNX(ctx, s.keyClaim(requestID), agentID, 0).Result()
	if err != nil {
		return "", fmt.Errorf("claim request: %w", err)
	}
	if ok {
		return agentID, nil
	}

	existing, err := s.client.Get(ctx, s.keyClaim(requestID)).Result()
	if err != nil {
		return "", fmt.Errorf("read claim: %w", err)
	}
	return existing, nil
}

func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}

	count, _ := s.client.SCard(ctx, s.keyIndex()).Result()

	return map[string]interface{}{
		"adapter":      "redis",
		"healthy":      true,
		"agent_count":  count,
		"ping_latency": time.Since(pingStart).String(),
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Verify interface compliance
var _ Store = (*RedisStore)(nil)
