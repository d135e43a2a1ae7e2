package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTable implements Table backed by Redis, so the route table survives
// orchestrator restarts and can be read by a co-located gateway directly.
// Bindings live in one hash keyed by route path plus an agent-id reverse
// index.
type RedisTable struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds Redis connection configuration for the route table.
type RedisConfig struct {
	URL      string
	Password string
	DB       int

	// Prefix for all keys (default: "routes")
	Prefix string
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:    "redis://localhost:6379/0",
		Prefix: "routes",
	}
}

// NewRedisTable creates a Redis-backed route table.
func NewRedisTable(cfg *RedisConfig) (*RedisTable, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		Password: cfg.Password,
		DB:       cfg.DB,
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
		prefix = "routes"
	}

	return &RedisTable{client: client, prefix: prefix}, nil
}

func (t *RedisTable) keyTable() string { return fmt.Sprintf("%s:by-path", t.prefix) }
func (t *RedisTable) keyAgent() string { return fmt.Sprintf("%s:by-agent", t.prefix) }

func (t *RedisTable) Publish(ctx context.Context, b Binding) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal binding: %w", err)
	}

	txn := func(tx *redis.Tx) error {
		existing, err := tx.HGet(ctx, t.keyTable(), b.RoutePath).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var cur Binding
			if json.Unmarshal([]byte(existing), &cur) == nil && cur.AgentID != b.AgentID {
				return ErrRouteConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, t.keyTable(), b.RoutePath, data)
			pipe.HSet(ctx, t.keyAgent(), b.AgentID, b.RoutePath)
			return nil
		})
		return err
	}

	for i := 0; i < 5; i++ {
		err := t.client.Watch(ctx, txn, t.keyTable())
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("publish route %s: too many transaction conflicts", b.RoutePath)
}

func (t *RedisTable) Unpublish(ctx context.Context, agentID string) error {
	path, err := t.client.HGet(ctx, t.keyAgent(), agentID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("unpublish route: %w", err)
	}

	pipe := t.client.TxPipeline()
	pipe.HDel(ctx, t.keyTable(), path)
	pipe.HDel(ctx, t.keyAgent(), agentID)
	_, err = pipe.Exec(ctx)
	return err
}

func (t *RedisTable) Lookup(ctx context.Context, routePath string) (*Binding, error) {
	data, err := t.client.HGet(ctx, t.keyTable(), routePath).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRouteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup route: %w", err)
	}

	var b Binding
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, fmt.Errorf("unmarshal binding: %w", err)
	}
	return &b, nil
}

func (t *RedisTable) LookupAgent(ctx context.Context, agentID string) (*Binding, error) {
	path, err := t.client.HGet(ctx, t.keyAgent(), agentID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRouteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup agent route: %w", err)
	}
	return t.Lookup(ctx, path)
}

func (t *RedisTable) Snapshot(ctx context.Context) ([]Binding, error) {
	entries, err := t.client.HGetAll(ctx, t.keyTable()).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot routes: %w", err)
	}

	out := make([]Binding, 0, len(entries))
	for _, data := range entries {
		var b Binding
		if json.Unmarshal([]byte(data), &b) == nil {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoutePath < out[j].RoutePath })
	return out, nil
}

func (t *RedisTable) Resync(ctx context.Context, bindings []Binding) error {
	pipe := t.client.TxPipeline()
	pipe.Del(ctx, t.keyTable(), t.keyAgent())
	for _, b := range bindings {
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("marshal binding: %w", err)
		}
		pipe.HSet(ctx, t.keyTable(), b.RoutePath, data)
		pipe.HSet(ctx, t.keyAgent(), b.AgentID, b.RoutePath)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("resync routes: %w", err)
	}
	return nil
}

func (t *RedisTable) Close() error {
	return t.client.Close()
}

// Verify interface compliance
var _ Table = (*RedisTable)(nil)
