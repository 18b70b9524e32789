package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// RedisStore implements StateStore with one Redis hash per run: field =
// step ID, value = state blob.
type RedisStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisTTL expires a run's state ttl after its last save. Zero keeps it
// forever.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithRedisPrefix sets the key prefix. Default "procflow:run:".
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore connects to a Redis server.
func NewRedisStore(address, password string, db int, opts ...RedisOption) *RedisStore {
	client := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(client, opts...)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "procflow:run:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(runID string) string {
	return s.prefix + runID
}

// Load returns the last saved blob of a step.
func (s *RedisStore) Load(ctx context.Context, runID, stepID string) (json.RawMessage, error) {
	val, err := s.client.HGet(ctx, s.key(runID), stepID).Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load from redis: %w", err)
	}
	return json.RawMessage(val), nil
}

// Save stores the blob and refreshes the run TTL in one pipeline.
func (s *RedisStore) Save(ctx context.Context, runID, stepID string, blob json.RawMessage) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(runID), stepID, []byte(blob))
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key(runID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

// LoadRun returns every saved step blob of a run.
func (s *RedisStore) LoadRun(ctx context.Context, runID string) (map[string]json.RawMessage, error) {
	vals, err := s.client.HGetAll(ctx, s.key(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load run from redis: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	out := make(map[string]json.RawMessage, len(vals))
	for k, v := range vals {
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
