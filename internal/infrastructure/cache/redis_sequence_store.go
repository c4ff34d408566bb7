package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/erp/entitygraph/internal/infrastructure/config"
)

const defaultSequenceKeyPrefix = "seq:"

// RedisSequenceStore keeps sequence counters in Redis.
// INCR is atomic on the server, so concurrent allocators across processes
// never observe the same value for one scope.
type RedisSequenceStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisSequenceStore connects to Redis and verifies the connection
func NewRedisSequenceStore(ctx context.Context, cfg config.RedisConfig) (*RedisSequenceStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisSequenceStoreWithClient(client, ""), nil
}

// NewRedisSequenceStoreWithClient wraps an existing client
func NewRedisSequenceStoreWithClient(client *redis.Client, keyPrefix string) *RedisSequenceStore {
	if keyPrefix == "" {
		keyPrefix = defaultSequenceKeyPrefix
	}
	return &RedisSequenceStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisSequenceStore) key(scopeKind, scopeKey string) string {
	return s.keyPrefix + scopeKind + ":" + scopeKey
}

// Increment implements sku.SequenceStore
func (s *RedisSequenceStore) Increment(ctx context.Context, scopeKind, scopeKey string) (int64, error) {
	v, err := s.client.Incr(ctx, s.key(scopeKind, scopeKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence %s/%s: %w", scopeKind, scopeKey, err)
	}
	return v, nil
}

// Peek implements sku.SequenceStore
func (s *RedisSequenceStore) Peek(ctx context.Context, scopeKind, scopeKey string) (int64, error) {
	v, err := s.client.Get(ctx, s.key(scopeKind, scopeKey)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence %s/%s: %w", scopeKind, scopeKey, err)
	}
	return v, nil
}

// Close closes the underlying client
func (s *RedisSequenceStore) Close() error {
	return s.client.Close()
}
