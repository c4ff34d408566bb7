package cache

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/erp/entitygraph/internal/domain/sku"
	"github.com/erp/entitygraph/internal/infrastructure/config"
)

// checkpointStub keeps counters in a map and never lowers one
type checkpointStub struct {
	mu       sync.Mutex
	counters map[string]int64
	err      error
}

func newCheckpointStub() *checkpointStub {
	return &checkpointStub{counters: map[string]int64{}}
}

func (c *checkpointStub) Counters(context.Context) ([]sku.SequenceCounter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	var out []sku.SequenceCounter
	for k, v := range c.counters {
		kind, key, _ := strings.Cut(k, "|")
		out = append(out, sku.SequenceCounter{ScopeKind: kind, ScopeKey: key, LastValue: v})
	}
	return out, nil
}

func (c *checkpointStub) Seed(_ context.Context, scopeKind, scopeKey string, last int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	k := scopeKind + "|" + scopeKey
	c.counters[k] = max(c.counters[k], last)
	return nil
}

func (c *checkpointStub) Increment(context.Context, string, string) (int64, error) { return 0, nil }
func (c *checkpointStub) Peek(context.Context, string, string) (int64, error)      { return 0, nil }

func TestInMemorySequenceStore(t *testing.T) {
	ctx := context.Background()

	t.Run("first increment returns 1", func(t *testing.T) {
		s := NewInMemorySequenceStore()
		v, err := s.Increment(ctx, "Product.global", "global")
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)
	})

	t.Run("scopes are independent", func(t *testing.T) {
		s := NewInMemorySequenceStore()
		for i := 0; i < 3; i++ {
			_, _ = s.Increment(ctx, "Product.category", "ELEC")
		}
		v, err := s.Increment(ctx, "Product.category", "FURN")
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)

		peek, err := s.Peek(ctx, "Product.category", "ELEC")
		require.NoError(t, err)
		assert.Equal(t, int64(3), peek)
		assert.Equal(t, 2, s.Len())
	})

	t.Run("peek does not consume", func(t *testing.T) {
		s := NewInMemorySequenceStore()
		v, err := s.Peek(ctx, "k", "x")
		require.NoError(t, err)
		assert.Zero(t, v)
		assert.Zero(t, s.Len())
	})

	t.Run("seed", func(t *testing.T) {
		s := NewInMemorySequenceStore()
		s.Seed("Product.global", "global", 41)
		s.Seed("Product.global", "global", 7)
		v, _ := s.Increment(ctx, "Product.global", "global")
		assert.Equal(t, int64(42), v)
	})

	t.Run("cancelled context", func(t *testing.T) {
		s := NewInMemorySequenceStore()
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.Increment(cctx, "k", "x")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("concurrent increments are unique and contiguous", func(t *testing.T) {
		s := NewInMemorySequenceStore()
		const n = 200
		var wg sync.WaitGroup
		var mu sync.Mutex
		seen := make(map[int64]bool, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := s.Increment(ctx, "Product.global", "global")
				assert.NoError(t, err)
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}()
		}
		wg.Wait()
		require.Len(t, seen, n)
		for i := int64(1); i <= n; i++ {
			assert.True(t, seen[i], "missing %d", i)
		}
	})
}

func TestInMemorySequenceStore_Checkpoint(t *testing.T) {
	ctx := context.Background()

	t.Run("snapshot is ordered", func(t *testing.T) {
		s := NewInMemorySequenceStore()
		_, _ = s.Increment(ctx, "Product.global", "global")
		_, _ = s.Increment(ctx, "Product.category", "TEA")
		_, _ = s.Increment(ctx, "Product.category", "CAF")
		_, _ = s.Increment(ctx, "Product.category", "CAF")

		assert.Equal(t, []sku.SequenceCounter{
			{ScopeKind: "Product.category", ScopeKey: "CAF", LastValue: 2},
			{ScopeKind: "Product.category", ScopeKey: "TEA", LastValue: 1},
			{ScopeKind: "Product.global", ScopeKey: "global", LastValue: 1},
		}, s.Snapshot())
	})

	t.Run("restart resumes after flushed values", func(t *testing.T) {
		cp := newCheckpointStub()
		before := NewInMemorySequenceStore()
		for i := 0; i < 3; i++ {
			_, err := before.Increment(ctx, "Product.global", "global")
			require.NoError(t, err)
		}
		n, err := before.Flush(ctx, cp)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		after := NewInMemorySequenceStore()
		n, err = after.Restore(ctx, cp)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		v, err := after.Increment(ctx, "Product.global", "global")
		require.NoError(t, err)
		assert.Equal(t, int64(4), v)
	})

	t.Run("checkpoint errors are returned", func(t *testing.T) {
		cp := newCheckpointStub()
		cp.err = assert.AnError
		s := NewInMemorySequenceStore()
		_, _ = s.Increment(ctx, "k", "x")

		_, err := s.Flush(ctx, cp)
		assert.ErrorIs(t, err, assert.AnError)
		_, err = s.Restore(ctx, cp)
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestSequenceStoreFactory(t *testing.T) {
	ctx := context.Background()

	t.Run("memory backend", func(t *testing.T) {
		f := NewSequenceStoreFactory(config.SequenceConfig{Backend: config.SequenceBackendMemory}, config.RedisConfig{})
		store, err := f.CreateStore(ctx)
		require.NoError(t, err)
		assert.IsType(t, &InMemorySequenceStore{}, store)
	})

	t.Run("memory backend restores from database store", func(t *testing.T) {
		cp := newCheckpointStub()
		require.NoError(t, cp.Seed(ctx, "Product.global", "global", 9))
		f := NewSequenceStoreFactory(config.SequenceConfig{Backend: config.SequenceBackendMemory}, config.RedisConfig{}, WithDatabaseStore(cp))
		store, err := f.CreateStore(ctx)
		require.NoError(t, err)

		v, err := store.Increment(ctx, "Product.global", "global")
		require.NoError(t, err)
		assert.Equal(t, int64(10), v)
	})

	t.Run("memory backend fails when restore fails", func(t *testing.T) {
		cp := newCheckpointStub()
		cp.err = assert.AnError
		f := NewSequenceStoreFactory(config.SequenceConfig{Backend: config.SequenceBackendMemory}, config.RedisConfig{}, WithDatabaseStore(cp))
		_, err := f.CreateStore(ctx)
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("database backend uses injected store", func(t *testing.T) {
		db := NewInMemorySequenceStore()
		f := NewSequenceStoreFactory(config.SequenceConfig{Backend: config.SequenceBackendDatabase}, config.RedisConfig{}, WithDatabaseStore(db))
		store, err := f.CreateStore(ctx)
		require.NoError(t, err)
		assert.Same(t, db, store)
	})

	t.Run("database backend without store", func(t *testing.T) {
		f := NewSequenceStoreFactory(config.SequenceConfig{Backend: config.SequenceBackendDatabase}, config.RedisConfig{})
		_, err := f.CreateStore(ctx)
		assert.Error(t, err)
	})

	unreachable := config.RedisConfig{Host: "127.0.0.1", Port: 1}

	t.Run("redis unavailable without fallback", func(t *testing.T) {
		f := NewSequenceStoreFactory(config.SequenceConfig{Backend: config.SequenceBackendRedis}, unreachable)
		_, err := f.CreateStore(ctx)
		assert.Error(t, err)
	})

	t.Run("redis unavailable with fallback", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		f := NewSequenceStoreFactory(
			config.SequenceConfig{Backend: config.SequenceBackendRedis, FallbackToMemory: true},
			unreachable,
			WithLogger(zap.New(core)),
		)
		store, err := f.CreateStore(ctx)
		require.NoError(t, err)
		assert.IsType(t, &InMemorySequenceStore{}, store)
		assert.Equal(t, 1, logs.FilterMessageSnippet("falling back").Len())
	})
}
