package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/erp/entitygraph/internal/domain/sku"
	"github.com/erp/entitygraph/internal/infrastructure/config"
)

// SequenceStoreFactory builds the sequence store selected by configuration
type SequenceStoreFactory struct {
	cfg      config.SequenceConfig
	redisCfg config.RedisConfig
	database sku.SequenceStore
	logger   *zap.Logger
}

// SequenceStoreFactoryOption configures the factory
type SequenceStoreFactoryOption func(*SequenceStoreFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) SequenceStoreFactoryOption {
	return func(f *SequenceStoreFactory) {
		f.logger = logger
	}
}

// WithDatabaseStore supplies the store used by the database backend
func WithDatabaseStore(store sku.SequenceStore) SequenceStoreFactoryOption {
	return func(f *SequenceStoreFactory) {
		f.database = store
	}
}

// NewSequenceStoreFactory creates a new factory
func NewSequenceStoreFactory(cfg config.SequenceConfig, redisCfg config.RedisConfig, opts ...SequenceStoreFactoryOption) *SequenceStoreFactory {
	f := &SequenceStoreFactory{
		cfg:      cfg,
		redisCfg: redisCfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateStore returns the configured store. With the redis backend and
// FallbackToMemory set, an unreachable Redis yields an in-memory store.
func (f *SequenceStoreFactory) CreateStore(ctx context.Context) (sku.SequenceStore, error) {
	switch f.cfg.Backend {
	case config.SequenceBackendMemory:
		f.logger.Warn("using in-memory sequence store, counters are not shared across processes")
		return f.memoryStore(ctx)

	case config.SequenceBackendRedis:
		store, err := NewRedisSequenceStore(ctx, f.redisCfg)
		if err == nil {
			f.logger.Info("using Redis sequence store", zap.String("addr", f.redisCfg.Addr()))
			return store, nil
		}
		if !f.cfg.FallbackToMemory {
			return nil, fmt.Errorf("redis sequence store unavailable: %w", err)
		}
		f.logger.Warn("Redis unavailable, falling back to in-memory sequence store. "+
			"Sequence values may repeat across processes.",
			zap.Error(err),
		)
		return f.memoryStore(ctx)

	default:
		if f.database == nil {
			return nil, fmt.Errorf("database sequence store not configured")
		}
		f.logger.Info("using database sequence store")
		return f.database, nil
	}
}

// memoryStore creates an in-memory store, restored from the database store
// when that store can act as a checkpoint.
func (f *SequenceStoreFactory) memoryStore(ctx context.Context) (*InMemorySequenceStore, error) {
	store := NewInMemorySequenceStore()
	cp, ok := f.database.(sku.SequenceCheckpoint)
	if !ok {
		return store, nil
	}
	n, err := store.Restore(ctx, cp)
	if err != nil {
		return nil, err
	}
	f.logger.Info("restored in-memory sequence counters", zap.Int("counters", n))
	return store, nil
}
