// Package sku renders identifier templates against entity data and persists
// the resulting SKU versions.
package sku

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/erp/entitygraph/internal/domain/shared"
	"github.com/erp/entitygraph/internal/domain/sku"
	"github.com/erp/entitygraph/internal/infrastructure/logger"
	"github.com/erp/entitygraph/internal/infrastructure/telemetry"
)

// AllocatorConfig bounds the retries on a contended counter
type AllocatorConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultAllocatorConfig returns the default retry policy
func DefaultAllocatorConfig() AllocatorConfig {
	return AllocatorConfig{
		MaxRetries: 3,
		RetryDelay: 100 * time.Millisecond,
	}
}

// SequenceAllocator issues monotonic numbers per (scope kind, scope key)
type SequenceAllocator struct {
	store   sku.SequenceStore
	config  AllocatorConfig
	metrics *telemetry.EngineMetrics
	logger  *zap.Logger
}

// NewSequenceAllocator creates an allocator over store
func NewSequenceAllocator(store sku.SequenceStore, cfg AllocatorConfig, metrics *telemetry.EngineMetrics, l *zap.Logger) *SequenceAllocator {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &SequenceAllocator{store: store, config: cfg, metrics: metrics, logger: l}
}

// Next returns the next value of the counter, starting at 1.
// Transient conflicts are retried; exhausting the retries returns
// shared.ErrSequenceContention.
func (a *SequenceAllocator) Next(ctx context.Context, scopeKind, scopeKey string) (int64, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "sequence", "next",
		telemetry.WithAttribute(telemetry.SpanAttrScopeKind, scopeKind),
		telemetry.WithAttribute(telemetry.SpanAttrScopeKey, scopeKey),
	)
	defer span.End()

	var lastErr error
	for attempt := 0; attempt <= a.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, a.config.RetryDelay*time.Duration(attempt)); err != nil {
				return 0, err
			}
		}
		n, err := a.store.Increment(ctx, scopeKind, scopeKey)
		if err == nil {
			return n, nil
		}
		if !isTransient(err) {
			telemetry.RecordError(span, err)
			return 0, err
		}
		lastErr = err
		logger.WithLogger(ctx, a.logger).Debug("sequence increment conflicted, retrying",
			zap.String("scope_kind", scopeKind),
			zap.String("scope_key", scopeKey),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	a.metrics.RecordSequenceContention(ctx, scopeKind)
	err := fmt.Errorf("%w: %s/%s after %d attempts: %v", shared.ErrSequenceContention, scopeKind, scopeKey, a.config.MaxRetries+1, lastErr)
	telemetry.RecordError(span, err)
	return 0, err
}

// Peek returns the value Next would return, without consuming it
func (a *SequenceAllocator) Peek(ctx context.Context, scopeKind, scopeKey string) (int64, error) {
	n, err := a.store.Peek(ctx, scopeKind, scopeKey)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

func isTransient(err error) bool {
	return errors.Is(err, shared.ErrConcurrencyConflict) || errors.Is(err, shared.ErrSequenceContention)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
