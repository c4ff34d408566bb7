package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/erp/entitygraph/internal/domain/sku"
)

type memoryCounter struct {
	mu    sync.Mutex
	value int64
}

type memoryKey struct {
	kind string
	key  string
}

// InMemorySequenceStore keeps counters in process memory. Counters are not
// shared between instances; Restore and Flush carry them across restarts
// through a sku.SequenceCheckpoint.
type InMemorySequenceStore struct {
	mu       sync.RWMutex
	counters map[memoryKey]*memoryCounter
}

// NewInMemorySequenceStore creates an empty store
func NewInMemorySequenceStore() *InMemorySequenceStore {
	return &InMemorySequenceStore{counters: make(map[memoryKey]*memoryCounter)}
}

// counter returns the scope's counter, creating it when create is set
func (s *InMemorySequenceStore) counter(scopeKind, scopeKey string, create bool) *memoryCounter {
	k := memoryKey{kind: scopeKind, key: scopeKey}
	s.mu.RLock()
	c, ok := s.counters[k]
	s.mu.RUnlock()
	if ok || !create {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.counters[k]; !ok {
		c = &memoryCounter{}
		s.counters[k] = c
	}
	return c
}

// Increment implements sku.SequenceStore
func (s *InMemorySequenceStore) Increment(ctx context.Context, scopeKind, scopeKey string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c := s.counter(scopeKind, scopeKey, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	return c.value, nil
}

// Peek implements sku.SequenceStore
func (s *InMemorySequenceStore) Peek(ctx context.Context, scopeKind, scopeKey string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c := s.counter(scopeKind, scopeKey, false)
	if c == nil {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, nil
}

// Seed raises a scope's last issued value to last; lower values are ignored
func (s *InMemorySequenceStore) Seed(scopeKind, scopeKey string, last int64) {
	c := s.counter(scopeKind, scopeKey, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = max(c.value, last)
}

// Snapshot returns every counter, ordered by scope
func (s *InMemorySequenceStore) Snapshot() []sku.SequenceCounter {
	s.mu.RLock()
	out := make([]sku.SequenceCounter, 0, len(s.counters))
	for k, c := range s.counters {
		c.mu.Lock()
		out = append(out, sku.SequenceCounter{ScopeKind: k.kind, ScopeKey: k.key, LastValue: c.value})
		c.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ScopeKind != out[j].ScopeKind {
			return out[i].ScopeKind < out[j].ScopeKind
		}
		return out[i].ScopeKey < out[j].ScopeKey
	})
	return out
}

// Restore seeds the store from every counter held by cp
func (s *InMemorySequenceStore) Restore(ctx context.Context, cp sku.SequenceCheckpoint) (int, error) {
	counters, err := cp.Counters(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore sequence counters: %w", err)
	}
	for _, c := range counters {
		s.Seed(c.ScopeKind, c.ScopeKey, c.LastValue)
	}
	return len(counters), nil
}

// Flush writes the current counters into cp
func (s *InMemorySequenceStore) Flush(ctx context.Context, cp sku.SequenceCheckpoint) (int, error) {
	counters := s.Snapshot()
	for _, c := range counters {
		if c.LastValue == 0 {
			continue
		}
		if err := cp.Seed(ctx, c.ScopeKind, c.ScopeKey, c.LastValue); err != nil {
			return 0, fmt.Errorf("flush sequence counters: %w", err)
		}
	}
	return len(counters), nil
}

// Len returns the number of scopes that have issued at least one value
func (s *InMemorySequenceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.counters)
}
