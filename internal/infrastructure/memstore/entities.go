package memstore

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/erp/entitygraph/internal/domain/shared"
)

// EntityStore implements shared.EntityLookup over a map of attribute sets
type EntityStore struct {
	mu       sync.RWMutex
	entities map[shared.EntityRef]shared.Attributes
}

// NewEntityStore creates an empty store
func NewEntityStore() *EntityStore {
	return &EntityStore{entities: make(map[shared.EntityRef]shared.Attributes)}
}

// Put stores or replaces the attributes of ref
func (s *EntityStore) Put(ref shared.EntityRef, attrs shared.Attributes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[ref] = maps.Clone(attrs)
}

// Load implements shared.EntityLookup
func (s *EntityStore) Load(_ context.Context, ref shared.EntityRef) (shared.Attributes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attrs, ok := s.entities[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", shared.ErrNotFound, ref)
	}
	return maps.Clone(attrs), nil
}

// Exists implements shared.EntityLookup
func (s *EntityStore) Exists(_ context.Context, ref shared.EntityRef) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entities[ref]
	return ok, nil
}

// RecordSlice implements shared.RecordReader over a fixed slice
type RecordSlice []shared.Record

// Each implements shared.RecordReader
func (r RecordSlice) Each(ctx context.Context, fn func(shared.Record) error) error {
	for _, rec := range r {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}
