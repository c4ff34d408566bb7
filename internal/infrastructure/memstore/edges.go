package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/erp/entitygraph/internal/domain/relationship"
	"github.com/erp/entitygraph/internal/domain/shared"
)

// EdgeStore implements relationship.EdgeRepository
type EdgeStore struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]*relationship.EntityRelationship
	live  map[relationship.NaturalKey]uuid.UUID
	order []uuid.UUID
	// FailOn makes Upsert fail for matching keys; used to exercise failure paths
	FailOn func(relationship.NaturalKey) error
}

// NewEdgeStore creates an empty store
func NewEdgeStore() *EdgeStore {
	return &EdgeStore{
		byID: make(map[uuid.UUID]*relationship.EntityRelationship),
		live: make(map[relationship.NaturalKey]uuid.UUID),
	}
}

func cloneEdge(e *relationship.EntityRelationship) *relationship.EntityRelationship {
	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	c.Tags = slices.Clone(e.Tags)
	return &c
}

// Upsert implements relationship.EdgeRepository. The store lock is held for
// the whole read-merge-write so the write is atomic per key.
func (s *EdgeStore) Upsert(ctx context.Context, key relationship.NaturalKey, fn relationship.UpsertFunc) (*relationship.EntityRelationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailOn != nil {
		if err := s.FailOn(key); err != nil {
			return nil, err
		}
	}

	var existing *relationship.EntityRelationship
	if id, ok := s.live[key]; ok {
		existing = cloneEdge(s.byID[id])
	}
	next, err := fn(existing)
	if err != nil {
		return nil, err
	}
	if next.Key() != key {
		return nil, fmt.Errorf("%w: upsert returned key %s for %s", shared.ErrInvalidInput, next.Key(), key)
	}
	if _, known := s.byID[next.ID]; !known {
		s.order = append(s.order, next.ID)
	}
	s.put(next)
	return cloneEdge(next), nil
}

func (s *EdgeStore) put(e *relationship.EntityRelationship) {
	stored := cloneEdge(e)
	s.byID[e.ID] = stored
	key := e.Key()
	if e.IsDeleted {
		if s.live[key] == e.ID {
			delete(s.live, key)
		}
		return
	}
	s.live[key] = e.ID
}

// FindByID implements relationship.EdgeRepository
func (s *EdgeStore) FindByID(_ context.Context, id uuid.UUID) (*relationship.EntityRelationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: relationship %s", shared.ErrNotFound, id)
	}
	return cloneEdge(e), nil
}

// FindByKey implements relationship.EdgeRepository
func (s *EdgeStore) FindByKey(_ context.Context, key relationship.NaturalKey) (*relationship.EntityRelationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.live[key]
	if !ok {
		return nil, fmt.Errorf("%w: relationship %s", shared.ErrNotFound, key)
	}
	return cloneEdge(s.byID[id]), nil
}

// Find implements relationship.EdgeRepository
func (s *EdgeStore) Find(_ context.Context, filter relationship.EdgeFilter) ([]relationship.EntityRelationship, int64, error) {
	s.mu.Lock()
	matched := make([]relationship.EntityRelationship, 0)
	for _, id := range s.order {
		e := s.byID[id]
		if filter.Matches(e) {
			matched = append(matched, *cloneEdge(e))
		}
	}
	s.mu.Unlock()

	relationship.SortEdges(matched)
	total := int64(len(matched))
	if filter.PageSize > 0 {
		start := min(filter.Offset(), len(matched))
		end := min(start+filter.PageSize, len(matched))
		matched = matched[start:end]
	}
	return matched, total, nil
}

// Save implements relationship.EdgeRepository
func (s *EdgeStore) Save(_ context.Context, edge *relationship.EntityRelationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[edge.ID]; !ok {
		return fmt.Errorf("%w: relationship %s", shared.ErrNotFound, edge.ID)
	}
	s.put(edge)
	return nil
}

// Len returns the number of stored rows, deleted ones included
func (s *EdgeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// AuditLog implements relationship.AuditLog
type AuditLog struct {
	mu      sync.Mutex
	entries []relationship.AuditEntry
}

// NewAuditLog creates an empty audit log
func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

// Record implements relationship.AuditLog
func (l *AuditLog) Record(_ context.Context, entry relationship.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

// List implements relationship.AuditLog; newest first
func (l *AuditLog) List(_ context.Context, event string, page shared.Page) ([]relationship.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]relationship.AuditEntry, 0, len(l.entries))
	for i := len(l.entries) - 1; i >= 0; i-- {
		if event == "" || l.entries[i].Event == event {
			out = append(out, l.entries[i])
		}
	}
	if page.PageSize > 0 {
		start := min(page.Offset(), len(out))
		end := min(start+page.PageSize, len(out))
		out = out[start:end]
	}
	return out, nil
}
