package memstore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/erp/entitygraph/internal/domain/shared"
	"github.com/erp/entitygraph/internal/domain/sku"
)

// TemplateStore implements sku.TemplateRepository
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[uuid.UUID]sku.SKUTemplate
}

// NewTemplateStore creates a store holding templates
func NewTemplateStore(templates ...sku.SKUTemplate) *TemplateStore {
	s := &TemplateStore{templates: make(map[uuid.UUID]sku.SKUTemplate, len(templates))}
	for _, t := range templates {
		s.templates[t.ID] = t
	}
	return s
}

// FindByID implements sku.TemplateRepository
func (s *TemplateStore) FindByID(_ context.Context, id uuid.UUID) (*sku.SKUTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: sku template %s", shared.ErrNotFound, id)
	}
	t.Components = maps.Clone(t.Components)
	return &t, nil
}

// FindDefault implements sku.TemplateRepository
func (s *TemplateStore) FindDefault(_ context.Context, tenantID, entityType string) (*sku.SKUTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var fallback *sku.SKUTemplate
	for _, t := range s.templates {
		if t.EntityType != entityType || !t.IsActive || !t.IsDefault {
			continue
		}
		t.Components = maps.Clone(t.Components)
		switch t.TenantID {
		case tenantID:
			return &t, nil
		case "":
			fallback = &t
		}
	}
	if fallback == nil {
		return nil, fmt.Errorf("%w: default sku template for %s", shared.ErrNotFound, entityType)
	}
	return fallback, nil
}

// List implements sku.TemplateRepository
func (s *TemplateStore) List(_ context.Context, entityType string) ([]sku.SKUTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]sku.SKUTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		if entityType == "" || t.EntityType == entityType {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Save implements sku.TemplateRepository
func (s *TemplateStore) Save(_ context.Context, tmpl *sku.SKUTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *tmpl
	t.Components = maps.Clone(tmpl.Components)
	s.templates[t.ID] = t
	return nil
}

type entityKey struct {
	tenantID, entityType, entityID string
}

// SKUStore implements sku.EntitySKURepository
type SKUStore struct {
	mu       sync.Mutex
	versions map[entityKey][]sku.EntitySKU
}

// NewSKUStore creates an empty store
func NewSKUStore() *SKUStore {
	return &SKUStore{versions: make(map[entityKey][]sku.EntitySKU)}
}

// Append implements sku.EntitySKURepository
func (s *SKUStore) Append(ctx context.Context, tenantID, entityType, entityID string, fn sku.AppendFunc) (*sku.EntitySKU, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entityKey{tenantID, entityType, entityID}
	history := s.versions[k]
	var current *sku.EntitySKU
	for i := range history {
		if history[i].IsActive {
			c := history[i]
			current = &c
		}
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	for _, v := range history {
		if v.Version == next.Version {
			return nil, fmt.Errorf("%w: sku version %d for %s#%s", shared.ErrConcurrencyConflict, next.Version, entityType, entityID)
		}
	}
	for i := range history {
		if history[i].IsActive {
			history[i].Supersede(next.CreatedAt)
		}
	}
	stored := *next
	stored.Components = maps.Clone(next.Components)
	s.versions[k] = append(history, stored)
	return next, nil
}

// FindActive implements sku.EntitySKURepository
func (s *SKUStore) FindActive(_ context.Context, tenantID, entityType, entityID string) (*sku.EntitySKU, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[entityKey{tenantID, entityType, entityID}] {
		if v.IsActive {
			return &v, nil
		}
	}
	return nil, fmt.Errorf("%w: active sku for %s#%s", shared.ErrNotFound, entityType, entityID)
}

// History implements sku.EntitySKURepository
func (s *SKUStore) History(_ context.Context, tenantID, entityType, entityID string) ([]sku.EntitySKU, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sku.EntitySKU(nil), s.versions[entityKey{tenantID, entityType, entityID}]...), nil
}
