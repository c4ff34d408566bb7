package sku

import (
	"context"

	"github.com/google/uuid"
)

// TemplateRepository defines the interface for SKU template persistence
type TemplateRepository interface {
	// FindByID finds a template by its ID
	FindByID(ctx context.Context, id uuid.UUID) (*SKUTemplate, error)

	// FindDefault finds the active default template for an entity type.
	// A tenant-specific template wins over a tenant-less one.
	FindDefault(ctx context.Context, tenantID, entityType string) (*SKUTemplate, error)

	// List returns templates for an entity type, or all templates when entityType is empty
	List(ctx context.Context, entityType string) ([]SKUTemplate, error)

	// Save creates or updates a template
	Save(ctx context.Context, tmpl *SKUTemplate) error
}

// AppendFunc receives the active SKU for an entity (nil when there is none)
// and returns the next version to store.
type AppendFunc func(current *EntitySKU) (*EntitySKU, error)

// EntitySKURepository stores SKU versions
type EntitySKURepository interface {
	// Append atomically deactivates the active version and inserts the one
	// returned by fn. Losing a race returns shared.ErrConcurrencyConflict.
	Append(ctx context.Context, tenantID, entityType, entityID string, fn AppendFunc) (*EntitySKU, error)

	// FindActive returns the active version for an entity
	FindActive(ctx context.Context, tenantID, entityType, entityID string) (*EntitySKU, error)

	// History returns every version for an entity, oldest first
	History(ctx context.Context, tenantID, entityType, entityID string) ([]EntitySKU, error)
}

// SequenceStore holds scoped counters
type SequenceStore interface {
	// Increment atomically adds one to the counter and returns the new value.
	// The first call for a scope returns 1.
	Increment(ctx context.Context, scopeKind, scopeKey string) (int64, error)

	// Peek returns the last issued value without consuming one (0 when unused)
	Peek(ctx context.Context, scopeKind, scopeKey string) (int64, error)
}

// SequenceCounter is the last issued value of one scoped counter
type SequenceCounter struct {
	ScopeKind string
	ScopeKey  string
	LastValue int64
}

// SequenceCheckpoint durably keeps counters for a volatile SequenceStore
type SequenceCheckpoint interface {
	// Counters lists every stored counter
	Counters(ctx context.Context) ([]SequenceCounter, error)

	// Seed raises a counter to last; it never lowers one
	Seed(ctx context.Context, scopeKind, scopeKey string, last int64) error
}
