package relationship

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/erp/entitygraph/internal/domain/shared"
	"github.com/google/uuid"
)

// UpsertFunc receives the current non-deleted edge stored under a natural key
// (nil when there is none) and returns the edge to persist.
type UpsertFunc func(existing *EntityRelationship) (*EntityRelationship, error)

// EdgeFilter selects edges for Find. Zero values mean "any".
type EdgeFilter struct {
	TenantID         string
	SourceType       string
	SourceID         string
	TargetType       string
	TargetID         string
	RelationshipType string
	// RelationshipTypes matches any of the listed types
	RelationshipTypes []string
	// Tags must all be present on the edge
	Tags        []string
	MinStrength *int
	// MetadataEquals matches top-level metadata string values
	MetadataEquals map[string]string
	// IncludeInactive also returns edges with IsActive=false
	IncludeInactive bool
	// IncludeDeleted returns soft-deleted edges too (audit reads only)
	IncludeDeleted bool
	// EffectiveAt restricts to edges whose validity window contains the instant
	EffectiveAt *time.Time
	shared.Page
}

// Matches applies the filter to a single edge. Stores without a query
// language use it directly; SQL stores translate the same rules.
func (f EdgeFilter) Matches(e *EntityRelationship) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.SourceType != "" && e.SourceType != f.SourceType {
		return false
	}
	if f.SourceID != "" && e.SourceID != f.SourceID {
		return false
	}
	if f.TargetType != "" && e.TargetType != f.TargetType {
		return false
	}
	if f.TargetID != "" && e.TargetID != f.TargetID {
		return false
	}
	if f.RelationshipType != "" && e.RelationshipType != f.RelationshipType {
		return false
	}
	if len(f.RelationshipTypes) > 0 && !slices.Contains(f.RelationshipTypes, e.RelationshipType) {
		return false
	}
	if !e.HasTags(f.Tags) {
		return false
	}
	if f.MinStrength != nil && e.Strength < *f.MinStrength {
		return false
	}
	for k, v := range f.MetadataEquals {
		got, ok := e.Metadata[k].(string)
		if !ok || got != v {
			return false
		}
	}
	if !f.IncludeDeleted && e.IsDeleted {
		return false
	}
	if !f.IncludeInactive && !e.IsActive {
		return false
	}
	if f.EffectiveAt != nil {
		if e.ValidFrom != nil && e.ValidFrom.After(*f.EffectiveAt) {
			return false
		}
		if e.ValidUntil != nil && !e.ValidUntil.After(*f.EffectiveAt) {
			return false
		}
	}
	return true
}

// EdgeRepository is the persistence port for edges.
//
// Upsert must be a single atomic conditional write keyed by the natural key.
// When a concurrent writer wins the insert race the implementation returns
// shared.ErrConcurrencyConflict and the caller retries, re-reading and merging.
type EdgeRepository interface {
	Upsert(ctx context.Context, key NaturalKey, fn UpsertFunc) (*EntityRelationship, error)
	FindByID(ctx context.Context, id uuid.UUID) (*EntityRelationship, error)
	FindByKey(ctx context.Context, key NaturalKey) (*EntityRelationship, error)
	Find(ctx context.Context, filter EdgeFilter) ([]EntityRelationship, int64, error)
	Save(ctx context.Context, edge *EntityRelationship) error
}

// AuditEntry records an edge-level event that callers may need to inspect later
type AuditEntry struct {
	ID         uuid.UUID
	Event      string
	EdgeID     *uuid.UUID
	Key        NaturalKey
	Detail     string
	OccurredAt time.Time
}

// Audit events
const (
	AuditMirrorWriteFailed = "mirror_write_failed"
	AuditMirrorRepaired    = "mirror_repaired"
	AuditProvenanceRevert  = "provenance_reverted"
)

// AuditLog persists audit entries
type AuditLog interface {
	Record(ctx context.Context, entry AuditEntry) error
	List(ctx context.Context, event string, page shared.Page) ([]AuditEntry, error)
}

// SortEdges orders edges by priority desc, then createdAt asc
func SortEdges(edges []EntityRelationship) {
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].Priority != edges[j].Priority {
			return edges[i].Priority > edges[j].Priority
		}
		return edges[i].CreatedAt.Before(edges[j].CreatedAt)
	})
}
