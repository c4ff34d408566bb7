package relationship

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/erp/entitygraph/internal/domain/shared"
)

// Metadata keys written by this module. Everything else in Metadata is opaque.
const (
	MetaMigratedFrom = "migratedFrom"
	MetaReconciledAt = "reconciledAt"
	MetaMirrorOf     = "mirrorOf"
)

// NaturalKey identifies an edge among non-deleted rows
type NaturalKey struct {
	TenantID         string
	SourceType       string
	SourceID         string
	TargetType       string
	TargetID         string
	RelationshipType string
}

// Source returns the source endpoint
func (k NaturalKey) Source() shared.EntityRef {
	return shared.NewEntityRef(k.SourceType, k.SourceID)
}

// Target returns the target endpoint
func (k NaturalKey) Target() shared.EntityRef {
	return shared.NewEntityRef(k.TargetType, k.TargetID)
}

// Mirror returns the key of the reverse-direction edge under reverseType
func (k NaturalKey) Mirror(reverseType string) NaturalKey {
	return NaturalKey{
		TenantID:         k.TenantID,
		SourceType:       k.TargetType,
		SourceID:         k.TargetID,
		TargetType:       k.SourceType,
		TargetID:         k.SourceID,
		RelationshipType: reverseType,
	}
}

func (k NaturalKey) String() string {
	return fmt.Sprintf("%s -[%s]-> %s", k.Source(), k.RelationshipType, k.Target())
}

// NewEdgeRequest is the write contract used by any collaborator establishing a domain fact
type NewEdgeRequest struct {
	RelationshipType string
	Source           shared.EntityRef
	Target           shared.EntityRef
	TenantID         string
	Strength         *int
	Priority         *int
	Metadata         map[string]any
	Tags             []string
	ValidFrom        *time.Time
	ValidUntil       *time.Time
}

// Key returns the natural key of the requested edge
func (r NewEdgeRequest) Key() NaturalKey {
	return NaturalKey{
		TenantID:         r.TenantID,
		SourceType:       r.Source.Kind,
		SourceID:         r.Source.ID,
		TargetType:       r.Target.Kind,
		TargetID:         r.Target.ID,
		RelationshipType: r.RelationshipType,
	}
}

// Validate checks request shape; type compatibility is checked by the registry
func (r NewEdgeRequest) Validate() error {
	if r.RelationshipType == "" {
		return fmt.Errorf("%w: relationship type is required", shared.ErrInvalidInput)
	}
	if err := r.Source.Validate(); err != nil {
		return err
	}
	if err := r.Target.Validate(); err != nil {
		return err
	}
	if r.Strength != nil && (*r.Strength < MinStrength || *r.Strength > MaxStrength) {
		return fmt.Errorf("%w: strength %d outside %d-%d", shared.ErrInvalidInput, *r.Strength, MinStrength, MaxStrength)
	}
	if r.ValidFrom != nil && r.ValidUntil != nil && !r.ValidUntil.After(*r.ValidFrom) {
		return fmt.Errorf("%w: validUntil must be after validFrom", shared.ErrInvalidInput)
	}
	return nil
}

// MirrorRequest builds the reverse-direction request for reverseType
func (r NewEdgeRequest) MirrorRequest(reverseType string) NewEdgeRequest {
	m := r
	m.RelationshipType = reverseType
	m.Source, m.Target = r.Target, r.Source
	m.Metadata = maps.Clone(r.Metadata)
	m.Tags = slices.Clone(r.Tags)
	return m
}

// EntityRelationship is a typed, directed edge between two polymorphic entities
type EntityRelationship struct {
	shared.BaseEntity
	TenantID          string
	SourceType        string
	SourceID          string
	TargetType        string
	TargetID          string
	RelationshipType  string
	Strength          int
	Metadata          map[string]any
	Tags              []string
	IsActive          bool
	IsDeleted         bool
	DeletedAt         *time.Time
	DeletedBy         string
	Priority          int
	ValidFrom         *time.Time
	ValidUntil        *time.Time
	LastInteractionAt time.Time
	InteractionCount  int
}

// NewEntityRelationship creates a fresh edge from a request. Strength falls
// back to defaultStrength when the request leaves it unset.
func NewEntityRelationship(req NewEdgeRequest, defaultStrength int, now time.Time) *EntityRelationship {
	strength := defaultStrength
	if req.Strength != nil {
		strength = *req.Strength
	}
	priority := 0
	if req.Priority != nil {
		priority = *req.Priority
	}
	metadata := maps.Clone(req.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &EntityRelationship{
		BaseEntity:        shared.NewBaseEntity(now),
		TenantID:          req.TenantID,
		SourceType:        req.Source.Kind,
		SourceID:          req.Source.ID,
		TargetType:        req.Target.Kind,
		TargetID:          req.Target.ID,
		RelationshipType:  req.RelationshipType,
		Strength:          strength,
		Metadata:          metadata,
		Tags:              unionTags(nil, req.Tags),
		IsActive:          true,
		Priority:          priority,
		ValidFrom:         req.ValidFrom,
		ValidUntil:        req.ValidUntil,
		LastInteractionAt: now,
		InteractionCount:  1,
	}
}

// Key returns the natural key of the edge
func (e *EntityRelationship) Key() NaturalKey {
	return NaturalKey{
		TenantID:         e.TenantID,
		SourceType:       e.SourceType,
		SourceID:         e.SourceID,
		TargetType:       e.TargetType,
		TargetID:         e.TargetID,
		RelationshipType: e.RelationshipType,
	}
}

// Source returns the source endpoint
func (e *EntityRelationship) Source() shared.EntityRef {
	return shared.NewEntityRef(e.SourceType, e.SourceID)
}

// Target returns the target endpoint
func (e *EntityRelationship) Target() shared.EntityRef {
	return shared.NewEntityRef(e.TargetType, e.TargetID)
}

// Merge applies a repeated upsert of the same natural key
func (e *EntityRelationship) Merge(req NewEdgeRequest, now time.Time) {
	if req.Strength != nil {
		e.Strength = *req.Strength
	}
	if req.Priority != nil {
		e.Priority = *req.Priority
	}
	if req.ValidFrom != nil {
		e.ValidFrom = req.ValidFrom
	}
	if req.ValidUntil != nil {
		e.ValidUntil = req.ValidUntil
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	maps.Copy(e.Metadata, req.Metadata)
	e.Tags = unionTags(e.Tags, req.Tags)
	e.IsActive = true
	e.InteractionCount++
	e.LastInteractionAt = now
	e.UpdatedAt = now
}

// SoftDelete marks the edge deleted. The mirror edge is not touched.
func (e *EntityRelationship) SoftDelete(by string, now time.Time) error {
	if e.IsDeleted {
		return fmt.Errorf("%w: relationship %s is already deleted", shared.ErrInvalidState, e.ID)
	}
	e.IsDeleted = true
	e.IsActive = false
	e.DeletedAt = &now
	e.DeletedBy = by
	e.UpdatedAt = now
	return nil
}

// IsEffective reports whether the edge is visible to read contracts at now
func (e *EntityRelationship) IsEffective(now time.Time) bool {
	if !e.IsActive || e.IsDeleted {
		return false
	}
	if e.ValidFrom != nil && e.ValidFrom.After(now) {
		return false
	}
	if e.ValidUntil != nil && !e.ValidUntil.After(now) {
		return false
	}
	return true
}

// HasTags reports whether every tag in tags is present on the edge
func (e *EntityRelationship) HasTags(tags []string) bool {
	for _, t := range tags {
		if !slices.Contains(e.Tags, t) {
			return false
		}
	}
	return true
}

func unionTags(existing, added []string) []string {
	out := make([]string, 0, len(existing)+len(added))
	for _, t := range existing {
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	for _, t := range added {
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
