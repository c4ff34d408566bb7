package sku

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/erp/entitygraph/internal/domain/shared"
	"github.com/google/uuid"
)

// EntitySKU is one rendered, validated identifier version for an entity
type EntitySKU struct {
	shared.BaseEntity
	TenantID    string
	EntityType  string
	EntityID    string
	SKUValue    string
	TemplateID  uuid.UUID
	Components  map[string]string
	Version     int
	IsActive    bool
	GeneratedAt time.Time
	ExpiresAt   *time.Time
}

// NewEntitySKU creates the version following current (nil for the first)
func NewEntitySKU(tmpl *SKUTemplate, subject shared.EntityRef, tenantID, value string, components map[string]string, current *EntitySKU, now time.Time) *EntitySKU {
	version := 1
	if current != nil {
		version = current.Version + 1
	}
	s := &EntitySKU{
		BaseEntity:  shared.NewBaseEntity(now),
		TenantID:    tenantID,
		EntityType:  subject.Kind,
		EntityID:    subject.ID,
		SKUValue:    value,
		TemplateID:  tmpl.ID,
		Components:  maps.Clone(components),
		Version:     version,
		IsActive:    true,
		GeneratedAt: now,
	}
	if tmpl.ExpiresAfter > 0 {
		expires := now.Add(tmpl.ExpiresAfter)
		s.ExpiresAt = &expires
	}
	return s
}

// Subject returns the entity the SKU identifies
func (s *EntitySKU) Subject() shared.EntityRef {
	return shared.NewEntityRef(s.EntityType, s.EntityID)
}

// Supersede deactivates the version; history rows are never deleted
func (s *EntitySKU) Supersede(now time.Time) {
	s.IsActive = false
	s.UpdatedAt = now
}

// IsExpired reports whether the SKU has passed its expiry
func (s *EntitySKU) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// RenderInvalidError is returned when a rendered value does not match the
// template's validation pattern.
type RenderInvalidError struct {
	Value   string
	Pattern string
}

func (e *RenderInvalidError) Error() string {
	return fmt.Sprintf("%s: %q does not match %q", shared.ErrTemplateRenderInvalid.Message, e.Value, e.Pattern)
}

// Is makes errors.Is(err, shared.ErrTemplateRenderInvalid) hold
func (e *RenderInvalidError) Is(target error) bool {
	return target == shared.ErrTemplateRenderInvalid
}

// ScopeKind builds the counter partition name for an entity type and scope.
// The tenant prefix is omitted when no tenant is passed through.
func ScopeKind(tenantID, entityType string, scope SequenceScope) string {
	kind := entityType + "." + string(scope)
	if strings.TrimSpace(tenantID) != "" {
		kind = tenantID + "/" + kind
	}
	return kind
}
