package models

import (
	"maps"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/erp/entitygraph/internal/domain/sku"
)

// SKUTemplateModel is the persisted SKU template
type SKUTemplateModel struct {
	BaseModel
	TenantID            string                                           `gorm:"type:varchar(64);not null;index:idx_sku_templates_lookup,priority:1"`
	EntityType          string                                           `gorm:"type:varchar(100);not null;index:idx_sku_templates_lookup,priority:2"`
	Name                string                                           `gorm:"type:varchar(200);not null"`
	Template            string                                           `gorm:"type:varchar(500);not null"`
	Components          datatypes.JSONType[map[string]sku.ComponentSpec] `gorm:"not null"`
	IsActive            bool                                             `gorm:"not null"`
	IsDefault           bool                                             `gorm:"not null"`
	ValidationPattern   string                                           `gorm:"type:varchar(500)"`
	ExampleOutput       string                                           `gorm:"type:varchar(200)"`
	ExpiresAfterSeconds int64                                            `gorm:"not null"`
}

// TableName returns the table name for GORM
func (SKUTemplateModel) TableName() string {
	return "sku_templates"
}

// ToDomain converts the model to a domain template
func (m *SKUTemplateModel) ToDomain() *sku.SKUTemplate {
	return &sku.SKUTemplate{
		BaseEntity:        m.BaseModel.ToDomain(),
		TenantID:          m.TenantID,
		EntityType:        m.EntityType,
		Name:              m.Name,
		Template:          m.Template,
		Components:        maps.Clone(m.Components.Data()),
		IsActive:          m.IsActive,
		IsDefault:         m.IsDefault,
		ValidationPattern: m.ValidationPattern,
		ExampleOutput:     m.ExampleOutput,
		ExpiresAfter:      time.Duration(m.ExpiresAfterSeconds) * time.Second,
	}
}

// SKUTemplateModelFromDomain creates a model from a domain template
func SKUTemplateModelFromDomain(t *sku.SKUTemplate) *SKUTemplateModel {
	components := maps.Clone(t.Components)
	if components == nil {
		components = map[string]sku.ComponentSpec{}
	}
	m := &SKUTemplateModel{
		TenantID:            t.TenantID,
		EntityType:          t.EntityType,
		Name:                t.Name,
		Template:            t.Template,
		Components:          datatypes.NewJSONType(components),
		IsActive:            t.IsActive,
		IsDefault:           t.IsDefault,
		ValidationPattern:   t.ValidationPattern,
		ExampleOutput:       t.ExampleOutput,
		ExpiresAfterSeconds: int64(t.ExpiresAfter / time.Second),
	}
	m.FromDomainBaseEntity(t.BaseEntity)
	return m
}

// EntitySKUModel is one SKU version. At most one row per entity is active.
type EntitySKUModel struct {
	BaseModel
	TenantID    string                                `gorm:"type:varchar(64);not null;uniqueIndex:idx_entity_skus_version,priority:1"`
	EntityType  string                                `gorm:"type:varchar(100);not null;uniqueIndex:idx_entity_skus_version,priority:2"`
	EntityID    string                                `gorm:"type:varchar(100);not null;uniqueIndex:idx_entity_skus_version,priority:3"`
	Version     int                                   `gorm:"not null;uniqueIndex:idx_entity_skus_version,priority:4"`
	SKUValue    string                                `gorm:"column:sku_value;type:varchar(200);not null;index"`
	TemplateID  uuid.UUID                             `gorm:"type:uuid;not null"`
	Components  datatypes.JSONType[map[string]string] `gorm:"not null"`
	IsActive    bool                                  `gorm:"not null"`
	GeneratedAt time.Time                             `gorm:"not null"`
	ExpiresAt   *time.Time
}

// TableName returns the table name for GORM
func (EntitySKUModel) TableName() string {
	return "entity_skus"
}

// ToDomain converts the model to a domain SKU version
func (m *EntitySKUModel) ToDomain() *sku.EntitySKU {
	return &sku.EntitySKU{
		BaseEntity:  m.BaseModel.ToDomain(),
		TenantID:    m.TenantID,
		EntityType:  m.EntityType,
		EntityID:    m.EntityID,
		SKUValue:    m.SKUValue,
		TemplateID:  m.TemplateID,
		Components:  maps.Clone(m.Components.Data()),
		Version:     m.Version,
		IsActive:    m.IsActive,
		GeneratedAt: m.GeneratedAt,
		ExpiresAt:   m.ExpiresAt,
	}
}

// EntitySKUModelFromDomain creates a model from a domain SKU version
func EntitySKUModelFromDomain(s *sku.EntitySKU) *EntitySKUModel {
	components := maps.Clone(s.Components)
	if components == nil {
		components = map[string]string{}
	}
	m := &EntitySKUModel{
		TenantID:    s.TenantID,
		EntityType:  s.EntityType,
		EntityID:    s.EntityID,
		SKUValue:    s.SKUValue,
		TemplateID:  s.TemplateID,
		Components:  datatypes.NewJSONType(components),
		Version:     s.Version,
		IsActive:    s.IsActive,
		GeneratedAt: s.GeneratedAt,
		ExpiresAt:   s.ExpiresAt,
	}
	m.FromDomainBaseEntity(s.BaseEntity)
	return m
}

// SequenceCounterModel holds the last issued value of one scoped counter
type SequenceCounterModel struct {
	ScopeKind string    `gorm:"type:varchar(200);primaryKey"`
	ScopeKey  string    `gorm:"type:varchar(200);primaryKey"`
	LastValue int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (SequenceCounterModel) TableName() string {
	return "sequence_counters"
}
