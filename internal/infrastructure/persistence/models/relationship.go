package models

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/erp/entitygraph/internal/domain/relationship"
)

// RelationshipTypeModel is the persisted catalog entry for a relationship type
type RelationshipTypeModel struct {
	Name            string                      `gorm:"type:varchar(100);primaryKey"`
	DisplayName     string                      `gorm:"type:varchar(200);not null"`
	Description     string                      `gorm:"type:text"`
	SourceTypes     datatypes.JSONSlice[string] `gorm:"not null"`
	TargetTypes     datatypes.JSONSlice[string] `gorm:"not null"`
	IsBidirectional bool                        `gorm:"not null"`
	ReverseTypeName string                      `gorm:"type:varchar(100)"`
	DefaultStrength int                         `gorm:"not null"`
	IsSystem        bool                        `gorm:"not null"`
	Color           string                      `gorm:"type:varchar(20)"`
	Icon            string                      `gorm:"type:varchar(50)"`
	CreatedAt       time.Time                   `gorm:"not null"`
	UpdatedAt       time.Time                   `gorm:"not null"`
}

// TableName returns the table name for GORM
func (RelationshipTypeModel) TableName() string {
	return "relationship_types"
}

// ToDomain converts the model to a domain RelationshipType
func (m *RelationshipTypeModel) ToDomain() relationship.RelationshipType {
	return relationship.RelationshipType{
		Name:            m.Name,
		DisplayName:     m.DisplayName,
		Description:     m.Description,
		SourceTypes:     slices.Clone([]string(m.SourceTypes)),
		TargetTypes:     slices.Clone([]string(m.TargetTypes)),
		IsBidirectional: m.IsBidirectional,
		ReverseTypeName: m.ReverseTypeName,
		DefaultStrength: m.DefaultStrength,
		IsSystem:        m.IsSystem,
		Color:           m.Color,
		Icon:            m.Icon,
	}
}

// RelationshipTypeModelFromDomain creates a model from a domain RelationshipType
func RelationshipTypeModelFromDomain(t relationship.RelationshipType, now time.Time) *RelationshipTypeModel {
	return &RelationshipTypeModel{
		Name:            t.Name,
		DisplayName:     t.DisplayName,
		Description:     t.Description,
		SourceTypes:     datatypes.JSONSlice[string](slices.Clone(t.SourceTypes)),
		TargetTypes:     datatypes.JSONSlice[string](slices.Clone(t.TargetTypes)),
		IsBidirectional: t.IsBidirectional,
		ReverseTypeName: t.ReverseTypeName,
		DefaultStrength: t.DefaultStrength,
		IsSystem:        t.IsSystem,
		Color:           t.Color,
		Icon:            t.Icon,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// EntityRelationshipModel is the persisted edge. The natural key is unique
// among rows with is_deleted = false.
type EntityRelationshipModel struct {
	BaseModel
	TenantID          string                      `gorm:"type:varchar(64);not null;uniqueIndex:idx_edges_natural_key,priority:1,where:is_deleted = false"`
	SourceType        string                      `gorm:"type:varchar(100);not null;uniqueIndex:idx_edges_natural_key,priority:2;index:idx_edges_source,priority:1"`
	SourceID          string                      `gorm:"type:varchar(100);not null;uniqueIndex:idx_edges_natural_key,priority:3;index:idx_edges_source,priority:2"`
	TargetType        string                      `gorm:"type:varchar(100);not null;uniqueIndex:idx_edges_natural_key,priority:4;index:idx_edges_target,priority:1"`
	TargetID          string                      `gorm:"type:varchar(100);not null;uniqueIndex:idx_edges_natural_key,priority:5;index:idx_edges_target,priority:2"`
	RelationshipType  string                      `gorm:"type:varchar(100);not null;uniqueIndex:idx_edges_natural_key,priority:6;index"`
	Strength          int                         `gorm:"not null"`
	Metadata          datatypes.JSONMap           `gorm:"not null"`
	Tags              datatypes.JSONSlice[string] `gorm:"not null"`
	IsActive          bool                        `gorm:"not null"`
	IsDeleted         bool                        `gorm:"not null;index"`
	DeletedAt         *time.Time
	DeletedBy         string `gorm:"type:varchar(100)"`
	Priority          int    `gorm:"not null"`
	ValidFrom         *time.Time
	ValidUntil        *time.Time
	LastInteractionAt time.Time `gorm:"not null"`
	InteractionCount  int       `gorm:"not null"`
}

// TableName returns the table name for GORM
func (EntityRelationshipModel) TableName() string {
	return "entity_relationships"
}

// ToDomain converts the model to a domain edge
func (m *EntityRelationshipModel) ToDomain() *relationship.EntityRelationship {
	metadata := maps.Clone(map[string]any(m.Metadata))
	if metadata == nil {
		metadata = map[string]any{}
	}
	tags := slices.Clone([]string(m.Tags))
	if tags == nil {
		tags = []string{}
	}
	return &relationship.EntityRelationship{
		BaseEntity:        m.BaseModel.ToDomain(),
		TenantID:          m.TenantID,
		SourceType:        m.SourceType,
		SourceID:          m.SourceID,
		TargetType:        m.TargetType,
		TargetID:          m.TargetID,
		RelationshipType:  m.RelationshipType,
		Strength:          m.Strength,
		Metadata:          metadata,
		Tags:              tags,
		IsActive:          m.IsActive,
		IsDeleted:         m.IsDeleted,
		DeletedAt:         m.DeletedAt,
		DeletedBy:         m.DeletedBy,
		Priority:          m.Priority,
		ValidFrom:         m.ValidFrom,
		ValidUntil:        m.ValidUntil,
		LastInteractionAt: m.LastInteractionAt,
		InteractionCount:  m.InteractionCount,
	}
}

// EntityRelationshipModelFromDomain creates a model from a domain edge
func EntityRelationshipModelFromDomain(e *relationship.EntityRelationship) *EntityRelationshipModel {
	m := &EntityRelationshipModel{
		TenantID:          e.TenantID,
		SourceType:        e.SourceType,
		SourceID:          e.SourceID,
		TargetType:        e.TargetType,
		TargetID:          e.TargetID,
		RelationshipType:  e.RelationshipType,
		Strength:          e.Strength,
		Metadata:          datatypes.JSONMap(maps.Clone(e.Metadata)),
		Tags:              datatypes.JSONSlice[string](slices.Clone(e.Tags)),
		IsActive:          e.IsActive,
		IsDeleted:         e.IsDeleted,
		DeletedAt:         e.DeletedAt,
		DeletedBy:         e.DeletedBy,
		Priority:          e.Priority,
		ValidFrom:         e.ValidFrom,
		ValidUntil:        e.ValidUntil,
		LastInteractionAt: e.LastInteractionAt,
		InteractionCount:  e.InteractionCount,
	}
	if m.Metadata == nil {
		m.Metadata = datatypes.JSONMap{}
	}
	if m.Tags == nil {
		m.Tags = datatypes.JSONSlice[string]{}
	}
	m.FromDomainBaseEntity(e.BaseEntity)
	return m
}

// RelationshipAuditModel is one relationship_audit_log row
type RelationshipAuditModel struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Event            string     `gorm:"type:varchar(50);not null;index"`
	EdgeID           *uuid.UUID `gorm:"type:uuid"`
	TenantID         string     `gorm:"type:varchar(64);not null"`
	SourceType       string     `gorm:"type:varchar(100);not null"`
	SourceID         string     `gorm:"type:varchar(100);not null"`
	TargetType       string     `gorm:"type:varchar(100);not null"`
	TargetID         string     `gorm:"type:varchar(100);not null"`
	RelationshipType string     `gorm:"type:varchar(100);not null"`
	Detail           string     `gorm:"type:text"`
	OccurredAt       time.Time  `gorm:"not null;index"`
}

// TableName returns the table name for GORM
func (RelationshipAuditModel) TableName() string {
	return "relationship_audit_log"
}

// ToDomain converts the model to a domain audit entry
func (m *RelationshipAuditModel) ToDomain() relationship.AuditEntry {
	return relationship.AuditEntry{
		ID:     m.ID,
		Event:  m.Event,
		EdgeID: m.EdgeID,
		Key: relationship.NaturalKey{
			TenantID:         m.TenantID,
			SourceType:       m.SourceType,
			SourceID:         m.SourceID,
			TargetType:       m.TargetType,
			TargetID:         m.TargetID,
			RelationshipType: m.RelationshipType,
		},
		Detail:     m.Detail,
		OccurredAt: m.OccurredAt,
	}
}

// RelationshipAuditModelFromDomain creates a model from a domain audit entry
func RelationshipAuditModelFromDomain(e relationship.AuditEntry) *RelationshipAuditModel {
	return &RelationshipAuditModel{
		ID:               e.ID,
		Event:            e.Event,
		EdgeID:           e.EdgeID,
		TenantID:         e.Key.TenantID,
		SourceType:       e.Key.SourceType,
		SourceID:         e.Key.SourceID,
		TargetType:       e.Key.TargetType,
		TargetID:         e.Key.TargetID,
		RelationshipType: e.Key.RelationshipType,
		Detail:           e.Detail,
		OccurredAt:       e.OccurredAt,
	}
}
