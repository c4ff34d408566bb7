package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/erp/entitygraph/internal/domain/relationship"
	"github.com/erp/entitygraph/internal/infrastructure/persistence/models"
)

// GormEdgeRepository implements relationship.EdgeRepository using GORM
type GormEdgeRepository struct {
	db *gorm.DB
}

// NewGormEdgeRepository creates a new GormEdgeRepository
func NewGormEdgeRepository(db *gorm.DB) *GormEdgeRepository {
	return &GormEdgeRepository{db: db}
}

func naturalKeyScope(key relationship.NaturalKey) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(
			"tenant_id = ? AND source_type = ? AND source_id = ? AND target_type = ? AND target_id = ? AND relationship_type = ? AND is_deleted = ?",
			key.TenantID, key.SourceType, key.SourceID, key.TargetType, key.TargetID, key.RelationshipType, false,
		)
	}
}

// Upsert locks the live row for key, hands it to fn and writes the result in
// one transaction. A concurrent insert of the same key fails the unique index
// and surfaces as shared.ErrConcurrencyConflict.
func (r *GormEdgeRepository) Upsert(ctx context.Context, key relationship.NaturalKey, fn relationship.UpsertFunc) (*relationship.EntityRelationship, error) {
	var result *relationship.EntityRelationship
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing *relationship.EntityRelationship
		var model models.EntityRelationshipModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Scopes(naturalKeyScope(key)).
			Take(&model).Error
		switch {
		case err == nil:
			existing = model.ToDomain()
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		next, err := fn(existing)
		if err != nil {
			return err
		}

		row := models.EntityRelationshipModelFromDomain(next)
		if existing == nil {
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		} else if err := tx.Save(row).Error; err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("upsert relationship %s", key))
	}
	return result, nil
}

// FindByID finds an edge by ID, deleted or not
func (r *GormEdgeRepository) FindByID(ctx context.Context, id uuid.UUID) (*relationship.EntityRelationship, error) {
	var model models.EntityRelationshipModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return nil, translateError(err, fmt.Sprintf("relationship %s", id))
	}
	return model.ToDomain(), nil
}

// FindByKey finds the non-deleted edge stored under key
func (r *GormEdgeRepository) FindByKey(ctx context.Context, key relationship.NaturalKey) (*relationship.EntityRelationship, error) {
	var model models.EntityRelationshipModel
	if err := r.db.WithContext(ctx).Scopes(naturalKeyScope(key)).Take(&model).Error; err != nil {
		return nil, translateError(err, fmt.Sprintf("relationship %s", key))
	}
	return model.ToDomain(), nil
}

// Find returns one page of edges matching filter and the total match count
func (r *GormEdgeRepository) Find(ctx context.Context, filter relationship.EdgeFilter) ([]relationship.EntityRelationship, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.EntityRelationshipModel{})
	query, err := applyEdgeFilter(query, filter)
	if err != nil {
		return nil, 0, err
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count relationships: %w", err)
	}

	var rows []models.EntityRelationshipModel
	q := query.Order("priority DESC").Order("created_at ASC").Order("id ASC")
	if filter.PageSize > 0 {
		q = q.Offset(filter.Offset()).Limit(filter.PageSize)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("find relationships: %w", err)
	}

	edges := make([]relationship.EntityRelationship, len(rows))
	for i := range rows {
		edges[i] = *rows[i].ToDomain()
	}
	return edges, total, nil
}

// Save updates an existing edge in place
func (r *GormEdgeRepository) Save(ctx context.Context, edge *relationship.EntityRelationship) error {
	row := models.EntityRelationshipModelFromDomain(edge)
	result := r.db.WithContext(ctx).Model(&models.EntityRelationshipModel{}).
		Where("id = ?", edge.ID).
		Select("*").Omit("id", "created_at").
		Updates(row)
	if result.Error != nil {
		return translateError(result.Error, fmt.Sprintf("save relationship %s", edge.ID))
	}
	if result.RowsAffected == 0 {
		return translateError(gorm.ErrRecordNotFound, fmt.Sprintf("relationship %s", edge.ID))
	}
	return nil
}

// applyEdgeFilter translates the rules of EdgeFilter.Matches into SQL
func applyEdgeFilter(db *gorm.DB, f relationship.EdgeFilter) (*gorm.DB, error) {
	eq := map[string]string{
		"tenant_id":         f.TenantID,
		"source_type":       f.SourceType,
		"source_id":         f.SourceID,
		"target_type":       f.TargetType,
		"target_id":         f.TargetID,
		"relationship_type": f.RelationshipType,
	}
	for _, col := range []string{"tenant_id", "source_type", "source_id", "target_type", "target_id", "relationship_type"} {
		if v := eq[col]; v != "" {
			db = db.Where(col+" = ?", v)
		}
	}
	if len(f.RelationshipTypes) > 0 {
		db = db.Where("relationship_type IN ?", f.RelationshipTypes)
	}
	if f.MinStrength != nil {
		db = db.Where("strength >= ?", *f.MinStrength)
	}
	if !f.IncludeDeleted {
		db = db.Where("is_deleted = ?", false)
	}
	if !f.IncludeInactive {
		db = db.Where("is_active = ?", true)
	}
	if f.EffectiveAt != nil {
		db = db.Where("(valid_from IS NULL OR valid_from <= ?) AND (valid_until IS NULL OR valid_until > ?)", *f.EffectiveAt, *f.EffectiveAt)
	}

	dialect := db.Dialector.Name()
	for _, tag := range f.Tags {
		switch dialect {
		case DialectPostgres:
			raw, err := json.Marshal([]string{tag})
			if err != nil {
				return nil, err
			}
			db = db.Where("tags @> ?::jsonb", string(raw))
		default:
			db = db.Where("EXISTS (SELECT 1 FROM json_each(tags) WHERE json_each.value = ?)", tag)
		}
	}
	for k, v := range f.MetadataEquals {
		switch dialect {
		case DialectPostgres:
			db = db.Where("metadata ->> ? = ?", k, v)
		default:
			db = db.Where("json_extract(metadata, ?) = ?", "$."+k, v)
		}
	}
	return db, nil
}
