package persistence

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/erp/entitygraph/internal/domain/relationship"
	"github.com/erp/entitygraph/internal/infrastructure/persistence/models"
)

// GormRelationshipTypeRepository persists the relationship type catalog
type GormRelationshipTypeRepository struct {
	db *gorm.DB
}

// NewGormRelationshipTypeRepository creates a new GormRelationshipTypeRepository
func NewGormRelationshipTypeRepository(db *gorm.DB) *GormRelationshipTypeRepository {
	return &GormRelationshipTypeRepository{db: db}
}

// SaveAll inserts or replaces the given types by name
func (r *GormRelationshipTypeRepository) SaveAll(ctx context.Context, types []relationship.RelationshipType) error {
	if len(types) == 0 {
		return nil
	}
	now := time.Now()
	rows := make([]*models.RelationshipTypeModel, len(types))
	for i, t := range types {
		rows[i] = models.RelationshipTypeModelFromDomain(t, now)
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"display_name", "description", "source_types", "target_types",
				"is_bidirectional", "reverse_type_name", "default_strength",
				"is_system", "color", "icon", "updated_at",
			}),
		}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("save relationship types: %w", err)
	}
	return nil
}

// List returns all persisted types ordered by name
func (r *GormRelationshipTypeRepository) List(ctx context.Context) ([]relationship.RelationshipType, error) {
	var rows []models.RelationshipTypeModel
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list relationship types: %w", err)
	}
	types := make([]relationship.RelationshipType, len(rows))
	for i := range rows {
		types[i] = rows[i].ToDomain()
	}
	return types, nil
}
