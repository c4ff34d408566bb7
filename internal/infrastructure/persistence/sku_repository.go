package persistence

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/erp/entitygraph/internal/domain/sku"
	"github.com/erp/entitygraph/internal/infrastructure/persistence/models"
)

// GormEntitySKURepository implements sku.EntitySKURepository using GORM
type GormEntitySKURepository struct {
	db *gorm.DB
}

// NewGormEntitySKURepository creates a new GormEntitySKURepository
func NewGormEntitySKURepository(db *gorm.DB) *GormEntitySKURepository {
	return &GormEntitySKURepository{db: db}
}

func entityScope(tenantID, entityType, entityID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", tenantID, entityType, entityID)
	}
}

// Append supersedes the active version and inserts the next one in a single
// transaction. Two writers computing the same version collide on
// idx_entity_skus_version and the loser gets shared.ErrConcurrencyConflict.
func (r *GormEntitySKURepository) Append(ctx context.Context, tenantID, entityType, entityID string, fn sku.AppendFunc) (*sku.EntitySKU, error) {
	var result *sku.EntitySKU
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current *sku.EntitySKU
		var model models.EntitySKUModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Scopes(entityScope(tenantID, entityType, entityID)).
			Where("is_active = ?", true).
			Order("version DESC").
			Take(&model).Error
		switch {
		case err == nil:
			current = model.ToDomain()
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		if current != nil {
			err := tx.Model(&models.EntitySKUModel{}).
				Where("id = ?", current.ID).
				Updates(map[string]any{"is_active": false, "updated_at": next.CreatedAt}).Error
			if err != nil {
				return err
			}
		}
		if err := tx.Create(models.EntitySKUModelFromDomain(next)).Error; err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("append sku for %s#%s", entityType, entityID))
	}
	return result, nil
}

// FindActive returns the active version for an entity
func (r *GormEntitySKURepository) FindActive(ctx context.Context, tenantID, entityType, entityID string) (*sku.EntitySKU, error) {
	var model models.EntitySKUModel
	err := r.db.WithContext(ctx).
		Scopes(entityScope(tenantID, entityType, entityID)).
		Where("is_active = ?", true).
		Order("version DESC").
		Take(&model).Error
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("active sku for %s#%s", entityType, entityID))
	}
	return model.ToDomain(), nil
}

// History returns every version for an entity, oldest first
func (r *GormEntitySKURepository) History(ctx context.Context, tenantID, entityType, entityID string) ([]sku.EntitySKU, error) {
	var rows []models.EntitySKUModel
	err := r.db.WithContext(ctx).
		Scopes(entityScope(tenantID, entityType, entityID)).
		Order("version ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sku history for %s#%s: %w", entityType, entityID, err)
	}
	history := make([]sku.EntitySKU, len(rows))
	for i := range rows {
		history[i] = *rows[i].ToDomain()
	}
	return history, nil
}
