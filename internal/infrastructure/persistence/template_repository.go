package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/erp/entitygraph/internal/domain/sku"
	"github.com/erp/entitygraph/internal/infrastructure/persistence/models"
)

// GormTemplateRepository implements sku.TemplateRepository using GORM
type GormTemplateRepository struct {
	db *gorm.DB
}

// NewGormTemplateRepository creates a new GormTemplateRepository
func NewGormTemplateRepository(db *gorm.DB) *GormTemplateRepository {
	return &GormTemplateRepository{db: db}
}

// FindByID finds a template by its ID
func (r *GormTemplateRepository) FindByID(ctx context.Context, id uuid.UUID) (*sku.SKUTemplate, error) {
	var model models.SKUTemplateModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return nil, translateError(err, fmt.Sprintf("sku template %s", id))
	}
	return model.ToDomain(), nil
}

// FindDefault finds the active default template, preferring the tenant's own
func (r *GormTemplateRepository) FindDefault(ctx context.Context, tenantID, entityType string) (*sku.SKUTemplate, error) {
	var model models.SKUTemplateModel
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND is_active = ? AND is_default = ?", entityType, true, true).
		Where("tenant_id IN ?", []string{tenantID, ""}).
		Order("tenant_id DESC"). // the tenant's row sorts before the shared "" row
		Take(&model).Error
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("default sku template for %s", entityType))
	}
	return model.ToDomain(), nil
}

// List returns templates for an entity type, or all templates when entityType is empty
func (r *GormTemplateRepository) List(ctx context.Context, entityType string) ([]sku.SKUTemplate, error) {
	query := r.db.WithContext(ctx).Model(&models.SKUTemplateModel{})
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}
	var rows []models.SKUTemplateModel
	if err := query.Order("entity_type ASC").Order("name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sku templates: %w", err)
	}
	templates := make([]sku.SKUTemplate, len(rows))
	for i := range rows {
		templates[i] = *rows[i].ToDomain()
	}
	return templates, nil
}

// Save creates or updates a template
func (r *GormTemplateRepository) Save(ctx context.Context, tmpl *sku.SKUTemplate) error {
	if err := r.db.WithContext(ctx).Save(models.SKUTemplateModelFromDomain(tmpl)).Error; err != nil {
		return translateError(err, fmt.Sprintf("save sku template %s", tmpl.Name))
	}
	return nil
}
