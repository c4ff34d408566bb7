package persistence

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/erp/entitygraph/internal/infrastructure/persistence/models"
)

// Models lists every table owned by the engine
func Models() []any {
	return []any{
		&models.RelationshipTypeModel{},
		&models.EntityRelationshipModel{},
		&models.RelationshipAuditModel{},
		&models.SKUTemplateModel{},
		&models.EntitySKUModel{},
		&models.SequenceCounterModel{},
	}
}

// AutoMigrate creates or updates the engine tables on db
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
