package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/erp/entitygraph/internal/domain/relationship"
	"github.com/erp/entitygraph/internal/domain/shared"
	"github.com/erp/entitygraph/internal/infrastructure/persistence/models"
)

// GormAuditLog implements relationship.AuditLog using GORM
type GormAuditLog struct {
	db *gorm.DB
}

// NewGormAuditLog creates a new GormAuditLog
func NewGormAuditLog(db *gorm.DB) *GormAuditLog {
	return &GormAuditLog{db: db}
}

// Record appends an audit entry
func (r *GormAuditLog) Record(ctx context.Context, entry relationship.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(models.RelationshipAuditModelFromDomain(entry)).Error; err != nil {
		return fmt.Errorf("record audit %s: %w", entry.Event, err)
	}
	return nil
}

// List returns entries for event (all events when empty), newest first
func (r *GormAuditLog) List(ctx context.Context, event string, page shared.Page) ([]relationship.AuditEntry, error) {
	query := r.db.WithContext(ctx).Model(&models.RelationshipAuditModel{})
	if event != "" {
		query = query.Where("event = ?", event)
	}
	if page.PageSize > 0 {
		query = query.Offset(page.Offset()).Limit(page.PageSize)
	}

	var rows []models.RelationshipAuditModel
	if err := query.Order("occurred_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	entries := make([]relationship.AuditEntry, len(rows))
	for i := range rows {
		entries[i] = rows[i].ToDomain()
	}
	return entries, nil
}
