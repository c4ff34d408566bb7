package shared

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BaseEntity provides common fields for all entities
type BaseEntity struct {
	ID        uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GetID returns the entity ID
func (e *BaseEntity) GetID() uuid.UUID {
	return e.ID
}

// NewBaseEntity creates a new base entity with generated ID
func NewBaseEntity(now time.Time) BaseEntity {
	return BaseEntity{
		ID:        uuid.New(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// EntityRef is a polymorphic reference to an entity owned by another domain.
// Kind is the entity-kind tag (Product, User, Task, ...), ID is opaque.
type EntityRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// NewEntityRef creates an entity reference
func NewEntityRef(kind, id string) EntityRef {
	return EntityRef{Kind: kind, ID: id}
}

// IsZero reports whether the reference is empty
func (r EntityRef) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

// Validate checks that both parts of the reference are set
func (r EntityRef) Validate() error {
	if strings.TrimSpace(r.Kind) == "" {
		return fmt.Errorf("%w: entity kind is required", ErrInvalidInput)
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: entity id is required for %s", ErrInvalidInput, r.Kind)
	}
	return nil
}

// String renders the reference as Kind#ID
func (r EntityRef) String() string {
	return r.Kind + "#" + r.ID
}
