// Package models contains GORM persistence models for the engine tables.
// Domain types carry no ORM tags; each model maps to and from its domain
// type with ToDomain / XxxModelFromDomain.
//
//   - base.go: BaseModel shared by every table with a UUID key
//   - relationship.go: relationship_types, entity_relationships, relationship_audit_log
//   - sku.go: sku_templates, entity_skus, sequence_counters
package models
