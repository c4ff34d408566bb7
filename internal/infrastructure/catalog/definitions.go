package catalog

import "time"

// File is the on-disk catalog layout. Keys are snake_case in every format;
// maps keyed by user data are written as lists because viper folds key case.
type File struct {
	RelationshipTypes []RelationshipTypeDef `mapstructure:"relationship_types" validate:"dive"`
	Templates         []TemplateDef         `mapstructure:"templates" validate:"dive"`
	Entities          []EntityDef           `mapstructure:"entities" validate:"dive"`
	Backfill          []JobDef              `mapstructure:"backfill" validate:"dive"`
}

// RelationshipTypeDef declares one relationship type
type RelationshipTypeDef struct {
	Name            string   `mapstructure:"name" validate:"required,identifier"`
	DisplayName     string   `mapstructure:"display_name"`
	Description     string   `mapstructure:"description"`
	SourceTypes     []string `mapstructure:"source_types" validate:"required,min=1,dive,required"`
	TargetTypes     []string `mapstructure:"target_types" validate:"required,min=1,dive,required"`
	Bidirectional   bool     `mapstructure:"bidirectional"`
	Reverse         string   `mapstructure:"reverse" validate:"required_if=Bidirectional true,omitempty,identifier"`
	DefaultStrength int      `mapstructure:"default_strength" validate:"omitempty,min=1,max=5"`
	System          bool     `mapstructure:"system"`
	Color           string   `mapstructure:"color" validate:"omitempty,hexcolor"`
	Icon            string   `mapstructure:"icon"`
}

// TemplateDef declares one SKU template
type TemplateDef struct {
	Tenant       string         `mapstructure:"tenant"`
	EntityType   string         `mapstructure:"entity_type" validate:"required"`
	Name         string         `mapstructure:"name" validate:"required"`
	Template     string         `mapstructure:"template" validate:"required"`
	Components   []ComponentDef `mapstructure:"components" validate:"dive"`
	Inactive     bool           `mapstructure:"inactive"`
	Default      bool           `mapstructure:"default"`
	Pattern      string         `mapstructure:"pattern"`
	Example      string         `mapstructure:"example"`
	ExpiresAfter time.Duration  `mapstructure:"expires_after" validate:"min=0"`
}

// ComponentDef declares one placeholder. Transform names a function; Values
// is a literal value-to-code table. At most one of them is set.
type ComponentDef struct {
	Name             string      `mapstructure:"name" validate:"required"`
	Type             string      `mapstructure:"type" validate:"required,oneof=category_code supplier_code entity_field relationship date sequence"`
	Field            string      `mapstructure:"field"`
	Transform        string      `mapstructure:"transform" validate:"omitempty,oneof=abbreviate array_to_codes,excluded_with=Values"`
	Values           []ValueCode `mapstructure:"values" validate:"dive"`
	RelationshipType string      `mapstructure:"relationship_type" validate:"required_if=Type relationship"`
	Format           string      `mapstructure:"format"`
	Scope            string      `mapstructure:"scope" validate:"omitempty,oneof=global category brand_category daily project department type"`
	ScopeField       string      `mapstructure:"scope_field"`
	Length           int         `mapstructure:"length" validate:"min=0,max=18"`
	Default          string      `mapstructure:"default"`
}

// ValueCode is one row of a literal transform table
type ValueCode struct {
	From string `mapstructure:"from" validate:"required"`
	To   string `mapstructure:"to"`
}

// EntityDef maps an entity kind onto a table owned by another domain
type EntityDef struct {
	Kind     string     `mapstructure:"kind" validate:"required"`
	Table    string     `mapstructure:"table" validate:"required,sqlident"`
	IDColumn string     `mapstructure:"id_column" validate:"omitempty,sqlident"`
	Embeds   []EmbedDef `mapstructure:"embeds" validate:"dive"`
}

// EmbedDef loads a related row under an attribute name
type EmbedDef struct {
	Name   string `mapstructure:"name" validate:"required"`
	Kind   string `mapstructure:"kind" validate:"required"`
	Column string `mapstructure:"column" validate:"required,sqlident"`
}

// QueryDef locates legacy rows
type QueryDef struct {
	Table    string   `mapstructure:"table" validate:"required,sqlident"`
	IDColumn string   `mapstructure:"id_column" validate:"omitempty,sqlident"`
	Columns  []string `mapstructure:"columns" validate:"dive,sqlident"`
	Where    string   `mapstructure:"where"`
}

// LookupDef loads the reference entities of a heuristic job
type LookupDef struct {
	Kind  string   `mapstructure:"kind" validate:"required"`
	Query QueryDef `mapstructure:"query"`
	Field string   `mapstructure:"field" validate:"required"`
}

// JobDef declares one backfill job
type JobDef struct {
	Name             string     `mapstructure:"name" validate:"required,identifier"`
	Kind             string     `mapstructure:"kind" validate:"required,oneof=foreign_key mention vendor_cooccurrence name_matching"`
	Records          QueryDef   `mapstructure:"records"`
	RelationshipType string     `mapstructure:"relationship_type" validate:"required_if=Kind foreign_key"`
	Provenance       string     `mapstructure:"provenance"`
	TenantField      string     `mapstructure:"tenant_field"`
	SourceKind       string     `mapstructure:"source_kind" validate:"required_if=Kind foreign_key"`
	TargetKind       string     `mapstructure:"target_kind" validate:"required_if=Kind foreign_key"`
	SourceField      string     `mapstructure:"source_field"`
	TargetField      string     `mapstructure:"target_field" validate:"required_if=Kind foreign_key"`
	BodyField        string     `mapstructure:"body_field" validate:"required_if=Kind mention"`
	SubjectKind      string     `mapstructure:"subject_kind"`
	SubjectField     string     `mapstructure:"subject_field"`
	FailUnknown      bool       `mapstructure:"fail_unknown_handles"`
	DescriptionField string     `mapstructure:"description_field" validate:"required_if=Kind vendor_cooccurrence"`
	AmountField      string     `mapstructure:"amount_field"`
	NameField        string     `mapstructure:"name_field" validate:"required_if=Kind name_matching"`
	MinLength        int        `mapstructure:"min_length" validate:"min=0"`
	Lookup           *LookupDef `mapstructure:"lookup" validate:"required_unless=Kind foreign_key"`
}
