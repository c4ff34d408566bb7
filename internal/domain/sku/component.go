package sku

import (
	"encoding/json"
	"fmt"

	"github.com/erp/entitygraph/internal/domain/shared"
)

// ComponentKind selects the resolver used for a placeholder
type ComponentKind string

const (
	KindCategoryCode ComponentKind = "category_code"
	KindSupplierCode ComponentKind = "supplier_code"
	KindEntityField  ComponentKind = "entity_field"
	KindRelationship ComponentKind = "relationship"
	KindDate         ComponentKind = "date"
	KindSequence     ComponentKind = "sequence"
)

// IsValid reports whether the kind is known
func (k ComponentKind) IsValid() bool {
	switch k {
	case KindCategoryCode, KindSupplierCode, KindEntityField, KindRelationship, KindDate, KindSequence:
		return true
	}
	return false
}

// Conventional field paths for code components
const (
	DefaultCategoryField = "category.abbreviation"
	DefaultSupplierField = "supplier.code"
	DefaultDateFormat    = "YYMMDD"
)

// TransformFunc names a registered value transform
type TransformFunc string

const (
	TransformAbbreviate   TransformFunc = "abbreviate"
	TransformArrayToCodes TransformFunc = "array_to_codes"
)

// IsValid reports whether the function is registered
func (f TransformFunc) IsValid() bool {
	return f == TransformAbbreviate || f == TransformArrayToCodes
}

// Transform maps a raw field value to a code. Exactly one of Map or Func is
// set; the zero value means no transform.
type Transform struct {
	Map  map[string]string
	Func TransformFunc
}

// LiteralMap builds a value -> code table transform
func LiteralMap(m map[string]string) Transform {
	return Transform{Map: m}
}

// NamedFunction builds a transform that applies a registered function
func NamedFunction(f TransformFunc) Transform {
	return Transform{Func: f}
}

// IsZero reports whether no transform is configured
func (t Transform) IsZero() bool {
	return t.Map == nil && t.Func == ""
}

// Validate checks that the union holds exactly one variant
func (t Transform) Validate() error {
	if t.Map != nil && t.Func != "" {
		return fmt.Errorf("%w: transform cannot be both a map and a function", shared.ErrConfig)
	}
	if t.Func != "" && !t.Func.IsValid() {
		return fmt.Errorf("%w: unknown transform function %q", shared.ErrConfig, t.Func)
	}
	return nil
}

// MarshalJSON encodes a map transform as an object and a function as a string
func (t Transform) MarshalJSON() ([]byte, error) {
	switch {
	case t.Map != nil:
		return json.Marshal(t.Map)
	case t.Func != "":
		return json.Marshal(string(t.Func))
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts either an object or a function name
func (t *Transform) UnmarshalJSON(data []byte) error {
	*t = Transform{}
	if string(data) == "null" {
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		t.Func = TransformFunc(name)
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: transform must be a function name or a value map", shared.ErrConfig)
	}
	t.Map = m
	return nil
}

// SequenceScope partitions sequence counters
type SequenceScope string

const (
	ScopeGlobal        SequenceScope = "global"
	ScopeCategory      SequenceScope = "category"
	ScopeBrandCategory SequenceScope = "brand_category"
	ScopeDaily         SequenceScope = "daily"
	ScopeProject       SequenceScope = "project"
	ScopeDepartment    SequenceScope = "department"
	ScopeType          SequenceScope = "type"
)

// IsValid reports whether the scope is known
func (s SequenceScope) IsValid() bool {
	switch s {
	case ScopeGlobal, ScopeCategory, ScopeBrandCategory, ScopeDaily, ScopeProject, ScopeDepartment, ScopeType:
		return true
	}
	return false
}

// ComponentSpec is the resolution rule for one placeholder
type ComponentSpec struct {
	Kind             ComponentKind `json:"type"`
	Field            string        `json:"field,omitempty"`
	Transform        Transform     `json:"transform,omitempty"`
	RelationshipType string        `json:"relationshipType,omitempty"`
	Format           string        `json:"format,omitempty"`
	Scope            SequenceScope `json:"scope,omitempty"`
	// ScopeField overrides the attribute path the scope key is read from
	ScopeField string `json:"scopeField,omitempty"`
	Length     int    `json:"length,omitempty"`
	Default    string `json:"default,omitempty"`
}

// FieldPath returns the attribute path read by field-based kinds
func (s ComponentSpec) FieldPath() string {
	if s.Field != "" {
		return s.Field
	}
	switch s.Kind {
	case KindCategoryCode:
		return DefaultCategoryField
	case KindSupplierCode:
		return DefaultSupplierField
	}
	return ""
}

// DateFormat returns the configured format or the default one
func (s ComponentSpec) DateFormat() string {
	if s.Format != "" {
		return s.Format
	}
	return DefaultDateFormat
}

// EffectiveScope returns the configured scope, global when unset
func (s ComponentSpec) EffectiveScope() SequenceScope {
	if s.Scope == "" {
		return ScopeGlobal
	}
	return s.Scope
}

// Validate checks a component spec in the context of its placeholder name
func (s ComponentSpec) Validate(name string) error {
	if !s.Kind.IsValid() {
		return fmt.Errorf("%w: component %q has unknown type %q", shared.ErrConfig, name, s.Kind)
	}
	if s.Length < 0 {
		return fmt.Errorf("%w: component %q has negative length", shared.ErrConfig, name)
	}
	if err := s.Transform.Validate(); err != nil {
		return fmt.Errorf("component %q: %w", name, err)
	}
	switch s.Kind {
	case KindEntityField:
		if s.Field == "" {
			return fmt.Errorf("%w: component %q requires a field", shared.ErrConfig, name)
		}
	case KindRelationship:
		if s.RelationshipType == "" || s.Field == "" {
			return fmt.Errorf("%w: component %q requires relationshipType and field", shared.ErrConfig, name)
		}
	case KindSequence:
		if !s.EffectiveScope().IsValid() {
			return fmt.Errorf("%w: component %q has unknown scope %q", shared.ErrConfig, name, s.Scope)
		}
	case KindDate:
		if err := ValidateDateFormat(s.DateFormat()); err != nil {
			return fmt.Errorf("component %q: %w", name, err)
		}
	}
	return nil
}
