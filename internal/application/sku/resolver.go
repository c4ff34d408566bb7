package sku

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/erp/entitygraph/internal/domain/shared"
	"github.com/erp/entitygraph/internal/domain/sku"
)

// DataContext is everything a render reads about its subject entity
type DataContext struct {
	TenantID   string
	Subject    shared.EntityRef
	Attributes shared.Attributes
	// ReferenceDate drives date components and the daily scope; zero means now
	ReferenceDate time.Time
	// Preview makes sequence components peek instead of consuming a value
	Preview bool
}

// RelatedFinder lists the targets of an entity's effective edges
type RelatedFinder interface {
	RelatedOfInTenant(ctx context.Context, tenantID string, ref shared.EntityRef, relType string) ([]shared.EntityRef, error)
}

// Sequencer issues sequence numbers
type Sequencer interface {
	Next(ctx context.Context, scopeKind, scopeKey string) (int64, error)
	Peek(ctx context.Context, scopeKind, scopeKey string) (int64, error)
}

// ComponentResolver produces the value of one placeholder
type ComponentResolver interface {
	Resolve(ctx context.Context, dc *DataContext, spec sku.ComponentSpec) (string, error)
}

// ResolverFunc adapts a function to ComponentResolver
type ResolverFunc func(ctx context.Context, dc *DataContext, spec sku.ComponentSpec) (string, error)

// Resolve implements ComponentResolver
func (f ResolverFunc) Resolve(ctx context.Context, dc *DataContext, spec sku.ComponentSpec) (string, error) {
	return f(ctx, dc, spec)
}

// ComponentResolverSet dispatches placeholders to the resolver of their kind
type ComponentResolverSet struct {
	resolvers map[sku.ComponentKind]ComponentResolver
}

// NewComponentResolverSet wires the built-in resolvers. related and lookup
// serve relationship components; seq serves sequence components.
func NewComponentResolverSet(related RelatedFinder, lookup shared.EntityLookup, seq Sequencer) *ComponentResolverSet {
	fields := ResolverFunc(resolveField)
	return &ComponentResolverSet{
		resolvers: map[sku.ComponentKind]ComponentResolver{
			sku.KindEntityField:  fields,
			sku.KindCategoryCode: fields,
			sku.KindSupplierCode: fields,
			sku.KindDate:         ResolverFunc(resolveDate),
			sku.KindRelationship: &relationshipResolver{related: related, lookup: lookup},
			sku.KindSequence:     &sequenceResolver{seq: seq},
		},
	}
}

// Register replaces the resolver for kind
func (s *ComponentResolverSet) Register(kind sku.ComponentKind, r ComponentResolver) {
	s.resolvers[kind] = r
}

// Resolve resolves one component and applies length post-processing
func (s *ComponentResolverSet) Resolve(ctx context.Context, dc *DataContext, spec sku.ComponentSpec) (string, error) {
	r, ok := s.resolvers[spec.Kind]
	if !ok {
		return "", fmt.Errorf("%w: no resolver for component type %q", shared.ErrConfig, spec.Kind)
	}
	return r.Resolve(ctx, dc, spec)
}

// codeValue transforms a raw value, falls back to the default and applies
// the length limit of a text code.
func codeValue(raw any, found bool, spec sku.ComponentSpec) (string, error) {
	value := ""
	if found {
		v, err := applyTransform(spec.Transform, raw)
		if err != nil {
			return "", err
		}
		value = v
	}
	if value == "" {
		value = spec.Default
	}
	if spec.Length > 0 {
		r := []rune(strings.ToUpper(value))
		value = string(r[:min(len(r), spec.Length)])
	}
	return value, nil
}

func resolveField(_ context.Context, dc *DataContext, spec sku.ComponentSpec) (string, error) {
	raw, ok := dc.Attributes.Get(spec.FieldPath())
	return codeValue(raw, ok, spec)
}

// resolveDate formats the reference date; Length truncates or zero-pads it
func resolveDate(_ context.Context, dc *DataContext, spec sku.ComponentSpec) (string, error) {
	value, err := sku.FormatDate(dc.ReferenceDate, spec.DateFormat())
	if err != nil || spec.Length <= 0 {
		return value, err
	}
	r := []rune(value)
	if len(r) >= spec.Length {
		return string(r[:spec.Length]), nil
	}
	return strings.Repeat("0", spec.Length-len(r)) + value, nil
}

type relationshipResolver struct {
	related RelatedFinder
	lookup  shared.EntityLookup
}

// Resolve reads Field from the first related entity that still exists.
// Edges to vanished entities are skipped; with none left the default applies.
func (r *relationshipResolver) Resolve(ctx context.Context, dc *DataContext, spec sku.ComponentSpec) (string, error) {
	if r.related == nil || r.lookup == nil {
		return "", fmt.Errorf("%w: relationship components need a relationship store and entity lookup", shared.ErrConfig)
	}
	refs, err := r.related.RelatedOfInTenant(ctx, dc.TenantID, dc.Subject, spec.RelationshipType)
	if err != nil {
		return "", err
	}
	for _, ref := range refs {
		attrs, err := r.lookup.Load(ctx, ref)
		if errors.Is(err, shared.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("load %s for %s: %w", ref, dc.Subject, err)
		}
		raw, ok := attrs.Get(spec.Field)
		return codeValue(raw, ok, spec)
	}
	return codeValue(nil, false, spec)
}

type sequenceResolver struct {
	seq Sequencer
}

// Resolve allocates (or peeks) the counter of the component's scope and
// zero-pads it to Length.
func (r *sequenceResolver) Resolve(ctx context.Context, dc *DataContext, spec sku.ComponentSpec) (string, error) {
	if r.seq == nil {
		return "", fmt.Errorf("%w: sequence components need a sequence allocator", shared.ErrConfig)
	}
	scope := spec.EffectiveScope()
	key, err := ScopeKey(dc, scope, spec.ScopeField)
	if err != nil {
		return "", err
	}
	kind := sku.ScopeKind(dc.TenantID, dc.Subject.Kind, scope)

	var n int64
	if dc.Preview {
		n, err = r.seq.Peek(ctx, kind, key)
	} else {
		n, err = r.seq.Next(ctx, kind, key)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", spec.Length, n), nil
}

// scopeSources lists the attribute paths tried, in order, for each scope
var scopeSources = map[sku.SequenceScope][]string{
	sku.ScopeCategory:   {sku.DefaultCategoryField, "category.code", "categoryId"},
	sku.ScopeProject:    {"project.code", "projectId"},
	sku.ScopeDepartment: {"department.code", "departmentId"},
	sku.ScopeType:       {"type"},
}

var brandSources = []string{"brand.code", "brand.abbreviation", "brandId"}

// ScopeKey derives the counter partition key of scope for the subject.
// scopeField overrides the attribute path; for brand_category it holds
// "brandPath,categoryPath". The brand_category key is "brandCode:categoryCode".
func ScopeKey(dc *DataContext, scope sku.SequenceScope, scopeField string) (string, error) {
	switch scope {
	case sku.ScopeGlobal, "":
		return string(sku.ScopeGlobal), nil
	case sku.ScopeDaily:
		return dc.ReferenceDate.Format("2006-01-02"), nil
	case sku.ScopeBrandCategory:
		brandPaths, categoryPaths := brandSources, scopeSources[sku.ScopeCategory]
		if scopeField != "" {
			b, c, ok := strings.Cut(scopeField, ",")
			if !ok {
				return "", fmt.Errorf("%w: brand_category scope field %q must be \"brandPath,categoryPath\"", shared.ErrConfig, scopeField)
			}
			brandPaths, categoryPaths = []string{strings.TrimSpace(b)}, []string{strings.TrimSpace(c)}
		}
		brand, err := firstAttribute(dc, scope, brandPaths)
		if err != nil {
			return "", err
		}
		category, err := firstAttribute(dc, scope, categoryPaths)
		if err != nil {
			return "", err
		}
		return brand + ":" + category, nil
	}

	paths, ok := scopeSources[scope]
	if !ok {
		return "", fmt.Errorf("%w: unknown sequence scope %q", shared.ErrConfig, scope)
	}
	if scopeField != "" {
		paths = []string{scopeField}
	}
	return firstAttribute(dc, scope, paths)
}

func firstAttribute(dc *DataContext, scope sku.SequenceScope, paths []string) (string, error) {
	for _, p := range paths {
		if v, ok := dc.Attributes.GetString(p); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %s scope of %s needs one of %s", shared.ErrScopeUnresolved, scope, dc.Subject, strings.Join(paths, ", "))
}
