package sku

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/entitygraph/internal/domain/relationship"
	"github.com/erp/entitygraph/internal/domain/shared"
	"github.com/erp/entitygraph/internal/domain/sku"
	"github.com/erp/entitygraph/internal/infrastructure/logger"
	"github.com/erp/entitygraph/internal/infrastructure/telemetry"
)

const appendRetries = 3

// Engine generates and stores SKU versions
type Engine struct {
	templates sku.TemplateRepository
	skus      sku.EntitySKURepository
	lookup    shared.EntityLookup
	resolver  *TemplateResolver
	registry  *relationship.TypeRegistry
	metrics   *telemetry.EngineMetrics
	logger    *zap.Logger
	now       func() time.Time
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithEngineLogger sets the logger
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEngineMetrics sets the metrics recorder
func WithEngineMetrics(m *telemetry.EngineMetrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithEngineClock overrides time.Now
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRelationshipTypes lets ValidateCatalog check relationship components
func WithRelationshipTypes(registry *relationship.TypeRegistry) EngineOption {
	return func(e *Engine) {
		e.registry = registry
	}
}

// NewEngine creates a SKU engine
func NewEngine(
	templates sku.TemplateRepository,
	skus sku.EntitySKURepository,
	lookup shared.EntityLookup,
	resolver *TemplateResolver,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		templates: templates,
		skus:      skus,
		lookup:    lookup,
		resolver:  resolver,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenerateOption adjusts a single generation
type GenerateOption func(*DataContext)

// WithTenant passes a tenant identifier through to lookups and counters
func WithTenant(tenantID string) GenerateOption {
	return func(dc *DataContext) {
		dc.TenantID = tenantID
	}
}

// WithReferenceDate renders date components and the daily scope for t
func WithReferenceDate(t time.Time) GenerateOption {
	return func(dc *DataContext) {
		dc.ReferenceDate = t
	}
}

// Generate renders the active default template of entityType for the entity
// and stores the result as its new active SKU version.
func (e *Engine) Generate(ctx context.Context, entityType, entityID string, opts ...GenerateOption) (*sku.EntitySKU, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "sku", "generate",
		telemetry.WithAttribute(telemetry.SpanAttrEntityType, entityType),
		telemetry.WithAttribute(telemetry.SpanAttrEntityID, entityID),
	)
	defer span.End()

	dc := newDataContext(entityType, entityID, opts)
	tmpl, err := e.defaultTemplate(ctx, dc.TenantID, entityType)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	out, err := e.generate(ctx, tmpl, dc)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetAttribute(span, telemetry.SpanAttrSKU, out.SKUValue)
	return out, nil
}

// GenerateWithTemplate is Generate with an explicitly chosen template
func (e *Engine) GenerateWithTemplate(ctx context.Context, templateID uuid.UUID, entityType, entityID string, opts ...GenerateOption) (*sku.EntitySKU, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "sku", "generate_with_template",
		telemetry.WithAttribute(telemetry.SpanAttrTemplateID, templateID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrEntityType, entityType),
		telemetry.WithAttribute(telemetry.SpanAttrEntityID, entityID),
	)
	defer span.End()

	tmpl, err := e.templates.FindByID(ctx, templateID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if tmpl.EntityType != entityType {
		err := fmt.Errorf("%w: template %q is for %s, not %s", shared.ErrInvalidInput, tmpl.Name, tmpl.EntityType, entityType)
		telemetry.RecordError(span, err)
		return nil, err
	}
	if !tmpl.IsActive {
		err := fmt.Errorf("%w: template %q is inactive", shared.ErrInvalidState, tmpl.Name)
		telemetry.RecordError(span, err)
		return nil, err
	}
	out, err := e.generate(ctx, tmpl, newDataContext(entityType, entityID, opts))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return out, nil
}

// Preview renders the default template without persisting anything or
// consuming sequence values.
func (e *Engine) Preview(ctx context.Context, entityType, entityID string, opts ...GenerateOption) (RenderResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "sku", "preview",
		telemetry.WithAttribute(telemetry.SpanAttrEntityType, entityType),
		telemetry.WithAttribute(telemetry.SpanAttrEntityID, entityID),
	)
	defer span.End()

	dc := newDataContext(entityType, entityID, opts)
	dc.Preview = true
	tmpl, err := e.defaultTemplate(ctx, dc.TenantID, entityType)
	if err != nil {
		telemetry.RecordError(span, err)
		return RenderResult{}, err
	}
	if err := e.loadSubject(ctx, &dc); err != nil {
		telemetry.RecordError(span, err)
		return RenderResult{}, err
	}
	return e.resolver.Render(ctx, tmpl, dc)
}

// Current returns the active SKU of an entity
func (e *Engine) Current(ctx context.Context, entityType, entityID string, opts ...GenerateOption) (*sku.EntitySKU, error) {
	dc := newDataContext(entityType, entityID, opts)
	return e.skus.FindActive(ctx, dc.TenantID, entityType, entityID)
}

// History returns every SKU version of an entity, oldest first
func (e *Engine) History(ctx context.Context, entityType, entityID string, opts ...GenerateOption) ([]sku.EntitySKU, error) {
	dc := newDataContext(entityType, entityID, opts)
	return e.skus.History(ctx, dc.TenantID, entityType, entityID)
}

// ValidateCatalog checks a template catalog: every template compiles, each
// entity type has exactly one active default and relationship components name
// registered relationship types.
func (e *Engine) ValidateCatalog(templates []sku.SKUTemplate) error {
	if err := sku.ValidateTemplates(templates); err != nil {
		return err
	}
	if e.registry == nil {
		return nil
	}
	for _, t := range templates {
		for name, spec := range t.Components {
			if spec.Kind != sku.KindRelationship {
				continue
			}
			if _, err := e.registry.Resolve(spec.RelationshipType); err != nil {
				return fmt.Errorf("%w: template %q component %q: %v", shared.ErrConfig, t.Name, name, err)
			}
		}
	}
	return nil
}

func newDataContext(entityType, entityID string, opts []GenerateOption) DataContext {
	dc := DataContext{Subject: shared.NewEntityRef(entityType, entityID)}
	for _, opt := range opts {
		opt(&dc)
	}
	return dc
}

func (e *Engine) defaultTemplate(ctx context.Context, tenantID, entityType string) (*sku.SKUTemplate, error) {
	tmpl, err := e.templates.FindDefault(ctx, tenantID, entityType)
	if errors.Is(err, shared.ErrNotFound) || (err == nil && !tmpl.IsActive) {
		return nil, fmt.Errorf("%w: %s", shared.ErrNoTemplateConfigured, entityType)
	}
	return tmpl, err
}

func (e *Engine) loadSubject(ctx context.Context, dc *DataContext) error {
	if err := dc.Subject.Validate(); err != nil {
		return err
	}
	attrs, err := e.lookup.Load(ctx, dc.Subject)
	if err != nil {
		return fmt.Errorf("load %s: %w", dc.Subject, err)
	}
	dc.Attributes = attrs
	if dc.ReferenceDate.IsZero() {
		dc.ReferenceDate = e.now()
	}
	return nil
}

func (e *Engine) generate(ctx context.Context, tmpl *sku.SKUTemplate, dc DataContext) (*sku.EntitySKU, error) {
	log := logger.WithLogger(ctx, e.logger)
	if err := e.loadSubject(ctx, &dc); err != nil {
		return nil, err
	}

	rendered, err := e.resolver.Render(ctx, tmpl, dc)
	if err != nil {
		return nil, err
	}
	if !rendered.Valid {
		e.metrics.RecordRenderInvalid(ctx, tmpl.EntityType)
		log.Warn("rendered sku rejected by validation pattern",
			zap.String("entity", dc.Subject.String()),
			zap.String("template", tmpl.Name),
			zap.String("value", rendered.Value),
		)
		return nil, &sku.RenderInvalidError{Value: rendered.Value, Pattern: tmpl.ValidationPattern}
	}

	var out *sku.EntitySKU
	for attempt := 0; ; attempt++ {
		out, err = e.skus.Append(ctx, dc.TenantID, dc.Subject.Kind, dc.Subject.ID, func(current *sku.EntitySKU) (*sku.EntitySKU, error) {
			return sku.NewEntitySKU(tmpl, dc.Subject, dc.TenantID, rendered.Value, rendered.ComponentValues, current, e.now()), nil
		})
		if err == nil {
			break
		}
		if !errors.Is(err, shared.ErrConcurrencyConflict) || attempt+1 >= appendRetries {
			return nil, err
		}
	}

	e.metrics.RecordSKUGenerated(ctx, tmpl.EntityType)
	log.Info("sku generated",
		zap.String("entity", dc.Subject.String()),
		zap.String("sku", out.SKUValue),
		zap.Int("version", out.Version),
		zap.String("template", tmpl.Name),
	)
	return out, nil
}
