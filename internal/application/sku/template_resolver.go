package sku

import (
	"context"
	"strings"
	"time"

	"github.com/erp/entitygraph/internal/domain/sku"
	"github.com/erp/entitygraph/internal/infrastructure/telemetry"
)

// RenderResult is a rendered template
type RenderResult struct {
	Value           string
	ComponentValues map[string]string
	Valid           bool
}

// TemplateResolver renders SKU templates
type TemplateResolver struct {
	components *ComponentResolverSet
	metrics    *telemetry.EngineMetrics
	now        func() time.Time
}

// NewTemplateResolver creates a resolver over the given component resolvers
func NewTemplateResolver(components *ComponentResolverSet, metrics *telemetry.EngineMetrics, now func() time.Time) *TemplateResolver {
	if now == nil {
		now = time.Now
	}
	return &TemplateResolver{components: components, metrics: metrics, now: now}
}

// Render substitutes every placeholder of tmpl and checks the result against
// the validation pattern. Sequence placeholders are resolved after all other
// components so a failing lookup does not consume a number.
func (r *TemplateResolver) Render(ctx context.Context, tmpl *sku.SKUTemplate, dc DataContext) (RenderResult, error) {
	start := time.Now()
	defer func() {
		r.metrics.RecordRenderDuration(ctx, tmpl.EntityType, time.Since(start))
	}()

	compiled, err := tmpl.Compile()
	if err != nil {
		return RenderResult{}, err
	}
	if dc.ReferenceDate.IsZero() {
		dc.ReferenceDate = r.now()
	}

	values := make([]string, len(compiled.Segments))
	result := RenderResult{ComponentValues: make(map[string]string, len(compiled.Specs))}

	for _, sequences := range []bool{false, true} {
		for i, seg := range compiled.Segments {
			p, ok := compiled.Specs[i]
			if !ok || (p.Spec.Kind == sku.KindSequence) != sequences {
				continue
			}
			v, err := r.components.Resolve(ctx, &dc, p.Spec)
			if err != nil {
				return RenderResult{}, err
			}
			values[i] = v
			result.ComponentValues[seg.Placeholder] = v
		}
	}

	var b strings.Builder
	for i, seg := range compiled.Segments {
		if seg.IsPlaceholder() {
			b.WriteString(values[i])
		} else {
			b.WriteString(seg.Literal)
		}
	}
	result.Value = b.String()
	result.Valid = compiled.Matches(result.Value)
	return result, nil
}
