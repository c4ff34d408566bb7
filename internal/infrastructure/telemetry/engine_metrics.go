package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// ErrMeterNil is returned when a metrics constructor gets a nil meter.
var ErrMeterNil = errors.New("telemetry: meter cannot be nil")

// Outcome labels
const (
	OutcomeCreated = "created"
	OutcomeMerged  = "merged"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// EngineMetrics counts relationship, sequence, SKU and backfill activity.
// A nil *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	skuGenerated        *Counter
	skuRenderInvalid    *Counter
	relationshipUpserts *Counter
	mirrorFailures      *Counter
	sequenceContention  *Counter
	backfillRecords     *Counter
	renderDuration      *Histogram
}

// NewEngineMetrics registers the engine instruments on meter.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}

	m := &EngineMetrics{}
	var err error

	counters := []struct {
		dst         **Counter
		name        string
		description string
		unit        string
	}{
		{&m.skuGenerated, "sku_generated_total", "SKU versions persisted", "{sku}"},
		{&m.skuRenderInvalid, "sku_render_invalid_total", "Rendered SKUs rejected by the template pattern", "{render}"},
		{&m.relationshipUpserts, "relationship_upserts_total", "Relationship upserts by outcome", "{edge}"},
		{&m.mirrorFailures, "relationship_mirror_failures_total", "Mirror edges that could not be written", "{edge}"},
		{&m.sequenceContention, "sequence_contention_total", "Sequence allocations that exhausted their retries", "{allocation}"},
		{&m.backfillRecords, "backfill_records_total", "Backfill records processed by outcome", "{record}"},
	}
	for _, c := range counters {
		*c.dst, err = NewCounter(meter, c.name, c.description, c.unit)
		if err != nil {
			return nil, err
		}
	}

	m.renderDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "sku_render_duration_seconds",
		Description: "Time spent rendering a SKU template",
		Unit:        "s",
		Boundaries:  SmallDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordSKUGenerated counts a persisted SKU version
func (m *EngineMetrics) RecordSKUGenerated(ctx context.Context, entityType string) {
	if m == nil {
		return
	}
	m.skuGenerated.Inc(ctx, AttrEntityType.String(entityType))
}

// RecordRenderInvalid counts a render rejected by the validation pattern
func (m *EngineMetrics) RecordRenderInvalid(ctx context.Context, entityType string) {
	if m == nil {
		return
	}
	m.skuRenderInvalid.Inc(ctx, AttrEntityType.String(entityType))
}

// RecordRenderDuration records how long a render took
func (m *EngineMetrics) RecordRenderDuration(ctx context.Context, entityType string, d time.Duration) {
	if m == nil {
		return
	}
	m.renderDuration.RecordDuration(ctx, d, AttrEntityType.String(entityType))
}

// RecordUpsert counts an edge upsert
func (m *EngineMetrics) RecordUpsert(ctx context.Context, relationshipType, outcome string, mirrored bool) {
	if m == nil {
		return
	}
	m.relationshipUpserts.Inc(ctx,
		AttrRelationshipType.String(relationshipType),
		AttrOutcome.String(outcome),
		AttrMirrored.Bool(mirrored),
	)
}

// RecordMirrorFailure counts a mirror edge write failure
func (m *EngineMetrics) RecordMirrorFailure(ctx context.Context, relationshipType string) {
	if m == nil {
		return
	}
	m.mirrorFailures.Inc(ctx, AttrRelationshipType.String(relationshipType))
}

// RecordSequenceContention counts an allocation that gave up retrying
func (m *EngineMetrics) RecordSequenceContention(ctx context.Context, scopeKind string) {
	if m == nil {
		return
	}
	m.sequenceContention.Inc(ctx, AttrScopeKind.String(scopeKind))
}

// RecordBackfillRecord counts a processed backfill record
func (m *EngineMetrics) RecordBackfillRecord(ctx context.Context, source, outcome string) {
	if m == nil {
		return
	}
	m.backfillRecords.Inc(ctx,
		AttrBackfillSource.String(source),
		AttrOutcome.String(outcome),
	)
}
