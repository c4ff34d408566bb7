// Package relationship implements the edge store operations over the
// relationship domain: validated upserts with mirroring, filtered reads,
// soft deletion and mirror reconciliation.
package relationship

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/entitygraph/internal/domain/relationship"
	"github.com/erp/entitygraph/internal/domain/shared"
	"github.com/erp/entitygraph/internal/infrastructure/logger"
	"github.com/erp/entitygraph/internal/infrastructure/telemetry"
)

const (
	defaultUpsertRetries = 3
	defaultPageSize      = 50
	defaultMaxPageSize   = 500
)

// Service is the entity relationship store
type Service struct {
	registry        *relationship.TypeRegistry
	edges           relationship.EdgeRepository
	audit           relationship.AuditLog
	metrics         *telemetry.EngineMetrics
	logger          *zap.Logger
	now             func() time.Time
	maxRetries      int
	defaultPageSize int
	maxPageSize     int
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAuditLog records mirror failures and repairs in audit
func WithAuditLog(audit relationship.AuditLog) Option {
	return func(s *Service) {
		s.audit = audit
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *telemetry.EngineMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxRetries sets how many times an upsert is retried after losing an insert race
func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithPageSizes sets the default and maximum page size for Find
func WithPageSizes(defaultSize, maxSize int) Option {
	return func(s *Service) {
		if defaultSize > 0 {
			s.defaultPageSize = defaultSize
		}
		if maxSize > 0 {
			s.maxPageSize = maxSize
		}
	}
}

// NewService creates a relationship service. The registry must be activated.
func NewService(registry *relationship.TypeRegistry, edges relationship.EdgeRepository, opts ...Option) *Service {
	s := &Service{
		registry:        registry,
		edges:           edges,
		logger:          zap.NewNop(),
		now:             time.Now,
		maxRetries:      defaultUpsertRetries,
		defaultPageSize: defaultPageSize,
		maxPageSize:     defaultMaxPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the relationship type catalog the service validates against
func (s *Service) Registry() *relationship.TypeRegistry {
	return s.registry
}

// Upsert creates the edge or merges into the live edge with the same natural
// key. Bidirectional types also get the reverse edge written; a failed mirror
// write is logged and audited but does not fail the primary write.
func (s *Service) Upsert(ctx context.Context, req relationship.NewEdgeRequest) (*relationship.EntityRelationship, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "relationship", "upsert",
		telemetry.WithAttribute(telemetry.SpanAttrRelationshipType, req.RelationshipType),
		telemetry.WithAttribute(telemetry.SpanAttrSource, req.Source.String()),
		telemetry.WithAttribute(telemetry.SpanAttrTarget, req.Target.String()),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := s.registry.ValidateEdge(req.RelationshipType, req.Source.Kind, req.Target.Kind); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	relType, err := s.registry.Resolve(req.RelationshipType)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	edge, outcome, err := s.upsertWithRetry(ctx, req, relType.DefaultStrength)
	s.metrics.RecordUpsert(ctx, req.RelationshipType, outcome, false)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetAttribute(span, telemetry.SpanAttrEdgeID, edge.ID.String())

	if relType.IsBidirectional {
		s.writeMirror(ctx, req, edge, relType)
	}
	return edge, nil
}

func (s *Service) writeMirror(ctx context.Context, req relationship.NewEdgeRequest, primary *relationship.EntityRelationship, relType relationship.RelationshipType) {
	mirrorKey := primary.Key().Mirror(relType.ReverseTypeName)
	if mirrorKey == primary.Key() {
		return
	}
	reverse, ok := s.registry.ReverseOf(relType.Name)
	if !ok {
		s.mirrorFailed(ctx, mirrorKey, primary, fmt.Errorf("%w: reverse type %q is not registered", shared.ErrConfig, relType.ReverseTypeName))
		return
	}

	mirrorReq := req.MirrorRequest(reverse.Name)
	if mirrorReq.Metadata == nil {
		mirrorReq.Metadata = map[string]any{}
	}
	mirrorReq.Metadata[relationship.MetaMirrorOf] = primary.ID.String()

	_, outcome, err := s.upsertWithRetry(ctx, mirrorReq, reverse.DefaultStrength)
	s.metrics.RecordUpsert(ctx, reverse.Name, outcome, true)
	if err != nil {
		s.mirrorFailed(ctx, mirrorKey, primary, err)
	}
}

func (s *Service) mirrorFailed(ctx context.Context, mirrorKey relationship.NaturalKey, primary *relationship.EntityRelationship, cause error) {
	err := fmt.Errorf("%w: %s: %v", shared.ErrMirrorWriteFailed, mirrorKey, cause)
	logger.WithLogger(ctx, s.logger).Warn("mirror relationship write failed",
		zap.String("primary_id", primary.ID.String()),
		zap.String("mirror_key", mirrorKey.String()),
		zap.Error(err),
	)
	s.metrics.RecordMirrorFailure(ctx, mirrorKey.RelationshipType)
	s.recordAudit(ctx, relationship.AuditEntry{
		Event:  relationship.AuditMirrorWriteFailed,
		EdgeID: &primary.ID,
		Key:    mirrorKey,
		Detail: err.Error(),
	})
}

func (s *Service) recordAudit(ctx context.Context, entry relationship.AuditEntry) {
	if s.audit == nil {
		return
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = s.now()
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		logger.WithLogger(ctx, s.logger).Error("failed to record relationship audit entry",
			zap.String("event", entry.Event),
			zap.Error(err),
		)
	}
}

// upsertWithRetry runs the repository upsert, re-reading and merging when a
// concurrent writer inserted the same key first.
func (s *Service) upsertWithRetry(ctx context.Context, req relationship.NewEdgeRequest, defaultStrength int) (*relationship.EntityRelationship, string, error) {
	key := req.Key()
	for attempt := 0; ; attempt++ {
		outcome := telemetry.OutcomeCreated
		edge, err := s.edges.Upsert(ctx, key, func(existing *relationship.EntityRelationship) (*relationship.EntityRelationship, error) {
			now := s.now()
			if existing == nil {
				outcome = telemetry.OutcomeCreated
				return relationship.NewEntityRelationship(req, defaultStrength, now), nil
			}
			outcome = telemetry.OutcomeMerged
			existing.Merge(req, now)
			return existing, nil
		})
		if err == nil {
			return edge, outcome, nil
		}
		if !errors.Is(err, shared.ErrConcurrencyConflict) || attempt >= s.maxRetries {
			return nil, telemetry.OutcomeFailed, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, telemetry.OutcomeFailed, ctxErr
		}
		logger.WithLogger(ctx, s.logger).Debug("relationship upsert lost insert race, retrying",
			zap.String("key", key.String()),
			zap.Int("attempt", attempt+1),
		)
	}
}

// Find returns edges matching filter, one page at a time
func (s *Service) Find(ctx context.Context, filter relationship.EdgeFilter) (shared.Paginated[relationship.EntityRelationship], error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "relationship", "find")
	defer span.End()

	filter.Page = filter.Page.Normalize(s.defaultPageSize, s.maxPageSize)
	items, total, err := s.edges.Find(ctx, filter)
	if err != nil {
		telemetry.RecordError(span, err)
		return shared.Paginated[relationship.EntityRelationship]{}, err
	}
	return shared.NewPaginated(items, total, filter.Page.Page, filter.Page.PageSize), nil
}

// SoftDelete marks one edge deleted. The mirror edge is left untouched;
// use SoftDeletePair to remove both directions.
func (s *Service) SoftDelete(ctx context.Context, id uuid.UUID, by string) (*relationship.EntityRelationship, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "relationship", "soft_delete",
		telemetry.WithAttribute(telemetry.SpanAttrEdgeID, id.String()),
	)
	defer span.End()

	edge, err := s.edges.FindByID(ctx, id)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := s.softDelete(ctx, edge, by); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return edge, nil
}

func (s *Service) softDelete(ctx context.Context, edge *relationship.EntityRelationship, by string) error {
	if err := edge.SoftDelete(by, s.now()); err != nil {
		return err
	}
	if err := s.edges.Save(ctx, edge); err != nil {
		return err
	}
	logger.WithLogger(ctx, s.logger).Info("relationship soft deleted",
		zap.String("edge_id", edge.ID.String()),
		zap.String("key", edge.Key().String()),
		zap.String("deleted_by", by),
	)
	return nil
}

// SoftDeletePair deletes an edge and, for bidirectional types, its live mirror.
// A missing mirror is not an error.
func (s *Service) SoftDeletePair(ctx context.Context, id uuid.UUID, by string) ([]relationship.EntityRelationship, error) {
	edge, err := s.SoftDelete(ctx, id, by)
	if err != nil {
		return nil, err
	}
	deleted := []relationship.EntityRelationship{*edge}

	relType, err := s.registry.Resolve(edge.RelationshipType)
	if err != nil || !relType.IsBidirectional {
		return deleted, nil
	}
	mirrorKey := edge.Key().Mirror(relType.ReverseTypeName)
	if mirrorKey == edge.Key() {
		return deleted, nil
	}
	mirror, err := s.edges.FindByKey(ctx, mirrorKey)
	if errors.Is(err, shared.ErrNotFound) {
		return deleted, nil
	}
	if err != nil {
		return deleted, err
	}
	if err := s.softDelete(ctx, mirror, by); err != nil {
		return deleted, err
	}
	return append(deleted, *mirror), nil
}

// RelatedOf returns the targets of effective edges of relType leaving ref,
// ordered by priority desc then creation time.
func (s *Service) RelatedOf(ctx context.Context, ref shared.EntityRef, relType string) ([]shared.EntityRef, error) {
	return s.RelatedOfInTenant(ctx, "", ref, relType)
}

// RelatedOfInTenant is RelatedOf restricted to one tenant; an empty tenant matches any
func (s *Service) RelatedOfInTenant(ctx context.Context, tenantID string, ref shared.EntityRef, relType string) ([]shared.EntityRef, error) {
	now := s.now()
	edges, _, err := s.edges.Find(ctx, relationship.EdgeFilter{
		TenantID:         tenantID,
		SourceType:       ref.Kind,
		SourceID:         ref.ID,
		RelationshipType: relType,
		EffectiveAt:      &now,
	})
	if err != nil {
		return nil, err
	}
	relationship.SortEdges(edges)
	out := make([]shared.EntityRef, 0, len(edges))
	for i := range edges {
		if edges[i].IsEffective(now) {
			out = append(out, edges[i].Target())
		}
	}
	return out, nil
}
