package relationship

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/erp/entitygraph/internal/domain/relationship"
	"github.com/erp/entitygraph/internal/domain/shared"
	"github.com/erp/entitygraph/internal/infrastructure/logger"
	"github.com/erp/entitygraph/internal/infrastructure/telemetry"
)

const defaultReconcilePageSize = 200

// ReconcileOptions controls a mirror reconciliation pass
type ReconcileOptions struct {
	// Repair writes the missing mirrors instead of only reporting them
	Repair   bool
	PageSize int
}

// ReconcileReport summarises a reconciliation pass
type ReconcileReport struct {
	Scanned  int
	Missing  []relationship.NaturalKey
	Repaired int
	Failed   int
}

// ReconcileMirrors scans live edges of bidirectional types and reports the
// ones whose reverse edge is missing. With Repair the missing mirrors are
// upserted and tagged with metadata.reconciledAt.
func (s *Service) ReconcileMirrors(ctx context.Context, opts ReconcileOptions) (ReconcileReport, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "relationship", "reconcile_mirrors",
		telemetry.WithAttribute("repair", opts.Repair),
	)
	defer span.End()

	var report ReconcileReport
	types := s.registry.Bidirectional()
	if len(types) == 0 {
		return report, nil
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultReconcilePageSize
	}

	var orphans []relationship.EntityRelationship
	for page := 1; ; page++ {
		edges, _, err := s.edges.Find(ctx, relationship.EdgeFilter{
			RelationshipTypes: types,
			Page:              shared.Page{Page: page, PageSize: pageSize},
		})
		if err != nil {
			telemetry.RecordError(span, err)
			return report, err
		}
		for i := range edges {
			report.Scanned++
			missing, err := s.mirrorMissing(ctx, &edges[i])
			if err != nil {
				telemetry.RecordError(span, err)
				return report, err
			}
			if missing {
				orphans = append(orphans, edges[i])
			}
		}
		if len(edges) < pageSize {
			break
		}
	}

	for i := range orphans {
		edge := &orphans[i]
		relType, _ := s.registry.Resolve(edge.RelationshipType)
		mirrorKey := edge.Key().Mirror(relType.ReverseTypeName)
		report.Missing = append(report.Missing, mirrorKey)
		if !opts.Repair {
			continue
		}
		if err := s.repairMirror(ctx, edge, relType); err != nil {
			report.Failed++
			s.mirrorFailed(ctx, mirrorKey, edge, err)
			continue
		}
		report.Repaired++
		s.recordAudit(ctx, relationship.AuditEntry{
			Event:  relationship.AuditMirrorRepaired,
			EdgeID: &edge.ID,
			Key:    mirrorKey,
			Detail: "mirror recreated by reconciliation",
		})
	}

	telemetry.SetAttributes(span, "scanned", report.Scanned, "missing", len(report.Missing), "repaired", report.Repaired)
	logger.WithLogger(ctx, s.logger).Info("mirror reconciliation finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("missing", len(report.Missing)),
		zap.Int("repaired", report.Repaired),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *Service) mirrorMissing(ctx context.Context, edge *relationship.EntityRelationship) (bool, error) {
	relType, err := s.registry.Resolve(edge.RelationshipType)
	if err != nil || !relType.IsBidirectional {
		return false, nil
	}
	mirrorKey := edge.Key().Mirror(relType.ReverseTypeName)
	if mirrorKey == edge.Key() {
		return false, nil
	}
	_, err = s.edges.FindByKey(ctx, mirrorKey)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, shared.ErrNotFound):
		return true, nil
	default:
		return false, err
	}
}

func (s *Service) repairMirror(ctx context.Context, edge *relationship.EntityRelationship, relType relationship.RelationshipType) error {
	reverse, ok := s.registry.ReverseOf(relType.Name)
	if !ok {
		return fmt.Errorf("%w: reverse type %q is not registered", shared.ErrConfig, relType.ReverseTypeName)
	}
	strength := edge.Strength
	priority := edge.Priority
	metadata := maps.Clone(edge.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata[relationship.MetaMirrorOf] = edge.ID.String()
	metadata[relationship.MetaReconciledAt] = s.now().UTC().Format(time.RFC3339)

	req := relationship.NewEdgeRequest{
		RelationshipType: reverse.Name,
		Source:           edge.Target(),
		Target:           edge.Source(),
		TenantID:         edge.TenantID,
		Strength:         &strength,
		Priority:         &priority,
		Metadata:         metadata,
		Tags:             slices.Clone(edge.Tags),
		ValidFrom:        edge.ValidFrom,
		ValidUntil:       edge.ValidUntil,
	}
	_, outcome, err := s.upsertWithRetry(ctx, req, reverse.DefaultStrength)
	s.metrics.RecordUpsert(ctx, reverse.Name, outcome, true)
	return err
}

// SoftDeleteMatching soft-deletes every live edge matching filter and returns
// how many were deleted. Each deletion is audited under event.
func (s *Service) SoftDeleteMatching(ctx context.Context, filter relationship.EdgeFilter, by, event string) (int, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "relationship", "soft_delete_matching")
	defer span.End()

	filter.IncludeDeleted = false
	filter.IncludeInactive = true
	filter.Page = shared.Page{}
	edges, _, err := s.edges.Find(ctx, filter)
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, err
	}

	deleted := 0
	for i := range edges {
		edge := &edges[i]
		if err := s.softDelete(ctx, edge, by); err != nil {
			telemetry.RecordError(span, err)
			return deleted, err
		}
		deleted++
		s.recordAudit(ctx, relationship.AuditEntry{
			Event:  event,
			EdgeID: &edge.ID,
			Key:    edge.Key(),
			Detail: fmt.Sprintf("deleted by %s", by),
		})
	}
	telemetry.SetAttribute(span, "deleted", deleted)
	return deleted, nil
}
