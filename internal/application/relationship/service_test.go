package relationship

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/erp/entitygraph/internal/domain/relationship"
	"github.com/erp/entitygraph/internal/domain/shared"
	"github.com/erp/entitygraph/internal/infrastructure/memstore"
)

var testNow = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

func testRegistry(t *testing.T) *relationship.TypeRegistry {
	t.Helper()
	r, err := relationship.LoadTypes(
		relationship.RelationshipType{
			Name:            "assigned_to",
			DisplayName:     "Assigned to",
			SourceTypes:     []string{"Task"},
			TargetTypes:     []string{"User"},
			IsBidirectional: true,
			ReverseTypeName: "assigned",
			DefaultStrength: 4,
		},
		relationship.RelationshipType{
			Name:            "assigned",
			DisplayName:     "Assigned",
			SourceTypes:     []string{"User"},
			TargetTypes:     []string{"Task"},
			IsBidirectional: true,
			ReverseTypeName: "assigned_to",
			DefaultStrength: 4,
		},
		relationship.RelationshipType{
			Name:            "related_to",
			SourceTypes:     []string{"*"},
			TargetTypes:     []string{"*"},
			IsBidirectional: true,
			ReverseTypeName: "related_to",
			DefaultStrength: 2,
		},
		relationship.RelationshipType{
			Name:            "supplier",
			SourceTypes:     []string{"Contact", "Vendor"},
			TargetTypes:     []string{"Product"},
			DefaultStrength: 3,
		},
	)
	require.NoError(t, err)
	return r
}

type fixture struct {
	svc   *Service
	edges *memstore.EdgeStore
	audit *memstore.AuditLog
	logs  *observer.ObservedLogs
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	f := &fixture{
		edges: memstore.NewEdgeStore(),
		audit: memstore.NewAuditLog(),
		logs:  logs,
	}
	base := []Option{
		WithLogger(zap.New(core)),
		WithAuditLog(f.audit),
		WithClock(func() time.Time { return testNow }),
	}
	f.svc = NewService(testRegistry(t), f.edges, append(base, opts...)...)
	return f
}

func assign(taskID, userID string) relationship.NewEdgeRequest {
	return relationship.NewEdgeRequest{
		RelationshipType: "assigned_to",
		Source:           shared.NewEntityRef("Task", taskID),
		Target:           shared.NewEntityRef("User", userID),
	}
}

func TestService_Upsert_BidirectionalAssignment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	edge, err := f.svc.Upsert(ctx, assign("42", "7"))
	require.NoError(t, err)
	assert.Equal(t, 4, edge.Strength)
	assert.Equal(t, 1, edge.InteractionCount)

	related, err := f.svc.RelatedOf(ctx, shared.NewEntityRef("User", "7"), "assigned")
	require.NoError(t, err)
	assert.Equal(t, []shared.EntityRef{shared.NewEntityRef("Task", "42")}, related)

	mirror, err := f.edges.FindByKey(ctx, edge.Key().Mirror("assigned"))
	require.NoError(t, err)
	assert.Equal(t, edge.ID.String(), mirror.Metadata[relationship.MetaMirrorOf])
	assert.Equal(t, 2, f.edges.Len())
}

func TestService_Upsert_SameEdgeMerges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.Upsert(ctx, assign("42", "7"))
	require.NoError(t, err)

	strength := 2
	req := assign("42", "7")
	req.Strength = &strength
	req.Tags = []string{"urgent"}
	req.Metadata = map[string]any{"note": "reassigned"}
	second, err := f.svc.Upsert(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.InteractionCount)
	assert.Equal(t, 2, second.Strength)
	assert.Equal(t, []string{"urgent"}, second.Tags)
	assert.Equal(t, "reassigned", second.Metadata["note"])

	third, err := f.svc.Upsert(ctx, assign("42", "7"))
	require.NoError(t, err)
	assert.Equal(t, 3, third.InteractionCount)
	assert.Equal(t, 2, third.Strength, "strength is kept when not supplied")

	page, err := f.svc.Find(ctx, relationship.EdgeFilter{SourceType: "Task", SourceID: "42"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}

func TestService_Upsert_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var wg sync.WaitGroup
	ids := make(chan string, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			edge, err := f.svc.Upsert(ctx, assign("42", "7"))
			if assert.NoError(t, err) {
				ids <- edge.ID.String()
			}
		}()
	}
	wg.Wait()
	close(ids)

	unique := map[string]bool{}
	for id := range ids {
		unique[id] = true
	}
	assert.Len(t, unique, 1)

	edge, err := f.edges.FindByKey(ctx, assign("42", "7").Key())
	require.NoError(t, err)
	assert.Equal(t, 16, edge.InteractionCount)
}

func TestService_Upsert_IncompatibleTypesPersistsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Upsert(ctx, relationship.NewEdgeRequest{
		RelationshipType: "supplier",
		Source:           shared.NewEntityRef("Task", "1"),
		Target:           shared.NewEntityRef("Product", "2"),
	})
	assert.ErrorIs(t, err, shared.ErrIncompatibleTypes)
	assert.Zero(t, f.edges.Len())
}

func TestService_Upsert_UnknownTypeAndBadInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Upsert(ctx, relationship.NewEdgeRequest{
		RelationshipType: "owns",
		Source:           shared.NewEntityRef("Task", "1"),
		Target:           shared.NewEntityRef("User", "2"),
	})
	assert.ErrorIs(t, err, shared.ErrNotFound)

	strength := 9
	req := assign("1", "2")
	req.Strength = &strength
	_, err = f.svc.Upsert(ctx, req)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
	assert.Zero(t, f.edges.Len())
}

func TestService_Upsert_SymmetricSelfLoopWritesOneEdge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	self := shared.NewEntityRef("Task", "1")

	_, err := f.svc.Upsert(ctx, relationship.NewEdgeRequest{RelationshipType: "related_to", Source: self, Target: self})
	require.NoError(t, err)
	assert.Equal(t, 1, f.edges.Len())

	_, err = f.svc.Upsert(ctx, relationship.NewEdgeRequest{
		RelationshipType: "related_to",
		Source:           self,
		Target:           shared.NewEntityRef("Budget", "9"),
	})
	require.NoError(t, err)
	related, err := f.svc.RelatedOf(ctx, shared.NewEntityRef("Budget", "9"), "related_to")
	require.NoError(t, err)
	assert.Equal(t, []shared.EntityRef{self}, related)
}

func TestService_Upsert_RetriesLostInsertRace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithMaxRetries(2))

	var calls atomic.Int32
	f.edges.FailOn = func(key relationship.NaturalKey) error {
		if key.RelationshipType == "assigned_to" && calls.Add(1) == 1 {
			return shared.ErrConcurrencyConflict
		}
		return nil
	}

	edge, err := f.svc.Upsert(ctx, assign("42", "7"))
	require.NoError(t, err)
	assert.Equal(t, 1, edge.InteractionCount)
	assert.Equal(t, int32(2), calls.Load())
}

func TestService_Upsert_GivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithMaxRetries(1))
	f.edges.FailOn = func(relationship.NaturalKey) error { return shared.ErrConcurrencyConflict }

	_, err := f.svc.Upsert(ctx, assign("42", "7"))
	assert.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	assert.True(t, shared.IsRetryable(err))
}

func TestService_Upsert_MirrorFailureIsAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.edges.FailOn = func(key relationship.NaturalKey) error {
		if key.RelationshipType == "assigned" {
			return errors.New("connection reset")
		}
		return nil
	}

	edge, err := f.svc.Upsert(ctx, assign("42", "7"))
	require.NoError(t, err, "primary write succeeds when the mirror fails")
	assert.Equal(t, 1, f.edges.Len())

	warnings := f.logs.FilterMessage("mirror relationship write failed").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, zapcore.WarnLevel, warnings[0].Level)

	entries, err := f.audit.List(ctx, relationship.AuditMirrorWriteFailed, shared.Page{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, edge.ID, *entries[0].EdgeID)
	assert.Equal(t, "assigned", entries[0].Key.RelationshipType)
	assert.Contains(t, entries[0].Detail, "connection reset")
}

func TestService_SoftDelete_LeavesMirror(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	edge, err := f.svc.Upsert(ctx, assign("42", "7"))
	require.NoError(t, err)

	deleted, err := f.svc.SoftDelete(ctx, edge.ID, "admin")
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.False(t, deleted.IsActive)
	assert.Equal(t, "admin", deleted.DeletedBy)
	require.NotNil(t, deleted.DeletedAt)

	_, err = f.svc.SoftDelete(ctx, edge.ID, "admin")
	assert.ErrorIs(t, err, shared.ErrInvalidState)

	fromTask, err := f.svc.RelatedOf(ctx, shared.NewEntityRef("Task", "42"), "assigned_to")
	require.NoError(t, err)
	assert.Empty(t, fromTask)

	fromUser, err := f.svc.RelatedOf(ctx, shared.NewEntityRef("User", "7"), "assigned")
	require.NoError(t, err)
	assert.Len(t, fromUser, 1, "mirror keeps its own lifecycle")

	audit, err := f.svc.Find(ctx, relationship.EdgeFilter{SourceID: "42", IncludeDeleted: true, IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, audit.Items, 1)
}

func TestService_SoftDeletePair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	edge, err := f.svc.Upsert(ctx, assign("42", "7"))
	require.NoError(t, err)

	deleted, err := f.svc.SoftDeletePair(ctx, edge.ID, "admin")
	require.NoError(t, err)
	assert.Len(t, deleted, 2)

	fromUser, err := f.svc.RelatedOf(ctx, shared.NewEntityRef("User", "7"), "assigned")
	require.NoError(t, err)
	assert.Empty(t, fromUser)
}

func TestService_RelatedOf_TemporalValidityAndOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)
	high := 10

	_, err := f.svc.Upsert(ctx, relationship.NewEdgeRequest{
		RelationshipType: "assigned", Source: shared.NewEntityRef("User", "7"), Target: shared.NewEntityRef("Task", "1"), ValidFrom: ptr(past.Add(-time.Hour)), ValidUntil: &past,
	})
	require.NoError(t, err)

	_, err = f.svc.Upsert(ctx, relationship.NewEdgeRequest{
		RelationshipType: "assigned", Source: shared.NewEntityRef("User", "7"), Target: shared.NewEntityRef("Task", "2"), ValidFrom: &future,
	})
	require.NoError(t, err)

	_, err = f.svc.Upsert(ctx, relationship.NewEdgeRequest{
		RelationshipType: "assigned", Source: shared.NewEntityRef("User", "7"), Target: shared.NewEntityRef("Task", "3"),
	})
	require.NoError(t, err)

	_, err = f.svc.Upsert(ctx, relationship.NewEdgeRequest{
		RelationshipType: "assigned", Source: shared.NewEntityRef("User", "7"), Target: shared.NewEntityRef("Task", "4"), Priority: &high,
	})
	require.NoError(t, err)

	related, err := f.svc.RelatedOf(ctx, shared.NewEntityRef("User", "7"), "assigned")
	require.NoError(t, err)
	assert.Equal(t, []shared.EntityRef{
		shared.NewEntityRef("Task", "4"),
		shared.NewEntityRef("Task", "3"),
	}, related)
}

func ptr[T any](v T) *T { return &v }

func TestService_Find_PagingDefaults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithPageSizes(2, 3))
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		_, err := f.svc.Upsert(ctx, assign(id, "7"))
		require.NoError(t, err)
	}

	page, err := f.svc.Find(ctx, relationship.EdgeFilter{RelationshipType: "assigned_to"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 3, page.TotalPages)

	clamped, err := f.svc.Find(ctx, relationship.EdgeFilter{
		RelationshipType: "assigned_to",
		Page:             shared.Page{Page: 1, PageSize: 100},
	})
	require.NoError(t, err)
	assert.Len(t, clamped.Items, 3)
}

func TestService_ReconcileMirrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.edges.FailOn = func(key relationship.NaturalKey) error {
		if key.RelationshipType == "assigned" {
			return errors.New("unavailable")
		}
		return nil
	}
	for _, id := range []string{"1", "2", "3"} {
		_, err := f.svc.Upsert(ctx, assign(id, "7"))
		require.NoError(t, err)
	}
	f.edges.FailOn = nil

	report, err := f.svc.ReconcileMirrors(ctx, ReconcileOptions{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Len(t, report.Missing, 3)
	assert.Zero(t, report.Repaired)

	report, err = f.svc.ReconcileMirrors(ctx, ReconcileOptions{Repair: true, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Repaired)

	related, err := f.svc.RelatedOf(ctx, shared.NewEntityRef("User", "7"), "assigned")
	require.NoError(t, err)
	assert.Len(t, related, 3)

	mirror, err := f.edges.FindByKey(ctx, assign("1", "7").Key().Mirror("assigned"))
	require.NoError(t, err)
	assert.Equal(t, testNow.Format(time.RFC3339), mirror.Metadata[relationship.MetaReconciledAt])

	repaired, err := f.audit.List(ctx, relationship.AuditMirrorRepaired, shared.Page{})
	require.NoError(t, err)
	assert.Len(t, repaired, 3)

	again, err := f.svc.ReconcileMirrors(ctx, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, 6, again.Scanned)
	assert.Empty(t, again.Missing)
}

func TestService_SoftDeleteMatching(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	marked := assign("1", "7")
	marked.Metadata = map[string]any{relationship.MetaMigratedFrom: "name_matching"}
	_, err := f.svc.Upsert(ctx, marked)
	require.NoError(t, err)
	_, err = f.svc.Upsert(ctx, assign("2", "7"))
	require.NoError(t, err)

	n, err := f.svc.SoftDeleteMatching(ctx, relationship.EdgeFilter{
		MetadataEquals: map[string]string{relationship.MetaMigratedFrom: "name_matching"},
	}, "auditor", relationship.AuditProvenanceRevert)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the mirror carries the same provenance")

	remaining, err := f.svc.Find(ctx, relationship.EdgeFilter{RelationshipType: "assigned_to"})
	require.NoError(t, err)
	require.Len(t, remaining.Items, 1)
	assert.Equal(t, "2", remaining.Items[0].SourceID)

	reverted, err := f.audit.List(ctx, relationship.AuditProvenanceRevert, shared.Page{})
	require.NoError(t, err)
	assert.Len(t, reverted, 2)
}
