package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/entitygraph/internal/domain/relationship"
	"github.com/erp/entitygraph/internal/domain/shared"
)

func edgeRequest(relType, sourceKind, sourceID, targetKind, targetID string) relationship.NewEdgeRequest {
	return relationship.NewEdgeRequest{
		RelationshipType: relType,
		Source:           shared.NewEntityRef(sourceKind, sourceID),
		Target:           shared.NewEntityRef(targetKind, targetID),
	}
}

// upsertFn mirrors the service's insert-or-merge decision
func upsertFn(req relationship.NewEdgeRequest, now time.Time) relationship.UpsertFunc {
	return func(existing *relationship.EntityRelationship) (*relationship.EntityRelationship, error) {
		if existing == nil {
			return relationship.NewEntityRelationship(req, 3, now), nil
		}
		existing.Merge(req, now)
		return existing, nil
	}
}

func TestGormEdgeRepository_Upsert(t *testing.T) {
	ctx := context.Background()
	repo := NewGormEdgeRepository(newTestDB(t))
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	req := edgeRequest("assigned_to", "Task", "42", "User", "7")
	req.Metadata = map[string]any{"role": "owner"}
	req.Tags = []string{"sprint-1"}

	first, err := repo.Upsert(ctx, req.Key(), upsertFn(req, now))
	require.NoError(t, err)
	assert.Equal(t, 1, first.InteractionCount)
	assert.Equal(t, 3, first.Strength)

	strength := 5
	again := req
	again.Strength = &strength
	again.Metadata = map[string]any{"note": "reassigned"}
	again.Tags = []string{"urgent"}

	second, err := repo.Upsert(ctx, req.Key(), upsertFn(again, now.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	stored, err := repo.FindByKey(ctx, req.Key())
	require.NoError(t, err)
	assert.Equal(t, 2, stored.InteractionCount)
	assert.Equal(t, 5, stored.Strength)
	assert.Equal(t, "owner", stored.Metadata["role"])
	assert.Equal(t, "reassigned", stored.Metadata["note"])
	assert.ElementsMatch(t, []string{"sprint-1", "urgent"}, stored.Tags)
	assert.True(t, stored.LastInteractionAt.Equal(now.Add(time.Hour)))

	_, total, err := repo.Find(ctx, relationship.EdgeFilter{SourceType: "Task", SourceID: "42"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestGormEdgeRepository_UpsertAfterSoftDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewGormEdgeRepository(newTestDB(t))
	now := time.Now().UTC()
	req := edgeRequest("belongs_to", "Product", "p1", "Category", "c1")

	edge, err := repo.Upsert(ctx, req.Key(), upsertFn(req, now))
	require.NoError(t, err)
	require.NoError(t, edge.SoftDelete("ops", now))
	require.NoError(t, repo.Save(ctx, edge))

	_, err = repo.FindByKey(ctx, req.Key())
	assert.ErrorIs(t, err, shared.ErrNotFound)

	fresh, err := repo.Upsert(ctx, req.Key(), upsertFn(req, now))
	require.NoError(t, err)
	assert.NotEqual(t, edge.ID, fresh.ID)
	assert.Equal(t, 1, fresh.InteractionCount)

	deleted, err := repo.FindByID(ctx, edge.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Equal(t, "ops", deleted.DeletedBy)

	_, total, err := repo.Find(ctx, relationship.EdgeFilter{SourceID: "p1", IncludeDeleted: true, IncludeInactive: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestGormEdgeRepository_DuplicateInsertIsConflict(t *testing.T) {
	ctx := context.Background()
	repo := NewGormEdgeRepository(newTestDB(t))
	now := time.Now().UTC()
	req := edgeRequest("assigned_to", "Task", "1", "User", "2")

	_, err := repo.Upsert(ctx, req.Key(), upsertFn(req, now))
	require.NoError(t, err)

	// a writer that believes no row exists loses on the unique index
	_, err = repo.Upsert(ctx, req.Key(), func(*relationship.EntityRelationship) (*relationship.EntityRelationship, error) {
		return relationship.NewEntityRelationship(req, 3, now), nil
	})
	assert.ErrorIs(t, err, shared.ErrConcurrencyConflict)
}

func TestGormEdgeRepository_ConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	repo := NewGormEdgeRepository(newTestDB(t))
	req := edgeRequest("assigned_to", "Task", "9", "User", "3")

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Upsert(ctx, req.Key(), upsertFn(req, time.Now().UTC()))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := repo.FindByKey(ctx, req.Key())
	require.NoError(t, err)
	assert.Equal(t, n, stored.InteractionCount)
}

func TestGormEdgeRepository_Find(t *testing.T) {
	ctx := context.Background()
	repo := NewGormEdgeRepository(newTestDB(t))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	seed := func(targetID string, priority, strength int, tags []string, created time.Time, meta map[string]any) *relationship.EntityRelationship {
		req := edgeRequest("related_to", "Project", "p1", "Budget", targetID)
		req.Priority = &priority
		req.Strength = &strength
		req.Tags = tags
		req.Metadata = meta
		edge, err := repo.Upsert(ctx, req.Key(), upsertFn(req, created))
		require.NoError(t, err)
		return edge
	}
	seed("b1", 0, 2, []string{"finance"}, base, map[string]any{"migratedFrom": "name_matching"})
	seed("b2", 10, 4, []string{"finance", "q1"}, base.Add(time.Minute), nil)
	seed("b3", 0, 5, nil, base.Add(2*time.Minute), nil)
	inactive := seed("b4", 0, 5, nil, base.Add(3*time.Minute), nil)
	inactive.IsActive = false
	require.NoError(t, repo.Save(ctx, inactive))

	ids := func(edges []relationship.EntityRelationship) []string {
		out := make([]string, len(edges))
		for i, e := range edges {
			out[i] = e.TargetID
		}
		return out
	}

	t.Run("ordering priority desc then created asc", func(t *testing.T) {
		edges, total, err := repo.Find(ctx, relationship.EdgeFilter{SourceType: "Project", SourceID: "p1"})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		assert.Equal(t, []string{"b2", "b1", "b3"}, ids(edges))
	})

	t.Run("tags all present", func(t *testing.T) {
		edges, _, err := repo.Find(ctx, relationship.EdgeFilter{Tags: []string{"finance", "q1"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"b2"}, ids(edges))
	})

	t.Run("min strength", func(t *testing.T) {
		min := 4
		edges, _, err := repo.Find(ctx, relationship.EdgeFilter{MinStrength: &min})
		require.NoError(t, err)
		assert.Equal(t, []string{"b2", "b3"}, ids(edges))
	})

	t.Run("metadata equals", func(t *testing.T) {
		edges, _, err := repo.Find(ctx, relationship.EdgeFilter{MetadataEquals: map[string]string{"migratedFrom": "name_matching"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"b1"}, ids(edges))
	})

	t.Run("include inactive", func(t *testing.T) {
		_, total, err := repo.Find(ctx, relationship.EdgeFilter{IncludeInactive: true})
		require.NoError(t, err)
		assert.Equal(t, int64(4), total)
	})

	t.Run("paging", func(t *testing.T) {
		edges, total, err := repo.Find(ctx, relationship.EdgeFilter{Page: shared.Page{Page: 2, PageSize: 2}})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		assert.Equal(t, []string{"b3"}, ids(edges))
	})
}

func TestGormEdgeRepository_SaveMissing(t *testing.T) {
	repo := NewGormEdgeRepository(newTestDB(t))
	edge := relationship.NewEntityRelationship(edgeRequest("x", "A", "1", "B", "2"), 3, time.Now())
	err := repo.Save(context.Background(), edge)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestGormEdgeRepository_PostgresLocksNaturalKey(t *testing.T) {
	db, mock, mockDB := newMockPostgres(t)
	defer mockDB.Close()
	repo := NewGormEdgeRepository(db)
	req := edgeRequest("assigned_to", "Task", "42", "User", "7")
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "entity_relationships" WHERE .*is_deleted = \$7 LIMIT \$8 FOR UPDATE`).
		WithArgs("", "Task", "42", "User", "7", "assigned_to", false, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO "entity_relationships"`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	edge, err := repo.Upsert(context.Background(), req.Key(), upsertFn(req, now))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, edge.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormAuditLog(t *testing.T) {
	ctx := context.Background()
	log := NewGormAuditLog(newTestDB(t))
	key := edgeRequest("assigned_to", "Task", "42", "User", "7").Key()
	now := time.Now().UTC()

	require.NoError(t, log.Record(ctx, relationship.AuditEntry{Event: relationship.AuditMirrorWriteFailed, Key: key.Mirror("assignee_of"), Detail: "boom", OccurredAt: now}))
	require.NoError(t, log.Record(ctx, relationship.AuditEntry{Event: relationship.AuditMirrorRepaired, Key: key, OccurredAt: now.Add(time.Second)}))

	failed, err := log.List(ctx, relationship.AuditMirrorWriteFailed, shared.Page{})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "User", failed[0].Key.SourceType)
	assert.Equal(t, "boom", failed[0].Detail)
	assert.NotEqual(t, uuid.Nil, failed[0].ID)

	all, err := log.List(ctx, "", shared.Page{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, relationship.AuditMirrorRepaired, all[0].Event)
}

func TestGormRelationshipTypeRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewGormRelationshipTypeRepository(newTestDB(t))

	types := []relationship.RelationshipType{
		{Name: "assigned_to", DisplayName: "Assigned to", SourceTypes: []string{"Task"}, TargetTypes: []string{"User"}, IsBidirectional: true, ReverseTypeName: "assignee_of", DefaultStrength: 3},
		{Name: "assignee_of", DisplayName: "Assignee of", SourceTypes: []string{"User"}, TargetTypes: []string{"Task"}, IsBidirectional: true, ReverseTypeName: "assigned_to", DefaultStrength: 3},
	}
	require.NoError(t, repo.SaveAll(ctx, types))

	types[0].DisplayName = "Assigned"
	require.NoError(t, repo.SaveAll(ctx, types[:1]))

	stored, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "Assigned", stored[0].DisplayName)
	assert.Equal(t, []string{"User"}, stored[1].SourceTypes)
	assert.True(t, stored[1].Equal(types[1]))
}
