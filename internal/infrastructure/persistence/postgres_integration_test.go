//go:build integration

package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/erp/entitygraph/internal/domain/relationship"
	"github.com/erp/entitygraph/internal/domain/shared"
	"github.com/erp/entitygraph/internal/infrastructure/migration"
	"github.com/erp/entitygraph/migrations"
)

// newPostgresDB starts a postgres container and applies the embedded migrations
func newPostgresDB(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("entitygraph_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := gorm.Open(gormpostgres.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	m, err := migration.NewFromFS(sqlDB, migrations.FS, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Up())
	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), version)

	return db
}

func TestPostgres_EdgeRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	db := newPostgresDB(t)
	repo := NewGormEdgeRepository(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	req := edgeRequest("assigned_to", "Task", "1", "User", "u1")
	req.Metadata = map[string]any{relationship.MetaMigratedFrom: "legacy:task_assignees"}

	t.Run("concurrent upserts converge on one edge", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					_, err := repo.Upsert(ctx, req.Key(), upsertFn(req, now))
					if err == nil || !assert.ErrorIs(t, err, shared.ErrConcurrencyConflict) {
						return
					}
				}
			}()
		}
		wg.Wait()

		edges, total, err := repo.Find(ctx, relationship.EdgeFilter{SourceType: "Task", SourceID: "1"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, edges, 1)
		assert.Equal(t, 10, edges[0].InteractionCount)
	})

	t.Run("metadata filter uses jsonb", func(t *testing.T) {
		edges, total, err := repo.Find(ctx, relationship.EdgeFilter{
			MetadataEquals: map[string]string{relationship.MetaMigratedFrom: "legacy:task_assignees"},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		assert.Equal(t, "u1", edges[0].TargetID)
	})

	t.Run("soft deleted key can be recreated", func(t *testing.T) {
		edge, err := repo.FindByKey(ctx, req.Key())
		require.NoError(t, err)
		require.NoError(t, edge.SoftDelete("tester", now))
		require.NoError(t, repo.Save(ctx, edge))

		fresh, err := repo.Upsert(ctx, req.Key(), upsertFn(req, now))
		require.NoError(t, err)
		assert.NotEqual(t, edge.ID, fresh.ID)
		assert.Equal(t, 1, fresh.InteractionCount)
	})
}

func TestPostgres_SequenceStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	store := NewGormSequenceStore(newPostgresDB(t))

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int64]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := store.Increment(ctx, "Product.brand_category", "ACME|ELEC")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	last, err := store.Peek(ctx, "Product.brand_category", "ACME|ELEC")
	require.NoError(t, err)
	assert.Equal(t, int64(n), last)
}

func TestPostgres_SKURepository(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	db := newPostgresDB(t)
	now := time.Now().UTC().Truncate(time.Microsecond)
	tmpl := productTemplate(now)
	require.NoError(t, NewGormTemplateRepository(db).Save(ctx, tmpl))

	repo := NewGormEntitySKURepository(db)
	for i, value := range []string{"T00001", "T00002", "T00003"} {
		v, err := repo.Append(ctx, "", "Product", "p1", nextVersion(tmpl, value, now.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, i+1, v.Version)
	}

	history, err := repo.History(ctx, "", "Product", "p1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	active := 0
	for _, h := range history {
		if h.IsActive {
			active++
			assert.Equal(t, "T00003", h.SKUValue)
		}
	}
	assert.Equal(t, 1, active)
}

func TestPostgres_EntityLookup(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	db := newPostgresDB(t)

	require.NoError(t, db.Exec(`CREATE TABLE categories (id TEXT PRIMARY KEY, name TEXT, code TEXT)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE products (id TEXT PRIMARY KEY, name TEXT, status TEXT, category_id TEXT, created_at TIMESTAMPTZ)`).Error)
	require.NoError(t, db.Exec(`INSERT INTO categories VALUES ('c1', 'Electronics', 'ELEC')`).Error)
	require.NoError(t, db.Exec(`INSERT INTO products VALUES ('p1', 'Widget', 'Active', 'c1', NOW())`).Error)

	lookup := NewGormEntityLookup(db, []EntityTable{
		{Kind: "Product", Table: "products", Embeds: map[string]Embed{
			"category": {Kind: "Category", Column: "category_id"},
		}},
		{Kind: "Category", Table: "categories"},
	})

	attrs, err := lookup.Load(ctx, shared.NewEntityRef("Product", "p1"))
	require.NoError(t, err)
	assert.Equal(t, "Widget", attrs["name"])
	code, ok := attrs.GetString("category.code")
	assert.True(t, ok)
	assert.Equal(t, "ELEC", code)

	exists, err := lookup.Exists(ctx, shared.NewEntityRef("Product", "missing"))
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = lookup.Load(ctx, shared.NewEntityRef("Product", "missing"))
	assert.ErrorIs(t, err, shared.ErrNotFound)
}
