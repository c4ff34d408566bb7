package migration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/entitygraph/migrations"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"add edge index", "add_edge_index"},
		{"Add-Edge-Index", "add_edge_index"},
		{"ADD__EDGE__INDEX", "add_edge_index"},
		{"   spaces   ", "spaces"},
		{"special!@#$chars", "special_chars"},
		{"_leading and trailing_", "leading_and_trailing"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeName(tt.input))
		})
	}
}

func TestCreateMigration(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 7, 3, 12, 0, 0, 0, time.UTC)

	first, err := CreateMigration(dir, "add edge index", "Index edges by tenant", now)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, filepath.Join(dir, "000001_add_edge_index.up.sql"), first.UpPath)
	assert.Equal(t, filepath.Join(dir, "000001_add_edge_index.down.sql"), first.DownPath)

	up, err := os.ReadFile(first.UpPath)
	require.NoError(t, err)
	assert.Contains(t, string(up), "-- add_edge_index (up)")
	assert.Contains(t, string(up), "-- Created: 2024-07-03T12:00:00Z")
	assert.Contains(t, string(up), "-- Index edges by tenant")

	down, err := os.ReadFile(first.DownPath)
	require.NoError(t, err)
	assert.Contains(t, string(down), "(down)")

	second, err := CreateMigration(dir, "drop legacy", "", now)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)

	_, err = CreateMigration(dir, "!!!", "", now)
	assert.Error(t, err)
}

func TestCreateMigration_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "migrations")
	mf, err := CreateMigration(dir, "init", "", time.Now())
	require.NoError(t, err)
	assert.FileExists(t, mf.UpPath)
}

func TestListMigrations(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000002_second.up.sql",
		"000001_first.up.sql",
		"000001_first.down.sql",
		"README.md",
		"000003_broken.sql",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "000004_dir.up.sql"), 0o755))

	list, err := ListMigrations(os.DirFS(dir))
	require.NoError(t, err)
	assert.Equal(t, []MigrationInfo{
		{Version: 1, Name: "first", HasDown: true},
		{Version: 2, Name: "second"},
	}, list)

	missing, err := ListMigrations(os.DirFS(filepath.Join(dir, "missing")))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestEmbeddedMigrations(t *testing.T) {
	list, err := ListMigrations(migrations.FS)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for i, m := range list {
		assert.Equal(t, i+1, m.Version)
		assert.True(t, m.HasDown, "migration %d has a down file", m.Version)
	}
}
