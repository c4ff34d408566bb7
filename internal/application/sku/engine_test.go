package sku

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relationshipapp "github.com/erp/entitygraph/internal/application/relationship"
	"github.com/erp/entitygraph/internal/domain/relationship"
	"github.com/erp/entitygraph/internal/domain/shared"
	"github.com/erp/entitygraph/internal/domain/sku"
	"github.com/erp/entitygraph/internal/infrastructure/cache"
	"github.com/erp/entitygraph/internal/infrastructure/memstore"
)

var refDate = time.Date(2024, 7, 3, 15, 4, 5, 0, time.UTC)

type engineFixture struct {
	engine    *Engine
	entities  *memstore.EntityStore
	templates *memstore.TemplateStore
	skus      *memstore.SKUStore
	seq       *cache.InMemorySequenceStore
	relations *relationshipapp.Service
}

func newEngineFixture(t *testing.T, templates ...*sku.SKUTemplate) *engineFixture {
	t.Helper()
	registry, err := relationship.LoadTypes(relationship.RelationshipType{
		Name:            "supplied_by",
		SourceTypes:     []string{"Product"},
		TargetTypes:     []string{"Vendor"},
		DefaultStrength: 3,
	})
	require.NoError(t, err)

	f := &engineFixture{
		entities:  memstore.NewEntityStore(),
		templates: memstore.NewTemplateStore(),
		skus:      memstore.NewSKUStore(),
		seq:       cache.NewInMemorySequenceStore(),
	}
	for _, tmpl := range templates {
		require.NoError(t, f.templates.Save(context.Background(), tmpl))
	}
	clock := func() time.Time { return refDate }
	f.relations = relationshipapp.NewService(registry, memstore.NewEdgeStore(), relationshipapp.WithClock(clock))
	alloc := NewSequenceAllocator(f.seq, DefaultAllocatorConfig(), nil, nil)
	resolver := NewTemplateResolver(NewComponentResolverSet(f.relations, f.entities, alloc), nil, clock)
	f.engine = NewEngine(f.templates, f.skus, f.entities, resolver,
		WithEngineClock(clock),
		WithRelationshipTypes(registry),
	)
	return f
}

func defaultTemplate(entityType, name, text string, components map[string]sku.ComponentSpec) *sku.SKUTemplate {
	tmpl := sku.NewSKUTemplate(entityType, name, text, components, refDate)
	tmpl.IsDefault = true
	return tmpl
}

func productTemplate(scope sku.SequenceScope) *sku.SKUTemplate {
	return defaultTemplate("Product", "product", fmt.Sprintf("{type_prefix}{sequence:5,%s}", scope), map[string]sku.ComponentSpec{
		"type_prefix": {
			Kind:      sku.KindEntityField,
			Field:     "type",
			Transform: sku.LiteralMap(map[string]string{"TERMINADO": "T", "MATERIA_PRIMA": "M"}),
		},
	})
}

func product(category string) shared.Attributes {
	return shared.Attributes{
		"type": "TERMINADO",
		"category": map[string]any{
			"name":         category,
			"abbreviation": Abbreviate(category),
		},
	}
}

func TestEngine_Generate_SimpleSKU(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, productTemplate(sku.ScopeGlobal))
	f.entities.Put(shared.NewEntityRef("Product", "p1"), product("CAFE"))

	out, err := f.engine.Generate(ctx, "Product", "p1")
	require.NoError(t, err)
	assert.Equal(t, "T00001", out.SKUValue)
	assert.Equal(t, 1, out.Version)
	assert.True(t, out.IsActive)
	assert.Equal(t, map[string]string{"type_prefix": "T", "sequence": "00001"}, out.Components)
}

func TestEngine_Generate_ScopedReset(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, productTemplate(sku.ScopeCategory))
	f.entities.Put(shared.NewEntityRef("Product", "coffee-1"), product("CAFE"))
	f.entities.Put(shared.NewEntityRef("Product", "coffee-2"), product("CAFE"))
	f.entities.Put(shared.NewEntityRef("Product", "tea-1"), product("TEA"))

	gen := func(id string) string {
		out, err := f.engine.Generate(ctx, "Product", id)
		require.NoError(t, err)
		return out.Components["sequence"]
	}
	assert.Equal(t, "00001", gen("coffee-1"))
	assert.Equal(t, "00001", gen("tea-1"))
	assert.Equal(t, "00002", gen("coffee-2"))

	last, err := f.seq.Peek(ctx, "Product.category", "CAF")
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestEngine_Generate_TenantScopedCounters(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, productTemplate(sku.ScopeGlobal))
	f.entities.Put(shared.NewEntityRef("Product", "p1"), product("CAFE"))

	a, err := f.engine.Generate(ctx, "Product", "p1", WithTenant("acme"))
	require.NoError(t, err)
	b, err := f.engine.Generate(ctx, "Product", "p1", WithTenant("globex"))
	require.NoError(t, err)

	assert.Equal(t, "T00001", a.SKUValue)
	assert.Equal(t, "T00001", b.SKUValue)
	assert.Equal(t, "acme", a.TenantID)
}

func TestEngine_Generate_ComposedTemplate(t *testing.T) {
	ctx := context.Background()
	tmpl := defaultTemplate("Product", "composed", "{cat}-{supplier}-{date:YYMM}-{sequence:3,brand_category}", map[string]sku.ComponentSpec{
		"cat":      {Kind: sku.KindCategoryCode, Length: 3},
		"supplier": {Kind: sku.KindRelationship, RelationshipType: "supplied_by", Field: "name", Transform: sku.NamedFunction(sku.TransformAbbreviate), Length: 3, Default: "GEN"},
		"date":     {Kind: sku.KindDate},
	})
	tmpl.ValidationPattern = `[A-Z]{3}-[A-Z]{1,3}-[0-9]{4}-[0-9]{3}`
	f := newEngineFixture(t, tmpl)

	attrs := product("CAFE")
	attrs["brand"] = map[string]any{"code": "NESC"}
	f.entities.Put(shared.NewEntityRef("Product", "p1"), attrs)
	f.entities.Put(shared.NewEntityRef("Product", "p2"), attrs)
	f.entities.Put(shared.NewEntityRef("Vendor", "v1"), shared.Attributes{"name": "Andes Coffee Traders"})

	_, err := f.relations.Upsert(ctx, relationship.NewEdgeRequest{
		RelationshipType: "supplied_by",
		Source:           shared.NewEntityRef("Product", "p1"),
		Target:           shared.NewEntityRef("Vendor", "v1"),
	})
	require.NoError(t, err)

	first, err := f.engine.Generate(ctx, "Product", "p1")
	require.NoError(t, err)
	assert.Equal(t, "CAF-ACT-2407-001", first.SKUValue)

	second, err := f.engine.Generate(ctx, "Product", "p2")
	require.NoError(t, err)
	assert.Equal(t, "CAF-GEN-2407-002", second.SKUValue, "missing relation falls back to the default")

	last, err := f.seq.Peek(ctx, "Product.brand_category", "NESC:CAF")
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestEngine_Generate_RelatedEntityGone(t *testing.T) {
	ctx := context.Background()
	tmpl := defaultTemplate("Product", "by_vendor", "{sup}-{sequence:3,global}", map[string]sku.ComponentSpec{
		"sup": {Kind: sku.KindRelationship, RelationshipType: "supplied_by", Field: "code", Length: 3, Default: "NOV"},
	})
	f := newEngineFixture(t, tmpl)
	f.entities.Put(shared.NewEntityRef("Product", "p1"), product("CAFE"))

	_, err := f.relations.Upsert(ctx, relationship.NewEdgeRequest{
		RelationshipType: "supplied_by",
		Source:           shared.NewEntityRef("Product", "p1"),
		Target:           shared.NewEntityRef("Vendor", "ghost"),
	})
	require.NoError(t, err)

	out, err := f.engine.Generate(ctx, "Product", "p1")
	require.NoError(t, err)
	assert.Equal(t, "NOV-001", out.SKUValue)
}

func TestEngine_Generate_InvalidRenderPersistsNothing(t *testing.T) {
	ctx := context.Background()
	tmpl := defaultTemplate("Product", "strict", "{cat}-{sequence:3}", map[string]sku.ComponentSpec{
		"cat": {Kind: sku.KindCategoryCode},
	})
	tmpl.ValidationPattern = `^[A-Z]{3}-[A-Z]{3}-[0-9]{3}-[0-9]{3}$`
	f := newEngineFixture(t, tmpl)
	f.entities.Put(shared.NewEntityRef("Product", "p1"), product("CAFE"))

	_, err := f.engine.Generate(ctx, "Product", "p1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrTemplateRenderInvalid))
	var invalid *sku.RenderInvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "CAF-001", invalid.Value)

	_, err = f.engine.Current(ctx, "Product", "p1")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestEngine_Generate_PatternIsWholeValue(t *testing.T) {
	ctx := context.Background()
	tmpl := defaultTemplate("Task", "task", "TASK-{sequence:4}", nil)
	tmpl.ValidationPattern = `[0-9]{4}`
	f := newEngineFixture(t, tmpl)
	f.entities.Put(shared.NewEntityRef("Task", "42"), shared.Attributes{})

	_, err := f.engine.Generate(ctx, "Task", "42")
	assert.ErrorIs(t, err, shared.ErrTemplateRenderInvalid)
}

func TestEngine_Generate_NoTemplate(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	f.entities.Put(shared.NewEntityRef("Task", "42"), shared.Attributes{})

	_, err := f.engine.Generate(ctx, "Task", "42")
	assert.ErrorIs(t, err, shared.ErrNoTemplateConfigured)

	_, err = f.engine.Preview(ctx, "Task", "42")
	assert.ErrorIs(t, err, shared.ErrNoTemplateConfigured)
}

func TestEngine_Generate_UnresolvedScope(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, defaultTemplate("Task", "task", "{sequence:3,project}", nil))
	f.entities.Put(shared.NewEntityRef("Task", "42"), shared.Attributes{"title": "no project"})

	_, err := f.engine.Generate(ctx, "Task", "42")
	assert.ErrorIs(t, err, shared.ErrScopeUnresolved)
	assert.Zero(t, f.seq.Len())
}

func TestEngine_Generate_VersionsAndExpiry(t *testing.T) {
	ctx := context.Background()
	tmpl := defaultTemplate("Task", "task", "T{sequence:5}", nil)
	tmpl.ExpiresAfter = 24 * time.Hour
	f := newEngineFixture(t, tmpl)
	f.entities.Put(shared.NewEntityRef("Task", "42"), shared.Attributes{})

	v1, err := f.engine.Generate(ctx, "Task", "42")
	require.NoError(t, err)
	v2, err := f.engine.Generate(ctx, "Task", "42")
	require.NoError(t, err)

	assert.Equal(t, "T00001", v1.SKUValue)
	assert.Equal(t, "T00002", v2.SKUValue)
	assert.Equal(t, 2, v2.Version)
	require.NotNil(t, v2.ExpiresAt)
	assert.Equal(t, refDate.Add(24*time.Hour), *v2.ExpiresAt)

	history, err := f.engine.History(ctx, "Task", "42")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].IsActive)

	current, err := f.engine.Current(ctx, "Task", "42")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, current.ID)
}

func TestEngine_Generate_SequenceFreeTemplateIsStable(t *testing.T) {
	ctx := context.Background()
	tmpl := defaultTemplate("Department", "dept", "DEP-{code}", map[string]sku.ComponentSpec{
		"code": {Kind: sku.KindEntityField, Field: "code", Length: 4},
	})
	f := newEngineFixture(t, tmpl)
	f.entities.Put(shared.NewEntityRef("Department", "d1"), shared.Attributes{"code": "finance"})

	a, err := f.engine.Generate(ctx, "Department", "d1")
	require.NoError(t, err)
	b, err := f.engine.Generate(ctx, "Department", "d1")
	require.NoError(t, err)
	assert.Equal(t, "DEP-FINA", a.SKUValue)
	assert.Equal(t, a.SKUValue, b.SKUValue)
	assert.Equal(t, 2, b.Version)
}

func TestEngine_Preview_DoesNotConsume(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, productTemplate(sku.ScopeGlobal))
	f.entities.Put(shared.NewEntityRef("Product", "p1"), product("CAFE"))

	preview, err := f.engine.Preview(ctx, "Product", "p1")
	require.NoError(t, err)
	assert.Equal(t, "T00001", preview.Value)
	assert.True(t, preview.Valid)

	again, err := f.engine.Preview(ctx, "Product", "p1")
	require.NoError(t, err)
	assert.Equal(t, "T00001", again.Value)

	out, err := f.engine.Generate(ctx, "Product", "p1")
	require.NoError(t, err)
	assert.Equal(t, "T00001", out.SKUValue)

	_, err = f.engine.Current(ctx, "Product", "p1")
	require.NoError(t, err)
}

func TestEngine_GenerateWithTemplate(t *testing.T) {
	ctx := context.Background()
	def := productTemplate(sku.ScopeGlobal)
	alt := sku.NewSKUTemplate("Product", "daily", "P{date:YYYYMMDD}-{sequence:2,daily}", map[string]sku.ComponentSpec{
		"date": {Kind: sku.KindDate},
	}, refDate)
	f := newEngineFixture(t, def, alt)
	f.entities.Put(shared.NewEntityRef("Product", "p1"), product("CAFE"))

	out, err := f.engine.GenerateWithTemplate(ctx, alt.ID, "Product", "p1")
	require.NoError(t, err)
	assert.Equal(t, "P20240703-01", out.SKUValue)
	assert.Equal(t, alt.ID, out.TemplateID)

	_, err = f.engine.GenerateWithTemplate(ctx, alt.ID, "Task", "p1")
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestEngine_Generate_ConcurrentUniqueValues(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, defaultTemplate("Task", "task", "T{sequence:5}", nil))
	const n = 50
	for i := range n {
		f.entities.Put(shared.NewEntityRef("Task", fmt.Sprint(i)), shared.Attributes{})
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		values = map[string]bool{}
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.engine.Generate(ctx, "Task", fmt.Sprint(i))
			if assert.NoError(t, err) {
				mu.Lock()
				values[out.SKUValue] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, values, n)
	assert.True(t, values["T00001"])
	assert.True(t, values[fmt.Sprintf("T%05d", n)])
}

func TestEngine_ValidateCatalog(t *testing.T) {
	f := newEngineFixture(t)

	ok := productTemplate(sku.ScopeGlobal)
	require.NoError(t, f.engine.ValidateCatalog([]sku.SKUTemplate{*ok}))

	second := productTemplate(sku.ScopeCategory)
	err := f.engine.ValidateCatalog([]sku.SKUTemplate{*ok, *second})
	assert.ErrorIs(t, err, shared.ErrConfig)

	unknownRel := defaultTemplate("Task", "task", "{owner}", map[string]sku.ComponentSpec{
		"owner": {Kind: sku.KindRelationship, RelationshipType: "owned_by", Field: "name"},
	})
	err = f.engine.ValidateCatalog([]sku.SKUTemplate{*ok, *unknownRel})
	assert.ErrorIs(t, err, shared.ErrConfig)
}
