package entity_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database"
	"github.com/tigerroll/entiflow/pkg/workflow/core/cache"
	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/entity"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/test"
)

type fixture struct {
	conn     database.DBConnection
	store    *entity.Store
	defs     *entity.DefinitionStore
	cache    *cache.MapManager
	resolver *entity.Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := test.NewTestDB(t)
	f := &fixture{
		conn:  conn,
		store: entity.NewStore(conn),
		defs:  entity.NewDefinitionStore(conn),
		cache: cache.NewMapManager(),
	}
	f.resolver = entity.NewResolver(f.store, entity.NewCachedDefinitionService(f.defs, f.cache, 0), f.cache)

	ctx := context.Background()
	require.NoError(t, f.defs.Save(ctx, &model.EntityDefinition{
		EntityType: "product",
		Fields: []model.FieldDefinition{
			{Name: "sku", Type: model.FieldString, Required: true},
			{Name: "ean", Type: model.FieldString, Unique: true},
			{Name: "price", Type: model.FieldNumber},
			{Name: "brand", Type: model.FieldString},
		},
	}))
	require.NoError(t, f.defs.Save(ctx, &model.EntityDefinition{
		EntityType: "brand",
		Fields: []model.FieldDefinition{
			{Name: "name", Type: model.FieldString, Required: true},
			{Name: "country", Type: model.FieldString},
		},
	}))
	return f
}

func (f *fixture) count(t *testing.T, table interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.conn.DB().Model(table).Count(&n).Error)
	return n
}

func TestResolvePath(t *testing.T) {
	r := entity.NewResolver(nil, nil, nil)
	cases := []struct {
		produced map[string]interface{}
		explicit string
		want     string
	}{
		{nil, "", "/"},
		{nil, "/", "/"},
		{nil, "catalog", "/catalog"},
		{nil, "/catalog//shoes/", "/catalog/shoes"},
		{map[string]interface{}{"path": "imports"}, "", "/imports"},
		{map[string]interface{}{"brand": "acme", "path": "ignored"}, "/shop/{brand}", "/shop/acme"},
	}
	for _, c := range cases {
		got, err := r.ResolvePath(c.produced, c.explicit)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "explicit=%q", c.explicit)
	}

	_, err := r.ResolvePath(nil, "/a/../b")
	assert.True(t, exception.IsKind(err, exception.ValidationError))
	_, err = r.ResolvePath(map[string]interface{}{}, "/shop/{brand}")
	assert.True(t, exception.IsKind(err, exception.ApplyError))
}

func TestCreateOrUpdateEntity_SecondCallUpdatesAndSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pc := entity.PersistenceContext{
		EntityType: "product",
		Produced:   map[string]interface{}{"sku": "A1", "price": 10},
		Path:       "/catalog",
		RunUUID:    "run-1",
		UpdateKey:  "sku",
	}

	first, err := f.resolver.CreateOrUpdateEntity(ctx, pc)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, 1, first.Version)

	pc.RunUUID = "run-2"
	second, err := f.resolver.CreateOrUpdateEntity(ctx, pc)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.True(t, second.Updated)
	assert.Equal(t, first.EntityUUID, second.EntityUUID)
	assert.Equal(t, 2, second.Version)

	assert.EqualValues(t, 1, f.count(t, &entity.DynamicEntityEntity{}))
	versions, err := f.store.ListVersions(ctx, first.EntityUUID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].VersionNumber)
	assert.Equal(t, "run-2", versions[0].CreatedBy)
	assert.Equal(t, "sku=A1", versions[0].Data["entity_key"])

	stored, err := f.store.FindByUUID(ctx, first.EntityUUID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", stored.CreatedBy)
	assert.Equal(t, "run-2", stored.UpdatedBy)
	assert.Equal(t, "/catalog", stored.Path)
	require.NotNil(t, stored.ParentUUID)
	folder, err := f.store.FindFolder(ctx, "/catalog")
	require.NoError(t, err)
	assert.Equal(t, folder.UUID, *stored.ParentUUID)
	assert.Equal(t, 10.0, stored.FieldData["price"])
}

func TestCreateOrUpdateEntity_MergesAndSkipsVersioning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.CreateOrUpdateEntity(ctx, entity.PersistenceContext{
		EntityType: "product",
		Produced:   map[string]interface{}{"sku": "A1", "price": 10, "brand": "acme"},
		UpdateKey:  "sku",
		Actor:      "alice",
	})
	require.NoError(t, err)
	out, err := f.resolver.CreateOrUpdateEntity(ctx, entity.PersistenceContext{
		EntityType:     "product",
		Produced:       map[string]interface{}{"sku": "A1", "price": "12.5", "published": "false"},
		UpdateKey:      "sku",
		Actor:          "bob",
		SkipVersioning: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Version)

	stored, err := f.store.FindByUUID(ctx, out.EntityUUID)
	require.NoError(t, err)
	assert.Equal(t, 12.5, stored.FieldData["price"])
	assert.Equal(t, "acme", stored.FieldData["brand"])
	assert.False(t, stored.Published)
	assert.Equal(t, "alice", stored.CreatedBy)
	assert.Equal(t, "bob", stored.UpdatedBy)
	assert.EqualValues(t, 0, f.count(t, &entity.EntityVersionEntity{}))
}

func TestCreateOrUpdateEntity_WithoutUpdateKeyInserts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pc := entity.PersistenceContext{EntityType: "product", Produced: map[string]interface{}{"sku": "A1"}}

	a, err := f.resolver.CreateOrUpdateEntity(ctx, pc)
	require.NoError(t, err)
	b, err := f.resolver.CreateOrUpdateEntity(ctx, pc)
	require.NoError(t, err)
	assert.NotEqual(t, a.EntityUUID, b.EntityUUID)
	assert.EqualValues(t, 2, f.count(t, &entity.DynamicEntityEntity{}))
	assert.Equal(t, "/", a.Path)
}

func TestCreateOrUpdateEntity_UniqueFieldConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.CreateOrUpdateEntity(ctx, entity.PersistenceContext{
		EntityType: "product",
		Produced:   map[string]interface{}{"sku": "A1", "ean": "4901234567890"},
		UpdateKey:  "sku",
	})
	require.NoError(t, err)

	_, err = f.resolver.CreateOrUpdateEntity(ctx, entity.PersistenceContext{
		EntityType: "product",
		Produced:   map[string]interface{}{"sku": "B1", "ean": "4901234567890"},
		UpdateKey:  "sku",
	})
	require.Error(t, err)
	assert.True(t, exception.IsConflict(err))
	assert.True(t, exception.KindOf(err).IsItemLevel())
	// The insert of B1 was rolled back with the failed claim.
	assert.EqualValues(t, 1, f.count(t, &entity.DynamicEntityEntity{}))

	holder, err := f.store.FindByField(ctx, "product", "ean", "4901234567890")
	require.NoError(t, err)
	assert.Equal(t, "A1", holder.FieldData["sku"])
}

func TestCreateOrUpdateEntity_FailedUpdateRollsBackSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for sku, ean := range map[string]string{"A1": "4901234567890", "B1": "4909876543210"} {
		_, err := f.resolver.CreateOrUpdateEntity(ctx, entity.PersistenceContext{
			EntityType: "product",
			Produced:   map[string]interface{}{"sku": sku, "ean": ean},
			UpdateKey:  "sku",
		})
		require.NoError(t, err)
	}

	_, err := f.resolver.CreateOrUpdateEntity(ctx, entity.PersistenceContext{
		EntityType: "product",
		Produced:   map[string]interface{}{"sku": "B1", "ean": "4901234567890"},
		UpdateKey:  "sku",
	})
	require.Error(t, err)
	assert.True(t, exception.IsConflict(err))

	// The snapshot and the version bump went down with the failed claim.
	assert.EqualValues(t, 0, f.count(t, &entity.EntityVersionEntity{}))
	b1, err := f.store.FindByKey(ctx, "product", entity.EntityKey("sku", "B1"))
	require.NoError(t, err)
	assert.Equal(t, 1, b1.Version)
	assert.Equal(t, "4909876543210", b1.FieldData["ean"])

	holder, err := f.store.FindByField(ctx, "product", "ean", "4909876543210")
	require.NoError(t, err)
	assert.Equal(t, b1.UUID, holder.UUID, "B1 keeps its own claim")
}

func TestCreateOrUpdateEntity_ConcurrentUpdatesOfOneKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const writers = 8

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.resolver.CreateOrUpdateEntity(ctx, entity.PersistenceContext{
				EntityType: "product",
				Produced:   map[string]interface{}{"sku": "A1", "price": i, "brand": fmt.Sprintf("b%d", i)},
				Path:       "/catalog",
				UpdateKey:  "sku",
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.EqualValues(t, 1, f.count(t, &entity.DynamicEntityEntity{}))
	stored, err := f.store.FindByKey(ctx, "product", entity.EntityKey("sku", "A1"))
	require.NoError(t, err)
	assert.Equal(t, writers, stored.Version)

	versions, err := f.store.ListVersions(ctx, stored.UUID)
	require.NoError(t, err)
	require.Len(t, versions, writers-1)
	seen := map[int]bool{}
	for _, v := range versions {
		seen[v.VersionNumber] = true
	}
	for n := 1; n < writers; n++ {
		assert.True(t, seen[n], "snapshot of version %d", n)
	}
}

func TestCreateOrUpdateEntity_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]entity.PersistenceContext{
		"undefined type":   {EntityType: "order", Produced: map[string]interface{}{"id": 1}},
		"missing required": {EntityType: "product", Produced: map[string]interface{}{"price": 1}},
		"bad number":       {EntityType: "product", Produced: map[string]interface{}{"sku": "A1", "price": "cheap"}},
		"unknown field":    {EntityType: "product", Produced: map[string]interface{}{"sku": "A1", "color": "red"}},
		"missing key":      {EntityType: "product", Produced: map[string]interface{}{"price": 1}, UpdateKey: "sku"},
		"bad parent":       {EntityType: "product", Produced: map[string]interface{}{"sku": "A1", "parent_uuid": "nope"}},
	}
	for name, pc := range cases {
		_, err := f.resolver.CreateOrUpdateEntity(ctx, pc)
		assert.True(t, exception.IsKind(err, exception.ValidationError), "%s: %v", name, err)
	}
	assert.EqualValues(t, 0, f.count(t, &entity.DynamicEntityEntity{}))
}

func TestGetOrCreateParentEntity_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.resolver.GetOrCreateParentEntity(ctx, "/")
	require.NoError(t, err)
	assert.Nil(t, root)

	first, err := f.resolver.GetOrCreateParentEntity(ctx, "/a/b")
	require.NoError(t, err)
	second, err := f.resolver.GetOrCreateParentEntity(ctx, "/a/b")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, *first, *second)
	assert.EqualValues(t, 2, f.count(t, &entity.EntityFolderEntity{}))

	a, err := f.store.FindFolder(ctx, "/a")
	require.NoError(t, err)
	assert.Nil(t, a.ParentUUID)
	b, err := f.store.FindFolder(ctx, "/a/b")
	require.NoError(t, err)
	assert.Equal(t, "b", b.Name)
	require.NotNil(t, b.ParentUUID)
	assert.Equal(t, a.UUID, *b.ParentUUID)
}

func TestGetOrCreateParentEntity_Concurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const callers = 8

	var wg sync.WaitGroup
	ids := make([]*string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = f.resolver.GetOrCreateParentEntity(ctx, "/shop/shoes")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, ids[i])
		assert.Equal(t, *ids[0], *ids[i])
	}
	assert.EqualValues(t, 2, f.count(t, &entity.EntityFolderEntity{}))
}

func TestEnsureAuditFields(t *testing.T) {
	r := entity.NewResolver(nil, nil, nil)
	e := &model.DynamicEntity{}
	r.EnsureAuditFields(e, "alice")
	assert.Equal(t, "alice", e.CreatedBy)
	assert.Equal(t, "alice", e.UpdatedBy)
	r.EnsureAuditFields(e, "bob")
	assert.Equal(t, "alice", e.CreatedBy)
	assert.Equal(t, "bob", e.UpdatedBy)
}

func TestLookupResolver(t *testing.T) {
	f := newFixture(t)
	ctx := entity.WithActor(context.Background(), "run-9")
	_, err := f.resolver.CreateOrUpdateEntity(ctx, entity.PersistenceContext{
		EntityType: "brand",
		Produced:   map[string]interface{}{"name": "Acme", "country": "JP"},
		UpdateKey:  "name",
	})
	require.NoError(t, err)

	lookups := entity.NewLookupResolver(f.resolver)
	country := dsl.ExternalRef{Kind: dsl.RefLookup, EntityDefinition: "brand", FilterField: "name", FilterValue: "Acme", Field: "country"}
	missing := dsl.ExternalRef{Kind: dsl.RefLookup, EntityDefinition: "brand", FilterField: "name", FilterValue: "Nobody", Field: "country"}
	got, err := lookups.ResolveExternal(ctx, []dsl.ExternalRef{country, missing})
	require.NoError(t, err)
	assert.Equal(t, "JP", got[country.Key()])
	v, ok := got[missing.Key()]
	assert.True(t, ok)
	assert.Nil(t, v)

	// Writes invalidate cached lookups.
	_, err = f.resolver.CreateOrUpdateEntity(ctx, entity.PersistenceContext{
		EntityType: "brand",
		Produced:   map[string]interface{}{"name": "Acme", "country": "US"},
		UpdateKey:  "name",
	})
	require.NoError(t, err)
	got, err = lookups.ResolveExternal(ctx, []dsl.ExternalRef{country})
	require.NoError(t, err)
	assert.Equal(t, "US", got[country.Key()])

	create := dsl.ExternalRef{
		Kind:             dsl.RefGetOrCreate,
		EntityDefinition: "brand",
		FilterField:      "name",
		FilterValue:      "Globex",
		Path:             "/brands",
		Fields:           map[string]interface{}{"country": "DE"},
		ResultField:      "uuid",
	}
	first, err := lookups.ResolveExternal(ctx, []dsl.ExternalRef{create})
	require.NoError(t, err)
	second, err := lookups.ResolveExternal(ctx, []dsl.ExternalRef{create})
	require.NoError(t, err)
	assert.NotEmpty(t, first[create.Key()])
	assert.Equal(t, first[create.Key()], second[create.Key()])
	assert.EqualValues(t, 2, f.count(t, &entity.DynamicEntityEntity{}))

	created, err := f.store.FindByUUID(ctx, first[create.Key()].(string))
	require.NoError(t, err)
	assert.Equal(t, "run-9", created.CreatedBy)
	assert.Equal(t, "/brands", created.Path)
	assert.Equal(t, 1, created.Version)
}

func TestCachedDefinitionService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := entity.NewCachedDefinitionService(f.defs, f.cache, 0)

	def, err := svc.GetByEntityType(ctx, "brand")
	require.NoError(t, err)
	assert.Len(t, def.Fields, 2)

	def.Fields = append(def.Fields, model.FieldDefinition{Name: "founded", Type: model.FieldDate})
	require.NoError(t, svc.Save(ctx, def))
	reloaded, err := svc.GetByEntityType(ctx, "brand")
	require.NoError(t, err)
	assert.Len(t, reloaded.Fields, 3)

	_, err = svc.GetByEntityType(ctx, "nothing")
	assert.ErrorIs(t, err, entity.ErrDefinitionNotFound)

	err = f.defs.Save(ctx, &model.EntityDefinition{EntityType: "bad type"})
	assert.True(t, exception.IsKind(err, exception.ValidationError))
	err = f.defs.Save(ctx, &model.EntityDefinition{EntityType: "x", Fields: []model.FieldDefinition{{Name: "path", Type: model.FieldString}}})
	assert.True(t, exception.IsKind(err, exception.ValidationError))
}

func TestListEntities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, sku := range []string{"A1", "B1", "C1"} {
		_, err := f.resolver.CreateOrUpdateEntity(ctx, entity.PersistenceContext{
			EntityType: "product",
			Produced:   map[string]interface{}{"sku": sku, "brand": map[string]string{"A1": "acme", "B1": "globex", "C1": "acme"}[sku]},
			UpdateKey:  "sku",
		})
		require.NoError(t, err)
	}

	all, err := f.resolver.ListEntities(ctx, "product", nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	acme, err := f.resolver.ListEntities(ctx, "product", map[string]interface{}{"brand": "acme"}, 0)
	require.NoError(t, err)
	require.Len(t, acme, 2)
	for _, rec := range acme {
		assert.Equal(t, "acme", rec["brand"])
		assert.NotEmpty(t, rec["uuid"])
		assert.Equal(t, "product", rec["entity_type"])
	}

	one, err := f.resolver.ListEntities(ctx, "product", map[string]interface{}{"brand": "acme"}, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestEntityKey(t *testing.T) {
	assert.Equal(t, "sku=A1", entity.EntityKey("sku", "A1"))
	assert.Equal(t, "qty=10", entity.EntityKey("qty", 10.0))
	long := entity.EntityKey("name", string(make([]byte, 300)))
	assert.Contains(t, long, "name#sha256:")
	assert.LessOrEqual(t, len(long), 200)
}
