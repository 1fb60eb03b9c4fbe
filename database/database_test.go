package database_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polystore/polystore/database"
	"github.com/polystore/polystore/database/query"
	"github.com/polystore/polystore/database/record"
	"github.com/polystore/polystore/database/schema"
	"github.com/polystore/polystore/database/storage"
	_ "github.com/polystore/polystore/database/storage/boltdb"
)

type ItemKey struct {
	record.Base
	Store string
	SKU   string
}

func (k *ItemKey) GetKey() record.Key { return k }

type Item struct {
	ItemKey
	Name  string
	Price float64
	Stock int64
}

func (i *Item) GetKey() record.Key { return &i.ItemKey }

type DiscountItem struct {
	Item
	Percent float64
}

type ItemQuery struct {
	query.Base
	Store string
	Stock int64
}

func (q *ItemQuery) Target() record.Record { return &Item{} }

// A polymorphic family spanning two tables: the abstract Asset root has
// concrete descendants with distinct key hierarchies.
type AlphaKey struct {
	record.Base
	ID string
}

func (k *AlphaKey) GetKey() record.Key { return k }

type BetaKey struct {
	record.Base
	ID string
}

func (k *BetaKey) GetKey() record.Key { return k }

type Asset struct {
	record.Base
}

type AlphaAsset struct {
	AlphaKey
	Value int64
}

type BetaAsset struct {
	BetaKey
	Value int64
}

// testReg holds the test fixtures; shared across tests, read-only after
// construction.
var testReg = func() *schema.Registry {
	reg := schema.NewRegistry()

	reg.MustRegister(&ItemKey{}, schema.AsKey())
	reg.MustRegister(&Item{}, schema.AsRecord(&ItemKey{}))
	reg.MustRegister(&DiscountItem{}, schema.AsRecord(&ItemKey{}), schema.Parent(&Item{}))
	reg.MustRegister(&ItemQuery{})

	reg.MustRegister(&AlphaKey{}, schema.AsKey())
	reg.MustRegister(&BetaKey{}, schema.AsKey())
	reg.MustRegister(&Asset{}, schema.AsRecord(&AlphaKey{}), schema.Abstract())
	reg.MustRegister(&AlphaAsset{}, schema.AsRecord(&AlphaKey{}), schema.Parent(&Asset{}))
	reg.MustRegister(&BetaAsset{}, schema.AsRecord(&BetaKey{}), schema.Parent(&Asset{}))

	return reg
}()

func newTestDB(t *testing.T, dbID string) *database.DB {
	t.Helper()
	db, err := database.New(database.Options{
		Backend:  "boltdb",
		DBID:     dbID,
		Location: t.TempDir(),
		Registry: testReg,
		Scope:    storage.Scope{Dataset: "prod", Tenant: "t1"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func builtItem(t *testing.T, store, sku, name string, price float64, stock int64) *Item {
	t.Helper()
	item := &Item{
		ItemKey: ItemKey{Store: store, SKU: sku},
		Name:    name,
		Price:   price,
		Stock:   stock,
	}
	require.NoError(t, record.BuildIn(testReg, item))
	return item
}

func builtKey(t *testing.T, store, sku string) *ItemKey {
	t.Helper()
	k := &ItemKey{Store: store, SKU: sku}
	require.NoError(t, record.BuildIn(testReg, k))
	return k
}

func intp(v int) *int { return &v }

func TestSaveAndLoadOne(t *testing.T) {
	db := newTestDB(t, "test_items")
	ctx := context.Background()

	item := builtItem(t, "s1", "sku-1", "Widget", 9.99, 5)
	require.NoError(t, db.SaveOne(ctx, item, storage.SaveReplace))

	loaded, err := db.LoadOne(ctx, builtKey(t, "s1", "sku-1"))
	require.NoError(t, err)
	got, ok := loaded.(*Item)
	require.True(t, ok)
	assert.Equal(t, "Widget", got.Name)
	assert.Equal(t, 9.99, got.Price)
	assert.Equal(t, int64(5), got.Stock)
	assert.True(t, got.IsSealed())
}

func TestLoadOnePassesRecordsThrough(t *testing.T) {
	db := newTestDB(t, "test_items")
	ctx := context.Background()

	item := builtItem(t, "s1", "sku-9", "Unsaved", 1, 1)
	loaded, err := db.LoadOne(ctx, item)
	require.NoError(t, err)
	assert.Same(t, item, loaded)
}

func TestLoadOneNotFound(t *testing.T) {
	db := newTestDB(t, "test_items")
	ctx := context.Background()

	_, err := db.LoadOne(ctx, builtKey(t, "s1", "missing"))
	assert.ErrorIs(t, err, database.ErrNotFound)

	loaded, err := db.LoadOneOrNone(ctx, builtKey(t, "s1", "missing"))
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestUnsealedInputsRejectedBeforeIO(t *testing.T) {
	db := newTestDB(t, "test_items")
	ctx := context.Background()

	err := db.SaveOne(ctx, &Item{ItemKey: ItemKey{Store: "s1", SKU: "x"}}, storage.SaveReplace)
	assert.ErrorIs(t, err, database.ErrInvalidInput)

	_, err = db.LoadOne(ctx, &ItemKey{Store: "s1", SKU: "x"})
	assert.ErrorIs(t, err, database.ErrInvalidInput)

	err = db.DeleteOne(ctx, &ItemKey{Store: "s1", SKU: "x"})
	assert.ErrorIs(t, err, database.ErrInvalidInput)
}

func TestLoadManyPreservesOrderAndLength(t *testing.T) {
	db := newTestDB(t, "test_items")
	ctx := context.Background()

	a := builtItem(t, "s1", "a", "A", 1, 1)
	b := builtItem(t, "s1", "b", "B", 2, 2)
	require.NoError(t, db.SaveMany(ctx, []record.Record{a, b}, storage.SaveReplace))

	passthrough := builtItem(t, "s1", "c", "C", 3, 3)
	results, err := db.LoadMany(ctx, []any{
		builtKey(t, "s1", "b"),
		nil,
		passthrough,
		builtKey(t, "s1", "missing"),
		builtKey(t, "s1", "a"),
	})
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.Equal(t, "B", results[0].(*Item).Name)
	assert.Nil(t, results[1])
	assert.Same(t, passthrough, results[2])
	assert.Nil(t, results[3])
	assert.Equal(t, "A", results[4].(*Item).Name)
}

func TestSavePolicyInsertConflict(t *testing.T) {
	db := newTestDB(t, "test_items")
	ctx := context.Background()

	first := builtItem(t, "s1", "sku-1", "First", 1, 1)
	require.NoError(t, db.SaveOne(ctx, first, storage.SaveInsert))

	second := builtItem(t, "s1", "sku-1", "Second", 2, 2)
	err := db.SaveOne(ctx, second, storage.SaveInsert)
	assert.ErrorIs(t, err, database.ErrPreconditionFailed)

	loaded, err := db.LoadOne(ctx, builtKey(t, "s1", "sku-1"))
	require.NoError(t, err)
	assert.Equal(t, "First", loaded.(*Item).Name)

	require.NoError(t, db.SaveOne(ctx, second, storage.SaveReplace))
	loaded, err = db.LoadOne(ctx, builtKey(t, "s1", "sku-1"))
	require.NoError(t, err)
	assert.Equal(t, "Second", loaded.(*Item).Name)
}

func TestDeleteMissingKeyIsFine(t *testing.T) {
	db := newTestDB(t, "test_items")
	ctx := context.Background()

	item := builtItem(t, "s1", "sku-1", "Widget", 1, 1)
	require.NoError(t, db.SaveOne(ctx, item, storage.SaveReplace))

	require.NoError(t, db.DeleteMany(ctx, []record.Key{
		builtKey(t, "s1", "sku-1"),
		builtKey(t, "s1", "missing"),
	}))

	loaded, err := db.LoadOneOrNone(ctx, builtKey(t, "s1", "sku-1"))
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLoadWherePolymorphicRestrictTo(t *testing.T) {
	db := newTestDB(t, "test_items")
	ctx := context.Background()

	plain := builtItem(t, "s1", "plain", "Plain", 10, 1)
	discounted := &DiscountItem{
		Item:    Item{ItemKey: ItemKey{Store: "s1", SKU: "disc"}, Name: "Disc", Price: 10, Stock: 1},
		Percent: 25,
	}
	require.NoError(t, record.BuildIn(testReg, discounted))
	require.NoError(t, db.SaveMany(ctx, []record.Record{plain, discounted}, storage.SaveReplace))

	q := &ItemQuery{Store: "s1"}

	all, err := db.LoadWhere(ctx, q, "", storage.Options{Sort: storage.SortAsc})
	require.NoError(t, err)
	require.Len(t, all, 2)

	narrowed, err := db.LoadWhere(ctx, q, "DiscountItem", storage.Options{})
	require.NoError(t, err)
	require.Len(t, narrowed, 1)
	got, ok := narrowed[0].(*DiscountItem)
	require.True(t, ok)
	assert.Equal(t, 25.0, got.Percent)

	count, err := db.CountWhere(ctx, q, "DiscountItem")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestLoadWhereRestrictToKeyType(t *testing.T) {
	db := newTestDB(t, "test_items")
	ctx := context.Background()

	item := builtItem(t, "s1", "sku-1", "Widget", 1, 1)
	require.NoError(t, db.SaveOne(ctx, item, storage.SaveReplace))

	results, err := db.LoadWhere(ctx, &ItemQuery{Store: "s1"}, "ItemKey", storage.Options{})
	require.NoError(t, err)
	assert.Len(t, results, 1)

	_, err = db.LoadWhere(ctx, &ItemQuery{Store: "s1"}, "AlphaKey", storage.Options{})
	assert.ErrorIs(t, err, database.ErrTypeMismatch)
}

func TestLoadWhereConditions(t *testing.T) {
	db := newTestDB(t, "test_items")
	ctx := context.Background()

	low := builtItem(t, "s1", "low", "Low", 1, 3)
	high := builtItem(t, "s1", "high", "High", 1, 30)
	require.NoError(t, db.SaveMany(ctx, []record.Record{low, high}, storage.SaveReplace))

	q := &ItemQuery{Store: "s1"}
	q.Where("stock", query.Gt(10))

	results, err := db.LoadWhere(ctx, q, "", storage.Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "High", results[0].(*Item).Name)
}

func saveAssets(t *testing.T, db *database.DB, alphas, betas int) {
	t.Helper()
	ctx := context.Background()

	var records []record.Record
	for i := 0; i < alphas; i++ {
		a := &AlphaAsset{AlphaKey: AlphaKey{ID: string(rune('a' + i))}, Value: int64(i + 1)}
		require.NoError(t, record.BuildIn(testReg, a))
		records = append(records, a)
	}
	for i := 0; i < betas; i++ {
		b := &BetaAsset{BetaKey: BetaKey{ID: string(rune('a' + i))}, Value: int64(alphas + i + 1)}
		require.NoError(t, record.BuildIn(testReg, b))
		records = append(records, b)
	}
	require.NoError(t, db.SaveMany(ctx, records, storage.SaveReplace))
}

func TestLoadTypeMultiTablePagination(t *testing.T) {
	db := newTestDB(t, "test_assets")
	ctx := context.Background()

	// 3 assets in table Alpha, 5 in table Beta, 8 total.
	saveAssets(t, db, 3, 5)

	page, err := db.LoadType(ctx, "Asset", storage.Options{
		Sort:  storage.SortAsc,
		Limit: intp(4),
		Skip:  2,
	})
	require.NoError(t, err)
	require.Len(t, page, 4)

	values := make([]int64, len(page))
	for i, r := range page {
		switch a := r.(type) {
		case *AlphaAsset:
			values[i] = a.Value
		case *BetaAsset:
			values[i] = a.Value
		}
	}
	// Global order is table-then-within-table: records 3..6 of 8.
	assert.Equal(t, []int64{3, 4, 5, 6}, values)

	empty, err := db.LoadType(ctx, "Asset", storage.Options{Limit: intp(0), Skip: 2})
	require.NoError(t, err)
	assert.Empty(t, empty)

	all, err := db.LoadType(ctx, "Asset", storage.Options{Sort: storage.SortAsc})
	require.NoError(t, err)
	assert.Len(t, all, 8)
}

func TestBindings(t *testing.T) {
	db := newTestDB(t, "test_assets")
	ctx := context.Background()

	saveAssets(t, db, 1, 1)

	tables, err := db.GetBoundTables(ctx, "Asset")
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha", "Beta"}, tables)

	names, err := db.GetBoundRecordTypeNames(ctx, "Alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{"AlphaAsset", "Asset"}, names)

	lowest, err := db.GetLowestBoundRecordTypeName(ctx, "Alpha")
	require.NoError(t, err)
	assert.Equal(t, "Asset", lowest)

	keyType, err := db.GetBoundKeyType(ctx, "Alpha")
	require.NoError(t, err)
	assert.Equal(t, "AlphaKey", keyType)

	allowed, err := db.GetAllowedRecordTypeNames(ctx, "Alpha")
	require.NoError(t, err)
	assert.Contains(t, allowed, "AlphaAsset")
	assert.Contains(t, allowed, "BetaAsset")

	physical, err := db.GetTables(ctx)
	require.NoError(t, err)
	assert.Contains(t, physical, "Alpha")
	assert.Contains(t, physical, database.BindingTable)
}

func TestDropTestDBGating(t *testing.T) {
	ctx := context.Background()

	// Wrong prefix fails closed even inside a test binary.
	prod := newTestDB(t, "items")
	err := prod.DropTestDB(ctx)
	assert.ErrorIs(t, err, database.ErrPreconditionFailed)

	gated := newTestDB(t, "test_items")
	require.NoError(t, gated.DropTestDB(ctx))
}

func TestDropTempDBGating(t *testing.T) {
	ctx := context.Background()

	db := newTestDB(t, "temp_items")
	err := db.DropTempDB(ctx, false)
	assert.ErrorIs(t, err, database.ErrPreconditionFailed)

	wrong := newTestDB(t, "test_items")
	err = wrong.DropTempDB(ctx, true)
	assert.ErrorIs(t, err, database.ErrPreconditionFailed)

	require.NoError(t, db.DropTempDB(ctx, true))
}

func TestCloseShutsDown(t *testing.T) {
	db := newTestDB(t, "test_items")
	ctx := context.Background()

	require.NoError(t, db.Close())

	_, err := db.LoadOne(ctx, builtKey(t, "s1", "sku-1"))
	assert.ErrorIs(t, err, database.ErrShuttingDown)

	err = db.SaveOne(ctx, builtItem(t, "s1", "sku-1", "W", 1, 1), storage.SaveReplace)
	assert.ErrorIs(t, err, database.ErrShuttingDown)
}
