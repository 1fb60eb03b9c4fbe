package boltdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polystore/polystore/database/query"
	"github.com/polystore/polystore/database/serialize"
	"github.com/polystore/polystore/database/storage"
)

var testScope = storage.Scope{Dataset: "main", Tenant: "t1"}

func openTestDB(t *testing.T) storage.Backend {
	t.Helper()
	b, err := New(storage.FactoryOpts{DBID: "test_db", Location: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func doc(key, typeName string, fields map[string]any) storage.Document {
	entries := []serialize.Entry{{Key: serialize.TypeField, Value: typeName}}
	for k, v := range fields {
		entries = append(entries, serialize.Entry{Key: k, Value: v})
	}
	return storage.Document{Key: key, Type: typeName, Entries: entries}
}

func saveFixtures(t *testing.T, b storage.Backend) {
	t.Helper()
	err := b.Save(context.Background(), "Order", testScope, []storage.Document{
		doc("a", "Order", map[string]any{"account": "acc-1", "qty": int64(5)}),
		doc("b", "LimitOrder", map[string]any{"account": "acc-1", "qty": int64(10)}),
		doc("c", "Order", map[string]any{"account": "acc-2", "qty": int64(20)}),
	}, storage.SaveReplace)
	require.NoError(t, err)
}

func TestSaveAndLoadByKeys(t *testing.T) {
	t.Parallel()
	b := openTestDB(t)
	saveFixtures(t, b)

	docs, err := b.LoadByKeys(context.Background(), "Order", testScope, []string{"a", "missing", "c"})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	keys := []string{storage.DocKey(docs[0]), storage.DocKey(docs[1])}
	assert.ElementsMatch(t, []string{"a", "c"}, keys)
}

func TestInsertPolicyRejectsExisting(t *testing.T) {
	t.Parallel()
	b := openTestDB(t)
	saveFixtures(t, b)

	err := b.Save(context.Background(), "Order", testScope, []storage.Document{
		doc("a", "Order", map[string]any{"account": "acc-9"}),
	}, storage.SaveInsert)
	assert.ErrorIs(t, err, storage.ErrPreconditionFailed)
}

func TestScopeIsolation(t *testing.T) {
	t.Parallel()
	b := openTestDB(t)
	saveFixtures(t, b)

	other := storage.Scope{Dataset: "main", Tenant: "t2"}
	docs, err := b.LoadByKeys(context.Background(), "Order", other, []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestLoadWhere(t *testing.T) {
	t.Parallel()
	b := openTestDB(t)
	saveFixtures(t, b)
	ctx := context.Background()

	// restrict_to narrows by discriminator
	docs, err := b.LoadWhere(ctx, "Order", testScope, []string{"LimitOrder"}, nil, storage.Options{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b", storage.DocKey(docs[0]))

	// neutral filter
	filter := &storage.Filter{Conditions: map[string]any{
		"qty": map[string]any{query.OpGte: int64(10)},
	}}
	docs, err = b.LoadWhere(ctx, "Order", testScope, nil, filter, storage.Options{Sort: storage.SortAsc})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "b", storage.DocKey(docs[0]))
	assert.Equal(t, "c", storage.DocKey(docs[1]))
}

func TestLoadWherePagination(t *testing.T) {
	t.Parallel()
	b := openTestDB(t)
	saveFixtures(t, b)
	ctx := context.Background()

	limit := 1
	docs, err := b.LoadWhere(ctx, "Order", testScope, nil, nil, storage.Options{
		Sort: storage.SortAsc, Skip: 1, Limit: &limit,
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b", storage.DocKey(docs[0]))

	zero := 0
	docs, err = b.LoadWhere(ctx, "Order", testScope, nil, nil, storage.Options{Limit: &zero})
	require.NoError(t, err)
	assert.Empty(t, docs)

	neg := -1
	_, err = b.LoadWhere(ctx, "Order", testScope, nil, nil, storage.Options{Limit: &neg})
	assert.ErrorIs(t, err, storage.ErrInvalidOptions)
}

func TestSortInputFailsLoudly(t *testing.T) {
	t.Parallel()
	b := openTestDB(t)
	saveFixtures(t, b)

	_, err := b.LoadWhere(context.Background(), "Order", testScope, nil, nil, storage.Options{Sort: storage.SortInput})
	assert.ErrorIs(t, err, storage.ErrSortInputUnsupported)
}

func TestCountWhere(t *testing.T) {
	t.Parallel()
	b := openTestDB(t)
	saveFixtures(t, b)

	n, err := b.CountWhere(context.Background(), "Order", testScope, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	b := openTestDB(t)
	saveFixtures(t, b)
	ctx := context.Background()

	require.NoError(t, b.Delete(ctx, "Order", testScope, []string{"a", "missing"}))

	docs, err := b.LoadByKeys(ctx, "Order", testScope, []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestTables(t *testing.T) {
	t.Parallel()
	b := openTestDB(t)
	saveFixtures(t, b)

	tables, err := b.Tables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Order"}, tables)
}

func TestRoundTripPreservesWireTypes(t *testing.T) {
	t.Parallel()
	b := openTestDB(t)
	ctx := context.Background()

	err := b.Save(ctx, "Order", testScope, []storage.Document{
		doc("x", "Order", map[string]any{
			"qty":   int64(7),
			"price": 1.5,
			"open":  true,
			"raw":   []byte{1, 2},
			"tags":  []any{"a", "b"},
			"leg":   map[string]any{"ccy": "EUR"},
		}),
	}, storage.SaveReplace)
	require.NoError(t, err)

	docs, err := b.LoadByKeys(ctx, "Order", testScope, []string{"x"})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	got := docs[0]
	require.NoError(t, storage.Prune(got, testScope))
	assert.Equal(t, int64(7), got["qty"])
	assert.Equal(t, 1.5, got["price"])
	assert.Equal(t, true, got["open"])
	assert.Equal(t, []byte{1, 2}, got["raw"])
	assert.Equal(t, []any{"a", "b"}, got["tags"])
	assert.Equal(t, map[string]any{"ccy": "EUR"}, got["leg"])
}
