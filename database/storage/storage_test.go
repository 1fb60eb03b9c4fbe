package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polystore/polystore/database/query"
	"github.com/polystore/polystore/database/serialize"
)

func intp(i int) *int { return &i }

func TestValidateOptions(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateOptions(Options{}))
	assert.NoError(t, ValidateOptions(Options{Limit: intp(0), Skip: 0}))
	assert.ErrorIs(t, ValidateOptions(Options{Limit: intp(-1)}), ErrInvalidOptions)
	assert.ErrorIs(t, ValidateOptions(Options{Skip: -3}), ErrInvalidOptions)
}

func TestEmptyResult(t *testing.T) {
	t.Parallel()

	assert.False(t, EmptyResult(Options{}))
	assert.False(t, EmptyResult(Options{Limit: intp(5)}))
	assert.True(t, EmptyResult(Options{Limit: intp(0)}))
}

func TestStampAndPrune(t *testing.T) {
	t.Parallel()

	doc := Document{
		Key:  "a;1",
		Type: "Trade",
		Entries: []serialize.Entry{
			{Key: serialize.TypeField, Value: "Trade"},
			{Key: "ticker", Value: "a"},
		},
	}
	scope := Scope{Dataset: "main", Tenant: "t1"}

	m := StampMap(doc, scope)
	assert.Equal(t, "a;1", m[FieldKey])
	assert.Equal(t, "main", m[FieldDataset])
	assert.Equal(t, "t1", m[FieldTenant])

	require.NoError(t, Prune(m, scope, "_rev"))
	assert.Equal(t, map[string]any{
		serialize.TypeField: "Trade",
		"ticker":            "a",
	}, m)
}

func TestPruneAssertsDataset(t *testing.T) {
	t.Parallel()

	m := map[string]any{FieldDataset: "other"}
	err := Prune(m, Scope{Dataset: "main"})
	assert.ErrorIs(t, err, ErrDatasetMismatch)
}

func TestApplySort(t *testing.T) {
	t.Parallel()

	docs := []map[string]any{
		{FieldKey: "b"},
		{FieldKey: "a"},
		{FieldKey: "c"},
	}

	require.NoError(t, ApplySort(docs, SortAsc))
	assert.Equal(t, "a", DocKey(docs[0]))
	assert.Equal(t, "c", DocKey(docs[2]))

	require.NoError(t, ApplySort(docs, SortDesc))
	assert.Equal(t, "c", DocKey(docs[0]))

	assert.ErrorIs(t, ApplySort(docs, SortInput), ErrSortInputUnsupported)
}

func TestApplyLimitSkip(t *testing.T) {
	t.Parallel()

	docs := []map[string]any{
		{FieldKey: "a"}, {FieldKey: "b"}, {FieldKey: "c"}, {FieldKey: "d"},
	}

	out := ApplyLimitSkip(docs, Options{Skip: 1, Limit: intp(2)})
	require.Len(t, out, 2)
	assert.Equal(t, "b", DocKey(out[0]))
	assert.Equal(t, "c", DocKey(out[1]))

	assert.Nil(t, ApplyLimitSkip(docs, Options{Skip: 10}))
	assert.Len(t, ApplyLimitSkip(docs, Options{}), 4)
	assert.Len(t, ApplyLimitSkip(docs, Options{Limit: intp(0)}), 0)
}

func TestValidIdentifier(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidIdentifier("trade_2024"))
	assert.True(t, ValidIdentifier("_hidden"))
	assert.False(t, ValidIdentifier("2fast"))
	assert.False(t, ValidIdentifier("drop table"))
	assert.False(t, ValidIdentifier("a;b"))
	assert.False(t, ValidIdentifier(""))

	assert.ErrorIs(t, CheckIdentifier("a-b"), ErrNameConstraint)
}

func TestMatchesEqualityAndOps(t *testing.T) {
	t.Parallel()

	doc := map[string]any{
		FieldType: "Order",
		"account": "acc-1",
		"price":   101.5,
		"qty":     int64(10),
		"leg":     map[string]any{"ccy": "EUR"},
	}

	cases := []struct {
		name       string
		conditions map[string]any
		want       bool
	}{
		{"equality hit", map[string]any{"account": "acc-1"}, true},
		{"equality miss", map[string]any{"account": "acc-2"}, false},
		{"numeric cross width", map[string]any{"qty": 10}, true},
		{"gt", map[string]any{"price": map[string]any{query.OpGt: 100.0}}, true},
		{"lte miss", map[string]any{"price": map[string]any{query.OpLte: 100.0}}, false},
		{"in", map[string]any{"account": map[string]any{query.OpIn: []any{"acc-1", "acc-2"}}}, true},
		{"nin", map[string]any{"account": map[string]any{query.OpNin: []any{"acc-2"}}}, true},
		{"exists true", map[string]any{"price": map[string]any{query.OpExists: true}}, true},
		{"exists false on absent", map[string]any{"venue": map[string]any{query.OpExists: false}}, true},
		{"dotted path", map[string]any{"leg.ccy": "EUR"}, true},
		{"dotted path miss", map[string]any{"leg.ccy": "USD"}, false},
	}
	for _, tc := range cases {
		got, err := Matches(doc, tc.conditions)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}
}

func TestTypeAllowed(t *testing.T) {
	t.Parallel()

	doc := map[string]any{FieldType: "SwapTrade"}
	assert.True(t, TypeAllowed(doc, nil))
	assert.True(t, TypeAllowed(doc, []string{"Trade", "SwapTrade"}))
	assert.False(t, TypeAllowed(doc, []string{"Trade"}))
	assert.False(t, TypeAllowed(doc, []string{}))
}
