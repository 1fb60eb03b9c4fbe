package query_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polystore/polystore/database/query"
	"github.com/polystore/polystore/database/record"
	"github.com/polystore/polystore/database/schema"
)

type Side int

const (
	SideBuy Side = iota
	SideSell
)

type OrderKey struct {
	record.Base
	OrderID string
}

func (k *OrderKey) GetKey() record.Key { return k }

type Order struct {
	OrderKey
	Account  string
	Side     Side
	Quantity int64
	Price    float64
	Placed   time.Time
}

type OrderQuery struct {
	query.Base
	Account string
	Side    Side
}

func (q *OrderQuery) Target() record.Record { return &Order{} }

type OrderPriceQuery struct {
	query.Base
	Account string
}

func (q *OrderPriceQuery) Target() record.Record { return &Order{} }

func newRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	reg.MustRegisterEnum(Side(0), "Buy", "Sell")
	reg.MustRegister(OrderKey{}, schema.AsKey())
	reg.MustRegister(Order{}, schema.AsRecord(OrderKey{}))
	reg.MustRegister(OrderQuery{})
	reg.MustRegister(OrderPriceQuery{})
	return reg
}

func TestFilterEqualityFromNonZeroFields(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)

	q := &OrderQuery{Account: "acc-1", Side: SideSell}
	filter, err := query.Filter(reg, q)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"account": "acc-1",
		"side":    "Sell",
	}, filter)
}

func TestFilterSkipsZeroFields(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)

	q := &OrderQuery{Account: "acc-1"}
	filter, err := query.Filter(reg, q)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"account": "acc-1"}, filter)
}

func TestFilterConditions(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)

	q := &OrderPriceQuery{Account: "acc-1"}
	q.Where("price", query.Gt(100.0))
	q.Where("quantity", query.In(10, 20))

	filter, err := query.Filter(reg, q)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"account":  "acc-1",
		"price":    map[string]any{query.OpGt: 100.0},
		"quantity": map[string]any{query.OpIn: []any{int64(10), int64(20)}},
	}, filter)
}

func TestFilterRejectsEqualityPlusCondition(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)

	q := &OrderQuery{Account: "acc-1"}
	q.Where("account", query.In("acc-2"))

	_, err := query.Filter(reg, q)
	assert.ErrorIs(t, err, query.ErrInvalidFilter)
}

func TestFilterExists(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)

	q := &OrderPriceQuery{}
	q.Where("placed", query.Exists(true))

	filter, err := query.Filter(reg, q)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"placed": map[string]any{query.OpExists: true}}, filter)
}

func TestWhereReplacesCondition(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)

	q := &OrderPriceQuery{}
	q.Where("price", query.Gt(100.0))
	q.Where("price", query.Lt(50.0))

	filter, err := query.Filter(reg, q)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"price": map[string]any{query.OpLt: 50.0}}, filter)
}

func TestIndexFields(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)

	spec, err := reg.Lookup("OrderQuery")
	require.NoError(t, err)

	fields, err := query.IndexFields(reg, spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"account", "side"}, fields)
}

type BadQuery struct {
	query.Base
	Tags []string
}

func (q *BadQuery) Target() record.Record { return &Order{} }

func TestIndexFieldsRejectContainers(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	reg.MustRegister(BadQuery{})

	spec, err := reg.Lookup("BadQuery")
	require.NoError(t, err)

	_, err = query.IndexFields(reg, spec)
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)
}
