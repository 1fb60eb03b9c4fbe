// Package query defines the neutral filter vocabulary shared by all
// backends. A query is a registered struct type targeting one record type:
// its non-zero fields filter by equality, and operator conditions are
// attached per field with Where. Each backend translates the resulting
// neutral filter document into its native query language.
package query

import (
	"errors"

	"github.com/polystore/polystore/database/record"
)

// Neutral filter operators. Backends translate these to their native syntax.
const (
	OpIn     = "op_in"
	OpNin    = "op_nin"
	OpGt     = "op_gt"
	OpGte    = "op_gte"
	OpLt     = "op_lt"
	OpLte    = "op_lte"
	OpExists = "op_exists"
)

// Errors.
var (
	ErrInvalidFilter = errors.New("invalid filter")
)

// A Condition is one operator applied to one field. Backends support a
// single operator per field, so Where replaces any earlier condition on the
// same field.
type Condition struct {
	Op    string
	Value any
}

// In matches fields equal to any of the given values.
func In(values ...any) *Condition {
	return &Condition{Op: OpIn, Value: values}
}

// NotIn matches fields equal to none of the given values.
func NotIn(values ...any) *Condition {
	return &Condition{Op: OpNin, Value: values}
}

// Gt matches fields greater than the given value.
func Gt(value any) *Condition {
	return &Condition{Op: OpGt, Value: value}
}

// Gte matches fields greater than or equal to the given value.
func Gte(value any) *Condition {
	return &Condition{Op: OpGte, Value: value}
}

// Lt matches fields less than the given value.
func Lt(value any) *Condition {
	return &Condition{Op: OpLt, Value: value}
}

// Lte matches fields less than or equal to the given value.
func Lte(value any) *Condition {
	return &Condition{Op: OpLte, Value: value}
}

// Exists matches fields that are present (or absent, for present=false).
func Exists(present bool) *Condition {
	return &Condition{Op: OpExists, Value: present}
}

// A Query filters records of its target type. Query types are registered
// with the schema registry like data types; distinct query types over the
// same record type may cover different field sets and therefore different
// indexes.
type Query interface {
	// Target returns a prototype of the record type the query selects.
	Target() record.Record
}

// Base carries the per-field operator conditions of a query. Embed it in
// every query struct.
type Base struct {
	conds map[string]*Condition
	order []string
}

// Where attaches an operator condition to the named wire field. Attaching a
// second condition to the same field replaces the first.
func (b *Base) Where(field string, c *Condition) {
	if b.conds == nil {
		b.conds = make(map[string]*Condition)
	}
	if _, seen := b.conds[field]; !seen {
		b.order = append(b.order, field)
	}
	b.conds[field] = c
}

// Conditions returns the attached conditions keyed by wire field name.
func (b *Base) Conditions() map[string]*Condition {
	return b.conds
}

// ConditionFields returns the condition field names in attachment order.
func (b *Base) ConditionFields() []string {
	return b.order
}
