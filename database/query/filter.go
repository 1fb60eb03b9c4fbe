package query

import (
	"fmt"
	"reflect"
	"time"

	"github.com/gofrs/uuid"

	"github.com/polystore/polystore/database/record"
	"github.com/polystore/polystore/database/schema"
	"github.com/polystore/polystore/database/serialize"
)

// Filter serializes a query value into the neutral filter document: non-zero
// query fields become equality entries, attached conditions become operator
// documents ({"op_gt": value} and the like). All values are in wire form.
func Filter(reg *schema.Registry, q Query) (map[string]any, error) {
	spec, err := reg.SpecOf(q)
	if err != nil {
		return nil, err
	}

	rv := reflect.ValueOf(q)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, fmt.Errorf("%w: query is nil", ErrInvalidFilter)
		}
		rv = rv.Elem()
	}

	filter := make(map[string]any)
	ks := serialize.NewKeySerializer(reg)

	for i := range spec.Fields {
		f := &spec.Fields[i]
		fv := f.Value(rv)
		if fv.IsZero() {
			continue
		}
		wire, err := fieldWire(reg, ks, f.Hint, fv)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		filter[f.Name] = wire
	}

	conds, ok := q.(interface{ Conditions() map[string]*Condition })
	if !ok {
		return filter, nil
	}
	for field, cond := range conds.Conditions() {
		wire, err := conditionWire(reg, cond)
		if err != nil {
			return nil, fmt.Errorf("condition on %s: %w", field, err)
		}
		if _, dup := filter[field]; dup {
			return nil, fmt.Errorf("%w: field %s has both an equality value and a condition", ErrInvalidFilter, field)
		}
		filter[field] = wire
	}
	return filter, nil
}

func conditionWire(reg *schema.Registry, cond *Condition) (map[string]any, error) {
	switch cond.Op {
	case OpIn, OpNin:
		values, ok := cond.Value.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s needs a value list, got %T", ErrInvalidFilter, cond.Op, cond.Value)
		}
		wire := make([]any, len(values))
		for i, v := range values {
			w, err := ScalarWire(reg, v)
			if err != nil {
				return nil, err
			}
			wire[i] = w
		}
		return map[string]any{cond.Op: wire}, nil

	case OpGt, OpGte, OpLt, OpLte:
		w, err := ScalarWire(reg, cond.Value)
		if err != nil {
			return nil, err
		}
		return map[string]any{cond.Op: w}, nil

	case OpExists:
		b, ok := cond.Value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s needs a bool, got %T", ErrInvalidFilter, OpExists, cond.Value)
		}
		return map[string]any{OpExists: b}, nil

	default:
		return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, cond.Op)
	}
}

func fieldWire(reg *schema.Registry, ks *serialize.KeySerializer, hint *schema.Hint, fv reflect.Value) (any, error) {
	if fv.Kind() == reflect.Ptr {
		fv = fv.Elem()
	}

	switch hint.Kind {
	case schema.KindPrimitive:
		return serialize.SerializePrimitive(hint.Primitive, fv)
	case schema.KindEnum:
		enumSpec, err := reg.Lookup(hint.Type)
		if err != nil {
			return nil, err
		}
		return serialize.SerializeEnum(enumSpec, fv)
	case schema.KindKey:
		if !fv.CanAddr() {
			p := reflect.New(fv.Type())
			p.Elem().Set(fv)
			fv = p.Elem()
		}
		k, ok := fv.Addr().Interface().(record.Key)
		if !ok {
			return nil, fmt.Errorf("%w: type %s does not implement record.Key", ErrInvalidFilter, fv.Type().String())
		}
		return ks.Delimited(k)
	default:
		return nil, fmt.Errorf("%w: cannot filter on %s fields", ErrInvalidFilter, hint.Kind)
	}
}

// ScalarWire converts a plain Go value into its wire form for use inside
// operator conditions. Registered enum types render as their member names.
func ScalarWire(reg *schema.Registry, v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return val, nil
	case bool:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case float32:
		return float64(val), nil
	case float64:
		return val, nil
	case []byte:
		return val, nil
	case time.Time:
		return serialize.FormatTime(val), nil
	case uuid.UUID:
		return val.String(), nil
	}

	rv := reflect.ValueOf(v)
	if spec, err := reg.SpecOf(v); err == nil && spec.Kind == schema.KindKey {
		ks := serialize.NewKeySerializer(reg)
		if k, ok := v.(record.Key); ok {
			return ks.Delimited(k)
		}
	}
	if rv.Kind() >= reflect.Int && rv.Kind() <= reflect.Int64 {
		// Named integer types are enums when registered.
		if spec, err := reg.Lookup(rv.Type().Name()); err == nil && spec.Kind == schema.KindEnum {
			return serialize.SerializeEnum(spec, rv)
		}
		return rv.Int(), nil
	}
	return nil, fmt.Errorf("%w: unsupported condition value type %T", ErrInvalidFilter, v)
}
