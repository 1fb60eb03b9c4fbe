package record

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/polystore/polystore/database/schema"
)

// Errors.
var (
	ErrNilValue  = errors.New("value is nil")
	ErrNotSealed = errors.New("value is not sealed")
)

// Build validates v against its registered schema spec, recursively seals
// nested data values and finally seals v itself. Build uses the process-wide
// schema registry.
func Build(v Data) error {
	return BuildIn(schema.Default, v)
}

// BuildIn is Build against an explicit registry.
func BuildIn(reg *schema.Registry, v Data) error {
	if v == nil {
		return ErrNilValue
	}

	spec, err := reg.SpecOf(v)
	if err != nil {
		return err
	}
	switch spec.Kind {
	case schema.KindData, schema.KindKey, schema.KindRecord:
	default:
		return fmt.Errorf("%w: %s is registered as %s, cannot build", schema.ErrSchemaViolation, spec.Name, spec.Kind)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("%w: %s must be built through a non-nil pointer", schema.ErrSchemaViolation, spec.Name)
	}
	sv := rv.Elem()

	for i := range spec.Fields {
		f := &spec.Fields[i]
		if err := buildValue(reg, spec.Name, f.Name, f.Hint, f.Value(sv)); err != nil {
			return err
		}
	}

	v.Seal()
	return nil
}

func buildValue(reg *schema.Registry, typeName, fieldName string, hint *schema.Hint, val reflect.Value) error {
	switch hint.Kind {
	case schema.KindList:
		if val.IsNil() {
			return nil
		}
		for i := 0; i < val.Len(); i++ {
			if err := buildValue(reg, typeName, fieldName, hint.Elem, val.Index(i)); err != nil {
				return err
			}
		}
		return nil

	case schema.KindMap:
		if val.IsNil() {
			return nil
		}
		iter := val.MapRange()
		for iter.Next() {
			if err := buildValue(reg, typeName, fieldName, hint.Elem, iter.Value()); err != nil {
				return err
			}
		}
		return nil

	case schema.KindData, schema.KindKey, schema.KindRecord:
		d, present, err := dataOf(val)
		if err != nil {
			return fmt.Errorf("field %s of %s: %w", fieldName, typeName, err)
		}
		if !present {
			if hint.Optional {
				return nil
			}
			return fmt.Errorf("%w: required field %s of %s is absent", schema.ErrSchemaViolation, fieldName, typeName)
		}
		if d.IsSealed() {
			return nil
		}
		return BuildIn(reg, d)

	default:
		return nil
	}
}

// dataOf unwraps a struct, pointer or interface value down to its Data form.
// Map values are not addressable, so struct values stored directly in maps
// cannot be sealed in place.
func dataOf(val reflect.Value) (d Data, present bool, err error) {
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface:
		if val.IsNil() {
			return nil, false, nil
		}
		d, ok := val.Interface().(Data)
		if !ok {
			return nil, false, fmt.Errorf("type %s does not embed record.Base", val.Type().String())
		}
		return d, true, nil
	case reflect.Struct:
		if !val.CanAddr() {
			return nil, false, errors.New("nested value is not addressable, store a pointer instead")
		}
		d, ok := val.Addr().Interface().(Data)
		if !ok {
			return nil, false, fmt.Errorf("type %s does not embed record.Base", val.Type().String())
		}
		return d, true, nil
	default:
		return nil, false, fmt.Errorf("unexpected value kind %s", val.Kind())
	}
}

// EnsureSealed returns an error unless v is non-nil and sealed.
func EnsureSealed(v Data) error {
	if v == nil {
		return ErrNilValue
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Ptr && rv.IsNil() {
		return ErrNilValue
	}
	if !v.IsSealed() {
		return ErrNotSealed
	}
	return nil
}
