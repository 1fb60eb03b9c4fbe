// Package serialize converts typed values to and from the neutral document
// form stored by the backends. The neutral form uses plain Go values only:
// string, int64, float64, bool, []byte, []any and map[string]any, with times
// and UUIDs rendered as strings.
package serialize

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"time"

	"github.com/gofrs/uuid"

	"github.com/polystore/polystore/database/schema"
)

// timeWireLayout is RFC 3339 in UTC with fixed millisecond precision. Times
// are rounded to the millisecond so that a round trip through any backend is
// an identity.
const timeWireLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders a time in its wire form.
func FormatTime(t time.Time) string {
	return t.UTC().Round(time.Millisecond).Format(timeWireLayout)
}

// ParseTime parses the wire form of a time. Inputs with more than millisecond
// precision are rounded.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid time %q: %v", ErrSerialize, s, err)
	}
	return t.UTC().Round(time.Millisecond), nil
}

// SerializePrimitive converts a primitive field value to its wire form.
func SerializePrimitive(p schema.Primitive, rv reflect.Value) (any, error) {
	switch p {
	case schema.PrimString:
		return rv.String(), nil
	case schema.PrimInt:
		return rv.Int(), nil
	case schema.PrimFloat:
		return rv.Float(), nil
	case schema.PrimBool:
		return rv.Bool(), nil
	case schema.PrimBytes:
		return rv.Bytes(), nil
	case schema.PrimUUID:
		u, ok := rv.Interface().(uuid.UUID)
		if !ok {
			return nil, fmt.Errorf("%w: expected uuid.UUID, got %s", ErrSerialize, rv.Type().String())
		}
		return u.String(), nil
	case schema.PrimTime:
		t, ok := rv.Interface().(time.Time)
		if !ok {
			return nil, fmt.Errorf("%w: expected time.Time, got %s", ErrSerialize, rv.Type().String())
		}
		return FormatTime(t), nil
	default:
		return nil, fmt.Errorf("%w: invalid primitive kind", ErrSerialize)
	}
}

// DeserializePrimitive converts a wire value back into the primitive field.
// Numeric wire values arrive in different widths depending on the backend
// driver, so all common widths are accepted.
func DeserializePrimitive(p schema.Primitive, wire any, target reflect.Value) error {
	switch p {
	case schema.PrimString:
		s, ok := wire.(string)
		if !ok {
			return typeErr("string", wire)
		}
		target.SetString(s)
		return nil

	case schema.PrimInt:
		i, ok := asInt64(wire)
		if !ok {
			return typeErr("int", wire)
		}
		target.SetInt(i)
		return nil

	case schema.PrimFloat:
		f, ok := asFloat64(wire)
		if !ok {
			return typeErr("float", wire)
		}
		target.SetFloat(f)
		return nil

	case schema.PrimBool:
		switch v := wire.(type) {
		case bool:
			target.SetBool(v)
			return nil
		case int64:
			// Relational backends store booleans as 0/1.
			target.SetBool(v != 0)
			return nil
		default:
			return typeErr("bool", wire)
		}

	case schema.PrimBytes:
		switch v := wire.(type) {
		case []byte:
			target.SetBytes(v)
			return nil
		case string:
			// JSON backends deliver bytes base64-encoded.
			raw, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return fmt.Errorf("%w: invalid base64 bytes: %v", ErrSerialize, err)
			}
			target.SetBytes(raw)
			return nil
		default:
			return typeErr("bytes", wire)
		}

	case schema.PrimUUID:
		switch v := wire.(type) {
		case uuid.UUID:
			target.Set(reflect.ValueOf(v))
			return nil
		case string:
			u, err := uuid.FromString(v)
			if err != nil {
				return fmt.Errorf("%w: invalid uuid %q: %v", ErrSerialize, v, err)
			}
			target.Set(reflect.ValueOf(u))
			return nil
		default:
			return typeErr("uuid", wire)
		}

	case schema.PrimTime:
		switch v := wire.(type) {
		case time.Time:
			target.Set(reflect.ValueOf(v.UTC().Round(time.Millisecond)))
			return nil
		case string:
			t, err := ParseTime(v)
			if err != nil {
				return err
			}
			target.Set(reflect.ValueOf(t))
			return nil
		default:
			return typeErr("time", wire)
		}

	default:
		return fmt.Errorf("%w: invalid primitive kind", ErrSerialize)
	}
}

func asInt64(wire any) (int64, bool) {
	switch v := wire.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
		return 0, false
	default:
		return 0, false
	}
}

func asFloat64(wire any) (float64, bool) {
	switch v := wire.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func typeErr(want string, got any) error {
	return fmt.Errorf("%w: expected %s, got %T", ErrSerialize, want, got)
}
