package storage

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"

	"github.com/polystore/polystore/database/query"
)

// TypeAllowed reports whether a document's discriminator is in the restrict
// list. A nil list allows every type.
func TypeAllowed(doc map[string]any, restrictTo []string) bool {
	if restrictTo == nil {
		return true
	}
	t, _ := doc[FieldType].(string)
	for _, name := range restrictTo {
		if name == t {
			return true
		}
	}
	return false
}

// Matches evaluates a neutral filter document against a loaded document.
// Used by adapters without a native query language and as the reference
// semantics for the native translations.
func Matches(doc map[string]any, conditions map[string]any) (bool, error) {
	for field, cond := range conditions {
		val, present := lookupPath(doc, field)

		opDoc, isOp := cond.(map[string]any)
		if !isOp {
			if !present || !wireEqual(val, cond) {
				return false, nil
			}
			continue
		}

		for op, arg := range opDoc {
			ok, err := matchOp(op, val, present, arg)
			if err != nil {
				return false, fmt.Errorf("field %s: %w", field, err)
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

func matchOp(op string, val any, present bool, arg any) (bool, error) {
	switch op {
	case query.OpExists:
		want, ok := arg.(bool)
		if !ok {
			return false, fmt.Errorf("%w: op_exists needs a bool", ErrInvalidOptions)
		}
		return present == want, nil

	case query.OpIn:
		if !present {
			return false, nil
		}
		list, ok := arg.([]any)
		if !ok {
			return false, fmt.Errorf("%w: op_in needs a value list", ErrInvalidOptions)
		}
		for _, candidate := range list {
			if wireEqual(val, candidate) {
				return true, nil
			}
		}
		return false, nil

	case query.OpNin:
		if !present {
			return true, nil
		}
		list, ok := arg.([]any)
		if !ok {
			return false, fmt.Errorf("%w: op_nin needs a value list", ErrInvalidOptions)
		}
		for _, candidate := range list {
			if wireEqual(val, candidate) {
				return false, nil
			}
		}
		return true, nil

	case query.OpGt, query.OpGte, query.OpLt, query.OpLte:
		if !present {
			return false, nil
		}
		c, ok := compareWire(val, arg)
		if !ok {
			return false, nil
		}
		switch op {
		case query.OpGt:
			return c > 0, nil
		case query.OpGte:
			return c >= 0, nil
		case query.OpLt:
			return c < 0, nil
		default:
			return c <= 0, nil
		}

	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidOptions, op)
	}
}

// lookupPath resolves a possibly dotted field path through nested documents.
func lookupPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = doc
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, current != nil
}

func wireEqual(a, b any) bool {
	if c, ok := compareWire(a, b); ok {
		return c == 0
	}
	if ab, ok := a.([]byte); ok {
		if bb, ok := b.([]byte); ok {
			return bytes.Equal(ab, bb)
		}
	}
	return reflect.DeepEqual(a, b)
}

// compareWire orders two wire scalars. Numeric values compare across widths,
// the way the backends compare them natively.
func compareWire(a, b any) (int, bool) {
	if af, aok := asNumber(a); aok {
		bf, bok := asNumber(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		if ab == bb {
			return 0, true
		}
		return 0, false
	}
	return 0, false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return float64(n), true
	default:
		return 0, false
	}
}
