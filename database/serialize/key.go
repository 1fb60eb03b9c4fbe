package serialize

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/polystore/polystore/database/record"
	"github.com/polystore/polystore/database/schema"
)

// KeyDelimiter separates tokens in the delimited key form.
const KeyDelimiter = ";"

// A KeySerializer flattens a key's fields, recursively for composite keys,
// into an ordered token sequence or a delimited string. Key fields are
// limited to primitives, enums and nested keys; containers and polymorphic
// values are rejected. Two keys are equal iff their serialized token
// sequences match.
type KeySerializer struct {
	Registry *schema.Registry
}

// NewKeySerializer returns a key serializer over the given registry.
func NewKeySerializer(reg *schema.Registry) *KeySerializer {
	return &KeySerializer{Registry: reg}
}

// Tokens flattens the key into its ordered wire-primitive token sequence.
func (s *KeySerializer) Tokens(k record.Key) ([]any, error) {
	if k == nil {
		return nil, fmt.Errorf("%w: key is nil", ErrSerialize)
	}
	spec, err := s.Registry.SpecOf(k)
	if err != nil {
		return nil, err
	}
	if spec.Kind != schema.KindKey {
		return nil, fmt.Errorf("%w: %s is registered as %s, not key", ErrSerialize, spec.Name, spec.Kind)
	}

	rv := reflect.ValueOf(k)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	var tokens []any
	if err := s.appendTokens(spec, rv, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// Delimited renders the key as a semicolon-delimited string. The result is
// deterministic: structurally equal keys always produce identical strings.
func (s *KeySerializer) Delimited(k record.Key) (string, error) {
	tokens, err := s.Tokens(k)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		parts[i], err = tokenString(tok)
		if err != nil {
			return "", err
		}
	}
	return strings.Join(parts, KeyDelimiter), nil
}

// FromDelimited reconstructs a key of the named type from its delimited form.
// The returned key is sealed.
func (s *KeySerializer) FromDelimited(typeName, delimited string) (record.Key, error) {
	tokens := make([]any, 0, 4)
	for _, part := range strings.Split(delimited, KeyDelimiter) {
		tokens = append(tokens, part)
	}
	return s.FromTokens(typeName, tokens)
}

// FromTokens reconstructs a key of the named type from its token sequence.
// String tokens are parsed into the field's primitive type, typed tokens are
// used as-is. The returned key is sealed.
func (s *KeySerializer) FromTokens(typeName string, tokens []any) (record.Key, error) {
	spec, err := s.Registry.Lookup(typeName)
	if err != nil {
		return nil, err
	}
	if spec.Kind != schema.KindKey {
		return nil, fmt.Errorf("%w: %s is registered as %s, not key", ErrSerialize, spec.Name, spec.Kind)
	}

	v := spec.New()
	queue := tokens
	if err := s.fillKey(spec, reflect.ValueOf(v).Elem(), &queue); err != nil {
		return nil, fmt.Errorf("key %s: %w", typeName, err)
	}
	if len(queue) > 0 {
		return nil, fmt.Errorf("%w: %d extra tokens for key type %s", ErrSerialize, len(queue), typeName)
	}

	k, ok := v.(record.Key)
	if !ok {
		return nil, fmt.Errorf("%w: type %s does not implement record.Key", ErrSerialize, typeName)
	}
	k.Seal()
	return k, nil
}

func (s *KeySerializer) appendTokens(spec *schema.Spec, rv reflect.Value, tokens *[]any) error {
	for i := range spec.Fields {
		f := &spec.Fields[i]
		fv := f.Value(rv)

		switch f.Hint.Kind {
		case schema.KindPrimitive:
			tok, err := SerializePrimitive(f.Hint.Primitive, fv)
			if err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
			*tokens = append(*tokens, tok)

		case schema.KindEnum:
			enumSpec, err := s.Registry.Lookup(f.Hint.Type)
			if err != nil {
				return err
			}
			tok, err := SerializeEnum(enumSpec, fv)
			if err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
			*tokens = append(*tokens, tok)

		case schema.KindKey:
			nested, err := s.Registry.Lookup(f.Hint.Type)
			if err != nil {
				return err
			}
			if fv.Kind() == reflect.Ptr {
				if fv.IsNil() {
					return fmt.Errorf("%w: nested key field %s is nil", ErrSerialize, f.Name)
				}
				fv = fv.Elem()
			}
			// Keys are monomorphic: the nested value must be exactly the
			// schema type, never a descendant.
			if fv.Type() != nested.GoType() {
				return fmt.Errorf(
					"%w: nested key field %s holds %s, expected %s",
					ErrPolymorphism, f.Name, fv.Type().String(), nested.Name,
				)
			}
			if err := s.appendTokens(nested, fv, tokens); err != nil {
				return err
			}

		default:
			return fmt.Errorf(
				"%w: key field %s has kind %s, keys may only contain primitives, enums and nested keys",
				ErrSerialize, f.Name, f.Hint.Kind,
			)
		}
	}
	return nil
}

func (s *KeySerializer) fillKey(spec *schema.Spec, rv reflect.Value, queue *[]any) error {
	for i := range spec.Fields {
		f := &spec.Fields[i]
		fv := f.Value(rv)

		switch f.Hint.Kind {
		case schema.KindPrimitive:
			tok, err := popToken(queue, f.Name)
			if err != nil {
				return err
			}
			if str, ok := tok.(string); ok && f.Hint.Primitive != schema.PrimString {
				parsed, err := parseToken(f.Hint.Primitive, str)
				if err != nil {
					return fmt.Errorf("field %s: %w", f.Name, err)
				}
				tok = parsed
			}
			if err := DeserializePrimitive(f.Hint.Primitive, tok, fv); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}

		case schema.KindEnum:
			tok, err := popToken(queue, f.Name)
			if err != nil {
				return err
			}
			enumSpec, err := s.Registry.Lookup(f.Hint.Type)
			if err != nil {
				return err
			}
			if err := DeserializeEnum(enumSpec, tok, fv); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}

		case schema.KindKey:
			nested, err := s.Registry.Lookup(f.Hint.Type)
			if err != nil {
				return err
			}
			if fv.Kind() == reflect.Ptr {
				fv.Set(reflect.New(nested.GoType()))
				fv = fv.Elem()
			}
			if err := s.fillKey(nested, fv, queue); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: key field %s has kind %s", ErrSerialize, f.Name, f.Hint.Kind)
		}
	}
	return nil
}

func popToken(queue *[]any, field string) (any, error) {
	if len(*queue) == 0 {
		return nil, fmt.Errorf("%w: no token left for field %s", ErrSerialize, field)
	}
	tok := (*queue)[0]
	*queue = (*queue)[1:]
	return tok, nil
}

func tokenString(tok any) (string, error) {
	switch v := tok.(type) {
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case []byte:
		return base64.StdEncoding.EncodeToString(v), nil
	default:
		return "", fmt.Errorf("%w: token type %T has no string form", ErrSerialize, tok)
	}
}

func parseToken(p schema.Primitive, s string) (any, error) {
	switch p {
	case schema.PrimInt:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid int token %q", ErrSerialize, s)
		}
		return i, nil
	case schema.PrimFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid float token %q", ErrSerialize, s)
		}
		return f, nil
	case schema.PrimBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid bool token %q", ErrSerialize, s)
		}
		return b, nil
	default:
		// uuid, time and bytes accept their string forms directly.
		return s, nil
	}
}
