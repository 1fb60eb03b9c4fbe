package serialize

import (
	"fmt"
	"reflect"

	"github.com/polystore/polystore/database/record"
	"github.com/polystore/polystore/database/schema"
)

// An Entry is one field of a serialized document. Ordered entry lists
// preserve discriminator placement for backends with ordered documents.
type Entry struct {
	Key   string
	Value any
}

// A DictSerializer converts typed object graphs to and from the nested
// neutral document form. Absent optional values are skipped on serialization
// and left zero on deserialization.
type DictSerializer struct {
	Registry  *schema.Registry
	Inclusion TypeInclusion
	Placement TypePlacement

	keys *KeySerializer
}

// NewDictSerializer returns a serializer over the given registry.
func NewDictSerializer(reg *schema.Registry, inclusion TypeInclusion, placement TypePlacement) *DictSerializer {
	return &DictSerializer{
		Registry:  reg,
		Inclusion: inclusion,
		Placement: placement,
		keys:      NewKeySerializer(reg),
	}
}

// SerializeOrdered converts a data, key or record value into its ordered
// field list, discriminator included per the inclusion policy. Top-level
// documents count as polymorphic under AsNeeded: their expected type is not
// stored anywhere else.
func (s *DictSerializer) SerializeOrdered(v any) ([]Entry, error) {
	spec, err := s.Registry.SpecOf(v)
	if err != nil {
		return nil, err
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, fmt.Errorf("%w: value is nil", ErrSerialize)
		}
		rv = rv.Elem()
	}
	return s.entries(spec, spec, rv, true)
}

// Serialize converts a data, key or record value into its document form.
func (s *DictSerializer) Serialize(v any) (map[string]any, error) {
	entries, err := s.SerializeOrdered(v)
	if err != nil {
		return nil, err
	}
	return EntriesToMap(entries), nil
}

// EntriesToMap collapses an ordered entry list into a plain document.
func EntriesToMap(entries []Entry) map[string]any {
	doc := make(map[string]any, len(entries))
	for _, e := range entries {
		doc[e.Key] = e.Value
	}
	return doc
}

func (s *DictSerializer) entries(actual, expected *schema.Spec, rv reflect.Value, topLevel bool) ([]Entry, error) {
	switch actual.Kind {
	case schema.KindData, schema.KindKey, schema.KindRecord:
	default:
		return nil, fmt.Errorf("%w: %s is registered as %s, cannot serialize as document", ErrSerialize, actual.Name, actual.Kind)
	}
	if err := s.checkAssignable(expected, actual); err != nil {
		return nil, err
	}

	var entries []Entry
	includeType := false
	switch s.Inclusion {
	case IncludeAlways:
		includeType = true
	case IncludeAsNeeded:
		includeType = topLevel || actual.Name != expected.Name
	case IncludeOmit:
	}
	if includeType && s.Placement == PlaceFirst {
		entries = append(entries, Entry{Key: TypeField, Value: actual.Name})
	}

	for i := range actual.Fields {
		f := &actual.Fields[i]
		wire, present, err := s.serializeValue(f.Hint, f.Value(rv))
		if err != nil {
			return nil, fmt.Errorf("field %s of %s: %w", f.Name, actual.Name, err)
		}
		if !present {
			continue
		}
		entries = append(entries, Entry{Key: f.Name, Value: wire})
	}

	if includeType && s.Placement == PlaceLast {
		entries = append(entries, Entry{Key: TypeField, Value: actual.Name})
	}
	return entries, nil
}

// serializeValue dispatches on nil, primitive, sequence, mapping, enum and
// document leaves, in that order. present is false for absent optionals.
func (s *DictSerializer) serializeValue(hint *schema.Hint, rv reflect.Value) (wire any, present bool, err error) {
	if rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false, nil
		}
		if rv.Kind() == reflect.Ptr {
			rv = rv.Elem()
		}
	}

	switch hint.Kind {
	case schema.KindPrimitive:
		wire, err := SerializePrimitive(hint.Primitive, rv)
		return wire, true, err

	case schema.KindList:
		if rv.Kind() != reflect.Slice {
			return nil, false, fmt.Errorf("%w: chain expects a sequence, value is %s", ErrChainMismatch, rv.Kind())
		}
		if rv.IsNil() {
			return nil, false, nil
		}
		out := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem, elemPresent, err := s.serializeValue(hint.Elem, rv.Index(i))
			if err != nil {
				return nil, false, err
			}
			if !elemPresent {
				elem = nil
			}
			out = append(out, elem)
		}
		return out, true, nil

	case schema.KindMap:
		if rv.Kind() != reflect.Map {
			return nil, false, fmt.Errorf("%w: chain expects a mapping, value is %s", ErrChainMismatch, rv.Kind())
		}
		if rv.IsNil() {
			return nil, false, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			elem, elemPresent, err := s.serializeValue(hint.Elem, iter.Value())
			if err != nil {
				return nil, false, err
			}
			if !elemPresent {
				elem = nil
			}
			out[iter.Key().String()] = elem
		}
		return out, true, nil

	case schema.KindEnum:
		enumSpec, err := s.Registry.Lookup(hint.Type)
		if err != nil {
			return nil, false, err
		}
		wire, err := SerializeEnum(enumSpec, rv)
		return wire, true, err

	case schema.KindKey:
		k, err := asKey(rv)
		if err != nil {
			return nil, false, err
		}
		actual, err := s.Registry.SpecOf(k)
		if err != nil {
			return nil, false, err
		}
		if actual.Name != hint.Type {
			return nil, false, fmt.Errorf("%w: key field holds %s, expected %s", ErrPolymorphism, actual.Name, hint.Type)
		}
		wire, err := s.keys.Delimited(k)
		return wire, true, err

	case schema.KindData, schema.KindRecord:
		if rv.Kind() != reflect.Struct {
			return nil, false, fmt.Errorf("%w: chain expects a document, value is %s", ErrChainMismatch, rv.Kind())
		}
		actual, err := s.Registry.SpecOf(ptrTo(rv).Interface())
		if err != nil {
			return nil, false, err
		}
		expected, err := s.Registry.Lookup(hint.Type)
		if err != nil {
			return nil, false, err
		}
		entries, err := s.entries(actual, expected, rv, false)
		if err != nil {
			return nil, false, err
		}
		return EntriesToMap(entries), true, nil

	default:
		return nil, false, fmt.Errorf("%w: invalid hint kind %s", ErrSerialize, hint.Kind)
	}
}

// Deserialize reconstructs a typed value from its document form. The
// document's discriminator, when present, must resolve to expectedType or one
// of its descendants. The returned value is sealed.
func (s *DictSerializer) Deserialize(expectedType string, doc map[string]any) (any, error) {
	if s.Inclusion == IncludeOmit {
		return nil, fmt.Errorf("%w: inclusion policy is %s", ErrOmittedType, IncludeOmit)
	}

	expected, err := s.Registry.Lookup(expectedType)
	if err != nil {
		return nil, err
	}
	actual := expected
	if raw, ok := doc[TypeField]; ok {
		name, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s field is %T, expected string", ErrSerialize, TypeField, raw)
		}
		actual, err = s.Registry.Lookup(name)
		if err != nil {
			return nil, err
		}
		if err := s.checkAssignable(expected, actual); err != nil {
			return nil, err
		}
	}
	if actual.Abstract {
		concrete, _ := s.Registry.ConcreteDescendants(actual.Name)
		return nil, fmt.Errorf(
			"%w: %s is abstract, use one of its concrete descendants: %v",
			ErrAbstractType, actual.Name, concrete,
		)
	}

	v := actual.New()
	rv := reflect.ValueOf(v).Elem()
	for i := range actual.Fields {
		f := &actual.Fields[i]
		wire, ok := doc[f.Name]
		if !ok || wire == nil {
			continue
		}
		if err := s.deserializeValue(f.Hint, wire, f.Value(rv)); err != nil {
			return nil, fmt.Errorf("field %s of %s: %w", f.Name, actual.Name, err)
		}
	}

	if d, ok := v.(record.Data); ok {
		d.Seal()
	}
	return v, nil
}

func (s *DictSerializer) deserializeValue(hint *schema.Hint, wire any, target reflect.Value) error {
	if target.Kind() == reflect.Ptr {
		target.Set(reflect.New(target.Type().Elem()))
		target = target.Elem()
	}

	switch hint.Kind {
	case schema.KindPrimitive:
		return DeserializePrimitive(hint.Primitive, wire, target)

	case schema.KindEnum:
		enumSpec, err := s.Registry.Lookup(hint.Type)
		if err != nil {
			return err
		}
		return DeserializeEnum(enumSpec, wire, target)

	case schema.KindList:
		items, ok := wire.([]any)
		if !ok {
			return fmt.Errorf("%w: chain expects a sequence, wire value is %T", ErrChainMismatch, wire)
		}
		out := reflect.MakeSlice(target.Type(), len(items), len(items))
		for i, item := range items {
			if item == nil {
				continue
			}
			if err := s.deserializeValue(hint.Elem, item, out.Index(i)); err != nil {
				return err
			}
		}
		target.Set(out)
		return nil

	case schema.KindMap:
		items, ok := wire.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: chain expects a mapping, wire value is %T", ErrChainMismatch, wire)
		}
		out := reflect.MakeMapWithSize(target.Type(), len(items))
		elemType := target.Type().Elem()
		for k, item := range items {
			elem := reflect.New(elemType).Elem()
			if item != nil {
				if err := s.deserializeValue(hint.Elem, item, elem); err != nil {
					return err
				}
			}
			out.SetMapIndex(reflect.ValueOf(k), elem)
		}
		target.Set(out)
		return nil

	case schema.KindKey:
		delimited, ok := wire.(string)
		if !ok {
			return fmt.Errorf("%w: key field is %T, expected delimited string", ErrSerialize, wire)
		}
		k, err := s.keys.FromDelimited(hint.Type, delimited)
		if err != nil {
			return err
		}
		return assign(target, reflect.ValueOf(k))

	case schema.KindData, schema.KindRecord:
		doc, ok := wire.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: document field is %T, expected mapping", ErrChainMismatch, wire)
		}
		nested, err := s.Deserialize(hint.Type, doc)
		if err != nil {
			return err
		}
		return assign(target, reflect.ValueOf(nested))

	default:
		return fmt.Errorf("%w: invalid hint kind %s", ErrSerialize, hint.Kind)
	}
}

// checkAssignable errors unless actual is expected or one of its
// descendants.
func (s *DictSerializer) checkAssignable(expected, actual *schema.Spec) error {
	if actual.Name == expected.Name {
		return nil
	}
	descendants, err := s.Registry.Descendants(expected.Name)
	if err != nil {
		return err
	}
	for _, name := range descendants {
		if name == actual.Name {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not %s or a descendant", ErrPolymorphism, actual.Name, expected.Name)
}

// assign stores a deserialized pointer value into a struct, pointer or
// interface target.
func assign(target reflect.Value, v reflect.Value) error {
	switch {
	case v.Type().AssignableTo(target.Type()):
		target.Set(v)
		return nil
	case v.Kind() == reflect.Ptr && v.Type().Elem().AssignableTo(target.Type()):
		target.Set(v.Elem())
		return nil
	default:
		return fmt.Errorf("%w: cannot store %s into %s", ErrSerialize, v.Type().String(), target.Type().String())
	}
}

func asKey(rv reflect.Value) (record.Key, error) {
	if k, ok := rv.Interface().(record.Key); ok {
		return k, nil
	}
	if rv.CanAddr() {
		if k, ok := rv.Addr().Interface().(record.Key); ok {
			return k, nil
		}
	}
	p := ptrTo(rv)
	if k, ok := p.Interface().(record.Key); ok {
		return k, nil
	}
	return nil, fmt.Errorf("%w: type %s does not implement record.Key", ErrSerialize, rv.Type().String())
}

// ptrTo returns an addressable pointer to a copy of rv when rv itself is not
// addressable.
func ptrTo(rv reflect.Value) reflect.Value {
	if rv.CanAddr() {
		return rv.Addr()
	}
	p := reflect.New(rv.Type())
	p.Elem().Set(rv)
	return p
}
