package schema

import (
	"fmt"
	"reflect"
)

// A Field describes one serializable field of a data, key or record type.
type Field struct {
	// Name is the wire name (snake_case of the Go field name unless
	// overridden with a `polystore:"..."` tag).
	Name string

	// GoName is the Go struct field name.
	GoName string

	// Hint is the field's type-hint chain.
	Hint *Hint

	index []int
}

// Value returns the field's value on the given struct value.
func (f *Field) Value(structVal reflect.Value) reflect.Value {
	return structVal.FieldByIndex(f.index)
}

// A Spec is the schema reflection result for one registered type. Specs are
// built once at registration and never mutated afterwards.
type Spec struct {
	// Name is the canonical PascalCase type name.
	Name string

	// Kind of the registered type.
	Kind Kind

	// Abstract types cannot be instantiated directly; deserialization of an
	// abstract discriminator fails with the list of concrete descendants.
	Abstract bool

	// Parent is the name of the parent type within the hierarchy, empty for
	// hierarchy roots.
	Parent string

	// KeyType is the bound key type name. Set only for KindRecord.
	KeyType string

	// Fields in declaration order, base type fields first.
	Fields []Field

	// EnumNames maps enum values (by integer index) to PascalCase member
	// names. Set only for KindEnum.
	EnumNames []string

	rtype    reflect.Type // struct or enum type, never a pointer
	enumVals map[string]int64
}

// GoType returns the reflected Go type the spec was built from.
func (s *Spec) GoType() reflect.Type {
	return s.rtype
}

// New returns a pointer to a zero value of the spec's type.
func (s *Spec) New() any {
	return reflect.New(s.rtype).Interface()
}

// FieldByName returns the field with the given wire name.
func (s *Spec) FieldByName(name string) (*Field, bool) {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i], true
		}
	}
	return nil, false
}

// EnumName returns the member name for an enum value.
func (s *Spec) EnumName(value int64) (string, error) {
	if s.Kind != KindEnum {
		return "", fmt.Errorf("%w: type %s is not an enum", ErrSchemaViolation, s.Name)
	}
	if value < 0 || value >= int64(len(s.EnumNames)) || s.EnumNames[value] == "" {
		return "", fmt.Errorf("%w: enum %s has no member with value %d", ErrSchemaViolation, s.Name, value)
	}
	return s.EnumNames[value], nil
}

// EnumValue returns the enum value for a member name.
func (s *Spec) EnumValue(name string) (int64, error) {
	if s.Kind != KindEnum {
		return 0, fmt.Errorf("%w: type %s is not an enum", ErrSchemaViolation, s.Name)
	}
	v, ok := s.enumVals[name]
	if !ok {
		return 0, fmt.Errorf("%w: enum %s does not include the member %q", ErrSchemaViolation, s.Name, name)
	}
	return v, nil
}

// An Option configures type registration.
type Option func(*registration)

type registration struct {
	name     string
	aliases  []string
	kind     Kind
	abstract bool
	parent   any
	keyProto any
}

// WithName overrides the canonical type name derived from the Go type name.
// Use to resolve name collisions between packages.
func WithName(name string) Option {
	return func(r *registration) { r.name = name }
}

// WithAlias registers an additional name resolving to the same type.
func WithAlias(alias string) Option {
	return func(r *registration) { r.aliases = append(r.aliases, alias) }
}

// AsKey registers the type as a key type.
func AsKey() Option {
	return func(r *registration) { r.kind = KindKey }
}

// AsRecord registers the type as a record type bound to the given key type.
// The key type must already be registered.
func AsRecord(keyProto any) Option {
	return func(r *registration) {
		r.kind = KindRecord
		r.keyProto = keyProto
	}
}

// Abstract marks the type as non-instantiable.
func Abstract() Option {
	return func(r *registration) { r.abstract = true }
}

// Parent declares the parent type in the hierarchy. The parent must already
// be registered and have the same kind.
func Parent(parentProto any) Option {
	return func(r *registration) { r.parent = parentProto }
}
