package serialize

import (
	"fmt"
	"reflect"

	"github.com/polystore/polystore/database/schema"
)

// SerializeEnum converts an enum field value to its PascalCase member name.
func SerializeEnum(spec *schema.Spec, rv reflect.Value) (string, error) {
	name, err := spec.EnumName(rv.Int())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialize, err)
	}
	return name, nil
}

// DeserializeEnum converts a PascalCase member name back into the enum field.
func DeserializeEnum(spec *schema.Spec, wire any, target reflect.Value) error {
	name, ok := wire.(string)
	if !ok {
		return typeErr("enum member name", wire)
	}
	v, err := spec.EnumValue(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialize, err)
	}
	target.SetInt(v)
	return nil
}
