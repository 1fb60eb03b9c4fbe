package serialize

import "errors"

// Errors.
var (
	// ErrSerialize is returned when a value cannot be converted to its wire
	// form or back.
	ErrSerialize = errors.New("serialization failed")

	// ErrChainMismatch is returned when a type-hint chain is longer or
	// shorter than the nesting depth of the value it describes.
	ErrChainMismatch = errors.New("type-hint chain does not match value nesting")

	// ErrPolymorphism is returned when a value's type is neither the schema
	// type of its field nor one of its descendants.
	ErrPolymorphism = errors.New("value type is incompatible with schema type")

	// ErrAbstractType is returned when a type discriminator resolves to an
	// abstract type on deserialization.
	ErrAbstractType = errors.New("abstract type cannot be instantiated")

	// ErrOmittedType is returned when deserialization is attempted under the
	// Omit inclusion policy.
	ErrOmittedType = errors.New("cannot deserialize without type information")
)
