package schema

import "errors"

// Errors.
var (
	ErrNotRegistered   = errors.New("type is not registered")
	ErrAlreadyExists   = errors.New("type name is already registered")
	ErrSchemaViolation = errors.New("schema violation")
)
