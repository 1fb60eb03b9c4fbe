package database

import (
	"errors"

	"github.com/polystore/polystore/database/schema"
	"github.com/polystore/polystore/database/storage"
)

// Errors. The storage and schema sentinels are re-exported so that callers
// can match every failure kind against this package alone.
var (
	// ErrNotFound is returned by LoadOne when the key resolves to nothing.
	ErrNotFound = storage.ErrNotFound

	// ErrInvalidInput is returned when a batch element is not one of the
	// kinds the call allows, or is an unsealed key or record.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTypeMismatch is returned when a restrict_to type is incompatible
	// with the query target, or a stored discriminator resolves outside the
	// expected hierarchy.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrSchemaViolation is returned for schema-level failures such as
	// querying a container field or constructing an abstract type.
	ErrSchemaViolation = schema.ErrSchemaViolation

	// ErrPreconditionFailed is returned by gated destructive operations and
	// by insert saves over existing keys.
	ErrPreconditionFailed = storage.ErrPreconditionFailed

	// ErrNameConstraint is returned when an identifier fails a backend's
	// naming rules.
	ErrNameConstraint = storage.ErrNameConstraint

	// ErrShuttingDown is returned by every operation after Close.
	ErrShuttingDown = errors.New("database is shutting down")
)
