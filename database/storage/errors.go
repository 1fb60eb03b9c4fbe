package storage

import "errors"

// Errors.
var (
	// ErrNotFound is returned when a requested document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrInvalidOptions is returned for negative limit or skip values.
	ErrInvalidOptions = errors.New("invalid load options")

	// ErrSortInputUnsupported is returned for SortInput, which no current
	// adapter implements.
	ErrSortInputUnsupported = errors.New("input sort order is not supported by this backend")

	// ErrPreconditionFailed is returned when an insert hits an existing key
	// or a replace races a concurrent revision.
	ErrPreconditionFailed = errors.New("storage precondition failed")

	// ErrNameConstraint is returned when a database, table or column name
	// violates the backend's naming rules.
	ErrNameConstraint = errors.New("name violates backend constraints")

	// ErrDatasetMismatch is returned when a loaded document carries a
	// dataset other than the one queried, indicating store corruption or a
	// misrouted write.
	ErrDatasetMismatch = errors.New("document dataset does not match query dataset")
)
