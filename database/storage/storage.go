// Package storage defines the backend contract shared by all store adapters
// and the registry through which adapters plug in. Backends translate the
// neutral filter vocabulary and the uniform load/save/delete semantics into
// their native query language; everything type-aware (schema lookups,
// serialization, restrict_to expansion) happens above them in the database
// package, except for the schema access a backend needs to lay out its own
// physical storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/polystore/polystore/database/schema"
	"github.com/polystore/polystore/database/serialize"
)

// Scope is the isolation context stamped on every stored document and
// enforced on every query.
type Scope struct {
	Dataset string
	Tenant  string
}

// SortOrder of a backend load.
type SortOrder uint8

// Sort orders. Asc and Desc sort by the serialized key field, Unordered
// performs no sort. Input (same order as a given input list) is part of the
// interface but implemented by no current adapter; adapters fail loudly
// rather than silently ignore it.
const (
	SortUnordered SortOrder = iota
	SortAsc
	SortDesc
	SortInput
)

func (s SortOrder) String() string {
	switch s {
	case SortUnordered:
		return "unordered"
	case SortAsc:
		return "asc"
	case SortDesc:
		return "desc"
	case SortInput:
		return "input"
	default:
		return "invalid"
	}
}

// SavePolicy of a backend save.
type SavePolicy uint8

// Save policies.
const (
	// SaveInsert fails when a document with the same key already exists.
	SaveInsert SavePolicy = iota

	// SaveReplace overwrites any existing document with the same key.
	SaveReplace
)

func (p SavePolicy) String() string {
	switch p {
	case SaveInsert:
		return "insert"
	case SaveReplace:
		return "replace"
	default:
		return "invalid"
	}
}

// Options control sorting and pagination of a load. The zero value means
// unordered, no skip, no limit.
type Options struct {
	Sort SortOrder

	// Limit caps the result count. nil means no limit; zero means an empty
	// result, the opposite of the raw semantics of several client libraries.
	Limit *int

	// Skip drops the first n results.
	Skip int
}

// A Filter carries one query type's neutral filter against a table. The
// query type identifies the index to create on first use; Conditions is the
// neutral operator document with all values in wire form.
type Filter struct {
	QueryType   string
	IndexFields []string
	Conditions  map[string]any
}

// A Document is one record in its serialized form, ready for stamping and
// storage. Entries preserve field order so that backends with ordered
// documents keep the discriminator placement.
type Document struct {
	// Key is the delimited serialized primary key.
	Key string

	// Type is the most-derived record type name.
	Type string

	// Entries is the ordered serialized payload, discriminator included.
	Entries []serialize.Entry
}

// Backend is the storage contract every adapter implements. All methods are
// scoped to one database identifier; the uniform semantics (restrict_to
// lists, limit=0, housekeeping fields) are documented on the helpers in this
// package.
type Backend interface {
	// Name returns the adapter type name.
	Name() string

	// LoadByKeys returns the documents matching the given serialized keys,
	// in no particular order. Missing keys are simply absent from the
	// result.
	LoadByKeys(ctx context.Context, table string, scope Scope, keys []string) ([]map[string]any, error)

	// LoadWhere returns the documents matching the neutral filter, the
	// restrict list and the options. A nil filter applies no field
	// conditions; a nil restrictTo applies no type filter.
	LoadWhere(ctx context.Context, table string, scope Scope, restrictTo []string, filter *Filter, opts Options) ([]map[string]any, error)

	// CountWhere counts instead of loading.
	CountWhere(ctx context.Context, table string, scope Scope, restrictTo []string, filter *Filter) (int64, error)

	// Save writes the documents under the given policy.
	Save(ctx context.Context, table string, scope Scope, docs []Document, policy SavePolicy) error

	// Delete removes the documents with the given serialized keys. Missing
	// keys are not an error.
	Delete(ctx context.Context, table string, scope Scope, keys []string) error

	// Tables lists the physical tables of the database.
	Tables(ctx context.Context) ([]string, error)

	// Drop destroys the whole database. Gating happens above, in the
	// database package.
	Drop(ctx context.Context) error

	// Close releases the adapter's resources.
	Close() error
}

// FactoryOpts carry everything an adapter needs to come up.
type FactoryOpts struct {
	// DBID is the database identifier (database name, file path stem).
	DBID string

	// Location is the adapter-specific address: a connection URI for the
	// server stores, a directory for the file stores.
	Location string

	// Registry gives adapters with physical schemas (column layouts) access
	// to the registered types.
	Registry *schema.Registry
}

// A Factory creates a new backend of its type.
type Factory func(opts FactoryOpts) (Backend, error)

var (
	backends     = make(map[string]Factory)
	backendsLock sync.Mutex
)

// Register registers a new backend type. Called from adapter init functions.
func Register(name string, factory Factory) error {
	backendsLock.Lock()
	defer backendsLock.Unlock()

	if _, ok := backends[name]; ok {
		return errors.New("factory for this backend type already exists")
	}
	backends[name] = factory
	return nil
}

// Open creates a backend of the given type.
func Open(backendType string, opts FactoryOpts) (Backend, error) {
	backendsLock.Lock()
	factory, ok := backends[backendType]
	backendsLock.Unlock()

	if !ok {
		return nil, fmt.Errorf("backend of type %q does not exist", backendType)
	}
	return factory(opts)
}
