// Package database is the storage front: it resolves typed keys and records
// to tables through the schema registry, validates every input before any
// I/O, serializes through the dict serializer, and delegates table-level work
// to a storage backend. One DB wraps one backend instance scoped to one
// dataset and tenant.
package database

import (
	"fmt"
	"sync"

	"github.com/bluele/gcache"
	"github.com/tevino/abool"

	"github.com/polystore/polystore/database/schema"
	"github.com/polystore/polystore/database/serialize"
	"github.com/polystore/polystore/database/storage"
)

// Default naming prefixes gating the destructive drop operations.
const (
	DefaultTestPrefix = "test_"
	DefaultTempPrefix = "temp_"
)

const bindingCacheSize = 256

// Options configure a DB.
type Options struct {
	// Backend is the registered backend type name.
	Backend string

	// DBID is the database identifier handed to the backend.
	DBID string

	// Location is the backend-specific address (URI or directory).
	Location string

	// Registry holds the registered types. Defaults to schema.Default.
	Registry *schema.Registry

	// Scope is the dataset/tenant isolation context of every operation.
	Scope storage.Scope

	// TestPrefix gates DropTestDB. Defaults to DefaultTestPrefix.
	TestPrefix string

	// TempPrefix gates DropTempDB. Defaults to DefaultTempPrefix.
	TempPrefix string
}

// DB is the typed storage front over one backend.
type DB struct {
	backend  storage.Backend
	registry *schema.Registry
	scope    storage.Scope
	dbID     string

	testPrefix string
	tempPrefix string

	serializer *serialize.DictSerializer
	keys       *serialize.KeySerializer

	bindings gcache.Cache // table name -> []*TableBinding

	boundMu sync.Mutex
	bound   map[string]bool // "table|type" pairs with written bindings

	shuttingDown abool.AtomicBool
}

// New opens a database. The table-binding types are registered into the
// registry if they are not yet present.
func New(opts Options) (*DB, error) {
	if opts.Registry == nil {
		opts.Registry = schema.Default
	}
	if opts.TestPrefix == "" {
		opts.TestPrefix = DefaultTestPrefix
	}
	if opts.TempPrefix == "" {
		opts.TempPrefix = DefaultTempPrefix
	}
	if err := registerBindingTypes(opts.Registry); err != nil {
		return nil, err
	}

	backend, err := storage.Open(opts.Backend, storage.FactoryOpts{
		DBID:     opts.DBID,
		Location: opts.Location,
		Registry: opts.Registry,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", opts.Backend, err)
	}

	return &DB{
		backend:    backend,
		registry:   opts.Registry,
		scope:      opts.Scope,
		dbID:       opts.DBID,
		testPrefix: opts.TestPrefix,
		tempPrefix: opts.TempPrefix,
		serializer: serialize.NewDictSerializer(opts.Registry, serialize.IncludeAsNeeded, serialize.PlaceFirst),
		keys:       serialize.NewKeySerializer(opts.Registry),
		bindings:   gcache.New(bindingCacheSize).LRU().Build(),
		bound:      map[string]bool{BindingTable + "|" + bindingTypeName: true},
	}, nil
}

// Backend returns the underlying backend.
func (db *DB) Backend() storage.Backend {
	return db.backend
}

// Scope returns the dataset/tenant context of this DB.
func (db *DB) Scope() storage.Scope {
	return db.scope
}

// Close shuts the database down. All operations fail with ErrShuttingDown
// afterwards.
func (db *DB) Close() error {
	db.shuttingDown.Set()
	return db.backend.Close()
}

func (db *DB) check() error {
	if db.shuttingDown.IsSet() {
		return ErrShuttingDown
	}
	return nil
}
