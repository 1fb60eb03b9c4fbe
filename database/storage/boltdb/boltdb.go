// Package boltdb is the supplemental local store adapter: one bbolt bucket
// per table, CBOR document bodies, and client-side evaluation of the neutral
// filter vocabulary. It needs no server and is the backend of choice for
// tests and local caches.
package boltdb

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/glog"
	"go.etcd.io/bbolt"

	"github.com/polystore/polystore/database/storage"
)

// BackendName identifies this adapter in the backend registry.
const BackendName = "boltdb"

func init() {
	_ = storage.Register(BackendName, New)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Bolt is a single-file store. One instance owns one database file.
type Bolt struct {
	dbID string
	path string
	db   *bbolt.DB

	mu     sync.Mutex
	closed bool
}

// New opens or creates the database file under opts.Location.
func New(opts storage.FactoryOpts) (storage.Backend, error) {
	if opts.Location == "" {
		return nil, fmt.Errorf("%w: boltdb needs a location directory", storage.ErrNameConstraint)
	}
	if err := os.MkdirAll(opts.Location, 0o700); err != nil {
		return nil, err
	}

	path := filepath.Join(opts.Location, opts.DBID+".bbolt")
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	glog.Infof("boltdb: opened %s", path)

	return &Bolt{
		dbID: opts.DBID,
		path: path,
		db:   db,
	}, nil
}

// Name implements storage.Backend.
func (b *Bolt) Name() string { return BackendName }

// docID builds the bucket key: the scope prefix plus the serialized record
// key.
func docID(scope storage.Scope, key string) []byte {
	return []byte(scope.Dataset + "/" + scope.Tenant + "/" + key)
}

func scopePrefix(scope storage.Scope) []byte {
	return []byte(scope.Dataset + "/" + scope.Tenant + "/")
}

// LoadByKeys implements storage.Backend.
func (b *Bolt) LoadByKeys(ctx context.Context, table string, scope storage.Scope, keys []string) ([]map[string]any, error) {
	storage.CountOp(BackendName, "load_by_keys")

	var docs []map[string]any
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(table))
		if bucket == nil {
			return nil
		}
		for _, key := range keys {
			raw := bucket.Get(docID(scope, key))
			if raw == nil {
				continue
			}
			doc := make(map[string]any)
			if err := decMode.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("corrupt document %s: %w", key, err)
			}
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// LoadWhere implements storage.Backend. Filtering, sorting and pagination
// all happen client-side over a scope-prefix scan.
func (b *Bolt) LoadWhere(ctx context.Context, table string, scope storage.Scope, restrictTo []string, filter *storage.Filter, opts storage.Options) ([]map[string]any, error) {
	storage.CountOp(BackendName, "load_where")

	if err := storage.ValidateOptions(opts); err != nil {
		return nil, err
	}
	if storage.EmptyResult(opts) {
		return nil, nil
	}

	docs, err := b.scan(table, scope, restrictTo, filter)
	if err != nil {
		return nil, err
	}
	if err := storage.ApplySort(docs, opts.Sort); err != nil {
		return nil, err
	}
	return storage.ApplyLimitSkip(docs, opts), nil
}

// CountWhere implements storage.Backend.
func (b *Bolt) CountWhere(ctx context.Context, table string, scope storage.Scope, restrictTo []string, filter *storage.Filter) (int64, error) {
	storage.CountOp(BackendName, "count_where")

	docs, err := b.scan(table, scope, restrictTo, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

func (b *Bolt) scan(table string, scope storage.Scope, restrictTo []string, filter *storage.Filter) ([]map[string]any, error) {
	var docs []map[string]any
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(table))
		if bucket == nil {
			return nil
		}
		prefix := scopePrefix(scope)
		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			doc := make(map[string]any)
			if err := decMode.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("corrupt document %s: %w", k, err)
			}
			if !storage.TypeAllowed(doc, restrictTo) {
				continue
			}
			if filter != nil {
				ok, err := storage.Matches(doc, filter.Conditions)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
			}
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// Save implements storage.Backend.
func (b *Bolt) Save(ctx context.Context, table string, scope storage.Scope, docs []storage.Document, policy storage.SavePolicy) error {
	storage.CountOp(BackendName, "save")

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return err
		}
		for _, doc := range docs {
			id := docID(scope, doc.Key)
			if policy == storage.SaveInsert && bucket.Get(id) != nil {
				return fmt.Errorf("%w: key %s already exists in %s", storage.ErrPreconditionFailed, doc.Key, table)
			}
			body, err := encMode.Marshal(storage.StampMap(doc, scope))
			if err != nil {
				return err
			}
			if err := bucket.Put(id, body); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete implements storage.Backend.
func (b *Bolt) Delete(ctx context.Context, table string, scope storage.Scope, keys []string) error {
	storage.CountOp(BackendName, "delete")

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(table))
		if bucket == nil {
			return nil
		}
		for _, key := range keys {
			if err := bucket.Delete(docID(scope, key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Tables implements storage.Backend.
func (b *Bolt) Tables(ctx context.Context) ([]string, error) {
	var tables []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			tables = append(tables, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tables, nil
}

// Drop implements storage.Backend. Closes the handle and removes the file.
func (b *Bolt) Drop(ctx context.Context) error {
	storage.CountOp(BackendName, "drop")

	if err := b.Close(); err != nil {
		return err
	}
	glog.Warningf("boltdb: dropping %s", b.path)
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close implements storage.Backend.
func (b *Bolt) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
