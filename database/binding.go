package database

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bluele/gcache"
	"github.com/golang/glog"

	"github.com/polystore/polystore/database/record"
	"github.com/polystore/polystore/database/schema"
	"github.com/polystore/polystore/database/storage"
)

// BindingTable is the table holding the table-binding records.
const BindingTable = "TableBinding"

const bindingTypeName = "TableBinding"

// TableBindingKey identifies one binding: one per (table, record type) pair.
type TableBindingKey struct {
	record.Base
	Table      string
	RecordType string
}

// GetKey implements record.Key.
func (k *TableBindingKey) GetKey() record.Key { return k }

// A TableBinding is the persisted fact that a table may contain records of a
// type, written for a record's type and every ancestor on the first save of
// a previously unseen (table, type) pair. Bindings are never deleted except
// by dropping the database.
type TableBinding struct {
	TableBindingKey
	KeyType string
}

// registerBindingTypes adds the binding types to a registry, tolerating a DB
// that shares its registry with an earlier one.
func registerBindingTypes(reg *schema.Registry) error {
	_, err := reg.Register(&TableBindingKey{}, schema.AsKey())
	if err != nil && !errors.Is(err, schema.ErrAlreadyExists) {
		return err
	}
	_, err = reg.Register(&TableBinding{}, schema.AsRecord(&TableBindingKey{}))
	if err != nil && !errors.Is(err, schema.ErrAlreadyExists) {
		return err
	}
	return nil
}

// bindingFilter queries the binding table on one of its key fields.
func bindingFilter(field, value string) *storage.Filter {
	return &storage.Filter{
		QueryType:   "TableBindingBy" + schema.PascalCase(field),
		IndexFields: []string{field},
		Conditions:  map[string]any{field: value},
	}
}

// bindingsFor returns the bindings describing one table, cached per DB.
func (db *DB) bindingsFor(ctx context.Context, table string) ([]*TableBinding, error) {
	if cached, err := db.bindings.Get(table); err == nil {
		return cached.([]*TableBinding), nil
	} else if !errors.Is(err, gcache.KeyNotFoundError) {
		return nil, err
	}

	docs, err := db.backend.LoadWhere(
		ctx, BindingTable, db.scope,
		[]string{bindingTypeName}, bindingFilter("table", table),
		storage.Options{Sort: storage.SortAsc},
	)
	if err != nil {
		return nil, err
	}

	list := make([]*TableBinding, 0, len(docs))
	for _, doc := range docs {
		b, err := db.decodeBinding(doc)
		if err != nil {
			return nil, err
		}
		list = append(list, b)
	}
	_ = db.bindings.Set(table, list)
	return list, nil
}

func (db *DB) decodeBinding(doc map[string]any) (*TableBinding, error) {
	r, err := db.decode(doc)
	if err != nil {
		return nil, err
	}
	b, ok := r.(*TableBinding)
	if !ok {
		return nil, fmt.Errorf("%w: binding table holds a %T", ErrTypeMismatch, r)
	}
	return b, nil
}

// ensureBindings writes the bindings for a record type and all its ancestors
// into the binding table, once per (table, type) pair per DB instance.
func (db *DB) ensureBindings(ctx context.Context, table string, spec *schema.Spec) error {
	pair := table + "|" + spec.Name
	db.boundMu.Lock()
	done := db.bound[pair]
	db.boundMu.Unlock()
	if done {
		return nil
	}

	var docs []storage.Document
	for current := spec; ; {
		binding := &TableBinding{
			TableBindingKey: TableBindingKey{Table: table, RecordType: current.Name},
			KeyType:         current.KeyType,
		}
		binding.Seal()

		doc, err := db.encode(binding)
		if err != nil {
			return err
		}
		docs = append(docs, doc)

		if current.Parent == "" {
			break
		}
		parent, err := db.registry.Lookup(current.Parent)
		if err != nil {
			return err
		}
		current = parent
	}

	if err := db.backend.Save(ctx, BindingTable, db.scope, docs, storage.SaveReplace); err != nil {
		return err
	}
	glog.Infof("database: bound type %s to table %s", spec.Name, table)

	db.boundMu.Lock()
	db.bound[pair] = true
	db.boundMu.Unlock()
	db.bindings.Remove(table)
	return nil
}

// GetTables lists the physical tables of the database.
func (db *DB) GetTables(ctx context.Context) ([]string, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	return db.backend.Tables(ctx)
}

// GetBoundTables returns the tables a record type is bound to, in name order.
func (db *DB) GetBoundTables(ctx context.Context, recordType string) ([]string, error) {
	if err := db.check(); err != nil {
		return nil, err
	}

	docs, err := db.backend.LoadWhere(
		ctx, BindingTable, db.scope,
		[]string{bindingTypeName}, bindingFilter("record_type", recordType),
		storage.Options{Sort: storage.SortAsc},
	)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(docs))
	var tables []string
	for _, doc := range docs {
		b, err := db.decodeBinding(doc)
		if err != nil {
			return nil, err
		}
		if !seen[b.Table] {
			seen[b.Table] = true
			tables = append(tables, b.Table)
		}
	}
	sort.Strings(tables)
	return tables, nil
}

// GetBoundRecordTypeNames returns the record type names bound to a table, in
// name order.
func (db *DB) GetBoundRecordTypeNames(ctx context.Context, table string) ([]string, error) {
	if err := db.check(); err != nil {
		return nil, err
	}

	bindings, err := db.bindingsFor(ctx, table)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(bindings))
	for _, b := range bindings {
		names = append(names, b.RecordType)
	}
	sort.Strings(names)
	return names, nil
}

// GetAllowedRecordTypeNames returns every record type name that may be
// stored in a table: the bound types plus all their registered descendants.
func (db *DB) GetAllowedRecordTypeNames(ctx context.Context, table string) ([]string, error) {
	bound, err := db.GetBoundRecordTypeNames(ctx, table)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var allowed []string
	for _, name := range bound {
		descendants, err := db.registry.Descendants(name)
		if err != nil {
			return nil, err
		}
		for _, d := range descendants {
			if !seen[d] {
				seen[d] = true
				allowed = append(allowed, d)
			}
		}
	}
	sort.Strings(allowed)
	return allowed, nil
}

// GetLowestBoundRecordTypeName returns the lowest common ancestor of the
// record types bound to a table.
func (db *DB) GetLowestBoundRecordTypeName(ctx context.Context, table string) (string, error) {
	bound, err := db.GetBoundRecordTypeNames(ctx, table)
	if err != nil {
		return "", err
	}
	if len(bound) == 0 {
		return "", fmt.Errorf("%w: no record types bound to table %s", ErrNotFound, table)
	}
	return db.registry.CommonBase(bound)
}

// GetBoundKeyType returns the common key type of the record types bound to a
// table.
func (db *DB) GetBoundKeyType(ctx context.Context, table string) (string, error) {
	if err := db.check(); err != nil {
		return "", err
	}

	bindings, err := db.bindingsFor(ctx, table)
	if err != nil {
		return "", err
	}
	if len(bindings) == 0 {
		return "", fmt.Errorf("%w: no record types bound to table %s", ErrNotFound, table)
	}
	keyTypes := make([]string, 0, len(bindings))
	for _, b := range bindings {
		if b.KeyType != "" {
			keyTypes = append(keyTypes, b.KeyType)
		}
	}
	return db.registry.CommonBase(keyTypes)
}
