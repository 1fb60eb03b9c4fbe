package database

import (
	"context"
	"fmt"

	"github.com/polystore/polystore/database/query"
	"github.com/polystore/polystore/database/record"
	"github.com/polystore/polystore/database/schema"
	"github.com/polystore/polystore/database/storage"
)

// LoadOne loads the record behind a key. A record passed instead of a key is
// returned unchanged without any I/O, which supports uniform record-or-key
// call sites. A key that resolves to nothing fails with ErrNotFound.
func (db *DB) LoadOne(ctx context.Context, keyOrRecord any) (record.Record, error) {
	r, err := db.LoadOneOrNone(ctx, keyOrRecord)
	if err != nil {
		return nil, err
	}
	if r == nil {
		key, _ := keyOrRecord.(record.Key)
		delimited, _ := db.keys.Delimited(key)
		return nil, fmt.Errorf("%w: key %s", ErrNotFound, delimited)
	}
	return r, nil
}

// LoadOneOrNone is LoadOne returning nil instead of ErrNotFound.
func (db *DB) LoadOneOrNone(ctx context.Context, keyOrRecord any) (record.Record, error) {
	if err := db.check(); err != nil {
		return nil, err
	}

	spec, err := db.registry.SpecOf(keyOrRecord)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	switch spec.Kind {
	case schema.KindRecord:
		r, ok := keyOrRecord.(record.Record)
		if !ok {
			return nil, fmt.Errorf("%w: %s does not implement record.Record", ErrInvalidInput, spec.Name)
		}
		if _, err := db.checkSealedRecord(r); err != nil {
			return nil, err
		}
		return r, nil

	case schema.KindKey:
		key, ok := keyOrRecord.(record.Key)
		if !ok {
			return nil, fmt.Errorf("%w: %s does not implement record.Key", ErrInvalidInput, spec.Name)
		}
		if _, err := db.checkSealedKey(key); err != nil {
			return nil, err
		}
		return db.loadByKey(ctx, spec, key)

	default:
		return nil, fmt.Errorf("%w: %s is registered as %s, expected key or record", ErrInvalidInput, spec.Name, spec.Kind)
	}
}

func (db *DB) loadByKey(ctx context.Context, keySpec *schema.Spec, key record.Key) (record.Record, error) {
	table, err := db.registry.TableFor(keySpec)
	if err != nil {
		return nil, err
	}
	delimited, err := db.keys.Delimited(key)
	if err != nil {
		return nil, err
	}

	docs, err := db.backend.LoadByKeys(ctx, table, db.scope, []string{delimited})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return db.decode(docs[0])
}

// LoadMany loads a batch of keys, preserving input order and length. Records
// pass through without I/O, nil entries and missing keys resolve to nil
// placeholders. Keys are grouped by table and loaded in one unsorted batch
// per table.
func (db *DB) LoadMany(ctx context.Context, keysOrRecords []any) ([]record.Record, error) {
	if err := db.check(); err != nil {
		return nil, err
	}

	results := make([]record.Record, len(keysOrRecords))

	// position lists per table, keyed by serialized key
	type slot struct {
		table     string
		delimited string
	}
	slots := make([]slot, len(keysOrRecords))
	byTable := make(map[string][]string)

	for i, v := range keysOrRecords {
		if v == nil {
			continue
		}
		spec, err := db.registry.SpecOf(v)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInvalidInput, i, err)
		}
		switch spec.Kind {
		case schema.KindRecord:
			r, ok := v.(record.Record)
			if !ok {
				return nil, fmt.Errorf("%w: entry %d: %s does not implement record.Record", ErrInvalidInput, i, spec.Name)
			}
			if _, err := db.checkSealedRecord(r); err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			results[i] = r

		case schema.KindKey:
			key, ok := v.(record.Key)
			if !ok {
				return nil, fmt.Errorf("%w: entry %d: %s does not implement record.Key", ErrInvalidInput, i, spec.Name)
			}
			if _, err := db.checkSealedKey(key); err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			table, err := db.registry.TableFor(spec)
			if err != nil {
				return nil, err
			}
			delimited, err := db.keys.Delimited(key)
			if err != nil {
				return nil, err
			}
			slots[i] = slot{table: table, delimited: delimited}
			byTable[table] = append(byTable[table], delimited)

		default:
			return nil, fmt.Errorf("%w: entry %d: %s is registered as %s, expected key or record", ErrInvalidInput, i, spec.Name, spec.Kind)
		}
	}

	loaded := make(map[string]record.Record)
	for table, keys := range byTable {
		docs, err := db.backend.LoadByKeys(ctx, table, db.scope, keys)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			delimited := storage.DocKey(doc)
			r, err := db.decode(doc)
			if err != nil {
				return nil, err
			}
			loaded[table+"|"+delimited] = r
		}
	}

	for i := range slots {
		if slots[i].delimited == "" {
			continue
		}
		results[i] = loaded[slots[i].table+"|"+slots[i].delimited]
	}
	return results, nil
}

// LoadTable loads all records of a table.
func (db *DB) LoadTable(ctx context.Context, table string, opts storage.Options) ([]record.Record, error) {
	if err := db.check(); err != nil {
		return nil, err
	}

	docs, err := db.backend.LoadWhere(ctx, table, db.scope, nil, nil, opts)
	if err != nil {
		return nil, err
	}
	return db.decodeAll(docs)
}

// LoadType loads all records of a type and its descendants across every
// table the type is bound to. When the type spans multiple tables, a single
// combined limit and skip applies across tables in name order: each table is
// queried with skip zero and a limit inflated by the remaining skip, so that
// global pagination is correct without over- or under-fetching.
func (db *DB) LoadType(ctx context.Context, recordType string, opts storage.Options) ([]record.Record, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	if err := storage.ValidateOptions(opts); err != nil {
		return nil, err
	}
	if storage.EmptyResult(opts) {
		return nil, nil
	}

	spec, err := db.registry.Lookup(recordType)
	if err != nil {
		return nil, err
	}
	if spec.Kind != schema.KindRecord {
		return nil, fmt.Errorf("%w: %s is registered as %s, not record", ErrTypeMismatch, spec.Name, spec.Kind)
	}
	restrictTo, err := db.registry.Descendants(spec.Name)
	if err != nil {
		return nil, err
	}
	tables, err := db.GetBoundTables(ctx, spec.Name)
	if err != nil {
		return nil, err
	}

	remainingSkip := opts.Skip
	var remainingLimit *int
	if opts.Limit != nil {
		l := *opts.Limit
		remainingLimit = &l
	}

	var out []record.Record
	for _, table := range tables {
		tableOpts := storage.Options{Sort: opts.Sort}
		if remainingLimit != nil {
			inflated := remainingSkip + *remainingLimit
			tableOpts.Limit = &inflated
		}

		docs, err := db.backend.LoadWhere(ctx, table, db.scope, restrictTo, nil, tableOpts)
		if err != nil {
			return nil, err
		}
		if remainingSkip > 0 {
			if remainingSkip >= len(docs) {
				remainingSkip -= len(docs)
				continue
			}
			docs = docs[remainingSkip:]
			remainingSkip = 0
		}
		if remainingLimit != nil && *remainingLimit < len(docs) {
			docs = docs[:*remainingLimit]
		}

		records, err := db.decodeAll(docs)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)

		if remainingLimit != nil {
			*remainingLimit -= len(records)
			if *remainingLimit == 0 {
				break
			}
		}
	}
	return out, nil
}

// LoadWhere loads the records matching a query. An empty restrictTo targets
// the query's own record type; a record type name narrows to that type and
// its descendants; a key type name must match the target's key type exactly.
func (db *DB) LoadWhere(ctx context.Context, q query.Query, restrictTo string, opts storage.Options) ([]record.Record, error) {
	if err := db.check(); err != nil {
		return nil, err
	}

	table, restrict, filter, err := db.buildQuery(q, restrictTo)
	if err != nil {
		return nil, err
	}
	docs, err := db.backend.LoadWhere(ctx, table, db.scope, restrict, filter, opts)
	if err != nil {
		return nil, err
	}
	return db.decodeAll(docs)
}

// CountWhere counts the records matching a query.
func (db *DB) CountWhere(ctx context.Context, q query.Query, restrictTo string) (int64, error) {
	if err := db.check(); err != nil {
		return 0, err
	}

	table, restrict, filter, err := db.buildQuery(q, restrictTo)
	if err != nil {
		return 0, err
	}
	return db.backend.CountWhere(ctx, table, db.scope, restrict, filter)
}

func (db *DB) buildQuery(q query.Query, restrictTo string) (string, []string, *storage.Filter, error) {
	target, err := db.registry.SpecOf(q.Target())
	if err != nil {
		return "", nil, nil, err
	}
	if target.Kind != schema.KindRecord {
		return "", nil, nil, fmt.Errorf("%w: query target %s is registered as %s, not record", ErrTypeMismatch, target.Name, target.Kind)
	}
	table, err := db.registry.TableFor(target)
	if err != nil {
		return "", nil, nil, err
	}
	restrict, err := db.expandRestrictTo(target, restrictTo)
	if err != nil {
		return "", nil, nil, err
	}

	querySpec, err := db.registry.SpecOf(q)
	if err != nil {
		return "", nil, nil, err
	}
	conditions, err := query.Filter(db.registry, q)
	if err != nil {
		return "", nil, nil, err
	}
	indexFields, err := query.IndexFields(db.registry, querySpec)
	if err != nil {
		return "", nil, nil, err
	}

	return table, restrict, &storage.Filter{
		QueryType:   querySpec.Name,
		IndexFields: indexFields,
		Conditions:  conditions,
	}, nil
}
