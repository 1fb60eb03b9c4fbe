package database

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/polystore/polystore/database/record"
	"github.com/polystore/polystore/database/schema"
	"github.com/polystore/polystore/database/storage"
)

// SaveOne saves a single sealed record.
func (db *DB) SaveOne(ctx context.Context, r record.Record, policy storage.SavePolicy) error {
	return db.SaveMany(ctx, []record.Record{r}, policy)
}

// SaveMany saves a batch of sealed records, grouped into one backend call
// per table. The first time a (table, type) pair is seen, a table binding is
// written for the type and every ancestor. Tables are saved independently; a
// batch spanning tables is not atomic across them and all per-table errors
// are aggregated.
func (db *DB) SaveMany(ctx context.Context, records []record.Record, policy storage.SavePolicy) error {
	if err := db.check(); err != nil {
		return err
	}

	type group struct {
		specs []*schema.Spec
		docs  []storage.Document
	}
	groups := make(map[string]*group)

	for i, r := range records {
		spec, err := db.checkSealedRecord(r)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		table, err := db.registry.TableFor(spec)
		if err != nil {
			return err
		}
		doc, err := db.encode(r)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}

		g := groups[table]
		if g == nil {
			g = &group{}
			groups[table] = g
		}
		g.specs = append(g.specs, spec)
		g.docs = append(g.docs, doc)
	}

	tables := make([]string, 0, len(groups))
	for table := range groups {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	var errs *multierror.Error
	for _, table := range tables {
		g := groups[table]
		for _, spec := range g.specs {
			if err := db.ensureBindings(ctx, table, spec); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("binding %s to %s: %w", spec.Name, table, err))
			}
		}
		if err := db.backend.Save(ctx, table, db.scope, g.docs, policy); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("saving to %s: %w", table, err))
		}
	}
	return errs.ErrorOrNil()
}

// DeleteOne deletes the record behind a key. Deleting a missing key is not
// an error.
func (db *DB) DeleteOne(ctx context.Context, key record.Key) error {
	return db.DeleteMany(ctx, []record.Key{key})
}

// DeleteMany deletes a batch of keys, grouped into one backend call per
// table. Missing keys are not errors.
func (db *DB) DeleteMany(ctx context.Context, keys []record.Key) error {
	if err := db.check(); err != nil {
		return err
	}

	byTable := make(map[string][]string)
	for i, key := range keys {
		spec, err := db.checkSealedKey(key)
		if err != nil {
			return fmt.Errorf("key %d: %w", i, err)
		}
		table, err := db.registry.TableFor(spec)
		if err != nil {
			return err
		}
		delimited, err := db.keys.Delimited(key)
		if err != nil {
			return err
		}
		byTable[table] = append(byTable[table], delimited)
	}

	tables := make([]string, 0, len(byTable))
	for table := range byTable {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	var errs *multierror.Error
	for _, table := range tables {
		if err := db.backend.Delete(ctx, table, db.scope, byTable[table]); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("deleting from %s: %w", table, err))
		}
	}
	return errs.ErrorOrNil()
}
