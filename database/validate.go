package database

import (
	"fmt"

	"github.com/polystore/polystore/database/record"
	"github.com/polystore/polystore/database/schema"
	"github.com/polystore/polystore/database/serialize"
	"github.com/polystore/polystore/database/storage"
)

// checkSealedKey validates a key input before any I/O.
func (db *DB) checkSealedKey(k record.Key) (*schema.Spec, error) {
	if k == nil {
		return nil, fmt.Errorf("%w: key is nil", ErrInvalidInput)
	}
	if !k.IsSealed() {
		return nil, fmt.Errorf("%w: key is not sealed, call record.Build first", ErrInvalidInput)
	}
	spec, err := db.registry.SpecOf(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if spec.Kind != schema.KindKey {
		return nil, fmt.Errorf("%w: %s is registered as %s, not key", ErrInvalidInput, spec.Name, spec.Kind)
	}
	return spec, nil
}

// checkSealedRecord validates a record input before any I/O.
func (db *DB) checkSealedRecord(r record.Record) (*schema.Spec, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: record is nil", ErrInvalidInput)
	}
	if !r.IsSealed() {
		return nil, fmt.Errorf("%w: record is not sealed, call record.Build first", ErrInvalidInput)
	}
	spec, err := db.registry.SpecOf(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if spec.Kind != schema.KindRecord {
		return nil, fmt.Errorf("%w: %s is registered as %s, not record", ErrInvalidInput, spec.Name, spec.Kind)
	}
	if spec.Abstract {
		return nil, fmt.Errorf("%w: %s is abstract", ErrSchemaViolation, spec.Name)
	}
	return spec, nil
}

// expandRestrictTo resolves a restrict_to type name against a query target:
// a record type narrows to itself and its descendants, a key type must equal
// the target's key type exactly. An empty name means the target itself.
func (db *DB) expandRestrictTo(target *schema.Spec, restrictTo string) ([]string, error) {
	if restrictTo == "" {
		return db.registry.Descendants(target.Name)
	}

	restrict, err := db.registry.Lookup(restrictTo)
	if err != nil {
		return nil, err
	}
	switch restrict.Kind {
	case schema.KindKey:
		if restrict.Name != target.KeyType {
			return nil, fmt.Errorf(
				"%w: restrict_to key type %s does not match the target key type %s",
				ErrTypeMismatch, restrict.Name, target.KeyType,
			)
		}
		return db.registry.Descendants(target.Name)

	case schema.KindRecord:
		withinTarget, err := db.registry.Descendants(target.Name)
		if err != nil {
			return nil, err
		}
		for _, name := range withinTarget {
			if name == restrict.Name {
				return db.registry.Descendants(restrict.Name)
			}
		}
		return nil, fmt.Errorf(
			"%w: restrict_to type %s is not %s or a descendant",
			ErrTypeMismatch, restrict.Name, target.Name,
		)

	default:
		return nil, fmt.Errorf(
			"%w: restrict_to type %s is registered as %s, expected record or key",
			ErrTypeMismatch, restrict.Name, restrict.Kind,
		)
	}
}

// encode serializes a sealed record into its storage document.
func (db *DB) encode(r record.Record) (storage.Document, error) {
	spec, err := db.registry.SpecOf(r)
	if err != nil {
		return storage.Document{}, err
	}
	key, err := db.keys.Delimited(r.GetKey())
	if err != nil {
		return storage.Document{}, err
	}
	entries, err := db.serializer.SerializeOrdered(r)
	if err != nil {
		return storage.Document{}, err
	}
	return storage.Document{Key: key, Type: spec.Name, Entries: entries}, nil
}

// decode prunes a loaded document and reconstructs the typed record from its
// discriminator.
func (db *DB) decode(doc map[string]any) (record.Record, error) {
	if err := storage.Prune(doc, db.scope); err != nil {
		return nil, err
	}
	name, _ := doc[serialize.TypeField].(string)
	if name == "" {
		return nil, fmt.Errorf("%w: stored document has no %s field", ErrInvalidInput, serialize.TypeField)
	}
	v, err := db.serializer.Deserialize(name, doc)
	if err != nil {
		return nil, err
	}
	r, ok := v.(record.Record)
	if !ok {
		return nil, fmt.Errorf("%w: stored type %s is not a record", ErrTypeMismatch, name)
	}
	return r, nil
}

// decodeAll decodes a loaded batch in order.
func (db *DB) decodeAll(docs []map[string]any) ([]record.Record, error) {
	records := make([]record.Record, 0, len(docs))
	for _, doc := range docs {
		r, err := db.decode(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}
