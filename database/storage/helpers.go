package storage

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/polystore/polystore/database/serialize"
)

// Housekeeping field names stamped on every stored document.
const (
	FieldKey     = "_key"
	FieldType    = "_type"
	FieldDataset = "_dataset"
	FieldTenant  = "_tenant"
)

// StampEntries prepends the housekeeping fields to a document's ordered
// payload. The discriminator is already part of the payload, placed by the
// serializer.
func StampEntries(doc Document, scope Scope) []serialize.Entry {
	stamped := make([]serialize.Entry, 0, len(doc.Entries)+3)
	stamped = append(stamped,
		serialize.Entry{Key: FieldKey, Value: doc.Key},
		serialize.Entry{Key: FieldDataset, Value: scope.Dataset},
		serialize.Entry{Key: FieldTenant, Value: scope.Tenant},
	)
	return append(stamped, doc.Entries...)
}

// StampMap is StampEntries for backends with unordered documents.
func StampMap(doc Document, scope Scope) map[string]any {
	m := serialize.EntriesToMap(doc.Entries)
	m[FieldKey] = doc.Key
	m[FieldDataset] = scope.Dataset
	m[FieldTenant] = scope.Tenant
	return m
}

// Prune strips the housekeeping fields, plus any backend-specific extras,
// from a loaded document and asserts that its dataset matches the queried
// scope. The discriminator stays, the serializer needs it. The document is
// modified in place.
func Prune(doc map[string]any, scope Scope, extras ...string) error {
	if ds, ok := doc[FieldDataset]; ok {
		if s, _ := ds.(string); s != scope.Dataset {
			return fmt.Errorf("%w: got %q, expected %q", ErrDatasetMismatch, ds, scope.Dataset)
		}
	}
	delete(doc, FieldKey)
	delete(doc, FieldDataset)
	delete(doc, FieldTenant)
	for _, extra := range extras {
		delete(doc, extra)
	}
	return nil
}

// DocKey returns a loaded document's serialized key.
func DocKey(doc map[string]any) string {
	s, _ := doc[FieldKey].(string)
	return s
}

// ValidateOptions rejects negative limit and skip values before any I/O.
func ValidateOptions(opts Options) error {
	if opts.Limit != nil && *opts.Limit < 0 {
		return fmt.Errorf("%w: negative limit %d", ErrInvalidOptions, *opts.Limit)
	}
	if opts.Skip < 0 {
		return fmt.Errorf("%w: negative skip %d", ErrInvalidOptions, opts.Skip)
	}
	return nil
}

// EmptyResult reports whether the options ask for nothing at all. Several
// client libraries treat limit=0 as "no limit", so adapters must check this
// before translating the options.
func EmptyResult(opts Options) bool {
	return opts.Limit != nil && *opts.Limit == 0
}

// ApplySort orders loaded documents by their serialized key. Used by
// adapters without a native sort and defensively re-applied by adapters
// whose client libraries do not fully honor server-side sort options.
func ApplySort(docs []map[string]any, order SortOrder) error {
	switch order {
	case SortUnordered:
		return nil
	case SortAsc:
		sort.SliceStable(docs, func(i, j int) bool { return DocKey(docs[i]) < DocKey(docs[j]) })
		return nil
	case SortDesc:
		sort.SliceStable(docs, func(i, j int) bool { return DocKey(docs[i]) > DocKey(docs[j]) })
		return nil
	case SortInput:
		return ErrSortInputUnsupported
	default:
		return fmt.Errorf("%w: unknown sort order", ErrInvalidOptions)
	}
}

// ApplyLimitSkip paginates loaded documents client-side.
func ApplyLimitSkip(docs []map[string]any, opts Options) []map[string]any {
	if opts.Skip > 0 {
		if opts.Skip >= len(docs) {
			return nil
		}
		docs = docs[opts.Skip:]
	}
	if opts.Limit != nil && *opts.Limit < len(docs) {
		docs = docs[:*opts.Limit]
	}
	return docs
}

// identifierPattern accepts letters, digits and underscores, not starting
// with a digit. Dynamic identifiers are validated against it before being
// interpolated into SQL text; parameterized queries cover values but not
// identifiers.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether a dynamic table or column name is safe to
// interpolate.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// CheckIdentifier is ValidIdentifier returning the name error.
func CheckIdentifier(name string) error {
	if !ValidIdentifier(name) {
		return fmt.Errorf("%w: invalid identifier %q", ErrNameConstraint, name)
	}
	return nil
}
