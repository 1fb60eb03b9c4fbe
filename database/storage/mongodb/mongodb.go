// Package mongodb is the document-store adapter. The neutral op_* filter
// vocabulary translates to the native $* operators, uniqueness of (tenant,
// dataset, key) is enforced by a unique index created once per collection,
// and database names are validated for byte length and special characters
// before any connection is made.
package mongodb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/puzpuzpuz/xsync/v3"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/polystore/polystore/database/query"
	"github.com/polystore/polystore/database/serialize"
	"github.com/polystore/polystore/database/storage"
)

// BackendName identifies this adapter in the backend registry.
const BackendName = "mongodb"

func init() {
	_ = storage.Register(BackendName, New)
}

// The server rejects database names of 64 UTF-8 bytes or more.
const maxDBNameBytes = 63

// dbNameSpecialChars are rejected in database names regardless of length.
const dbNameSpecialChars = `/\. "$*<>:|?`

// clients caches one connected client per URI, shared process-wide.
var clients = xsync.NewMapOf[string, *mongo.Client]()

// Mongo is a document store adapter. One instance owns one logical database
// on a shared client.
type Mongo struct {
	dbID string
	db   *mongo.Database

	mu      sync.Mutex
	unique  map[string]bool // collections with the unique key index
	indexed map[string]bool // "collection|queryType"
}

// ValidateDBName enforces the server's naming rules up front so that a
// misnamed database fails fast instead of at first write.
func ValidateDBName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: database name is empty", storage.ErrNameConstraint)
	}
	if n := len(name); n > maxDBNameBytes {
		return fmt.Errorf(
			"%w: database name is %d UTF-8 bytes, the maximum is %d",
			storage.ErrNameConstraint, n, maxDBNameBytes,
		)
	}
	if i := strings.IndexAny(name, dbNameSpecialChars); i >= 0 {
		return fmt.Errorf(
			"%w: database name %q contains the forbidden character %q",
			storage.ErrNameConstraint, name, name[i],
		)
	}
	return nil
}

// New connects to the server at opts.Location and binds the database named
// by opts.DBID.
func New(opts storage.FactoryOpts) (storage.Backend, error) {
	if err := ValidateDBName(opts.DBID); err != nil {
		return nil, err
	}

	client, err := sharedClient(opts.Location)
	if err != nil {
		return nil, err
	}

	return &Mongo{
		dbID:    opts.DBID,
		db:      client.Database(opts.DBID),
		unique:  make(map[string]bool),
		indexed: make(map[string]bool),
	}, nil
}

func sharedClient(uri string) (*mongo.Client, error) {
	if client, ok := clients.Load(uri); ok {
		return client, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	if actual, loaded := clients.LoadOrStore(uri, client); loaded {
		_ = client.Disconnect(context.Background())
		return actual, nil
	}
	glog.Infof("mongodb: connected to %s", uri)
	return client, nil
}

// Name implements storage.Backend.
func (m *Mongo) Name() string { return BackendName }

// ensureUniqueIndex creates the unique (tenant, dataset, key) index once per
// collection per instance.
func (m *Mongo) ensureUniqueIndex(ctx context.Context, table string) error {
	m.mu.Lock()
	if m.unique[table] {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	_, err := m.db.Collection(table).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: storage.FieldTenant, Value: 1},
			{Key: storage.FieldDataset, Value: 1},
			{Key: storage.FieldKey, Value: 1},
		},
		Options: options.Index().SetUnique(true).SetName("unique_scope_key"),
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.unique[table] = true
	m.mu.Unlock()
	return nil
}

// ensureQueryIndex creates the covering index for a query type on first use.
func (m *Mongo) ensureQueryIndex(ctx context.Context, table string, filter *storage.Filter) error {
	if filter == nil || filter.QueryType == "" {
		return nil
	}

	m.mu.Lock()
	cacheKey := table + "|" + filter.QueryType
	if m.indexed[cacheKey] {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	keys := bson.D{
		{Key: storage.FieldTenant, Value: 1},
		{Key: storage.FieldDataset, Value: 1},
	}
	for _, path := range filter.IndexFields {
		keys = append(keys, bson.E{Key: path, Value: 1})
	}
	keys = append(keys, bson.E{Key: storage.FieldKey, Value: 1})

	_, err := m.db.Collection(table).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    keys,
		Options: options.Index().SetName("query_" + filter.QueryType),
	})
	if err != nil {
		return err
	}
	storage.CountIndexCreated(BackendName, table)
	glog.Infof("mongodb: created index query_%s on %s", filter.QueryType, table)

	m.mu.Lock()
	m.indexed[cacheKey] = true
	m.mu.Unlock()
	return nil
}

func scopeFilter(scope storage.Scope) bson.M {
	return bson.M{
		storage.FieldTenant:  scope.Tenant,
		storage.FieldDataset: scope.Dataset,
	}
}

// TranslateConditions rewrites the neutral op_* operators into the native $*
// syntax, recursively through nested documents and lists.
func TranslateConditions(conditions map[string]any) bson.M {
	out := make(bson.M, len(conditions))
	for k, v := range conditions {
		out[translateOpName(k)] = translateValue(v)
	}
	return out
}

func translateOpName(name string) string {
	switch name {
	case query.OpIn:
		return "$in"
	case query.OpNin:
		return "$nin"
	case query.OpGt:
		return "$gt"
	case query.OpGte:
		return "$gte"
	case query.OpLt:
		return "$lt"
	case query.OpLte:
		return "$lte"
	case query.OpExists:
		return "$exists"
	default:
		return name
	}
}

func translateValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return TranslateConditions(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = translateValue(e)
		}
		return out
	default:
		return v
	}
}

// LoadByKeys implements storage.Backend.
func (m *Mongo) LoadByKeys(ctx context.Context, table string, scope storage.Scope, keys []string) ([]map[string]any, error) {
	storage.CountOp(BackendName, "load_by_keys")

	if len(keys) == 0 {
		return nil, nil
	}
	filter := scopeFilter(scope)
	filter[storage.FieldKey] = bson.M{"$in": keys}

	return m.find(ctx, table, filter, nil)
}

// LoadWhere implements storage.Backend.
func (m *Mongo) LoadWhere(ctx context.Context, table string, scope storage.Scope, restrictTo []string, filter *storage.Filter, opts storage.Options) ([]map[string]any, error) {
	storage.CountOp(BackendName, "load_where")

	if err := storage.ValidateOptions(opts); err != nil {
		return nil, err
	}
	if storage.EmptyResult(opts) {
		return nil, nil
	}
	if err := m.ensureQueryIndex(ctx, table, filter); err != nil {
		return nil, err
	}

	native, err := m.nativeFilter(scope, restrictTo, filter)
	if err != nil {
		return nil, err
	}

	findOpts := options.Find()
	switch opts.Sort {
	case storage.SortUnordered:
	case storage.SortAsc:
		findOpts.SetSort(bson.D{{Key: storage.FieldKey, Value: 1}})
	case storage.SortDesc:
		findOpts.SetSort(bson.D{{Key: storage.FieldKey, Value: -1}})
	case storage.SortInput:
		return nil, storage.ErrSortInputUnsupported
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(int64(opts.Skip))
	}
	if opts.Limit != nil {
		findOpts.SetLimit(int64(*opts.Limit))
	}

	return m.find(ctx, table, native, findOpts)
}

// CountWhere implements storage.Backend.
func (m *Mongo) CountWhere(ctx context.Context, table string, scope storage.Scope, restrictTo []string, filter *storage.Filter) (int64, error) {
	storage.CountOp(BackendName, "count_where")

	if err := m.ensureQueryIndex(ctx, table, filter); err != nil {
		return 0, err
	}
	native, err := m.nativeFilter(scope, restrictTo, filter)
	if err != nil {
		return 0, err
	}
	return m.db.Collection(table).CountDocuments(ctx, native)
}

func (m *Mongo) nativeFilter(scope storage.Scope, restrictTo []string, filter *storage.Filter) (bson.M, error) {
	native := scopeFilter(scope)
	if restrictTo != nil {
		native[storage.FieldType] = bson.M{"$in": restrictTo}
	}
	if filter != nil {
		for field, cond := range TranslateConditions(filter.Conditions) {
			if _, taken := native[field]; taken {
				return nil, fmt.Errorf("%w: filter field %s collides with a housekeeping field", storage.ErrInvalidOptions, field)
			}
			native[field] = cond
		}
	}
	return native, nil
}

func (m *Mongo) find(ctx context.Context, table string, filter bson.M, findOpts *options.FindOptions) ([]map[string]any, error) {
	var cursor *mongo.Cursor
	var err error
	if findOpts != nil {
		cursor, err = m.db.Collection(table).Find(ctx, filter, findOpts)
	} else {
		cursor, err = m.db.Collection(table).Find(ctx, filter)
	}
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []map[string]any
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, err
		}
		doc := NormalizeDoc(raw)
		delete(doc, "_id")
		docs = append(docs, doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

// NormalizeDoc converts a decoded BSON document into the neutral wire form:
// bson.M becomes map[string]any, primitive.A becomes []any, BSON-specific
// scalar types collapse onto the wire scalars.
func NormalizeDoc(raw bson.M) map[string]any {
	doc := make(map[string]any, len(raw))
	for k, v := range raw {
		doc[k] = normalizeValue(v)
	}
	return doc
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		return NormalizeDoc(t)
	case map[string]any:
		return NormalizeDoc(t)
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case primitive.Binary:
		return t.Data
	case primitive.DateTime:
		return t.Time().UTC()
	case int32:
		return int64(t)
	default:
		return v
	}
}

// Save implements storage.Backend. One insert or one upsert-by-key-filter
// per record; not yet batch-optimized.
func (m *Mongo) Save(ctx context.Context, table string, scope storage.Scope, docs []storage.Document, policy storage.SavePolicy) error {
	storage.CountOp(BackendName, "save")

	if err := m.ensureUniqueIndex(ctx, table); err != nil {
		return err
	}
	coll := m.db.Collection(table)

	for _, doc := range docs {
		body := entriesToBSON(storage.StampEntries(doc, scope))

		switch policy {
		case storage.SaveInsert:
			if _, err := coll.InsertOne(ctx, body); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					return fmt.Errorf("%w: key %s already exists in %s", storage.ErrPreconditionFailed, doc.Key, table)
				}
				return err
			}

		case storage.SaveReplace:
			filter := scopeFilter(scope)
			filter[storage.FieldKey] = doc.Key
			_, err := coll.ReplaceOne(ctx, filter, body, options.Replace().SetUpsert(true))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// entriesToBSON keeps the serializer's field order, including the
// discriminator placement, in the stored document.
func entriesToBSON(entries []serialize.Entry) bson.D {
	body := make(bson.D, 0, len(entries))
	for _, e := range entries {
		body = append(body, bson.E{Key: e.Key, Value: e.Value})
	}
	return body
}

// Delete implements storage.Backend.
func (m *Mongo) Delete(ctx context.Context, table string, scope storage.Scope, keys []string) error {
	storage.CountOp(BackendName, "delete")

	if len(keys) == 0 {
		return nil
	}
	filter := scopeFilter(scope)
	filter[storage.FieldKey] = bson.M{"$in": keys}
	_, err := m.db.Collection(table).DeleteMany(ctx, filter)
	return err
}

// Tables implements storage.Backend.
func (m *Mongo) Tables(ctx context.Context) ([]string, error) {
	return m.db.ListCollectionNames(ctx, bson.M{})
}

// Drop implements storage.Backend.
func (m *Mongo) Drop(ctx context.Context) error {
	storage.CountOp(BackendName, "drop")
	glog.Warningf("mongodb: dropping database %s", m.dbID)
	return m.db.Drop(ctx)
}

// Close implements storage.Backend. The client is shared process-wide, so
// closing an adapter leaves it connected.
func (m *Mongo) Close() error {
	return nil
}
