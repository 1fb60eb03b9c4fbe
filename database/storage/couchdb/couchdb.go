// Package couchdb is the Mango-query document-store adapter. All tables of a
// database share one server-side database: documents carry an _id of the
// form "{table}:{key}" and table scoping is an _id prefix range in every
// selector. Per-query-type indexes live as named indexes in per-query-type
// design documents, which the server merges rather than overwrites. Because
// the client returns a finite result set rather than a lazy cursor, sortals
// and limits are requested server-side and defensively re-applied after
// fetch.
package couchdb

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
	"github.com/golang/glog"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/polystore/polystore/database/query"
	"github.com/polystore/polystore/database/storage"
)

// BackendName identifies this adapter in the backend registry.
const BackendName = "couchdb"

func init() {
	_ = storage.Register(BackendName, New)
}

// clients caches one client per URI, shared process-wide.
var clients = xsync.NewMapOf[string, *kivik.Client]()

// Couch is a Mango-query document store adapter.
type Couch struct {
	dbID   string
	client *kivik.Client
	db     *kivik.DB

	indexed *xsync.MapOf[string, bool] // "table|queryType"
}

// New connects to the server at opts.Location and ensures the database named
// by opts.DBID exists.
func New(opts storage.FactoryOpts) (storage.Backend, error) {
	if opts.DBID == "" {
		return nil, fmt.Errorf("%w: database name is empty", storage.ErrNameConstraint)
	}

	client, err := sharedClient(opts.Location)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.DBExists(ctx, opts.DBID)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.CreateDB(ctx, opts.DBID); err != nil {
			return nil, err
		}
		glog.Infof("couchdb: created database %s", opts.DBID)
	}

	return &Couch{
		dbID:    opts.DBID,
		client:  client,
		db:      client.DB(opts.DBID),
		indexed: xsync.NewMapOf[string, bool](),
	}, nil
}

func sharedClient(uri string) (*kivik.Client, error) {
	if client, ok := clients.Load(uri); ok {
		return client, nil
	}
	client, err := kivik.New("couch", uri)
	if err != nil {
		return nil, err
	}
	if actual, loaded := clients.LoadOrStore(uri, client); loaded {
		return actual, nil
	}
	glog.Infof("couchdb: connected to %s", uri)
	return client, nil
}

// Name implements storage.Backend.
func (c *Couch) Name() string { return BackendName }

// DocID builds the document id from the table and the serialized key.
func DocID(table, key string) string {
	return table + ":" + key
}

// tableSelector scopes a selector to one table via an _id prefix range.
// "￰" sorts after every legal key character.
func tableSelector(table string, scope storage.Scope) map[string]any {
	return map[string]any{
		"_id":                map[string]any{"$gt": table + ":", "$lt": table + ":￰"},
		storage.FieldTenant:  scope.Tenant,
		storage.FieldDataset: scope.Dataset,
	}
}

// TranslateConditions rewrites the neutral op_* operators into the Mango $*
// syntax, recursively through nested documents and lists.
func TranslateConditions(conditions map[string]any) map[string]any {
	out := make(map[string]any, len(conditions))
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

// ensureQueryIndex creates the named index for a query type in its own
// design document on first use. The server merges indexes by design
// document, so repeated creation is safe and existing indexes survive.
func (c *Couch) ensureQueryIndex(ctx context.Context, table string, filter *storage.Filter) error {
	if filter == nil || filter.QueryType == "" {
		return nil
	}
	cacheKey := table + "|" + filter.QueryType
	if _, done := c.indexed.Load(cacheKey); done {
		return nil
	}

	fields := []any{storage.FieldTenant, storage.FieldDataset}
	for _, path := range filter.IndexFields {
		fields = append(fields, path)
	}
	fields = append(fields, storage.FieldKey)

	ddoc := "queries_" + filter.QueryType
	name := "idx_" + table + "_" + filter.QueryType
	err := c.db.CreateIndex(ctx, ddoc, name, map[string]any{"fields": fields})
	if err != nil {
		return err
	}
	storage.CountIndexCreated(BackendName, table)
	glog.Infof("couchdb: created index %s in %s", name, ddoc)

	c.indexed.Store(cacheKey, true)
	return nil
}

// LoadByKeys implements storage.Backend.
func (c *Couch) LoadByKeys(ctx context.Context, table string, scope storage.Scope, keys []string) ([]map[string]any, error) {
	storage.CountOp(BackendName, "load_by_keys")

	if len(keys) == 0 {
		return nil, nil
	}
	ids := make([]any, len(keys))
	for i, key := range keys {
		ids[i] = DocID(table, key)
	}
	selector := map[string]any{
		"_id":                map[string]any{"$in": ids},
		storage.FieldTenant:  scope.Tenant,
		storage.FieldDataset: scope.Dataset,
	}
	return c.find(ctx, map[string]any{"selector": selector})
}

// LoadWhere implements storage.Backend.
func (c *Couch) LoadWhere(ctx context.Context, table string, scope storage.Scope, restrictTo []string, filter *storage.Filter, opts storage.Options) ([]map[string]any, error) {
	storage.CountOp(BackendName, "load_where")

	if err := storage.ValidateOptions(opts); err != nil {
		return nil, err
	}
	if storage.EmptyResult(opts) {
		return nil, nil
	}
	if err := c.ensureQueryIndex(ctx, table, filter); err != nil {
		return nil, err
	}

	mango, err := c.mangoQuery(table, scope, restrictTo, filter)
	if err != nil {
		return nil, err
	}
	switch opts.Sort {
	case storage.SortUnordered:
	case storage.SortAsc:
		mango["sort"] = []any{map[string]any{storage.FieldKey: "asc"}}
	case storage.SortDesc:
		mango["sort"] = []any{map[string]any{storage.FieldKey: "desc"}}
	case storage.SortInput:
		return nil, storage.ErrSortInputUnsupported
	}
	if opts.Skip > 0 {
		mango["skip"] = opts.Skip
	}
	if opts.Limit != nil {
		mango["limit"] = *opts.Limit
	}

	docs, err := c.find(ctx, mango)
	if err != nil {
		return nil, err
	}

	// Defensive re-application: the sort and the limit are idempotent, so
	// re-applying them tolerates a client that ignored the query options.
	// The skip is not idempotent and stays server-side only.
	if err := storage.ApplySort(docs, opts.Sort); err != nil {
		return nil, err
	}
	if opts.Limit != nil && *opts.Limit < len(docs) {
		docs = docs[:*opts.Limit]
	}
	return docs, nil
}

// CountWhere implements storage.Backend.
func (c *Couch) CountWhere(ctx context.Context, table string, scope storage.Scope, restrictTo []string, filter *storage.Filter) (int64, error) {
	storage.CountOp(BackendName, "count_where")

	if err := c.ensureQueryIndex(ctx, table, filter); err != nil {
		return 0, err
	}
	mango, err := c.mangoQuery(table, scope, restrictTo, filter)
	if err != nil {
		return 0, err
	}
	mango["fields"] = []any{"_id"}

	docs, err := c.find(ctx, mango)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

func (c *Couch) mangoQuery(table string, scope storage.Scope, restrictTo []string, filter *storage.Filter) (map[string]any, error) {
	selector := tableSelector(table, scope)
	if restrictTo != nil {
		names := make([]any, len(restrictTo))
		for i, name := range restrictTo {
			names[i] = name
		}
		selector[storage.FieldType] = map[string]any{"$in": names}
	}
	if filter != nil {
		for field, cond := range TranslateConditions(filter.Conditions) {
			if _, taken := selector[field]; taken {
				return nil, fmt.Errorf("%w: filter field %s collides with a housekeeping field", storage.ErrInvalidOptions, field)
			}
			selector[field] = cond
		}
	}
	return map[string]any{"selector": selector}, nil
}

func (c *Couch) find(ctx context.Context, mango map[string]any) ([]map[string]any, error) {
	rs := c.db.Find(ctx, mango)
	defer rs.Close()

	var docs []map[string]any
	for rs.Next() {
		doc := make(map[string]any)
		if err := rs.ScanDoc(&doc); err != nil {
			return nil, err
		}
		normalizeNumbers(doc)
		delete(doc, "_id")
		delete(doc, "_rev")
		docs = append(docs, doc)
	}
	if err := rs.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

// normalizeNumbers rewrites JSON float64 integers back to int64 in place.
// Mango results decode through encoding/json, which widens every number.
func normalizeNumbers(doc map[string]any) {
	for k, v := range doc {
		doc[k] = normalizeNumber(v)
	}
}

func normalizeNumber(v any) any {
	switch t := v.(type) {
	case map[string]any:
		normalizeNumbers(t)
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumber(e)
		}
		return t
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
		return t
	default:
		return v
	}
}

// Save implements storage.Backend. Replace fetches the current revision and
// writes over it; Insert detects an existing document by write conflict.
func (c *Couch) Save(ctx context.Context, table string, scope storage.Scope, docs []storage.Document, policy storage.SavePolicy) error {
	storage.CountOp(BackendName, "save")

	for _, doc := range docs {
		id := DocID(table, doc.Key)
		body := storage.StampMap(doc, scope)
		body["_id"] = id

		if policy == storage.SaveReplace {
			if rev, err := c.currentRev(ctx, id); err != nil {
				return err
			} else if rev != "" {
				body["_rev"] = rev
			}
		}

		if _, err := c.db.Put(ctx, id, body); err != nil {
			if kivik.HTTPStatus(err) == http.StatusConflict {
				return fmt.Errorf("%w: key %s already exists in %s", storage.ErrPreconditionFailed, doc.Key, table)
			}
			return err
		}
	}
	return nil
}

// currentRev returns the stored revision of a document, or "" when the
// document does not exist.
func (c *Couch) currentRev(ctx context.Context, id string) (string, error) {
	rs := c.db.Find(ctx, map[string]any{
		"selector": map[string]any{"_id": id},
		"fields":   []any{"_id", "_rev"},
	})
	defer rs.Close()

	for rs.Next() {
		var doc struct {
			Rev string `json:"_rev"`
		}
		if err := rs.ScanDoc(&doc); err != nil {
			return "", err
		}
		return doc.Rev, nil
	}
	return "", rs.Err()
}

// Delete implements storage.Backend. Deletion is a tombstone write, which
// needs only the Put API.
func (c *Couch) Delete(ctx context.Context, table string, scope storage.Scope, keys []string) error {
	storage.CountOp(BackendName, "delete")

	for _, key := range keys {
		id := DocID(table, key)
		rev, err := c.currentRev(ctx, id)
		if err != nil {
			return err
		}
		if rev == "" {
			continue
		}
		tombstone := map[string]any{"_id": id, "_rev": rev, "_deleted": true}
		if _, err := c.db.Put(ctx, id, tombstone); err != nil {
			if kivik.HTTPStatus(err) == http.StatusConflict {
				continue
			}
			return err
		}
	}
	return nil
}

// Tables implements storage.Backend. Table names are recovered from the _id
// prefixes of all stored documents.
func (c *Couch) Tables(ctx context.Context) ([]string, error) {
	rs := c.db.AllDocs(ctx)
	defer rs.Close()

	seen := map[string]bool{}
	var tables []string
	for rs.Next() {
		id, err := rs.ID()
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(id, "_design/") {
			continue
		}
		i := strings.IndexByte(id, ':')
		if i <= 0 {
			continue
		}
		table := id[:i]
		if !seen[table] {
			seen[table] = true
			tables = append(tables, table)
		}
	}
	if err := rs.Err(); err != nil {
		return nil, err
	}
	return tables, nil
}

// Drop implements storage.Backend.
func (c *Couch) Drop(ctx context.Context) error {
	storage.CountOp(BackendName, "drop")
	glog.Warningf("couchdb: destroying database %s", c.dbID)
	return c.client.DestroyDB(ctx, c.dbID)
}

// Close implements storage.Backend. The client is shared process-wide, so
// closing an adapter leaves it connected.
func (c *Couch) Close() error {
	return nil
}
