// Package sqlite is the relational file-store adapter. Schema is dynamic:
// one table per key-type hierarchy root, columns unioned over the field
// names of every concrete record type bound to that table, so a table holds
// heterogeneous subtypes side by side. Fixed columns are _key, _type and
// _tenant with (_key, _tenant) as the composite primary key; container and
// nested document fields are stored as JSON text.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/mattn/go-sqlite3"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/polystore/polystore/database/query"
	"github.com/polystore/polystore/database/schema"
	"github.com/polystore/polystore/database/storage"
)

// BackendName identifies this adapter in the backend registry.
const BackendName = "sqlite"

func init() {
	_ = storage.Register(BackendName, New)
}

// connections caches one shared *sql.DB per database file. The handle is
// opened in write-ahead-log journal mode with synchronous=NORMAL.
var connections = xsync.NewMapOf[string, *sql.DB]()

// SQLite is a relational file store. One instance owns one database file but
// shares its connection handle process-wide by path.
type SQLite struct {
	dbID     string
	path     string
	db       *sql.DB
	registry *schema.Registry

	mu      sync.Mutex
	tables  map[string]map[string]bool // ensured table -> column set
	indexed map[string]bool            // "table|queryType"
}

// New opens or creates the database file under opts.Location.
func New(opts storage.FactoryOpts) (storage.Backend, error) {
	if opts.Location == "" {
		return nil, fmt.Errorf("%w: sqlite needs a location directory", storage.ErrNameConstraint)
	}
	if opts.Registry == nil {
		return nil, errors.New("sqlite needs a schema registry")
	}
	if err := os.MkdirAll(opts.Location, 0o700); err != nil {
		return nil, err
	}

	path := filepath.Join(opts.Location, opts.DBID+".sqlite")
	db, err := sharedConn(path)
	if err != nil {
		return nil, err
	}

	return &SQLite{
		dbID:     opts.DBID,
		path:     path,
		db:       db,
		registry: opts.Registry,
		tables:   make(map[string]map[string]bool),
		indexed:  make(map[string]bool),
	}, nil
}

func sharedConn(path string) (*sql.DB, error) {
	if db, ok := connections.Load(path); ok {
		return db, nil
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time keeps the shared handle safe under WAL.
	db.SetMaxOpenConns(1)

	if actual, loaded := connections.LoadOrStore(path, db); loaded {
		_ = db.Close()
		return actual, nil
	}
	glog.Infof("sqlite: opened %s", path)
	return db, nil
}

// Name implements storage.Backend.
func (s *SQLite) Name() string { return BackendName }

// columnsFor unions the wire field names of every concrete record type bound
// to the table. Nested document and container fields occupy one JSON column
// under their top-level name.
func (s *SQLite) columnsFor(table string) ([]string, error) {
	seen := map[string]bool{}
	var columns []string
	for _, spec := range s.registry.RecordSpecs() {
		if spec.Abstract {
			continue
		}
		specTable, err := s.registry.TableFor(spec)
		if err != nil {
			return nil, err
		}
		if specTable != table {
			continue
		}
		for i := range spec.Fields {
			name := spec.Fields[i].Name
			if seen[name] {
				continue
			}
			seen[name] = true
			columns = append(columns, name)
		}
	}
	return columns, nil
}

// ensureTable creates the table on first use and adds any columns that new
// type registrations introduced since.
func (s *SQLite) ensureTable(ctx context.Context, table string) (map[string]bool, error) {
	if err := storage.CheckIdentifier(table); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	columns, err := s.columnsFor(table)
	if err != nil {
		return nil, err
	}
	for _, col := range columns {
		if err := storage.CheckIdentifier(col); err != nil {
			return nil, err
		}
	}

	known, ok := s.tables[table]
	if !ok {
		var ddl strings.Builder
		ddl.WriteString(`CREATE TABLE IF NOT EXISTS "` + table + `" (`)
		ddl.WriteString(`"_key" TEXT NOT NULL, "_type" TEXT NOT NULL, "_tenant" TEXT NOT NULL`)
		for _, col := range columns {
			ddl.WriteString(`, "` + col + `"`)
		}
		ddl.WriteString(`, PRIMARY KEY ("_key", "_tenant"))`)

		if _, err := s.db.ExecContext(ctx, ddl.String()); err != nil {
			return nil, err
		}
		glog.Infof("sqlite: ensured table %s with %d columns", table, len(columns))

		known = map[string]bool{storage.FieldKey: true, storage.FieldType: true, storage.FieldTenant: true}
		s.tables[table] = known

		// The table may predate this process with fewer columns.
		existing, err := s.tableColumns(ctx, table)
		if err != nil {
			return nil, err
		}
		for _, col := range existing {
			known[col] = true
		}
	}

	for _, col := range columns {
		if known[col] {
			continue
		}
		alter := `ALTER TABLE "` + table + `" ADD COLUMN "` + col + `"`
		if _, err := s.db.ExecContext(ctx, alter); err != nil {
			return nil, err
		}
		known[col] = true
	}
	return known, nil
}

func (s *SQLite) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

// LoadByKeys implements storage.Backend.
func (s *SQLite) LoadByKeys(ctx context.Context, table string, scope storage.Scope, keys []string) ([]map[string]any, error) {
	storage.CountOp(BackendName, "load_by_keys")

	if len(keys) == 0 {
		return nil, nil
	}
	if _, err := s.ensureTable(ctx, table); err != nil {
		return nil, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	stmt := `SELECT * FROM "` + table + `" WHERE "_tenant" = ? AND "_key" IN (` + placeholders + `)`
	args := make([]any, 0, len(keys)+1)
	args = append(args, scope.Tenant)
	for _, key := range keys {
		args = append(args, key)
	}

	return s.queryDocs(ctx, stmt, args)
}

// LoadWhere implements storage.Backend.
func (s *SQLite) LoadWhere(ctx context.Context, table string, scope storage.Scope, restrictTo []string, filter *storage.Filter, opts storage.Options) ([]map[string]any, error) {
	storage.CountOp(BackendName, "load_where")

	if err := storage.ValidateOptions(opts); err != nil {
		return nil, err
	}
	if storage.EmptyResult(opts) {
		return nil, nil
	}
	if _, err := s.ensureTable(ctx, table); err != nil {
		return nil, err
	}
	if err := s.ensureIndex(ctx, table, filter); err != nil {
		return nil, err
	}

	where, args, err := buildWhere(scope, restrictTo, filter)
	if err != nil {
		return nil, err
	}

	stmt := `SELECT * FROM "` + table + `"` + where
	switch opts.Sort {
	case storage.SortUnordered:
	case storage.SortAsc:
		stmt += ` ORDER BY "_key" ASC`
	case storage.SortDesc:
		stmt += ` ORDER BY "_key" DESC`
	case storage.SortInput:
		return nil, storage.ErrSortInputUnsupported
	}

	limit := -1 // no limit in SQLite
	if opts.Limit != nil {
		limit = *opts.Limit
	}
	if limit >= 0 || opts.Skip > 0 {
		stmt += ` LIMIT ? OFFSET ?`
		args = append(args, limit, opts.Skip)
	}

	return s.queryDocs(ctx, stmt, args)
}

// CountWhere implements storage.Backend.
func (s *SQLite) CountWhere(ctx context.Context, table string, scope storage.Scope, restrictTo []string, filter *storage.Filter) (int64, error) {
	storage.CountOp(BackendName, "count_where")

	if _, err := s.ensureTable(ctx, table); err != nil {
		return 0, err
	}
	if err := s.ensureIndex(ctx, table, filter); err != nil {
		return 0, err
	}

	where, args, err := buildWhere(scope, restrictTo, filter)
	if err != nil {
		return 0, err
	}

	var n int64
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "`+table+`"`+where, args...)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// buildWhere translates the scope, restrict list and neutral filter into a
// parameterized WHERE clause. One operator per field; a range must arrive as
// two separate conditions.
func buildWhere(scope storage.Scope, restrictTo []string, filter *storage.Filter) (string, []any, error) {
	clauses := []string{`"_tenant" = ?`}
	args := []any{scope.Tenant}

	if restrictTo != nil {
		if len(restrictTo) == 0 {
			clauses = append(clauses, `1 = 0`)
		} else {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(restrictTo)), ",")
			clauses = append(clauses, `"_type" IN (`+placeholders+`)`)
			for _, name := range restrictTo {
				args = append(args, name)
			}
		}
	}

	if filter != nil {
		for field, cond := range filter.Conditions {
			column := field
			if i := strings.IndexByte(column, '.'); i >= 0 {
				return "", nil, fmt.Errorf(
					"%w: nested field %s cannot be queried relationally", storage.ErrInvalidOptions, field)
			}
			if err := storage.CheckIdentifier(column); err != nil {
				return "", nil, err
			}

			opDoc, isOp := cond.(map[string]any)
			if !isOp {
				clauses = append(clauses, `"`+column+`" = ?`)
				args = append(args, columnValue(cond))
				continue
			}
			if len(opDoc) != 1 {
				return "", nil, fmt.Errorf(
					"%w: field %s has %d operators, only one operator per field is supported",
					storage.ErrInvalidOptions, field, len(opDoc))
			}
			for op, arg := range opDoc {
				clause, opArgs, err := translateOp(column, op, arg)
				if err != nil {
					return "", nil, err
				}
				clauses = append(clauses, clause)
				args = append(args, opArgs...)
			}
		}
	}

	return ` WHERE ` + strings.Join(clauses, ` AND `), args, nil
}

func translateOp(column, op string, arg any) (string, []any, error) {
	quoted := `"` + column + `"`
	switch op {
	case query.OpIn, query.OpNin:
		values, ok := arg.([]any)
		if !ok {
			return "", nil, fmt.Errorf("%w: %s needs a value list", storage.ErrInvalidOptions, op)
		}
		if len(values) == 0 {
			if op == query.OpIn {
				return `1 = 0`, nil, nil
			}
			return `1 = 1`, nil, nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
		args := make([]any, len(values))
		for i, v := range values {
			args[i] = columnValue(v)
		}
		if op == query.OpIn {
			return quoted + ` IN (` + placeholders + `)`, args, nil
		}
		return `(` + quoted + ` NOT IN (` + placeholders + `) OR ` + quoted + ` IS NULL)`, args, nil

	case query.OpGt:
		return quoted + ` > ?`, []any{columnValue(arg)}, nil
	case query.OpGte:
		return quoted + ` >= ?`, []any{columnValue(arg)}, nil
	case query.OpLt:
		return quoted + ` < ?`, []any{columnValue(arg)}, nil
	case query.OpLte:
		return quoted + ` <= ?`, []any{columnValue(arg)}, nil

	case query.OpExists:
		want, ok := arg.(bool)
		if !ok {
			return "", nil, fmt.Errorf("%w: op_exists needs a bool", storage.ErrInvalidOptions)
		}
		if want {
			return quoted + ` IS NOT NULL`, nil, nil
		}
		return quoted + ` IS NULL`, nil, nil

	default:
		return "", nil, fmt.Errorf("%w: unknown operator %q", storage.ErrInvalidOptions, op)
	}
}

// ensureIndex creates the covering index for a query type on first use.
func (s *SQLite) ensureIndex(ctx context.Context, table string, filter *storage.Filter) error {
	if filter == nil || filter.QueryType == "" {
		return nil
	}

	s.mu.Lock()
	cacheKey := table + "|" + filter.QueryType
	if s.indexed[cacheKey] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := storage.CheckIdentifier(filter.QueryType); err != nil {
		return err
	}

	// Nested paths collapse onto their top-level JSON column.
	seen := map[string]bool{"_tenant": true, "_key": true}
	columns := []string{`"_tenant"`}
	for _, path := range filter.IndexFields {
		col := path
		if i := strings.IndexByte(col, '.'); i >= 0 {
			col = col[:i]
		}
		if seen[col] {
			continue
		}
		if err := storage.CheckIdentifier(col); err != nil {
			return err
		}
		seen[col] = true
		columns = append(columns, `"`+col+`"`)
	}
	columns = append(columns, `"_key"`)

	name := "idx_" + table + "_" + filter.QueryType
	stmt := `CREATE INDEX IF NOT EXISTS "` + name + `" ON "` + table + `" (` + strings.Join(columns, ", ") + `)`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return err
	}
	storage.CountIndexCreated(BackendName, table)
	glog.Infof("sqlite: created index %s", name)

	s.mu.Lock()
	s.indexed[cacheKey] = true
	s.mu.Unlock()
	return nil
}

// Save implements storage.Backend.
func (s *SQLite) Save(ctx context.Context, table string, scope storage.Scope, docs []storage.Document, policy storage.SavePolicy) error {
	storage.CountOp(BackendName, "save")

	known, err := s.ensureTable(ctx, table)
	if err != nil {
		return err
	}

	verb := `INSERT INTO`
	if policy == storage.SaveReplace {
		verb = `INSERT OR REPLACE INTO`
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, doc := range docs {
		columns := []string{`"_key"`, `"_type"`, `"_tenant"`}
		args := []any{doc.Key, doc.Type, scope.Tenant}
		for _, e := range doc.Entries {
			if e.Key == storage.FieldType {
				continue
			}
			if !known[e.Key] {
				return fmt.Errorf("%w: no column for field %s in table %s", storage.ErrNameConstraint, e.Key, table)
			}
			columns = append(columns, `"`+e.Key+`"`)
			args = append(args, columnValue(e.Value))
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",")
		stmt := verb + ` "` + table + `" (` + strings.Join(columns, ", ") + `) VALUES (` + placeholders + `)`
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
				return fmt.Errorf("%w: key %s already exists in %s", storage.ErrPreconditionFailed, doc.Key, table)
			}
			return err
		}
	}
	return tx.Commit()
}

// Delete implements storage.Backend.
func (s *SQLite) Delete(ctx context.Context, table string, scope storage.Scope, keys []string) error {
	storage.CountOp(BackendName, "delete")

	if len(keys) == 0 {
		return nil
	}
	if _, err := s.ensureTable(ctx, table); err != nil {
		return err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	stmt := `DELETE FROM "` + table + `" WHERE "_tenant" = ? AND "_key" IN (` + placeholders + `)`
	args := make([]any, 0, len(keys)+1)
	args = append(args, scope.Tenant)
	for _, key := range keys {
		args = append(args, key)
	}
	_, err := s.db.ExecContext(ctx, stmt, args...)
	return err
}

// Tables implements storage.Backend.
func (s *SQLite) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// Drop implements storage.Backend. Closes the shared handle and removes the
// database file with its WAL sidecars.
func (s *SQLite) Drop(ctx context.Context) error {
	storage.CountOp(BackendName, "drop")

	if err := s.Close(); err != nil {
		return err
	}
	glog.Warningf("sqlite: dropping %s", s.path)
	for _, path := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Close implements storage.Backend.
func (s *SQLite) Close() error {
	db, ok := connections.LoadAndDelete(s.path)
	if !ok {
		return nil
	}
	return db.Close()
}

// queryDocs runs a SELECT * statement and converts the rows into wire
// documents, decoding JSON columns back into their container form.
func (s *SQLite) queryDocs(ctx context.Context, stmt string, args []any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var docs []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		scan := make([]any, len(columns))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, err
		}

		doc := make(map[string]any, len(columns))
		for i, col := range columns {
			if values[i] == nil {
				continue
			}
			doc[col] = values[i]
		}
		if err := s.reviveDoc(doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

// reviveDoc converts column values back into wire form using the row's
// discriminator: JSON columns decode into containers and nested documents,
// 0/1 integers become booleans where the schema says bool.
func (s *SQLite) reviveDoc(doc map[string]any) error {
	typeName, _ := doc[storage.FieldType].(string)
	if typeName == "" {
		return nil
	}
	spec, err := s.registry.Lookup(typeName)
	if err != nil {
		return err
	}

	for i := range spec.Fields {
		f := &spec.Fields[i]
		raw, ok := doc[f.Name]
		if !ok {
			continue
		}
		switch f.Hint.Kind {
		case schema.KindList, schema.KindMap, schema.KindData, schema.KindRecord:
			text, ok := rawText(raw)
			if !ok {
				return fmt.Errorf("%w: field %s should be JSON text, got %T", storage.ErrInvalidOptions, f.Name, raw)
			}
			var decoded any
			if err := json.Unmarshal([]byte(text), &decoded); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
			doc[f.Name] = decoded

		case schema.KindPrimitive:
			if f.Hint.Primitive == schema.PrimBool {
				if n, ok := raw.(int64); ok {
					doc[f.Name] = n != 0
				}
			}
			if f.Hint.Primitive == schema.PrimBytes {
				if text, ok := raw.(string); ok {
					doc[f.Name] = []byte(text)
				}
			}
		}
	}
	return nil
}

func rawText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	default:
		return "", false
	}
}

// columnValue converts a wire value into its column form: containers and
// nested documents become JSON text, booleans become 0/1.
func columnValue(v any) any {
	switch t := v.(type) {
	case nil, string, int64, float64, []byte:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	default:
		body, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(body)
	}
}
