package sink

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/cdc-relay/db"
	"github.com/rs/zerolog/log"
)

// DefaultStatementCacheSize bounds the prepared statement cache
const DefaultStatementCacheSize = 16

// Target is a database holding sink tables
type Target interface {
	// Exists reports whether ref names an existing table.
	Exists(ctx context.Context, ref TableRef) (bool, error)
	// Insert writes one row.
	Insert(ctx context.Context, ref TableRef, columns []string, values []interface{}) error
}

// StatementError carries the statement and parameters of a failed write
type StatementError struct {
	Statement string
	Params    []interface{}
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement failed: %v", e.Err)
}

func (e *StatementError) Unwrap() error {
	return e.Err
}

// SQLTarget writes through database/sql with goqu-built prepared statements.
// Statements are cached by the hash of their SQL text.
type SQLTarget struct {
	db    *db.Database
	mu    sync.Mutex
	stmts *lru.Cache[uint64, *sql.Stmt]
}

// NewSQLTarget creates a target over an open database
func NewSQLTarget(database *db.Database, cacheSize int) (*SQLTarget, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultStatementCacheSize
	}

	stmts, err := lru.NewWithEvict[uint64, *sql.Stmt](cacheSize, func(_ uint64, stmt *sql.Stmt) {
		if err := stmt.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close evicted statement")
		}
	})
	if err != nil {
		return nil, err
	}
	return &SQLTarget{db: database, stmts: stmts}, nil
}

// table resolves ref to the identifier used in statements. SQLite addresses
// attached databases by name; MySQL and PostgreSQL address the schema within
// the connected database.
func (t *SQLTarget) table(ref TableRef) exp.IdentifierExpression {
	if t.db.Dialect == db.DialectSQLite {
		return goqu.T(ref.Table).Schema(ref.Database)
	}
	return goqu.T(ref.Table).Schema(ref.Schema)
}

// Exists checks the dialect's catalog for ref
func (t *SQLTarget) Exists(ctx context.Context, ref TableRef) (bool, error) {
	b := t.db.Builder
	var ds *goqu.SelectDataset

	switch t.db.Dialect {
	case db.DialectSQLite:
		ds = b.From(goqu.T("sqlite_master").Schema(ref.Database)).
			Select(goqu.COUNT(goqu.Star())).
			Where(goqu.C("type").Eq("table"), goqu.C("name").Eq(ref.Table))
	case db.DialectPostgres:
		ds = b.From(goqu.T("tables").Schema("information_schema")).
			Select(goqu.COUNT(goqu.Star())).
			Where(
				goqu.C("table_catalog").Eq(ref.Database),
				goqu.C("table_schema").Eq(ref.Schema),
				goqu.C("table_name").Eq(ref.Table),
			)
	case db.DialectMySQL:
		ok, err := t.connectedTo(ctx, ref.Database)
		if err != nil || !ok {
			return false, err
		}
		// MySQL schemas are databases
		ds = b.From(goqu.T("tables").Schema("information_schema")).
			Select(goqu.COUNT(goqu.Star())).
			Where(goqu.C("table_schema").Eq(ref.Schema), goqu.C("table_name").Eq(ref.Table))
	default:
		return false, fmt.Errorf("unsupported dialect: %s", t.db.Dialect)
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return false, err
	}

	var count int
	if err := t.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", ref, err)
	}
	return count > 0, nil
}

// connectedTo reports whether the connection's default database is database.
// MySQL has no catalog above schemas, so the first part of a reference must
// name the database the DSN selects.
func (t *SQLTarget) connectedTo(ctx context.Context, database string) (bool, error) {
	var current sql.NullString
	if err := t.db.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&current); err != nil {
		return false, fmt.Errorf("failed to read current database: %w", err)
	}
	if !current.Valid || current.String != database {
		log.Warn().
			Str("database", database).
			Str("connected", current.String).
			Msg("Sink table reference names a database other than the connected one")
		return false, nil
	}
	return true, nil
}

// Insert writes one row with a cached prepared statement
func (t *SQLTarget) Insert(ctx context.Context, ref TableRef, columns []string, values []interface{}) error {
	if len(columns) != len(values) {
		return fmt.Errorf("insert has %d columns but %d values", len(columns), len(values))
	}

	cols := make([]interface{}, len(columns))
	for i, c := range columns {
		cols[i] = c
	}

	query, args, err := t.db.Builder.Insert(t.table(ref)).
		Cols(cols...).
		Vals(values).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}

	stmt, err := t.prepare(ctx, query)
	if err != nil {
		return &StatementError{Statement: query, Params: args, Err: err}
	}
	if _, err := stmt.ExecContext(ctx, args...); err != nil {
		return &StatementError{Statement: query, Params: args, Err: err}
	}
	return nil
}

func (t *SQLTarget) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	key := xxhash.Sum64String(query)

	t.mu.Lock()
	defer t.mu.Unlock()

	if stmt, ok := t.stmts.Get(key); ok {
		return stmt, nil
	}
	stmt, err := t.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	t.stmts.Add(key, stmt)
	return stmt, nil
}

// Close releases cached statements
func (t *SQLTarget) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stmts.Purge()
}
