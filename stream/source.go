package stream

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/maxpert/cdc-relay/db"
	"github.com/rs/zerolog/log"
)

// Source is a database exposing named change streams.
type Source interface {
	// Exists reports whether the named stream is present.
	Exists(ctx context.Context, stream string) (bool, error)
	// Begin opens the transaction a drain runs in.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one source transaction. Drain snapshots the pending rows of a stream,
// returns them and removes them from the stream; nothing is visible to other
// readers until Commit.
type Tx interface {
	Drain(ctx context.Context, stream string) ([]string, [][]interface{}, error)
	Commit() error
	Rollback() error
}

// SQLSource emulates a change stream with a plain table: pending rows are
// copied into a temporary holding table, read back, then deleted from the
// stream table inside the same transaction.
type SQLSource struct {
	db        *db.Database
	holding   string
	keyColumn string
}

// SQLSourceConfig configures a SQLSource
type SQLSourceConfig struct {
	HoldingTable string // Temporary snapshot table name
	KeyColumn    string // Only snapshotted keys are deleted; required unless SQLite
}

// NewSQLSource creates a SQLSource over an open database
func NewSQLSource(database *db.Database, config SQLSourceConfig) (*SQLSource, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}
	if config.HoldingTable == "" {
		return nil, fmt.Errorf("holding table name is required")
	}
	if config.KeyColumn == "" && database.Dialect != db.DialectSQLite {
		return nil, fmt.Errorf("key column is required for %s sources", database.Dialect)
	}
	return &SQLSource{
		db:        database,
		holding:   config.HoldingTable,
		keyColumn: config.KeyColumn,
	}, nil
}

// Exists checks the catalog of the source dialect for the stream table.
func (s *SQLSource) Exists(ctx context.Context, stream string) (bool, error) {
	b := s.db.Builder
	var ds *goqu.SelectDataset

	switch s.db.Dialect {
	case db.DialectSQLite:
		ds = b.From("sqlite_master").
			Select(goqu.COUNT(goqu.Star())).
			Where(goqu.C("type").In("table", "view"), goqu.C("name").Eq(stream))
	case db.DialectMySQL:
		schema, table := splitQualified(stream, goqu.L("DATABASE()"))
		ds = b.From(goqu.T("tables").Schema("information_schema")).
			Select(goqu.COUNT(goqu.Star())).
			Where(goqu.C("table_schema").Eq(schema), goqu.C("table_name").Eq(table))
	case db.DialectPostgres:
		schema, table := splitQualified(stream, goqu.L("current_schema()"))
		ds = b.From(goqu.T("tables").Schema("information_schema")).
			Select(goqu.COUNT(goqu.Star())).
			Where(goqu.C("table_schema").Eq(schema), goqu.C("table_name").Eq(table))
	default:
		return false, fmt.Errorf("unsupported dialect: %s", s.db.Dialect)
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return false, fmt.Errorf("failed to build existence query: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check stream %s: %w", stream, err)
	}
	return count > 0, nil
}

// splitQualified splits "schema.table"; an unqualified name uses def as schema.
func splitQualified(name string, def interface{}) (interface{}, string) {
	for i := len(name) - 1; i > 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return def, name
}

// Begin starts a source transaction.
func (s *SQLSource) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin source transaction: %w", err)
	}
	return &sqlTx{source: s, tx: tx}, nil
}

type sqlTx struct {
	source *SQLSource
	tx     *sql.Tx
}

func (t *sqlTx) Drain(ctx context.Context, stream string) ([]string, [][]interface{}, error) {
	s := t.source
	b := s.db.Builder

	if err := t.dropHolding(ctx); err != nil {
		return nil, nil, err
	}

	snapshot, _, err := b.From(db.Table(stream)).ToSQL()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build snapshot query: %w", err)
	}
	create := fmt.Sprintf("CREATE TEMPORARY TABLE %s AS %s", s.db.QuoteIdent(s.holding), snapshot)
	if _, err := t.tx.ExecContext(ctx, create); err != nil {
		return nil, nil, fmt.Errorf("failed to snapshot stream %s: %w", stream, err)
	}

	read := b.From(goqu.T(s.holding))
	if s.keyColumn != "" {
		read = read.Order(goqu.C(s.keyColumn).Asc())
	}
	query, _, err := read.ToSQL()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build read query: %w", err)
	}

	rows, err := t.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read holding table: %w", err)
	}
	columns, values, err := db.ScanRows(rows)
	rows.Close()
	if err != nil {
		return nil, nil, err
	}

	del := b.Delete(db.Table(stream))
	if s.keyColumn != "" {
		del = del.Where(goqu.C(s.keyColumn).In(
			b.From(goqu.T(s.holding)).Select(goqu.C(s.keyColumn)),
		))
	}
	query, args, err := del.Prepared(true).ToSQL()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build drain statement: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to drain stream %s: %w", stream, err)
	}
	if n, err := res.RowsAffected(); err == nil && n != int64(len(values)) {
		log.Warn().
			Str("stream", stream).
			Int64("deleted", n).
			Int("read", len(values)).
			Msg("Drained row count differs from snapshot")
	}

	if err := t.dropHolding(ctx); err != nil {
		return nil, nil, err
	}

	return columns, values, nil
}

func (t *sqlTx) dropHolding(ctx context.Context) error {
	s := t.source
	var stmt string
	switch s.db.Dialect {
	case db.DialectMySQL:
		stmt = "DROP TEMPORARY TABLE IF EXISTS " + s.db.QuoteIdent(s.holding)
	case db.DialectSQLite:
		// Unqualified names fall through to the main schema
		stmt = "DROP TABLE IF EXISTS " + s.db.QuoteIdent("temp."+s.holding)
	default:
		stmt = "DROP TABLE IF EXISTS " + s.db.QuoteIdent(s.holding)
	}
	if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to drop holding table: %w", err)
	}
	return nil
}

func (t *sqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	return t.tx.Rollback()
}
