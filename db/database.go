package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Supported SQL dialects. Each name is both the goqu dialect and the
// database/sql driver name.
const (
	DialectSQLite   = "sqlite3"
	DialectMySQL    = "mysql"
	DialectPostgres = "postgres"
)

// Database pairs a connection pool with the goqu dialect used to build
// statements for it.
type Database struct {
	*sql.DB
	Dialect string
	Builder goqu.DialectWrapper
}

// Open connects to dsn with the driver for dialect and pings it.
func Open(ctx context.Context, dialect, dsn string) (*Database, error) {
	switch dialect {
	case DialectSQLite, DialectMySQL, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	conn, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}

	// SQLite temp tables and in-memory databases are per connection
	if dialect == DialectSQLite {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}

	log.Debug().Str("dialect", dialect).Msg("Database connection opened")
	return Wrap(conn, dialect), nil
}

// Wrap builds a Database around an existing pool.
func Wrap(conn *sql.DB, dialect string) *Database {
	return &Database{
		DB:      conn,
		Dialect: dialect,
		Builder: goqu.Dialect(dialect),
	}
}

// QuoteIdent quotes a possibly dotted identifier for the dialect.
func (d *Database) QuoteIdent(name string) string {
	return QuoteIdent(d.Dialect, name)
}

// QuoteIdent quotes each dot-separated part of name using the dialect's quote rune.
func QuoteIdent(dialect, name string) string {
	q := `"`
	if dialect == DialectMySQL || dialect == DialectSQLite {
		q = "`"
	}

	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = q + strings.ReplaceAll(p, q, q+q) + q
	}
	return strings.Join(parts, ".")
}

// Table returns a goqu identifier for a possibly schema-qualified table name.
func Table(name string) exp.IdentifierExpression {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return goqu.T(name[i+1:]).Schema(name[:i])
	}
	return goqu.T(name)
}

// NormalizeValue converts driver values into types that serialize cleanly.
// []byte becomes string so TEXT columns from drivers that return bytes
// (MySQL) render as text.
func NormalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// ScanRows reads every remaining row, returning column names and normalized values.
func ScanRows(rows *sql.Rows) ([]string, [][]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var result [][]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i := range values {
			values[i] = NormalizeValue(values[i])
		}
		result = append(result, values)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return columns, result, nil
}
