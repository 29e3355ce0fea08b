package db

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// Dialect names double as database/sql driver names.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "pgx"
)

// Handle is a tenant-scoped database: the pool plus the dialect its SQL must
// be written for. Query methods accept `?` placeholders and rebind them.
type Handle struct {
	DB      *sql.DB
	Dialect Dialect
}

// NewHandle wraps an open pool.
func NewHandle(db *sql.DB, dialect Dialect) *Handle {
	return &Handle{DB: db, Dialect: dialect}
}

// Postgres reports whether the handle speaks the postgres dialect.
func (h *Handle) Postgres() bool {
	return h.Dialect == DialectPostgres
}

// Rebind converts `?` placeholders to `$n` for postgres. Question marks inside
// single-quoted literals are left alone.
func (h *Handle) Rebind(query string) string {
	if h.Dialect != DialectPostgres {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ExecContext rebinds and executes query.
func (h *Handle) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return h.DB.ExecContext(ctx, h.Rebind(query), args...)
}

// QueryContext rebinds and runs query.
func (h *Handle) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return h.DB.QueryContext(ctx, h.Rebind(query), args...)
}

// QueryRowContext rebinds and runs a single-row query.
func (h *Handle) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return h.DB.QueryRowContext(ctx, h.Rebind(query), args...)
}

// BeginTx starts a transaction. Statements inside it must go through h.Rebind.
func (h *Handle) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return h.DB.BeginTx(ctx, opts)
}

// Close closes the pool.
func (h *Handle) Close() error {
	return h.DB.Close()
}
