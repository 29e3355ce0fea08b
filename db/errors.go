package db

import (
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/teranos/tenantpulse/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database.
// This typically occurs during graceful shutdown when the pool is closed
// before all goroutines have finished their work.
var ErrDatabaseClosed = errors.New("database is closed")

// ErrSchemaNotFound marks errors caused by a tenant schema (or its tables)
// no longer existing.
var ErrSchemaNotFound = errors.New("schema not found")

// Postgres SQLSTATE codes that mean the tenant's schema is gone.
const (
	pgInvalidSchemaName = "3F000"
	pgUndefinedTable    = "42P01"
)

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// The string matching fallback is necessary because the underlying sql driver
// returns its own error types that we cannot wrap at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

// IsSchemaNotFound reports whether err means the schema or its tables do not
// exist: postgres 3F000/42P01, a wrapped ErrSchemaNotFound, or the sqlite
// "no such table" message.
func IsSchemaNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSchemaNotFound) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgInvalidSchemaName || pgErr.Code == pgUndefinedTable
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "no such table") {
		return true
	}
	return strings.Contains(msg, "schema") && strings.Contains(msg, "does not exist")
}
