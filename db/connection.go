package db

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/sym"
)

// Open opens a SQLite database at the specified path with optimized settings.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "symbol", sym.DB)
	}
	db, err := sql.Open(string(DialectSQLite), path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Enable WAL mode for concurrent reads during writes
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable WAL mode")
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}

	// Set busy timeout to 5 seconds
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to set busy timeout")
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"symbol", sym.DB,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenWithMigrations opens a SQLite handle and applies pending migrations.
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*Handle, error) {
	sqlDB, err := Open(path, logger)
	if err != nil {
		return nil, err
	}
	h := NewHandle(sqlDB, DialectSQLite)
	if err := Migrate(h, logger); err != nil {
		sqlDB.Close()
		return nil, errors.Wrapf(err, "failed to migrate %s", path)
	}
	return h, nil
}

// OpenPostgres opens a postgres handle through the pgx stdlib driver and pings it.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.SugaredLogger) (*Handle, error) {
	sqlDB, err := sql.Open(string(DialectPostgres), dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to reach postgres")
	}
	if logger != nil {
		logger.Infow("Postgres connection ready", "symbol", sym.DB)
	}
	return NewHandle(sqlDB, DialectPostgres), nil
}
