package db

import (
	"context"
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/sym"
)

//go:embed sqlite/migrations/*.sql postgres/migrations/*.sql
var migrations embed.FS

func migrationDir(d Dialect) string {
	if d == DialectPostgres {
		return "postgres/migrations"
	}
	return "sqlite/migrations"
}

// migrationFiles lists the embedded migrations of d in apply order
// (000_create_schema_migrations.sql first).
func migrationFiles(d Dialect) ([]string, error) {
	entries, err := migrations.ReadDir(migrationDir(d))
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// SchemaVersion is the version of the newest migration embedded for d.
func SchemaVersion(d Dialect) (string, error) {
	files, err := migrationFiles(d)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", errors.Newf("no migrations embedded for %s", d)
	}
	return strings.Split(files[len(files)-1], "_")[0], nil
}

// Migrate runs all pending migrations for the handle's dialect.
// If logger is provided, logs migration progress; otherwise operates silently.
func Migrate(h *Handle, logger *zap.SugaredLogger) error {
	ctx := context.Background()

	files, err := migrationFiles(h.Dialect)
	if err != nil {
		return err
	}

	applied := 0
	for _, filename := range files {
		version := strings.Split(filename, "_")[0]

		var exists bool
		err := h.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			// Table doesn't exist yet - this must be migration 000
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
			}
		} else if exists {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)",
					"migration", filename,
					"version", version,
				)
			}
			continue
		}

		sqlBytes, err := migrations.ReadFile(path.Join(migrationDir(h.Dialect), filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		if logger != nil {
			logger.Infow("Applying migration",
				"migration", filename,
				"version", version,
				"dialect", string(h.Dialect),
			)
		}

		if err := applyMigration(ctx, h, string(sqlBytes), version); err != nil {
			return errors.Wrapf(err, "apply %s", filename)
		}
		applied++
	}

	if logger != nil {
		logger.Infow("Migrations complete",
			"symbol", sym.DB,
			"total_migrations", len(files),
			"applied", applied,
		)
	}

	return nil
}

func applyMigration(ctx context.Context, h *Handle, body, version string) error {
	tx, err := h.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return errors.Wrap(err, "execute")
	}

	// Record migration (000 creates the table, then records itself)
	if _, err := tx.ExecContext(ctx, h.Rebind("INSERT INTO schema_migrations (version) VALUES (?)"), version); err != nil {
		return errors.Wrap(err, "record")
	}

	if err := tx.Commit(); err != nil && err != sql.ErrTxDone {
		return errors.Wrap(err, "commit")
	}
	return nil
}
