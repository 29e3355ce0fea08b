package db

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)
}

func TestOpenWithMigrations(t *testing.T) {
	tables := []string{
		"schema_migrations",
		"pulse_queues", "pulse_jobs", "pulse_schedules",
		"job_executions", "job_execution_logs",
		"installations", "integrations",
	}

	t.Run("creates every table", func(t *testing.T) {
		h, err := OpenWithMigrations(filepath.Join(t.TempDir(), "tenant.db"), nil)
		require.NoError(t, err)
		defer h.Close()

		assert.Equal(t, DialectSQLite, h.Dialect)
		for _, table := range tables {
			var n int
			err := h.QueryRowContext(context.Background(),
				"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
			require.NoError(t, err)
			assert.Equal(t, 1, n, "table %s should exist", table)
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tenant.db")
		h, err := OpenWithMigrations(path, nil)
		require.NoError(t, err)
		require.NoError(t, Migrate(h, nil), "running migrations twice should be safe")

		var applied int
		require.NoError(t, h.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
		assert.Equal(t, 4, applied)
		h.Close()
	})

	t.Run("errors on a closed database carry a stack", func(t *testing.T) {
		sqlDB, err := Open(filepath.Join(t.TempDir(), "closed.db"), nil)
		require.NoError(t, err)
		sqlDB.Close()

		err = Migrate(NewHandle(sqlDB, DialectSQLite), nil)
		require.Error(t, err)
		assert.True(t, IsDatabaseClosed(err))
		assert.Contains(t, fmt.Sprintf("%+v", err), "migrate.go")
	})
}

func TestRebind(t *testing.T) {
	pg := &Handle{Dialect: DialectPostgres}
	lite := &Handle{Dialect: DialectSQLite}

	q := "SELECT * FROM pulse_jobs WHERE queue = ? AND state IN ('created', 'why?') AND start_after <= ?"
	assert.Equal(t, q, lite.Rebind(q))
	assert.Equal(t,
		"SELECT * FROM pulse_jobs WHERE queue = $1 AND state IN ('created', 'why?') AND start_after <= $2",
		pg.Rebind(q))
	assert.Equal(t, "SELECT 1", pg.Rebind("SELECT 1"))
	assert.True(t, pg.Postgres())
	assert.False(t, lite.Postgres())
}

func TestSchemaVersion(t *testing.T) {
	for _, d := range []Dialect{DialectSQLite, DialectPostgres} {
		v, err := SchemaVersion(d)
		require.NoError(t, err)
		assert.Equal(t, "003", v, string(d))
	}
}
