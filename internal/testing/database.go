// Package testing provides shared helpers for package tests.
package testing

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/teranos/tenantpulse/db"
)

// CreateTestDB creates an in-memory SQLite database with every migration applied.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *db.Handle {
	t.Helper()

	sqlDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	// Each connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	h := db.NewHandle(sqlDB, db.DialectSQLite)
	if err := db.Migrate(h, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		sqlDB.Close()
	})

	return h
}
