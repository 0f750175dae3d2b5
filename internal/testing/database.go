package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/quire/db"
)

// CreateTestDB creates a migrated in-memory SQLite database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return open(t, db.MemoryPath)
}

// CreateFileTestDB creates a migrated database file under t.TempDir().
// Use it when several connections must share one database, e.g. racing pickups.
func CreateFileTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return open(t, filepath.Join(t.TempDir(), "quire-test.db"))
}

func open(t *testing.T, path string) *sql.DB {
	t.Helper()

	database, err := db.OpenWithMigrations(path, nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}
