package registry

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_MigrationIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first Open() = %v", err)
	}
	if err := db1.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("second Open() on the same file = %v", err)
	}
	defer db2.Close()
}
