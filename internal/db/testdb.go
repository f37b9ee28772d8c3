package db

import (
	"database/sql"
	"path/filepath"
	"testing"
)

// NewTestDB returns a private in-memory store with the schema applied.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	if err := EnsureSchema(db); err != nil {
		db.Close()
		t.Fatalf("creating test database schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// NewSharedTestDBs opens n independent handles on one temporary database
// file, standing in for separate processes that share the till store.
func NewSharedTestDBs(t *testing.T, n int) []*sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "till.sqlite3")
	handles := make([]*sql.DB, 0, n)
	for i := 0; i < n; i++ {
		h, err := Open(path)
		if err != nil {
			t.Fatalf("opening shared test database: %v", err)
		}
		t.Cleanup(func() { h.Close() })
		if i == 0 {
			if err := EnsureSchema(h); err != nil {
				t.Fatalf("creating shared test database schema: %v", err)
			}
		}
		handles = append(handles, h)
	}
	return handles
}
