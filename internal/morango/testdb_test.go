package morango

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

// openTestDB returns an in-memory morango sidecar database with the
// schema applied, closed automatically at test cleanup.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// A single connection, matching morangodb.openConn's discipline for
	// the real sidecar file: without it database/sql may hand two
	// concurrent transactions different connections, and ":memory:" gives
	// each connection its own empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}
