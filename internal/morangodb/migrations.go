package morangodb

import (
	"database/sql"
	"fmt"

	"github.com/morango-sync/morango/internal/morango"
)

// migration is one additive schema change, applied in Version order.
// A migration only ever adds columns or tables with IF NOT EXISTS /
// ADD COLUMN, never drops or renames, so an older binary can still
// read a database a newer one has migrated.
type migration struct {
	Version int
	Apply   func(tx *sql.Tx) error
}

// Migrations is currently empty: morango.SchemaVersion 1 is laid down
// directly by morango.Schema on first Open. Future additive changes
// (e.g. a new indexed column) are appended here rather than edited into
// morango.Schema, so an already-deployed sidecar upgrades in place.
var Migrations = []migration{}

func (db *DB) columnExists(table, column string) (bool, error) {
	rows, err := db.Conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (db *DB) schemaVersion() (int, error) {
	var v int
	err := db.Conn.QueryRow(`SELECT value FROM schema_info WHERE key = 'version'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, nil
	}
	return v, nil
}

func (db *DB) setSchemaVersion(version int) error {
	_, err := db.Conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`, fmt.Sprintf("%d", version))
	return err
}

// runMigrationsInternal applies pending migrations without acquiring the
// write lock itself (the caller, Open, already holds it).
func (db *DB) runMigrationsInternal() (int, error) {
	current, err := db.schemaVersion()
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	if current >= morango.SchemaVersion {
		return 0, nil
	}

	applied := 0
	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.Conn.Begin()
		if err != nil {
			return applied, fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if err := m.Apply(tx); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
		applied++
	}

	if err := db.setSchemaVersion(morango.SchemaVersion); err != nil {
		return applied, fmt.Errorf("set schema version: %w", err)
	}
	return applied, nil
}
