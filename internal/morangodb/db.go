// Package morangodb provides the SQLite persistence layer for the
// morango sidecar database: connection setup, schema application,
// additive migrations, and multi-process write locking.
package morangodb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/morango-sync/morango/internal/morango"
	_ "modernc.org/sqlite"
)

const sidecarFile = ".morango/sidecar.db"

// DB wraps the morango sidecar connection.
type DB struct {
	Conn    *sql.DB
	baseDir string
}

// openConn opens a SQLite connection with safe defaults for
// multi-process access.
func openConn(dbPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")
	conn.Exec("PRAGMA foreign_keys=ON")

	return conn, nil
}

// Open opens the sidecar database at baseDir, creating and migrating it
// if necessary.
func Open(baseDir string) (*DB, error) {
	dbPath := filepath.Join(baseDir, sidecarFile)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create sidecar dir: %w", err)
	}

	conn, err := openConn(dbPath)
	if err != nil {
		return nil, err
	}

	db := &DB{Conn: conn, baseDir: baseDir}

	if err := db.withWriteLock(func() error {
		if _, err := conn.Exec(morango.Schema); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		_, err := db.runMigrationsInternal()
		return err
	}); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// Close flushes the WAL back into the main file and closes the
// connection, so a stale -wal/-shm file never confuses the next
// process to open this database.
func (db *DB) Close() error {
	db.Conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.Conn.Close()
}

// BaseDir returns the directory the sidecar database lives under.
func (db *DB) BaseDir() string {
	return db.baseDir
}

func (db *DB) withWriteLock(fn func() error) error {
	locker := newWriteLocker(db.baseDir)
	if err := locker.acquire(defaultTimeout); err != nil {
		return err
	}
	defer locker.release()
	return fn()
}
