package morango

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const instanceIDHKDFInfo = "morango-instance-id"

// Registry issues monotonic (instance_id, counter) pairs and caches the
// derived instance id for the lifetime of the process. The counter itself is never cached across
// transaction boundaries — every read-and-increment happens inside the
// caller's transaction.
type Registry struct {
	db                *sql.DB
	systemIDOverride  string

	mu         sync.Mutex
	instanceID InstanceID
	cached     bool
}

// NewRegistry builds a Registry bound to a morango sidecar database.
// systemIDOverride, when non-empty, replaces machine-derived identity
// material — used by tests and migrations to pin a stable instance id.
func NewRegistry(db *sql.DB, systemIDOverride string) *Registry {
	return &Registry{db: db, systemIDOverride: systemIDOverride}
}

// ClearCache invalidates the cached instance id. Only ever called
// explicitly (tests, identity rotation); never implicit.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = false
	r.instanceID = ""
}

// CurrentAndIncrement returns (instance_id, counter_after_increment)
// atomically. Must run inside tx: the increment and any Store/RMC writes
// that cite the returned counter belong to the same transaction, or a
// crash could leave RMC entries referencing counters never persisted
// elsewhere.
func (r *Registry) CurrentAndIncrement(tx *sql.Tx) (InstanceID, int64, error) {
	iid, err := r.currentInstanceID(tx)
	if err != nil {
		return "", 0, err
	}

	res, err := tx.Exec(`UPDATE instance_id_model SET counter = counter + 1 WHERE id = 1`)
	if err != nil {
		return "", 0, fmt.Errorf("%w: increment counter: %v", ErrIdentityUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// The row the cached id came from was rolled back with an earlier
		// transaction: persist the cached id again, already incremented.
		if _, err := tx.Exec(`INSERT INTO instance_id_model (id, instance_id, counter) VALUES (1, ?, 1)`, string(iid)); err != nil {
			return "", 0, fmt.Errorf("%w: persist instance id: %v", ErrIdentityUnavailable, err)
		}
	}

	var counter int64
	if err := tx.QueryRow(`SELECT counter FROM instance_id_model WHERE id = 1`).Scan(&counter); err != nil {
		return "", 0, fmt.Errorf("%w: read counter: %v", ErrIdentityUnavailable, err)
	}

	return iid, counter, nil
}

// currentInstanceID returns the cached instance id, deriving and
// persisting one on first use within tx if none exists yet.
func (r *Registry) currentInstanceID(tx *sql.Tx) (InstanceID, error) {
	r.mu.Lock()
	if r.cached {
		iid := r.instanceID
		r.mu.Unlock()
		return iid, nil
	}
	r.mu.Unlock()

	var existing string
	err := tx.QueryRow(`SELECT instance_id FROM instance_id_model WHERE id = 1`).Scan(&existing)
	switch {
	case err == nil:
		r.mu.Lock()
		r.instanceID = InstanceID(existing)
		r.cached = true
		r.mu.Unlock()
		return InstanceID(existing), nil
	case err == sql.ErrNoRows:
		derived, derr := r.deriveInstanceID(tx)
		if derr != nil {
			return "", derr
		}
		if _, err := tx.Exec(`INSERT INTO instance_id_model (id, instance_id, counter) VALUES (1, ?, 0)`, string(derived)); err != nil {
			return "", fmt.Errorf("%w: persist instance id: %v", ErrIdentityUnavailable, err)
		}
		r.mu.Lock()
		r.instanceID = derived
		r.cached = true
		r.mu.Unlock()
		return derived, nil
	default:
		return "", fmt.Errorf("%w: read instance id: %v", ErrIdentityUnavailable, err)
	}
}

// deriveInstanceID derives a stable 32-hex instance id from the
// database id (created here if absent) and machine id, via HKDF-SHA256.
// systemIDOverride, if set, replaces the machine id component.
func (r *Registry) deriveInstanceID(tx *sql.Tx) (InstanceID, error) {
	dbID, err := r.currentDatabaseID(tx)
	if err != nil {
		return "", err
	}

	machineID := r.systemIDOverride
	if machineID == "" {
		machineID = readMachineID()
	}

	salt := sha256.Sum256([]byte(dbID))
	hk := hkdf.New(sha256.New, []byte(machineID), salt[:], []byte(instanceIDHKDFInfo))
	out := make([]byte, 16)
	if _, err := io.ReadFull(hk, out); err != nil {
		return "", fmt.Errorf("%w: derive instance id: %v", ErrIdentityUnavailable, err)
	}
	return InstanceID(hex.EncodeToString(out)), nil
}

// currentDatabaseID returns this sidecar's database id, generating one
// on first use. Every morango database has exactly one, independent of
// instance identity, matching the original's DatabaseIDModel.
func (r *Registry) currentDatabaseID(tx *sql.Tx) (string, error) {
	var id string
	err := tx.QueryRow(`SELECT database_id FROM database_id_model WHERE id = 1`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("%w: read database id: %v", ErrIdentityUnavailable, err)
	}

	id = strippedUUID()
	if _, err := tx.Exec(`INSERT INTO database_id_model (id, database_id) VALUES (1, ?)`, id); err != nil {
		return "", fmt.Errorf("%w: persist database id: %v", ErrIdentityUnavailable, err)
	}
	return id, nil
}

// Identity returns this sidecar's (instance id, database id) pair,
// deriving and persisting either if they don't already exist. Intended
// for operator-facing inspection (morangoctl identity show), not the
// hot path inside a transfer session.
func (r *Registry) Identity(db *sql.DB) (InstanceID, string, error) {
	tx, err := db.Begin()
	if err != nil {
		return "", "", err
	}
	defer tx.Rollback()

	iid, err := r.currentInstanceID(tx)
	if err != nil {
		return "", "", err
	}
	dbID, err := r.currentDatabaseID(tx)
	if err != nil {
		return "", "", err
	}
	if err := tx.Commit(); err != nil {
		return "", "", err
	}
	return iid, dbID, nil
}

func strippedUUID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// readMachineID reads a best-effort machine identity for instance id
// derivation. Falls back to a fresh random value if no stable source is
// available — a node without /etc/machine-id still gets a usable,
// stable-within-this-database identity since it is salted with the
// database id and cached via instance_id_model thereafter.
func readMachineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			return string(data)
		}
	}
	return uuid.New().String()
}
