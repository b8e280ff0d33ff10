package syncserver

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/morango-sync/morango/internal/morango"
)

// peerSession is the server's bookkeeping for one in-flight transfer
// session, keyed by the session id the client generated. It only holds
// what the client's opening fsic exchange told it; the actual staged
// rows live in this node's own buffer/record_max_counter_buffer
// tables, exactly as they do for the client-driven morango.Machine.
type peerSession struct {
	clientPush bool
	profile    string
	filter     []string
	createdAt  time.Time
}

// sessionTable tracks peerSessions in memory. A server restart loses
// any session not yet finalized, and only a new fsic exchange re-creates
// the entry: a client Machine that resumes past its queuing stage gets
// not_found from the chunk and finalize endpoints.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*peerSession
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*peerSession)}
}

func (t *sessionTable) put(id string, ps *peerSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[id] = ps
}

func (t *sessionTable) get(id string) (*peerSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.sessions[id]
	return ps, ok
}

func (t *sessionTable) delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// loadChunk reads up to limit not-yet-sent buffer rows staged for
// sessionID and their RMCB entries, mirroring morango's
// Machine.loadChunk (internal/morango/session.go), re-implemented here
// since that method is unexported and this package has no access to a
// *morango.Machine on the receiving end of an HTTP request.
func loadChunk(db *sql.DB, sessionID string, limit int) ([]morango.BufferRow, []morango.RMCEntryRow, bool, error) {
	rows, err := db.Query(`
		SELECT model_uuid, serialized, deleted, last_saved_instance, last_saved_counter, hard_delete,
		       model_name, profile, partition, source_id, conflicting_serialized_data, self_ref_fk
		FROM buffer WHERE transfer_session_id = ? ORDER BY model_uuid LIMIT ?`, sessionID, limit+1)
	if err != nil {
		return nil, nil, false, fmt.Errorf("load chunk: %w", err)
	}
	defer rows.Close()

	var out []morango.BufferRow
	for rows.Next() {
		var b morango.BufferRow
		var lastSavedInstance string
		b.TransferSessionID = sessionID
		if err := rows.Scan(&b.ModelUUID, &b.Serialized, &b.Deleted, &lastSavedInstance, &b.LastSavedCounter,
			&b.HardDelete, &b.ModelName, &b.Profile, &b.Partition, &b.SourceID, &b.ConflictingSerializedData, &b.SelfRefFK); err != nil {
			return nil, nil, false, err
		}
		b.LastSavedInstance = morango.InstanceID(lastSavedInstance)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, err
	}

	done := len(out) <= limit
	if !done {
		out = out[:limit]
	}

	var rmcbOut []morango.RMCEntryRow
	for _, b := range out {
		entryRows, err := db.Query(`SELECT instance_id, counter FROM record_max_counter_buffer WHERE transfer_session_id = ? AND model_uuid = ?`,
			sessionID, b.ModelUUID)
		if err != nil {
			return nil, nil, false, fmt.Errorf("load rmcb chunk for %s: %w", b.ModelUUID, err)
		}
		for entryRows.Next() {
			var iid string
			var counter int64
			if err := entryRows.Scan(&iid, &counter); err != nil {
				entryRows.Close()
				return nil, nil, false, err
			}
			rmcbOut = append(rmcbOut, morango.RMCEntryRow{ModelUUID: b.ModelUUID, InstanceID: morango.InstanceID(iid), Counter: counter})
		}
		if err := entryRows.Err(); err != nil {
			entryRows.Close()
			return nil, nil, false, err
		}
		entryRows.Close()
	}

	return out, rmcbOut, done, nil
}

// storeChunk inserts received rows into this node's own buffer/RMCB
// tables so a later Dequeue can merge them, mirroring
// Machine.storeIncomingChunk.
func storeChunk(db *sql.DB, sessionID string, rows []morango.BufferRow, rmcb []morango.RMCEntryRow) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin store incoming chunk: %w", err)
	}
	defer tx.Rollback()

	for _, b := range rows {
		if _, err := tx.Exec(`
			INSERT INTO buffer (transfer_session_id, model_uuid, serialized, deleted, last_saved_instance,
			                     last_saved_counter, hard_delete, model_name, profile, partition, source_id,
			                     conflicting_serialized_data, self_ref_fk)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(transfer_session_id, model_uuid) DO NOTHING`,
			sessionID, b.ModelUUID, b.Serialized, b.Deleted, string(b.LastSavedInstance), b.LastSavedCounter,
			b.HardDelete, b.ModelName, b.Profile, b.Partition, b.SourceID, b.ConflictingSerializedData, b.SelfRefFK); err != nil {
			return fmt.Errorf("store incoming buffer row %s: %w", b.ModelUUID, err)
		}
	}
	for _, e := range rmcb {
		if _, err := tx.Exec(`
			INSERT INTO record_max_counter_buffer (transfer_session_id, model_uuid, instance_id, counter)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(transfer_session_id, model_uuid, instance_id) DO NOTHING`,
			sessionID, e.ModelUUID, string(e.InstanceID), e.Counter); err != nil {
			return fmt.Errorf("store incoming rmcb row %s: %w", e.ModelUUID, err)
		}
	}
	return tx.Commit()
}

// cleanupResidue deletes this node's own buffer/RMCB rows for
// sessionID, the server-side half of Machine.stageCleanup's residue
// sweep.
func cleanupResidue(db *sql.DB, sessionID string) error {
	if _, err := db.Exec(`DELETE FROM record_max_counter_buffer WHERE transfer_session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("cleanup rmcb residue: %w", err)
	}
	if _, err := db.Exec(`DELETE FROM buffer WHERE transfer_session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("cleanup buffer residue: %w", err)
	}
	return nil
}
