package morangodb

import (
	"database/sql"
	"log/slog"

	"github.com/morango-sync/morango/internal/morango"
)

// HistoryRecorder implements morango.StageObserver, writing one
// sync_history row per completed TransferSession as an audit trail.
type HistoryRecorder struct {
	db *DB
}

// NewHistoryRecorder builds a HistoryRecorder bound to db.
func NewHistoryRecorder(db *DB) *HistoryRecorder {
	return &HistoryRecorder{db: db}
}

func (h *HistoryRecorder) OnStarted(ts *morango.TransferSession) {
	slog.Info("transfer session started", "id", ts.ID, "push", ts.Push)
}

func (h *HistoryRecorder) OnInProgress(ts *morango.TransferSession) {
	slog.Debug("transfer session progressing", "id", ts.ID, "state", ts.State, "transferred", ts.RecordsTransferred)
}

func (h *HistoryRecorder) OnCompleted(ts *morango.TransferSession) {
	var conflictCount int
	if err := h.db.Conn.QueryRow(`SELECT COUNT(*) FROM merge_conflicts WHERE transfer_session_id = ?`, ts.ID).Scan(&conflictCount); err != nil {
		slog.Warn("count merge conflicts for history", "id", ts.ID, "error", err)
	}

	_, err := h.db.Conn.Exec(`
		INSERT INTO sync_history (transfer_session_id, push, records_transferred, conflict_count, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, ts.ID, ts.Push, ts.RecordsTransferred, conflictCount, ts.LastActivityTimestamp)
	if err != nil {
		slog.Warn("record sync history", "id", ts.ID, "error", err)
		return
	}
	slog.Info("transfer session completed", "id", ts.ID, "push", ts.Push, "records", ts.RecordsTransferred, "conflicts", conflictCount)
}

func (h *HistoryRecorder) OnAborted(ts *morango.TransferSession, err error) {
	slog.Warn("transfer session aborted", "id", ts.ID, "push", ts.Push, "error", err)
}

// TailSyncHistory returns the last limit completed transfer sessions, in
// chronological order (oldest first), for "morangoctl sync status".
func (db *DB) TailSyncHistory(limit int) ([]SyncHistoryEntry, error) {
	rows, err := db.Conn.Query(`
		SELECT id, transfer_session_id, push, records_transferred, conflict_count, started_at, finished_at
		FROM sync_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncHistoryEntry
	for rows.Next() {
		var e SyncHistoryEntry
		if err := rows.Scan(&e.ID, &e.TransferSessionID, &e.Push, &e.RecordsTransferred, &e.ConflictCount, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SyncHistoryEntry is one completed transfer session.
type SyncHistoryEntry struct {
	ID                 int64
	TransferSessionID  string
	Push               bool
	RecordsTransferred int64
	ConflictCount      int
	StartedAt          sql.NullString
	FinishedAt         sql.NullString
}

// MergeConflictEntry is one row of the queryable merge_conflicts
// mirror populated by morango.Dequeue's conflict branch.
type MergeConflictEntry struct {
	ID                int64
	StoreID           string
	TransferSessionID string
	LocalSerialized   string
	RemoteSerialized  string
	ResolvedAt        string
}

// ListMergeConflicts returns the most recent limit merge conflicts,
// newest first, for "morangoctl conflicts".
func (db *DB) ListMergeConflicts(limit int) ([]MergeConflictEntry, error) {
	rows, err := db.Conn.Query(`
		SELECT id, store_id, transfer_session_id, local_serialized, remote_serialized, resolved_at
		FROM merge_conflicts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MergeConflictEntry
	for rows.Next() {
		var e MergeConflictEntry
		if err := rows.Scan(&e.ID, &e.StoreID, &e.TransferSessionID, &e.LocalSerialized, &e.RemoteSerialized, &e.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
