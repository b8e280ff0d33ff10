package morango

import (
	"database/sql"
	"fmt"
	"strings"
)

// Queue selects Store rows owed to a peer, via the FSIC delta, and
// stages them into Buffer/RMCB scoped to ts.
// lastPeerSessionID, when non-empty, excludes rows whose
// last_transfer_session_id matches it — the anti-echo clause that
// suppresses re-queueing a row to the peer that just sent it, used on
// resume/repeat.
//
// Unlike the source implementation this builds every predicate with
// bound placeholders: instance ids and partition prefixes cross a trust
// boundary and are never interpolated into SQL
// text.
func Queue(tx *sql.Tx, ts *TransferSession, delta map[InstanceID]int64, profile string, lastPeerSessionID string) error {
	if len(delta) == 0 {
		return nil
	}

	var lastSavedClauses []string
	var args []any
	for iid, counter := range delta {
		lastSavedClauses = append(lastSavedClauses, "(last_saved_instance = ? AND last_saved_counter > ?)")
		args = append(args, string(iid), counter)
	}
	lastSavedPredicate := "(" + strings.Join(lastSavedClauses, " OR ") + ")"

	predicate := lastSavedPredicate + " AND profile = ?"
	args = append(args, profile)

	if len(ts.Filter) > 0 {
		var partitionClauses []string
		for _, prefix := range ts.Filter {
			partitionClauses = append(partitionClauses, "partition LIKE ? ESCAPE '\\'")
			args = append(args, escapeLike(prefix)+"%")
		}
		predicate += " AND (" + strings.Join(partitionClauses, " OR ") + ")"
	}

	if lastPeerSessionID != "" {
		predicate += " AND last_transfer_session_id != ?"
		args = append(args, lastPeerSessionID)
	}

	insertBuffer := fmt.Sprintf(`
		INSERT INTO buffer (transfer_session_id, model_uuid, serialized, deleted, last_saved_instance,
		                     last_saved_counter, hard_delete, model_name, profile, partition, source_id,
		                     conflicting_serialized_data, self_ref_fk)
		SELECT ?, id, serialized, deleted, last_saved_instance, last_saved_counter, hard_delete, model_name,
		       profile, partition, source_id, conflicting_serialized_data, self_ref_fk
		FROM store WHERE %s
		ON CONFLICT(transfer_session_id, model_uuid) DO NOTHING`, predicate)

	insertArgs := append([]any{ts.ID}, args...)
	if _, err := tx.Exec(insertBuffer, insertArgs...); err != nil {
		return fmt.Errorf("queue into buffer: %w", err)
	}

	insertRMCB := `
		INSERT INTO record_max_counter_buffer (transfer_session_id, model_uuid, instance_id, counter)
		SELECT ?, rmc.store_id, rmc.instance_id, rmc.counter
		FROM record_max_counter AS rmc
		INNER JOIN buffer AS b ON rmc.store_id = b.model_uuid AND b.transfer_session_id = ?
		ON CONFLICT(transfer_session_id, model_uuid, instance_id) DO NOTHING`
	if _, err := tx.Exec(insertRMCB, ts.ID, ts.ID); err != nil {
		return fmt.Errorf("queue into rmc buffer: %w", err)
	}

	var total int64
	if err := tx.QueryRow(`SELECT COUNT(*) FROM buffer WHERE transfer_session_id = ?`, ts.ID).Scan(&total); err != nil {
		return fmt.Errorf("read back buffer count: %w", err)
	}
	ts.RecordsTotal = total

	if _, err := tx.Exec(`UPDATE transfer_session SET records_total = ? WHERE id = ?`, total, ts.ID); err != nil {
		return fmt.Errorf("persist records_total: %w", err)
	}

	return nil
}

// escapeLike escapes LIKE metacharacters in a partition prefix so it is
// matched literally rather than as a pattern.
func escapeLike(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(s)
}
