package morango

import (
	"database/sql"
	"fmt"
)

// GetStoreRow reads one Store row by id. Returns (nil, false, nil) if no
// row exists.
func GetStoreRow(tx *sql.Tx, id string) (*StoreRow, bool, error) {
	row := tx.QueryRow(`
		SELECT id, serialized, conflicting_serialized_data, last_saved_instance,
		       last_saved_counter, deleted, hard_delete, model_name, profile,
		       partition, source_id, self_ref_fk, dirty_bit, last_transfer_session_id
		FROM store WHERE id = ?`, id)

	var s StoreRow
	var lastSavedInstance string
	err := row.Scan(&s.ID, &s.Serialized, &s.ConflictingSerializedData, &lastSavedInstance,
		&s.LastSavedCounter, &s.Deleted, &s.HardDelete, &s.ModelName, &s.Profile,
		&s.Partition, &s.SourceID, &s.SelfRefFK, &s.DirtyBit, &s.LastTransferSessionID)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get store row %s: %w", id, err)
	}
	s.LastSavedInstance = InstanceID(lastSavedInstance)
	return &s, true, nil
}

// UpsertStoreRow inserts or fully overwrites a Store row.
func UpsertStoreRow(tx *sql.Tx, s *StoreRow) error {
	_, err := tx.Exec(`
		INSERT INTO store (id, serialized, conflicting_serialized_data, last_saved_instance,
		                    last_saved_counter, deleted, hard_delete, model_name, profile,
		                    partition, source_id, self_ref_fk, dirty_bit, last_transfer_session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			serialized = excluded.serialized,
			conflicting_serialized_data = excluded.conflicting_serialized_data,
			last_saved_instance = excluded.last_saved_instance,
			last_saved_counter = excluded.last_saved_counter,
			deleted = excluded.deleted,
			hard_delete = excluded.hard_delete,
			model_name = excluded.model_name,
			profile = excluded.profile,
			partition = excluded.partition,
			source_id = excluded.source_id,
			self_ref_fk = excluded.self_ref_fk,
			dirty_bit = excluded.dirty_bit,
			last_transfer_session_id = excluded.last_transfer_session_id
	`, s.ID, s.Serialized, s.ConflictingSerializedData, string(s.LastSavedInstance),
		s.LastSavedCounter, s.Deleted, s.HardDelete, s.ModelName, s.Profile,
		s.Partition, s.SourceID, s.SelfRefFK, s.DirtyBit, s.LastTransferSessionID)
	if err != nil {
		return fmt.Errorf("upsert store row %s: %w", s.ID, err)
	}
	return nil
}

// UpsertRMC sets the record max counter for (storeID, instanceID) to
// counter directly (not a max-merge — callers that need max-merge
// semantics, like Dequeue's merge-conflict and fast-forward paths, read
// MaxRMC first and compute the merged value themselves, since the merge
// rule differs by step).
func UpsertRMC(tx *sql.Tx, storeID string, instanceID InstanceID, counter int64) error {
	_, err := tx.Exec(`
		INSERT INTO record_max_counter (store_id, instance_id, counter)
		VALUES (?, ?, ?)
		ON CONFLICT(store_id, instance_id) DO UPDATE SET counter = excluded.counter
	`, storeID, string(instanceID), counter)
	if err != nil {
		return fmt.Errorf("upsert rmc %s/%s: %w", storeID, instanceID, err)
	}
	return nil
}

// MaxRMC returns the full per-instance counter vector for storeID.
func MaxRMC(tx *sql.Tx, storeID string) (map[InstanceID]int64, error) {
	rows, err := tx.Query(`SELECT instance_id, counter FROM record_max_counter WHERE store_id = ?`, storeID)
	if err != nil {
		return nil, fmt.Errorf("query rmc %s: %w", storeID, err)
	}
	defer rows.Close()

	out := make(map[InstanceID]int64)
	for rows.Next() {
		var iid string
		var counter int64
		if err := rows.Scan(&iid, &counter); err != nil {
			return nil, fmt.Errorf("scan rmc %s: %w", storeID, err)
		}
		out[InstanceID(iid)] = counter
	}
	return out, rows.Err()
}
