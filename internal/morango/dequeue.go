package morango

import (
	"database/sql"
	"fmt"
)

// Dequeue merges the Buffer/RMCB rows staged for transferSessionID back
// into Store/RMC, resolving each row as a drop, a fast-forward, or a
// conflict to merge, as one transaction wrapping all SQL.
//
// Classification of each row as drop / fast-forward / merge-conflict is
// anchored on the row's own last_saved_instance/counter stamp checked
// against the other side's counter vector, rather than a full
// entry-by-entry vector comparison across every instance either side
// has ever recorded: RMC/RMCB vectors accumulate entries from instances
// that never touched a given record's sync pair, and requiring every
// such unrelated entry to be mirrored on both sides would misclassify
// ordinary fast-forwards as conflicts. Checking the actual author stamp
// is what determines whether "the other side has already seen my most
// recent write."
func Dequeue(db *sql.DB, registry *Registry, transferSessionID string) (*MergeReport, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin dequeue: %w", err)
	}
	defer tx.Rollback()

	iid, counter, err := registry.CurrentAndIncrement(tx)
	if err != nil {
		return nil, err
	}

	report := &MergeReport{}

	modelUUIDs, err := bufferedModelUUIDs(tx, transferSessionID)
	if err != nil {
		return nil, err
	}

	for _, muid := range modelUUIDs {
		buf, rmcbEntries, err := loadBufferRow(tx, transferSessionID, muid)
		if err != nil {
			return nil, err
		}
		storeRow, exists, err := GetStoreRow(tx, muid)
		if err != nil {
			return nil, err
		}

		var localRMC map[InstanceID]int64
		if exists {
			localRMC, err = MaxRMC(tx, muid)
			if err != nil {
				return nil, err
			}
		}

		// Drop fully-dominated incoming rows. The Store row itself is
		// untouched (it is already newer than what arrived), but the RMC
		// vector still absorbs any instance/counter pairs the incoming
		// side knew about that local didn't.
		if exists {
			if localCounter, ok := localRMC[buf.LastSavedInstance]; ok && localCounter >= buf.LastSavedCounter {
				merged := unionMaxRMC(localRMC, rmcbEntries)
				for instanceID, c := range merged {
					if err := UpsertRMC(tx, muid, instanceID, c); err != nil {
						return nil, err
					}
				}
				if err := deleteBufferedRow(tx, transferSessionID, muid); err != nil {
					return nil, err
				}
				report.Dropped++
				continue
			}
		}

		// Classify fast-forward vs merge-conflict.
		fastForward := !exists
		if exists {
			if incomingCounter, ok := rmcbEntries[storeRow.LastSavedInstance]; ok && incomingCounter >= storeRow.LastSavedCounter {
				fastForward = true
			}
		}

		if fastForward {
			if err := applyFastForward(tx, muid, buf, rmcbEntries, storeRow, exists, transferSessionID); err != nil {
				return nil, err
			}
			report.FastForwarded++
			if !exists {
				report.Created++
			}
		} else {
			if err := applyMergeConflict(tx, muid, buf, rmcbEntries, storeRow, localRMC, iid, counter, transferSessionID); err != nil {
				return nil, err
			}
			report.Conflicted++
		}

		if err := deleteBufferedRow(tx, transferSessionID, muid); err != nil {
			return nil, err
		}
	}

	if err := checkNoBufferResidue(tx, transferSessionID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}
	return report, nil
}

func bufferedModelUUIDs(tx *sql.Tx, transferSessionID string) ([]string, error) {
	rows, err := tx.Query(`SELECT model_uuid FROM buffer WHERE transfer_session_id = ?`, transferSessionID)
	if err != nil {
		return nil, fmt.Errorf("query buffered model uuids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func loadBufferRow(tx *sql.Tx, transferSessionID, modelUUID string) (*BufferRow, map[InstanceID]int64, error) {
	row := tx.QueryRow(`
		SELECT serialized, deleted, last_saved_instance, last_saved_counter, hard_delete,
		       model_name, profile, partition, source_id, conflicting_serialized_data, self_ref_fk
		FROM buffer WHERE transfer_session_id = ? AND model_uuid = ?`, transferSessionID, modelUUID)

	var b BufferRow
	b.ModelUUID = modelUUID
	b.TransferSessionID = transferSessionID
	var lastSavedInstance string
	if err := row.Scan(&b.Serialized, &b.Deleted, &lastSavedInstance, &b.LastSavedCounter, &b.HardDelete,
		&b.ModelName, &b.Profile, &b.Partition, &b.SourceID, &b.ConflictingSerializedData, &b.SelfRefFK); err != nil {
		return nil, nil, fmt.Errorf("load buffer row %s: %w", modelUUID, err)
	}
	b.LastSavedInstance = InstanceID(lastSavedInstance)

	rmcbRows, err := tx.Query(`SELECT instance_id, counter FROM record_max_counter_buffer WHERE transfer_session_id = ? AND model_uuid = ?`,
		transferSessionID, modelUUID)
	if err != nil {
		return nil, nil, fmt.Errorf("load rmcb for %s: %w", modelUUID, err)
	}
	defer rmcbRows.Close()

	entries := make(map[InstanceID]int64)
	for rmcbRows.Next() {
		var iid string
		var counter int64
		if err := rmcbRows.Scan(&iid, &counter); err != nil {
			return nil, nil, err
		}
		entries[InstanceID(iid)] = counter
	}
	return &b, entries, rmcbRows.Err()
}

func deleteBufferedRow(tx *sql.Tx, transferSessionID, modelUUID string) error {
	if _, err := tx.Exec(`DELETE FROM record_max_counter_buffer WHERE transfer_session_id = ? AND model_uuid = ?`, transferSessionID, modelUUID); err != nil {
		return fmt.Errorf("delete rmcb %s: %w", modelUUID, err)
	}
	if _, err := tx.Exec(`DELETE FROM buffer WHERE transfer_session_id = ? AND model_uuid = ?`, transferSessionID, modelUUID); err != nil {
		return fmt.Errorf("delete buffer %s: %w", modelUUID, err)
	}
	return nil
}

// applyFastForward handles the case where the incoming row's author
// information dominates the local record (or no local record exists
// yet), so it is applied wholesale, no conflict stack is touched beyond
// copying the buffer's own, and the remote author stamp is preserved
// verbatim.
func applyFastForward(tx *sql.Tx, muid string, buf *BufferRow, rmcbEntries map[InstanceID]int64, existing *StoreRow, exists bool, transferSessionID string) error {
	sr := &StoreRow{
		ID:                        muid,
		Serialized:                buf.Serialized,
		ConflictingSerializedData: buf.ConflictingSerializedData,
		LastSavedInstance:         buf.LastSavedInstance,
		LastSavedCounter:          buf.LastSavedCounter,
		Deleted:                   buf.Deleted,
		HardDelete:                buf.HardDelete,
		ModelName:                 buf.ModelName,
		Profile:                   buf.Profile,
		Partition:                 buf.Partition,
		SourceID:                  buf.SourceID,
		SelfRefFK:                 buf.SelfRefFK,
		DirtyBit:                  true,
		LastTransferSessionID:     transferSessionID,
	}
	if exists {
		sr.ModelName = existing.ModelName
		sr.Profile = existing.Profile
		sr.Partition = existing.Partition
		sr.SourceID = existing.SourceID
	}
	if err := UpsertStoreRow(tx, sr); err != nil {
		return err
	}

	merged := unionMaxRMC(nil, rmcbEntries)
	if exists {
		local, err := MaxRMC(tx, muid)
		if err != nil {
			return err
		}
		merged = unionMaxRMC(local, rmcbEntries)
	}
	for instanceID, c := range merged {
		if err := UpsertRMC(tx, muid, instanceID, c); err != nil {
			return err
		}
	}
	return nil
}

// applyMergeConflict handles the case where neither side's vector
// dominates the other, so the loser's serialized payload is preserved
// on the conflict stack, the winner's payload (or a hard-delete
// tombstone) is written, and both RMC vectors are merged by
// per-instance max before the fresh (iid, counter) stamp is recorded as
// the new author.
func applyMergeConflict(tx *sql.Tx, muid string, buf *BufferRow, rmcbEntries map[InstanceID]int64, existing *StoreRow, localRMC map[InstanceID]int64, iid InstanceID, counter int64, transferSessionID string) error {
	combinedHardDelete := existing.HardDelete || buf.HardDelete
	combinedDeleted := existing.Deleted || buf.Deleted

	stack := existing.Serialized + "\n" + existing.ConflictingSerializedData
	if buf.ConflictingSerializedData != "" {
		stack = stack + "\n" + buf.ConflictingSerializedData
	}

	sr := &StoreRow{
		ID:                    muid,
		LastSavedInstance:     iid,
		LastSavedCounter:      counter,
		Deleted:               combinedDeleted,
		HardDelete:            combinedHardDelete,
		ModelName:             existing.ModelName,
		Profile:               existing.Profile,
		Partition:             existing.Partition,
		SourceID:              existing.SourceID,
		SelfRefFK:             existing.SelfRefFK,
		DirtyBit:              true,
		LastTransferSessionID: existing.LastTransferSessionID,
	}

	if combinedHardDelete {
		// A hard delete absorbs the conflict, erasing payloads
		// regardless of which side introduced it.
		sr.Serialized = "{}"
		sr.ConflictingSerializedData = ""
	} else {
		sr.Serialized = buf.Serialized
		sr.ConflictingSerializedData = stack

		if _, err := tx.Exec(`
			INSERT INTO merge_conflicts (store_id, transfer_session_id, local_serialized, remote_serialized)
			VALUES (?, ?, ?, ?)`, muid, transferSessionID, existing.Serialized, buf.Serialized); err != nil {
			return fmt.Errorf("record merge conflict %s: %w", muid, err)
		}
	}

	if err := UpsertStoreRow(tx, sr); err != nil {
		return err
	}

	merged := unionMaxRMC(localRMC, rmcbEntries)
	for instanceID, c := range merged {
		if err := UpsertRMC(tx, muid, instanceID, c); err != nil {
			return err
		}
	}
	return UpsertRMC(tx, muid, iid, counter)
}

// unionMaxRMC merges two instance->counter vectors, keeping the max
// counter per instance.
func unionMaxRMC(a, b map[InstanceID]int64) map[InstanceID]int64 {
	out := make(map[InstanceID]int64, len(a)+len(b))
	for iid, c := range a {
		out[iid] = c
	}
	for iid, c := range b {
		if existing, ok := out[iid]; !ok || c > existing {
			out[iid] = c
		}
	}
	return out
}

// checkNoBufferResidue verifies that after a successful dequeue, no
// Buffer or RMCB rows remain for this transfer session.
func checkNoBufferResidue(tx *sql.Tx, transferSessionID string) error {
	var bufferCount, rmcbCount int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM buffer WHERE transfer_session_id = ?`, transferSessionID).Scan(&bufferCount); err != nil {
		return fmt.Errorf("check buffer residue: %w", err)
	}
	if err := tx.QueryRow(`SELECT COUNT(*) FROM record_max_counter_buffer WHERE transfer_session_id = ?`, transferSessionID).Scan(&rmcbCount); err != nil {
		return fmt.Errorf("check rmcb residue: %w", err)
	}
	if bufferCount > 0 || rmcbCount > 0 {
		return fmt.Errorf("%w: %d buffer / %d rmcb rows remain for session %s", ErrMergeInvariantViolated, bufferCount, rmcbCount, transferSessionID)
	}
	return nil
}
