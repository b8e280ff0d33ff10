package morango

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Serializer promotes dirty application rows into Store, drains deletion
// queues, and updates DatabaseMaxCounter.
type Serializer struct {
	db       *sql.DB
	registry *Registry
	profiles *ProfileRegistry
}

// NewSerializer builds a Serializer over db, using registry for instance
// identity and profiles for the application schema registration.
func NewSerializer(db *sql.DB, registry *Registry, profiles *ProfileRegistry) *Serializer {
	return &Serializer{db: db, registry: registry, profiles: profiles}
}

// SerializeIntoStore runs one full serialize pass for profile, optionally
// restricted to filter (partition prefixes). The whole pass is one
// transaction, the same discipline Queue and Dequeue each use.
func (s *Serializer) SerializeIntoStore(profile string, filter []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin serialize: %w", err)
	}
	defer tx.Rollback()

	iid, counter, err := s.registry.CurrentAndIncrement(tx)
	if err != nil {
		return err
	}

	// pending tracks ids about to be overwritten by the deletion passes
	// below in this same cycle: when
	// an id is both dirty and queued for deletion in one cycle, the
	// deletion wins and the dirty-row write for that id is skipped so
	// the about-to-be-deleted row is never resurrected.
	pending, err := s.pendingDeletionIDs(tx, profile)
	if err != nil {
		return err
	}

	for _, spec := range s.profiles.Models(profile) {
		if spec.Source == nil {
			continue
		}
		rows, err := spec.Source.DirtyRows(filter)
		if err != nil {
			return fmt.Errorf("load dirty rows for %s: %w", spec.ModelName, err)
		}

		var processedIDs []string
		for _, row := range rows {
			id := row.ID()
			if pending[id] {
				processedIDs = append(processedIDs, id)
				continue
			}
			if err := s.serializeOne(tx, row, spec, profile, iid, counter); err != nil {
				return err
			}
			processedIDs = append(processedIDs, id)
		}

		if len(processedIDs) > 0 {
			if err := spec.Source.ClearDirtyBit(processedIDs); err != nil {
				return fmt.Errorf("clear dirty bit for %s: %w", spec.ModelName, err)
			}
		}
	}

	if err := s.drainDeletedModels(tx, profile, iid, counter); err != nil {
		return err
	}
	if err := s.drainHardDeletedModels(tx, profile); err != nil {
		return err
	}

	if len(filter) == 0 {
		if err := UpsertDMC(tx, iid, "", counter); err != nil {
			return err
		}
	} else {
		for _, prefix := range filter {
			if err := UpsertDMC(tx, iid, prefix, counter); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func (s *Serializer) pendingDeletionIDs(tx *sql.Tx, profile string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, table := range []string{"deleted_models", "hard_deleted_models"} {
		rows, err := tx.Query(fmt.Sprintf(`SELECT id FROM %s WHERE profile = ?`, table), profile)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", table, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// serializeOne applies one dirty application row to Store, following
// applying the merged payload and advancing the row's author stamp.
func (s *Serializer) serializeOne(tx *sql.Tx, row SyncableEntity, spec ModelSpec, profile string, iid InstanceID, counter int64) error {
	id := row.ID()
	payload, err := row.Serialize()
	if err != nil {
		return fmt.Errorf("serialize row %s: %w", id, err)
	}

	existing, found, err := GetStoreRow(tx, id)
	if err != nil {
		return err
	}

	if found {
		merged, err := overlayJSON(existing.Serialized, payload)
		if err != nil {
			return fmt.Errorf("overlay merge row %s: %w", id, err)
		}

		if existing.DirtyBit {
			// A concurrent inbound write was not yet deserialized:
			// preserve it rather than silently discarding it.
			existing.ConflictingSerializedData = existing.Serialized + "\n" + existing.ConflictingSerializedData
			existing.DirtyBit = false
		}

		existing.Serialized = merged
		existing.LastSavedInstance = iid
		existing.LastSavedCounter = counter
		existing.Deleted = false
		existing.HardDelete = false

		if err := UpsertStoreRow(tx, existing); err != nil {
			return err
		}
		return UpsertRMC(tx, id, iid, counter)
	}

	selfRefFK, _ := row.SelfRefFK()
	sr := &StoreRow{
		ID:                id,
		Serialized:        string(payload),
		LastSavedInstance: iid,
		LastSavedCounter:  counter,
		ModelName:         spec.ModelName,
		Profile:           profile,
		Partition:         row.Partition(),
		SourceID:          row.SourceID(),
		SelfRefFK:         selfRefFK,
	}
	if err := UpsertStoreRow(tx, sr); err != nil {
		return err
	}
	return UpsertRMC(tx, id, iid, counter)
}

func (s *Serializer) drainDeletedModels(tx *sql.Tx, profile string, iid InstanceID, counter int64) error {
	rows, err := tx.Query(`SELECT id FROM deleted_models WHERE profile = ?`, profile)
	if err != nil {
		return fmt.Errorf("query deleted_models: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.Exec(`
			UPDATE store SET dirty_bit = 0, deleted = 1, last_saved_instance = ?, last_saved_counter = ?
			WHERE id = ?`, string(iid), counter, id); err != nil {
			return fmt.Errorf("mark store deleted %s: %w", id, err)
		}
		if err := UpsertRMC(tx, id, iid, counter); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`DELETE FROM deleted_models WHERE profile = ?`, profile); err != nil {
		return fmt.Errorf("drain deleted_models: %w", err)
	}
	return nil
}

func (s *Serializer) drainHardDeletedModels(tx *sql.Tx, profile string) error {
	rows, err := tx.Query(`SELECT id FROM hard_deleted_models WHERE profile = ?`, profile)
	if err != nil {
		return fmt.Errorf("query hard_deleted_models: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.Exec(`
			UPDATE store SET hard_delete = 1, serialized = '{}', conflicting_serialized_data = ''
			WHERE id = ?`, id); err != nil {
			return fmt.Errorf("hard delete store %s: %w", id, err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM hard_deleted_models WHERE profile = ?`, profile); err != nil {
		return fmt.Errorf("drain hard_deleted_models: %w", err)
	}
	return nil
}

// overlayJSON merges incoming field-wise onto existing, preserving any
// key present in existing but absent from incoming.
func overlayJSON(existing string, incoming json.RawMessage) (string, error) {
	base := map[string]any{}
	if existing != "" {
		if err := json.Unmarshal([]byte(existing), &base); err != nil {
			return "", fmt.Errorf("parse existing serialized: %w", err)
		}
	}

	overlay := map[string]any{}
	if len(incoming) > 0 {
		if err := json.Unmarshal(incoming, &overlay); err != nil {
			return "", fmt.Errorf("parse incoming serialized: %w", err)
		}
	}

	for k, v := range overlay {
		base[k] = v
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return "", fmt.Errorf("encode merged serialized: %w", err)
	}
	return string(merged), nil
}
