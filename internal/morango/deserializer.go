package morango

import (
	"database/sql"
	"fmt"
)

// Deserializer pushes clean Store rows back into application tables,
// respecting FK dependency order and the self-referential-FK case.
type Deserializer struct {
	db         *sql.DB
	registry   *Registry
	profiles   *ProfileRegistry
	serializer *Serializer
}

// NewDeserializer builds a Deserializer sharing db/registry/profiles
// with the rest of the engine.
func NewDeserializer(db *sql.DB, registry *Registry, profiles *ProfileRegistry) *Deserializer {
	s := NewSerializer(db, registry, profiles)
	return &Deserializer{db: db, registry: registry, profiles: profiles, serializer: s}
}

// DeserializeFromStore runs one full deserialize pass for profile. It
// first runs Serializer with no filter to avoid write-after-read
// conflicts on the same rows, then applies clean Store rows
// to the application schema in dependency order. Per-row validation
// failures are collected and returned as a slice of *DeserializationError
// rather than aborting the batch.
func (d *Deserializer) DeserializeFromStore(profile string) ([]error, error) {
	if err := d.serializer.SerializeIntoStore(profile, nil); err != nil {
		return nil, fmt.Errorf("pre-deserialize serialize: %w", err)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin deserialize: %w", err)
	}
	defer tx.Rollback()

	var failures []error
	excluded := make(map[string]bool)

	for _, spec := range d.profiles.Models(profile) {
		if spec.Sink == nil {
			continue
		}
		modelNames := append([]string{spec.ModelName}, spec.Dependencies...)

		if spec.SelfRefFK {
			if err := d.deserializeSelfRef(tx, profile, spec, modelNames, excluded, &failures); err != nil {
				return nil, err
			}
			continue
		}

		if err := d.deserializeFlat(tx, profile, spec, excluded, &failures); err != nil {
			return nil, err
		}
	}

	if err := d.clearRemainingDirtyBits(tx, profile, excluded); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit deserialize: %w", err)
	}
	return failures, nil
}

func (d *Deserializer) deserializeFlat(tx *sql.Tx, profile string, spec ModelSpec, excluded map[string]bool, failures *[]error) error {
	rows, err := tx.Query(`SELECT id, serialized FROM store WHERE model_name = ? AND profile = ? AND dirty_bit = 1`,
		spec.ModelName, profile)
	if err != nil {
		return fmt.Errorf("query dirty store rows for %s: %w", spec.ModelName, err)
	}
	type idPayload struct {
		id      string
		payload string
	}
	var batch []idPayload
	for rows.Next() {
		var ip idPayload
		if err := rows.Scan(&ip.id, &ip.payload); err != nil {
			rows.Close()
			return err
		}
		batch = append(batch, ip)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, ip := range batch {
		ok, err := spec.Sink.DeserializeStoreModel(ip.id, []byte(ip.payload))
		if err != nil {
			*failures = append(*failures, &DeserializationError{StoreID: ip.id, Err: err})
			excluded[ip.id] = true
			continue
		}
		if !ok {
			*failures = append(*failures, &DeserializationError{StoreID: ip.id, Err: fmt.Errorf("validation failed")})
			excluded[ip.id] = true
		}
	}
	return nil
}

// deserializeSelfRef handles the cyclic self-referential-FK case:
// repeatedly compute clean_parents (ids
// whose Store row has dirty_bit=false), select dirty_children whose
// self_ref_fk is in clean_parents or empty, deserialize them, clear
// their dirty bit immediately so they become clean parents on the next
// pass, and stop when a pass makes zero progress (excluding the
// remainder rather than looping forever).
func (d *Deserializer) deserializeSelfRef(tx *sql.Tx, profile string, spec ModelSpec, modelNames []string, excluded map[string]bool, failures *[]error) error {
	for {
		remaining, err := d.dirtyChildren(tx, profile, modelNames)
		if err != nil {
			return err
		}
		var pending []storeIDPayload
		for _, ip := range remaining {
			if !excluded[ip.id] {
				pending = append(pending, ip)
			}
		}
		if len(pending) == 0 {
			return nil
		}

		cleanParents, err := d.cleanParentIDs(tx, profile, modelNames)
		if err != nil {
			return err
		}

		progressed := 0
		for _, ip := range pending {
			if ip.selfRef != "" && !cleanParents[ip.selfRef] {
				continue
			}
			ok, err := spec.Sink.DeserializeStoreModel(ip.id, []byte(ip.payload))
			if err != nil || !ok {
				if err == nil {
					err = fmt.Errorf("validation failed")
				}
				*failures = append(*failures, &DeserializationError{StoreID: ip.id, Err: err})
				excluded[ip.id] = true
				progressed++
				continue
			}
			if _, err := tx.Exec(`UPDATE store SET dirty_bit = 0 WHERE id = ?`, ip.id); err != nil {
				return fmt.Errorf("clear dirty bit %s: %w", ip.id, err)
			}
			progressed++
		}

		if progressed == 0 {
			// Zero progress: every remaining row's parent is still dirty,
			// which only happens inside a genuine cycle. Exclude the rest
			// so the loop terminates.
			for _, ip := range pending {
				excluded[ip.id] = true
			}
			return nil
		}
	}
}

type storeIDPayload struct {
	id      string
	payload string
	selfRef string
}

func (d *Deserializer) cleanParentIDs(tx *sql.Tx, profile string, modelNames []string) (map[string]bool, error) {
	out := make(map[string]bool)
	query, args := inClause(`SELECT id FROM store WHERE dirty_bit = 0 AND profile = ? AND model_name IN (%s)`, profile, modelNames)
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query clean parents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// dirtyChildren returns every still-dirty row of modelNames, regardless
// of whether its parent is clean yet: eligibility is checked by the
// caller so a full cycle (every candidate ineligible this pass) is
// still visible and can be excluded instead of silently looking like
// "nothing left to do".
func (d *Deserializer) dirtyChildren(tx *sql.Tx, profile string, modelNames []string) ([]storeIDPayload, error) {
	query, args := inClause(`SELECT id, serialized, self_ref_fk FROM store WHERE dirty_bit = 1 AND profile = ? AND model_name IN (%s)`, profile, modelNames)
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dirty children: %w", err)
	}
	defer rows.Close()

	var out []storeIDPayload
	for rows.Next() {
		var id, payload, selfRef string
		if err := rows.Scan(&id, &payload, &selfRef); err != nil {
			return nil, err
		}
		out = append(out, storeIDPayload{id: id, payload: payload, selfRef: selfRef})
	}
	return out, rows.Err()
}

func (d *Deserializer) clearRemainingDirtyBits(tx *sql.Tx, profile string, excluded map[string]bool) error {
	var ids []string
	for id := range excluded {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		_, err := tx.Exec(`UPDATE store SET dirty_bit = 0 WHERE profile = ? AND dirty_bit = 1`, profile)
		if err != nil {
			return fmt.Errorf("clear dirty bits: %w", err)
		}
		return nil
	}

	query, args := inClause(`UPDATE store SET dirty_bit = 0 WHERE profile = ? AND dirty_bit = 1 AND id NOT IN (%s)`, profile, ids)
	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("clear remaining dirty bits: %w", err)
	}
	return nil
}

// inClause builds a parameterized IN (...) clause, never interpolating
// the values themselves into the SQL text.
func inClause(format, profile string, ids []string) (string, []any) {
	placeholders := ""
	args := []any{profile}
	for i, id := range ids {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, id)
	}
	if placeholders == "" {
		placeholders = "''"
	}
	return fmt.Sprintf(format, placeholders), args
}
