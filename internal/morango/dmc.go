package morango

import (
	"database/sql"
	"fmt"
)

// UpsertDMC records that instanceID's writes up to counter have been
// integrated under partition (empty string means "no filter", i.e. the
// whole database). The upsert clamps to the max of the existing and new
// counter so DMC is monotonically non-decreasing per (instance_id,
// partition), expressed directly in SQL since that monotonicity is
// exactly what ON CONFLICT DO UPDATE with MAX gives us in a single
// statement.
func UpsertDMC(tx *sql.Tx, instanceID InstanceID, partition string, counter int64) error {
	_, err := tx.Exec(`
		INSERT INTO database_max_counter (instance_id, partition, counter)
		VALUES (?, ?, ?)
		ON CONFLICT(instance_id, partition) DO UPDATE SET
			counter = MAX(counter, excluded.counter)
	`, string(instanceID), partition, counter)
	if err != nil {
		return fmt.Errorf("upsert database max counter: %w", err)
	}
	return nil
}

// FSICForFilter reads the per-instance counter summary covering filter
// (the partition prefixes of interest). When filter is empty, the
// unfiltered "" partition row is used for each instance; otherwise the
// minimum counter across all matching partitions is taken per instance,
// since a prefix not yet covered under any requested partition means
// this node cannot claim to hold that instance's writes for the whole
// filter.
func FSICForFilter(tx *sql.Tx, filter []string) (map[InstanceID]int64, error) {
	out := make(map[InstanceID]int64)

	if len(filter) == 0 {
		rows, err := tx.Query(`SELECT instance_id, counter FROM database_max_counter WHERE partition = ''`)
		if err != nil {
			return nil, fmt.Errorf("query database max counter: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var iid string
			var counter int64
			if err := rows.Scan(&iid, &counter); err != nil {
				return nil, fmt.Errorf("scan database max counter: %w", err)
			}
			out[InstanceID(iid)] = counter
		}
		return out, rows.Err()
	}

	seen := make(map[InstanceID]bool)
	for _, prefix := range filter {
		rows, err := tx.Query(`SELECT instance_id, counter FROM database_max_counter WHERE partition = ?`, prefix)
		if err != nil {
			return nil, fmt.Errorf("query database max counter: %w", err)
		}
		for rows.Next() {
			var iid string
			var counter int64
			if err := rows.Scan(&iid, &counter); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan database max counter: %w", err)
			}
			id := InstanceID(iid)
			if !seen[id] || counter < out[id] {
				out[id] = counter
			}
			seen[id] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}
