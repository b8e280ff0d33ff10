package morango

import (
	"database/sql"
	"errors"
	"reflect"
	"testing"
)

const testSessionID = "sess-1"

func seedStoreRow(t *testing.T, db *sql.DB, s *StoreRow, rmc map[InstanceID]int64) {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin seed store: %v", err)
	}
	if err := UpsertStoreRow(tx, s); err != nil {
		t.Fatalf("seed store row %s: %v", s.ID, err)
	}
	for iid, c := range rmc {
		if err := UpsertRMC(tx, s.ID, iid, c); err != nil {
			t.Fatalf("seed rmc %s/%s: %v", s.ID, iid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed store: %v", err)
	}
}

func seedBufferRow(t *testing.T, db *sql.DB, transferSessionID string, b *BufferRow, rmcb map[InstanceID]int64) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO buffer (transfer_session_id, model_uuid, serialized, deleted, last_saved_instance,
		                     last_saved_counter, hard_delete, model_name, profile, partition, source_id,
		                     conflicting_serialized_data, self_ref_fk)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transferSessionID, b.ModelUUID, b.Serialized, b.Deleted, string(b.LastSavedInstance),
		b.LastSavedCounter, b.HardDelete, b.ModelName, b.Profile, b.Partition, b.SourceID,
		b.ConflictingSerializedData, b.SelfRefFK)
	if err != nil {
		t.Fatalf("seed buffer row %s: %v", b.ModelUUID, err)
	}
	for iid, c := range rmcb {
		if _, err := db.Exec(`
			INSERT INTO record_max_counter_buffer (transfer_session_id, model_uuid, instance_id, counter)
			VALUES (?, ?, ?, ?)`, transferSessionID, b.ModelUUID, string(iid), c); err != nil {
			t.Fatalf("seed rmcb %s/%s: %v", b.ModelUUID, iid, err)
		}
	}
}

func loadStoreAndRMC(t *testing.T, db *sql.DB, id string) (*StoreRow, map[InstanceID]int64) {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin load: %v", err)
	}
	defer tx.Rollback()
	row, found, err := GetStoreRow(tx, id)
	if err != nil {
		t.Fatalf("GetStoreRow %s: %v", id, err)
	}
	if !found {
		return nil, nil
	}
	rmc, err := MaxRMC(tx, id)
	if err != nil {
		t.Fatalf("MaxRMC %s: %v", id, err)
	}
	return row, rmc
}

// peekNextStamp reads what registry.CurrentAndIncrement would hand out
// on the very next call (the stamp Dequeue's merge-conflict path will
// use), without actually consuming it: the probing transaction is
// rolled back, so the real call inside Dequeue sees the counter
// unchanged and produces this same pair.
func peekNextStamp(t *testing.T, db *sql.DB, registry *Registry) (InstanceID, int64) {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin peek: %v", err)
	}
	iid, counter, err := registry.CurrentAndIncrement(tx)
	if err != nil {
		t.Fatalf("peek stamp: %v", err)
	}
	tx.Rollback()
	return iid, counter
}

func rowCount(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count query: %v", err)
	}
	return n
}

// TestDequeueScenario1FastForward covers spec scenario 1: the incoming
// buffer row's own author dominates the local row's RMC entry for that
// author, so it is applied wholesale and the RMC vectors union.
func TestDequeueScenario1FastForward(t *testing.T) {
	db := openTestDB(t)
	registry := NewRegistry(db, "node-1")

	seedStoreRow(t, db, &StoreRow{
		ID: "m3", Serialized: `{"v":1}`, LastSavedInstance: "A", LastSavedCounter: 1,
		ModelName: "widget", Profile: "p",
	}, map[InstanceID]int64{"A": 1, "B": 2, "C": 3, "D": 4})

	seedBufferRow(t, db, testSessionID, &BufferRow{
		ModelUUID: "m3", Serialized: "buffer", LastSavedInstance: "F", LastSavedCounter: 2,
		ModelName: "widget", Profile: "p",
	}, map[InstanceID]int64{"A": 3, "F": 2, "G": 3, "H": 4})

	report, err := Dequeue(db, registry, testSessionID)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if report.FastForwarded != 1 {
		t.Fatalf("expected 1 fast-forward, got %+v", report)
	}

	row, rmc := loadStoreAndRMC(t, db, "m3")
	if row == nil {
		t.Fatalf("expected store row m3 to still exist")
	}
	if row.Serialized != "buffer" {
		t.Fatalf("serialized = %q, want %q", row.Serialized, "buffer")
	}
	if row.LastSavedInstance != "F" || row.LastSavedCounter != 2 {
		t.Fatalf("last saved = (%s,%d), want (F,2)", row.LastSavedInstance, row.LastSavedCounter)
	}
	if !row.DirtyBit {
		t.Fatalf("expected dirty_bit set after fast-forward")
	}

	want := map[InstanceID]int64{"A": 3, "B": 2, "C": 3, "D": 4, "F": 2, "G": 3, "H": 4}
	if !reflect.DeepEqual(rmc, want) {
		t.Fatalf("rmc = %v, want %v", rmc, want)
	}
}

// TestDequeueScenario2ReverseFastForward covers the incoming-dominated
// case: the buffer/rmcb rows are dropped, the Store row itself is
// untouched, but its RMC vector still absorbs the gained instances.
func TestDequeueScenario2ReverseFastForward(t *testing.T) {
	db := openTestDB(t)
	registry := NewRegistry(db, "node-1")

	seedStoreRow(t, db, &StoreRow{
		ID: "m1", Serialized: `{"v":1}`, LastSavedInstance: "D", LastSavedCounter: 3,
		ModelName: "widget", Profile: "p",
	}, map[InstanceID]int64{"A": 3, "B": 1, "C": 2, "D": 3})

	seedBufferRow(t, db, testSessionID, &BufferRow{
		ModelUUID: "m1", Serialized: "incoming", LastSavedInstance: "A", LastSavedCounter: 1,
		ModelName: "widget", Profile: "p",
	}, map[InstanceID]int64{"A": 1, "F": 2, "G": 3, "H": 4})

	report, err := Dequeue(db, registry, testSessionID)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if report.Dropped != 1 {
		t.Fatalf("expected 1 drop, got %+v", report)
	}

	row, rmc := loadStoreAndRMC(t, db, "m1")
	if row == nil {
		t.Fatalf("expected store row m1 to still exist")
	}
	if row.Serialized != `{"v":1}` {
		t.Fatalf("store row should be untouched, got serialized=%q", row.Serialized)
	}
	if row.LastSavedInstance != "D" || row.LastSavedCounter != 3 {
		t.Fatalf("last saved should be untouched, got (%s,%d)", row.LastSavedInstance, row.LastSavedCounter)
	}

	want := map[InstanceID]int64{"A": 3, "B": 1, "C": 2, "D": 3, "F": 2, "G": 3, "H": 4}
	if !reflect.DeepEqual(rmc, want) {
		t.Fatalf("rmc = %v, want %v", rmc, want)
	}

	if n := rowCount(t, db, `SELECT COUNT(*) FROM buffer WHERE transfer_session_id = ?`, testSessionID); n != 0 {
		t.Fatalf("expected buffer drained, found %d rows", n)
	}
}

// TestDequeueScenario3MergeConflictIncomingNewer covers a merge conflict
// where the incoming row carries a hard delete flag cleared (deleted
// only) and wins the payload while the existing serialized payload is
// preserved on the conflict stack.
func TestDequeueScenario3MergeConflictIncomingNewer(t *testing.T) {
	db := openTestDB(t)
	registry := NewRegistry(db, "node-1")
	wantIID, wantCounter := peekNextStamp(t, db, registry)

	seedStoreRow(t, db, &StoreRow{
		ID: "m2", Serialized: "store", ConflictingSerializedData: "store", LastSavedInstance: "C", LastSavedCounter: 2,
		ModelName: "widget", Profile: "p",
	}, map[InstanceID]int64{"A": 1, "B": 1, "C": 2, "D": 3})

	seedBufferRow(t, db, testSessionID, &BufferRow{
		ModelUUID: "m2", Serialized: "buffer", Deleted: true, LastSavedInstance: "F", LastSavedCounter: 2,
		ModelName: "widget", Profile: "p",
	}, map[InstanceID]int64{"A": 3, "F": 2, "G": 3, "H": 4})

	report, err := Dequeue(db, registry, testSessionID)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if report.Conflicted != 1 {
		t.Fatalf("expected 1 conflict, got %+v", report)
	}

	row, rmc := loadStoreAndRMC(t, db, "m2")
	if row.Serialized != "buffer" {
		t.Fatalf("serialized = %q, want %q", row.Serialized, "buffer")
	}
	if row.ConflictingSerializedData != "store\nstore" {
		t.Fatalf("conflict stack = %q, want %q", row.ConflictingSerializedData, "store\nstore")
	}
	if !row.Deleted {
		t.Fatalf("expected deleted=true")
	}
	if row.LastSavedInstance != wantIID || row.LastSavedCounter != wantCounter {
		t.Fatalf("last saved = (%s,%d), want fresh stamp (%s,%d)", row.LastSavedInstance, row.LastSavedCounter, wantIID, wantCounter)
	}

	want := map[InstanceID]int64{"A": 3, "B": 1, "C": 2, "D": 3, "F": 2, "G": 3, "H": 4, wantIID: wantCounter}
	if !reflect.DeepEqual(rmc, want) {
		t.Fatalf("rmc = %v, want %v", rmc, want)
	}

	if n := rowCount(t, db, `SELECT COUNT(*) FROM merge_conflicts WHERE store_id = ?`, "m2"); n != 1 {
		t.Fatalf("expected one recorded merge_conflicts row, got %d", n)
	}
}

// TestDequeueScenario4MergeConflictLocalNewer covers the symmetric case:
// local carries the higher counters, but the incoming payload still
// wins as the new serialized value (only the author stamp goes fresh).
func TestDequeueScenario4MergeConflictLocalNewer(t *testing.T) {
	db := openTestDB(t)
	registry := NewRegistry(db, "node-1")
	wantIID, wantCounter := peekNextStamp(t, db, registry)

	seedStoreRow(t, db, &StoreRow{
		ID: "m5", Serialized: "store", ConflictingSerializedData: "store", LastSavedInstance: "C", LastSavedCounter: 2,
		ModelName: "widget", Profile: "p",
	}, map[InstanceID]int64{"A": 3, "B": 1, "C": 2, "D": 3})

	seedBufferRow(t, db, testSessionID, &BufferRow{
		ModelUUID: "m5", Serialized: "buffer", LastSavedInstance: "F", LastSavedCounter: 2,
		ModelName: "widget", Profile: "p",
	}, map[InstanceID]int64{"A": 1, "F": 2, "G": 3, "H": 4})

	report, err := Dequeue(db, registry, testSessionID)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if report.Conflicted != 1 {
		t.Fatalf("expected 1 conflict, got %+v", report)
	}

	row, rmc := loadStoreAndRMC(t, db, "m5")
	if row.Serialized != "buffer" {
		t.Fatalf("serialized = %q, want %q", row.Serialized, "buffer")
	}
	if row.ConflictingSerializedData != "store\nstore" {
		t.Fatalf("conflict stack = %q, want %q", row.ConflictingSerializedData, "store\nstore")
	}
	if row.LastSavedInstance != wantIID || row.LastSavedCounter != wantCounter {
		t.Fatalf("last saved = (%s,%d), want fresh stamp (%s,%d)", row.LastSavedInstance, row.LastSavedCounter, wantIID, wantCounter)
	}

	want := map[InstanceID]int64{"A": 3, "B": 1, "C": 2, "D": 3, "F": 2, "G": 3, "H": 4, wantIID: wantCounter}
	if !reflect.DeepEqual(rmc, want) {
		t.Fatalf("rmc = %v, want %v", rmc, want)
	}
}

// TestDequeueScenario5HardDeleteConflict verifies that a hard-deleted
// incoming row absorbs the conflict, overriding the conflict stack with
// an empty tombstone.
func TestDequeueScenario5HardDeleteConflict(t *testing.T) {
	db := openTestDB(t)
	registry := NewRegistry(db, "node-1")

	seedStoreRow(t, db, &StoreRow{
		ID: "m7", Serialized: "store", ConflictingSerializedData: "store", LastSavedInstance: "C", LastSavedCounter: 2,
		ModelName: "widget", Profile: "p",
	}, map[InstanceID]int64{"A": 3, "B": 1, "C": 2, "D": 3})

	seedBufferRow(t, db, testSessionID, &BufferRow{
		ModelUUID: "m7", Serialized: "", HardDelete: true, LastSavedInstance: "F", LastSavedCounter: 2,
		ModelName: "widget", Profile: "p",
	}, map[InstanceID]int64{"A": 1, "F": 2, "G": 3, "H": 4})

	report, err := Dequeue(db, registry, testSessionID)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if report.Conflicted != 1 {
		t.Fatalf("expected 1 conflict, got %+v", report)
	}

	row, _ := loadStoreAndRMC(t, db, "m7")
	if !row.HardDelete {
		t.Fatalf("expected hard_delete=true")
	}
	if row.Serialized != "{}" {
		t.Fatalf("serialized = %q, want %q", row.Serialized, "{}")
	}
	if row.ConflictingSerializedData != "" {
		t.Fatalf("conflict stack should be erased by hard delete, got %q", row.ConflictingSerializedData)
	}

	if n := rowCount(t, db, `SELECT COUNT(*) FROM merge_conflicts WHERE store_id = ?`, "m7"); n != 0 {
		t.Fatalf("hard delete should not record a merge_conflicts row, got %d", n)
	}
}

// TestDequeueScenario6MissingLocal covers the case where no Store row
// exists yet: the incoming buffer row becomes the Store row outright.
func TestDequeueScenario6MissingLocal(t *testing.T) {
	db := openTestDB(t)
	registry := NewRegistry(db, "node-1")

	seedBufferRow(t, db, testSessionID, &BufferRow{
		ModelUUID: "m4", Serialized: "incoming", LastSavedInstance: "A", LastSavedCounter: 1,
		ModelName: "widget", Profile: "p",
	}, map[InstanceID]int64{"A": 1, "F": 2, "G": 3, "H": 4})

	report, err := Dequeue(db, registry, testSessionID)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if report.Created != 1 || report.FastForwarded != 1 {
		t.Fatalf("expected 1 created fast-forward, got %+v", report)
	}

	row, rmc := loadStoreAndRMC(t, db, "m4")
	if row == nil {
		t.Fatalf("expected store row m4 to be created")
	}
	if row.Serialized != "incoming" {
		t.Fatalf("serialized = %q, want %q", row.Serialized, "incoming")
	}

	want := map[InstanceID]int64{"A": 1, "F": 2, "G": 3, "H": 4}
	if !reflect.DeepEqual(rmc, want) {
		t.Fatalf("rmc = %v, want %v", rmc, want)
	}
}

// TestDequeueScenario7SessionIsolation verifies that Dequeue for one
// transfer session never touches buffer/rmcb rows staged under a
// different session id.
func TestDequeueScenario7SessionIsolation(t *testing.T) {
	db := openTestDB(t)
	registry := NewRegistry(db, "node-1")
	const otherSession = "sess-2"

	seedBufferRow(t, db, testSessionID, &BufferRow{
		ModelUUID: "m6", Serialized: "mine", LastSavedInstance: "A", LastSavedCounter: 1,
		ModelName: "widget", Profile: "p",
	}, map[InstanceID]int64{"A": 1})

	seedBufferRow(t, db, otherSession, &BufferRow{
		ModelUUID: "m6", Serialized: "theirs", LastSavedInstance: "B", LastSavedCounter: 1,
		ModelName: "widget", Profile: "p",
	}, map[InstanceID]int64{"B": 1})

	if _, err := Dequeue(db, registry, testSessionID); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	if n := rowCount(t, db, `SELECT COUNT(*) FROM buffer WHERE transfer_session_id = ?`, otherSession); n != 1 {
		t.Fatalf("expected the other session's buffer row untouched, got %d rows", n)
	}
	if n := rowCount(t, db, `SELECT COUNT(*) FROM record_max_counter_buffer WHERE transfer_session_id = ?`, otherSession); n != 1 {
		t.Fatalf("expected the other session's rmcb row untouched, got %d rows", n)
	}
}

// TestDequeueNoBufferResidueInvariant exercises checkNoBufferResidue
// directly against a synthetic leftover row that was never legitimately
// drained, checking that it surfaces ErrMergeInvariantViolated rather
// than succeeding silently.
func TestDequeueNoBufferResidueInvariant(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.Exec(`
		INSERT INTO buffer (transfer_session_id, model_uuid, serialized, last_saved_instance, last_saved_counter, model_name, profile)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, testSessionID, "m-residue", "x", "A", 1, "widget", "p"); err != nil {
		t.Fatalf("seed residue row: %v", err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = checkNoBufferResidue(tx, testSessionID)
	if err == nil {
		t.Fatalf("expected ErrMergeInvariantViolated for leftover buffer rows")
	}
	if !errors.Is(err, ErrMergeInvariantViolated) {
		t.Fatalf("expected error to wrap ErrMergeInvariantViolated, got %v", err)
	}
}
