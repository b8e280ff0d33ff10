package morango

import (
	"encoding/json"
	"testing"

	"github.com/morango-sync/morango/internal/morango/testentities"
)

// facilitySource adapts *testentities.FacilityStore to DirtyRowSource;
// the adaptation lives here (rather than in testentities) so that
// package stays free of any dependency on morango (see
// testentities/facility.go's doc comment).
type facilitySource struct {
	store *testentities.FacilityStore
}

func (s facilitySource) DirtyRows(filter []string) ([]SyncableEntity, error) {
	rows, err := s.store.DirtyRows(filter)
	if err != nil {
		return nil, err
	}
	out := make([]SyncableEntity, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out, nil
}

func (s facilitySource) ClearDirtyBit(ids []string) error {
	return s.store.ClearDirtyBit(ids)
}

const testProfile = "facilitydata"

func newFacilityFixture() (*ProfileRegistry, *testentities.FacilityStore) {
	store := testentities.NewFacilityStore()
	profiles := NewProfileRegistry()
	profiles.Register(testProfile, ModelSpec{
		ModelName: testentities.FacilityModelName,
		Source:    facilitySource{store: store},
		Sink:      store,
	})
	return profiles, store
}

func TestSerializeIntoStoreCreatesRowAndRMC(t *testing.T) {
	db := openTestDB(t)
	registry := NewRegistry(db, "test-system-id")
	profiles, store := newFacilityFixture()

	store.Put(testentities.Facility{ID: "fac1", Name: "Fac 1"})

	s := NewSerializer(db, registry, profiles)
	if err := s.SerializeIntoStore(testProfile, nil); err != nil {
		t.Fatalf("SerializeIntoStore: %v", err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	row, found, err := GetStoreRow(tx, "fac1")
	if err != nil {
		t.Fatalf("GetStoreRow: %v", err)
	}
	if !found {
		t.Fatalf("expected store row fac1 to exist")
	}
	if row.ModelName != testentities.FacilityModelName || row.Profile != testProfile {
		t.Fatalf("unexpected store row metadata: %+v", row)
	}

	var decoded testentities.Facility
	if err := json.Unmarshal([]byte(row.Serialized), &decoded); err != nil {
		t.Fatalf("decode serialized: %v", err)
	}
	if decoded.Name != "Fac 1" {
		t.Fatalf("serialized name = %q, want %q", decoded.Name, "Fac 1")
	}

	rmc, err := MaxRMC(tx, "fac1")
	if err != nil {
		t.Fatalf("MaxRMC: %v", err)
	}
	if len(rmc) != 1 {
		t.Fatalf("expected exactly one RMC entry, got %v", rmc)
	}
}

func TestSerializeIntoStorePreservesUnknownFieldsOnOverlay(t *testing.T) {
	db := openTestDB(t)
	registry := NewRegistry(db, "test-system-id")
	profiles, store := newFacilityFixture()

	store.Put(testentities.Facility{ID: "fac1", Name: "Fac 1"})
	s := NewSerializer(db, registry, profiles)
	if err := s.SerializeIntoStore(testProfile, nil); err != nil {
		t.Fatalf("first serialize: %v", err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.Exec(`UPDATE store SET serialized = ? WHERE id = ?`, `{"id":"fac1","name":"Fac 1","extra_field":"keep me"}`, "fac1"); err != nil {
		t.Fatalf("seed extra field: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}

	store.Put(testentities.Facility{ID: "fac1", Name: "Fac 1 Renamed"})
	if err := s.SerializeIntoStore(testProfile, nil); err != nil {
		t.Fatalf("second serialize: %v", err)
	}

	tx2, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx2.Rollback()
	row, _, err := GetStoreRow(tx2, "fac1")
	if err != nil {
		t.Fatalf("GetStoreRow: %v", err)
	}

	var merged map[string]any
	if err := json.Unmarshal([]byte(row.Serialized), &merged); err != nil {
		t.Fatalf("decode merged: %v", err)
	}
	if merged["extra_field"] != "keep me" {
		t.Fatalf("overlay dropped unknown field: %v", merged)
	}
	if merged["name"] != "Fac 1 Renamed" {
		t.Fatalf("overlay did not apply incoming field: %v", merged)
	}
}

func TestSerializeIntoStoreSkipsDirtyRowPendingDeletion(t *testing.T) {
	db := openTestDB(t)
	registry := NewRegistry(db, "test-system-id")
	profiles, store := newFacilityFixture()

	store.Put(testentities.Facility{ID: "fac1", Name: "Fac 1"})
	s := NewSerializer(db, registry, profiles)
	if err := s.SerializeIntoStore(testProfile, nil); err != nil {
		t.Fatalf("first serialize: %v", err)
	}

	// Mark fac1 dirty again and simultaneously queue it for deletion: the
	// deletion must win, and the dirty-row write must be skipped.
	store.Put(testentities.Facility{ID: "fac1", Name: "Resurrected"})
	if _, err := db.Exec(`INSERT INTO deleted_models (id, profile) VALUES (?, ?)`, "fac1", testProfile); err != nil {
		t.Fatalf("seed deleted_models: %v", err)
	}

	if err := s.SerializeIntoStore(testProfile, nil); err != nil {
		t.Fatalf("second serialize: %v", err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	row, found, err := GetStoreRow(tx, "fac1")
	if err != nil {
		t.Fatalf("GetStoreRow: %v", err)
	}
	if !found {
		t.Fatalf("expected store row to still exist")
	}
	if !row.Deleted {
		t.Fatalf("expected deleted=true, deletion should have won the tie-break")
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(row.Serialized), &decoded); err != nil {
		t.Fatalf("decode serialized: %v", err)
	}
	if decoded["name"] == "Resurrected" {
		t.Fatalf("dirty-row write should have been skipped, but payload was resurrected: %v", decoded)
	}

	var remaining int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM deleted_models WHERE profile = ?`, testProfile).Scan(&remaining); err != nil {
		t.Fatalf("count deleted_models: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected deleted_models queue to be drained, got %d remaining", remaining)
	}
}

func TestSerializeIntoStoreHardDelete(t *testing.T) {
	db := openTestDB(t)
	registry := NewRegistry(db, "test-system-id")
	profiles, store := newFacilityFixture()

	store.Put(testentities.Facility{ID: "fac1", Name: "Fac 1"})
	s := NewSerializer(db, registry, profiles)
	if err := s.SerializeIntoStore(testProfile, nil); err != nil {
		t.Fatalf("first serialize: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO hard_deleted_models (id, profile) VALUES (?, ?)`, "fac1", testProfile); err != nil {
		t.Fatalf("seed hard_deleted_models: %v", err)
	}
	if err := s.SerializeIntoStore(testProfile, nil); err != nil {
		t.Fatalf("second serialize: %v", err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	row, _, err := GetStoreRow(tx, "fac1")
	if err != nil {
		t.Fatalf("GetStoreRow: %v", err)
	}
	if !row.HardDelete || row.Serialized != "{}" || row.ConflictingSerializedData != "" {
		t.Fatalf("hard delete did not absorb payload: %+v", row)
	}
}
