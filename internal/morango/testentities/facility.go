// Package testentities provides a minimal in-memory SyncableEntity
// implementation used only by internal/morango's own tests, standing in
// for the external application schema registry that morango treats as a
// consumed interface.
package testentities

import (
	"encoding/json"
	"fmt"
	"sync"
)

const FacilityModelName = "facility"

// Facility is the test stand-in for the source project's Facility model:
// a single-field record with no self-referential FK.
type Facility struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FacilityStore is an in-memory Deserializable over a set of Facility
// rows, keyed by ID, with a per-row dirty flag. Its DirtyRows returns this
// package's own entity type, so tests wrap it in an adapter to use it as
// a morango.DirtyRowSource.
type FacilityStore struct {
	mu    sync.Mutex
	rows  map[string]*Facility
	dirty map[string]bool
}

func NewFacilityStore() *FacilityStore {
	return &FacilityStore{rows: make(map[string]*Facility), dirty: make(map[string]bool)}
}

// Put inserts or replaces a row and marks it dirty, the way application
// code marks a row dirty after a local write.
func (s *FacilityStore) Put(f Facility) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := f
	s.rows[f.ID] = &cp
	s.dirty[f.ID] = true
}

func (s *FacilityStore) Get(id string) (Facility, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.rows[id]
	if !ok {
		return Facility{}, false
	}
	return *f, true
}

// DirtyRows returns every row currently marked dirty. Facility carries
// no partition, so filter is ignored.
func (s *FacilityStore) DirtyRows(filter []string) ([]facilityEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []facilityEntity
	for id, isDirty := range s.dirty {
		if !isDirty {
			continue
		}
		out = append(out, facilityEntity{f: *s.rows[id]})
	}
	return out, nil
}

func (s *FacilityStore) ClearDirtyBit(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.dirty, id)
	}
	return nil
}

// DeserializeStoreModel implements morango.Deserializable.
func (s *FacilityStore) DeserializeStoreModel(id string, serialized json.RawMessage) (bool, error) {
	var f Facility
	if err := json.Unmarshal(serialized, &f); err != nil {
		return false, fmt.Errorf("decode facility %s: %w", id, err)
	}
	if f.ID == "" {
		f.ID = id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[id] = &f
	return true, nil
}

// facilityEntity adapts Facility to morango.SyncableEntity without this
// package importing morango (it is imported the other way, by tests).
type facilityEntity struct {
	f Facility
}

func (e facilityEntity) ID() string { return e.f.ID }

func (e facilityEntity) Serialize() (json.RawMessage, error) {
	return json.Marshal(e.f)
}

func (e facilityEntity) ModelName() string { return FacilityModelName }

func (e facilityEntity) Partition() string { return "" }

func (e facilityEntity) SourceID() string { return e.f.ID }

func (e facilityEntity) SelfRefFK() (string, bool) { return "", false }
