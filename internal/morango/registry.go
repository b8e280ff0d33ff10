package morango

import (
	"encoding/json"
	"fmt"
	"sync"
)

// SyncableEntity is one application row eligible for sync. The source
// system loads model classes dynamically per profile; this rewrite
// requires profiles to register a static implementation per model
// instead, since Go has no dynamic model-class loading equivalent.
type SyncableEntity interface {
	// ID is this row's primary key, matching its Store row id.
	ID() string
	// Serialize returns the JSON object overlaid onto the existing
	// Store payload (field-wise, preserving unknown keys).
	Serialize() (json.RawMessage, error)
	// ModelName identifies which registered ModelSpec this row belongs to.
	ModelName() string
	// Partition is the opaque partition-prefix string used to shard
	// and filter syncable records.
	Partition() string
	// SourceID is the application-assigned source identifier.
	SourceID() string
	// SelfRefFK returns the value of a self-referential foreign key, if
	// this model has one, and whether it was present.
	SelfRefFK() (value string, ok bool)
}

// DirtyRowSource supplies the rows a Serializer pass should consider.
// Implemented by whatever owns the application schema; morango only
// consumes it.
type DirtyRowSource interface {
	// DirtyRows returns every row of this model currently marked dirty,
	// already restricted to filter if non-empty.
	DirtyRows(filter []string) ([]SyncableEntity, error)
	// ClearDirtyBit clears the dirty bit for the given row ids.
	ClearDirtyBit(ids []string) error
}

// Deserializable is implemented by application rows that accept a
// Store row's serialized payload back into the application schema.
type Deserializable interface {
	// DeserializeStoreModel attempts to apply serialized onto the
	// application row identified by id, creating it if absent. Returns
	// false (not an error) on a validation failure that should leave
	// the Store row's dirty bit set and add it to the excluded set.
	DeserializeStoreModel(id string, serialized json.RawMessage) (bool, error)
}

// ModelSpec is one profile's registration for a single syncable model.
type ModelSpec struct {
	ModelName    string
	Dependencies []string // other ModelNames, FK order, leaves first
	Source       DirtyRowSource
	Sink         Deserializable
	SelfRefFK    bool
}

// ProfileRegistry holds the registered ModelSpecs for every profile,
// populated by application wiring at process start.
type ProfileRegistry struct {
	mu       sync.RWMutex
	profiles map[string][]ModelSpec
}

// NewProfileRegistry returns an empty registry.
func NewProfileRegistry() *ProfileRegistry {
	return &ProfileRegistry{profiles: make(map[string][]ModelSpec)}
}

// Register adds spec to profile, in dependency order: callers must
// register leaf-most models (those with no dependencies of their own)
// before models that depend on them. A model with a self-referential FK still appears
// once in this list; its own cyclic dependency is handled internally by
// Deserializer, not expressed in Dependencies.
func (r *ProfileRegistry) Register(profile string, spec ModelSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[profile] = append(r.profiles[profile], spec)
}

// Models returns the registered ModelSpecs for profile in registration
// (dependency) order.
func (r *ProfileRegistry) Models(profile string) []ModelSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelSpec, len(r.profiles[profile]))
	copy(out, r.profiles[profile])
	return out
}

func (r *ProfileRegistry) modelSpec(profile, modelName string) (ModelSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, spec := range r.profiles[profile] {
		if spec.ModelName == modelName {
			return spec, nil
		}
	}
	return ModelSpec{}, fmt.Errorf("morango: no registered model %q for profile %q", modelName, profile)
}
