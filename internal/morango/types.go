package morango

import "time"

// InstanceID is a 128-bit hex identity for a node, derived once and
// cached for the lifetime of the process.
type InstanceID string

// StoreRow is the canonical, transport-ready snapshot of one application
// record. Every Store row has a covering RecordMaxCounter entry, and
// hard_delete implies an empty serialized/conflict payload.
type StoreRow struct {
	ID                        string
	Serialized                string
	ConflictingSerializedData string
	LastSavedInstance         InstanceID
	LastSavedCounter          int64
	Deleted                   bool
	HardDelete                bool
	ModelName                 string
	Profile                   string
	Partition                 string
	SourceID                  string
	SelfRefFK                 string
	DirtyBit                  bool
	LastTransferSessionID     string
}

// RMCEntry is one row of a record's per-instance max-counter vector.
type RMCEntry struct {
	InstanceID InstanceID
	Counter    int64
}

// BufferRow mirrors StoreRow while it is staged for transport, scoped to
// a transfer session, and is stored relationally here. On the wire
// (internal/synctransport) a chunk carries its rows and their RMCB
// entries as two separate lists, each RMCB entry naming its row by
// model_uuid; a row does not embed its own RMCB entries.
type BufferRow struct {
	ModelUUID                 string
	TransferSessionID         string
	Serialized                string
	Deleted                   bool
	LastSavedInstance         InstanceID
	LastSavedCounter          int64
	HardDelete                bool
	ModelName                 string
	Profile                   string
	Partition                 string
	SourceID                  string
	ConflictingSerializedData string
	SelfRefFK                 string
}

// SyncSession is an authenticated, long-lived pairing between two nodes.
type SyncSession struct {
	ID             string
	Profile        string
	Filter         []string
	Started        time.Time
	LastActivity   time.Time
	Active         bool
}

// State is one stage of the TransferSession state machine.
type State string

const (
	StateInitializing State = "initializing"
	StateQueuing      State = "queuing"
	StateTransferring State = "transferring"
	StateDequeuing    State = "dequeuing"
	StateCleanup      State = "cleanup"
	StateCompleted    State = "completed"
	StateAborted      State = "aborted"
)

// TransferSession is one directional batch (push or pull) within a
// SyncSession.
type TransferSession struct {
	ID                     string
	SyncSessionID          string
	Push                   bool
	Filter                 []string
	RecordsTotal           int64
	RecordsTransferred     int64
	Active                 bool
	ServerFSIC             map[InstanceID]int64
	ClientFSIC             map[InstanceID]int64
	LastActivityTimestamp  time.Time
	State                  State
}

// MergeConflict is a supplemented, queryable record of one
// neither-side-dominates merge resolution, kept alongside the conflict
// stack already embedded in Store.conflicting_serialized_data so
// operators have something to list (see DESIGN.md "Supplemented
// features").
type MergeConflict struct {
	StoreID           string
	TransferSessionID string
	LocalSerialized   string
	RemoteSerialized  string
	ResolvedAt        time.Time
}

// MergeReport summarizes one Dequeue run for callers and tests.
type MergeReport struct {
	Dropped      int
	FastForwarded int
	Conflicted    int
	Created       int
}
