// Package synctransport implements morango.Transport over HTTP against
// a peer's internal/syncserver endpoints.
package synctransport

import (
	"github.com/morango-sync/morango/internal/morango"
)

// fsicRequest/fsicResponse carry a per-instance counter vector.
// fsicRequest doubles as the session's opening handshake: Push/Profile/
// Filter tell the peer which direction and scope this transfer session
// covers, since morango.Transport has no separate Init call.
type fsicRequest struct {
	FSIC    map[morango.InstanceID]int64 `json:"fsic"`
	Push    bool                         `json:"push"`
	Profile string                       `json:"profile"`
	Filter  []string                     `json:"filter"`
}

type fsicResponse struct {
	FSIC map[morango.InstanceID]int64 `json:"fsic"`
}

// wireBufferRow is BufferRow's wire representation, naming every field
// explicitly rather than reusing morango.BufferRow directly: a wire
// struct is part of this package's own contract and must not silently
// change shape if morango.BufferRow's fields do.
type wireBufferRow struct {
	ModelUUID                 string `json:"model_uuid"`
	TransferSessionID         string `json:"transfer_session_id"`
	Serialized                string `json:"serialized"`
	Deleted                   bool   `json:"deleted"`
	LastSavedInstance         string `json:"last_saved_instance"`
	LastSavedCounter          int64  `json:"last_saved_counter"`
	HardDelete                bool   `json:"hard_delete"`
	ModelName                 string `json:"model_name"`
	Profile                   string `json:"profile"`
	Partition                 string `json:"partition"`
	SourceID                  string `json:"source_id"`
	ConflictingSerializedData string `json:"conflicting_serialized_data"`
	SelfRefFK                 string `json:"self_ref_fk"`
}

type wireRMCEntry struct {
	ModelUUID  string `json:"model_uuid"`
	InstanceID string `json:"instance_id"`
	Counter    int64  `json:"counter"`
}

type chunkPayload struct {
	Rows []wireBufferRow `json:"rows"`
	RMCB []wireRMCEntry  `json:"rmcb"`
	Done bool            `json:"done"`
}

func toWireRows(rows []morango.BufferRow) []wireBufferRow {
	out := make([]wireBufferRow, len(rows))
	for i, r := range rows {
		out[i] = wireBufferRow{
			ModelUUID:                 r.ModelUUID,
			TransferSessionID:         r.TransferSessionID,
			Serialized:                r.Serialized,
			Deleted:                   r.Deleted,
			LastSavedInstance:         string(r.LastSavedInstance),
			LastSavedCounter:          r.LastSavedCounter,
			HardDelete:                r.HardDelete,
			ModelName:                 r.ModelName,
			Profile:                   r.Profile,
			Partition:                 r.Partition,
			SourceID:                  r.SourceID,
			ConflictingSerializedData: r.ConflictingSerializedData,
			SelfRefFK:                 r.SelfRefFK,
		}
	}
	return out
}

func fromWireRows(rows []wireBufferRow) []morango.BufferRow {
	out := make([]morango.BufferRow, len(rows))
	for i, r := range rows {
		out[i] = morango.BufferRow{
			ModelUUID:                 r.ModelUUID,
			TransferSessionID:         r.TransferSessionID,
			Serialized:                r.Serialized,
			Deleted:                   r.Deleted,
			LastSavedInstance:         morango.InstanceID(r.LastSavedInstance),
			LastSavedCounter:          r.LastSavedCounter,
			HardDelete:                r.HardDelete,
			ModelName:                 r.ModelName,
			Profile:                   r.Profile,
			Partition:                 r.Partition,
			SourceID:                  r.SourceID,
			ConflictingSerializedData: r.ConflictingSerializedData,
			SelfRefFK:                 r.SelfRefFK,
		}
	}
	return out
}

func toWireRMCB(entries []morango.RMCEntryRow) []wireRMCEntry {
	out := make([]wireRMCEntry, len(entries))
	for i, e := range entries {
		out[i] = wireRMCEntry{ModelUUID: e.ModelUUID, InstanceID: string(e.InstanceID), Counter: e.Counter}
	}
	return out
}

func fromWireRMCB(entries []wireRMCEntry) []morango.RMCEntryRow {
	out := make([]morango.RMCEntryRow, len(entries))
	for i, e := range entries {
		out[i] = morango.RMCEntryRow{ModelUUID: e.ModelUUID, InstanceID: morango.InstanceID(e.InstanceID), Counter: e.Counter}
	}
	return out
}
