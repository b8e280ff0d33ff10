package morango

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Transport is the external interface a TransferSession drives to move
// Buffer/RMCB rows and FSIC maps to and from a peer. Concrete
// implementations live outside this package (internal/synctransport)
// to keep morango free of any HTTP dependency.
type Transport interface {
	// ExchangeFSIC trades this node's FSIC for the peer's, scoped to
	// sessionID, and returns the peer's FSIC.
	ExchangeFSIC(ctx context.Context, sessionID string, local map[InstanceID]int64) (map[InstanceID]int64, error)
	// SendChunk pushes one batch of staged Buffer/RMCB rows to the peer.
	// done reports whether this was the session's final chunk.
	SendChunk(ctx context.Context, sessionID string, rows []BufferRow, rmcb []RMCEntryRow, done bool) error
	// RecvChunk pulls one batch of the peer's staged rows. done reports
	// whether the peer signaled this was its final chunk.
	RecvChunk(ctx context.Context, sessionID string) (rows []BufferRow, rmcb []RMCEntryRow, done bool, err error)
	// Finalize tells the peer this transfer session is complete.
	Finalize(ctx context.Context, sessionID string) error
}

// RMCEntryRow is one wire-level RMCB row, scoped to a specific model.
type RMCEntryRow struct {
	ModelUUID  string
	InstanceID InstanceID
	Counter    int64
}

// StageObserver is notified as a TransferSession advances. Implementations
// in this repository are morangodb.HistoryRecorder, syncsignal.Dispatcher
// (webhook dispatch) and internal/syncserver's Prometheus observer, which
// the peer server calls directly rather than through a Machine.
type StageObserver interface {
	OnStarted(ts *TransferSession)
	OnInProgress(ts *TransferSession)
	OnCompleted(ts *TransferSession)
	OnAborted(ts *TransferSession, err error)
}

// Machine drives one TransferSession through its stages
// (initializing -> queuing -> transferring -> dequeuing -> cleanup ->
// completed/aborted), one stage per Advance call, so a crash between
// stages can always resume cleanly from the persisted state.
type Machine struct {
	db        *sql.DB
	registry  *Registry
	profiles  *ProfileRegistry
	transport Transport
	observers []StageObserver

	chunkSize int
}

// NewMachine builds a Machine. chunkSize bounds how many Buffer rows
// transferring moves per SendChunk/RecvChunk round trip.
func NewMachine(db *sql.DB, registry *Registry, profiles *ProfileRegistry, transport Transport, chunkSize int, observers ...StageObserver) *Machine {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	return &Machine{db: db, registry: registry, profiles: profiles, transport: transport, chunkSize: chunkSize, observers: observers}
}

// StartPush begins a new push TransferSession under syncSessionID.
func (m *Machine) StartPush(ctx context.Context, syncSessionID string, filter []string) (*TransferSession, error) {
	return m.start(ctx, syncSessionID, true, filter)
}

// StartPull begins a new pull TransferSession under syncSessionID.
func (m *Machine) StartPull(ctx context.Context, syncSessionID string, filter []string) (*TransferSession, error) {
	return m.start(ctx, syncSessionID, false, filter)
}

func (m *Machine) start(ctx context.Context, syncSessionID string, push bool, filter []string) (*TransferSession, error) {
	ts := &TransferSession{
		ID:                    newTransferSessionID(),
		SyncSessionID:         syncSessionID,
		Push:                  push,
		Filter:                filter,
		Active:                true,
		LastActivityTimestamp: nowFunc(),
		State:                 StateInitializing,
	}
	if err := m.saveTransferSession(ts); err != nil {
		return nil, err
	}
	return ts, nil
}

// Resume re-enters the TransferSession at its persisted stage and drives
// it to completion or a stage error.
func (m *Machine) Resume(ctx context.Context, sessionID string) error {
	ts, err := m.loadTransferSession(sessionID)
	if err != nil {
		return err
	}
	return m.Run(ctx, ts)
}

// Run advances ts one stage at a time until it reaches completed or
// aborted.
func (m *Machine) Run(ctx context.Context, ts *TransferSession) error {
	for ts.State != StateCompleted && ts.State != StateAborted {
		if err := m.Advance(ctx, ts); err != nil {
			m.abort(ts, err)
			return err
		}
	}
	return nil
}

// Advance runs exactly one stage, persists the resulting state, and
// fires the matching observer hook.
func (m *Machine) Advance(ctx context.Context, ts *TransferSession) error {
	syncSession, err := m.loadSyncSession(ts.SyncSessionID)
	if err != nil {
		return err
	}

	switch ts.State {
	case StateInitializing:
		m.notifyStarted(ts)
		ts.State = StateQueuing

	case StateQueuing:
		if err := m.stageQueuing(ctx, ts, syncSession.Profile); err != nil {
			return err
		}
		m.notifyInProgress(ts)
		ts.State = StateTransferring

	case StateTransferring:
		if err := m.stageTransferring(ctx, ts); err != nil {
			return err
		}
		m.notifyInProgress(ts)
		ts.State = StateDequeuing

	case StateDequeuing:
		if err := m.stageDequeuing(ctx, ts); err != nil {
			return err
		}
		m.notifyInProgress(ts)
		ts.State = StateCleanup

	case StateCleanup:
		if err := m.stageCleanup(ctx, ts); err != nil {
			return err
		}
		ts.State = StateCompleted
		ts.Active = false

	default:
		return fmt.Errorf("morango: cannot advance transfer session %s from state %q", ts.ID, ts.State)
	}

	ts.LastActivityTimestamp = nowFunc()
	if err := m.saveTransferSession(ts); err != nil {
		return err
	}
	if ts.State == StateCompleted {
		m.notifyCompleted(ts)
	}
	return nil
}

// stageQueuing exchanges FSIC with the peer and, for a push session,
// stages the delta into Buffer/RMCB. A pull session
// leaves the staging to the peer; this node only records what the
// exchange told it.
func (m *Machine) stageQueuing(ctx context.Context, ts *TransferSession, profile string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("begin queuing stage: %w", err)
	}
	defer tx.Rollback()

	local, err := FSICForFilter(tx, ts.Filter)
	if err != nil {
		return err
	}
	ts.ClientFSIC = local

	remote, err := m.transport.ExchangeFSIC(ctx, ts.ID, local)
	if err != nil {
		return &TransportError{Transient: true, Err: err}
	}
	ts.ServerFSIC = remote

	if ts.Push {
		delta := Delta(local, remote)
		if err := Queue(tx, ts, delta, profile, ""); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// stageTransferring drives SendChunk/RecvChunk to completion, depending
// on direction.
func (m *Machine) stageTransferring(ctx context.Context, ts *TransferSession) error {
	if ts.Push {
		return m.sendAllChunks(ctx, ts)
	}
	return m.recvAllChunks(ctx, ts)
}

func (m *Machine) sendAllChunks(ctx context.Context, ts *TransferSession) error {
	for {
		rows, rmcb, done, err := m.loadChunk(ts.ID, m.chunkSize)
		if err != nil {
			return err
		}
		if err := m.transport.SendChunk(ctx, ts.ID, rows, rmcb, done); err != nil {
			return &TransportError{Transient: true, Err: err}
		}
		ts.RecordsTransferred += int64(len(rows))
		if done {
			return nil
		}
	}
}

func (m *Machine) recvAllChunks(ctx context.Context, ts *TransferSession) error {
	for {
		rows, rmcb, done, err := m.transport.RecvChunk(ctx, ts.ID)
		if err != nil {
			return &TransportError{Transient: true, Err: err}
		}
		if err := m.storeIncomingChunk(ts.ID, rows, rmcb); err != nil {
			return err
		}
		ts.RecordsTransferred += int64(len(rows))
		if done {
			return nil
		}
	}
}

// loadChunk reads up to limit not-yet-sent Buffer rows for ts and their
// RMCB entries. Sent rows are left in place; Dequeue on the peer removes
// its own copy, and this node's Buffer/RMCB rows for the session are
// cleared in stageCleanup once the peer has acknowledged the transfer.
func (m *Machine) loadChunk(transferSessionID string, limit int) ([]BufferRow, []RMCEntryRow, bool, error) {
	rows, err := m.db.Query(`
		SELECT model_uuid, serialized, deleted, last_saved_instance, last_saved_counter, hard_delete,
		       model_name, profile, partition, source_id, conflicting_serialized_data, self_ref_fk
		FROM buffer WHERE transfer_session_id = ? ORDER BY model_uuid LIMIT ?`, transferSessionID, limit+1)
	if err != nil {
		return nil, nil, false, fmt.Errorf("load chunk: %w", err)
	}
	defer rows.Close()

	var out []BufferRow
	for rows.Next() {
		var b BufferRow
		var lastSavedInstance string
		b.TransferSessionID = transferSessionID
		if err := rows.Scan(&b.ModelUUID, &b.Serialized, &b.Deleted, &lastSavedInstance, &b.LastSavedCounter,
			&b.HardDelete, &b.ModelName, &b.Profile, &b.Partition, &b.SourceID, &b.ConflictingSerializedData, &b.SelfRefFK); err != nil {
			return nil, nil, false, err
		}
		b.LastSavedInstance = InstanceID(lastSavedInstance)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, err
	}

	done := len(out) <= limit
	if !done {
		out = out[:limit]
	}

	var rmcbOut []RMCEntryRow
	for _, b := range out {
		entryRows, err := m.db.Query(`SELECT instance_id, counter FROM record_max_counter_buffer WHERE transfer_session_id = ? AND model_uuid = ?`,
			transferSessionID, b.ModelUUID)
		if err != nil {
			return nil, nil, false, fmt.Errorf("load rmcb chunk for %s: %w", b.ModelUUID, err)
		}
		for entryRows.Next() {
			var iid string
			var counter int64
			if err := entryRows.Scan(&iid, &counter); err != nil {
				entryRows.Close()
				return nil, nil, false, err
			}
			rmcbOut = append(rmcbOut, RMCEntryRow{ModelUUID: b.ModelUUID, InstanceID: InstanceID(iid), Counter: counter})
		}
		if err := entryRows.Err(); err != nil {
			entryRows.Close()
			return nil, nil, false, err
		}
		entryRows.Close()
	}

	return out, rmcbOut, done, nil
}

// storeIncomingChunk inserts received rows into this node's own
// Buffer/RMCB tables so Dequeue can merge them.
func (m *Machine) storeIncomingChunk(transferSessionID string, rows []BufferRow, rmcb []RMCEntryRow) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("begin store incoming chunk: %w", err)
	}
	defer tx.Rollback()

	for _, b := range rows {
		if _, err := tx.Exec(`
			INSERT INTO buffer (transfer_session_id, model_uuid, serialized, deleted, last_saved_instance,
			                     last_saved_counter, hard_delete, model_name, profile, partition, source_id,
			                     conflicting_serialized_data, self_ref_fk)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(transfer_session_id, model_uuid) DO NOTHING`,
			transferSessionID, b.ModelUUID, b.Serialized, b.Deleted, string(b.LastSavedInstance), b.LastSavedCounter,
			b.HardDelete, b.ModelName, b.Profile, b.Partition, b.SourceID, b.ConflictingSerializedData, b.SelfRefFK); err != nil {
			return fmt.Errorf("store incoming buffer row %s: %w", b.ModelUUID, err)
		}
	}
	for _, e := range rmcb {
		if _, err := tx.Exec(`
			INSERT INTO record_max_counter_buffer (transfer_session_id, model_uuid, instance_id, counter)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(transfer_session_id, model_uuid, instance_id) DO NOTHING`,
			transferSessionID, e.ModelUUID, string(e.InstanceID), e.Counter); err != nil {
			return fmt.Errorf("store incoming rmcb row %s: %w", e.ModelUUID, err)
		}
	}
	return tx.Commit()
}

// stageDequeuing merges received rows into Store/RMC.
// A push session has nothing to dequeue locally: the peer merges what
// this node sent.
func (m *Machine) stageDequeuing(ctx context.Context, ts *TransferSession) error {
	if ts.Push {
		return nil
	}
	_, err := Dequeue(m.db, m.registry, ts.ID)
	return err
}

func (m *Machine) stageCleanup(ctx context.Context, ts *TransferSession) error {
	if err := m.transport.Finalize(ctx, ts.ID); err != nil {
		return &TransportError{Transient: false, Err: err}
	}
	if _, err := m.db.Exec(`DELETE FROM record_max_counter_buffer WHERE transfer_session_id = ?`, ts.ID); err != nil {
		return fmt.Errorf("cleanup rmcb residue: %w", err)
	}
	if _, err := m.db.Exec(`DELETE FROM buffer WHERE transfer_session_id = ?`, ts.ID); err != nil {
		return fmt.Errorf("cleanup buffer residue: %w", err)
	}
	return nil
}

func (m *Machine) abort(ts *TransferSession, cause error) {
	ts.State = StateAborted
	ts.Active = false
	_ = m.saveTransferSession(ts)
	m.notifyAborted(ts, cause)
}

func (m *Machine) notifyStarted(ts *TransferSession) {
	for _, o := range m.observers {
		o.OnStarted(ts)
	}
}

func (m *Machine) notifyInProgress(ts *TransferSession) {
	for _, o := range m.observers {
		o.OnInProgress(ts)
	}
}

func (m *Machine) notifyCompleted(ts *TransferSession) {
	for _, o := range m.observers {
		o.OnCompleted(ts)
	}
}

func (m *Machine) notifyAborted(ts *TransferSession, err error) {
	for _, o := range m.observers {
		o.OnAborted(ts, err)
	}
}

func (m *Machine) saveTransferSession(ts *TransferSession) error {
	serverFSIC, err := json.Marshal(ts.ServerFSIC)
	if err != nil {
		return fmt.Errorf("encode server fsic: %w", err)
	}
	clientFSIC, err := json.Marshal(ts.ClientFSIC)
	if err != nil {
		return fmt.Errorf("encode client fsic: %w", err)
	}
	filter, err := json.Marshal(ts.Filter)
	if err != nil {
		return fmt.Errorf("encode filter: %w", err)
	}

	_, err = m.db.Exec(`
		INSERT INTO transfer_session (id, sync_session_id, push, filter, records_total, records_transferred,
		                               active, server_fsic, client_fsic, last_activity_timestamp, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			records_total = excluded.records_total,
			records_transferred = excluded.records_transferred,
			active = excluded.active,
			server_fsic = excluded.server_fsic,
			client_fsic = excluded.client_fsic,
			last_activity_timestamp = excluded.last_activity_timestamp,
			state = excluded.state`,
		ts.ID, ts.SyncSessionID, ts.Push, string(filter), ts.RecordsTotal, ts.RecordsTransferred,
		ts.Active, string(serverFSIC), string(clientFSIC), ts.LastActivityTimestamp, string(ts.State))
	if err != nil {
		return fmt.Errorf("save transfer session %s: %w", ts.ID, err)
	}
	return nil
}

func (m *Machine) loadTransferSession(id string) (*TransferSession, error) {
	row := m.db.QueryRow(`
		SELECT id, sync_session_id, push, filter, records_total, records_transferred, active,
		       server_fsic, client_fsic, last_activity_timestamp, state
		FROM transfer_session WHERE id = ?`, id)

	var ts TransferSession
	var filter, serverFSIC, clientFSIC, state string
	if err := row.Scan(&ts.ID, &ts.SyncSessionID, &ts.Push, &filter, &ts.RecordsTotal, &ts.RecordsTransferred,
		&ts.Active, &serverFSIC, &clientFSIC, &ts.LastActivityTimestamp, &state); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: transfer session %s", ErrSessionExpired, id)
		}
		return nil, fmt.Errorf("load transfer session %s: %w", id, err)
	}
	ts.State = State(state)
	if err := json.Unmarshal([]byte(filter), &ts.Filter); err != nil {
		return nil, fmt.Errorf("decode filter: %w", err)
	}
	if err := json.Unmarshal([]byte(serverFSIC), &ts.ServerFSIC); err != nil {
		return nil, fmt.Errorf("decode server fsic: %w", err)
	}
	if err := json.Unmarshal([]byte(clientFSIC), &ts.ClientFSIC); err != nil {
		return nil, fmt.Errorf("decode client fsic: %w", err)
	}
	return &ts, nil
}

func (m *Machine) loadSyncSession(id string) (*SyncSession, error) {
	row := m.db.QueryRow(`SELECT id, profile, filter, started_at, last_activity, active FROM sync_session WHERE id = ?`, id)
	var s SyncSession
	var filter string
	if err := row.Scan(&s.ID, &s.Profile, &filter, &s.Started, &s.LastActivity, &s.Active); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: sync session %s", ErrSessionExpired, id)
		}
		return nil, fmt.Errorf("load sync session %s: %w", id, err)
	}
	if filter != "" {
		if err := json.Unmarshal([]byte(filter), &s.Filter); err != nil {
			return nil, fmt.Errorf("decode sync session filter: %w", err)
		}
	}
	return &s, nil
}

// newTransferSessionID builds an opaque session handle. It is never
// interpreted as a sync identity — only (instance_id, counter) pairs
// are.
func newTransferSessionID() string {
	return uuid.New().String()
}

// nowFunc is a seam for tests.
var nowFunc = time.Now
