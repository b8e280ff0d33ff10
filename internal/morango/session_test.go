package morango

import (
	"context"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport stand-in: ExchangeFSIC always
// returns a fixed peer FSIC, SendChunk records what was sent, and
// RecvChunk replays a pre-seeded queue of chunks.
type fakeTransport struct {
	remoteFSIC map[InstanceID]int64

	sentRows []BufferRow
	sentRMCB []RMCEntryRow

	recvQueue []recvChunk
	recvIdx   int

	finalized bool
}

type recvChunk struct {
	rows []BufferRow
	rmcb []RMCEntryRow
	done bool
}

func (f *fakeTransport) ExchangeFSIC(ctx context.Context, sessionID string, local map[InstanceID]int64) (map[InstanceID]int64, error) {
	return f.remoteFSIC, nil
}

func (f *fakeTransport) SendChunk(ctx context.Context, sessionID string, rows []BufferRow, rmcb []RMCEntryRow, done bool) error {
	f.sentRows = append(f.sentRows, rows...)
	f.sentRMCB = append(f.sentRMCB, rmcb...)
	return nil
}

func (f *fakeTransport) RecvChunk(ctx context.Context, sessionID string) (rows []BufferRow, rmcb []RMCEntryRow, done bool, err error) {
	if f.recvIdx >= len(f.recvQueue) {
		return nil, nil, true, nil
	}
	c := f.recvQueue[f.recvIdx]
	f.recvIdx++
	return c.rows, c.rmcb, c.done, nil
}

func (f *fakeTransport) Finalize(ctx context.Context, sessionID string) error {
	f.finalized = true
	return nil
}

// spyObserver records every stage callback in order, for asserting the
// lifecycle a Machine run fires.
type spyObserver struct {
	events []string
}

func (s *spyObserver) OnStarted(ts *TransferSession)         { s.events = append(s.events, "started") }
func (s *spyObserver) OnInProgress(ts *TransferSession)      { s.events = append(s.events, "in_progress") }
func (s *spyObserver) OnCompleted(ts *TransferSession)       { s.events = append(s.events, "completed") }
func (s *spyObserver) OnAborted(ts *TransferSession, _ error) { s.events = append(s.events, "aborted") }

func TestMachinePushRunCompletesWithNoData(t *testing.T) {
	db := openTestDB(t)
	registry := NewRegistry(db, "node-1")
	profiles := NewProfileRegistry()

	if _, err := db.Exec(`INSERT INTO sync_session (id, profile) VALUES (?, ?)`, "sync-1", "facilitydata"); err != nil {
		t.Fatalf("seed sync_session: %v", err)
	}

	transport := &fakeTransport{remoteFSIC: map[InstanceID]int64{}}
	observer := &spyObserver{}
	m := NewMachine(db, registry, profiles, transport, 10, observer)

	ts, err := m.StartPush(context.Background(), "sync-1", nil)
	if err != nil {
		t.Fatalf("StartPush: %v", err)
	}

	if err := m.Run(context.Background(), ts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if ts.State != StateCompleted {
		t.Fatalf("state = %q, want completed", ts.State)
	}
	if !transport.finalized {
		t.Fatalf("expected transport.Finalize to be called")
	}
	if len(transport.sentRows) != 0 {
		t.Fatalf("expected no rows staged with an empty store, got %d", len(transport.sentRows))
	}

	want := []string{"started", "in_progress", "in_progress", "in_progress", "completed"}
	if len(observer.events) != len(want) {
		t.Fatalf("events = %v, want %v", observer.events, want)
	}
	for i := range want {
		if observer.events[i] != want[i] {
			t.Fatalf("events = %v, want %v", observer.events, want)
		}
	}
}

func TestMachinePullRunMergesReceivedChunk(t *testing.T) {
	db := openTestDB(t)
	registry := NewRegistry(db, "node-1")
	profiles := NewProfileRegistry()

	if _, err := db.Exec(`INSERT INTO sync_session (id, profile) VALUES (?, ?)`, "sync-1", "facilitydata"); err != nil {
		t.Fatalf("seed sync_session: %v", err)
	}

	incoming := BufferRow{
		ModelUUID: "m-new", Serialized: "incoming", LastSavedInstance: "A", LastSavedCounter: 1,
		ModelName: "facility", Profile: "facilitydata",
	}
	transport := &fakeTransport{
		remoteFSIC: map[InstanceID]int64{"A": 1},
		recvQueue: []recvChunk{
			{
				rows: []BufferRow{incoming},
				rmcb: []RMCEntryRow{{ModelUUID: "m-new", InstanceID: "A", Counter: 1}},
				done: true,
			},
		},
	}
	observer := &spyObserver{}
	m := NewMachine(db, registry, profiles, transport, 10, observer)

	ts, err := m.StartPull(context.Background(), "sync-1", nil)
	if err != nil {
		t.Fatalf("StartPull: %v", err)
	}

	if err := m.Run(context.Background(), ts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if ts.State != StateCompleted {
		t.Fatalf("state = %q, want completed", ts.State)
	}
	if ts.RecordsTransferred != 1 {
		t.Fatalf("records transferred = %d, want 1", ts.RecordsTransferred)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin verify: %v", err)
	}
	defer tx.Rollback()
	row, found, err := GetStoreRow(tx, "m-new")
	if err != nil {
		t.Fatalf("GetStoreRow: %v", err)
	}
	if !found {
		t.Fatalf("expected m-new to be merged into store by dequeue")
	}
	if row.Serialized != "incoming" {
		t.Fatalf("serialized = %q, want %q", row.Serialized, "incoming")
	}

	var bufferCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM buffer WHERE transfer_session_id = ?`, ts.ID).Scan(&bufferCount); err != nil {
		t.Fatalf("count buffer residue: %v", err)
	}
	if bufferCount != 0 {
		t.Fatalf("expected no buffer residue after a completed pull, got %d", bufferCount)
	}
}

func TestMachineResumePicksUpAtPersistedStage(t *testing.T) {
	db := openTestDB(t)
	registry := NewRegistry(db, "node-1")
	profiles := NewProfileRegistry()

	if _, err := db.Exec(`INSERT INTO sync_session (id, profile) VALUES (?, ?)`, "sync-1", "facilitydata"); err != nil {
		t.Fatalf("seed sync_session: %v", err)
	}

	transport := &fakeTransport{remoteFSIC: map[InstanceID]int64{}}
	observer := &spyObserver{}
	m := NewMachine(db, registry, profiles, transport, 10, observer)

	ts, err := m.StartPush(context.Background(), "sync-1", nil)
	if err != nil {
		t.Fatalf("StartPush: %v", err)
	}

	// Advance to queuing manually, persisting state the way a crash
	// mid-run would leave it, then resume from a fresh Machine/observer.
	if err := m.Advance(context.Background(), ts); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if ts.State != StateQueuing {
		t.Fatalf("state after one advance = %q, want queuing", ts.State)
	}

	observer2 := &spyObserver{}
	m2 := NewMachine(db, registry, profiles, transport, 10, observer2)
	if err := m2.Resume(context.Background(), ts.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	resumed, err := m2.loadTransferSession(ts.ID)
	if err != nil {
		t.Fatalf("loadTransferSession: %v", err)
	}
	if resumed.State != StateCompleted {
		t.Fatalf("state = %q, want completed", resumed.State)
	}
	// Resume re-enters at queuing, so OnStarted never fires again on m2.
	for _, e := range observer2.events {
		if e == "started" {
			t.Fatalf("resume should not refire OnStarted, got events %v", observer2.events)
		}
	}
}

func TestMachineAbortOnTransportFailureMarksAborted(t *testing.T) {
	db := openTestDB(t)
	registry := NewRegistry(db, "node-1")
	profiles := NewProfileRegistry()

	if _, err := db.Exec(`INSERT INTO sync_session (id, profile) VALUES (?, ?)`, "sync-1", "facilitydata"); err != nil {
		t.Fatalf("seed sync_session: %v", err)
	}

	transport := &failingTransport{}
	observer := &spyObserver{}
	m := NewMachine(db, registry, profiles, transport, 10, observer)

	ts, err := m.StartPush(context.Background(), "sync-1", nil)
	if err != nil {
		t.Fatalf("StartPush: %v", err)
	}

	if err := m.Run(context.Background(), ts); err == nil {
		t.Fatalf("expected Run to surface the transport error")
	}
	if ts.State != StateAborted {
		t.Fatalf("state = %q, want aborted", ts.State)
	}
	if len(observer.events) == 0 || observer.events[len(observer.events)-1] != "aborted" {
		t.Fatalf("expected a trailing aborted event, got %v", observer.events)
	}

	elapsed := time.Since(ts.LastActivityTimestamp)
	if elapsed < 0 {
		t.Fatalf("last activity timestamp should not be in the future")
	}
}

// failingTransport always fails FSIC exchange, to exercise the abort
// path.
type failingTransport struct{}

func (failingTransport) ExchangeFSIC(ctx context.Context, sessionID string, local map[InstanceID]int64) (map[InstanceID]int64, error) {
	return nil, errTransportBoom{}
}
func (failingTransport) SendChunk(ctx context.Context, sessionID string, rows []BufferRow, rmcb []RMCEntryRow, done bool) error {
	return nil
}
func (failingTransport) RecvChunk(ctx context.Context, sessionID string) ([]BufferRow, []RMCEntryRow, bool, error) {
	return nil, nil, true, nil
}
func (failingTransport) Finalize(ctx context.Context, sessionID string) error { return nil }

type errTransportBoom struct{}

func (errTransportBoom) Error() string { return "simulated transport failure" }
