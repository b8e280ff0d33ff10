// Package syncsignal notifies an external URL about TransferSession
// stage transitions via an HMAC-signed webhook POST.
package syncsignal

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/morango-sync/morango/internal/morango"
)

// Stage names a TransferSession lifecycle hook, matching
// morango.StageObserver's four methods.
type Stage string

const (
	StageStarted    Stage = "started"
	StageInProgress Stage = "in_progress"
	StageCompleted  Stage = "completed"
	StageAborted    Stage = "aborted"
)

// StageEvent is the JSON body posted for one stage transition.
type StageEvent struct {
	Stage                 Stage     `json:"stage"`
	SessionID             string    `json:"session_id"`
	Push                  bool      `json:"push"`
	State                 string    `json:"state"`
	RecordsTotal          int64     `json:"records_total"`
	RecordsTransferred    int64     `json:"records_transferred"`
	LastActivityTimestamp time.Time `json:"last_activity_timestamp"`
	Error                 string    `json:"error,omitempty"`
}

func eventFrom(stage Stage, ts *morango.TransferSession, err error) StageEvent {
	e := StageEvent{
		Stage:                 stage,
		SessionID:             ts.ID,
		Push:                  ts.Push,
		State:                 string(ts.State),
		RecordsTotal:          ts.RecordsTotal,
		RecordsTransferred:    ts.RecordsTransferred,
		LastActivityTimestamp: ts.LastActivityTimestamp,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Dispatcher implements morango.StageObserver, posting a StageEvent to
// URL for every hook. A zero URL makes every call a no-op, so wiring a
// Dispatcher unconditionally into NewMachine costs nothing when no
// signal URL is configured.
type Dispatcher struct {
	URL    string
	Secret string
	HTTP   *http.Client
}

var _ morango.StageObserver = (*Dispatcher)(nil)

// New builds a Dispatcher. An empty url disables delivery.
func New(url, secret string) *Dispatcher {
	return &Dispatcher{
		URL:    url,
		Secret: secret,
		HTTP:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *Dispatcher) OnStarted(ts *morango.TransferSession) {
	d.send(eventFrom(StageStarted, ts, nil))
}

func (d *Dispatcher) OnInProgress(ts *morango.TransferSession) {
	d.send(eventFrom(StageInProgress, ts, nil))
}

func (d *Dispatcher) OnCompleted(ts *morango.TransferSession) {
	d.send(eventFrom(StageCompleted, ts, nil))
}

func (d *Dispatcher) OnAborted(ts *morango.TransferSession, err error) {
	d.send(eventFrom(StageAborted, ts, err))
}

// send dispatches in the background: a stalled or unreachable signal
// receiver must never hold up the transfer session it is reporting on.
func (d *Dispatcher) send(event StageEvent) {
	if d.URL == "" {
		return
	}
	go func() {
		if err := Dispatch(d.HTTP, d.URL, d.Secret, event); err != nil {
			// Best-effort delivery: the caller has no channel back to the
			// transfer session by the time this goroutine runs, so there's
			// nothing to do with the error but drop it. Metrics/logging
			// observers on the same Machine cover operational visibility.
			_ = err
		}
	}()
}

// Dispatch performs one synchronous signed POST, exported so callers
// (and tests) can deliver a StageEvent without going through a
// Dispatcher's fire-and-forget goroutine.
func Dispatch(client *http.Client, url, secret string, event StageEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequest("POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "morango-syncsignal/1")

	unixTS := fmt.Sprintf("%d", time.Now().Unix())
	req.Header.Set("X-Morango-Timestamp", unixTS)

	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(unixTS))
		mac.Write([]byte("."))
		mac.Write(body)
		sig := hex.EncodeToString(mac.Sum(nil))
		req.Header.Set("X-Morango-Signature", "sha256="+sig)
	}

	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", url, resp.StatusCode)
	}
	return nil
}
