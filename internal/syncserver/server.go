// Package syncserver exposes a morango sidecar database over HTTP so a
// remote peer's synctransport.Client can drive push and pull transfer
// sessions against it.
package syncserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/morango-sync/morango/internal/morango"
	"github.com/morango-sync/morango/internal/morangodb"
)

const (
	rateLimitFSIC     = 30
	rateLimitChunk    = 600
	rateLimitFinalize = 30
)

// Config configures a Server.
type Config struct {
	ListenAddr string
	PeerToken  string
}

// Server is the peer HTTP server for one morango sidecar database.
type Server struct {
	config      Config
	http        *http.Server
	db          *morangodb.DB
	registry    *morango.Registry
	history     *morangodb.HistoryRecorder
	sessions    *sessionTable
	rateLimiter *rateLimiter
	peerToken   string
	cancel      context.CancelFunc
}

// NewServer builds a Server bound to db. registry derives instance ids
// for Dequeue's RMC bookkeeping.
func NewServer(cfg Config, db *morangodb.DB, registry *morango.Registry) *Server {
	s := &Server{
		config:      cfg,
		db:          db,
		registry:    registry,
		history:     morangodb.NewHistoryRecorder(db),
		sessions:    newSessionTable(),
		rateLimiter: newRateLimiter(),
		peerToken:   cfg.PeerToken,
	}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("stale session sweep panic", "panic", r)
			}
		}()
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := s.sweepStaleSessions(30 * time.Minute)
				if n > 0 {
					slog.Info("swept stale peer sessions", "count", n)
				}
			}
		}
	}()

	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) sweepStaleSessions(maxAge time.Duration) int {
	s.sessions.mu.Lock()
	defer s.sessions.mu.Unlock()
	n := 0
	cutoff := time.Now().Add(-maxAge)
	for id, ps := range s.sessions.sessions {
		if ps.createdAt.Before(cutoff) {
			delete(s.sessions.sessions, id)
			if err := cleanupResidue(s.db.Conn, id); err != nil {
				slog.Warn("sweep stale session residue", "id", id, "err", err)
			}
			n++
		}
	}
	return n
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", Handler())

	mux.HandleFunc("POST /v1/sync/{session}/fsic", s.requireAuth(s.withRateLimit(s.handleFSIC, rateLimitFSIC)))
	mux.HandleFunc("POST /v1/sync/{session}/chunk", s.requireAuth(s.withRateLimit(s.handleSendChunk, rateLimitChunk)))
	mux.HandleFunc("GET /v1/sync/{session}/chunk", s.requireAuth(s.withRateLimit(s.handleRecvChunk, rateLimitChunk)))
	mux.HandleFunc("POST /v1/sync/{session}/finalize", s.requireAuth(s.withRateLimit(s.handleFinalize, rateLimitFinalize)))

	return chain(mux, recoveryMiddleware, requestIDMiddleware, loggerMiddleware, metricsMiddleware, loggingMiddleware, maxBytesMiddleware(10<<20))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Conn.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "sidecar db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleFSIC answers an ExchangeFSIC call, the opening round trip of a
// transfer session. Since morango.Transport has no separate Init
// method, the request itself carries Push/Profile/Filter and this
// handler registers the peerSession on first sight of the session id.
// When the client is pulling (the server is the logical push side),
// the server also stages its own outgoing delta into buffer/RMCB here,
// mirroring Machine.stageQueuing's Push branch but running on the
// server's own store instead of the client's.
func (s *Server) handleFSIC(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")

	var req fsicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed fsic body")
		return
	}

	ps, ok := s.sessions.get(sessionID)
	if !ok {
		ps = &peerSession{clientPush: req.Push, profile: req.Profile, filter: req.Filter, createdAt: time.Now()}
		s.sessions.put(sessionID, ps)
	}

	stop := fsicTimer()
	defer stop()

	tx, err := s.db.Conn.Begin()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "begin fsic exchange")
		return
	}
	serverFSIC, err := morango.FSICForFilter(tx, ps.filter)
	if err != nil {
		tx.Rollback()
		logFor(r.Context()).Error("compute fsic", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "compute fsic")
		return
	}

	if !ps.clientPush {
		delta := morango.Delta(serverFSIC, req.FSIC)
		ts := &morango.TransferSession{ID: sessionID, Push: true, Filter: ps.filter}
		if err := morango.Queue(tx, ts, delta, ps.profile, ""); err != nil {
			tx.Rollback()
			logFor(r.Context()).Error("queue outgoing delta", "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "queue outgoing delta")
			return
		}
	}
	if err := tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "commit fsic exchange")
		return
	}

	writeJSON(w, http.StatusOK, fsicResponse{FSIC: serverFSIC})
}

// handleSendChunk accepts one chunk the client is pushing to this
// server, storing it into this node's own buffer/RMCB tables.
func (s *Server) handleSendChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	if _, ok := s.sessions.get(sessionID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown transfer session, exchange fsic first")
		return
	}

	var payload chunkPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed chunk body")
		return
	}

	if err := storeChunk(s.db.Conn, sessionID, fromWireRows(payload.Rows), fromWireRMCB(payload.RMCB)); err != nil {
		logFor(r.Context()).Error("store incoming chunk", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "store chunk")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRecvChunk serves one chunk of this node's own staged rows back
// to a client that is pulling from this server.
func (s *Server) handleRecvChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	if _, ok := s.sessions.get(sessionID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown transfer session, exchange fsic first")
		return
	}

	rows, rmcb, done, err := loadChunk(s.db.Conn, sessionID, 500)
	if err != nil {
		logFor(r.Context()).Error("load outgoing chunk", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "load chunk")
		return
	}

	writeJSON(w, http.StatusOK, chunkPayload{Rows: toWireRows(rows), RMCB: toWireRMCB(rmcb), Done: done})
}

// handleFinalize closes out the transfer session: if the client was
// pushing, this node now owns a full set of buffered rows and must run
// Dequeue to merge them into its own Store. Either way, this node's
// buffer/RMCB residue for the session is then cleared, mirroring the
// unconditional cleanup half of Machine.stageCleanup.
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	ps, ok := s.sessions.get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown transfer session, exchange fsic first")
		return
	}

	ts := &morango.TransferSession{ID: sessionID, Push: !ps.clientPush, Filter: ps.filter, Active: false, LastActivityTimestamp: time.Now()}

	if ps.clientPush {
		report, err := morango.Dequeue(s.db.Conn, s.registry, sessionID)
		if err != nil {
			logFor(r.Context()).Error("dequeue incoming rows", "err", err)
			observerMetrics{}.OnAborted(ts, err)
			writeError(w, http.StatusInternalServerError, "internal_error", "dequeue incoming rows")
			return
		}
		ts.RecordsTransferred = int64(report.FastForwarded + report.Conflicted + report.Created)
		if report.Conflicted > 0 {
			dequeueConflictsTotal.Add(float64(report.Conflicted))
		}
	}

	if err := cleanupResidue(s.db.Conn, sessionID); err != nil {
		logFor(r.Context()).Error("cleanup session residue", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "cleanup residue")
		return
	}

	s.sessions.delete(sessionID)

	ts.State = morango.StateCompleted
	s.history.OnCompleted(ts)
	observerMetrics{}.OnCompleted(ts)

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
