// Command morangod runs the HTTP peer server for one morango sidecar
// database, the network counterpart morangoctl's sync subcommands
// drive from the other side.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/morango-sync/morango/internal/morango"
	"github.com/morango-sync/morango/internal/morangodb"
	"github.com/morango-sync/morango/internal/syncconfig"
	"github.com/morango-sync/morango/internal/syncserver"
)

func main() {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))

	baseDir := "."
	if len(os.Args) > 1 {
		baseDir = os.Args[1]
	}

	db, err := morangodb.Open(baseDir)
	if err != nil {
		slog.Error("open sidecar db", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	registry := morango.NewRegistry(db.Conn, syncconfig.GetSystemIDOverride())

	creds, err := syncconfig.LoadPeerCredentials()
	if err != nil {
		slog.Error("load peer credentials", "err", err)
		os.Exit(1)
	}
	peerToken := ""
	if creds != nil {
		peerToken = creds.PeerToken
	}
	if peerToken == "" {
		slog.Warn("no peer token configured; every request will be rejected until one is linked (morangoctl link)")
	}

	cfg := syncserver.Config{
		ListenAddr: syncconfig.GetListenAddr(),
		PeerToken:  peerToken,
	}
	srv := syncserver.NewServer(cfg, db, registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		slog.Error("start server", "err", err)
		os.Exit(1)
	}
	slog.Info("morangod started", "addr", cfg.ListenAddr)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
	}
}
