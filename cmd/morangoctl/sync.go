package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/morango-sync/morango/internal/morango"
	"github.com/morango-sync/morango/internal/morangodb"
	"github.com/morango-sync/morango/internal/syncconfig"
	"github.com/morango-sync/morango/internal/syncsignal"
	"github.com/morango-sync/morango/internal/synctransport"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push or pull with the linked peer",
}

var syncProfileFlag string
var syncFilterFlag []string

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push local changes to the linked peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(cmd.Context(), true)
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull changes from the linked peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(cmd.Context(), false)
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the most recent completed transfer sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := morangodb.Open(getBaseDir())
		if err != nil {
			return fmt.Errorf("open sidecar db: %w", err)
		}
		defer db.Close()

		entries, err := db.TailSyncHistory(10)
		if err != nil {
			return fmt.Errorf("tail sync history: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No completed transfer sessions yet.")
			return nil
		}
		for _, e := range entries {
			direction := "pull"
			if e.Push {
				direction = "push"
			}
			fmt.Printf("%s  %-4s  records=%-4d conflicts=%-3d  %s\n", e.TransferSessionID, direction, e.RecordsTransferred, e.ConflictCount, e.FinishedAt.String)
		}
		return nil
	},
}

func runTransfer(ctx context.Context, push bool) error {
	creds, err := syncconfig.LoadPeerCredentials()
	if err != nil {
		return fmt.Errorf("load peer credentials: %w", err)
	}
	if creds == nil {
		return fmt.Errorf("no peer linked (run: morangoctl link <peer-url>)")
	}

	db, err := morangodb.Open(getBaseDir())
	if err != nil {
		return fmt.Errorf("open sidecar db: %w", err)
	}
	defer db.Close()

	registry := morango.NewRegistry(db.Conn, syncconfig.GetSystemIDOverride())
	profiles := morango.NewProfileRegistry()

	transport := synctransport.New(creds.PeerURL, creds.PeerToken, 5)
	transport.Push = push
	transport.Profile = syncProfileFlag
	transport.Filter = syncFilterFlag

	observers := []morango.StageObserver{morangodb.NewHistoryRecorder(db)}
	if url := syncconfig.GetSignalURL(); url != "" {
		observers = append(observers, syncsignal.New(url, syncconfig.GetSignalSecret()))
	}

	machine := morango.NewMachine(db.Conn, registry, profiles, transport, syncconfig.GetChunkSize(), observers...)

	sessionID := uuid.New().String()
	if _, err := db.Conn.Exec(`INSERT INTO sync_session (id, profile) VALUES (?, ?)`, sessionID, syncProfileFlag); err != nil {
		return fmt.Errorf("create sync session: %w", err)
	}
	var ts *morango.TransferSession
	if push {
		ts, err = machine.StartPush(ctx, sessionID, syncFilterFlag)
	} else {
		ts, err = machine.StartPull(ctx, sessionID, syncFilterFlag)
	}
	if err != nil {
		return fmt.Errorf("start transfer session: %w", err)
	}

	if err := machine.Run(ctx, ts); err != nil {
		return fmt.Errorf("run transfer session: %w", err)
	}

	fmt.Printf("%s complete: %d records transferred (%s)\n", map[bool]string{true: "push", false: "pull"}[push], ts.RecordsTransferred, ts.State)
	return nil
}

func init() {
	syncCmd.PersistentFlags().StringVar(&syncProfileFlag, "profile", "", "sync profile to transfer")
	syncCmd.PersistentFlags().StringSliceVar(&syncFilterFlag, "partition", nil, "partition prefixes to restrict the transfer to (default: all)")
	syncCmd.AddCommand(syncPushCmd, syncPullCmd, syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}
