package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/morango-sync/morango/internal/morango"
	"github.com/morango-sync/morango/internal/morangodb"
	"github.com/morango-sync/morango/internal/syncconfig"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Inspect this node's sync identity",
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the local instance id and database id",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := morangodb.Open(getBaseDir())
		if err != nil {
			return fmt.Errorf("open sidecar db: %w", err)
		}
		defer db.Close()

		registry := morango.NewRegistry(db.Conn, syncconfig.GetSystemIDOverride())
		instanceID, databaseID, err := registry.Identity(db.Conn)
		if err != nil {
			return fmt.Errorf("read identity: %w", err)
		}

		fmt.Printf("Instance ID: %s\n", instanceID)
		fmt.Printf("Database ID: %s\n", databaseID)
		return nil
	},
}

func init() {
	identityCmd.AddCommand(identityShowCmd)
	rootCmd.AddCommand(identityCmd)
}
