package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/morango-sync/morango/internal/morangodb"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List recent merge conflicts resolved by Dequeue",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := morangodb.Open(getBaseDir())
		if err != nil {
			return fmt.Errorf("open sidecar db: %w", err)
		}
		defer db.Close()

		entries, err := db.ListMergeConflicts(20)
		if err != nil {
			return fmt.Errorf("list merge conflicts: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No merge conflicts recorded.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  store=%s  session=%s\n", e.ResolvedAt, e.StoreID, e.TransferSessionID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(conflictsCmd)
}
