package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/morango-sync/morango/internal/syncconfig"
)

var linkTokenFlag string

var linkCmd = &cobra.Command{
	Use:   "link <peer-url>",
	Short: "Link this node to a peer's morangod server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if linkTokenFlag == "" {
			return fmt.Errorf("--token is required (the peer's configured peer token)")
		}
		creds := &syncconfig.PeerCredentials{PeerURL: args[0], PeerToken: linkTokenFlag}
		if err := syncconfig.SavePeerCredentials(creds); err != nil {
			return fmt.Errorf("save peer credentials: %w", err)
		}
		fmt.Printf("Linked to %s.\n", args[0])
		return nil
	},
}

var unlinkCmd = &cobra.Command{
	Use:   "unlink",
	Short: "Forget the linked peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := syncconfig.ClearPeerCredentials(); err != nil {
			return fmt.Errorf("clear peer credentials: %w", err)
		}
		fmt.Println("Unlinked.")
		return nil
	},
}

func init() {
	linkCmd.Flags().StringVar(&linkTokenFlag, "token", "", "shared peer token")
	rootCmd.AddCommand(linkCmd, unlinkCmd)
}
