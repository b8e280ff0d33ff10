// Package main implements morangoctl, the operator CLI for a morango
// sidecar database: a cobra root command with a persistent --base-dir
// flag and one file per command group.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var baseDirFlag string

var rootCmd = &cobra.Command{
	Use:   "morangoctl",
	Short: "Operate a morango peer-to-peer sync sidecar database",
}

func getBaseDir() string {
	if baseDirFlag != "" {
		return baseDirFlag
	}
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	return dir
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseDirFlag, "base-dir", "", "directory containing the morango sidecar database (default: current directory)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
