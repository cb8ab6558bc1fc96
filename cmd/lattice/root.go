package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lattice",
	Short: "Lattice keeps a remote renderer in sync with a server-owned UI tree",
	Long: `Lattice serves server-authoritative UI state trees and streams their
change records to renderers over HTTP and WebSocket.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().String("config", defaultConfigFile, "Path to the lattice.yaml config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
}
