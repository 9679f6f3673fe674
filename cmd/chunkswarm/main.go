// chunkswarm is a peer-to-peer file sharing network with a central tracker
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Set at build time via -ldflags
	version = "dev"

	cfgFile     string
	logLevel    string
	logFile     string
	trackerAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chunkswarm",
		Short: "Peer-to-peer file sharing with a central tracker",
		Long: `chunkswarm is a peer-to-peer file sharing system. A central tracker
keeps the catalog of announced files and the reputation of every peer;
the peers exchange file chunks directly with each other.

Features:
  • Parallel chunked downloads from multiple peers
  • Upload-based reputation with bronze/prata/ouro/diamante tiers
  • Per-peer upload shaping that favors well-reputed downloaders
  • Direct chats and moderated group chat rooms between peers
  • Tracker state snapshots that survive restarts`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "log file path (default: stderr)")
	rootCmd.PersistentFlags().StringVarP(&trackerAddr, "tracker", "t", "", "tracker address (host:port, overrides config)")

	// Add commands
	rootCmd.AddCommand(trackerCmd())
	rootCmd.AddCommand(peerCmd())
	rootCmd.AddCommand(shareCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
