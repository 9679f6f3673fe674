package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chunkswarm version %s\n", version)
			fmt.Printf("\nFeatures:\n")
			fmt.Printf("  • Parallel chunked downloads\n")
			fmt.Printf("  • Upload-based reputation tiers\n")
			fmt.Printf("  • Per-peer upload shaping\n")
			fmt.Printf("  • Direct peer-to-peer chat\n")
			fmt.Printf("  • Moderated group chat rooms\n")
			fmt.Printf("  • Tracker state snapshots\n")
			fmt.Printf("  • Audit logging\n")
			fmt.Printf("  • Bandwidth limiting\n")
		},
	}
}
