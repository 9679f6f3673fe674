package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chunkswarm/chunkswarm/internal/config"
	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configInitCmd())

	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fmt.Printf("Configuration\n")
			fmt.Printf("══════════════════════════════════════\n")
			fmt.Printf("\n[tracker]\n")
			fmt.Printf("  host              = %s\n", cfg.Tracker.Host)
			fmt.Printf("  port              = %d\n", cfg.Tracker.Port)
			fmt.Printf("  data_dir          = %s\n", cfg.Tracker.DataDir)
			fmt.Printf("\n[peer]\n")
			fmt.Printf("  shared_dir        = %s\n", cfg.Peer.SharedDir)
			fmt.Printf("  downloads_dir     = %s\n", cfg.Peer.DownloadsDir)
			fmt.Printf("  group_logs_dir    = %s\n", cfg.Peer.GroupLogsDir)
			fmt.Printf("  announce_interval = %s\n", cfg.Peer.AnnounceInterval)
			fmt.Printf("\n[transfer]\n")
			fmt.Printf("  max_upload_rate   = %s\n", cfg.Transfer.MaxUploadRate)
			fmt.Printf("  max_download_rate = %s\n", cfg.Transfer.MaxDownloadRate)
			fmt.Printf("\n[metrics]\n")
			fmt.Printf("  port              = %d\n", cfg.Metrics.Port)
			fmt.Printf("  bind              = %s\n", cfg.Metrics.Bind)
			fmt.Printf("\n[logging]\n")
			fmt.Printf("  level             = %s\n", cfg.Logging.Level)

			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()

			var cfgPath string
			if cfgFile != "" {
				cfgPath = cfgFile
			} else {
				homeDir, _ := os.UserHomeDir()
				cfgPath = filepath.Join(homeDir, ".config", "chunkswarm", "config.toml")
			}

			if err := cfg.Save(cfgPath); err != nil {
				return err
			}

			fmt.Printf("Created configuration file: %s\n", cfgPath)
			return nil
		},
	}
}
