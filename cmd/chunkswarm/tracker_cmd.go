package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/chunkswarm/chunkswarm/internal/audit"
	"github.com/chunkswarm/chunkswarm/internal/config"
	"github.com/chunkswarm/chunkswarm/internal/metrics"
	"github.com/chunkswarm/chunkswarm/internal/persist"
	"github.com/chunkswarm/chunkswarm/internal/tracker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	trackerBind    string
	trackerPort    int
	trackerDataDir string
	trackerSeed    string
)

func trackerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tracker",
		Short: "Start the chunkswarm tracker",
		Long: `Start the tracker, the coordination point of the swarm.

The tracker keeps the registered users, the live peer sessions, the
announced file catalog, the collaboration scores and the chat rooms.
Users, scores and rooms are snapshotted to disk on every mutation and
restored on the next boot.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if trackerPort < 1 || trackerPort > 65535 {
				return fmt.Errorf("invalid port: must be between 1 and 65535")
			}
			return nil
		},
		RunE: runTracker,
	}

	cmd.Flags().StringVar(&trackerBind, "bind", "0.0.0.0", "listen address")
	cmd.Flags().IntVarP(&trackerPort, "port", "p", config.DefaultTrackerPort, "listen port")
	cmd.Flags().StringVarP(&trackerDataDir, "data-dir", "d", "", "state directory (default from config)")
	cmd.Flags().StringVar(&trackerSeed, "seed", "", "seed snapshot to restore when no state exists yet")

	return cmd
}

func runTracker(cmd *cobra.Command, args []string) error {
	// Set up logger
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	dir := cfg.Tracker.DataDir
	if trackerDataDir != "" {
		dir = trackerDataDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	logger.Info("Starting chunkswarm tracker",
		zap.String("bind", trackerBind),
		zap.Int("port", trackerPort),
		zap.String("dataDir", dir))

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Initialize metrics
	m := metrics.New()
	stopMetrics := startMetricsServer(cfg, m, logger)
	defer stopMetrics()

	// Initialize audit log
	auditLog, err := audit.NewJSONWriter(audit.JSONWriterConfig{
		Path: filepath.Join(dir, "audit.log"),
	})
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditLog.Close()

	// Restore persisted state
	snapshots := persist.NewStore(filepath.Join(dir, "tracker_state.json"), trackerSeed, logger)
	registry, err := tracker.NewRegistry(tracker.RegistryConfig{
		Store:   snapshots,
		Logger:  logger,
		Audit:   auditLog,
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("failed to restore tracker state: %w", err)
	}

	srv := tracker.NewServer(tracker.ServerConfig{
		Host:     trackerBind,
		Port:     trackerPort,
		Registry: registry,
		Logger:   logger,
		Metrics:  m,
		Audit:    auditLog,
	})
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start tracker: %w", err)
	}

	logger.Info("Tracker started", zap.String("addr", srv.Addr()))

	// Wait for shutdown signal
	sig := <-sigChan
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown
	logger.Info("Shutting down...")
	srv.Stop()
	logger.Info("Shutdown complete")
	return nil
}
