package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/chunkswarm/chunkswarm/internal/config"
	"github.com/chunkswarm/chunkswarm/internal/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// setupLogger creates a configured zap logger based on global flags.
func setupLogger() (*zap.Logger, error) {
	level := zapcore.InfoLevel
	switch logLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	if logFile != "" {
		cfg.OutputPaths = []string{logFile}
	}

	return cfg.Build()
}

// configPaths returns the list of config file paths to search.
func configPaths() []string {
	if cfgFile != "" {
		return []string{cfgFile}
	}
	homeDir, _ := os.UserHomeDir()
	return []string{
		"/etc/chunkswarm/config.toml",
		filepath.Join(homeDir, ".config", "chunkswarm", "config.toml"),
	}
}

// loadConfig loads configuration from the first available config file.
func loadConfig() (*config.Config, error) {
	for _, path := range configPaths() {
		if _, err := os.Stat(path); err == nil {
			return config.Load(path)
		}
	}
	return config.DefaultConfig(), nil
}

// resolveTrackerAddr picks the tracker address. The -t flag wins, then
// the TOML config, the legacy config.json and the TRACKER_HOST and
// TRACKER_PORT environment variables.
func resolveTrackerAddr(cfg *config.Config) string {
	if trackerAddr != "" {
		if _, _, err := net.SplitHostPort(trackerAddr); err == nil {
			return trackerAddr
		}
		// Bare host, keep the default port.
		return net.JoinHostPort(trackerAddr, strconv.Itoa(config.DefaultTrackerPort))
	}
	return cfg.TrackerAddr(config.LegacyConfigFile)
}

// startMetricsServer exposes the metrics endpoint when a port is
// configured. The returned stop function shuts the listener down.
func startMetricsServer(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) func() {
	if cfg.Metrics.Port == 0 {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Metrics.Bind, strconv.Itoa(cfg.Metrics.Port)),
		Handler: mux,
	}
	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics endpoint stopped", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
