// Package config handles configuration loading and defaults for chunkswarm.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Default tracker endpoint. Peers that have never been configured reach
// a local tracker out of the box.
const (
	DefaultTrackerHost = "127.0.0.1"
	DefaultTrackerPort = 9000
)

// LegacyConfigFile is the JSON file older deployments used to point peers
// at the tracker. It still wins over the TOML config when present.
const LegacyConfigFile = "config.json"

// Config holds all configuration for chunkswarm.
type Config struct {
	Tracker  TrackerConfig  `toml:"tracker"`
	Peer     PeerConfig     `toml:"peer"`
	Transfer TransferConfig `toml:"transfer"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Logging  LoggingConfig  `toml:"logging"`
}

// TrackerConfig holds coordinator-side settings.
type TrackerConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	DataDir string `toml:"data_dir"`
}

// PeerConfig holds peer-side settings.
type PeerConfig struct {
	SharedDir        string `toml:"shared_dir"`
	DownloadsDir     string `toml:"downloads_dir"`
	GroupLogsDir     string `toml:"group_logs_dir"`
	AnnounceInterval string `toml:"announce_interval"`
}

// AnnounceIntervalDuration parses the announce interval, falling back to
// the default when the value is malformed.
func (p PeerConfig) AnnounceIntervalDuration() time.Duration {
	d, err := time.ParseDuration(p.AnnounceInterval)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// TransferConfig holds byte-rate limits. "0" means unlimited.
type TransferConfig struct {
	MaxUploadRate   string `toml:"max_upload_rate"`
	MaxDownloadRate string `toml:"max_download_rate"`
}

// MetricsConfig holds the optional metrics endpoint settings. Port 0
// disables the endpoint.
type MetricsConfig struct {
	Port int    `toml:"port"`
	Bind string `toml:"bind"`
}

// LoggingConfig holds logging-related settings.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Tracker: TrackerConfig{
			Host:    DefaultTrackerHost,
			Port:    DefaultTrackerPort,
			DataDir: filepath.Join(homeDir, ".local", "share", "chunkswarm"),
		},
		Peer: PeerConfig{
			SharedDir:        "shared",
			DownloadsDir:     "downloads",
			GroupLogsDir:     "group_logs",
			AnnounceInterval: "10m",
		},
		Transfer: TransferConfig{
			MaxUploadRate:   "0",
			MaxDownloadRate: "0",
		},
		Metrics: MetricsConfig{
			Port: 0,
			Bind: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// Load reads configuration from a TOML file, merging over defaults. A
// missing file is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a TOML file, creating the directory.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate fails fast on settings that would only blow up mid-run.
func (c *Config) Validate() error {
	if c.Tracker.Port < 1 || c.Tracker.Port > 65535 {
		return fmt.Errorf("tracker.port %d out of range", c.Tracker.Port)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}
	if d, err := time.ParseDuration(c.Peer.AnnounceInterval); err != nil {
		return fmt.Errorf("peer.announce_interval: %w", err)
	} else if d <= 0 {
		return fmt.Errorf("peer.announce_interval must be positive")
	}
	if _, err := ParseRate(c.Transfer.MaxUploadRate); err != nil {
		return fmt.Errorf("transfer.max_upload_rate: %w", err)
	}
	if _, err := ParseRate(c.Transfer.MaxDownloadRate); err != nil {
		return fmt.Errorf("transfer.max_download_rate: %w", err)
	}
	return nil
}

// legacyConfig mirrors the old JSON file's two fields.
type legacyConfig struct {
	TrackerIP   string `json:"tracker_ip"`
	TrackerPort int    `json:"tracker_port"`
}

// TrackerAddr resolves the tracker endpoint a peer should dial. The TOML
// settings are the base; the legacy JSON file at legacyPath overrides
// them, and the TRACKER_HOST / TRACKER_PORT environment variables win
// over everything. Malformed overrides are ignored rather than fatal.
func (c *Config) TrackerAddr(legacyPath string) string {
	host, port := c.Tracker.Host, c.Tracker.Port

	if data, err := os.ReadFile(legacyPath); err == nil {
		var legacy legacyConfig
		if json.Unmarshal(data, &legacy) == nil {
			if legacy.TrackerIP != "" {
				host = legacy.TrackerIP
			}
			if legacy.TrackerPort >= 1 && legacy.TrackerPort <= 65535 {
				port = legacy.TrackerPort
			}
		}
	}

	if v := os.Getenv("TRACKER_HOST"); v != "" {
		host = v
	}
	if v := os.Getenv("TRACKER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p >= 1 && p <= 65535 {
			port = p
		}
	}

	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ParseSize parses a size string like "10MB" into bytes.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	var digits int
	for digits < len(s) && s[digits] >= '0' && s[digits] <= '9' {
		digits++
	}
	if digits == 0 {
		return 0, fmt.Errorf("size %q has no leading number", s)
	}

	size, err := strconv.ParseInt(s[:digits], 10, 64)
	if err != nil {
		return 0, err
	}

	switch s[digits:] {
	case "", "B":
	case "KB", "K":
		size *= 1024
	case "MB", "M":
		size *= 1024 * 1024
	case "GB", "G":
		size *= 1024 * 1024 * 1024
	case "TB", "T":
		size *= 1024 * 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unknown size unit %q", s[digits:])
	}
	return size, nil
}

// ParseRate parses a rate string like "10MB/s" or "500KB" into bytes per
// second. Returns 0 for unlimited (empty string, "0", or "unlimited").
func ParseRate(s string) (int64, error) {
	if s == "" || s == "0" || s == "unlimited" {
		return 0, nil
	}

	rateStr := s
	if len(s) > 2 && s[len(s)-2:] == "/s" {
		rateStr = s[:len(s)-2]
	}
	return ParseSize(rateStr)
}
