// Package config provides configuration loading and defaults for the Timekeep
// daemon.
//
// Configuration is loaded from a TOML file in the user's data directory. The
// package covers the companion-agent channel, instance arbitration, timer
// behavior, tracked-site patterns, and logging, with sensible defaults.
package config

//go:generate go run ../../cmd/genconfig

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"

	"tools.zach/dev/timekeep/internal/atomicfile"
	"tools.zach/dev/timekeep/internal/migrate"
	"tools.zach/dev/timekeep/internal/paths"
)

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config represents the top-level application configuration.
type Config struct {
	// Version is the config schema version used for migrations.
	Version int `toml:"version"`
	// Account holds the account and reporting-timezone settings.
	Account AccountConfig `toml:"account"`
	// Agent holds companion-agent channel settings.
	Agent AgentConfig `toml:"agent"`
	// Breaker holds circuit-breaker tuning for the agent channel.
	Breaker BreakerConfig `toml:"breaker"`
	// Arbiter holds multi-instance arbitration settings.
	Arbiter ArbiterConfig `toml:"arbiter"`
	// Timer holds session timing behavior.
	Timer TimerConfig `toml:"timer"`
	// Sync holds background reconciliation settings.
	Sync SyncConfig `toml:"sync"`
	// Server holds the daemon's local listener settings.
	Server ServerConfig `toml:"server"`
	// Sites holds tracked-site glob patterns.
	Sites SitesConfig `toml:"sites"`
	// Log holds logging settings.
	Log LogConfig `toml:"log"`
}

// AccountConfig holds the account and reporting-timezone settings.
type AccountConfig struct {
	// ID is the account all sessions on this machine belong to.
	ID string `toml:"id"`
	// Timezone is the IANA reporting timezone (e.g. "Asia/Shanghai").
	// Empty means the system's local zone.
	Timezone string `toml:"timezone"`
}

// AgentConfig holds companion-agent channel settings.
type AgentConfig struct {
	// BridgeURL is the agent's local message endpoint.
	BridgeURL string `toml:"bridge_url"`
	// RequestTimeoutSeconds caps one request including transport retries.
	RequestTimeoutSeconds int `toml:"request_timeout_seconds"`
	// RetryMax is how many transient retries the transport performs per
	// request before the failure reaches the breaker.
	RetryMax int `toml:"retry_max"`
}

// BreakerConfig holds circuit-breaker tuning for the agent channel.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold int `toml:"failure_threshold"`
	// CooldownSeconds is the initial open interval before a recovery probe.
	CooldownSeconds int `toml:"cooldown_seconds"`
	// MaxCooldownSeconds bounds the exponential cool-down growth.
	MaxCooldownSeconds int `toml:"max_cooldown_seconds"`
}

// ArbiterConfig holds multi-instance arbitration settings.
type ArbiterConfig struct {
	// HeartbeatIntervalSeconds is how often an instance re-announces itself.
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
	// HeartbeatTimeoutSeconds is the age beyond which a heartbeat is dead.
	HeartbeatTimeoutSeconds int `toml:"heartbeat_timeout_seconds"`
}

// TimerConfig holds session timing behavior.
type TimerConfig struct {
	// DriftToleranceSeconds is the allowed gap between nominal and wall-clock
	// elapsed time before a correction or anomaly is recorded.
	DriftToleranceSeconds int `toml:"drift_tolerance_seconds"`
	// OrphanThresholdMinutes is how stale an unowned active session must be
	// before startup recovery force-closes it.
	OrphanThresholdMinutes int `toml:"orphan_threshold_minutes"`
}

// SyncConfig holds background reconciliation settings.
type SyncConfig struct {
	// IntervalSeconds is the reconciliation period.
	IntervalSeconds int `toml:"interval_seconds"`
}

// ServerConfig holds the daemon's local listener settings.
type ServerConfig struct {
	// ListenAddr is the local address the daemon's HTTP API binds to.
	ListenAddr string `toml:"listen_addr"`
}

// SitesConfig holds tracked-site glob patterns.
type SitesConfig struct {
	// Tracked is a list of doublestar glob patterns matched against hostnames
	// reported by the agent (e.g. "*.reddit.com", "**.news.*").
	Tracked []string `toml:"tracked"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation.
	MaxSizeMB int `toml:"max_size_mb"`
}

// ///////////////////////////////////////////////
// Default Configuration
// ///////////////////////////////////////////////

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: migrate.Config.CurrentVersion,
		Account: AccountConfig{
			ID:       "local",
			Timezone: "",
		},
		Agent: AgentConfig{
			BridgeURL:             "http://127.0.0.1:43217/v1/message",
			RequestTimeoutSeconds: 5,
			RetryMax:              2,
		},
		Breaker: BreakerConfig{
			FailureThreshold:   3,
			CooldownSeconds:    30,
			MaxCooldownSeconds: 300,
		},
		Arbiter: ArbiterConfig{
			HeartbeatIntervalSeconds: 5,
			HeartbeatTimeoutSeconds:  15,
		},
		Timer: TimerConfig{
			DriftToleranceSeconds:  2,
			OrphanThresholdMinutes: 30,
		},
		Sync: SyncConfig{
			IntervalSeconds: 30,
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:43218",
		},
		Sites: SitesConfig{
			Tracked: []string{},
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
	}
}

// ///////////////////////////////////////////////
// Example Configuration
// ///////////////////////////////////////////////

// ExampleConfig returns a Config suitable for generating config.default.toml.
// Tracked-site patterns get illustrative entries the defaults leave empty.
func ExampleConfig() *Config {
	cfg := DefaultConfig()
	cfg.Sites.Tracked = []string{"*.reddit.com", "news.ycombinator.com"}
	return cfg
}

// ///////////////////////////////////////////////
// PeekVersion
// ///////////////////////////////////////////////

// PeekVersion reads just the version field from raw TOML bytes.
// Returns 1 if the version field is missing or zero.
func PeekVersion(data []byte) int {
	var v struct {
		Version int `toml:"version"`
	}
	if err := toml.Unmarshal(data, &v); err != nil {
		return 1
	}
	if v.Version == 0 {
		return 1
	}
	return v.Version
}

// ///////////////////////////////////////////////
// Loading and Saving
// ///////////////////////////////////////////////

// Load reads and parses the configuration file from dataDir/config.toml.
// If the file doesn't exist, returns DefaultConfig.
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, paths.ConfigFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	version := PeekVersion(data)

	// Apply migrations if needed
	shouldMigrate := version != migrate.Config.CurrentVersion
	if shouldMigrate {
		// Write backup before migration
		if backupErr := os.WriteFile(path+".bak", data, 0o644); backupErr != nil {
			slog.Warn("failed to write config backup", "error", backupErr)
		}
		var migrateErr error
		data, _, migrateErr = migrate.Config.Run(data, version)
		if migrateErr != nil {
			return nil, fmt.Errorf("migrate config: %w", migrateErr)
		}
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Version = migrate.Config.CurrentVersion

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	// Re-save after migration
	if shouldMigrate {
		if err := cfg.Save(path); err != nil {
			slog.Warn("failed to save migrated config", "error", err)
		}
	}

	return cfg, nil
}

// Save writes the config to disk as TOML using atomic file write.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return atomicfile.Write(path, buf.Bytes(), 0o644)
}

// Materialize writes defaultTOML to dataDir/config.toml if none exists, so a
// first-run user has a commented starting point to edit. Returns the loaded
// config either way. The daemon passes the embedded config.default.toml here.
func Materialize(dataDir string, defaultTOML []byte) (*Config, error) {
	path := filepath.Join(dataDir, paths.ConfigFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		if err := atomicfile.Write(path, defaultTOML, 0o644); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		slog.Info("wrote default config", "path", path)
	}
	return Load(dataDir)
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks that all configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Account.ID == "" {
		return fmt.Errorf("account.id must not be empty")
	}
	if c.Account.Timezone != "" {
		if _, err := time.LoadLocation(c.Account.Timezone); err != nil {
			return fmt.Errorf("invalid account.timezone %q: %w", c.Account.Timezone, err)
		}
	}

	if u, err := url.Parse(c.Agent.BridgeURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid agent.bridge_url %q", c.Agent.BridgeURL)
	}
	if c.Agent.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("agent.request_timeout_seconds must be > 0, got %d", c.Agent.RequestTimeoutSeconds)
	}
	if c.Agent.RetryMax < 0 {
		return fmt.Errorf("agent.retry_max must be >= 0, got %d", c.Agent.RetryMax)
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.CooldownSeconds <= 0 {
		return fmt.Errorf("breaker.cooldown_seconds must be > 0, got %d", c.Breaker.CooldownSeconds)
	}
	if c.Breaker.MaxCooldownSeconds < c.Breaker.CooldownSeconds {
		return fmt.Errorf("breaker.max_cooldown_seconds must be >= cooldown_seconds, got %d", c.Breaker.MaxCooldownSeconds)
	}

	if c.Arbiter.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("arbiter.heartbeat_interval_seconds must be > 0, got %d", c.Arbiter.HeartbeatIntervalSeconds)
	}
	if c.Arbiter.HeartbeatTimeoutSeconds <= c.Arbiter.HeartbeatIntervalSeconds {
		return fmt.Errorf("arbiter.heartbeat_timeout_seconds must exceed the interval, got %d", c.Arbiter.HeartbeatTimeoutSeconds)
	}

	if c.Timer.DriftToleranceSeconds <= 0 {
		return fmt.Errorf("timer.drift_tolerance_seconds must be > 0, got %d", c.Timer.DriftToleranceSeconds)
	}
	if c.Timer.OrphanThresholdMinutes <= 0 {
		return fmt.Errorf("timer.orphan_threshold_minutes must be > 0, got %d", c.Timer.OrphanThresholdMinutes)
	}

	if c.Sync.IntervalSeconds <= 0 {
		return fmt.Errorf("sync.interval_seconds must be > 0, got %d", c.Sync.IntervalSeconds)
	}

	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log.level %q: must be trace, debug, info, warn, or error", c.Log.Level)
	}
	if c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log.max_size_mb must be > 0, got %d", c.Log.MaxSizeMB)
	}

	for _, pattern := range c.Sites.Tracked {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid sites.tracked pattern %q", pattern)
		}
	}

	return nil
}

// ///////////////////////////////////////////////
// Derived Settings
// ///////////////////////////////////////////////

// ReportingTimezone resolves the configured reporting timezone, falling back
// to the system's local zone name.
func (c *Config) ReportingTimezone() string {
	if c.Account.Timezone != "" {
		return c.Account.Timezone
	}
	return time.Now().Location().String()
}

// IsTrackedSite reports whether host matches any tracked-site pattern.
func (c *Config) IsTrackedSite(host string) bool {
	for _, pattern := range c.Sites.Tracked {
		matched, err := doublestar.Match(pattern, host)
		if err != nil {
			slog.Warn("invalid glob pattern", "pattern", pattern, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// AgentTimeout returns the per-request channel timeout as a duration.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.RequestTimeoutSeconds) * time.Second
}
