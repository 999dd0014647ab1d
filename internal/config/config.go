package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Protection ProtectionConfig `mapstructure:"protection"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Checker    CheckerConfig    `mapstructure:"checker"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig represents the control-surface HTTP server configuration
type ServerConfig struct {
	Host     string `mapstructure:"host"`      // Bind address (e.g., 127.0.0.1)
	HTTPPort int    `mapstructure:"http_port"` // HTTP server port
}

// ProtectionConfig represents erasure-coding and ingestion configuration
type ProtectionConfig struct {
	WatchedDirectories []string      `mapstructure:"watched_directories"` // Roots under surveillance
	DataShards         int           `mapstructure:"data_shards"`         // N: data shards per chunk
	ParityShards       int           `mapstructure:"parity_shards"`       // M: parity shards per chunk; up to M losses are recoverable
	ChunkSize          int           `mapstructure:"chunk_size"`          // Fixed chunk size in bytes
	DebounceWindow     time.Duration `mapstructure:"debounce_window"`     // Quiescence window before a changed file is encoded
	StabilityInterval  time.Duration `mapstructure:"stability_interval"`  // Interval between the two size-stability polls
	MaxConcurrentFiles int           `mapstructure:"max_concurrent_files"` // Bound on files encoded in parallel
}

// StorageConfig represents metadata and shard storage configuration
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"` // Root for metadata DB and shard files
}

// CheckerConfig represents periodic integrity check configuration
type CheckerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`  // Enable the periodic check
	Interval time.Duration `mapstructure:"interval"` // Time between periodic checks
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, file path
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Protection.Validate(); err != nil {
		return fmt.Errorf("protection config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Checker.Validate(); err != nil {
		return fmt.Errorf("checker config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (c *ServerConfig) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.HTTPPort)
	}

	return nil
}

// Validate validates protection configuration
func (c *ProtectionConfig) Validate() error {
	if len(c.WatchedDirectories) == 0 {
		return fmt.Errorf("protection.watched_directories is required")
	}

	if c.DataShards < 1 {
		return fmt.Errorf("protection.data_shards must be at least 1")
	}

	if c.ParityShards < 1 {
		return fmt.Errorf("protection.parity_shards must be at least 1")
	}

	// GF(256) arithmetic limits the total shard count
	if c.DataShards+c.ParityShards > 256 {
		return fmt.Errorf("protection.data_shards + parity_shards cannot exceed 256")
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("protection.chunk_size must be positive")
	}

	if c.DebounceWindow <= 0 {
		return fmt.Errorf("protection.debounce_window must be positive")
	}

	if c.StabilityInterval <= 0 {
		return fmt.Errorf("protection.stability_interval must be positive")
	}

	if c.MaxConcurrentFiles < 1 {
		return fmt.Errorf("protection.max_concurrent_files must be at least 1")
	}

	return nil
}

// Validate validates storage configuration
func (c *StorageConfig) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}

	return nil
}

// Validate validates checker configuration
func (c *CheckerConfig) Validate() error {
	if c.Enabled && c.Interval <= 0 {
		return fmt.Errorf("checker.interval must be positive when enabled")
	}

	return nil
}

// Validate validates logging configuration
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}

	if !validFormats[c.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}

	return nil
}

// MetadataPath returns the path of the metadata database file
func (c *StorageConfig) MetadataPath() string {
	return filepath.Join(c.DataDir, "metadata.db")
}

// ShardDir returns the root directory for shard files
func (c *StorageConfig) ShardDir() string {
	return filepath.Join(c.DataDir, "shards")
}
