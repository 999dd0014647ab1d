package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default config locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")            // Current directory
		v.AddConfigPath("./configs")    // Project configs directory
		v.AddConfigPath("/etc/rsguard") // System-wide config
	}

	setDefaults(v)

	// Enable environment variable overrides
	v.SetEnvPrefix("RSGUARD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; use defaults
			return parseConfig(v)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return parseConfig(v)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.http_port", 3000)

	// Protection defaults
	v.SetDefault("protection.data_shards", 4)
	v.SetDefault("protection.parity_shards", 2)
	v.SetDefault("protection.chunk_size", 1<<20)
	v.SetDefault("protection.debounce_window", "500ms")
	v.SetDefault("protection.stability_interval", "200ms")
	v.SetDefault("protection.max_concurrent_files", 4)

	// Storage defaults
	v.SetDefault("storage.data_dir", "./data")

	// Checker defaults
	v.SetDefault("checker.enabled", true)
	v.SetDefault("checker.interval", "1h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
}

// parseConfig parses viper config into Config struct
func parseConfig(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns default configuration.
// Watched directories have no sensible default and must come from the file.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			HTTPPort: 3000,
		},
		Protection: ProtectionConfig{
			WatchedDirectories: []string{"./watched"},
			DataShards:         4,
			ParityShards:       2,
			ChunkSize:          1 << 20,
			DebounceWindow:     500 * time.Millisecond,
			StabilityInterval:  200 * time.Millisecond,
			MaxConcurrentFiles: 4,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Checker: CheckerConfig{
			Enabled:  true,
			Interval: time.Hour,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
	}
}
