package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables. A missing
// file leaves the defaults in place.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(configPath); statErr == nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("FIELDSTORE_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if user := os.Getenv("FIELDSTORE_USER"); user != "" {
		cfg.Server.User = user
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}

	if target := os.Getenv("SYNC_TARGET"); target != "" {
		cfg.Sync.Target = target
	}
	if project := os.Getenv("SYNC_PROJECT"); project != "" {
		cfg.Sync.Project = project
	}
	if password := os.Getenv("SYNC_PASSWORD"); password != "" {
		cfg.Sync.Password = password
	}
	if delay := os.Getenv("SYNC_RETRY_DELAY"); delay != "" {
		if d, err := time.ParseDuration(delay); err == nil {
			cfg.Sync.RetryDelay = d
		}
	}
	if password := os.Getenv("REPLICATION_PASSWORD"); password != "" {
		cfg.Replication.Password = password
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
