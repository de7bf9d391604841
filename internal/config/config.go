package config

import (
	"errors"
	"time"
)

// Config represents the fieldstore node configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Index       IndexConfig       `mapstructure:"index"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Changes     ChangesConfig     `mapstructure:"changes"`
	Conflicts   ConflictsConfig   `mapstructure:"conflicts"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	NodeID          string        `mapstructure:"node_id"`
	User            string        `mapstructure:"user"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RequestsPerSecond limits API traffic; zero disables the limiter
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// StorageConfig represents engine and datastore configuration
type StorageConfig struct {
	DataDir            string        `mapstructure:"data_dir"`
	SegmentSize        int64         `mapstructure:"segment_size"`
	SyncWrites         bool          `mapstructure:"sync_writes"`
	CompactionInterval time.Duration `mapstructure:"compaction_interval"`
	TombstoneCapacity  int           `mapstructure:"tombstone_capacity"`
	TombstoneGrace     time.Duration `mapstructure:"tombstone_grace"`
	FeedBuffer         int           `mapstructure:"feed_buffer"`
}

// IndexConfig represents constraint index configuration
type IndexConfig struct {
	// DefinitionsFile overrides the built-in index definitions
	DefinitionsFile string `mapstructure:"definitions_file"`
}

// CacheConfig represents document cache configuration
type CacheConfig struct {
	MaxEntries      int           `mapstructure:"max_entries"`
	FrequencyWeight float64       `mapstructure:"frequency_weight"`
	RecencyWeight   float64       `mapstructure:"recency_weight"`
	AdaptiveWindow  time.Duration `mapstructure:"adaptive_window"`
}

// ChangesConfig represents changes stream configuration
type ChangesConfig struct {
	NotificationBuffer int `mapstructure:"notification_buffer"`
}

// ConflictsConfig represents conflict resolution configuration
type ConflictsConfig struct {
	AutoResolve   bool          `mapstructure:"auto_resolve"`
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SyncConfig represents sync target configuration
type SyncConfig struct {
	Target     string        `mapstructure:"target"`
	Project    string        `mapstructure:"project"`
	Password   string        `mapstructure:"password"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// ReplicationConfig represents replication peer and client configuration
type ReplicationConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Password          string        `mapstructure:"password"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	BatchSize         int           `mapstructure:"batch_size"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	CollectInterval time.Duration `mapstructure:"collect_interval"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	if c.Server.User == "" {
		return errors.New("server.user is required")
	}
	if c.Server.RequestsPerSecond < 0 {
		return errors.New("server.requests_per_second must not be negative")
	}
	if c.Server.RequestsPerSecond > 0 && c.Server.Burst <= 0 {
		c.Server.Burst = int(c.Server.RequestsPerSecond) + 1
	}
	if c.Storage.SegmentSize < 0 {
		return errors.New("storage.segment_size must not be negative")
	}
	if c.Cache.MaxEntries < 0 {
		return errors.New("cache.max_entries must not be negative")
	}
	if c.Cache.FrequencyWeight < 0 || c.Cache.RecencyWeight < 0 {
		return errors.New("cache weights must not be negative")
	}
	if c.Conflicts.Workers <= 0 {
		return errors.New("conflicts.workers must be positive")
	}
	if c.Sync.Target != "" && c.Sync.Project == "" {
		return errors.New("sync.project is required when sync.target is set")
	}
	if c.Sync.RetryDelay <= 0 {
		c.Sync.RetryDelay = 5 * time.Second
	}
	if c.Replication.Enabled && c.Sync.Project == "" {
		return errors.New("sync.project names the served database and is required when replication is enabled")
	}
	if c.Storage.CompactionInterval <= 0 {
		c.Storage.CompactionInterval = time.Hour
	}
	if c.Cache.AdaptiveWindow <= 0 {
		c.Cache.AdaptiveWindow = time.Minute
	}
	if c.Metrics.CollectInterval <= 0 {
		c.Metrics.CollectInterval = 30 * time.Second
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return errors.New("logging.format must be one of: json, console")
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			NodeID:          "fieldstore-1",
			User:            "anonymous",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:            "./data",
			SegmentSize:        64 << 20,
			SyncWrites:         false,
			CompactionInterval: time.Hour,
			TombstoneCapacity:  10000,
			TombstoneGrace:     time.Minute,
			FeedBuffer:         256,
		},
		Cache: CacheConfig{
			MaxEntries:      5000,
			FrequencyWeight: 0.5,
			RecencyWeight:   0.5,
			AdaptiveWindow:  time.Minute,
		},
		Changes: ChangesConfig{
			NotificationBuffer: 64,
		},
		Conflicts: ConflictsConfig{
			AutoResolve:   true,
			Workers:       4,
			QueueSize:     128,
			SweepInterval: 10 * time.Minute,
		},
		Sync: SyncConfig{
			RetryDelay: 5 * time.Second,
		},
		Replication: ReplicationConfig{
			Enabled:           false,
			PollInterval:      10 * time.Second,
			RequestTimeout:    30 * time.Second,
			RequestsPerSecond: 50,
			Burst:             10,
			BatchSize:         100,
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			Path:            "/metrics",
			CollectInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}
