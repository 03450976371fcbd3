package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Remote    RemoteConfig    `yaml:"remote"`
	Cache     CacheConfig     `yaml:"cache"`
	Queue     QueueConfig     `yaml:"queue"`
	Sync      SyncConfig      `yaml:"sync"`
	Backup    BackupConfig    `yaml:"backup"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig contains settings for the local HTTP surface.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	APIKey          string   `yaml:"-"` // env-only, never in YAML
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains local persistence settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig points at the authoritative server-side store.
type RemoteConfig struct {
	URL          string   `yaml:"url"`
	APIKey       string   `yaml:"-"` // env-only, never in YAML
	PingInterval Duration `yaml:"ping_interval"`
	FeedBackoff  Duration `yaml:"feed_backoff"`
}

// CacheConfig tunes the local row store.
type CacheConfig struct {
	TTL              Duration `yaml:"ttl"`
	ProtectionWindow Duration `yaml:"protection_window"`
	DebounceWindow   Duration `yaml:"debounce_window"`
	QueryTimeout     Duration `yaml:"query_timeout"`
	FrequencyWeight  float64  `yaml:"frequency_weight"`
	RecencyWeight    float64  `yaml:"recency_weight"`
	QuotaBytes       int64    `yaml:"quota_bytes"`
}

// QueueConfig tunes the offline mutation queue.
type QueueConfig struct {
	Capacity    int64    `yaml:"capacity"`
	MaxRetries  int      `yaml:"max_retries"`
	BackoffBase Duration `yaml:"backoff_base"`
	Retention   Duration `yaml:"retention"`
}

// SyncConfig tunes the sync engine and its coordinators.
type SyncConfig struct {
	Tables             []string `yaml:"tables"`
	Interval           Duration `yaml:"interval"`
	FullSyncInterval   Duration `yaml:"full_sync_interval"`
	PageSize           int      `yaml:"page_size"`
	StreamingThreshold int64    `yaml:"streaming_threshold"`
	IncrementalCutoff  int64    `yaml:"incremental_cutoff"`
	MaxConcurrent      int      `yaml:"max_concurrent"`
	PurgeInterval      Duration `yaml:"purge_interval"`
}

// BackupConfig configures the secondary queue mirror. An empty bucket and an
// empty file path disable it.
type BackupConfig struct {
	FilePath  string `yaml:"file_path"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// BroadcastConfig configures the same-device cross-context channel. An empty
// spool path keeps broadcasts in-process.
type BroadcastConfig struct {
	SpoolPath    string   `yaml:"spool_path"`
	PollInterval Duration `yaml:"poll_interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("RELAY_CONFIG_PATH", "config/relay.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8390,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/relay.db",
		},
		Remote: RemoteConfig{
			PingInterval: Duration(30 * time.Second),
			FeedBackoff:  Duration(5 * time.Second),
		},
		Cache: CacheConfig{
			TTL:              Duration(15 * time.Minute),
			ProtectionWindow: Duration(5 * time.Minute),
			DebounceWindow:   Duration(100 * time.Millisecond),
			QueryTimeout:     Duration(500 * time.Millisecond),
			FrequencyWeight:  0.7,
			RecencyWeight:    0.3,
		},
		Queue: QueueConfig{
			Capacity:    1000,
			MaxRetries:  3,
			BackoffBase: Duration(1 * time.Second),
			Retention:   Duration(7 * 24 * time.Hour),
		},
		Sync: SyncConfig{
			Interval:           Duration(5 * time.Minute),
			FullSyncInterval:   Duration(24 * time.Hour),
			PageSize:           500,
			StreamingThreshold: 1000,
			IncrementalCutoff:  5000,
			MaxConcurrent:      2,
			PurgeInterval:      Duration(1 * time.Hour),
		},
		Broadcast: BroadcastConfig{
			PollInterval: Duration(250 * time.Millisecond),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RELAY_LOCAL_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("RELAY_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote
	if v := os.Getenv("RELAY_REMOTE_URL"); v != "" {
		cfg.Remote.URL = v
	}
	if v := os.Getenv("RELAY_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("RELAY_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.PingInterval = Duration(d)
		}
	}

	// Cache
	if v := os.Getenv("RELAY_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = Duration(d)
		}
	}
	if v := os.Getenv("RELAY_QUOTA_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Cache.QuotaBytes = n
		}
	}

	// Queue
	if v := os.Getenv("RELAY_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Queue.Capacity = n
		}
	}
	if v := os.Getenv("RELAY_QUEUE_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.Retention = Duration(d)
		}
	}

	// Sync
	if v := os.Getenv("RELAY_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration(d)
		}
	}
	if v := os.Getenv("RELAY_FULL_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.FullSyncInterval = Duration(d)
		}
	}
	if v := os.Getenv("RELAY_SYNC_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PageSize = n
		}
	}
	if v := os.Getenv("RELAY_INCREMENTAL_CUTOFF"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Sync.IncrementalCutoff = n
		}
	}

	// Backup
	if v := os.Getenv("RELAY_BACKUP_FILE"); v != "" {
		cfg.Backup.FilePath = v
	}
	if v := os.Getenv("RELAY_BACKUP_ENDPOINT"); v != "" {
		cfg.Backup.Endpoint = v
	}
	if v := os.Getenv("RELAY_BACKUP_BUCKET"); v != "" {
		cfg.Backup.Bucket = v
	}
	if v := os.Getenv("RELAY_BACKUP_ACCESS_KEY"); v != "" {
		cfg.Backup.AccessKey = v
	}
	if v := os.Getenv("RELAY_BACKUP_SECRET_KEY"); v != "" {
		cfg.Backup.SecretKey = v
	}

	// Broadcast
	if v := os.Getenv("RELAY_BROADCAST_SPOOL"); v != "" {
		cfg.Broadcast.SpoolPath = v
	}

	// Log
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RELAY_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that configuration values are coherent. Offline-only use
// (no remote URL) is valid; the engine then serves the local store and
// queues writes until a remote is configured.
func (c *Config) validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Remote.URL != "" && c.Remote.APIKey == "" {
		return errors.New("RELAY_API_KEY is required when remote.url is set")
	}
	if len(c.Sync.Tables) == 0 {
		return errors.New("sync.tables must name at least one replicated table")
	}
	if c.Cache.FrequencyWeight < 0 || c.Cache.RecencyWeight < 0 {
		return errors.New("cache eviction weights must be non-negative")
	}
	if c.Queue.Capacity <= 0 {
		return errors.New("queue.capacity must be positive")
	}
	if c.Sync.PageSize <= 0 {
		return errors.New("sync.page_size must be positive")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
