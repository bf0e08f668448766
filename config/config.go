// Package config provides configuration management for the application.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when the environment does not say otherwise.
const (
	DefaultPort             = "8080"
	DefaultDataDir          = "data"
	DefaultBodySizeLimit    = int64(10 * 1024 * 1024)
	DefaultMemoryMaxEntries = 1024
	DefaultMaxRetries       = 5
	DefaultInitialBackoff   = 2 * time.Second
	DefaultMaxBackoff       = 2 * time.Minute
	DefaultProbeInterval    = 15 * time.Second
	DefaultDebounce         = 2 * time.Second
)

// Config holds the application configuration.
type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Storage  StorageConfig
	Cache    CacheConfig
	Sync     SyncConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string
	MasterKey       string
	MetricsEnabled  bool
	MetricsEndpoint string
	BodySizeLimit   int64
}

// UpstreamConfig holds upstream API and connectivity-probe configuration.
type UpstreamConfig struct {
	URL           string
	ProbeURL      string
	ProbeInterval time.Duration
	Debounce      time.Duration
	PolicyFile    string
}

// StorageConfig holds the durable-store configuration for the action queue
// and drafts.
type StorageConfig struct {
	Type          string // "sqlite" or "postgresql"
	SQLitePath    string
	PostgreSQLURL string
}

// CacheConfig holds tiered-cache configuration.
type CacheConfig struct {
	DataDir           string
	MemoryMaxEntries  int
	PersistentBackend string // "leveldb" or "redis"
	RedisURL          string
}

// SyncConfig holds sync-coordinator configuration.
type SyncConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Load reads configuration from a .env file (optional) and the
// environment. UPSTREAM_URL is the only required setting.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // .env file is optional

	viper.SetDefault("PORT", DefaultPort)
	viper.SetDefault("DATA_DIR", DefaultDataDir)
	viper.SetDefault("BODY_SIZE_LIMIT", DefaultBodySizeLimit)
	viper.SetDefault("METRICS_ENABLED", true)
	viper.SetDefault("METRICS_ENDPOINT", "/metrics")
	viper.SetDefault("STORAGE_TYPE", "sqlite")
	viper.SetDefault("CACHE_BACKEND", "leveldb")
	viper.SetDefault("CACHE_MEMORY_MAX_ENTRIES", DefaultMemoryMaxEntries)
	viper.SetDefault("REDIS_URL", "redis://localhost:6379")
	viper.SetDefault("SYNC_MAX_RETRIES", DefaultMaxRetries)
	viper.SetDefault("SYNC_INITIAL_BACKOFF", DefaultInitialBackoff)
	viper.SetDefault("SYNC_MAX_BACKOFF", DefaultMaxBackoff)
	viper.SetDefault("PROBE_INTERVAL", DefaultProbeInterval)
	viper.SetDefault("CONNECTIVITY_DEBOUNCE", DefaultDebounce)

	viper.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Port:            viper.GetString("PORT"),
			MasterKey:       viper.GetString("MASTER_KEY"),
			MetricsEnabled:  viper.GetBool("METRICS_ENABLED"),
			MetricsEndpoint: viper.GetString("METRICS_ENDPOINT"),
			BodySizeLimit:   viper.GetInt64("BODY_SIZE_LIMIT"),
		},
		Upstream: UpstreamConfig{
			URL:           viper.GetString("UPSTREAM_URL"),
			ProbeURL:      viper.GetString("PROBE_URL"),
			ProbeInterval: viper.GetDuration("PROBE_INTERVAL"),
			Debounce:      viper.GetDuration("CONNECTIVITY_DEBOUNCE"),
			PolicyFile:    viper.GetString("POLICY_FILE"),
		},
		Storage: StorageConfig{
			Type:          viper.GetString("STORAGE_TYPE"),
			SQLitePath:    viper.GetString("SQLITE_PATH"),
			PostgreSQLURL: viper.GetString("POSTGRESQL_URL"),
		},
		Cache: CacheConfig{
			DataDir:           viper.GetString("DATA_DIR"),
			MemoryMaxEntries:  viper.GetInt("CACHE_MEMORY_MAX_ENTRIES"),
			PersistentBackend: viper.GetString("CACHE_BACKEND"),
			RedisURL:          viper.GetString("REDIS_URL"),
		},
		Sync: SyncConfig{
			MaxRetries:     viper.GetInt("SYNC_MAX_RETRIES"),
			InitialBackoff: viper.GetDuration("SYNC_INITIAL_BACKOFF"),
			MaxBackoff:     viper.GetDuration("SYNC_MAX_BACKOFF"),
		},
	}

	if cfg.Upstream.URL == "" {
		return nil, fmt.Errorf("UPSTREAM_URL is required")
	}
	// The upstream health endpoint doubles as the default probe target.
	if cfg.Upstream.ProbeURL == "" {
		cfg.Upstream.ProbeURL = cfg.Upstream.URL + "/health"
	}

	switch cfg.Storage.Type {
	case "sqlite", "postgresql":
	default:
		return nil, fmt.Errorf("unsupported STORAGE_TYPE: %s", cfg.Storage.Type)
	}
	if cfg.Storage.Type == "postgresql" && cfg.Storage.PostgreSQLURL == "" {
		return nil, fmt.Errorf("POSTGRESQL_URL is required when STORAGE_TYPE=postgresql")
	}

	switch cfg.Cache.PersistentBackend {
	case "leveldb", "redis":
	default:
		return nil, fmt.Errorf("unsupported CACHE_BACKEND: %s", cfg.Cache.PersistentBackend)
	}

	return cfg, nil
}
