// Package config holds runtime configuration for the project-state driver,
// its storage backend, and its sync transport.
package config

import (
	"os"
	"time"
)

// Config aggregates every sub-config this process needs.
type Config struct {
	Storage StorageConfig `json:"storage"`
	Sync    SyncConfig    `json:"sync"`
	Logging LoggingConfig `json:"logging"`
}

// StorageConfig selects and configures the content-addressed storage
// backend.
type StorageConfig struct {
	Backend  string `json:"backend"`   // "memory" or "file"
	BasePath string `json:"base_path"` // used when Backend == "file"
}

// SyncConfig configures the peer sync transport. Endpoints are always
// configuration-driven, never hardcoded.
type SyncConfig struct {
	PeerAddress       string        `json:"peer_address"`
	ListenAddress     string        `json:"listen_address"`
	ReconnectInterval time.Duration `json:"reconnect_interval"`
}

// LoggingConfig holds the log level read from PROJECTD_LOG_LEVEL. The
// projectd command builds its logger with zap's development settings and
// does not apply this level.
type LoggingConfig struct {
	Level string `json:"level"`
}

// Default returns the configuration used by tests and the local demo: an
// in-memory store, no peer configured, info-level logging.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:  "memory",
			BasePath: "./data/projectd",
		},
		Sync: SyncConfig{
			PeerAddress:       "",
			ListenAddress:     "",
			ReconnectInterval: 5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds a Config from environment variables, falling back to Default
// for anything unset.
func Load() *Config {
	cfg := Default()

	if v := os.Getenv("PROJECTD_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("PROJECTD_DATA_DIR"); v != "" {
		cfg.Storage.BasePath = v
	}
	if v := os.Getenv("PROJECTD_PEER_ADDR"); v != "" {
		cfg.Sync.PeerAddress = v
	}
	if v := os.Getenv("PROJECTD_LISTEN_ADDR"); v != "" {
		cfg.Sync.ListenAddress = v
	}
	if v := os.Getenv("PROJECTD_RECONNECT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.ReconnectInterval = d
		}
	}
	if v := os.Getenv("PROJECTD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg
}
