package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Empty(t, cfg.Sync.PeerAddress)
	assert.Equal(t, 5*time.Second, cfg.Sync.ReconnectInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PROJECTD_STORAGE_BACKEND", "file")
	t.Setenv("PROJECTD_DATA_DIR", "/var/lib/projectd")
	t.Setenv("PROJECTD_PEER_ADDR", "ws://sync.example:8080/sync")
	t.Setenv("PROJECTD_LISTEN_ADDR", ":9000")
	t.Setenv("PROJECTD_RECONNECT_INTERVAL", "30s")
	t.Setenv("PROJECTD_LOG_LEVEL", "debug")

	cfg := Load()
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/projectd", cfg.Storage.BasePath)
	assert.Equal(t, "ws://sync.example:8080/sync", cfg.Sync.PeerAddress)
	assert.Equal(t, ":9000", cfg.Sync.ListenAddress)
	assert.Equal(t, 30*time.Second, cfg.Sync.ReconnectInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_BadDurationKeepsDefault(t *testing.T) {
	t.Setenv("PROJECTD_RECONNECT_INTERVAL", "not-a-duration")
	cfg := Load()
	assert.Equal(t, 5*time.Second, cfg.Sync.ReconnectInterval)
}
