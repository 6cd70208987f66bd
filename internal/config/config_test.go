package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenUnset(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, LogBackendInmem, cfg.LogBackend)
	assert.Equal(t, BusBackendInmem, cfg.BusBackend)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
}

func TestLoad_ReadsOverridesFromEnv(t *testing.T) {
	t.Setenv("CONVERSATIOND_ADDR", ":9999")
	t.Setenv("CONVERSATIOND_LOG_BACKEND", "mongo")
	t.Setenv("CONVERSATIOND_BUS_BACKEND", "redis")
	t.Setenv("CONVERSATIOND_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("CONVERSATIOND_RPC_RATE_LIMIT", "10.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, LogBackendMongo, cfg.LogBackend)
	assert.Equal(t, BusBackendRedis, cfg.BusBackend)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10.5, cfg.RPCRateLimit)
}

func TestLoad_YAMLOverrideFileTakesPrecedenceOverUnmentionedFieldsStayingAtEnvDefault(t *testing.T) {
	t.Setenv("CONVERSATIOND_ADDR", ":9999")
	t.Setenv("CONVERSATIOND_RPC_RATE_LIMIT", "10.5")

	path := filepath.Join(t.TempDir(), "conversationd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":7000\"\nheartbeatInterval: \"30s\"\n"), 0o600))
	t.Setenv("CONVERSATIOND_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Addr, "override file's addr must win over the env value")
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval, "override file's heartbeatInterval must win")
	assert.Equal(t, 10.5, cfg.RPCRateLimit, "fields the override file doesn't mention keep their env value")
	assert.Equal(t, ":8081", cfg.HealthAddr, "fields the override file doesn't mention keep their default")
}

func TestLoad_InvalidYAMLOverrideFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversationd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: [not a string\n"), 0o600))
	t.Setenv("CONVERSATIOND_CONFIG_FILE", path)

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("CONVERSATIOND_LOG_BACKEND", "sqlite")
	_, err := Load()
	require.Error(t, err)
}
