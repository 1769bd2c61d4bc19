package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load[HTTP]()
	require.NoError(t, err)
	assert.Equal(t, ":8001", cfg.Addr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "simple-calculator", cfg.ServerName)
	assert.False(t, cfg.Auth.Enabled())
}

func TestLoadStatefulFromEnv(t *testing.T) {
	t.Setenv("MCP_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("MCP_JSON_RESPONSE", "true")
	t.Setenv("MCP_EVENT_STORE", "sqlite")
	t.Setenv("MCP_EVENT_RETENTION", "30m")

	cfg, err := LoadStateful()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Addr)
	assert.True(t, cfg.JSONResponse)
	assert.Equal(t, BackendSQLite, cfg.EventStore.Backend)
	assert.Equal(t, 30*time.Minute, cfg.EventStore.Retention)
}

func TestLoadStatefulRejectsUnknownBackend(t *testing.T) {
	t.Setenv("MCP_EVENT_STORE", "cassandra")
	_, err := LoadStateful()
	assert.Error(t, err)
}

func TestAuthEnabled(t *testing.T) {
	t.Setenv("MCP_AUTH_HS256_SECRET", "s3cret")
	cfg, err := Load[Streamable]()
	require.NoError(t, err)
	assert.True(t, cfg.Auth.Enabled())
	assert.Equal(t, ":8002", cfg.Addr)
}
