// Package config loads the environment-driven settings of the calculator
// servers using envdecode struct tags.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Common settings shared by every server variant.
type Common struct {
	LogLevel      string `env:"MCP_LOG_LEVEL,default=info"`
	LogFormat     string `env:"MCP_LOG_FORMAT,default=text"`
	ServerName    string `env:"MCP_SERVER_NAME,default=simple-calculator"`
	ServerVersion string `env:"MCP_SERVER_VERSION,default=1.0.0"`
}

// Auth configures optional bearer token checks on HTTP variants. All empty
// means authentication is disabled.
type Auth struct {
	HS256Secret string `env:"MCP_AUTH_HS256_SECRET"`
	JWKSURL     string `env:"MCP_AUTH_JWKS_URL"`
	Issuer      string `env:"MCP_AUTH_ISSUER"`
	Audience    string `env:"MCP_AUTH_AUDIENCE"`
}

// Enabled reports whether any authentication mode is configured.
func (a Auth) Enabled() bool {
	return a.HS256Secret != "" || a.JWKSURL != "" || a.Issuer != ""
}

// EventStore selects and configures the resumability backend.
type EventStore struct {
	Backend        string        `env:"MCP_EVENT_STORE,default=memory"`
	Retention      time.Duration `env:"MCP_EVENT_RETENTION,default=0s"`
	SweepInterval  time.Duration `env:"MCP_EVENT_SWEEP_INTERVAL,default=1m"`
	SQLitePath     string        `env:"MCP_SQLITE_PATH,default=data/events.db"`
	RedisAddr      string        `env:"REDIS_ADDR,default=localhost:6379"`
	RedisKeyPrefix string        `env:"EVENTSTORE_KEY_PREFIX,default=mcp:events:"`
}

// Event store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Validate rejects unknown backends.
func (e EventStore) Validate() error {
	switch e.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
		return nil
	default:
		return fmt.Errorf("unknown event store backend %q", e.Backend)
	}
}

// STDIO configures the stdio server.
type STDIO struct {
	Common
}

// HTTP configures the hand-rolled JSON-RPC over HTTP server.
type HTTP struct {
	Common
	Addr string `env:"MCP_HTTP_ADDR,default=:8001"`
	Auth Auth
}

// Streamable configures the stateless streamable HTTP server.
type Streamable struct {
	Common
	Addr         string `env:"MCP_HTTP_ADDR,default=:8002"`
	JSONResponse bool   `env:"MCP_JSON_RESPONSE,default=false"`
	Auth         Auth
}

// Stateful configures the streamable HTTP server with sessions and an event store.
type Stateful struct {
	Common
	Addr         string `env:"MCP_HTTP_ADDR,default=:8003"`
	JSONResponse bool   `env:"MCP_JSON_RESPONSE,default=false"`
	Auth         Auth
	EventStore   EventStore
}

// Load decodes the environment into a new T. Missing variables fall back to
// the defaults in the struct tags.
func Load[T any]() (*T, error) {
	var cfg T
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// LoadStateful decodes and validates the stateful server configuration.
func LoadStateful() (*Stateful, error) {
	cfg, err := Load[Stateful]()
	if err != nil {
		return nil, err
	}
	if err := cfg.EventStore.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
