package server

import (
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-dev/livesync/pkg/auth"
	"github.com/vango-dev/livesync/pkg/debugbus"
	"github.com/vango-dev/livesync/pkg/protocol"
	"github.com/vango-dev/livesync/pkg/room"
	"github.com/vango-dev/livesync/pkg/upload"
)

// ConnectionConfig holds configuration for individual connections.
type ConnectionConfig struct {
	// Timeouts

	// ReadTimeout is the maximum time to wait for any frame from the client,
	// including WebSocket pongs. Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// HeartbeatInterval is the time between COMPONENT_PING rounds.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// RequestTimeout bounds server-initiated requests such as pings.
	// Default: 10 seconds.
	RequestTimeout time.Duration

	// Limits

	// MaxMessageSize is the maximum size of an incoming WebSocket message.
	// Default: protocol.MaxMessageSize.
	MaxMessageSize int64

	// SendQueueSize is the size of the outbound message buffer.
	// Default: 256.
	SendQueueSize int
}

// DefaultConnectionConfig returns a ConnectionConfig with sensible defaults.
func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		RequestTimeout:    10 * time.Second,
		MaxMessageSize:    protocol.MaxMessageSize,
		SendQueueSize:     256,
	}
}

// Clone returns a copy of the ConnectionConfig.
func (c *ConnectionConfig) Clone() *ConnectionConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

func (c *ConnectionConfig) fill() {
	d := DefaultConnectionConfig()
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
}

// Config holds configuration for the HTTP/WebSocket server.
type Config struct {
	// Address is the address to listen on (e.g., ":8080").
	// Default: ":8080".
	Address string

	// WebSocket buffer sizes

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin is called to validate the request origin.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// Connection is the configuration for individual connections.
	// Default: DefaultConnectionConfig().
	Connection *ConnectionConfig

	// MaxConnections is the maximum number of concurrent connections.
	// 0 means no limit.
	MaxConnections int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// ReadHeaderTimeout bounds reading request headers on the HTTP server.
	// Default: 10 seconds.
	ReadHeaderTimeout time.Duration

	// Components

	// RehydrationSecret signs component snapshots. Empty generates a
	// per-process secret, so snapshots do not survive a restart.
	RehydrationSecret []byte

	// RehydrationFreshness bounds the age of accepted snapshots.
	// Default: 24 hours.
	RehydrationFreshness time.Duration

	// Rooms holds defaults applied to rooms created on join.
	// Default: room.DefaultSystemConfig().Defaults.
	Rooms *room.Options

	// Uploads configures server-side upload sessions.
	// Default: upload.DefaultManagerConfig().
	Uploads *upload.ManagerConfig

	// UploadStore persists completed uploads.
	// Default: an in-memory store serving under /uploads.
	UploadStore upload.Store

	// Auth

	// AuthProvider validates AUTH messages and handshake tokens.
	// Nil leaves every connection anonymous.
	AuthProvider auth.Provider

	// AuthCookie is the cookie read for a handshake token.
	// Default: "session-token".
	AuthCookie string

	// Observability

	// Debug enables the debug event bus and the /live/debug stream.
	Debug bool

	// DebugBus overrides the bus created when Debug is set.
	DebugBus *debugbus.Config

	// MetricsRegistry receives the server's Prometheus collectors.
	// Default: a fresh registry per server.
	MetricsRegistry *prometheus.Registry
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:              ":8080",
		ReadBufferSize:       4096,
		WriteBufferSize:      4096,
		CheckOrigin:          SameOriginCheck,
		Connection:           DefaultConnectionConfig(),
		ShutdownTimeout:      30 * time.Second,
		ReadHeaderTimeout:    10 * time.Second,
		RehydrationFreshness: 24 * time.Hour,
		AuthCookie:           "session-token",
	}
}

// SameOriginCheck validates that the WebSocket request origin matches the host.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if r.Host == "" {
		return false
	}
	return originURL.Host == r.Host
}

// AllowAllOrigins accepts every origin. Use only in development.
func AllowAllOrigins(*http.Request) bool { return true }

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Connection = c.Connection.Clone()
	if c.RehydrationSecret != nil {
		clone.RehydrationSecret = append([]byte(nil), c.RehydrationSecret...)
	}
	if c.Rooms != nil {
		r := *c.Rooms
		clone.Rooms = &r
	}
	if c.Uploads != nil {
		u := *c.Uploads
		clone.Uploads = &u
	}
	return &clone
}

// WithAddress sets the server address and returns the config for chaining.
func (c *Config) WithAddress(addr string) *Config {
	c.Address = addr
	return c
}

// WithConnectionConfig sets the connection configuration and returns the config for chaining.
func (c *Config) WithConnectionConfig(cc *ConnectionConfig) *Config {
	c.Connection = cc
	return c
}

// WithMaxConnections sets the connection limit and returns the config for chaining.
func (c *Config) WithMaxConnections(max int) *Config {
	c.MaxConnections = max
	return c
}

// WithRehydrationSecret sets the snapshot signing secret and returns the config for chaining.
func (c *Config) WithRehydrationSecret(secret []byte) *Config {
	c.RehydrationSecret = secret
	return c
}

// WithAuthProvider sets the auth provider and returns the config for chaining.
func (c *Config) WithAuthProvider(p auth.Provider) *Config {
	c.AuthProvider = p
	return c
}

// WithDebug enables the debug bus and returns the config for chaining.
func (c *Config) WithDebug(on bool) *Config {
	c.Debug = on
	return c
}

// fill replaces zero values with defaults.
func (c *Config) fill() {
	d := DefaultConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = d.CheckOrigin
	}
	if c.Connection == nil {
		c.Connection = d.Connection
	}
	c.Connection.fill()
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = d.ReadHeaderTimeout
	}
	if c.RehydrationFreshness == 0 {
		c.RehydrationFreshness = d.RehydrationFreshness
	}
	if c.AuthCookie == "" {
		c.AuthCookie = d.AuthCookie
	}
}
