package config

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vango-dev/livesync/internal/errors"
	"github.com/vango-dev/livesync/pkg/auth"
	"github.com/vango-dev/livesync/pkg/debugbus"
	"github.com/vango-dev/livesync/pkg/room"
	"github.com/vango-dev/livesync/pkg/server"
	"github.com/vango-dev/livesync/pkg/upload"
)

const (
	// DefaultAddress is the default listen address.
	DefaultAddress = ":8080"

	// MinSecretLength is the shortest accepted signing secret, in bytes.
	MinSecretLength = 32

	// EnvRehydrationSecret overrides auth.rehydrationSecret.
	EnvRehydrationSecret = "LIVESYNC_REHYDRATION_SECRET"

	// EnvJWTSecret overrides auth.jwtSecret.
	EnvJWTSecret = "LIVESYNC_JWT_SECRET"
)

// FileNames are the config file names Load looks for, in order.
var FileNames = []string{"livesync.yaml", "livesync.yml", "livesync.json"}

// Upload store kinds.
const (
	StoreMemory = "memory"
	StoreDisk   = "disk"
	StoreS3     = "s3"
)

// Config is the livesync.yaml (or livesync.json) file.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Auth       AuthConfig       `yaml:"auth"`
	Rooms      RoomsConfig      `yaml:"rooms"`
	Uploads    UploadsConfig    `yaml:"uploads"`
	Debug      DebugConfig      `yaml:"debug"`
	Log        LogConfig        `yaml:"log"`

	// path is where the config was loaded from.
	path string
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Address         string   `yaml:"address,omitempty"`
	MaxConnections  int      `yaml:"maxConnections,omitempty"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout,omitempty"`

	// AllowAllOrigins disables the same-origin WebSocket check.
	AllowAllOrigins bool `yaml:"allowAllOrigins,omitempty"`
}

// ConnectionConfig holds per-connection timing.
type ConnectionConfig struct {
	ReadTimeout       Duration `yaml:"readTimeout,omitempty"`
	WriteTimeout      Duration `yaml:"writeTimeout,omitempty"`
	HeartbeatInterval Duration `yaml:"heartbeatInterval,omitempty"`
	RequestTimeout    Duration `yaml:"requestTimeout,omitempty"`
	SendQueueSize     int      `yaml:"sendQueueSize,omitempty"`
}

// AuthConfig holds credentials and snapshot signing settings.
type AuthConfig struct {
	// JWTSecret enables HS256 bearer tokens when set.
	JWTSecret string `yaml:"jwtSecret,omitempty"`
	Issuer    string `yaml:"issuer,omitempty"`
	Cookie    string `yaml:"cookie,omitempty"`

	RehydrationSecret    string   `yaml:"rehydrationSecret,omitempty"`
	RehydrationFreshness Duration `yaml:"rehydrationFreshness,omitempty"`
}

// RoomsConfig holds room defaults.
type RoomsConfig struct {
	TTL          Duration `yaml:"ttl,omitempty"`
	AutoDestroy  *bool    `yaml:"autoDestroy,omitempty"`
	DestroyGrace Duration `yaml:"destroyGrace,omitempty"`
}

// UploadsConfig selects and limits the upload store.
type UploadsConfig struct {
	Store        string   `yaml:"store,omitempty"`
	Dir          string   `yaml:"dir,omitempty"`
	BaseURL      string   `yaml:"baseUrl,omitempty"`
	MaxFileSize  int64    `yaml:"maxFileSize,omitempty"`
	MaxChunkSize int      `yaml:"maxChunkSize,omitempty"`
	AllowedTypes []string `yaml:"allowedTypes,omitempty"`
	IdleTimeout  Duration `yaml:"idleTimeout,omitempty"`
	S3           S3Config `yaml:"s3,omitempty"`
}

// S3Config configures the s3 store. Credentials come from the standard
// AWS environment variables when AccessKeyID is empty.
type S3Config struct {
	Bucket          string   `yaml:"bucket,omitempty"`
	Prefix          string   `yaml:"prefix,omitempty"`
	Region          string   `yaml:"region,omitempty"`
	Endpoint        string   `yaml:"endpoint,omitempty"`
	UsePathStyle    bool     `yaml:"usePathStyle,omitempty"`
	AccessKeyID     string   `yaml:"accessKeyId,omitempty"`
	SecretAccessKey string   `yaml:"secretAccessKey,omitempty"`
	URLExpiry       Duration `yaml:"urlExpiry,omitempty"`
}

// DebugConfig enables the debug event stream.
type DebugConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
	History int  `yaml:"history,omitempty"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level,omitempty"`

	// Format is text or json.
	Format string `yaml:"format,omitempty"`
}

// Duration is a time.Duration written as a string ("30s", "2m").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML parses a duration string. Bare integers are seconds.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string such as \"30s\"", n.Line)
	}
	v := strings.TrimSpace(n.Value)
	if v == "" {
		*d = 0
		return nil
	}
	if n.Tag == "!!int" {
		v += "s"
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", n.Line, n.Value)
	}
	if parsed < 0 {
		return fmt.Errorf("line %d: negative duration %q", n.Line, n.Value)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// New returns a Config with default values.
func New() *Config {
	autoDestroy := true
	return &Config{
		Server: ServerConfig{
			Address:         DefaultAddress,
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Connection: ConnectionConfig{
			ReadTimeout:       Duration(60 * time.Second),
			WriteTimeout:      Duration(10 * time.Second),
			HeartbeatInterval: Duration(30 * time.Second),
			RequestTimeout:    Duration(10 * time.Second),
			SendQueueSize:     256,
		},
		Auth: AuthConfig{
			Cookie:               "session-token",
			RehydrationFreshness: Duration(24 * time.Hour),
		},
		Rooms: RoomsConfig{
			AutoDestroy:  &autoDestroy,
			DestroyGrace: Duration(30 * time.Second),
		},
		Uploads: UploadsConfig{
			Store:        StoreMemory,
			BaseURL:      server.PathUploads,
			MaxFileSize:  100 << 20,
			MaxChunkSize: 4 << 20,
			IdleTimeout:  Duration(2 * time.Minute),
		},
		Debug: DebugConfig{History: 256},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// Find returns the first config file in dir, or "" if there is none.
func Find(dir string) string {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads the config file in dir.
func Load(dir string) (*Config, error) {
	path := Find(dir)
	if path == "" {
		return nil, errors.New("L100").
			WithDetail("No " + strings.Join(FileNames, ", ") + " in " + dir)
	}
	return LoadFile(path)
}

// LoadFile reads, defaults, overrides from the environment and validates
// the config at path. JSON files are read by the YAML decoder.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("L100").WithDetail(path + " does not exist").Wrap(err)
		}
		return nil, errors.New("L101").WithDetail(err.Error()).Wrap(err)
	}

	cfg, err := Parse(data)
	if err != nil {
		if e, ok := err.(*errors.Error); ok && e.Location == nil {
			e.WithLocationFromError(path, e.Wrapped)
		}
		return nil, err
	}
	cfg.path = path
	return cfg, nil
}

// Parse decodes a config document over the defaults, then applies
// environment overrides and validates.
func Parse(data []byte) (*Config, error) {
	cfg := New()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.New("L101").WithDetail(err.Error()).Wrap(err)
	}
	cfg.ApplyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvRehydrationSecret); v != "" {
		c.Auth.RehydrationSecret = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
}

func (c *Config) applyDefaults() {
	d := New()
	if c.Server.Address == "" {
		c.Server.Address = d.Server.Address
	}
	if c.Uploads.Store == "" {
		c.Uploads.Store = d.Uploads.Store
	}
	if c.Uploads.BaseURL == "" {
		c.Uploads.BaseURL = d.Uploads.BaseURL
	}
	if c.Rooms.AutoDestroy == nil {
		c.Rooms.AutoDestroy = d.Rooms.AutoDestroy
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// Validate checks values that cannot be caught by decoding.
func (c *Config) Validate() error {
	if _, port, err := net.SplitHostPort(c.Server.Address); err != nil || port == "" {
		return errors.New("L104").
			WithDetail(fmt.Sprintf("%q must be host:port or :port", c.Server.Address))
	}
	for name, secret := range map[string]string{
		"auth.rehydrationSecret": c.Auth.RehydrationSecret,
		"auth.jwtSecret":         c.Auth.JWTSecret,
	} {
		if secret != "" && len(secret) < MinSecretLength {
			return errors.New("L103").
				WithDetail(fmt.Sprintf("%s has %d bytes, need at least %d", name, len(secret), MinSecretLength))
		}
	}
	switch c.Uploads.Store {
	case StoreMemory:
	case StoreDisk:
		if c.Uploads.Dir == "" {
			return errors.New("L106").WithDetail("uploads.store is disk but uploads.dir is empty")
		}
	case StoreS3:
		if c.Uploads.S3.Bucket == "" {
			return errors.New("L106").WithDetail("uploads.store is s3 but uploads.s3.bucket is empty")
		}
	default:
		return errors.New("L105").WithDetail(fmt.Sprintf("%q", c.Uploads.Store))
	}
	if c.Server.MaxConnections < 0 || c.Connection.SendQueueSize < 0 ||
		c.Uploads.MaxFileSize < 0 || c.Uploads.MaxChunkSize < 0 || c.Debug.History < 0 {
		return errors.New("L107").WithDetail("limits must not be negative")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return errors.New("L107").WithDetail(err.Error())
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errors.New("L107").WithDetail(fmt.Sprintf("log.format %q is not text or json", c.Log.Format))
	}
	return nil
}

// Path returns where the config was loaded from.
func (c *Config) Path() string { return c.path }

// SaveTo writes the config as YAML.
func (c *Config) SaveTo(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Newf(errors.CategoryConfig, "write %s: %v", path, err).Wrap(err)
	}
	c.path = path
	return nil
}

// Marshal encodes the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	out.Auth.JWTSecret = mask(c.Auth.JWTSecret)
	out.Auth.RehydrationSecret = mask(c.Auth.RehydrationSecret)
	out.Uploads.S3.SecretAccessKey = mask(c.Uploads.S3.SecretAccessKey)
	return &out
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q is not debug, info, warn or error", s)
	}
	return lvl, nil
}

// Logger builds the slog logger described by the Log section.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	lvl, err := parseLevel(c.Log.Level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// UploadStore builds the configured file store.
func (c *Config) UploadStore() (upload.Store, error) {
	u := c.Uploads
	switch u.Store {
	case StoreDisk:
		store, err := upload.NewDiskStore(u.Dir, u.BaseURL, u.MaxFileSize)
		if err != nil {
			return nil, errors.New("L123").WithDetail(err.Error()).Wrap(err)
		}
		return store, nil
	case StoreS3:
		client := upload.NewS3Client(upload.S3ClientConfig{
			Region:          u.S3.Region,
			Endpoint:        u.S3.Endpoint,
			AccessKeyID:     u.S3.AccessKeyID,
			SecretAccessKey: u.S3.SecretAccessKey,
			UsePathStyle:    u.S3.UsePathStyle,
		})
		return upload.NewS3Store(client, upload.S3Config{
			Bucket:    u.S3.Bucket,
			Prefix:    u.S3.Prefix,
			URLExpiry: u.S3.URLExpiry.Std(),
			MaxSize:   u.MaxFileSize,
		}), nil
	default:
		return upload.NewMemoryStore(u.BaseURL), nil
	}
}

// ToServerConfig converts the file config into a server.Config.
func (c *Config) ToServerConfig() (*server.Config, error) {
	store, err := c.UploadStore()
	if err != nil {
		return nil, err
	}

	sc := server.DefaultConfig().
		WithAddress(c.Server.Address).
		WithMaxConnections(c.Server.MaxConnections).
		WithDebug(c.Debug.Enabled)
	sc.ShutdownTimeout = c.Server.ShutdownTimeout.Std()
	if c.Server.AllowAllOrigins {
		sc.CheckOrigin = server.AllowAllOrigins
	}

	cc := server.DefaultConnectionConfig()
	cc.ReadTimeout = c.Connection.ReadTimeout.Std()
	cc.WriteTimeout = c.Connection.WriteTimeout.Std()
	cc.HeartbeatInterval = c.Connection.HeartbeatInterval.Std()
	cc.RequestTimeout = c.Connection.RequestTimeout.Std()
	cc.SendQueueSize = c.Connection.SendQueueSize
	sc.WithConnectionConfig(cc)

	if c.Auth.RehydrationSecret != "" {
		sc.WithRehydrationSecret([]byte(c.Auth.RehydrationSecret))
	}
	sc.RehydrationFreshness = c.Auth.RehydrationFreshness.Std()
	sc.AuthCookie = c.Auth.Cookie
	if c.Auth.JWTSecret != "" {
		var opts []auth.JWTOption
		if c.Auth.Issuer != "" {
			opts = append(opts, auth.WithIssuer(c.Auth.Issuer))
		}
		sc.WithAuthProvider(auth.NewJWTProvider([]byte(c.Auth.JWTSecret), opts...))
	}

	sc.Rooms = &room.Options{
		TTL:          c.Rooms.TTL.Std(),
		AutoDestroy:  c.Rooms.AutoDestroy == nil || *c.Rooms.AutoDestroy,
		DestroyGrace: c.Rooms.DestroyGrace.Std(),
	}

	up := upload.DefaultManagerConfig()
	up.MaxFileSize = c.Uploads.MaxFileSize
	up.MaxChunkSize = c.Uploads.MaxChunkSize
	up.AllowedTypes = c.Uploads.AllowedTypes
	up.IdleTimeout = c.Uploads.IdleTimeout.Std()
	sc.Uploads = up
	sc.UploadStore = store

	if c.Debug.Enabled {
		sc.DebugBus = &debugbus.Config{Enabled: true, History: c.Debug.History}
	}
	return sc, nil
}
