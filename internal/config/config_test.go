package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vango-dev/livesync/internal/errors"
	"github.com/vango-dev/livesync/pkg/upload"
)

const secret32 = "0123456789abcdef0123456789abcdef"

func TestNew(t *testing.T) {
	cfg := New()

	if cfg.Server.Address != DefaultAddress {
		t.Errorf("Server.Address = %q, want %q", cfg.Server.Address, DefaultAddress)
	}
	if cfg.Connection.HeartbeatInterval.Std() != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.Connection.HeartbeatInterval.Std())
	}
	if cfg.Uploads.Store != StoreMemory {
		t.Errorf("Uploads.Store = %q, want memory", cfg.Uploads.Store)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(dir); !stderrors.Is(err, errors.New("L100")) {
		t.Fatalf("Load(empty dir) = %v, want L100", err)
	}

	content := `
server:
  address: "127.0.0.1:9000"
  maxConnections: 500
connection:
  heartbeatInterval: 15s
  requestTimeout: 5
rooms:
  ttl: 1h
  autoDestroy: false
uploads:
  store: disk
  dir: ` + filepath.Join(dir, "files") + `
  allowedTypes: ["image/*"]
log:
  level: debug
  format: json
`
	path := filepath.Join(dir, "livesync.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q, want %q", cfg.Path(), path)
	}
	if cfg.Server.Address != "127.0.0.1:9000" || cfg.Server.MaxConnections != 500 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Connection.HeartbeatInterval.Std() != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.Connection.HeartbeatInterval.Std())
	}
	if cfg.Connection.RequestTimeout.Std() != 5*time.Second {
		t.Errorf("bare integer duration = %v, want 5s", cfg.Connection.RequestTimeout.Std())
	}
	// Unset keys keep their defaults.
	if cfg.Connection.WriteTimeout.Std() != 10*time.Second {
		t.Errorf("WriteTimeout = %v, want default 10s", cfg.Connection.WriteTimeout.Std())
	}
	if cfg.Rooms.AutoDestroy == nil || *cfg.Rooms.AutoDestroy {
		t.Error("rooms.autoDestroy: false was not honored")
	}
	if cfg.Rooms.TTL.Std() != time.Hour {
		t.Errorf("Rooms.TTL = %v", cfg.Rooms.TTL.Std())
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	content := `{"server": {"address": ":7000"}, "debug": {"enabled": true, "history": 64}}`
	if err := os.WriteFile(filepath.Join(dir, "livesync.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":7000" || !cfg.Debug.Enabled || cfg.Debug.History != 64 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestFindPrefersYAML(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"livesync.json", "livesync.yaml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if got := Find(dir); filepath.Base(got) != "livesync.yaml" {
		t.Errorf("Find = %q, want livesync.yaml", got)
	}
}

func TestLoadFileParseErrorHasLocation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "livesync.yaml")
	content := "server:\n  address: \":8080\"\nconnection:\n  readTimeout: soon\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFile(path)
	var e *errors.Error
	if !stderrors.As(err, &e) {
		t.Fatalf("LoadFile error = %T %v, want *errors.Error", err, err)
	}
	if e.Code != "L101" {
		t.Errorf("Code = %q, want L101", e.Code)
	}
	if e.Location == nil || e.Location.Line != 4 {
		t.Fatalf("Location = %+v, want line 4", e.Location)
	}
	if !strings.Contains(e.Detail, `invalid duration "soon"`) {
		t.Errorf("Detail = %q", e.Detail)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		code   string
	}{
		{"address without port", func(c *Config) { c.Server.Address = "localhost" }, "L104"},
		{"short rehydration secret", func(c *Config) { c.Auth.RehydrationSecret = "short" }, "L103"},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "L103"},
		{"unknown store", func(c *Config) { c.Uploads.Store = "ftp" }, "L105"},
		{"disk without dir", func(c *Config) { c.Uploads.Store = StoreDisk }, "L106"},
		{"s3 without bucket", func(c *Config) { c.Uploads.Store = StoreS3 }, "L106"},
		{"negative limit", func(c *Config) { c.Server.MaxConnections = -1 }, "L107"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "L107"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "L107"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !stderrors.Is(err, errors.New(tt.code)) {
				t.Errorf("Validate() = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvRehydrationSecret, secret32)
	t.Setenv(EnvJWTSecret, secret32+"jwt")

	cfg, err := Parse([]byte("auth:\n  rehydrationSecret: from-file-but-too-short\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Auth.RehydrationSecret != secret32 {
		t.Errorf("RehydrationSecret = %q, want env value", cfg.Auth.RehydrationSecret)
	}
	if cfg.Auth.JWTSecret != secret32+"jwt" {
		t.Errorf("JWTSecret = %q, want env value", cfg.Auth.JWTSecret)
	}
}

func TestToServerConfig(t *testing.T) {
	cfg := New()
	cfg.Server.Address = ":9999"
	cfg.Server.AllowAllOrigins = true
	cfg.Connection.RequestTimeout = Duration(3 * time.Second)
	cfg.Auth.RehydrationSecret = secret32
	cfg.Auth.JWTSecret = secret32
	cfg.Debug.Enabled = true
	cfg.Uploads.MaxFileSize = 1024

	sc, err := cfg.ToServerConfig()
	if err != nil {
		t.Fatalf("ToServerConfig: %v", err)
	}
	if sc.Address != ":9999" || !sc.Debug {
		t.Errorf("server config = %+v", sc)
	}
	if sc.Connection.RequestTimeout != 3*time.Second {
		t.Errorf("RequestTimeout = %v", sc.Connection.RequestTimeout)
	}
	if string(sc.RehydrationSecret) != secret32 {
		t.Error("rehydration secret not carried over")
	}
	if sc.AuthProvider == nil {
		t.Error("jwt secret did not enable an auth provider")
	}
	if sc.CheckOrigin == nil || !sc.CheckOrigin(nil) {
		t.Error("allowAllOrigins not applied")
	}
	if sc.Uploads == nil || sc.Uploads.MaxFileSize != 1024 {
		t.Errorf("Uploads = %+v", sc.Uploads)
	}
	if _, ok := sc.UploadStore.(*upload.MemoryStore); !ok {
		t.Errorf("UploadStore = %T, want *upload.MemoryStore", sc.UploadStore)
	}
	if sc.Rooms == nil || !sc.Rooms.AutoDestroy {
		t.Errorf("Rooms = %+v", sc.Rooms)
	}
}

func TestUploadStoreDisk(t *testing.T) {
	cfg := New()
	cfg.Uploads.Store = StoreDisk
	cfg.Uploads.Dir = filepath.Join(t.TempDir(), "nested", "files")

	store, err := cfg.UploadStore()
	if err != nil {
		t.Fatalf("UploadStore: %v", err)
	}
	if _, ok := store.(*upload.DiskStore); !ok {
		t.Errorf("store = %T, want *upload.DiskStore", store)
	}
	if _, err := os.Stat(cfg.Uploads.Dir); err != nil {
		t.Errorf("disk store did not create its directory: %v", err)
	}
}

func TestSaveRoundTripAndRedacted(t *testing.T) {
	cfg := New()
	cfg.Auth.RehydrationSecret = secret32
	cfg.Connection.HeartbeatInterval = Duration(45 * time.Second)

	path := filepath.Join(t.TempDir(), "livesync.yaml")
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if loaded.Connection.HeartbeatInterval.Std() != 45*time.Second {
		t.Errorf("HeartbeatInterval = %v after round trip", loaded.Connection.HeartbeatInterval.Std())
	}

	red := loaded.Redacted()
	if red.Auth.RehydrationSecret == secret32 || loaded.Auth.RehydrationSecret != secret32 {
		t.Error("Redacted must mask the copy and leave the original intact")
	}
	out, err := red.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), secret32) {
		t.Error("marshaled redacted config leaks the secret")
	}
	if !strings.Contains(string(out), "heartbeatInterval: 45s") {
		t.Errorf("durations should marshal as strings:\n%s", out)
	}
}
