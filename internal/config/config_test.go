package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Node.Name != "P2PNode" {
		t.Errorf("Node.Name = %q, want %q", cfg.Node.Name, "P2PNode")
	}
	if cfg.Scan.Interval != 10*time.Second {
		t.Errorf("Scan.Interval = %v, want 10s", cfg.Scan.Interval)
	}
	if cfg.Scan.Window != 8*time.Second {
		t.Errorf("Scan.Window = %v, want 8s", cfg.Scan.Window)
	}
	if cfg.Exchange.Interval != 5*time.Second {
		t.Errorf("Exchange.Interval = %v, want 5s", cfg.Exchange.Interval)
	}
	if cfg.Exchange.HistoryPolicy != "accepted" {
		t.Errorf("Exchange.HistoryPolicy = %q, want %q", cfg.Exchange.HistoryPolicy, "accepted")
	}
	if len(cfg.Scan.AllowList) != 5 {
		t.Errorf("Scan.AllowList length = %d, want 5", len(cfg.Scan.AllowList))
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
node:
  name: Greenhouse-Relay
scan:
  interval: 20s
  window: 15s
  allow_list: ["Greenhouse"]
  service_filter: true
exchange:
  interval: 2s
  history_policy: all
storage:
  driver: json
  path: /tmp/sensorsync.json
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Node.Name != "Greenhouse-Relay" {
		t.Errorf("Node.Name = %q", cfg.Node.Name)
	}
	if cfg.Scan.Interval != 20*time.Second || cfg.Scan.Window != 15*time.Second {
		t.Errorf("Scan = %+v, want 20s/15s", cfg.Scan)
	}
	if len(cfg.Scan.AllowList) != 1 || cfg.Scan.AllowList[0] != "Greenhouse" {
		t.Errorf("Scan.AllowList = %v", cfg.Scan.AllowList)
	}
	if !cfg.Scan.ServiceFilter {
		t.Error("Scan.ServiceFilter = false, want true")
	}
	if cfg.Exchange.Interval != 2*time.Second || cfg.Exchange.HistoryPolicy != "all" {
		t.Errorf("Exchange = %+v", cfg.Exchange)
	}
	if cfg.Storage.Driver != "json" || cfg.Storage.Path != "/tmp/sensorsync.json" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}

	// Fields absent from the file keep their defaults.
	if cfg.BLE.MTU != 185 {
		t.Errorf("BLE.MTU = %d, want default 185", cfg.BLE.MTU)
	}
	if cfg.Chat.ServiceUUID != "0000feed-0000-1000-8000-00805f9b34fb" {
		t.Errorf("Chat.ServiceUUID = %q, want default", cfg.Chat.ServiceUUID)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("storage:\n  path: ~/data/node.db\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := filepath.Join(tmpHome, "data", "node.db")
	if cfg.Storage.Path != want {
		t.Errorf("Storage.Path = %q, want %q", cfg.Storage.Path, want)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should return error for missing file")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Node.Name != "P2PNode" {
		t.Errorf("Node.Name = %q, want default", cfg.Node.Name)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default is valid", func(c *Config) {}, false},
		{"empty node name", func(c *Config) { c.Node.Name = " " }, true},
		{"bad service uuid", func(c *Config) { c.BLE.ServiceUUID = "not-a-uuid" }, true},
		{"bad exchange char uuid", func(c *Config) { c.BLE.ExchangeCharUUID = "1234" }, true},
		{"mtu too small", func(c *Config) { c.BLE.MTU = 20 }, true},
		{"mtu too large", func(c *Config) { c.BLE.MTU = 600 }, true},
		{"zero connect timeout", func(c *Config) { c.BLE.ConnectTimeout = 0 }, true},
		{"zero scan interval", func(c *Config) { c.Scan.Interval = 0 }, true},
		{"window longer than interval", func(c *Config) { c.Scan.Window = 11 * time.Second }, true},
		{"window equals interval", func(c *Config) { c.Scan.Window = c.Scan.Interval }, false},
		{"zero exchange interval", func(c *Config) { c.Exchange.Interval = 0 }, true},
		{"history all", func(c *Config) { c.Exchange.HistoryPolicy = "all" }, false},
		{"unknown history policy", func(c *Config) { c.Exchange.HistoryPolicy = "some" }, true},
		{"bad chat uuid", func(c *Config) { c.Chat.CharUUID = "beef" }, true},
		{"bad chat uuid ignored when disabled", func(c *Config) { c.Chat.Enabled = false; c.Chat.CharUUID = "beef" }, false},
		{"zero chat rate", func(c *Config) { c.Chat.MessagesPerSecond = 0 }, true},
		{"zero chat burst", func(c *Config) { c.Chat.Burst = 0 }, true},
		{"memory driver without path", func(c *Config) { c.Storage.Driver = "memory"; c.Storage.Path = "" }, false},
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }, true},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "redis" }, true},
		{"unknown exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		cfg := &Config{LogLevel: in}
		if got := cfg.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "sensorsync", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# sensorsync") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Scan.Window != 8*time.Second {
		t.Errorf("written config Scan.Window = %v, want 8s", cfg.Scan.Window)
	}
	if cfg.BLE.ServiceUUID != Default().BLE.ServiceUUID {
		t.Errorf("written config BLE.ServiceUUID = %q", cfg.BLE.ServiceUUID)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "sensorsync")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("node:\n  name: Custom\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}
