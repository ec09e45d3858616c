package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/sensorsync/internal/record"
)

const appName = "sensorsync"

// Config holds all application configuration.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	BLE      BLEConfig      `yaml:"ble"`
	Scan     ScanConfig     `yaml:"scan"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Chat     ChatConfig     `yaml:"chat"`
	Storage  StorageConfig  `yaml:"storage"`
	Tracing  TracingConfig  `yaml:"tracing"`
	LogLevel string         `yaml:"log_level"`
}

// NodeConfig describes this node as peers see it.
type NodeConfig struct {
	Name string `yaml:"name"` // advertised local name
}

// BLEConfig holds the GATT contract and link settings.
type BLEConfig struct {
	ServiceUUID      string        `yaml:"service_uuid"`
	ExchangeCharUUID string        `yaml:"exchange_char_uuid"`
	MTU              int           `yaml:"mtu"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
}

// ScanConfig controls the scan cycle.
type ScanConfig struct {
	Interval time.Duration `yaml:"interval"`
	Window   time.Duration `yaml:"window"`
	// AllowList holds name fragments of peers joined automatically.
	AllowList []string `yaml:"allow_list"`
	// ServiceFilter restricts sightings to peers advertising the exchange
	// service. Peers that do not advertise it are still reported when false.
	ServiceFilter bool `yaml:"service_filter"`
}

// ExchangeConfig controls the exchange cycle.
type ExchangeConfig struct {
	Interval      time.Duration `yaml:"interval"`
	HistoryPolicy string        `yaml:"history_policy"` // "accepted" or "all"
}

// ChatConfig holds the chat service settings.
type ChatConfig struct {
	Enabled           bool    `yaml:"enabled"`
	ServiceUUID       string  `yaml:"service_uuid"`
	CharUUID          string  `yaml:"char_uuid"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver  string        `yaml:"driver"` // "sqlite", "json" or "memory"
	Path    string        `yaml:"path"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the persistence circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", appName)
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultDataDir returns the directory holding the node's database.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", appName)
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{Name: "P2PNode"},
		BLE: BLEConfig{
			ServiceUUID:      "12345678-1234-1234-1234-123456789abc",
			ExchangeCharUUID: "87654321-4321-4321-4321-cba987654321",
			MTU:              185,
			ConnectTimeout:   10 * time.Second,
		},
		Scan: ScanConfig{
			Interval:  10 * time.Second,
			Window:    8 * time.Second,
			AllowList: []string{"Sensor", "ESP32", "BLE", "Arduino", "P2PNode"},
		},
		Exchange: ExchangeConfig{
			Interval:      5 * time.Second,
			HistoryPolicy: string(record.HistoryAccepted),
		},
		Chat: ChatConfig{
			Enabled:           true,
			ServiceUUID:       "0000feed-0000-1000-8000-00805f9b34fb",
			CharUUID:          "0000beef-0000-1000-8000-00805f9b34fb",
			MessagesPerSecond: 5,
			Burst:             3,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   filepath.Join(DefaultDataDir(), appName+".db"),
			Breaker: BreakerConfig{
				MaxFailures: 3,
				Timeout:     30 * time.Second,
			},
		},
		Tracing: TracingConfig{
			Exporter: "stdout",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in storage.path is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Storage.Path = expandTilde(cfg.Storage.Path)

	return cfg, nil
}

// LoadOrDefault loads path when it exists and returns defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Node.Name) == "" {
		return fmt.Errorf("node.name must not be empty")
	}

	for name, v := range map[string]string{
		"ble.service_uuid":       c.BLE.ServiceUUID,
		"ble.exchange_char_uuid": c.BLE.ExchangeCharUUID,
	} {
		if _, err := uuid.Parse(v); err != nil {
			return fmt.Errorf("%s: invalid UUID %q: %w", name, v, err)
		}
	}
	if c.BLE.MTU < 23 || c.BLE.MTU > 517 {
		return fmt.Errorf("ble.mtu must be between 23 and 517, got %d", c.BLE.MTU)
	}
	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}

	if c.Scan.Interval <= 0 {
		return fmt.Errorf("scan.interval must be > 0")
	}
	if c.Scan.Window <= 0 || c.Scan.Window > c.Scan.Interval {
		return fmt.Errorf("scan.window must be > 0 and <= scan.interval (%s), got %s", c.Scan.Interval, c.Scan.Window)
	}

	if c.Exchange.Interval <= 0 {
		return fmt.Errorf("exchange.interval must be > 0")
	}
	if _, err := record.ParseHistoryPolicy(c.Exchange.HistoryPolicy); err != nil {
		return fmt.Errorf("exchange.history_policy must be \"accepted\" or \"all\", got %q", c.Exchange.HistoryPolicy)
	}

	if c.Chat.Enabled {
		for name, v := range map[string]string{
			"chat.service_uuid": c.Chat.ServiceUUID,
			"chat.char_uuid":    c.Chat.CharUUID,
		} {
			if _, err := uuid.Parse(v); err != nil {
				return fmt.Errorf("%s: invalid UUID %q: %w", name, v, err)
			}
		}
		if c.Chat.MessagesPerSecond <= 0 {
			return fmt.Errorf("chat.messages_per_second must be > 0")
		}
		if c.Chat.Burst < 1 {
			return fmt.Errorf("chat.burst must be >= 1")
		}
	}

	switch c.Storage.Driver {
	case "sqlite", "json":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path must not be empty for driver %q", c.Storage.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver must be \"sqlite\", \"json\" or \"memory\", got %q", c.Storage.Driver)
	}

	switch c.Tracing.Exporter {
	case "stdout", "noop", "":
	default:
		return fmt.Errorf("tracing.exporter must be \"stdout\" or \"noop\", got %q", c.Tracing.Exporter)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// SlogLevel maps LogLevel to a slog level. Unknown values map to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# sensorsync configuration
#
# Durations use Go syntax (e.g. 500ms, 10s, 1m).
# scan.allow_list holds name fragments matched case-insensitively.
# exchange.history_policy: "accepted" keeps only updates that won the merge,
# "all" keeps every incoming record.
# storage.driver: sqlite, json or memory.

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" without touching anything when a config file
// already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	body, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), body...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
