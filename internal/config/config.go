package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/chargekeeper/internal/policy"
)

// Config holds all application configuration.
type Config struct {
	Accessory AccessoryConfig `yaml:"accessory"`
	Charge    ChargeConfig    `yaml:"charge"`
	BLE       BLEConfig       `yaml:"ble"`
	Battery   BatteryConfig   `yaml:"battery"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	StatePath string          `yaml:"state_path"`
	LogLevel  string          `yaml:"log_level"`
}

// AccessoryConfig identifies the BLE outlet.
type AccessoryConfig struct {
	Address string `yaml:"address"` // AA:BB:CC:DD:EE:FF or AA-BB-CC-DD-EE-FF
	Paired  bool   `yaml:"paired"`  // OS already knows the device; skip the first scan
}

// ChargeConfig holds the charge band.
type ChargeConfig struct {
	Low              int           `yaml:"low"`
	High             int           `yaml:"high"`
	ReassertInterval time.Duration `yaml:"reassert_interval"` // 0 disables
}

// BLEConfig holds radio timeouts and retry policy.
type BLEConfig struct {
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	DiscoverTimeout time.Duration `yaml:"discover_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	MaxRetries      int           `yaml:"max_retries"`
}

// BatteryConfig holds battery observer settings.
type BatteryConfig struct {
	SupplyDir    string        `yaml:"supply_dir"` // power_supply class directory
	Name         string        `yaml:"name"`       // e.g. BAT0; empty picks the first battery
	PollInterval time.Duration `yaml:"poll_interval"`
}

// MQTTConfig holds settings for publishing diagnostics to a broker.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // tcp://host:1883
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Environment variables that override the file.
const (
	EnvMQTTUsername = "CHARGEKEEPER_MQTT_USERNAME"
	EnvMQTTPassword = "CHARGEKEEPER_MQTT_PASSWORD"
	EnvAddress      = "CHARGEKEEPER_ADDRESS"
)

var addressPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)

// ValidAddress reports whether s is a colon- or hyphen-separated 6-octet
// hardware address.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// NormalizeAddress converts a valid address to upper-case colon form.
// Other input is returned unchanged.
func NormalizeAddress(s string) string {
	if !ValidAddress(s) {
		return s
	}
	return strings.ToUpper(strings.ReplaceAll(s, "-", ":"))
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "chargekeeper")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	statePath := filepath.Join(home, ".local", "state", "chargekeeper", "state.yaml")

	return &Config{
		Charge: ChargeConfig{
			Low:  20,
			High: 80,
		},
		BLE: BLEConfig{
			ScanTimeout:     15 * time.Second,
			ConnectTimeout:  10 * time.Second,
			DiscoverTimeout: 10 * time.Second,
			WriteTimeout:    5 * time.Second,
			RetryDelay:      5 * time.Second,
			MaxRetries:      3,
		},
		Battery: BatteryConfig{
			SupplyDir:    "/sys/class/power_supply",
			PollInterval: 60 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "chargekeeper",
			TopicPrefix: "chargekeeper",
		},
		StatePath: statePath,
		LogLevel:  "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory
// and the accessory address is normalized.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.StatePath = expandTilde(cfg.StatePath)
	cfg.Accessory.Address = NormalizeAddress(cfg.Accessory.Address)

	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from the given .env files into the
// process environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides secrets and the accessory address from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvMQTTUsername); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv(EnvMQTTPassword); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv(EnvAddress); v != "" {
		c.Accessory.Address = NormalizeAddress(v)
	}
}

// Thresholds returns the charge band for the decision policy.
func (c *Config) Thresholds() policy.Thresholds {
	return policy.Thresholds{Low: c.Charge.Low, High: c.Charge.High}
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if !ValidAddress(c.Accessory.Address) {
		return fmt.Errorf("accessory.address must look like AA:BB:CC:DD:EE:FF, got %q", c.Accessory.Address)
	}

	if err := c.Thresholds().Validate(); err != nil {
		return fmt.Errorf("charge: %w", err)
	}

	if c.Charge.ReassertInterval < 0 {
		return fmt.Errorf("charge.reassert_interval must be >= 0")
	}

	for name, d := range map[string]time.Duration{
		"ble.scan_timeout":     c.BLE.ScanTimeout,
		"ble.connect_timeout":  c.BLE.ConnectTimeout,
		"ble.discover_timeout": c.BLE.DiscoverTimeout,
		"ble.write_timeout":    c.BLE.WriteTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}

	if c.BLE.RetryDelay < 0 {
		return fmt.Errorf("ble.retry_delay must be >= 0")
	}

	if c.BLE.MaxRetries < 1 {
		return fmt.Errorf("ble.max_retries must be >= 1")
	}

	if c.Battery.PollInterval <= 0 {
		return fmt.Errorf("battery.poll_interval must be > 0")
	}

	if c.StatePath == "" {
		return fmt.Errorf("state_path must not be empty")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty when mqtt is enabled")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix must not be empty when mqtt is enabled")
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level string to a slog level. Unknown values
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
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

const defaultHeader = `# chargekeeper configuration
# Set accessory.address to your relay's Bluetooth address, then restart.
`

// WriteDefault writes a starter config to DefaultConfigPath. It returns the
// path written, or "" if a config already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
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
