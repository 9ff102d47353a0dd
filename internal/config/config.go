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
)

// Config holds all application configuration.
type Config struct {
	Device      DeviceConfig      `yaml:"device"`
	BLE         BLEConfig         `yaml:"ble"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Matrix      MatrixConfig      `yaml:"matrix"`
	Meter       MeterConfig       `yaml:"meter"`
	History     HistoryConfig     `yaml:"history"`
	Log         LogConfig         `yaml:"log"`
}

// DeviceConfig selects which peripheral to talk to. With neither address
// nor name set, the first peer found by a scan is used.
type DeviceConfig struct {
	Address     string        `yaml:"address"`
	Name        string        `yaml:"name"`
	ScanTimeout time.Duration `yaml:"scan_timeout"`
}

// BLEConfig holds GATT and transport settings.
type BLEConfig struct {
	Adapter        string        `yaml:"adapter"` // BlueZ adapter name, e.g. "hci0"
	Oracle         string        `yaml:"oracle"`  // "static" or "bluez"
	ServiceUUID    string        `yaml:"service_uuid"`
	WriteCharUUID  string        `yaml:"write_char_uuid"`
	NotifyCharUUID string        `yaml:"notify_char_uuid"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteInterval  time.Duration `yaml:"write_interval"`
	MaxLineBytes   int           `yaml:"max_line_bytes"`
	WriteChunk     int           `yaml:"write_chunk"` // 0 writes each command whole
	PeerReplay     int           `yaml:"peer_replay"`
	LineReplay     int           `yaml:"line_replay"`
}

// PermissionsConfig grants the static permission oracle its answers.
type PermissionsConfig struct {
	Scan    bool `yaml:"scan"`
	Connect bool `yaml:"connect"`
}

// MatrixConfig describes the LED matrix geometry.
type MatrixConfig struct {
	Width      uint  `yaml:"width"`
	Height     uint  `yaml:"height"`
	Brightness uint8 `yaml:"brightness"`
}

// MeterConfig holds spectrum meter settings.
type MeterConfig struct {
	SampleRate uint32   `yaml:"sample_rate"`
	Channels   uint32   `yaml:"channels"`
	BlockSize  int      `yaml:"block_size"`
	FPS        float64  `yaml:"fps"`
	Gain       float64  `yaml:"gain"`
	ColorMode  string   `yaml:"color_mode"` // "rainbow", "mono" or "gradient"
	PauseKeys  []string `yaml:"pause_keys"`
}

// HistoryConfig holds color history settings.
type HistoryConfig struct {
	Path string `yaml:"path"`
	Size int    `yaml:"size"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stderr", "stdout" or a file path
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "matrixctl")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	historyPath := filepath.Join(home, ".local", "share", "matrixctl", "history.yaml")

	return &Config{
		Device: DeviceConfig{
			ScanTimeout: 10 * time.Second,
		},
		BLE: BLEConfig{
			Adapter:        "hci0",
			Oracle:         "static",
			ServiceUUID:    "0000fff0-0000-1000-8000-00805f9b34fb",
			WriteCharUUID:  "0000fff2-0000-1000-8000-00805f9b34fb",
			NotifyCharUUID: "0000fff1-0000-1000-8000-00805f9b34fb",
			ConnectTimeout: 15 * time.Second,
			MaxLineBytes:   4096,
			PeerReplay:     10,
			LineReplay:     100,
		},
		Permissions: PermissionsConfig{
			Scan:    true,
			Connect: true,
		},
		Matrix: MatrixConfig{
			Width:      8,
			Height:     11,
			Brightness: 64,
		},
		Meter: MeterConfig{
			SampleRate: 44100,
			Channels:   1,
			BlockSize:  1024,
			FPS:        30,
			Gain:       1.0,
			ColorMode:  "rainbow",
			PauseKeys:  []string{"ctrl", "shift", "p"},
		},
		History: HistoryConfig{
			Path: historyPath,
			Size: 16,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in history.path and log.output is expanded to the
// user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.History.Path = expandTilde(cfg.History.Path)
	cfg.Log.Output = expandTilde(cfg.Log.Output)

	return cfg, nil
}

const defaultHeader = "# matrixctl configuration\n# Durations use Go syntax (\"15s\", \"250ms\").\n\n"

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" if a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"ble.service_uuid":     c.BLE.ServiceUUID,
		"ble.write_char_uuid":  c.BLE.WriteCharUUID,
		"ble.notify_char_uuid": c.BLE.NotifyCharUUID,
	} {
		if err := uuid.Validate(v); err != nil {
			return fmt.Errorf("%s must be a UUID, got %q: %w", name, v, err)
		}
	}
	if strings.EqualFold(c.BLE.WriteCharUUID, c.BLE.NotifyCharUUID) {
		return fmt.Errorf("ble.write_char_uuid and ble.notify_char_uuid must differ")
	}

	switch c.BLE.Oracle {
	case "static", "bluez":
	default:
		return fmt.Errorf("ble.oracle must be \"static\" or \"bluez\", got %q", c.BLE.Oracle)
	}
	if c.BLE.Oracle == "bluez" && c.BLE.Adapter == "" {
		return fmt.Errorf("ble.adapter must not be empty when ble.oracle is \"bluez\"")
	}

	if c.BLE.ConnectTimeout < 0 {
		return fmt.Errorf("ble.connect_timeout must be >= 0")
	}
	if c.BLE.WriteInterval < 0 {
		return fmt.Errorf("ble.write_interval must be >= 0")
	}
	if c.BLE.MaxLineBytes < 0 {
		return fmt.Errorf("ble.max_line_bytes must be >= 0")
	}
	if c.BLE.WriteChunk < 0 {
		return fmt.Errorf("ble.write_chunk must be >= 0")
	}
	if c.BLE.PeerReplay < 1 || c.BLE.LineReplay < 1 {
		return fmt.Errorf("ble.peer_replay and ble.line_replay must be > 0")
	}

	if c.Device.ScanTimeout <= 0 {
		return fmt.Errorf("device.scan_timeout must be > 0")
	}

	if c.Matrix.Width == 0 || c.Matrix.Height == 0 {
		return fmt.Errorf("matrix.width and matrix.height must be > 0")
	}

	if c.Meter.SampleRate == 0 {
		return fmt.Errorf("meter.sample_rate must be > 0")
	}
	if c.Meter.Channels == 0 {
		return fmt.Errorf("meter.channels must be > 0")
	}
	if c.Meter.BlockSize < 2 {
		return fmt.Errorf("meter.block_size must be >= 2")
	}
	if c.Meter.FPS <= 0 {
		return fmt.Errorf("meter.fps must be > 0")
	}
	if c.Meter.Gain <= 0 {
		return fmt.Errorf("meter.gain must be > 0")
	}
	switch c.Meter.ColorMode {
	case "rainbow", "mono", "gradient":
	default:
		return fmt.Errorf("meter.color_mode must be rainbow, mono, or gradient, got %q", c.Meter.ColorMode)
	}

	if c.History.Size < 1 {
		return fmt.Errorf("history.size must be > 0")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format)
	}
	if c.Log.Output == "" {
		return fmt.Errorf("log.output must not be empty")
	}

	return nil
}

// ParseLogLevel maps a config level name to a slog.Level, defaulting to
// info for anything unrecognised.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
