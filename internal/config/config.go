package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ConnectorType identifies which byte channel reaches the bootloader.
type ConnectorType string

const (
	ConnectorSerial ConnectorType = "serial"
	// ConnectorTCP reaches a UART exposed by a network bridge such as ser2net.
	ConnectorTCP ConnectorType = "tcp"
	// ConnectorSim talks to the built-in simulated bootloader.
	ConnectorSim ConnectorType = "sim"

	DefaultSerialBaud       = 115200
	DefaultTCPPort          = 2000
	DefaultMaxAttempts      = 3
	DefaultAttemptTimeoutMS = 2000
	DefaultLookupTimeoutMS  = 3000
	DefaultCacheFile        = "errcodes.json"
	DefaultCatalogURL       = "https://uart.codes/latest.json"
	DefaultProfile          = "ps5-2mib"
	DefaultLogFormat        = "text"
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
	// Format is "text" or "json".
	Format string `json:"format"`
}

// ConnectionConfig contains connector-specific connection parameters.
type ConnectionConfig struct {
	Connector  ConnectorType `json:"connector"`
	SerialPort string        `json:"serial_port"`
	SerialBaud int           `json:"serial_baud"`
	Host       string        `json:"host"`
	Port       int           `json:"port"`
}

// SessionConfig is the command retry policy.
type SessionConfig struct {
	MaxAttempts      int `json:"max_attempts"`
	AttemptTimeoutMS int `json:"attempt_timeout_ms"`
	BackoffMS        int `json:"backoff_ms"`
}

// TranslatorConfig locates the error code sources. An empty RemoteURL makes
// online lookups use the catalog document.
type TranslatorConfig struct {
	RemoteURL  string `json:"remote_url"`
	CatalogURL string `json:"catalog_url"`
	TimeoutMS  int    `json:"timeout_ms"`
	CacheFile  string `json:"cache_file"`
	Offline    bool   `json:"offline"`
}

type DeviceConfig struct {
	// Profile is a built-in profile name or a path to a YAML profile.
	Profile string `json:"profile"`
}

type JournalConfig struct {
	Enabled       bool `json:"enabled"`
	RetentionDays int  `json:"retention_days"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Connection ConnectionConfig `json:"connection"`
	Session    SessionConfig    `json:"session"`
	Translator TranslatorConfig `json:"translator"`
	Device     DeviceConfig     `json:"device"`
	Journal    JournalConfig    `json:"journal"`
	Logging    LoggingConfig    `json:"logging"`
}

func Default() AppConfig {
	return AppConfig{
		Connection: ConnectionConfig{
			Connector:  ConnectorSerial,
			SerialPort: "",
			SerialBaud: DefaultSerialBaud,
			Host:       "",
			Port:       DefaultTCPPort,
		},
		Session: SessionConfig{
			MaxAttempts:      DefaultMaxAttempts,
			AttemptTimeoutMS: DefaultAttemptTimeoutMS,
			BackoffMS:        0,
		},
		Translator: TranslatorConfig{
			RemoteURL:  "",
			CatalogURL: DefaultCatalogURL,
			TimeoutMS:  DefaultLookupTimeoutMS,
			CacheFile:  DefaultCacheFile,
		},
		Device: DeviceConfig{
			Profile: DefaultProfile,
		},
		Journal: JournalConfig{
			Enabled:       true,
			RetentionDays: 90,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
			Format:    DefaultLogFormat,
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app runtime and points to user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Connection.Connector == "" {
		c.Connection.Connector = ConnectorSerial
	}
	if c.Connection.SerialBaud <= 0 {
		c.Connection.SerialBaud = DefaultSerialBaud
	}
	if c.Connection.Port <= 0 {
		c.Connection.Port = DefaultTCPPort
	}
	if c.Session.MaxAttempts <= 0 {
		c.Session.MaxAttempts = DefaultMaxAttempts
	}
	if c.Session.AttemptTimeoutMS <= 0 {
		c.Session.AttemptTimeoutMS = DefaultAttemptTimeoutMS
	}
	if c.Session.BackoffMS < 0 {
		c.Session.BackoffMS = 0
	}
	if c.Translator.CatalogURL == "" {
		c.Translator.CatalogURL = DefaultCatalogURL
	}
	if c.Translator.TimeoutMS <= 0 {
		c.Translator.TimeoutMS = DefaultLookupTimeoutMS
	}
	if c.Translator.CacheFile == "" {
		c.Translator.CacheFile = DefaultCacheFile
	}
	if c.Device.Profile == "" {
		c.Device.Profile = DefaultProfile
	}
	if c.Journal.RetentionDays < 0 {
		c.Journal.RetentionDays = 0
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = normalizeLogFormat(c.Logging.Format)
}

func normalizeLogFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return "json"
	default:
		return DefaultLogFormat
	}
}

func (c AppConfig) Validate() error {
	switch c.Connection.Connector {
	case ConnectorSerial:
		if strings.TrimSpace(c.Connection.SerialPort) == "" {
			return errors.New("serial port is required")
		}
		if c.Connection.SerialBaud <= 0 {
			return errors.New("serial baud must be positive")
		}
	case ConnectorTCP:
		if strings.TrimSpace(c.Connection.Host) == "" {
			return errors.New("tcp host is required")
		}
		if c.Connection.Port <= 0 || c.Connection.Port > 65535 {
			return fmt.Errorf("tcp port out of range: %d", c.Connection.Port)
		}
	case ConnectorSim:
	default:
		return fmt.Errorf("unknown connector: %s", c.Connection.Connector)
	}

	if c.Session.MaxAttempts <= 0 {
		return errors.New("session max_attempts must be positive")
	}
	if c.Session.AttemptTimeoutMS <= 0 {
		return errors.New("session attempt_timeout_ms must be positive")
	}
	for name, raw := range map[string]string{"remote_url": c.Translator.RemoteURL, "catalog_url": c.Translator.CatalogURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("translator %s must be an http(s) url: %q", name, raw)
		}
	}
	if strings.TrimSpace(c.Device.Profile) == "" {
		return errors.New("device profile is required")
	}

	return nil
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
