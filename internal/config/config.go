// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/ostrace/internal/core"
)

// GlobalConfig maps to the `ostrace:` root key in YAML.
type GlobalConfig struct {
	Device    DeviceConfig    `mapstructure:"device" yaml:"device"`
	Locator   LocatorConfig   `mapstructure:"locator" yaml:"locator"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	TLS       TLSConfig       `mapstructure:"tls" yaml:"tls"`
	Archive   ArchiveConfig   `mapstructure:"archive" yaml:"archive"`
	Syslog    SyslogConfig    `mapstructure:"syslog" yaml:"syslog"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// ─── Device & Locator ───

// DeviceConfig selects the target device.
type DeviceConfig struct {
	UDID        string        `mapstructure:"udid" yaml:"udid"`                 // Empty = the only attached device
	WaitTimeout time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"` // How long to wait for the device to appear
}

// LocatorConfig selects how service streams are acquired.
type LocatorConfig struct {
	Type     string          `mapstructure:"type" yaml:"type"` // usbmux | tcp
	Usbmux   UsbmuxConfig    `mapstructure:"usbmux" yaml:"usbmux"`
	Services []ServiceConfig `mapstructure:"services" yaml:"services"`
}

// UsbmuxConfig configures the usbmuxd client.
type UsbmuxConfig struct {
	Socket       string        `mapstructure:"socket" yaml:"socket"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// ServiceConfig routes one device service. Port is used by the usbmux
// locator, Address by the tcp locator.
type ServiceConfig struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Address string `mapstructure:"address" yaml:"address"`
}

// ─── Transport ───

// TransportConfig bounds the framed transport.
type TransportConfig struct {
	MaxFrameBytes int64         `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"` // Non-blocking read window
}

// TLSConfig holds the pairing key material used for the in-place upgrade.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	CertFile string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file"`
}

// ─── os_trace_relay ───

// ArchiveConfig limits CreateArchive. Zero means the field is not sent.
type ArchiveConfig struct {
	SizeLimit int64 `mapstructure:"size_limit" yaml:"size_limit"`
	AgeLimit  int64 `mapstructure:"age_limit" yaml:"age_limit"`
	StartTime int64 `mapstructure:"start_time" yaml:"start_time"`
}

// SyslogConfig configures the live syslog stream.
type SyslogConfig struct {
	Pid   int          `mapstructure:"pid" yaml:"pid"` // -1 = all processes
	Sinks []SinkConfig `mapstructure:"sinks" yaml:"sinks"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
	Loki LokiOutputConfig `mapstructure:"loki" yaml:"loki"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// LokiOutputConfig configures a Loki push target.
type LokiOutputConfig struct {
	Enabled      bool              `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string            `mapstructure:"endpoint" yaml:"endpoint"`
	Labels       map[string]string `mapstructure:"labels" yaml:"labels"`
	BatchSize    int               `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration     `mapstructure:"batch_timeout" yaml:"batch_timeout"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `ostrace: ...`.
type configRoot struct {
	Ostrace GlobalConfig `mapstructure:"ostrace" yaml:"ostrace"`
}

// Load loads configuration from path. An empty path skips the file and uses
// defaults plus environment overrides.
// Env vars map through the key replacer, e.g. "ostrace.log.level" → OSTRACE_LOG_LEVEL.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Ostrace

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values. All keys carry the "ostrace." prefix.
func setDefaults(v *viper.Viper) {
	// Device & locator
	v.SetDefault("ostrace.device.udid", "")
	v.SetDefault("ostrace.device.wait_timeout", "30s")
	v.SetDefault("ostrace.locator.type", "usbmux")
	v.SetDefault("ostrace.locator.usbmux.socket", "/var/run/usbmuxd")
	v.SetDefault("ostrace.locator.usbmux.poll_interval", "500ms")

	// Transport
	v.SetDefault("ostrace.transport.max_frame_bytes", 64<<20)
	v.SetDefault("ostrace.transport.poll_interval", "10ms")
	v.SetDefault("ostrace.tls.enabled", false)

	// os_trace_relay
	v.SetDefault("ostrace.archive.size_limit", 0)
	v.SetDefault("ostrace.archive.age_limit", 0)
	v.SetDefault("ostrace.archive.start_time", 0)
	v.SetDefault("ostrace.syslog.pid", -1)

	// Log
	v.SetDefault("ostrace.log.level", "info")
	v.SetDefault("ostrace.log.format", "text")
	v.SetDefault("ostrace.log.outputs.file.enabled", false)
	v.SetDefault("ostrace.log.outputs.file.path", "/var/log/ostrace/ostrace.log")
	v.SetDefault("ostrace.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("ostrace.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("ostrace.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("ostrace.log.outputs.file.rotation.compress", true)
	v.SetDefault("ostrace.log.outputs.loki.enabled", false)
	v.SetDefault("ostrace.log.outputs.loki.batch_size", 100)
	v.SetDefault("ostrace.log.outputs.loki.batch_timeout", "5s")

	// Metrics
	v.SetDefault("ostrace.metrics.enabled", false)
	v.SetDefault("ostrace.metrics.listen", ":9091")
	v.SetDefault("ostrace.metrics.path", "/metrics")
}

// Default returns the configuration used when no file is given.
func Default() *GlobalConfig {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return invalid("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return invalid("log.outputs.file.path is required when file output is enabled")
	}
	if cfg.Log.Outputs.Loki.Enabled && cfg.Log.Outputs.Loki.Endpoint == "" {
		return invalid("log.outputs.loki.endpoint is required when loki output is enabled")
	}

	// ── Device & locator ──
	if cfg.Device.WaitTimeout <= 0 {
		return invalid("device.wait_timeout must be positive")
	}
	switch cfg.Locator.Type {
	case "usbmux":
		if cfg.Locator.Usbmux.Socket == "" {
			return invalid("locator.usbmux.socket is required")
		}
		if cfg.Locator.Usbmux.PollInterval <= 0 {
			return invalid("locator.usbmux.poll_interval must be positive")
		}
	case "tcp":
	default:
		return invalid("unsupported locator.type: %s (must be usbmux/tcp)", cfg.Locator.Type)
	}
	seen := make(map[string]bool, len(cfg.Locator.Services))
	for i, svc := range cfg.Locator.Services {
		if svc.Name == "" {
			return invalid("locator.services[%d].name is required", i)
		}
		if seen[svc.Name] {
			return invalid("duplicate locator service %s", svc.Name)
		}
		seen[svc.Name] = true
		if cfg.Locator.Type == "usbmux" && (svc.Port <= 0 || svc.Port > math.MaxUint16) {
			return invalid("locator.services[%d].port %d out of range", i, svc.Port)
		}
		if cfg.Locator.Type == "tcp" && svc.Address == "" {
			return invalid("locator.services[%d].address is required for the tcp locator", i)
		}
	}

	// ── Transport ──
	if cfg.Transport.MaxFrameBytes <= 0 || cfg.Transport.MaxFrameBytes > math.MaxUint32 {
		return invalid("transport.max_frame_bytes %d out of range", cfg.Transport.MaxFrameBytes)
	}
	if cfg.Transport.PollInterval <= 0 {
		return invalid("transport.poll_interval must be positive")
	}
	if cfg.TLS.Enabled && (cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "") {
		return invalid("tls.cert_file and tls.key_file are required when tls is enabled")
	}

	// ── os_trace_relay ──
	if cfg.Archive.SizeLimit < 0 || cfg.Archive.AgeLimit < 0 || cfg.Archive.StartTime < 0 {
		return invalid("archive limits must not be negative")
	}
	if cfg.Syslog.Pid < -1 {
		return invalid("syslog.pid %d is invalid (-1 means all processes)", cfg.Syslog.Pid)
	}
	if len(cfg.Syslog.Sinks) == 0 {
		cfg.Syslog.Sinks = []SinkConfig{{Type: SinkConsole, Format: "text"}}
	}
	for i := range cfg.Syslog.Sinks {
		if err := cfg.Syslog.Sinks[i].ValidateAndApplyDefaults(); err != nil {
			return fmt.Errorf("syslog.sinks[%d]: %w", i, err)
		}
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics are enabled")
	}

	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// ServicePorts returns the usbmux service → port table.
func (c LocatorConfig) ServicePorts() map[string]uint16 {
	ports := make(map[string]uint16, len(c.Services))
	for _, s := range c.Services {
		if s.Port > 0 && s.Port <= math.MaxUint16 {
			ports[s.Name] = uint16(s.Port)
		}
	}
	return ports
}

// ServiceAddresses returns the tcp service → host:port table.
func (c LocatorConfig) ServiceAddresses() map[string]string {
	addrs := make(map[string]string, len(c.Services))
	for _, s := range c.Services {
		if s.Address != "" {
			addrs[s.Name] = s.Address
		}
	}
	return addrs
}
