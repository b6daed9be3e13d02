// Package config manages the xdmcpd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables layered over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete xdmcpd configuration.
type Config struct {
	XDMCP   XDMCPConfig   `koanf:"xdmcp"`
	Admin   AdminConfig   `koanf:"admin"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// XDMCPConfig holds the manager's protocol-facing settings.
type XDMCPConfig struct {
	// Port is the UDP port the manager listens on.
	Port uint16 `koanf:"port"`

	// UseMulticast enables joining the IPv6 multicast group named by
	// MulticastAddress on every up, non-loopback interface.
	UseMulticast bool `koanf:"use_multicast"`

	// MulticastAddress is the IPv6 multicast group to join.
	MulticastAddress string `koanf:"multicast_address"`

	// HonorIndirect enables handling of INDIRECT_QUERY via a chooser.
	HonorIndirect bool `koanf:"honor_indirect"`

	// WillingScript is an optional path to an executable that produces
	// the status text sent in WILLING; empty disables it.
	WillingScript string `koanf:"willing_script"`

	// MaxDisplaysPerHost caps concurrent displays from a single host.
	MaxDisplaysPerHost int `koanf:"max_displays_per_host"`

	// MaxDisplays caps the total number of managed displays.
	MaxDisplays int `koanf:"max_displays"`

	// MaxPendingDisplays caps displays awaiting MANAGE.
	MaxPendingDisplays int `koanf:"max_pending_displays"`

	// MaxWait bounds how long a PENDING display survives without MANAGE.
	MaxWait time.Duration `koanf:"max_wait"`

	// MaxIndirect caps the indirect-query bookkeeping table's size.
	MaxIndirect int `koanf:"max_indirect"`

	// MaxWaitIndirect bounds how long an unresolved indirect record survives.
	MaxWaitIndirect time.Duration `koanf:"max_wait_indirect"`
}

// AdminConfig holds the admin HTTP API configuration.
type AdminConfig struct {
	// Addr is the HTTP listen address for the admin API (e.g., ":8177").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9177").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults, matching
// the manager package's own DefaultConfig where the two overlap.
func DefaultConfig() *Config {
	return &Config{
		XDMCP: XDMCPConfig{
			Port:               177,
			UseMulticast:       false,
			MulticastAddress:   "ff02::1",
			HonorIndirect:      true,
			MaxDisplaysPerHost: 2,
			MaxDisplays:        16,
			MaxPendingDisplays: 4,
			MaxWait:            15 * time.Second,
			MaxIndirect:        32,
			MaxWaitIndirect:    120 * time.Second,
		},
		Admin: AdminConfig{
			Addr: ":8177",
		},
		Metrics: MetricsConfig{
			Addr: ":9177",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for xdmcpd configuration.
// Variables are named XDMCPD_<section>_<key>, e.g., XDMCPD_XDMCP_PORT.
const envPrefix = "XDMCPD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (XDMCPD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	XDMCPD_XDMCP_PORT      -> xdmcp.port
//	XDMCPD_XDMCP_MAX_WAIT  -> xdmcp.max_wait
//	XDMCPD_ADMIN_ADDR      -> admin.addr
//	XDMCPD_METRICS_ADDR    -> metrics.addr
//	XDMCPD_LOG_LEVEL       -> log.level
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms XDMCPD_XDMCP_PORT -> xdmcp.port.
// Strips the XDMCPD_ prefix, lowercases, and replaces the first _ (the
// one after the section name) with ., so XDMCPD_XDMCP_MAX_WAIT maps to
// xdmcp.max_wait.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"xdmcp.port":                  defaults.XDMCP.Port,
		"xdmcp.use_multicast":         defaults.XDMCP.UseMulticast,
		"xdmcp.multicast_address":     defaults.XDMCP.MulticastAddress,
		"xdmcp.honor_indirect":        defaults.XDMCP.HonorIndirect,
		"xdmcp.willing_script":        defaults.XDMCP.WillingScript,
		"xdmcp.max_displays_per_host": defaults.XDMCP.MaxDisplaysPerHost,
		"xdmcp.max_displays":          defaults.XDMCP.MaxDisplays,
		"xdmcp.max_pending_displays":  defaults.XDMCP.MaxPendingDisplays,
		"xdmcp.max_wait":              defaults.XDMCP.MaxWait.String(),
		"xdmcp.max_indirect":          defaults.XDMCP.MaxIndirect,
		"xdmcp.max_wait_indirect":     defaults.XDMCP.MaxWaitIndirect.String(),
		"admin.addr":                  defaults.Admin.Addr,
		"metrics.addr":                defaults.Metrics.Addr,
		"metrics.path":                defaults.Metrics.Path,
		"log.level":                   defaults.Log.Level,
		"log.format":                  defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidPort indicates the XDMCP listen port is zero.
	ErrInvalidPort = errors.New("xdmcp.port must be > 0")

	// ErrInvalidMaxDisplays indicates max_displays is not positive.
	ErrInvalidMaxDisplays = errors.New("xdmcp.max_displays must be >= 1")

	// ErrInvalidMaxPendingDisplays indicates max_pending_displays is not positive.
	ErrInvalidMaxPendingDisplays = errors.New("xdmcp.max_pending_displays must be >= 1")

	// ErrInvalidMaxWait indicates max_wait is not positive.
	ErrInvalidMaxWait = errors.New("xdmcp.max_wait must be > 0")

	// ErrEmptyAdminAddr indicates the admin API listen address is empty.
	ErrEmptyAdminAddr = errors.New("admin.addr must not be empty")

	// ErrMulticastWithoutAddress indicates multicast was enabled with no group set.
	ErrMulticastWithoutAddress = errors.New("xdmcp.multicast_address must not be empty when use_multicast is true")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.XDMCP.Port == 0 {
		return ErrInvalidPort
	}

	if cfg.XDMCP.MaxDisplays < 1 {
		return ErrInvalidMaxDisplays
	}

	if cfg.XDMCP.MaxPendingDisplays < 1 {
		return ErrInvalidMaxPendingDisplays
	}

	if cfg.XDMCP.MaxWait <= 0 {
		return ErrInvalidMaxWait
	}

	if cfg.XDMCP.UseMulticast && cfg.XDMCP.MulticastAddress == "" {
		return ErrMulticastWithoutAddress
	}

	if cfg.Admin.Addr == "" {
		return ErrEmptyAdminAddr
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
