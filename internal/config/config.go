// Package config manages mptcpd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete mptcpd configuration.
type Config struct {
	Introspect IntrospectConfig `koanf:"introspect"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Log        LogConfig        `koanf:"log"`
	DBus       DBusConfig       `koanf:"dbus"`
	PathMgr    PathMgrConfig    `koanf:"pathmgr"`
	Plugins    PluginsConfig    `koanf:"plugins"`
}

// IntrospectConfig holds the JSON-over-HTTP introspection surface
// configuration consumed by mptcpctl.
type IntrospectConfig struct {
	// Addr is the HTTP listen address (e.g., ":9901").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is only reported in the startup log (e.g., ":9100"); no
	// listener is opened on it. The metrics handler is served at Path on
	// the introspection server's address (IntrospectConfig.Addr).
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

// DBusConfig holds the D-Bus status publisher configuration.
type DBusConfig struct {
	// Enabled controls whether the status publisher connects to the bus.
	Enabled bool `koanf:"enabled"`
}

// AddrFlag is one bit of the addr_flags bitmask (spec.md §6.4).
type AddrFlag uint32

const (
	AddrFlagSignal  AddrFlag = 1 << 0
	AddrFlagSubflow AddrFlag = 1 << 1
	AddrFlagBackup  AddrFlag = 1 << 2
)

// NotifyFlag is one bit of the notify_flags bitmask (spec.md §6.4).
type NotifyFlag uint32

const (
	NotifyFlagExisting   NotifyFlag = 1 << 0
	NotifyFlagSkipLL     NotifyFlag = 1 << 1
	NotifyFlagSkipHost   NotifyFlag = 1 << 2
	NotifyFlagRouteCheck NotifyFlag = 1 << 3
)

// PathMgrConfig holds the supervisor-level defaults recognized from
// spec.md §6.4: the bitmask controlling how newly discovered local
// addresses are announced, and the bitmask controlling network
// monitor publication policy.
type PathMgrConfig struct {
	// AddrFlags is the default announcement bitmask, a sum of AddrFlag
	// values (e.g. 3 = SIGNAL|SUBFLOW).
	AddrFlags uint32 `koanf:"addr_flags"`

	// NotifyFlags is the monitor publication policy bitmask, a sum of
	// NotifyFlag values.
	NotifyFlags uint32 `koanf:"notify_flags"`
}

// PluginsConfig holds the plugin loader configuration.
type PluginsConfig struct {
	// Dir is the directory scanned for plugin descriptors.
	Dir string `koanf:"plugin_dir"`

	// Default is the plugin name used when a connection event arrives
	// without an explicit plugin name.
	Default string `koanf:"default_plugin"`

	// Load is the ordered list of plugin names to activate at startup.
	Load []string `koanf:"load_plugins"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Introspect: IntrospectConfig{
			Addr: ":9901",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		DBus: DBusConfig{
			Enabled: true,
		},
		PathMgr: PathMgrConfig{
			AddrFlags:   uint32(AddrFlagSignal),
			NotifyFlags: uint32(NotifyFlagSkipLL | NotifyFlagSkipHost),
		},
		Plugins: PluginsConfig{
			Dir: "/etc/mptcpd/plugins",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for mptcpd configuration.
// Variables are named MPTCPD_<section>_<key>, e.g., MPTCPD_METRICS_ADDR.
const envPrefix = "MPTCPD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (MPTCPD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	MPTCPD_INTROSPECT_ADDR -> introspect.addr
//	MPTCPD_METRICS_ADDR    -> metrics.addr
//	MPTCPD_METRICS_PATH    -> metrics.path
//	MPTCPD_LOG_LEVEL       -> log.level
//	MPTCPD_LOG_FORMAT      -> log.format
//	MPTCPD_DBUS_ENABLED    -> dbus.enabled
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// MPTCPD_METRICS_ADDR -> metrics.addr (strip prefix, lowercase, _ -> .).
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

// envKeyMapper transforms MPTCPD_METRICS_ADDR -> metrics.addr.
// Strips the MPTCPD_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"introspect.addr":     defaults.Introspect.Addr,
		"metrics.addr":        defaults.Metrics.Addr,
		"metrics.path":        defaults.Metrics.Path,
		"log.level":           defaults.Log.Level,
		"log.format":          defaults.Log.Format,
		"dbus.enabled":        defaults.DBus.Enabled,
		"pathmgr.addr_flags":   defaults.PathMgr.AddrFlags,
		"pathmgr.notify_flags": defaults.PathMgr.NotifyFlags,
		"plugins.plugin_dir":   defaults.Plugins.Dir,
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
	// ErrEmptyIntrospectAddr indicates the introspection listen address is empty.
	ErrEmptyIntrospectAddr = errors.New("introspect.addr must not be empty")

	// ErrInvalidAddrFlags indicates addr_flags carries bits outside the
	// recognized SIGNAL|SUBFLOW|BACKUP set.
	ErrInvalidAddrFlags = errors.New("pathmgr.addr_flags must be a subset of {SIGNAL,SUBFLOW,BACKUP}")

	// ErrInvalidNotifyFlags indicates notify_flags carries bits outside
	// the recognized EXISTING|SKIP_LL|SKIP_HOST|ROUTE_CHECK set.
	ErrInvalidNotifyFlags = errors.New("pathmgr.notify_flags must be a subset of {EXISTING,SKIP_LL,SKIP_HOST,ROUTE_CHECK}")

	// ErrUnknownDefaultPlugin indicates default_plugin names a plugin
	// absent from load_plugins.
	ErrUnknownDefaultPlugin = errors.New("plugins.default_plugin must be listed in plugins.load_plugins")
)

const validAddrFlagsMask = uint32(AddrFlagSignal | AddrFlagSubflow | AddrFlagBackup)
const validNotifyFlagsMask = uint32(NotifyFlagExisting | NotifyFlagSkipLL | NotifyFlagSkipHost | NotifyFlagRouteCheck)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Introspect.Addr == "" {
		return ErrEmptyIntrospectAddr
	}

	if cfg.PathMgr.AddrFlags&^validAddrFlagsMask != 0 {
		return ErrInvalidAddrFlags
	}

	if cfg.PathMgr.NotifyFlags&^validNotifyFlagsMask != 0 {
		return ErrInvalidNotifyFlags
	}

	if cfg.Plugins.Default != "" {
		found := false
		for _, name := range cfg.Plugins.Load {
			if name == cfg.Plugins.Default {
				found = true
				break
			}
		}
		if !found {
			return ErrUnknownDefaultPlugin
		}
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
