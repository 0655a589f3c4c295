// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/otoroshi-sidecar/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Context      string `kong:"help='Path to the TOML proxy context file (overrides config).',env='CONTEXT_PATH'"`
	InternalPort int    `kong:"help='Internal listener port (overrides config).',env='INTERNAL_PORT'"`
	ExternalPort int    `kong:"help='External listener port (overrides config).',env='EXTERNAL_PORT'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Internal ListenerConfig `toml:"internal"`
	External ListenerConfig `toml:"external"`
	Admin    AdminConfig    `toml:"admin"`
	Relay    RelayConfig    `toml:"relay"`
	Context  ContextConfig  `toml:"context"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ListenerConfig holds the settings of one proxy direction.
type ListenerConfig struct {
	// Enabled is a pointer so an omitted key can default to true.
	Enabled      *bool           `toml:"enabled"`
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default"; TOML cannot distinguish 0 from unset
	OriginCheck  bool            `toml:"origin_check"`
	BodyMaxBytes int64           `toml:"body_max_bytes"` // 0 means unlimited
	TLSCertFile  string          `toml:"tls_cert_file"`
	TLSKeyFile   string          `toml:"tls_key_file"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`

	// RequireClientCert only applies to the external listener.
	RequireClientCert *bool `toml:"require_client_cert"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// AdminConfig holds the health/metrics listener settings.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// RelayConfig bounds the upstream exchange.
type RelayConfig struct {
	// TimeoutSeconds is a per-request deadline on the upstream exchange.
	// 0 disables it.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// ContextConfig locates the proxy context file.
type ContextConfig struct {
	Path  string `toml:"path"`
	Watch bool   `toml:"watch"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/otoroshi-sidecar/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Context != "" {
		c.Context.Path = cli.Context
	}
	if cli.InternalPort != 0 {
		c.Internal.Port = cli.InternalPort
	}
	if cli.ExternalPort != 0 {
		c.External.Port = cli.ExternalPort
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Context.Path == "" {
		return fmt.Errorf("context.path is required")
	}

	if err := c.Internal.validate("internal"); err != nil {
		return err
	}
	if err := c.External.validate("external"); err != nil {
		return err
	}
	if !c.Internal.IsEnabled() && !c.External.IsEnabled() {
		return fmt.Errorf("at least one of internal.enabled or external.enabled must be true")
	}
	if (c.Internal.TLSCertFile == "") != (c.Internal.TLSKeyFile == "") {
		return fmt.Errorf("internal.tls_cert_file and internal.tls_key_file must be set together")
	}
	if c.External.TLSCertFile != "" || c.External.TLSKeyFile != "" {
		return fmt.Errorf("external TLS material comes from the proxy context; remove external.tls_cert_file/tls_key_file")
	}

	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.Relay.TimeoutSeconds < 0 {
		return fmt.Errorf("relay.timeout_seconds must be non-negative; got %d", c.Relay.TimeoutSeconds)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics are served by the admin listener only.
	if c.Metrics.Enabled && !c.Admin.Enabled {
		return fmt.Errorf("metrics.enabled requires admin.enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (l *ListenerConfig) validate(name string) error {
	if l.Port < 0 || l.Port > 65535 {
		return fmt.Errorf("%s.port must be 0–65535; got %d", name, l.Port)
	}
	if l.BodyMaxBytes < 0 {
		return fmt.Errorf("%s.body_max_bytes must be non-negative; got %d", name, l.BodyMaxBytes)
	}
	if l.RateLimit.Enabled && l.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("%s.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", name, l.RateLimit.RequestsPerSecond)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	enabled := true
	if c.Internal.Enabled == nil {
		c.Internal.Enabled = &enabled
	}
	if c.External.Enabled == nil {
		c.External.Enabled = &enabled
	}
	if c.External.RequireClientCert == nil {
		c.External.RequireClientCert = &enabled
	}
	if c.Internal.Host == "" {
		c.Internal.Host = "127.0.0.1"
	}
	if c.Internal.Port == 0 {
		c.Internal.Port = 8081
	}
	if c.External.Host == "" {
		c.External.Host = "0.0.0.0"
	}
	if c.External.Port == 0 {
		c.External.Port = 8443
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsEnabled reports whether the listener should be started.
func (l *ListenerConfig) IsEnabled() bool {
	return l.Enabled == nil || *l.Enabled
}

// ClientCertRequired reports whether peers must present a verified certificate.
func (l *ListenerConfig) ClientCertRequired() bool {
	return l.RequireClientCert == nil || *l.RequireClientCert
}

// HasTLS reports whether the listener terminates TLS with its own key pair.
func (l *ListenerConfig) HasTLS() bool {
	return l.TLSCertFile != "" && l.TLSKeyFile != ""
}

// Timeout returns the upstream exchange deadline, or 0 when disabled.
func (c *RelayConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config or context file is readable
// by group or others. Both may carry secrets.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	for _, path := range []string{c.filePath, c.Context.Path} {
		warnPermissions(path, logger)
	}
}

func warnPermissions(path string, logger *slog.Logger) {
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("file is readable by group/others; consider chmod 600",
			"path", path,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
