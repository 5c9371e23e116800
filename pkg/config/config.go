package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default addresses used when neither the config file nor the environment sets them.
const (
	DefaultUDPAddress        = "0.0.0.0:5353"
	DefaultControlAddress    = "127.0.0.1:9080"
	DefaultEmbeddedControl   = "127.0.0.1:8082"
	DefaultUpstream          = "1.1.1.1:53"
	DefaultBlocklistDir      = "./blocklist"
	DefaultUpstreamTimeout   = 3 * time.Second
	DefaultReloadDebounce    = 500 * time.Millisecond
	DefaultBlockingMode      = "nx"
	EnvControlAddress        = "PIBLOCK_HTTP_ADDR"
	EnvUDPAddress            = "PIBLOCK_UDP_BIND"
	EnvUpstream              = "PIBLOCK_UPSTREAM"
	EnvBlocklistDir          = "PIBLOCK_BLOCKLIST_DIR"
	defaultServiceName       = "piblock"
	defaultPrometheusEnabled = true
)

// Config holds the application configuration
type Config struct {
	// Listeners
	Server ServerConfig `yaml:"server"`

	// Upstream resolver receiving every query that is not blocked
	Upstream UpstreamConfig `yaml:"upstream"`

	// Blocklist source directory
	Blocklist BlocklistConfig `yaml:"blocklist"`

	// Policy applied to blocked queries
	Blocking BlockingConfig `yaml:"blocking"`

	// Control plane access
	Control ControlConfig `yaml:"control"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	UDPListenAddress string `yaml:"udp_listen_address"`
	ControlAddress   string `yaml:"control_address"`
}

// UpstreamConfig describes the resolver queries are forwarded to
type UpstreamConfig struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
}

// BlocklistConfig holds blocklist loading settings
type BlocklistConfig struct {
	Directory  string        `yaml:"directory"`
	AutoReload bool          `yaml:"auto_reload"` // reload when files in Directory change
	Debounce   time.Duration `yaml:"debounce"`
}

// BlockingConfig holds the initial blocking policy
type BlockingConfig struct {
	Mode    string `yaml:"mode"`     // nx, null, redirect
	BlockIP string `yaml:"block_ip"` // redirect target, IPv4 only
}

// ControlConfig holds optional control plane authentication
type ControlConfig struct {
	APIKey       string `yaml:"api_key"`
	AuthHeader   string `yaml:"auth_header"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
}

// AuthEnabled reports whether any credential is configured.
func (c ControlConfig) AuthEnabled() bool {
	return c.APIKey != "" || (c.Username != "" && c.PasswordHash != "")
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled *bool  `yaml:"prometheus_enabled"`
}

// PrometheusOn reports whether the Prometheus exporter should be installed.
func (t TelemetryConfig) PrometheusOn() bool {
	if t.PrometheusEnabled == nil {
		return defaultPrometheusEnabled
	}
	return *t.PrometheusEnabled
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// ApplyEnv overrides listener, upstream and blocklist settings from the
// environment. getenv is usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvControlAddress); v != "" {
		c.Server.ControlAddress = v
	}
	if v := getenv(EnvUDPAddress); v != "" {
		c.Server.UDPListenAddress = v
	}
	if v := getenv(EnvUpstream); v != "" {
		if _, _, err := net.SplitHostPort(v); err != nil {
			v = net.JoinHostPort(v, "53")
		}
		c.Upstream.Address = v
	}
	if v := getenv(EnvBlocklistDir); v != "" {
		c.Blocklist.Directory = v
	}
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	if c.Server.UDPListenAddress == "" {
		c.Server.UDPListenAddress = DefaultUDPAddress
	}
	if c.Server.ControlAddress == "" {
		c.Server.ControlAddress = DefaultControlAddress
	}

	if c.Upstream.Address == "" {
		c.Upstream.Address = DefaultUpstream
	}
	if _, _, err := net.SplitHostPort(c.Upstream.Address); err != nil {
		c.Upstream.Address = net.JoinHostPort(c.Upstream.Address, "53")
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = DefaultUpstreamTimeout
	}

	if c.Blocklist.Directory == "" {
		c.Blocklist.Directory = DefaultBlocklistDir
	}
	if c.Blocklist.Debounce == 0 {
		c.Blocklist.Debounce = DefaultReloadDebounce
	}

	if c.Blocking.Mode == "" {
		c.Blocking.Mode = DefaultBlockingMode
	}

	if c.Control.AuthHeader == "" {
		c.Control.AuthHeader = "Authorization"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaultServiceName
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.UDPListenAddress == "" {
		return fmt.Errorf("server.udp_listen_address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.Server.UDPListenAddress); err != nil {
		return fmt.Errorf("invalid server.udp_listen_address %q: %w", c.Server.UDPListenAddress, err)
	}
	if c.Server.ControlAddress == "" {
		return fmt.Errorf("server.control_address cannot be empty")
	}

	if c.Upstream.Address == "" {
		return fmt.Errorf("upstream.address must be configured")
	}
	if c.Upstream.Timeout < 0 {
		return fmt.Errorf("upstream.timeout cannot be negative")
	}

	// Unknown modes are accepted and behave as nx, mirroring the control plane.
	if c.Blocking.BlockIP != "" {
		ip := net.ParseIP(c.Blocking.BlockIP)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("invalid blocking.block_ip: %s (must be an IPv4 address)", c.Blocking.BlockIP)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	if c.Control.Username != "" && c.Control.PasswordHash == "" {
		return fmt.Errorf("control.password_hash must be set when control.username is set")
	}

	return nil
}
