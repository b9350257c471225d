package sift

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete proxy configuration.
type Config struct {
	// Proxy engine configuration
	Proxy ProxyConfig `mapstructure:"proxy"`

	// Traffic filter configuration
	Filter FilterConfig `mapstructure:"filter"`

	// Control API configuration
	Control ControlConfig `mapstructure:"control"`

	// Upstream proxy chaining configuration
	Upstream UpstreamConfig `mapstructure:"upstream"`

	// Connection pool configuration
	Pool PoolConfig `mapstructure:"pool"`

	// PAC script configuration
	PAC PACConfig `mapstructure:"pac"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ProxyConfig contains engine settings.
type ProxyConfig struct {
	// Host to bind the proxy listener on
	Host string `mapstructure:"host"`

	// Port to bind the proxy listener on, kept as text so it can be
	// validated the same way user-typed input is
	Port string `mapstructure:"port"`

	// Autostart brings the engine up immediately on launch
	Autostart bool `mapstructure:"autostart"`

	// DialTimeout bounds CONNECT tunnel dials
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// AccessLog is a file path for the JSON access log; empty disables it
	AccessLog string `mapstructure:"access_log"`
}

// Addr returns the engine's host:port bind address.
func (c ProxyConfig) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// FilterConfig contains traffic filter settings.
type FilterConfig struct {
	// Enabled determines if filtering starts active
	Enabled bool `mapstructure:"enabled"`

	// Mode selects the starting exclusion list: "allow" or "deny"
	Mode string `mapstructure:"mode"`

	// ListPath is a CSV file loaded into the active exclusion list
	ListPath string `mapstructure:"list_path"`

	// Allow seeds the allow exclusion list
	Allow []string `mapstructure:"allow"`

	// Deny seeds the deny exclusion list
	Deny []string `mapstructure:"deny"`
}

// ControlConfig contains control API settings.
type ControlConfig struct {
	// Enabled determines if the control API listener is started
	Enabled bool `mapstructure:"enabled"`

	// Addr to bind the control API on (e.g., "127.0.0.1:8081")
	Addr string `mapstructure:"addr"`

	// Metrics enables the Prometheus /metrics endpoint
	Metrics bool `mapstructure:"metrics"`

	// PAC enables the /proxy.pac endpoint
	PAC bool `mapstructure:"pac"`
}

// UpstreamConfig contains parent proxy settings.
type UpstreamConfig struct {
	// URL of the parent proxy (e.g., "http://proxy.corp:3128");
	// empty disables chaining
	URL string `mapstructure:"url"`

	// Username for parent proxy basic auth
	Username string `mapstructure:"username"`

	// Password for parent proxy basic auth
	Password string `mapstructure:"password"`
}

// PoolConfig contains connection pool settings.
type PoolConfig struct {
	// MaxIdleConns across all hosts
	MaxIdleConns int `mapstructure:"max_idle_conns"`

	// MaxIdleConnsPerHost per host
	MaxIdleConnsPerHost int `mapstructure:"max_idle_conns_per_host"`

	// MaxConnsPerHost caps total connections per host; 0 means no limit
	MaxConnsPerHost int `mapstructure:"max_conns_per_host"`

	// IdleConnTimeout before an idle connection is closed
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout"`
}

// PACConfig contains PAC script settings.
type PACConfig struct {
	// FallbackDirect appends a DIRECT route after the proxy
	FallbackDirect bool `mapstructure:"fallback_direct"`

	// BypassDomains are extra domain suffixes that go direct
	BypassDomains []string `mapstructure:"bypass_domains"`

	// BypassNetworks are extra CIDR blocks that go direct
	BypassNetworks []string `mapstructure:"bypass_networks"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Proxy: ProxyConfig{
			Host:        "127.0.0.1",
			Port:        "8080",
			Autostart:   true,
			DialTimeout: 10 * time.Second,
		},
		Filter: FilterConfig{
			Enabled: false,
			Mode:    "allow",
		},
		Control: ControlConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8081",
			Metrics: true,
			PAC:     true,
		},
		Pool: PoolConfig{
			MaxIdleConns:        200,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		PAC: PACConfig{
			FallbackDirect: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./sift.yaml, ./sift.yml, ./sift.json, ./sift.toml
// 3. $HOME/.sift/config.yaml
// 4. /etc/sift/config.yaml
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("sift")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.sift")
	v.AddConfigPath("/etc/sift")

	v.SetEnvPrefix("SIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file is fine; defaults and environment apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromReader loads configuration from raw bytes.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	// Proxy defaults
	v.SetDefault("proxy.host", defaults.Proxy.Host)
	v.SetDefault("proxy.port", defaults.Proxy.Port)
	v.SetDefault("proxy.autostart", defaults.Proxy.Autostart)
	v.SetDefault("proxy.dial_timeout", defaults.Proxy.DialTimeout)

	// Filter defaults
	v.SetDefault("filter.enabled", defaults.Filter.Enabled)
	v.SetDefault("filter.mode", defaults.Filter.Mode)

	// Control API defaults
	v.SetDefault("control.enabled", defaults.Control.Enabled)
	v.SetDefault("control.addr", defaults.Control.Addr)
	v.SetDefault("control.metrics", defaults.Control.Metrics)
	v.SetDefault("control.pac", defaults.Control.PAC)

	// Pool defaults
	v.SetDefault("pool.max_idle_conns", defaults.Pool.MaxIdleConns)
	v.SetDefault("pool.max_idle_conns_per_host", defaults.Pool.MaxIdleConnsPerHost)
	v.SetDefault("pool.idle_conn_timeout", defaults.Pool.IdleConnTimeout)

	// PAC defaults
	v.SetDefault("pac.fallback_direct", defaults.PAC.FallbackDirect)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)
}

// ValidatePort checks a user-supplied port string: 1 to 5 digits, in
// the 1-65535 range, with no leading zeros or sign.
func ValidatePort(port string) error {
	if len(port) == 0 || len(port) > 5 {
		return fmt.Errorf("port must be 1 to 5 digits")
	}

	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric")
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if strconv.Itoa(n) != port {
		return fmt.Errorf("port must not have leading zeros")
	}

	return nil
}

// Validate checks the configuration for errors that would only surface
// later as confusing runtime failures.
func (c *Config) Validate() error {
	if err := ValidatePort(c.Proxy.Port); err != nil {
		return fmt.Errorf("proxy.port: %w", err)
	}

	if _, err := ParseFilterMode(c.Filter.Mode); err != nil {
		return fmt.Errorf("filter.mode: %w", err)
	}

	if c.Upstream.URL != "" {
		if _, err := NewUpstreamProxy(c.Upstream.URL); err != nil {
			return fmt.Errorf("upstream.url: %w", err)
		}
	}

	return nil
}

// BuildProxy constructs a Proxy from the configuration: filter state,
// exclusion lists, upstream chaining, connection pool, metrics and
// access logging.
func (c *Config) BuildProxy() (*Proxy, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	p := NewProxy(c.Proxy.Addr())
	p.StartEnabled = c.Proxy.Autostart
	p.DialTimeout = c.Proxy.DialTimeout
	p.TransportPool = c.buildPool()

	mode, err := ParseFilterMode(c.Filter.Mode)
	if err != nil {
		return nil, err
	}

	f := p.Filter()
	f.SetMode(FilterAllow)
	f.SetActiveList(c.Filter.Allow)
	f.SetMode(FilterDeny)
	f.SetActiveList(c.Filter.Deny)
	f.SetMode(mode)

	if c.Filter.ListPath != "" {
		entries, err := LoadExclusionListFile(c.Filter.ListPath)
		if err != nil {
			return nil, fmt.Errorf("load exclusion list: %w", err)
		}
		f.SetActiveList(entries)
	}
	f.SetEnabled(c.Filter.Enabled)

	if c.Upstream.URL != "" {
		up, err := NewUpstreamProxy(c.Upstream.URL)
		if err != nil {
			return nil, err
		}
		if c.Upstream.Username != "" {
			up.Auth = &UpstreamAuth{
				Username: c.Upstream.Username,
				Password: c.Upstream.Password,
			}
		}
		p.Upstream = up
	}

	if c.Control.Metrics {
		p.Metrics = NewMetrics()
	}

	if c.Proxy.AccessLog != "" {
		logFile, err := os.OpenFile(c.Proxy.AccessLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open access log: %w", err)
		}
		p.AccessLog = NewAccessLogger(slog.New(slog.NewJSONHandler(logFile, nil)))
	}

	return p, nil
}

func (c *Config) buildPool() *TransportPool {
	pool := NewTransportPool()
	if c.Pool.MaxIdleConns > 0 {
		pool.MaxIdleConns = c.Pool.MaxIdleConns
	}
	if c.Pool.MaxIdleConnsPerHost > 0 {
		pool.MaxIdleConnsPerHost = c.Pool.MaxIdleConnsPerHost
	}
	if c.Pool.MaxConnsPerHost > 0 {
		pool.MaxConnsPerHost = c.Pool.MaxConnsPerHost
	}
	if c.Pool.IdleConnTimeout > 0 {
		pool.IdleConnTimeout = c.Pool.IdleConnTimeout
	}
	return pool
}

// BuildControlAPI constructs the control API for a built proxy,
// honoring the metrics and PAC toggles and keeping readiness tied to
// the exclusion list file when one is configured.
func (c *Config) BuildControlAPI(p *Proxy) *ControlAPI {
	api := NewControlAPI(p)
	api.Metrics = p.Metrics

	if c.Control.PAC {
		pac := NewPACGenerator(c.Proxy.Addr())
		pac.FallbackDirect = c.PAC.FallbackDirect
		for _, domain := range c.PAC.BypassDomains {
			pac.AddBypassDomain(domain)
		}
		for _, network := range c.PAC.BypassNetworks {
			pac.AddBypassNetwork(network)
		}
		api.PAC = pac
	}

	if path := c.Filter.ListPath; path != "" {
		api.Health.ReadinessChecks = append(api.Health.ReadinessChecks, func() error {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("exclusion list unavailable: %w", err)
			}
			return nil
		})
	}

	return api
}

// NewLogger builds the process logger from the logging configuration.
func (c LoggingConfig) NewLogger() (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", c.Level)
	}

	var out *os.File
	switch c.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		out = f
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(out, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format: %s", c.Format)
	}
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# sift - local filtering proxy configuration
# See https://github.com/acmacalister/sift for documentation

proxy:
  # Address to bind the proxy listener on
  host: "127.0.0.1"
  port: "8080"

  # Bring the engine up immediately on launch
  autostart: true

  # CONNECT tunnel dial timeout
  dial_timeout: 10s

  # JSON access log file (empty disables)
  # access_log: "/var/log/sift/access.log"

filter:
  # Start with filtering active
  enabled: false

  # Starting exclusion list: allow or deny
  mode: "allow"

  # CSV file loaded into the active exclusion list
  # list_path: "/etc/sift/exclusions.csv"

  # Inline exclusion lists
  allow:
    - "intranet.corp"
  deny:
    - "ads.example.com"
    - "tracking.example.com"

control:
  # Local management API
  enabled: true
  addr: "127.0.0.1:8081"

  # Prometheus metrics endpoint
  metrics: true

  # Serve /proxy.pac for browser auto-configuration
  pac: true

upstream:
  # Chain through a parent proxy (empty disables)
  # url: "http://proxy.corp:3128"
  # username: ""
  # password: ""

pool:
  # Forwarding connection pool
  max_idle_conns: 200
  max_idle_conns_per_host: 10
  max_conns_per_host: 0
  idle_conn_timeout: 90s

pac:
  # Keep working without the proxy
  fallback_direct: true

  # Extra direct routes
  # bypass_domains:
  #   - ".internal.corp"
  # bypass_networks:
  #   - "172.20.0.0/16"

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"

  # Output: stdout, stderr, or file path
  output: "stderr"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0o644)
}
