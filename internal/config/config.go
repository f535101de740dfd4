// Package config handles qlik-mcp configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/qlik-mcp/internal/qlik"
)

// DefaultPort is the MCP listener port when none is configured.
const DefaultPort = 8082

// Health polling defaults.
const (
	DefaultPollInterval = 60 * time.Second
	DefaultAuthHeader   = "X-Gateway-Token"
)

// ErrNoConfigFile is returned by FindConfig when no file exists on the
// search path. It is not fatal: Load falls back to Default.
var ErrNoConfigFile = errors.New("no config file found")

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/qlikmcp/config.yaml, /etc/qlikmcp/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "qlikmcp", "config.yaml"))
	}

	paths = append(paths, "/etc/qlikmcp/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists,
// or ErrNoConfigFile.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfigFile, DefaultSearchPaths())
}

// Config holds all qlik-mcp configuration.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	Qlik      QlikConfig   `yaml:"qlik"`
	Auth      AuthConfig   `yaml:"auth"`
	Health    HealthConfig `yaml:"health"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the MCP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// QlikConfig defines the tenant connection.
type QlikConfig struct {
	// TenantURL is the endpoint base, e.g. https://acme.eu.qlikcloud.com.
	TenantURL string `yaml:"tenant_url"`
	// Token is the fallback credential used when a request carries none.
	Token string `yaml:"token"`

	RESTTimeout          time.Duration `yaml:"rest_timeout"`
	RESTRetries          *int          `yaml:"rest_retries"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	EngineConnectTimeout time.Duration `yaml:"engine_connect_timeout"`
	// CallTimeout bounds each Engine-backed tool call; 0 disables it.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// Retries returns the configured REST retry count, or the default.
func (q QlikConfig) Retries() int {
	if q.RESTRetries == nil {
		return qlik.DefaultRESTRetries
	}
	return *q.RESTRetries
}

// AuthConfig enables the optional inbound gateway token check.
type AuthConfig struct {
	// JWTSecret enables HS256 verification when non-empty.
	JWTSecret string `yaml:"jwt_secret"`
	// Header names the request header carrying the gateway token.
	Header string `yaml:"header"`
}

// HealthConfig tunes the tenant watcher.
type HealthConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Load reads configuration from a YAML file. An empty path yields the
// defaults. Environment fallbacks are applied and the result validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		// Expand environment variables
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)
	cfg.Qlik.TenantURL = qlik.NormalizeBaseURL(cfg.Qlik.TenantURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: DefaultPort},
		Qlik: QlikConfig{
			RESTTimeout:          qlik.DefaultRESTTimeout,
			RetryDelay:           qlik.DefaultRetryDelay,
			EngineConnectTimeout: qlik.DefaultConnectTimeout,
		},
		Auth:      AuthConfig{Header: DefaultAuthHeader},
		Health:    HealthConfig{PollInterval: DefaultPollInterval},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// ApplyEnv fills unset fields from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	first := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}

	if c.Qlik.TenantURL == "" {
		c.Qlik.TenantURL = first("QLIK_TENANT", "QLIK_CLOUD_TENANT_URL")
	}
	if c.Qlik.Token == "" {
		c.Qlik.Token = first("QLIK_TOKEN", "QLIK_CLOUD_API_KEY")
	}
	if c.Listen.Address == "" {
		c.Listen.Address = first("MCP_SERVER_HOST")
	}
	if v := first("MCP_SERVER_PORT"); v != "" && (c.Listen.Port == 0 || c.Listen.Port == DefaultPort) {
		if port, err := strconv.Atoi(v); err == nil {
			c.Listen.Port = port
		}
	}
	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = first("MCP_JWT_SECRET")
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (valid: text, json)", c.LogFormat)
	}

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}

	if c.Qlik.TenantURL != "" {
		u, err := url.Parse(c.Qlik.TenantURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("qlik.tenant_url %q must be an http(s) URL", c.Qlik.TenantURL)
		}
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"qlik.rest_timeout", c.Qlik.RESTTimeout},
		{"qlik.retry_delay", c.Qlik.RetryDelay},
		{"qlik.engine_connect_timeout", c.Qlik.EngineConnectTimeout},
		{"qlik.call_timeout", c.Qlik.CallTimeout},
		{"health.poll_interval", c.Health.PollInterval},
	}
	for _, f := range durations {
		if f.d < 0 {
			return fmt.Errorf("%s must not be negative (got %s)", f.name, f.d)
		}
	}
	if c.Qlik.Retries() < 0 {
		return fmt.Errorf("qlik.rest_retries must not be negative (got %d)", c.Qlik.Retries())
	}
	return nil
}

// ListenAddr returns the host:port the server binds.
func (c *Config) ListenAddr() string {
	port := c.Listen.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", c.Listen.Address, port)
}
