// ABOUTME: Configuration loading and parsing for agent-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is empty.
const (
	DefaultBuilderKeyword    = "calendar"
	DefaultClearCacheCommand = "/clearcache"
	DefaultRequestTimeout    = 60 * time.Second
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

// minJWTSecretLen is the shortest accepted HS256 secret.
const minJWTSecretLen = 32

// Config represents the complete agent-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Foundry   FoundryConfig   `yaml:"foundry"`
	Agents    AgentsConfig    `yaml:"agents"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr serves the gRPC health service. Empty disables it.
	GRPCAddr string `yaml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // serve HTTPS on :443 with a tailnet certificate
	Funnel    bool   `yaml:"funnel"` // expose publicly through Funnel (implies HTTPS)
}

// FoundryConfig locates the remote agent endpoint
type FoundryConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	APIVersion string `yaml:"api_version"`

	RequestTimeout    time.Duration `yaml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
}

// AgentsConfig selects the remote agents and routing behaviour
type AgentsConfig struct {
	ChatAgentID       string `yaml:"chat_agent_id"`
	BuilderAgentID    string `yaml:"builder_agent_id"`
	BuilderKeyword    string `yaml:"builder_keyword"`
	ClearCacheCommand string `yaml:"clear_cache_command"`
	MaxToolRounds     int    `yaml:"max_tool_rounds"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Path of the SQLite database. Empty or ":memory:" keeps sessions in memory.
	Path string `yaml:"path"`
}

// InMemory reports whether sessions should be kept in process memory.
func (d DatabaseConfig) InMemory() bool {
	return d.Path == "" || d.Path == ":memory:"
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret enables bearer authentication when set.
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration data, applies defaults, and validates it.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Agents.BuilderKeyword == "" {
		c.Agents.BuilderKeyword = DefaultBuilderKeyword
	}
	if c.Agents.ClearCacheCommand == "" {
		c.Agents.ClearCacheCommand = DefaultClearCacheCommand
	}
	if c.Foundry.RequestTimeout == 0 {
		c.Foundry.RequestTimeout = DefaultRequestTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Tailscale.Funnel {
		c.Tailscale.HTTPS = true
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Foundry.Endpoint == "" {
		return fmt.Errorf("foundry.endpoint is required")
	}
	u, err := url.Parse(c.Foundry.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("foundry.endpoint must be an http(s) URL, got %q", c.Foundry.Endpoint)
	}

	if c.Agents.ChatAgentID == "" {
		return fmt.Errorf("agents.chat_agent_id is required")
	}
	if c.Agents.MaxToolRounds < 0 {
		return fmt.Errorf("agents.max_tool_rounds must not be negative")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLen)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json", "color":
	default:
		return fmt.Errorf("logging.format must be one of text, json, color, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Foundry.RequestTimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.Foundry.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Foundry.RequestTimeoutRaw, err)
		}
		cfg.Foundry.RequestTimeout = d
	}
	return nil
}
