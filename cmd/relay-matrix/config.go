// ABOUTME: Configuration for the relay-matrix adapter
// ABOUTME: TOML file with ${VAR} expansion, defaults, and validation

package main

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied when the file leaves a field empty.
const (
	defaultRelayTimeout = 5 * time.Minute
	defaultEditInterval = 750 * time.Millisecond
	defaultDeviceName   = "relay-matrix"
	defaultErrorNotice  = "Something went wrong while answering. Please try again."
)

// Config is the relay-matrix configuration file.
type Config struct {
	Matrix  MatrixConfig  `toml:"matrix"`
	Relay   RelayConfig   `toml:"relay"`
	Bridge  BridgeConfig  `toml:"bridge"`
	Logging LoggingConfig `toml:"logging"`
}

// MatrixConfig holds the bot account.
type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	DeviceName  string `toml:"device_name"`
	RecoveryKey string `toml:"recovery_key"`
	// Encryption turns on E2EE even without a recovery key.
	Encryption bool `toml:"encryption"`
}

// RelayConfig locates the relay service.
type RelayConfig struct {
	URL string `toml:"url"`
	// Token is sent as a bearer token when set.
	Token      string        `toml:"token"`
	TimeoutRaw string        `toml:"timeout"`
	Timeout    time.Duration `toml:"-"`
}

// BridgeConfig controls which messages are forwarded and how replies render.
type BridgeConfig struct {
	AllowedRooms    []string      `toml:"allowed_rooms"`
	CommandPrefix   string        `toml:"command_prefix"`
	TypingIndicator bool          `toml:"typing_indicator"`
	EditIntervalRaw string        `toml:"edit_interval"`
	EditInterval    time.Duration `toml:"-"`
	ErrorNotice     string        `toml:"error_notice"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// EncryptionEnabled reports whether the crypto helper should be set up.
func (m MatrixConfig) EncryptionEnabled() bool {
	return m.Encryption || m.RecoveryKey != ""
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envPattern.FindStringSubmatch(m)[1])
	})
}

// Load reads and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if _, err := toml.Decode(expandEnv(string(data)), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// finish parses durations, fills defaults, and validates.
func (c *Config) finish() error {
	var err error
	if c.Relay.Timeout, err = parseDuration("relay.timeout", c.Relay.TimeoutRaw, defaultRelayTimeout); err != nil {
		return err
	}
	if c.Bridge.EditInterval, err = parseDuration("bridge.edit_interval", c.Bridge.EditIntervalRaw, defaultEditInterval); err != nil {
		return err
	}
	if c.Matrix.DeviceName == "" {
		c.Matrix.DeviceName = defaultDeviceName
	}
	if c.Bridge.ErrorNotice == "" {
		c.Bridge.ErrorNotice = defaultErrorNotice
	}
	return c.Validate()
}

func parseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if err := requireHTTPURL("matrix.homeserver", c.Matrix.Homeserver); err != nil {
		return err
	}
	if c.Matrix.Username == "" {
		return fmt.Errorf("matrix.username is required")
	}
	if c.Matrix.Password == "" {
		return fmt.Errorf("matrix.password is required")
	}
	return requireHTTPURL("relay.url", c.Relay.URL)
}

func requireHTTPURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http or https URL, got %q", field, raw)
	}
	return nil
}

// roomAllowed reports whether the bridge answers in roomID.
func (b BridgeConfig) roomAllowed(roomID string) bool {
	return len(b.AllowedRooms) == 0 || slices.Contains(b.AllowedRooms, roomID)
}
