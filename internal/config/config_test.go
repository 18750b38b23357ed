// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
server:
  http_addr: "0.0.0.0:3978"
  grpc_addr: "0.0.0.0:50051"

foundry:
  endpoint: "https://example.services.ai.azure.com/api/projects/relay"
  api_key: "test-key"
  api_version: "2025-05-01"
  request_timeout: "30s"

agents:
  chat_agent_id: "asst_chat"
  builder_agent_id: "asst_builder"
  max_tool_rounds: 4

database:
  path: "./relay.db"

logging:
  level: "debug"
  format: "json"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:3978" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:3978")
	}
	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Foundry.APIKey != "test-key" {
		t.Errorf("Foundry.APIKey = %q, want %q", cfg.Foundry.APIKey, "test-key")
	}
	if cfg.Foundry.RequestTimeout != 30*time.Second {
		t.Errorf("Foundry.RequestTimeout = %v, want %v", cfg.Foundry.RequestTimeout, 30*time.Second)
	}
	if cfg.Agents.ChatAgentID != "asst_chat" {
		t.Errorf("Agents.ChatAgentID = %q, want %q", cfg.Agents.ChatAgentID, "asst_chat")
	}
	if cfg.Agents.BuilderAgentID != "asst_builder" {
		t.Errorf("Agents.BuilderAgentID = %q, want %q", cfg.Agents.BuilderAgentID, "asst_builder")
	}
	if cfg.Agents.MaxToolRounds != 4 {
		t.Errorf("Agents.MaxToolRounds = %d, want 4", cfg.Agents.MaxToolRounds)
	}
	if cfg.Database.InMemory() {
		t.Error("Database.InMemory() = true for a file path")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	content := `
server:
  http_addr: ":3978"
foundry:
  endpoint: "http://localhost:9000"
agents:
  chat_agent_id: "asst_chat"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agents.BuilderKeyword != DefaultBuilderKeyword {
		t.Errorf("Agents.BuilderKeyword = %q, want %q", cfg.Agents.BuilderKeyword, DefaultBuilderKeyword)
	}
	if cfg.Agents.ClearCacheCommand != DefaultClearCacheCommand {
		t.Errorf("Agents.ClearCacheCommand = %q, want %q", cfg.Agents.ClearCacheCommand, DefaultClearCacheCommand)
	}
	if cfg.Foundry.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("Foundry.RequestTimeout = %v, want %v", cfg.Foundry.RequestTimeout, DefaultRequestTimeout)
	}
	if cfg.Logging.Level != DefaultLogLevel || cfg.Logging.Format != DefaultLogFormat {
		t.Errorf("Logging = %+v, want defaults", cfg.Logging)
	}
	if !cfg.Database.InMemory() {
		t.Error("Database.InMemory() = false for empty path")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_FOUNDRY_KEY", "from-env")
	t.Setenv("TEST_JWT_SECRET", strings.Repeat("s", 32))

	content := `
server:
  http_addr: ":3978"
foundry:
  endpoint: "https://example.com"
  api_key: "${TEST_FOUNDRY_KEY}"
agents:
  chat_agent_id: "asst_chat"
  builder_agent_id: "${TEST_UNSET_BUILDER}"
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Foundry.APIKey != "from-env" {
		t.Errorf("Foundry.APIKey = %q, want %q", cfg.Foundry.APIKey, "from-env")
	}
	if cfg.Agents.BuilderAgentID != "" {
		t.Errorf("Agents.BuilderAgentID = %q, want empty for unset variable", cfg.Agents.BuilderAgentID)
	}
	if len(cfg.Auth.JWTSecret) != 32 {
		t.Errorf("len(Auth.JWTSecret) = %d, want 32", len(cfg.Auth.JWTSecret))
	}
}

func TestLoad_FunnelImpliesHTTPS(t *testing.T) {
	content := `
tailscale:
  enabled: true
  hostname: "relay"
  funnel: true
foundry:
  endpoint: "https://example.com"
agents:
  chat_agent_id: "asst_chat"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Tailscale.HTTPS {
		t.Error("Tailscale.HTTPS = false, want true when funnel is enabled")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("error = %v, want reading config file error", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unterminated"))
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	content := strings.Replace(validConfig, `request_timeout: "30s"`, `request_timeout: "soon"`, 1)
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "request_timeout") {
		t.Errorf("error = %v, want mention of request_timeout", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Server:  ServerConfig{HTTPAddr: ":3978"},
			Foundry: FoundryConfig{Endpoint: "https://example.com"},
			Agents:  AgentsConfig{ChatAgentID: "asst_chat"},
			Logging: LoggingConfig{Level: "info", Format: "text"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale without addr", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "relay"}
		}, ""},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"missing endpoint", func(c *Config) { c.Foundry.Endpoint = "" }, "foundry.endpoint"},
		{"bad endpoint scheme", func(c *Config) { c.Foundry.Endpoint = "ftp://example.com" }, "foundry.endpoint"},
		{"missing chat agent", func(c *Config) { c.Agents.ChatAgentID = "" }, "agents.chat_agent_id"},
		{"negative tool rounds", func(c *Config) { c.Agents.MaxToolRounds = -1 }, "max_tool_rounds"},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("RELAY_A", "alpha")

	got := expandEnvVars("a=${RELAY_A} b=${RELAY_UNSET_B} c=$RELAY_A")
	want := "a=alpha b= c=$RELAY_A"
	if got != want {
		t.Errorf("expandEnvVars() = %q, want %q", got, want)
	}
}
