// Package config handles configuration loading for agent-relay.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion, defaults, and validation.
//
// # Configuration File
//
// Locations (in order):
//
//  1. The --config flag
//  2. Path from the AGENT_RELAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/agent-relay/config.yaml (or ~/.config/agent-relay/config.yaml)
//
// A .env file in the working directory is loaded into the environment first.
//
// # Environment Variable Expansion
//
//	foundry:
//	  api_key: "${FOUNDRY_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:3978"
//	  grpc_addr: "0.0.0.0:50051"   # optional gRPC health service
//
//	foundry:
//	  endpoint: "https://example.services.ai.azure.com/api/projects/relay"
//	  api_key: "${FOUNDRY_API_KEY}"
//	  api_version: "2025-05-01"
//	  request_timeout: "60s"
//
//	agents:
//	  chat_agent_id: "asst_chat"
//	  builder_agent_id: "asst_builder"
//	  builder_keyword: "calendar"
//	  clear_cache_command: "/clearcache"
//	  max_tool_rounds: 6
//
//	database:
//	  path: "/var/lib/agent-relay/relay.db"   # empty or ":memory:" keeps sessions in memory
//
//	auth:
//	  jwt_secret: "${AGENT_RELAY_JWT_SECRET}"   # optional, at least 32 bytes
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "color"  # text, json, color
//
// Tailscale replaces server.http_addr with tsnet listeners:
//
//	tailscale:
//	  enabled: true
//	  hostname: "agent-relay"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
package config
