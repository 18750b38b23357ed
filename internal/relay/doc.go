// Package relay is the HTTP front of agent-relay.
//
// # Endpoints
//
//	POST /messages           stream the agent reply as SSE (alias /api/v1/messages)
//	GET  /health             liveness, {"status":"healthy"}
//	GET  /health/ready       200 once the chat agent definition is resolved
//	POST /admin/cache/clear  drop cached agent definitions (204)
//	GET  /admin/sessions     list conversation sessions
//	GET  /admin/usage        aggregate token usage
//	GET  /admin/usage/{id}   token usage of one conversation
//
// /messages and /admin require a bearer token when auth.jwt_secret is set.
//
// # Streaming
//
// Each text fragment becomes one event, flushed immediately:
//
//	event: text
//	data: Hello
//
// Headers are written with the first event. A failure before that is a
// plain-text 500. A failure after it is a single error event
// ({"error":"An error occurred while generating the response."}) and the
// stream ends. Usage chunks are logged and stored, never forwarded.
//
// # Lifecycle
//
// Relay wires the store, the remote agent executor, and the agent manager,
// then serves HTTP and a gRPC health service (grpc.health.v1) on TCP or on a
// Tailscale node. Run blocks until its context is cancelled and shuts down
// within five seconds.
package relay
