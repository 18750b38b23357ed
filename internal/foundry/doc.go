// Package foundry is a client for the remote agent-hosting endpoint.
//
// The endpoint exposes an Assistants-style REST API: agent definitions live
// under /assistants, conversation state under /threads, and a run against a
// thread can be streamed back as server-sent events. When the agent needs a
// local function it pauses the run with a thread.run.requires_action event;
// the caller executes the requested tools and resumes the run with
// SubmitToolOutputs, which returns a new stream.
//
// Every request carries the api-version query parameter and a bearer key.
// Non-2xx responses are returned as *APIError; transport failures wrap
// ErrUnavailable.
package foundry
