// ABOUTME: Core types for the agent session layer: messages, definitions, chunks, errors
// ABOUTME: Shared by the Manager, the run executors, and the relay

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidRequest indicates a missing conversation id or text.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRemoteAgentUnavailable indicates the remote agent endpoint could not
	// resolve a definition, create a thread, or complete a run.
	ErrRemoteAgentUnavailable = errors.New("remote agent unavailable")

	// ErrToolExecution indicates a local tool failed mid-run. Errors carrying
	// it also match ErrRemoteAgentUnavailable.
	ErrToolExecution = errors.New("tool execution failed")

	// ErrMalformedEvent marks an upstream event that could not be decoded.
	// It is logged and never returned to callers.
	ErrMalformedEvent = errors.New("malformed upstream event")
)

// IncomingMessage is a normalized user message.
type IncomingMessage struct {
	ConversationID string
	Text           string
	// UserName is the display name of the sender, when the front end knows it.
	UserName string
}

// Validate checks the required fields.
func (m IncomingMessage) Validate() error {
	if strings.TrimSpace(m.ConversationID) == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}
	return nil
}

// Definition is a resolved remote agent. Cached definitions are never mutated.
type Definition struct {
	ID             string
	Name           string
	Model          string
	Instructions   string
	Tools          []string
	ResponseFormat json.RawMessage
	// Generation is the cache epoch the definition was fetched under.
	Generation uint64
	FetchedAt  time.Time
}

// ChunkEvent classifies a streamed chunk.
type ChunkEvent string

const (
	ChunkText  ChunkEvent = "text"
	ChunkError ChunkEvent = "error"
	ChunkUsage ChunkEvent = "usage"
)

// Usage is the token consumption of a completed run.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Chunk is one unit of a streamed response.
type Chunk struct {
	Event ChunkEvent
	// Text is set for ChunkText.
	Text string
	// Usage is set for ChunkUsage.
	Usage *Usage
	// RunID identifies the remote run that produced the chunk, when known.
	RunID string
	// Raw carries the payload of vendor events the executor does not interpret.
	Raw json.RawMessage
}

// remoteErr annotates err with op and classifies it as a remote failure
// unless it is a cancellation or already classified.
func remoteErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRemoteAgentUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrRemoteAgentUnavailable, err)
}
