// ABOUTME: Wire types for the remote agent API (agents, threads, runs, deltas)
// ABOUTME: Mirrors the JSON objects returned by the Assistants-style endpoints

package foundry

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Run event names emitted on a streaming run.
const (
	EventRunCreated        = "thread.run.created"
	EventRunInProgress     = "thread.run.in_progress"
	EventRunRequiresAction = "thread.run.requires_action"
	EventRunCompleted      = "thread.run.completed"
	EventRunFailed         = "thread.run.failed"
	EventRunCancelled      = "thread.run.cancelled"
	EventRunExpired        = "thread.run.expired"
	EventMessageDelta      = "thread.message.delta"
	EventError             = "error"
	EventDone              = "done"
)

// Agent is a remote agent definition.
type Agent struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Model          string            `json:"model"`
	Instructions   string            `json:"instructions"`
	Tools          []ToolSpec        `json:"tools"`
	ResponseFormat json.RawMessage   `json:"response_format,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      int64             `json:"created_at"`
}

// FunctionNames returns the names of the agent's function tools.
func (a *Agent) FunctionNames() []string {
	var names []string
	for _, t := range a.Tools {
		if t.Type == "function" && t.Function != nil {
			names = append(names, t.Function.Name)
		}
	}
	return names
}

// ToolSpec is one tool entry on an agent definition.
type ToolSpec struct {
	Type     string        `json:"type"`
	Function *FunctionSpec `json:"function,omitempty"`
}

// FunctionSpec describes a callable function tool.
type FunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// AgentUpdate is the body of an agent update. Only set fields are changed.
type AgentUpdate struct {
	Tools          []ToolSpec      `json:"tools"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
}

// Thread is a remote conversation handle.
type Thread struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

// Message is a message stored on a thread.
type Message struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	Role     string `json:"role"`
}

// RunOptions starts a run of an agent against a thread.
type RunOptions struct {
	AssistantID            string `json:"assistant_id"`
	AdditionalInstructions string `json:"additional_instructions,omitempty"`
}

// ToolOutput is the result of one tool call, submitted to resume a run.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// Run is the run object carried by thread.run.* events.
type Run struct {
	ID             string          `json:"id"`
	ThreadID       string          `json:"thread_id"`
	AssistantID    string          `json:"assistant_id"`
	Status         string          `json:"status"`
	RequiredAction *RequiredAction `json:"required_action,omitempty"`
	LastError      *RunError       `json:"last_error,omitempty"`
	Usage          *RunUsage       `json:"usage,omitempty"`
}

// RequiredAction lists the tool calls a paused run is waiting on.
type RequiredAction struct {
	Type              string `json:"type"`
	SubmitToolOutputs struct {
		ToolCalls []ToolCall `json:"tool_calls"`
	} `json:"submit_tool_outputs"`
}

// ToolCall is a single function invocation requested by the agent.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// RunError describes why a run failed.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RunError) String() string {
	if e == nil {
		return "unknown error"
	}
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// RunUsage reports token consumption for a completed run.
type RunUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// MessageDelta is the payload of a thread.message.delta event.
type MessageDelta struct {
	ID    string `json:"id"`
	Delta struct {
		Content []DeltaContent `json:"content"`
	} `json:"delta"`
}

// DeltaContent is one content part of a message delta.
type DeltaContent struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	Text  *struct {
		Value string `json:"value"`
	} `json:"text,omitempty"`
}

// Text concatenates the text parts of the delta.
func (d *MessageDelta) Text() string {
	var sb strings.Builder
	for _, c := range d.Delta.Content {
		if c.Type == "text" && c.Text != nil {
			sb.WriteString(c.Text.Value)
		}
	}
	return sb.String()
}

// RunEvent is one event of a streaming run.
type RunEvent struct {
	Name string
	Data json.RawMessage
}

// Run decodes the event payload as a run object.
func (e RunEvent) Run() (*Run, error) {
	var r Run
	if err := json.Unmarshal(e.Data, &r); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", e.Name, err)
	}
	return &r, nil
}

// MessageDelta decodes the event payload as a message delta.
func (e RunEvent) MessageDelta() (*MessageDelta, error) {
	var d MessageDelta
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", e.Name, err)
	}
	return &d, nil
}

// ErrorMessage extracts a readable message from an error event payload.
func (e RunEvent) ErrorMessage() string {
	var body struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(e.Data, &body); err != nil {
		return string(e.Data)
	}
	if body.Message != "" {
		return body.Message
	}
	var detail RunError
	if json.Unmarshal(body.Error, &detail) == nil && detail.Message != "" {
		return detail.String()
	}
	var s string
	if json.Unmarshal(body.Error, &s) == nil && s != "" {
		return s
	}
	return string(e.Data)
}
