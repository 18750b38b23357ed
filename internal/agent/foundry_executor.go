// ABOUTME: RunExecutor backed by the remote agent API client
// ABOUTME: Reconciles agent tools, streams runs, and resolves tool calls locally

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"reflect"
	"slices"
	"time"

	"github.com/2389/agent-relay/internal/foundry"
	"github.com/2389/agent-relay/internal/tools"
)

// DefaultMaxToolRounds bounds how many times one run may pause for tool outputs.
const DefaultMaxToolRounds = 6

// FoundryAPI is the subset of *foundry.Client used by FoundryExecutor.
type FoundryAPI interface {
	GetAgent(ctx context.Context, agentID string) (*foundry.Agent, error)
	UpdateAgent(ctx context.Context, agentID string, update foundry.AgentUpdate) (*foundry.Agent, error)
	CreateThread(ctx context.Context) (*foundry.Thread, error)
	CreateMessage(ctx context.Context, threadID, role, content string) (*foundry.Message, error)
	CreateRun(ctx context.Context, threadID string, opts foundry.RunOptions) (*foundry.RunStream, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []foundry.ToolOutput) (*foundry.RunStream, error)
}

// ExecutorConfig configures a FoundryExecutor.
type ExecutorConfig struct {
	// Tools are attached to every agent and invoked on requires_action.
	// Nil leaves remote tool configuration untouched.
	Tools *tools.Registry
	// ResponseFormats maps agent ids to the response format they must use.
	ResponseFormats map[string]json.RawMessage
	MaxToolRounds   int
}

// FoundryExecutor runs agents through the remote agent API.
type FoundryExecutor struct {
	api       FoundryAPI
	tools     *tools.Registry
	formats   map[string]json.RawMessage
	maxRounds int
	logger    *slog.Logger
}

// NewFoundryExecutor creates an executor over api.
func NewFoundryExecutor(api FoundryAPI, cfg ExecutorConfig, logger *slog.Logger) *FoundryExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	rounds := cfg.MaxToolRounds
	if rounds <= 0 {
		rounds = DefaultMaxToolRounds
	}
	return &FoundryExecutor{
		api:       api,
		tools:     cfg.Tools,
		formats:   cfg.ResponseFormats,
		maxRounds: rounds,
		logger:    logger.With("component", "executor"),
	}
}

// FetchDefinition loads the agent and brings its tools and response format in
// line with the local configuration.
func (e *FoundryExecutor) FetchDefinition(ctx context.Context, agentID string) (*Definition, error) {
	a, err := e.api.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	wantFormat := e.formats[agentID]
	toolsDiffer := e.tools != nil && !sameNames(a.FunctionNames(), e.tools.Names())
	formatDiffers := wantFormat != nil && !sameJSON(a.ResponseFormat, wantFormat)

	if toolsDiffer || formatDiffers {
		e.logger.Info("updating agent configuration",
			"agent_id", agentID,
			"remote_tools", a.FunctionNames(),
			"tools_changed", toolsDiffer,
			"format_changed", formatDiffers,
		)
		update := foundry.AgentUpdate{Tools: a.Tools, ResponseFormat: wantFormat}
		if toolsDiffer {
			update.Tools = e.toolSpecs(a.Tools)
		}
		a, err = e.api.UpdateAgent(ctx, agentID, update)
		if err != nil {
			return nil, fmt.Errorf("updating agent: %w", err)
		}
	}

	return &Definition{
		ID:             a.ID,
		Name:           a.Name,
		Model:          a.Model,
		Instructions:   a.Instructions,
		Tools:          a.FunctionNames(),
		ResponseFormat: a.ResponseFormat,
	}, nil
}

// CreateThread opens a new remote thread.
func (e *FoundryExecutor) CreateThread(ctx context.Context) (string, error) {
	th, err := e.api.CreateThread(ctx)
	if err != nil {
		return "", err
	}
	return th.ID, nil
}

// Run posts req.Text to the thread and streams the agent's run, resolving
// tool calls until the run completes.
func (e *FoundryExecutor) Run(ctx context.Context, req RunRequest) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		if _, err := e.api.CreateMessage(ctx, req.ThreadID, "user", req.Text); err != nil {
			yield(Chunk{}, remoteErr("posting message", err))
			return
		}

		opts := foundry.RunOptions{AssistantID: req.Definition.ID}
		if req.UserName != "" {
			opts.AdditionalInstructions = fmt.Sprintf("The user's name is %s.", req.UserName)
		}
		stream, err := e.api.CreateRun(ctx, req.ThreadID, opts)
		if err != nil {
			yield(Chunk{}, remoteErr("starting run", err))
			return
		}

		for round := 0; ; round++ {
			paused, ok := e.pump(ctx, stream, yield)
			if !ok || paused == nil {
				return
			}
			if round >= e.maxRounds {
				yield(Chunk{}, fmt.Errorf("%w: run %s exceeded %d tool rounds", ErrRemoteAgentUnavailable, paused.ID, e.maxRounds))
				return
			}

			outputs, err := e.callTools(ctx, paused)
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			stream, err = e.api.SubmitToolOutputs(ctx, req.ThreadID, paused.ID, outputs)
			if err != nil {
				yield(Chunk{}, remoteErr("submitting tool outputs", err))
				return
			}
		}
	}
}

// pump yields the chunks of one run stream and closes it. It returns the
// paused run when the agent asked for tool outputs, and ok=false when the
// sequence has ended because of an error or the consumer stopped.
func (e *FoundryExecutor) pump(ctx context.Context, stream *foundry.RunStream, yield func(Chunk, error) bool) (paused *foundry.Run, ok bool) {
	defer stream.Close()

	var runID string
	for stream.Next() {
		ev := stream.Event()
		switch ev.Name {
		case foundry.EventMessageDelta:
			d, err := ev.MessageDelta()
			if err != nil {
				e.logger.Warn("skipping event", "event", ev.Name, "error", fmt.Errorf("%w: %w", ErrMalformedEvent, err))
				continue
			}
			if text := d.Text(); text != "" {
				if !yield(Chunk{Event: ChunkText, Text: text, RunID: runID}, nil) {
					return nil, false
				}
			}

		case foundry.EventRunRequiresAction:
			run, err := ev.Run()
			if err != nil || run.RequiredAction == nil {
				yield(Chunk{}, fmt.Errorf("%w: %w: unreadable required action", ErrRemoteAgentUnavailable, ErrMalformedEvent))
				return nil, false
			}
			return run, true

		case foundry.EventRunCompleted:
			run, err := ev.Run()
			if err != nil {
				e.logger.Warn("skipping event", "event", ev.Name, "error", fmt.Errorf("%w: %w", ErrMalformedEvent, err))
				continue
			}
			if run.Usage != nil {
				usage := &Usage{
					InputTokens:  run.Usage.PromptTokens,
					OutputTokens: run.Usage.CompletionTokens,
					TotalTokens:  run.Usage.TotalTokens,
				}
				if !yield(Chunk{Event: ChunkUsage, Usage: usage, RunID: run.ID}, nil) {
					return nil, false
				}
			}

		case foundry.EventRunFailed, foundry.EventRunCancelled, foundry.EventRunExpired:
			reason := "no details"
			if run, err := ev.Run(); err == nil {
				reason = run.LastError.String()
				runID = run.ID
			}
			yield(Chunk{}, fmt.Errorf("%w: run %s %s: %s", ErrRemoteAgentUnavailable, runID, ev.Name, reason))
			return nil, false

		case foundry.EventError:
			yield(Chunk{}, fmt.Errorf("%w: %s", ErrRemoteAgentUnavailable, ev.ErrorMessage()))
			return nil, false

		case foundry.EventRunCreated:
			if run, err := ev.Run(); err == nil {
				runID = run.ID
			}
			fallthrough

		default:
			if !yield(Chunk{Event: ChunkEvent(ev.Name), Raw: ev.Data, RunID: runID}, nil) {
				return nil, false
			}
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		yield(Chunk{}, remoteErr("reading run stream", err))
		return nil, false
	}
	return nil, true
}

// callTools runs every tool call of a paused run in order.
func (e *FoundryExecutor) callTools(ctx context.Context, run *foundry.Run) ([]foundry.ToolOutput, error) {
	calls := run.RequiredAction.SubmitToolOutputs.ToolCalls
	outputs := make([]foundry.ToolOutput, 0, len(calls))
	for _, call := range calls {
		if e.tools == nil {
			return nil, fmt.Errorf("%w: %w: no tools registered for %s", ErrRemoteAgentUnavailable, ErrToolExecution, call.Function.Name)
		}
		start := time.Now()
		out, err := e.tools.Call(ctx, call.Function.Name, call.Function.Arguments)
		if err != nil {
			return nil, fmt.Errorf("%w: %w: %s: %w", ErrRemoteAgentUnavailable, ErrToolExecution, call.Function.Name, err)
		}
		e.logger.Info("tool call",
			"run_id", run.ID,
			"tool", call.Function.Name,
			"call_id", call.ID,
			"duration", time.Since(start),
		)
		outputs = append(outputs, foundry.ToolOutput{ToolCallID: call.ID, Output: out})
	}
	return outputs, nil
}

// toolSpecs keeps the agent's non-function tools and replaces its function
// tools with the registry's.
func (e *FoundryExecutor) toolSpecs(existing []foundry.ToolSpec) []foundry.ToolSpec {
	var specs []foundry.ToolSpec
	for _, t := range existing {
		if t.Type != "function" {
			specs = append(specs, t)
		}
	}
	for _, d := range e.tools.Definitions() {
		specs = append(specs, foundry.ToolSpec{
			Type: "function",
			Function: &foundry.FunctionSpec{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return specs
}

func sameNames(a, b []string) bool {
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

func sameJSON(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
