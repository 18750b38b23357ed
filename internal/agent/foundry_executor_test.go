// ABOUTME: Tests for FoundryExecutor against an httptest remote agent endpoint
// ABOUTME: Exercises agent reconciliation, streamed deltas, tool rounds, and run failures

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-relay/internal/foundry"
	"github.com/2389/agent-relay/internal/store"
	"github.com/2389/agent-relay/internal/tools"
)

// fakeFoundry is a scripted remote agent endpoint. Runs reply according to
// the last user message on the thread.
type fakeFoundry struct {
	mu          sync.Mutex
	agents      map[string]*foundry.Agent
	getCalls    int
	updates     []foundry.AgentUpdate
	threads     int
	messages    map[string][]string
	runOpts     []foundry.RunOptions
	toolOutputs [][]foundry.ToolOutput
	// alwaysPause makes every continuation ask for tools again.
	alwaysPause bool
}

func newFakeFoundry() *fakeFoundry {
	return &fakeFoundry{
		agents: map[string]*foundry.Agent{
			"asst_chat":    {ID: "asst_chat", Name: "chat", Model: "gpt-4o", Tools: []foundry.ToolSpec{{Type: "code_interpreter"}}},
			"asst_builder": {ID: "asst_builder", Name: "builder", Model: "gpt-4o"},
		},
		messages: make(map[string][]string),
	}
}

func (f *fakeFoundry) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /assistants/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.getCalls++
		a, ok := f.agents[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = fmt.Fprint(w, `{"error":{"code":"not_found","message":"no such assistant"}}`)
			return
		}
		_ = json.NewEncoder(w).Encode(a)
	})

	mux.HandleFunc("POST /assistants/{id}", func(w http.ResponseWriter, r *http.Request) {
		var update foundry.AgentUpdate
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&update))
		f.mu.Lock()
		defer f.mu.Unlock()
		f.updates = append(f.updates, update)
		a := *f.agents[r.PathValue("id")]
		a.Tools = update.Tools
		if update.ResponseFormat != nil {
			a.ResponseFormat = update.ResponseFormat
		}
		f.agents[a.ID] = &a
		_ = json.NewEncoder(w).Encode(&a)
	})

	mux.HandleFunc("POST /threads", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.threads++
		_, _ = fmt.Fprintf(w, `{"id":"thread_%d"}`, f.threads)
	})

	mux.HandleFunc("POST /threads/{tid}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Role, Content string }
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user", body.Role)
		f.mu.Lock()
		defer f.mu.Unlock()
		tid := r.PathValue("tid")
		f.messages[tid] = append(f.messages[tid], body.Content)
		_, _ = fmt.Fprintf(w, `{"id":"msg_%d","thread_id":%q,"role":"user"}`, len(f.messages[tid]), tid)
	})

	mux.HandleFunc("POST /threads/{tid}/runs", func(w http.ResponseWriter, r *http.Request) {
		var opts struct {
			foundry.RunOptions
			Stream bool `json:"stream"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&opts))
		assert.True(t, opts.Stream)

		f.mu.Lock()
		f.runOpts = append(f.runOpts, opts.RunOptions)
		msgs := f.messages[r.PathValue("tid")]
		f.mu.Unlock()

		last := ""
		if len(msgs) > 0 {
			last = msgs[len(msgs)-1]
		}
		f.replyTo(w, last)
	})

	mux.HandleFunc("POST /threads/{tid}/runs/{rid}/submit_tool_outputs", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ToolOutputs []foundry.ToolOutput `json:"tool_outputs"`
			Stream      bool                 `json:"stream"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)
		assert.Equal(t, "run_tools", r.PathValue("rid"))

		f.mu.Lock()
		f.toolOutputs = append(f.toolOutputs, body.ToolOutputs)
		pause := f.alwaysPause
		f.mu.Unlock()

		if pause {
			f.replyTo(w, "loop")
			return
		}

		var tasks []tools.Task
		if len(body.ToolOutputs) > 0 {
			_ = json.Unmarshal([]byte(body.ToolOutputs[0].Output), &tasks)
		}
		events := [][2]string{}
		events = append(events, delta("Here are your tasks:"))
		for _, task := range tasks {
			events = append(events, delta("\n- "+task.Title))
		}
		events = append(events, completed("run_tools", 40, 20))
		writeEvents(w, events...)
	})

	return mux
}

func (f *fakeFoundry) replyTo(w http.ResponseWriter, msg string) {
	switch {
	case strings.Contains(msg, "daily tasks"):
		writeEvents(w,
			[2]string{foundry.EventRunCreated, `{"id":"run_tools","status":"queued"}`},
			[2]string{foundry.EventRunRequiresAction, `{"id":"run_tools","status":"requires_action","required_action":{"type":"submit_tool_outputs","submit_tool_outputs":{"tool_calls":[{"id":"call_1","type":"function","function":{"name":"get_daily_tasks","arguments":"{\"username\":\"Lital\"}"}}]}}}`},
			[2]string{foundry.EventDone, "[DONE]"},
		)
	case strings.Contains(msg, "loop"):
		writeEvents(w,
			[2]string{foundry.EventRunRequiresAction, `{"id":"run_tools","required_action":{"submit_tool_outputs":{"tool_calls":[{"id":"c","type":"function","function":{"name":"get_daily_tasks","arguments":"{}"}}]}}}`},
		)
	case strings.Contains(msg, "unknown tool"):
		writeEvents(w,
			[2]string{foundry.EventRunRequiresAction, `{"id":"run_tools","required_action":{"submit_tool_outputs":{"tool_calls":[{"id":"c","type":"function","function":{"name":"launch_rockets","arguments":"{}"}}]}}}`},
		)
	case strings.Contains(msg, "fail"):
		writeEvents(w,
			delta("Let me"),
			[2]string{foundry.EventRunFailed, `{"id":"run_1","status":"failed","last_error":{"code":"rate_limit_exceeded","message":"slow down"}}`},
		)
	case strings.Contains(msg, "error event"):
		writeEvents(w, [2]string{foundry.EventError, `{"error":{"message":"internal"}}`})
	default:
		writeEvents(w,
			[2]string{foundry.EventRunCreated, `{"id":"run_1","status":"queued"}`},
			delta("I am"),
			[2]string{foundry.EventMessageDelta, `not json`},
			delta(" a helpful"),
			delta(" assistant."),
			completed("run_1", 12, 6),
			[2]string{foundry.EventDone, "[DONE]"},
		)
	}
}

func delta(s string) [2]string {
	b, _ := json.Marshal(map[string]any{
		"id": "msg_1",
		"delta": map[string]any{
			"content": []map[string]any{{"index": 0, "type": "text", "text": map[string]string{"value": s}}},
		},
	})
	return [2]string{foundry.EventMessageDelta, string(b)}
}

func completed(runID string, prompt, completion int) [2]string {
	return [2]string{foundry.EventRunCompleted, fmt.Sprintf(
		`{"id":%q,"status":"completed","usage":{"prompt_tokens":%d,"completion_tokens":%d,"total_tokens":%d}}`,
		runID, prompt, completion, prompt+completion)}
}

func writeEvents(w http.ResponseWriter, events ...[2]string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, ev := range events {
		_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev[0], ev[1])
	}
}

type executorFixture struct {
	remote *fakeFoundry
	exec   *FoundryExecutor
	mgr    *Manager
}

func newExecutorFixture(t *testing.T, rounds int) *executorFixture {
	t.Helper()
	remote := newFakeFoundry()
	srv := httptest.NewServer(remote.handler(t))
	t.Cleanup(srv.Close)

	client, err := foundry.NewClient(foundry.Config{Endpoint: srv.URL, APIKey: "k"})
	require.NoError(t, err)

	registry, err := tools.NewRegistry(tools.NewDailyTasks())
	require.NoError(t, err)

	exec := NewFoundryExecutor(client, ExecutorConfig{
		Tools:           registry,
		ResponseFormats: map[string]json.RawMessage{"asst_builder": tools.CalendarResponseFormat()},
		MaxToolRounds:   rounds,
	}, slog.Default())

	mgr := NewManager(ManagerConfig{ChatAgentID: "asst_chat", BuilderAgentID: "asst_builder"}, exec, store.NewMemoryStore(), slog.Default())
	return &executorFixture{remote: remote, exec: exec, mgr: mgr}
}

func TestFoundryExecutorStreamsDeltas(t *testing.T) {
	fx := newExecutorFixture(t, 0)

	var fragments []string
	var usage *Usage
	for chunk, err := range fx.mgr.Stream(context.Background(), IncomingMessage{ConversationID: "c1", Text: "Who are you?", UserName: "Ada"}) {
		require.NoError(t, err)
		switch chunk.Event {
		case ChunkText:
			fragments = append(fragments, chunk.Text)
			assert.Equal(t, "run_1", chunk.RunID)
		case ChunkUsage:
			usage = chunk.Usage
		}
	}

	assert.Equal(t, []string{"I am", " a helpful", " assistant."}, fragments)
	require.NotNil(t, usage)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 6, TotalTokens: 18}, *usage)

	fx.remote.mu.Lock()
	defer fx.remote.mu.Unlock()
	require.Len(t, fx.remote.runOpts, 1)
	assert.Equal(t, "asst_chat", fx.remote.runOpts[0].AssistantID)
	assert.Equal(t, "The user's name is Ada.", fx.remote.runOpts[0].AdditionalInstructions)
}

func TestFoundryExecutorReconcilesTools(t *testing.T) {
	fx := newExecutorFixture(t, 0)

	def, err := fx.exec.FetchDefinition(context.Background(), "asst_chat")
	require.NoError(t, err)
	assert.Equal(t, []string{"get_daily_tasks"}, def.Tools)

	fx.remote.mu.Lock()
	require.Len(t, fx.remote.updates, 1)
	update := fx.remote.updates[0]
	fx.remote.mu.Unlock()

	require.Len(t, update.Tools, 2)
	assert.Equal(t, "code_interpreter", update.Tools[0].Type)
	assert.Equal(t, "get_daily_tasks", update.Tools[1].Function.Name)
	assert.Nil(t, update.ResponseFormat)

	// Already in sync: no further update.
	_, err = fx.exec.FetchDefinition(context.Background(), "asst_chat")
	require.NoError(t, err)
	fx.remote.mu.Lock()
	assert.Len(t, fx.remote.updates, 1)
	fx.remote.mu.Unlock()
}

func TestFoundryExecutorSetsBuilderResponseFormat(t *testing.T) {
	fx := newExecutorFixture(t, 0)

	def, err := fx.exec.FetchDefinition(context.Background(), "asst_builder")
	require.NoError(t, err)
	assert.JSONEq(t, string(tools.CalendarResponseFormat()), string(def.ResponseFormat))
}

func TestFoundryExecutorUnknownAgent(t *testing.T) {
	fx := newExecutorFixture(t, 0)

	_, err := fx.exec.FetchDefinition(context.Background(), "asst_missing")
	require.Error(t, err)
	assert.True(t, foundry.IsNotFound(err))
}

func TestFoundryExecutorResolvesToolCalls(t *testing.T) {
	fx := newExecutorFixture(t, 0)

	fragments, err := collect(fx.mgr.ProcessMessage(context.Background(), "c1", "What are my daily tasks? I'm Lital"))
	require.NoError(t, err)

	reply := strings.Join(fragments, "")
	assert.True(t, strings.HasPrefix(reply, "Here are your tasks:"))
	for _, task := range tools.TasksFor("Lital") {
		assert.Contains(t, reply, task.Title)
	}
	assert.NotContains(t, reply, `"completed"`)

	fx.remote.mu.Lock()
	defer fx.remote.mu.Unlock()
	require.Len(t, fx.remote.toolOutputs, 1)
	require.Len(t, fx.remote.toolOutputs[0], 1)
	assert.Equal(t, "call_1", fx.remote.toolOutputs[0][0].ToolCallID)
}

func TestFoundryExecutorBoundsToolRounds(t *testing.T) {
	fx := newExecutorFixture(t, 2)
	fx.remote.alwaysPause = true

	_, err := collect(fx.mgr.ProcessMessage(context.Background(), "c1", "loop"))
	assert.ErrorIs(t, err, ErrRemoteAgentUnavailable)
	assert.Contains(t, err.Error(), "exceeded 2 tool rounds")

	fx.remote.mu.Lock()
	defer fx.remote.mu.Unlock()
	assert.Len(t, fx.remote.toolOutputs, 2)
}

func TestFoundryExecutorUnknownTool(t *testing.T) {
	fx := newExecutorFixture(t, 0)

	_, err := collect(fx.mgr.ProcessMessage(context.Background(), "c1", "call an unknown tool"))
	assert.ErrorIs(t, err, ErrToolExecution)
	assert.ErrorIs(t, err, ErrRemoteAgentUnavailable)
	assert.ErrorIs(t, err, tools.ErrToolNotFound)
}

func TestFoundryExecutorRunFailed(t *testing.T) {
	fx := newExecutorFixture(t, 0)

	fragments, err := collect(fx.mgr.ProcessMessage(context.Background(), "c1", "please fail"))
	assert.Equal(t, []string{"Let me"}, fragments)
	assert.ErrorIs(t, err, ErrRemoteAgentUnavailable)
	assert.Contains(t, err.Error(), "rate_limit_exceeded")
}

func TestFoundryExecutorErrorEvent(t *testing.T) {
	fx := newExecutorFixture(t, 0)

	fragments, err := collect(fx.mgr.ProcessMessage(context.Background(), "c1", "send an error event"))
	assert.Empty(t, fragments)
	assert.ErrorIs(t, err, ErrRemoteAgentUnavailable)
	assert.Contains(t, err.Error(), "internal")
}

func TestFoundryExecutorUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client, err := foundry.NewClient(foundry.Config{Endpoint: srv.URL})
	require.NoError(t, err)
	exec := NewFoundryExecutor(client, ExecutorConfig{}, slog.Default())
	mgr := NewManager(ManagerConfig{ChatAgentID: "asst_chat"}, exec, store.NewMemoryStore(), slog.Default())

	fragments, err := collect(mgr.ProcessMessage(context.Background(), "c1", "hello"))
	assert.Empty(t, fragments)
	assert.ErrorIs(t, err, ErrRemoteAgentUnavailable)
	assert.ErrorIs(t, err, foundry.ErrUnavailable)
}
