// ABOUTME: Tests for the remote agent API client against an httptest server
// ABOUTME: Covers request shape, error mapping, and streaming run parsing

package foundry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{Endpoint: srv.URL + "/api/projects/p1", APIKey: "secret", APIVersion: "v-test"})
	require.NoError(t, err)
	return c
}

func writeSSE(w http.ResponseWriter, events ...[2]string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, ev := range events {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev[0], ev[1])
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)

	_, err = NewClient(Config{Endpoint: "ftp://example.com"})
	assert.Error(t, err)

	c, err := NewClient(Config{Endpoint: "https://example.com/"})
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIVersion, c.apiVersion)
	assert.Equal(t, "https://example.com", c.baseURL)
}

func TestGetAgent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/projects/p1/assistants/asst_1", r.URL.Path)
		assert.Equal(t, "v-test", r.URL.Query().Get("api-version"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"asst_1","name":"chat","model":"gpt-4o","tools":[{"type":"function","function":{"name":"get_daily_tasks"}},{"type":"code_interpreter"}]}`)
	}))

	agent, err := c.GetAgent(context.Background(), "asst_1")
	require.NoError(t, err)
	assert.Equal(t, "asst_1", agent.ID)
	assert.Equal(t, "gpt-4o", agent.Model)
	assert.Equal(t, []string{"get_daily_tasks"}, agent.FunctionNames())
}

func TestAPIErrors(t *testing.T) {
	t.Run("structured error body", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"code":"not_found","message":"no such assistant"}}`)
		}))

		_, err := c.GetAgent(context.Background(), "missing")
		require.Error(t, err)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
		assert.Equal(t, "not_found", apiErr.Code)
		assert.Equal(t, "no such assistant", apiErr.Message)
		assert.True(t, IsNotFound(err))
	})

	t.Run("plain error body", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		}))

		_, err := c.CreateThread(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
		assert.Contains(t, apiErr.Message, "upstream exploded")
		assert.False(t, IsNotFound(err))
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()

		c, err := NewClient(Config{Endpoint: srv.URL})
		require.NoError(t, err)
		_, err = c.GetAgent(context.Background(), "a")
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("canceled context is not unavailable", func(t *testing.T) {
		c := newTestClient(t, http.NotFoundHandler())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.GetAgent(ctx, "a")
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, errors.Is(err, ErrUnavailable))
	})
}

func TestThreadAndMessage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/projects/p1/threads":
			_, _ = io.WriteString(w, `{"id":"thread_1","created_at":1700000000}`)
		case "/api/projects/p1/threads/thread_1/messages":
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "user", body["role"])
			assert.Equal(t, "hello", body["content"])
			_, _ = io.WriteString(w, `{"id":"msg_1","thread_id":"thread_1","role":"user"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	thread, err := c.CreateThread(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "thread_1", thread.ID)

	msg, err := c.CreateMessage(context.Background(), thread.ID, "user", "hello")
	require.NoError(t, err)
	assert.Equal(t, "msg_1", msg.ID)
}

func TestUpdateAgent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var update AgentUpdate
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&update))
		if assert.Len(t, update.Tools, 1) {
			assert.Equal(t, "get_daily_tasks", update.Tools[0].Function.Name)
		}
		_, _ = io.WriteString(w, `{"id":"asst_1","tools":[{"type":"function","function":{"name":"get_daily_tasks"}}]}`)
	}))

	agent, err := c.UpdateAgent(context.Background(), "asst_1", AgentUpdate{
		Tools: []ToolSpec{{Type: "function", Function: &FunctionSpec{Name: "get_daily_tasks"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"get_daily_tasks"}, agent.FunctionNames())
}

func TestCreateRunStream(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/projects/p1/threads/thread_1/runs", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "asst_1", body["assistant_id"])
		assert.Equal(t, true, body["stream"])

		writeSSE(w,
			[2]string{EventRunCreated, `{"id":"run_1","status":"queued"}`},
			[2]string{EventMessageDelta, `{"id":"msg_1","delta":{"content":[{"index":0,"type":"text","text":{"value":"Hel"}}]}}`},
			[2]string{EventMessageDelta, `{"id":"msg_1","delta":{"content":[{"index":0,"type":"text","text":{"value":"lo"}}]}}`},
			[2]string{EventRunCompleted, `{"id":"run_1","status":"completed","usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`},
			[2]string{EventDone, `[DONE]`},
			[2]string{EventMessageDelta, `{"id":"never"}`},
		)
	}))

	stream, err := c.CreateRun(context.Background(), "thread_1", RunOptions{AssistantID: "asst_1"})
	require.NoError(t, err)
	defer stream.Close()

	var names []string
	var text string
	var usage *RunUsage
	for stream.Next() {
		ev := stream.Event()
		names = append(names, ev.Name)
		switch ev.Name {
		case EventMessageDelta:
			d, err := ev.MessageDelta()
			require.NoError(t, err)
			text += d.Text()
		case EventRunCompleted:
			run, err := ev.Run()
			require.NoError(t, err)
			usage = run.Usage
		}
	}
	require.NoError(t, stream.Err())

	assert.Equal(t, []string{EventRunCreated, EventMessageDelta, EventMessageDelta, EventRunCompleted}, names)
	assert.Equal(t, "Hello", text)
	require.NotNil(t, usage)
	assert.Equal(t, 12, usage.TotalTokens)

	assert.NoError(t, stream.Close())
	assert.NoError(t, stream.Close())
}

func TestSubmitToolOutputs(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/projects/p1/threads/thread_1/runs/run_1/submit_tool_outputs", r.URL.Path)
		var body struct {
			ToolOutputs []ToolOutput `json:"tool_outputs"`
			Stream      bool         `json:"stream"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)
		if assert.Len(t, body.ToolOutputs, 1) {
			assert.Equal(t, "call_1", body.ToolOutputs[0].ToolCallID)
		}

		writeSSE(w, [2]string{EventRunCompleted, `{"id":"run_1","status":"completed"}`})
	}))

	stream, err := c.SubmitToolOutputs(context.Background(), "thread_1", "run_1", []ToolOutput{{ToolCallID: "call_1", Output: "[]"}})
	require.NoError(t, err)
	defer stream.Close()

	require.True(t, stream.Next())
	assert.Equal(t, EventRunCompleted, stream.Event().Name)
	assert.False(t, stream.Next())
	assert.NoError(t, stream.Err())
}

func TestRunEventHelpers(t *testing.T) {
	t.Run("requires action decodes tool calls", func(t *testing.T) {
		ev := RunEvent{Name: EventRunRequiresAction, Data: json.RawMessage(`{
			"id":"run_1","status":"requires_action",
			"required_action":{"type":"submit_tool_outputs","submit_tool_outputs":{"tool_calls":[
				{"id":"call_1","type":"function","function":{"name":"get_daily_tasks","arguments":"{\"username\":\"lital\"}"}}
			]}}}`)}
		run, err := ev.Run()
		require.NoError(t, err)
		require.NotNil(t, run.RequiredAction)
		calls := run.RequiredAction.SubmitToolOutputs.ToolCalls
		require.Len(t, calls, 1)
		assert.Equal(t, "get_daily_tasks", calls[0].Function.Name)
		assert.JSONEq(t, `{"username":"lital"}`, calls[0].Function.Arguments)
	})

	t.Run("error messages", func(t *testing.T) {
		assert.Equal(t, "rate_limited: slow down",
			RunEvent{Data: json.RawMessage(`{"error":{"code":"rate_limited","message":"slow down"}}`)}.ErrorMessage())
		assert.Equal(t, "boom", RunEvent{Data: json.RawMessage(`{"message":"boom"}`)}.ErrorMessage())
		assert.Equal(t, "oops", RunEvent{Data: json.RawMessage(`{"error":"oops"}`)}.ErrorMessage())
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := RunEvent{Name: EventMessageDelta, Data: json.RawMessage(`"not an object"`)}.MessageDelta()
		assert.Error(t, err)
	})

	t.Run("non-text delta parts are ignored", func(t *testing.T) {
		d := MessageDelta{}
		d.Delta.Content = []DeltaContent{{Type: "image_file"}}
		assert.Empty(t, d.Text())
	})
}
