// ABOUTME: Tests for the tool registry and built-in tools
// ABOUTME: Covers collisions, dispatch by name, and get_daily_tasks selection

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct {
	name string
	out  string
	err  error
}

func (s stubTool) Name() string { return s.name }
func (s stubTool) Description() string { return "stub " + s.name }
func (s stubTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (s stubTool) Call(context.Context, string) (string, error) { return s.out, s.err }

func TestRegistry(t *testing.T) {
	t.Run("rejects duplicate names", func(t *testing.T) {
		_, err := NewRegistry(stubTool{name: "a"}, stubTool{name: "a"})
		assert.ErrorIs(t, err, ErrToolCollision)
	})

	t.Run("names and definitions are sorted", func(t *testing.T) {
		r, err := NewRegistry(stubTool{name: "b"}, stubTool{name: "a"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, r.Names())

		defs := r.Definitions()
		require.Len(t, defs, 2)
		assert.Equal(t, "a", defs[0].Name)
		assert.Equal(t, "stub a", defs[0].Description)
	})

	t.Run("call dispatches by name", func(t *testing.T) {
		r, err := NewRegistry(stubTool{name: "x", out: `{"ok":true}`})
		require.NoError(t, err)

		out, err := r.Call(context.Background(), "x", `{}`)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, out)
	})

	t.Run("unknown tool", func(t *testing.T) {
		r, err := NewRegistry()
		require.NoError(t, err)
		_, err = r.Call(context.Background(), "missing", `{}`)
		assert.ErrorIs(t, err, ErrToolNotFound)
	})

	t.Run("tool errors propagate", func(t *testing.T) {
		boom := errors.New("boom")
		r, err := NewRegistry(stubTool{name: "x", err: boom})
		require.NoError(t, err)
		_, err = r.Call(context.Background(), "x", "")
		assert.ErrorIs(t, err, boom)
	})
}

func TestDailyTasks(t *testing.T) {
	tool := NewDailyTasks()
	assert.Equal(t, "get_daily_tasks", tool.Name())

	tests := []struct {
		name      string
		username  string
		wantFirst string
	}{
		{"family list", "Lital Cohen", "Take daughter from kindergarten"},
		{"case insensitive", "LITAL", "Take daughter from kindergarten"},
		{"work list", "alice", "Finish the quarterly report"},
		{"empty username", "", "Finish the quarterly report"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, _ := json.Marshal(map[string]string{"username": tt.username})
			out, err := tool.Call(context.Background(), string(args))
			require.NoError(t, err)

			var tasks []Task
			require.NoError(t, json.Unmarshal([]byte(out), &tasks))
			require.Len(t, tasks, 3)
			assert.Equal(t, tt.wantFirst, tasks[0].Title)
			assert.Equal(t, "task1", tasks[0].ID)
			assert.True(t, tasks[1].Completed)
			assert.False(t, tasks[2].Completed)
		})
	}

	t.Run("malformed arguments", func(t *testing.T) {
		_, err := tool.Call(context.Background(), "not json")
		assert.Error(t, err)
	})

	t.Run("results are copies", func(t *testing.T) {
		a := TasksFor("bob")
		a[0].Title = "changed"
		assert.Equal(t, "Finish the quarterly report", TasksFor("bob")[0].Title)
	})
}

func TestCalendarResponseFormat(t *testing.T) {
	var format map[string]any
	require.NoError(t, json.Unmarshal(CalendarResponseFormat(), &format))
	assert.Equal(t, "json_schema", format["type"])

	schema, ok := format["json_schema"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "calendar", schema["name"])
	assert.Equal(t, true, schema["strict"])
}
