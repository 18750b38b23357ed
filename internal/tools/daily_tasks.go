// ABOUTME: get_daily_tasks tool returning a fixed task list chosen by username
// ABOUTME: Demonstrates mid-run tool dispatch with structured JSON arguments

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Task is a single entry returned by get_daily_tasks.
type Task struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

var (
	familyTasks = []Task{
		{ID: "task1", Title: "Take daughter from kindergarten", Completed: false},
		{ID: "task2", Title: "Make dinner", Completed: true},
		{ID: "task3", Title: "Read a chapter in my book", Completed: false},
	}
	workTasks = []Task{
		{ID: "task1", Title: "Finish the quarterly report", Completed: false},
		{ID: "task2", Title: "Prepare for the team meeting", Completed: true},
		{ID: "task3", Title: "Review pull requests", Completed: false},
	}
)

// DailyTasks implements the get_daily_tasks tool.
type DailyTasks struct{}

// NewDailyTasks returns the get_daily_tasks tool.
func NewDailyTasks() *DailyTasks {
	return &DailyTasks{}
}

// Name implements tools.Tool.
func (DailyTasks) Name() string { return "get_daily_tasks" }

// Description implements tools.Tool.
func (DailyTasks) Description() string { return "Get the daily tasks for today." }

// Parameters implements Tool.
func (DailyTasks) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"username": map[string]any{
				"type":        "string",
				"description": "The username of the person whose daily tasks are to be retrieved",
			},
		},
		"required": []string{"username"},
	}
}

// Call implements tools.Tool. input is a JSON object with a username field.
func (DailyTasks) Call(_ context.Context, input string) (string, error) {
	var args struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", fmt.Errorf("parsing get_daily_tasks arguments: %w", err)
	}

	tasks := TasksFor(args.Username)
	out, err := json.Marshal(tasks)
	if err != nil {
		return "", fmt.Errorf("encoding tasks: %w", err)
	}
	return string(out), nil
}

// TasksFor returns the task list for a username.
func TasksFor(username string) []Task {
	src := workTasks
	if strings.Contains(strings.ToLower(username), "lital") {
		src = familyTasks
	}
	out := make([]Task, len(src))
	copy(out, src)
	return out
}
