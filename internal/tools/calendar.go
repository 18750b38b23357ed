// ABOUTME: Structured-output schema for the calendar builder agent
// ABOUTME: Produces the json_schema response format advertised on the builder agent

package tools

import "encoding/json"

// CalendarResponseFormat returns the json_schema response format the builder
// agent is configured with. The agent answers with a list of events.
func CalendarResponseFormat() json.RawMessage {
	format := map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name":        "calendar",
			"description": "Represents a list of calendar events with their details.",
			"strict":      true,
			"schema": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"events"},
				"properties": map[string]any{
					"events": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type":                 "object",
							"additionalProperties": false,
							"required":             []string{"eventId", "eventTitle", "eventStatus"},
							"properties": map[string]any{
								"eventId":     map[string]any{"type": "string", "format": "uuid"},
								"eventTitle":  map[string]any{"type": "string"},
								"eventStatus": map[string]any{"type": "string", "enum": []string{"NotCompleted", "Completed"}},
							},
						},
					},
				},
			},
		},
	}
	// The literal above always marshals.
	out, _ := json.Marshal(format)
	return out
}
