// ABOUTME: HTTP client for the relay's POST /messages endpoint
// ABOUTME: Sends a message activity and hands each streamed text fragment to a callback

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/agent-relay/internal/sse"
)

// Activity is the message shape POSTed to the relay.
type Activity struct {
	Type         string          `json:"type"`
	ID           string          `json:"id"`
	Text         string          `json:"text"`
	Conversation ConversationRef `json:"conversation"`
	From         Account         `json:"from"`
}

// ConversationRef identifies a conversation.
type ConversationRef struct {
	ID string `json:"id"`
}

// Account identifies the sender.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// NewActivity builds a message activity for one chat message.
func NewActivity(conversationID, text, senderID, senderName string) Activity {
	return Activity{
		Type:         "message",
		ID:           uuid.NewString(),
		Text:         text,
		Conversation: ConversationRef{ID: conversationID},
		From:         Account{ID: senderID, Name: senderName},
	}
}

// RelayClient talks to the relay service.
type RelayClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewRelayClient creates a client for the relay at baseURL.
func NewRelayClient(baseURL, token string, httpClient *http.Client) *RelayClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &RelayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// Send posts the activity and calls onText for every data payload as it
// arrives. Event names are ignored: a relay error event carries a
// user-facing message and is shown like any other text.
func (c *RelayClient) Send(ctx context.Context, act Activity, onText func(string)) error {
	body, err := json.Marshal(act)
	if err != nil {
		return fmt.Errorf("marshaling activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	scanner := sse.NewScanner(resp.Body)
	for scanner.Next() {
		if data := scanner.Event().Data; data != "" {
			onText(data)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("relay error (%d): %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("relay returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
