// ABOUTME: HTTP client for the remote agent endpoint: agents, threads, messages, runs
// ABOUTME: Streaming calls return a RunStream that pulls SSE events off the response body

package foundry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAPIVersion is sent when Config.APIVersion is empty.
const DefaultAPIVersion = "2025-05-01"

// Config configures a Client.
type Config struct {
	// Endpoint is the project endpoint, e.g. https://x.services.ai.azure.com/api/projects/p.
	Endpoint string
	// APIKey is sent as a bearer token.
	APIKey string
	// APIVersion is sent as the api-version query parameter.
	APIVersion string
	// RequestTimeout bounds non-streaming calls. Zero means no limit.
	RequestTimeout time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the remote agent endpoint. It is safe for concurrent use.
type Client struct {
	baseURL        string
	apiKey         string
	apiVersion     string
	requestTimeout time.Duration
	http           *http.Client
	logger         *slog.Logger
}

// NewClient creates a client for the given endpoint.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint must use http or https, got %q", u.Scheme)
	}

	c := &Client{
		baseURL:        strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:         cfg.APIKey,
		apiVersion:     cfg.APIVersion,
		requestTimeout: cfg.RequestTimeout,
		http:           cfg.HTTPClient,
		logger:         cfg.Logger,
	}
	if c.apiVersion == "" {
		c.apiVersion = DefaultAPIVersion
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "foundry")
	return c, nil
}

// GetAgent fetches an agent definition.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	if err := c.doJSON(ctx, http.MethodGet, "/assistants/"+url.PathEscape(agentID), nil, &agent); err != nil {
		return nil, fmt.Errorf("getting agent %s: %w", agentID, err)
	}
	return &agent, nil
}

// UpdateAgent changes an agent's tools or response format and returns the
// new definition.
func (c *Client) UpdateAgent(ctx context.Context, agentID string, update AgentUpdate) (*Agent, error) {
	var agent Agent
	if err := c.doJSON(ctx, http.MethodPost, "/assistants/"+url.PathEscape(agentID), update, &agent); err != nil {
		return nil, fmt.Errorf("updating agent %s: %w", agentID, err)
	}
	return &agent, nil
}

// CreateThread creates an empty thread.
func (c *Client) CreateThread(ctx context.Context) (*Thread, error) {
	var thread Thread
	if err := c.doJSON(ctx, http.MethodPost, "/threads", struct{}{}, &thread); err != nil {
		return nil, fmt.Errorf("creating thread: %w", err)
	}
	return &thread, nil
}

// CreateMessage appends a message to a thread.
func (c *Client) CreateMessage(ctx context.Context, threadID, role, content string) (*Message, error) {
	body := map[string]string{"role": role, "content": content}
	var msg Message
	if err := c.doJSON(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", body, &msg); err != nil {
		return nil, fmt.Errorf("creating message on thread %s: %w", threadID, err)
	}
	return &msg, nil
}

// CreateRun starts a streaming run. The caller must Close the stream.
func (c *Client) CreateRun(ctx context.Context, threadID string, opts RunOptions) (*RunStream, error) {
	body := struct {
		RunOptions
		Stream bool `json:"stream"`
	}{RunOptions: opts, Stream: true}

	stream, err := c.doStream(ctx, "/threads/"+url.PathEscape(threadID)+"/runs", body)
	if err != nil {
		return nil, fmt.Errorf("starting run on thread %s: %w", threadID, err)
	}
	return stream, nil
}

// SubmitToolOutputs resumes a paused run and streams its continuation.
func (c *Client) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (*RunStream, error) {
	body := struct {
		ToolOutputs []ToolOutput `json:"tool_outputs"`
		Stream      bool         `json:"stream"`
	}{ToolOutputs: outputs, Stream: true}

	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/submit_tool_outputs"
	stream, err := c.doStream(ctx, path, body)
	if err != nil {
		return nil, fmt.Errorf("submitting tool outputs for run %s: %w", runID, err)
	}
	return stream, nil
}

// doJSON performs a non-streaming request and decodes the response into out.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	req, err := c.newRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// doStream posts body and returns the response as a RunStream.
func (c *Client) doStream(ctx context.Context, path string, in any) (*RunStream, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, in)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	return newRunStream(resp.Body), nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, in any) (*http.Request, error) {
	u := c.baseURL + path + "?api-version=" + url.QueryEscape(c.apiVersion)

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// send executes req and converts transport failures and non-2xx statuses
// into errors. On success the caller owns resp.Body.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	c.logger.Debug("agent endpoint request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, newAPIError(resp)
	}
	return resp, nil
}
