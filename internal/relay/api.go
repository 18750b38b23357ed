// ABOUTME: HTTP handlers for the relay: POST /messages streaming SSE, health, and admin routes
// ABOUTME: Streams text fragments from the agent manager and records token usage

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/2389/agent-relay/internal/agent"
	"github.com/2389/agent-relay/internal/auth"
	"github.com/2389/agent-relay/internal/sse"
	"github.com/2389/agent-relay/internal/store"
)

// maxRequestBodySize bounds POST bodies (1MB).
const maxRequestBodySize = 1 << 20

// Messages written to clients on failure. Details stay in the logs.
const (
	preStreamErrorMessage = "An error occurred while processing the request."
	streamErrorMessage    = "An error occurred while generating the response."
	cacheClearedMessage   = "Agent cache cleared."
)

// messageStreamer is the agent-facing surface of the relay.
// *agent.Manager implements it; tests inject fakes.
type messageStreamer interface {
	Stream(ctx context.Context, msg agent.IncomingMessage) iter.Seq2[agent.Chunk, error]
	ClearAgentCache()
	Ready() bool
	Session(ctx context.Context, conversationID string) (*store.Session, error)
}

// MessageRequest is the JSON body of POST /messages. It accepts the activity
// shape sent by chat front ends and the flat {conversationId, text} shape.
type MessageRequest struct {
	Type           string           `json:"type,omitempty"`
	ID             string           `json:"id,omitempty"`
	Text           string           `json:"text"`
	Conversation   *ConversationRef `json:"conversation,omitempty"`
	From           *Account         `json:"from,omitempty"`
	ConversationID string           `json:"conversationId,omitempty"`
}

// ConversationRef identifies the conversation of an activity.
type ConversationRef struct {
	ID string `json:"id"`
}

// Account identifies the sender of an activity.
type Account struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// conversationID returns the activity conversation id, falling back to the
// flat field.
func (m *MessageRequest) conversationID() string {
	if m.Conversation != nil && m.Conversation.ID != "" {
		return m.Conversation.ID
	}
	return m.ConversationID
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Streamer messageStreamer
	Usage    store.UsageStore
	Sessions store.SessionStore
	// Verifier enables bearer auth on /messages and /admin when set.
	Verifier          auth.TokenVerifier
	ClearCacheCommand string
	Logger            *slog.Logger
}

// Handler serves the relay HTTP API.
type Handler struct {
	streamer messageStreamer
	usage    store.UsageStore
	sessions store.SessionStore
	verifier auth.TokenVerifier
	clearCmd string
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		streamer: cfg.Streamer,
		usage:    cfg.Usage,
		sessions: cfg.Sessions,
		verifier: cfg.Verifier,
		clearCmd: cfg.ClearCacheCommand,
		logger:   logger.With("component", "relay"),
	}
}

// Routes builds the chi router for the relay API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", h.handleHealth)
	r.Get("/health/ready", h.handleReady)

	r.Group(func(r chi.Router) {
		if h.verifier != nil {
			r.Use(auth.Middleware(h.verifier))
		}
		r.Post("/messages", h.handleMessages)
		r.Post("/api/v1/messages", h.handleMessages)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/cache/clear", h.handleClearCache)
			r.Get("/sessions", h.handleListSessions)
			r.Delete("/sessions/{conversationID}", h.handleDeleteSession)
			r.Get("/usage", h.handleUsageStats)
			r.Get("/usage/{conversationID}", h.handleConversationUsage)
		})
	})

	return r
}

// requestLogger logs one line per request with slog.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			"request_id", chiMiddleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// handleMessages handles POST /messages. It streams every text fragment of
// the agent reply as an SSE "text" event.
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	req, err := parseMessageRequest(r)
	if err != nil {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	convID := req.conversationID()
	logger := h.logger.With(
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"conversation_id", convID,
	)
	if ac := auth.FromContext(r.Context()); ac != nil {
		logger = logger.With("subject", ac.Subject)
	}

	sw, err := sse.NewWriter(w)
	if err != nil {
		logger.Error("response writer cannot stream", "error", err)
		h.sendPlainError(w)
		return
	}

	if h.clearCmd != "" && strings.TrimSpace(req.Text) == h.clearCmd {
		h.streamer.ClearAgentCache()
		logger.Info("agent cache cleared by command")
		if err := sw.WriteEvent(string(agent.ChunkText), cacheClearedMessage); err != nil {
			logger.Debug("client went away", "error", err)
		}
		return
	}

	msg := agent.IncomingMessage{ConversationID: convID, Text: req.Text}
	if req.From != nil {
		msg.UserName = req.From.Name
	}

	logger.Info("message received", "text_len", len(req.Text))
	var fragments int
	for chunk, err := range h.streamer.Stream(r.Context(), msg) {
		if err != nil {
			h.failStream(w, sw, logger, err)
			return
		}

		switch chunk.Event {
		case agent.ChunkText:
			if err := sw.WriteEvent(string(agent.ChunkText), chunk.Text); err != nil {
				logger.Info("client disconnected mid-stream", "fragments", fragments, "error", err)
				return
			}
			fragments++
		case agent.ChunkUsage:
			h.recordUsage(r.Context(), logger, convID, chunk)
		default:
			logger.Debug("upstream event not forwarded", "event", chunk.Event)
		}
	}
	logger.Info("response streamed", "fragments", fragments)
}

// failStream reports err to the client. Before the first byte it is a plain
// 500. After that it is a single error event whose data is the user-facing
// message as plain text, so front ends can show it as is.
func (h *Handler) failStream(w http.ResponseWriter, sw *sse.Writer, logger *slog.Logger, err error) {
	if errors.Is(err, context.Canceled) {
		logger.Info("request cancelled", "error", err)
		return
	}
	if errors.Is(err, agent.ErrInvalidRequest) && !sw.Started() {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger.Error("response generation failed", "error", err, "streaming", sw.Started())
	if !sw.Started() {
		h.sendPlainError(w)
		return
	}

	if werr := sw.WriteEvent(string(agent.ChunkError), streamErrorMessage); werr != nil {
		logger.Debug("failed to write error event", "error", werr)
	}
}

// recordUsage logs a usage chunk and saves it when a usage store is configured.
func (h *Handler) recordUsage(ctx context.Context, logger *slog.Logger, convID string, chunk agent.Chunk) {
	if chunk.Usage == nil {
		return
	}
	logger.Info("token usage",
		"run_id", chunk.RunID,
		"input_tokens", chunk.Usage.InputTokens,
		"output_tokens", chunk.Usage.OutputTokens,
		"total_tokens", chunk.Usage.TotalTokens,
	)
	if h.usage == nil {
		return
	}

	rec := &store.TokenUsage{
		ID:             uuid.New().String(),
		ConversationID: convID,
		RunID:          chunk.RunID,
		InputTokens:    chunk.Usage.InputTokens,
		OutputTokens:   chunk.Usage.OutputTokens,
		TotalTokens:    chunk.Usage.TotalTokens,
		CreatedAt:      time.Now(),
	}
	if sess, err := h.streamer.Session(ctx, convID); err == nil {
		rec.ThreadID = sess.ThreadID
		rec.AgentID = sess.AgentID
	}
	if err := h.usage.SaveUsage(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("failed to save token usage", "error", err)
	}
}

// handleHealth returns 200 while the process is serving.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady returns 200 once the chat agent definition has been resolved.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if !h.streamer.Ready() {
		h.sendJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "agent not resolved"})
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleClearCache handles POST /admin/cache/clear.
func (h *Handler) handleClearCache(w http.ResponseWriter, r *http.Request) {
	h.streamer.ClearAgentCache()
	h.logger.Info("agent cache cleared by admin request", "request_id", chiMiddleware.GetReqID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// SessionResponse is one entry of GET /admin/sessions.
type SessionResponse struct {
	ConversationID string `json:"conversation_id"`
	ThreadID       string `json:"thread_id"`
	AgentID        string `json:"agent_id"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// handleListSessions handles GET /admin/sessions?limit=N.
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		h.sendJSONError(w, http.StatusNotImplemented, "session listing not available")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := h.sessions.ListSessions(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list sessions", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionResponse{
			ConversationID: s.ConversationID,
			ThreadID:       s.ThreadID,
			AgentID:        s.AgentID,
			CreatedAt:      s.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:      s.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	h.sendJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleDeleteSession handles DELETE /admin/sessions/{conversationID}. The
// next message in that conversation starts a fresh thread.
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		h.sendJSONError(w, http.StatusNotImplemented, "session management not available")
		return
	}

	convID := chi.URLParam(r, "conversationID")
	sess, err := h.sessions.GetSession(r.Context(), convID)
	if errors.Is(err, store.ErrNotFound) {
		h.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err == nil {
		err = h.sessions.DeleteSession(r.Context(), convID)
	}
	if err != nil {
		h.logger.Error("failed to delete session", "error", err, "conversation_id", convID)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("session reset by admin request",
		"conversation_id", convID,
		"thread_id", sess.ThreadID,
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)
	w.WriteHeader(http.StatusNoContent)
}

// UsageStatsResponse is the JSON body of GET /admin/usage.
type UsageStatsResponse struct {
	TotalInput   int64 `json:"total_input"`
	TotalOutput  int64 `json:"total_output"`
	TotalTokens  int64 `json:"total_tokens"`
	RequestCount int64 `json:"request_count"`
}

// handleUsageStats handles GET /admin/usage?agent_id=&conversation_id=&since=.
func (h *Handler) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		h.sendJSONError(w, http.StatusNotImplemented, "usage tracking not available")
		return
	}

	q := r.URL.Query()
	filter := store.UsageFilter{
		AgentID:        q.Get("agent_id"),
		ConversationID: q.Get("conversation_id"),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.sendJSONError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = &since
	}

	stats, err := h.usage.GetUsageStats(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to get usage stats", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.sendJSON(w, http.StatusOK, UsageStatsResponse{
		TotalInput:   stats.TotalInput,
		TotalOutput:  stats.TotalOutput,
		TotalTokens:  stats.TotalTokens,
		RequestCount: stats.RequestCount,
	})
}

// UsageRecordResponse is one entry of GET /admin/usage/{conversationID}.
type UsageRecordResponse struct {
	RunID        string `json:"run_id,omitempty"`
	ThreadID     string `json:"thread_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TotalTokens  int    `json:"total_tokens"`
	CreatedAt    string `json:"created_at"`
}

// handleConversationUsage handles GET /admin/usage/{conversationID}.
func (h *Handler) handleConversationUsage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		h.sendJSONError(w, http.StatusNotImplemented, "usage tracking not available")
		return
	}

	convID := chi.URLParam(r, "conversationID")
	records, err := h.usage.GetConversationUsage(r.Context(), convID)
	if err != nil {
		h.logger.Error("failed to get conversation usage", "error", err, "conversation_id", convID)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]UsageRecordResponse, 0, len(records))
	for _, u := range records {
		out = append(out, UsageRecordResponse{
			RunID:        u.RunID,
			ThreadID:     u.ThreadID,
			AgentID:      u.AgentID,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			TotalTokens:  u.TotalTokens,
			CreatedAt:    u.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	h.sendJSON(w, http.StatusOK, map[string]any{"conversation_id": convID, "usage": out})
}

// parseMessageRequest decodes and validates a MessageRequest.
func parseMessageRequest(r *http.Request) (*MessageRequest, error) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if req.Type != "" && req.Type != "message" {
		return nil, errors.New("unsupported activity type: " + req.Type)
	}
	if strings.TrimSpace(req.conversationID()) == "" {
		return nil, errors.New("conversation id is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("text is required")
	}

	return &req, nil
}

// sendJSON writes v as a JSON response.
func (h *Handler) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write JSON response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (h *Handler) sendJSONError(w http.ResponseWriter, status int, message string) {
	h.sendJSON(w, status, map[string]string{"error": message})
}

// sendPlainError writes the generic pre-stream failure.
func (h *Handler) sendPlainError(w http.ResponseWriter) {
	http.Error(w, preStreamErrorMessage, http.StatusInternalServerError)
}
