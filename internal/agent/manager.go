// ABOUTME: Manager owns the agent definition cache and the conversation session table
// ABOUTME: and turns one user message into a lazy stream of response chunks

package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/agent-relay/internal/store"
)

// ManagerConfig selects the remote agents a Manager routes to.
type ManagerConfig struct {
	ChatAgentID    string
	BuilderAgentID string
	// BuilderKeyword defaults to DefaultBuilderKeyword.
	BuilderKeyword string
}

// Manager resolves agent definitions and conversation threads and streams runs.
type Manager struct {
	exec     RunExecutor
	sessions store.SessionStore
	router   *Router
	logger   *slog.Logger

	mu         sync.RWMutex
	defs       map[string]*Definition
	generation uint64

	defFlight     singleflight.Group
	sessionFlight singleflight.Group
}

// NewManager creates a Manager with an empty definition cache.
func NewManager(cfg ManagerConfig, exec RunExecutor, sessions store.SessionStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		exec:     exec,
		sessions: sessions,
		router:   NewRouter(cfg.ChatAgentID, cfg.BuilderAgentID, cfg.BuilderKeyword),
		logger:   logger.With("component", "agent"),
		defs:     make(map[string]*Definition),
	}
}

// ProcessMessage streams the text fragments of the agent's reply to text in
// the given conversation. Only non-empty fragments are yielded. An error
// element ends the sequence.
func (m *Manager) ProcessMessage(ctx context.Context, conversationID, text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msg := IncomingMessage{ConversationID: conversationID, Text: text}
		for chunk, err := range m.Stream(ctx, msg) {
			if err != nil {
				yield("", err)
				return
			}
			if chunk.Event != ChunkText {
				continue
			}
			if !yield(chunk.Text, nil) {
				return
			}
		}
	}
}

// Stream runs msg through the routed agent and yields every chunk, including
// usage and pass-through vendor events. Nothing happens until the first pull.
func (m *Manager) Stream(ctx context.Context, msg IncomingMessage) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		start := time.Now()

		if err := msg.Validate(); err != nil {
			yield(Chunk{}, err)
			return
		}

		route, err := m.router.Route(msg.Text)
		if err != nil {
			yield(Chunk{}, err)
			return
		}

		def, err := m.definition(ctx, route.AgentID)
		if err != nil {
			yield(Chunk{}, err)
			return
		}

		sess, err := m.session(ctx, msg.ConversationID, def)
		if err != nil {
			yield(Chunk{}, err)
			return
		}

		prep := time.Since(start)
		genStart := time.Now()
		var chunks int
		defer func() {
			m.logger.Info("request timings",
				"conversation_id", msg.ConversationID,
				"agent_id", def.ID,
				"thread_id", sess.ThreadID,
				"chunks", chunks,
				"prep_time", prep,
				"generation_time", time.Since(genStart),
				"total_time", time.Since(start),
			)
		}()

		req := RunRequest{
			Definition: def,
			ThreadID:   sess.ThreadID,
			Text:       route.Input,
			UserName:   msg.UserName,
		}
		for chunk, err := range m.exec.Run(ctx, req) {
			if err != nil {
				yield(Chunk{}, remoteErr("running agent", err))
				return
			}
			if chunk.Event == ChunkText {
				if chunk.Text == "" {
					continue
				}
				chunks++
			}
			if !yield(chunk, nil) {
				return
			}
		}

		if err := m.sessions.TouchSession(ctx, msg.ConversationID); err != nil {
			m.logger.Debug("failed to touch session", "conversation_id", msg.ConversationID, "error", err)
		}
	}
}

// ClearAgentCache drops every cached definition. Sessions are kept.
func (m *Manager) ClearAgentCache() {
	m.mu.Lock()
	n := len(m.defs)
	m.defs = make(map[string]*Definition)
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	m.logger.Info("agent cache cleared", "dropped", n, "generation", gen)
}

// Ready reports whether the chat agent definition is cached.
func (m *Manager) Ready() bool {
	if m.router.chatAgentID == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.defs[m.router.chatAgentID]
	return ok
}

// Warmup resolves the definitions of every configured agent.
func (m *Manager) Warmup(ctx context.Context) error {
	var errs []error
	for _, id := range m.router.AgentIDs() {
		if _, err := m.definition(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Session returns the session bound to conversationID.
func (m *Manager) Session(ctx context.Context, conversationID string) (*store.Session, error) {
	return m.sessions.GetSession(ctx, conversationID)
}

// cached returns the cached definition for agentID and the current generation.
func (m *Manager) cached(agentID string) (*Definition, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defs[agentID], m.generation
}

// definition returns the cached definition for agentID, fetching it on a miss.
// Concurrent misses for the same agent and generation share one fetch.
func (m *Manager) definition(ctx context.Context, agentID string) (*Definition, error) {
	def, gen := m.cached(agentID)
	if def != nil {
		return def, nil
	}

	key := fmt.Sprintf("%d/%s", gen, agentID)
	ch := m.defFlight.DoChan(key, func() (any, error) {
		if def, _ := m.cached(agentID); def != nil {
			return def, nil
		}

		start := time.Now()
		fetched, err := m.exec.FetchDefinition(context.WithoutCancel(ctx), agentID)
		if err != nil {
			return nil, remoteErr(fmt.Sprintf("fetching agent %s", agentID), err)
		}

		def := *fetched
		def.Generation = gen
		def.FetchedAt = time.Now()

		m.mu.Lock()
		stored := m.generation == gen
		if stored {
			m.defs[agentID] = &def
		}
		m.mu.Unlock()

		m.logger.Info("agent definition fetched",
			"agent_id", agentID,
			"name", def.Name,
			"model", def.Model,
			"tools", def.Tools,
			"generation", gen,
			"cached", stored,
			"duration", time.Since(start),
		)
		return &def, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Definition), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// session returns the session for conversationID, creating a thread on first
// use. Concurrent first requests for one conversation share one thread.
func (m *Manager) session(ctx context.Context, conversationID string, def *Definition) (*store.Session, error) {
	sess, err := m.sessions.GetSession(ctx, conversationID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up session: %w", err)
	}

	ch := m.sessionFlight.DoChan(conversationID, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		if sess, err := m.sessions.GetSession(fctx, conversationID); err == nil {
			return sess, nil
		}

		threadID, err := m.exec.CreateThread(fctx)
		if err != nil {
			return nil, remoteErr("creating thread", err)
		}

		sess := &store.Session{
			ConversationID: conversationID,
			ThreadID:       threadID,
			AgentID:        def.ID,
		}
		err = m.sessions.CreateSession(fctx, sess)
		if errors.Is(err, store.ErrDuplicateSession) {
			winner, gerr := m.sessions.GetSession(fctx, conversationID)
			if gerr != nil {
				return nil, fmt.Errorf("loading existing session: %w", gerr)
			}
			m.logger.Warn("session already created elsewhere, discarding thread",
				"conversation_id", conversationID,
				"orphaned_thread_id", threadID,
				"thread_id", winner.ThreadID,
			)
			return winner, nil
		}
		if err != nil {
			return nil, fmt.Errorf("saving session: %w", err)
		}

		m.logger.Info("session created",
			"conversation_id", conversationID,
			"thread_id", threadID,
			"agent_id", def.ID,
		)
		return sess, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*store.Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
