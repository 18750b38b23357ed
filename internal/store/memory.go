// ABOUTME: In-memory Store implementation for single-process deployments and tests
// ABOUTME: Guards maps with a RWMutex and copies values in and out

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. Sessions live until the process exits.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session      // keyed by conversation ID
	usage    map[string][]*TokenUsage // keyed by conversation ID
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		usage:    make(map[string][]*TokenUsage),
	}
}

// GetSession retrieves the session for a conversation.
func (m *MemoryStore) GetSession(ctx context.Context, conversationID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// CreateSession stores a session unless one exists for the conversation.
func (m *MemoryStore) CreateSession(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sess.ConversationID]; exists {
		return ErrDuplicateSession
	}

	s := *sess
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	m.sessions[s.ConversationID] = &s
	return nil
}

// TouchSession bumps UpdatedAt.
func (m *MemoryStore) TouchSession(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[conversationID]
	if !ok {
		return ErrNotFound
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// ListSessions returns sessions, most recently used first.
func (m *MemoryStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		c := *s
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// DeleteSession removes a session.
func (m *MemoryStore) DeleteSession(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, conversationID)
	return nil
}

// SaveUsage records a usage entry.
func (m *MemoryStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := *usage
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.usage[u.ConversationID] = append(m.usage[u.ConversationID], &u)
	return nil
}

// GetConversationUsage returns a conversation's usage entries, oldest first.
func (m *MemoryStore) GetConversationUsage(ctx context.Context, conversationID string) ([]*TokenUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.usage[conversationID]
	result := make([]*TokenUsage, 0, len(entries))
	for _, u := range entries {
		c := *u
		result = append(result, &c)
	}
	return result, nil
}

// GetUsageStats aggregates usage entries matching filter.
func (m *MemoryStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats UsageStats
	for convID, entries := range m.usage {
		if filter.ConversationID != "" && convID != filter.ConversationID {
			continue
		}
		for _, u := range entries {
			if filter.AgentID != "" && u.AgentID != filter.AgentID {
				continue
			}
			if filter.Since != nil && u.CreatedAt.Before(*filter.Since) {
				continue
			}
			stats.TotalInput += int64(u.InputTokens)
			stats.TotalOutput += int64(u.OutputTokens)
			stats.TotalTokens += int64(u.TotalTokens)
			stats.RequestCount++
		}
	}
	return &stats, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
