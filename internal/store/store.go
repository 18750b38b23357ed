// ABOUTME: Store interfaces and data types for relay persistence
// ABOUTME: Defines Session and TokenUsage plus the SessionStore and UsageStore contracts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when creating a session that already exists
var ErrDuplicateSession = errors.New("session already exists")

// Session links an external conversation to a remote agent thread
type Session struct {
	ConversationID string
	ThreadID       string
	AgentID        string // agent that created the thread
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TokenUsage is the token consumption of one completed run
type TokenUsage struct {
	ID             string
	ConversationID string
	ThreadID       string
	RunID          string
	AgentID        string
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
	CreatedAt      time.Time
}

// UsageFilter narrows GetUsageStats. Zero values match everything.
type UsageFilter struct {
	AgentID        string
	ConversationID string
	Since          *time.Time
}

// UsageStats aggregates usage records.
type UsageStats struct {
	TotalInput   int64
	TotalOutput  int64
	TotalTokens  int64
	RequestCount int64
}

// SessionStore is the conversation session table
type SessionStore interface {
	GetSession(ctx context.Context, conversationID string) (*Session, error)
	// CreateSession inserts s unless a session for the conversation exists,
	// in which case it returns ErrDuplicateSession and leaves the row alone.
	CreateSession(ctx context.Context, s *Session) error
	// TouchSession bumps UpdatedAt for an existing session.
	TouchSession(ctx context.Context, conversationID string) error
	ListSessions(ctx context.Context, limit int) ([]*Session, error)
	DeleteSession(ctx context.Context, conversationID string) error
}

// UsageStore records token usage
type UsageStore interface {
	SaveUsage(ctx context.Context, usage *TokenUsage) error
	GetConversationUsage(ctx context.Context, conversationID string) ([]*TokenUsage, error)
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
}

// Store combines session and usage persistence
type Store interface {
	SessionStore
	UsageStore

	// Close releases any resources held by the store
	Close() error
}
