// ABOUTME: SQLite implementation for token usage tracking
// ABOUTME: Stores and aggregates run token consumption for analytics

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveUsage stores a token usage record.
func (s *SQLiteStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	createdAt := usage.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO run_usage (
			id, conversation_id, thread_id, run_id, agent_id,
			input_tokens, output_tokens, total_tokens, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		usage.ID,
		usage.ConversationID,
		usage.ThreadID,
		usage.RunID,
		usage.AgentID,
		usage.InputTokens,
		usage.OutputTokens,
		usage.TotalTokens,
		formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved token usage",
		"id", usage.ID,
		"conversation_id", usage.ConversationID,
		"agent_id", usage.AgentID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	return nil
}

// GetConversationUsage retrieves all usage records for a conversation, oldest first.
func (s *SQLiteStore) GetConversationUsage(ctx context.Context, conversationID string) ([]*TokenUsage, error) {
	query := `
		SELECT id, conversation_id, thread_id, run_id, agent_id,
		       input_tokens, output_tokens, total_tokens, created_at
		FROM run_usage
		WHERE conversation_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying conversation usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usages []*TokenUsage
	for rows.Next() {
		usage, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}

	return usages, nil
}

// GetUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COUNT(*)
		FROM run_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.ConversationID != "" {
		query += " AND conversation_id = ?"
		args = append(args, filter.ConversationID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*filter.Since))
	}

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalInput,
		&stats.TotalOutput,
		&stats.TotalTokens,
		&stats.RequestCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	return &stats, nil
}

func scanUsage(rows *sql.Rows) (*TokenUsage, error) {
	var usage TokenUsage
	var createdAtStr string

	err := rows.Scan(
		&usage.ID,
		&usage.ConversationID,
		&usage.ThreadID,
		&usage.RunID,
		&usage.AgentID,
		&usage.InputTokens,
		&usage.OutputTokens,
		&usage.TotalTokens,
		&createdAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage row: %w", err)
	}

	if usage.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	return &usage, nil
}
