// ABOUTME: RunExecutor seam between the Manager and a remote agent service
// ABOUTME: Implementations fetch definitions, create threads, and stream runs

package agent

import (
	"context"
	"iter"
)

// RunRequest describes one run on an existing thread.
type RunRequest struct {
	Definition *Definition
	ThreadID   string
	Text       string
	UserName   string
}

// RunExecutor talks to the remote agent service.
//
// Run must be lazy, must resolve any tool calls itself, and must stop and
// release its connection when the consumer stops pulling or ctx is cancelled.
type RunExecutor interface {
	FetchDefinition(ctx context.Context, agentID string) (*Definition, error)
	CreateThread(ctx context.Context) (string, error)
	Run(ctx context.Context, req RunRequest) iter.Seq2[Chunk, error]
}
