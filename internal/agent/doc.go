// Package agent turns one user utterance into a stream of text fragments from
// a remote AI agent.
//
// # Overview
//
// The Manager owns two tables shared by every request:
//
//   - the definition cache, agent id -> *Definition, fetched lazily and kept
//     until ClearAgentCache;
//   - the session table, conversation id -> remote thread, kept in a
//     store.SessionStore and never cleared by ClearAgentCache.
//
// Both are filled with insert-if-absent semantics. Concurrent first requests
// for the same agent share one fetch and concurrent first requests for the
// same conversation share one thread creation (golang.org/x/sync/singleflight).
//
// # Streaming
//
// ProcessMessage and Stream return iter.Seq2 sequences. Nothing happens until
// the caller starts ranging; every pull may block on network I/O. Failures
// during setup arrive as the first element, before any text. Failures during
// the run arrive after whatever text was already yielded and end the sequence.
// Cancelling the context stops the run and releases the connection.
//
//	for text, err := range mgr.ProcessMessage(ctx, "conv-1", "Who are you?") {
//	    if err != nil {
//	        // errors.Is(err, agent.ErrRemoteAgentUnavailable)
//	        break
//	    }
//	    fmt.Print(text)
//	}
//
// # Run executors
//
// RunExecutor is the seam between the Manager and the remote service. The
// FoundryExecutor implementation posts the message, streams the run, and
// resolves tool calls by invoking the tools.Registry and submitting outputs,
// so the Manager never sees tool traffic.
//
// # Routing
//
// Router picks the chat agent by default and the builder agent when the text
// contains the builder keyword, asking the builder for JSON output.
package agent
