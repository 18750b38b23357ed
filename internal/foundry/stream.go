// ABOUTME: Pull-based reader over a streaming run response body
// ABOUTME: Converts SSE frames into RunEvents and stops at the done sentinel

package foundry

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/2389/agent-relay/internal/sse"
)

// RunStream yields the events of a streaming run in arrival order.
//
//	for stream.Next() {
//	    ev := stream.Event()
//	}
//	err := stream.Err()
//
// Close releases the underlying connection and may be called at any time,
// including from another goroutine to abort a blocked Next.
type RunStream struct {
	body    io.ReadCloser
	scanner *sse.Scanner
	current RunEvent
	err     error
	done    bool

	closeOnce sync.Once
	closeErr  error
}

func newRunStream(body io.ReadCloser) *RunStream {
	return &RunStream{body: body, scanner: sse.NewScanner(body)}
}

// Next advances to the next event. It returns false after the done
// sentinel, at end of body, or on a read error.
func (s *RunStream) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	if !s.scanner.Next() {
		if err := s.scanner.Err(); err != nil {
			s.err = fmt.Errorf("%w: reading run stream: %v", ErrUnavailable, err)
		}
		s.done = true
		return false
	}

	ev := s.scanner.Event()
	if ev.Name == EventDone || ev.Data == "[DONE]" {
		s.done = true
		return false
	}

	data := json.RawMessage(ev.Data)
	if !json.Valid(data) {
		// Keep non-JSON payloads inspectable; callers treat them as malformed.
		data, _ = json.Marshal(ev.Data)
	}
	s.current = RunEvent{Name: ev.Name, Data: data}
	return true
}

// Event returns the current event.
func (s *RunStream) Event() RunEvent {
	return s.current
}

// Err returns the read error that stopped the stream, if any.
func (s *RunStream) Err() error {
	return s.err
}

// Close closes the response body.
func (s *RunStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
