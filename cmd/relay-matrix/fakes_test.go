// ABOUTME: Test doubles shared by the relay-matrix tests
// ABOUTME: A recording room sender and a scripted relay

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type sentMessage struct {
	roomID  id.RoomID
	content *event.MessageEventContent
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	fail bool
}

func (s *recordingSender) Send(_ context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errors.New("homeserver unavailable")
	}
	s.sent = append(s.sent, sentMessage{roomID: roomID, content: content})
	return id.EventID(fmt.Sprintf("$reply%d", len(s.sent))), nil
}

func (s *recordingSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

// finalBody returns the text the room would display after all edits.
func (s *recordingSender) finalBody() string {
	msgs := s.messages()
	if len(msgs) == 0 {
		return ""
	}
	last := msgs[len(msgs)-1].content
	if last.NewContent != nil {
		return last.NewContent.Body
	}
	return last.Body
}

type scriptedRelay struct {
	mu       sync.Mutex
	chunks   []string
	err      error
	block    chan struct{}
	received []Activity
}

func (r *scriptedRelay) Send(ctx context.Context, act Activity, onText func(string)) error {
	r.mu.Lock()
	r.received = append(r.received, act)
	r.mu.Unlock()

	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, c := range r.chunks {
		onText(c)
	}
	return r.err
}

func (r *scriptedRelay) activities() []Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Activity(nil), r.received...)
}
