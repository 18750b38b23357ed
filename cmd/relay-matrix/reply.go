// ABOUTME: Incremental Matrix reply that grows as relay chunks arrive
// ABOUTME: Sends one message, then edits it in place with the accumulated markdown

package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// roomSender posts message events to a room.
type roomSender interface {
	Send(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)
}

// matrixSender adapts a mautrix client to roomSender.
type matrixSender struct {
	client *mautrix.Client
}

func (s matrixSender) Send(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := s.client.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// renderContent builds a text message with an HTML body rendered from md.
func renderContent(md string) *event.MessageEventContent {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: md}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err == nil {
		content.Format = event.FormatHTML
		content.FormattedBody = strings.TrimSpace(buf.String())
	}
	return content
}

// StreamingReply accumulates chunks for one answer. The first chunk posts a
// message; later chunks replace it with m.replace edits, at most one per
// minInterval. Finalize flushes whatever is pending and runs once.
type StreamingReply struct {
	sender      roomSender
	roomID      id.RoomID
	minInterval time.Duration
	now         func() time.Time
	logger      *slog.Logger

	mu       sync.Mutex
	text     strings.Builder
	eventID  id.EventID
	lastSent time.Time
	pending  bool
	failed   bool

	finalizeOnce sync.Once
	finalizeErr  error
}

// NewStreamingReply creates a reply for roomID.
func NewStreamingReply(sender roomSender, roomID id.RoomID, minInterval time.Duration, logger *slog.Logger) *StreamingReply {
	return &StreamingReply{
		sender:      sender,
		roomID:      roomID,
		minInterval: minInterval,
		now:         time.Now,
		logger:      logger,
	}
}

// Append adds a chunk and publishes it unless an edit went out within
// minInterval. Send failures are logged; the text is retried on the next
// publish.
func (r *StreamingReply) Append(ctx context.Context, chunk string) {
	if chunk == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.text.WriteString(chunk)
	r.pending = true
	if r.eventID != "" && r.now().Sub(r.lastSent) < r.minInterval {
		return
	}
	if err := r.publishLocked(ctx); err != nil {
		r.logger.Warn("failed to update reply", "room", r.roomID, "error", err)
	}
}

// Fail appends an inline notice to the reply.
func (r *StreamingReply) Fail(ctx context.Context, notice string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failed {
		return
	}
	r.failed = true
	if r.text.Len() > 0 {
		r.text.WriteString("\n\n")
	}
	fmt.Fprintf(&r.text, "⚠️ %s", notice)
	r.pending = true
	if err := r.publishLocked(ctx); err != nil {
		r.logger.Warn("failed to post error notice", "room", r.roomID, "error", err)
	}
}

// Finalize publishes any text still pending. Only the first call does work.
func (r *StreamingReply) Finalize(ctx context.Context) error {
	r.finalizeOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.pending {
			r.finalizeErr = r.publishLocked(ctx)
		}
	})
	return r.finalizeErr
}

// Text returns the accumulated reply.
func (r *StreamingReply) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text.String()
}

func (r *StreamingReply) publishLocked(ctx context.Context) error {
	content := renderContent(r.text.String())
	if r.eventID != "" {
		content.SetEdit(r.eventID)
	}

	eventID, err := r.sender.Send(ctx, r.roomID, content)
	if err != nil {
		return err
	}
	if r.eventID == "" {
		r.eventID = eventID
	}
	r.lastSent = r.now()
	r.pending = false
	return nil
}
