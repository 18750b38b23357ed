// ABOUTME: Matrix side of relay-matrix: login, sync, and message forwarding
// ABOUTME: Forwards room messages to the relay and streams the answer back as an edited reply

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/agent-relay/internal/dedupe"
)

const (
	// typingTimeout is how long one typing notification lasts.
	typingTimeout = 30 * time.Second
	// networkTimeout bounds single Matrix API calls.
	networkTimeout = 10 * time.Second
)

// relaySender forwards an activity and streams the answer.
type relaySender interface {
	Send(ctx context.Context, act Activity, onText func(string)) error
}

// Bridge connects Matrix rooms to the relay.
type Bridge struct {
	config *Config
	matrix *mautrix.Client
	sender roomSender
	relay  relaySender
	seen   *dedupe.Cache
	logger *slog.Logger

	userID  id.UserID
	started time.Time

	// rooms with a request in flight
	processing sync.Map
	wg         sync.WaitGroup
}

// NewBridge creates a bridge. Call Login before Run.
func NewBridge(cfg *Config, logger *slog.Logger) (*Bridge, error) {
	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &Bridge{
		config: cfg,
		matrix: client,
		sender: matrixSender{client: client},
		relay:  NewRelayClient(cfg.Relay.URL, cfg.Relay.Token, nil),
		seen:   dedupe.New(dedupe.Options{SweepInterval: time.Minute}),
		logger: logger.With("component", "bridge"),
	}, nil
}

// Login authenticates with the configured password.
func (b *Bridge) Login(ctx context.Context) error {
	resp, err := b.matrix.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: b.config.Matrix.Username,
		},
		Password:                 b.config.Matrix.Password,
		InitialDeviceDisplayName: b.config.Matrix.DeviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		return err
	}
	b.userID = resp.UserID
	b.logger.Info("logged in", "user_id", resp.UserID, "device_id", resp.DeviceID)
	return nil
}

// Run syncs until ctx is cancelled, then waits for in-flight replies.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.seen.Close()

	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.matrix.Syncer)
	}
	b.started = time.Now()
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		b.handleMessageEvent(ctx, evt)
	})

	b.logger.Info("matrix bridge running", "relay", b.config.Relay.URL)
	err := b.matrix.SyncWithContext(ctx)
	b.wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("matrix sync failed: %w", err)
	}
	b.logger.Info("matrix bridge stopped")
	return nil
}

// accept decides whether evt should be forwarded and returns its text.
func (b *Bridge) accept(evt *event.Event) (string, bool) {
	if evt.Sender == b.userID {
		return "", false
	}
	if !b.started.IsZero() && time.UnixMilli(evt.Timestamp).Before(b.started) {
		return "", false
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return "", false
	}
	// Edits arrive as new events; only answer the original.
	if content.RelatesTo != nil && content.RelatesTo.GetReplaceID() != "" {
		return "", false
	}
	if !b.config.Bridge.roomAllowed(evt.RoomID.String()) {
		b.logger.Debug("ignoring message from non-allowed room", "room", evt.RoomID)
		return "", false
	}

	text := content.Body
	if prefix := b.config.Bridge.CommandPrefix; prefix != "" {
		if !strings.HasPrefix(text, prefix) {
			return "", false
		}
		text = strings.TrimPrefix(text, prefix)
	}
	text = strings.TrimSpace(text)
	return text, text != ""
}

func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	text, ok := b.accept(evt)
	if !ok {
		return
	}
	if b.seen.Seen(evt.ID.String()) {
		b.logger.Debug("dropping redelivered event", "event_id", evt.ID)
		return
	}
	if _, busy := b.processing.LoadOrStore(evt.RoomID, struct{}{}); busy {
		b.logger.Info("request already in flight for room, dropping", "room", evt.RoomID)
		return
	}

	b.logger.Info("received message",
		"room", evt.RoomID,
		"sender", evt.Sender,
		"content", truncate(text, 50),
	)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.processing.Delete(evt.RoomID)
		b.forward(ctx, evt, text)
	}()
}

// forward sends one message to the relay and streams the answer into the room.
func (b *Bridge) forward(ctx context.Context, evt *event.Event, text string) {
	roomID, sender := evt.RoomID, evt.Sender
	if b.config.Bridge.TypingIndicator {
		b.setTyping(roomID, true)
		defer b.setTyping(roomID, false)
	}

	reqCtx := ctx
	if b.config.Relay.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, b.config.Relay.Timeout)
		defer cancel()
	}

	reply := NewStreamingReply(b.sender, roomID, b.config.Bridge.EditInterval, b.logger)
	defer func() {
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), networkTimeout)
		defer cancel()
		if err := reply.Finalize(finishCtx); err != nil {
			b.logger.Error("failed to finalize reply", "room", roomID, "error", err)
		}
	}()

	act := NewActivity(roomID.String(), text, sender.String(), displayName(sender))
	err := b.relay.Send(reqCtx, act, func(chunk string) {
		reply.Append(reqCtx, chunk)
	})
	if err != nil {
		b.logger.Error("relay request failed", "room", roomID, "activity_id", act.ID, "error", err)
		if reply.Text() == "" {
			// Nothing reached the room, so a redelivery should be answered.
			b.seen.Forget(evt.ID.String())
		}
		noticeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), networkTimeout)
		defer cancel()
		reply.Fail(noticeCtx, b.config.Bridge.ErrorNotice)
		return
	}

	b.logger.Info("reply sent", "room", roomID, "length", len(reply.Text()))
}

func (b *Bridge) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := b.matrix.UserTyping(ctx, roomID, typing, timeout); err != nil {
		b.logger.Debug("failed to set typing indicator", "room", roomID, "error", err)
	}
}

// displayName returns the localpart of a Matrix user ID.
func displayName(userID id.UserID) string {
	localpart, _, err := userID.Parse()
	if err != nil {
		return userID.String()
	}
	return localpart
}

// truncate shortens s to maxLen runes.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
