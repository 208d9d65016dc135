// Package server validates and routes outbound message, typing, and read
// events to their recipients via the Dispatcher type.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bizlink/beacon/internal/store"
)

// connPusher delivers an encoded event to one live connection. Pushes are
// fire-and-forget; false means the connection buffer was full or closed.
type connPusher interface {
	pushToConn(connID string, data []byte) bool
}

type typingKey struct {
	senderID    string
	recipientID string
}

// typingState tracks one live typing indicator: which of the sender's
// connections are signaling, and the expiry timer that synthesizes a stop if
// the client crashes without sending one.
type typingState struct {
	conns map[string]struct{}
	timer *time.Timer
}

// Dispatcher validates one user's outbound events and routes them to their
// recipients, persisting through the storage collaborator when durability is
// required. Live socket pushes are best-effort and never gate success.
type Dispatcher struct {
	store        store.Store
	registry     *Registry
	pusher       connPusher
	typingExpiry time.Duration

	mu     sync.Mutex
	typing map[typingKey]*typingState
	byConn map[string]map[typingKey]struct{}
}

// NewDispatcher creates a dispatcher routing through the given registry and
// pusher. typingExpiry bounds how long a typing indicator stays live without
// a refresh.
func NewDispatcher(st store.Store, registry *Registry, pusher connPusher, typingExpiry time.Duration) *Dispatcher {
	return &Dispatcher{
		store:        st,
		registry:     registry,
		pusher:       pusher,
		typingExpiry: typingExpiry,
		typing:       make(map[typingKey]*typingState),
		byConn:       make(map[string]map[typingKey]struct{}),
	}
}

// SendMessage persists a direct message and fans it out. The message reaches
// every live connection of the recipient, and a delivery confirmation reaches
// every live connection of the sender except the originating one. The call
// succeeds once persistence succeeds, regardless of recipient presence.
func (d *Dispatcher) SendMessage(ctx context.Context, sender Identity, originConnID string, p SendMessagePayload) (*store.Message, error) {
	msg := &store.Message{
		SenderID:    sender.UserID,
		RecipientID: p.RecipientID,
		Body:        p.Content,
		Kind:        p.Kind(),
		Attachments: p.Attachments,
		ReplyToID:   p.ReplyToID,
	}

	if _, err := d.store.SaveMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrUnknownRecipient) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	metricMessagesTotal.WithLabelValues(string(msg.Kind)).Inc()

	d.fanOut(p.RecipientID, EventNewMessage, msg, "")
	d.fanOut(sender.UserID, EventMessageSentAck, msg, originConnID)

	return msg, nil
}

// SetTyping forwards an ephemeral typing indicator. Indicators are never
// persisted and are forwarded only while the recipient is online. A start
// arms (or re-arms) the expiry timer for the (sender, recipient) pair; a stop
// clears it.
func (d *Dispatcher) SetTyping(senderID, connID, recipientID string, isTyping bool) {
	key := typingKey{senderID: senderID, recipientID: recipientID}

	if !isTyping {
		if d.clearTyping(key) {
			d.forwardTyping(key, EventTypingStop)
		}
		return
	}

	d.mu.Lock()
	state, ok := d.typing[key]
	if !ok {
		state = &typingState{conns: make(map[string]struct{})}
		d.typing[key] = state
	}
	state.conns[connID] = struct{}{}
	if d.byConn[connID] == nil {
		d.byConn[connID] = make(map[typingKey]struct{})
	}
	d.byConn[connID][key] = struct{}{}

	if state.timer != nil {
		state.timer.Stop()
	}
	state.timer = time.AfterFunc(d.typingExpiry, func() {
		if d.clearTyping(key) {
			slog.Debug("typing indicator expired",
				"sender", key.senderID, "recipient", key.recipientID)
			d.forwardTyping(key, EventTypingStop)
		}
	})
	d.mu.Unlock()

	d.forwardTyping(key, EventTypingStart)
}

// clearTyping removes the pair state and reports whether an indicator was live.
func (d *Dispatcher) clearTyping(key typingKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.typing[key]
	if !ok {
		return false
	}
	if state.timer != nil {
		state.timer.Stop()
	}
	for connID := range state.conns {
		delete(d.byConn[connID], key)
		if len(d.byConn[connID]) == 0 {
			delete(d.byConn, connID)
		}
	}
	delete(d.typing, key)
	return true
}

// DisconnectCleanup synthesizes a typing-stop for every pair the connection
// was signaling in, so a peer is never left with a stuck indicator after the
// other side vanishes. Called by the lifecycle controller before presence
// deregistration.
func (d *Dispatcher) DisconnectCleanup(connID string) {
	d.mu.Lock()
	keys := make([]typingKey, 0, len(d.byConn[connID]))
	for key := range d.byConn[connID] {
		keys = append(keys, key)
	}
	d.mu.Unlock()

	for _, key := range keys {
		d.mu.Lock()
		state, ok := d.typing[key]
		var lastSignaler bool
		if ok {
			delete(state.conns, connID)
			lastSignaler = len(state.conns) == 0
		}
		if sub, ok := d.byConn[connID]; ok {
			delete(sub, key)
			if len(sub) == 0 {
				delete(d.byConn, connID)
			}
		}
		d.mu.Unlock()

		if lastSignaler && d.clearTyping(key) {
			d.forwardTyping(key, EventTypingStop)
		}
	}
}

func (d *Dispatcher) forwardTyping(key typingKey, event string) {
	if !d.registry.IsOnline(key.recipientID) {
		return
	}
	d.fanOut(key.recipientID, event, TypingPayload{SenderID: key.senderID}, "")
}

// MarkRead flips a message's read state and, on the first transition only,
// notifies the original sender's live connections with a read receipt.
// Repeat calls are no-ops and never double-notify.
func (d *Dispatcher) MarkRead(ctx context.Context, userID, messageID string) error {
	msg, changed, err := d.store.MarkMessageRead(ctx, userID, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !changed {
		return nil
	}

	d.fanOut(msg.SenderID, EventMessageRead, MessageReadPayload{
		MessageID: msg.ID,
		ReaderID:  userID,
	}, "")
	return nil
}

// fanOut pushes one event to every live connection of userID, skipping
// exceptConnID when non-empty.
func (d *Dispatcher) fanOut(userID, event string, payload any, exceptConnID string) {
	conns := d.registry.Connections(userID)
	if len(conns) == 0 {
		return
	}
	data, err := encodeEvent(event, payload)
	if err != nil {
		slog.Error("failed to encode outbound event", "event", event, "error", err)
		return
	}
	for _, connID := range conns {
		if connID == exceptConnID {
			continue
		}
		if !d.pusher.pushToConn(connID, data) {
			metricDeliveryFailures.Inc()
		}
	}
}

// Stop cancels all live typing timers. Used during shutdown.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, state := range d.typing {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(d.typing, key)
	}
	d.byConn = make(map[string]map[typingKey]struct{})
}
