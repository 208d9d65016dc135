// Package server defines the closed set of event payload variants exchanged
// with clients, validated at the boundary before dispatch.
package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bizlink/beacon/internal/store"
)

// Inbound event names.
const (
	EventAuthenticate       = "authenticate"
	EventSendMessage        = "send-message"
	EventTypingStart        = "typing-start"
	EventTypingStop         = "typing-stop"
	EventMarkRead           = "mark-read"
	EventRequestOnlineUsers = "request-online-users"
)

// Outbound event names.
const (
	EventAuthenticated      = "authenticated"
	EventNewMessage         = "new-message"
	EventMessageSentAck     = "message-sent-ack"
	EventMessageRead        = "message-read"
	EventNewNotification    = "new-notification"
	EventNotificationsBatch = "unread-notifications-batch"
	EventPresenceChanged    = "presence-changed"
	EventActivityBroadcast  = "activity-broadcast"
	EventOnlineUsersList    = "online-users-list"
	EventError              = "error"
)

// Envelope is the wire frame carrying every event in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed event frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("event name missing")
	}
	return env, nil
}

// encodeEvent marshals an outbound event envelope. Payload marshalling of the
// closed variant set cannot fail at runtime, so errors indicate a programming
// mistake and are surfaced to the caller for logging.
func encodeEvent(event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		raw = data
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// AuthenticatePayload carries the bearer credential in the first frame of a
// connection that did not authenticate during the HTTP upgrade.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// AuthenticatedPayload confirms a successful handshake to the client.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// SendMessagePayload is the inbound request to send a direct message.
type SendMessagePayload struct {
	RecipientID string   `json:"recipientId"`
	Content     string   `json:"content"`
	MessageType string   `json:"messageType,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	ReplyToID   string   `json:"replyToId,omitempty"`
}

// Validate checks the payload shape before it reaches the dispatcher.
func (p SendMessagePayload) Validate() error {
	if p.RecipientID == "" {
		return fmt.Errorf("recipientId is required")
	}
	if p.Content == "" && len(p.Attachments) == 0 {
		return fmt.Errorf("content or attachments required")
	}
	if p.MessageType != "" && !store.ValidKind(store.MessageKind(p.MessageType)) {
		return fmt.Errorf("unknown messageType %q", p.MessageType)
	}
	return nil
}

// Kind resolves the message kind, defaulting to text.
func (p SendMessagePayload) Kind() store.MessageKind {
	if p.MessageType == "" {
		return store.KindText
	}
	return store.MessageKind(p.MessageType)
}

// TypingPayload is the inbound typing-start/typing-stop request and the
// outbound indicator forwarded to the peer.
type TypingPayload struct {
	RecipientID string `json:"recipientId,omitempty"`
	SenderID    string `json:"senderId,omitempty"`
}

// Validate checks the payload shape before it reaches the dispatcher.
func (p TypingPayload) Validate() error {
	if p.RecipientID == "" {
		return fmt.Errorf("recipientId is required")
	}
	return nil
}

// MarkReadPayload is the inbound request to mark a message as read.
type MarkReadPayload struct {
	MessageID string `json:"messageId"`
}

// Validate checks the payload shape before it reaches the dispatcher.
func (p MarkReadPayload) Validate() error {
	if p.MessageID == "" {
		return fmt.Errorf("messageId is required")
	}
	return nil
}

// MessageReadPayload notifies the original sender of a read receipt.
type MessageReadPayload struct {
	MessageID string `json:"messageId"`
	ReaderID  string `json:"readerId"`
}

// PresenceChangedPayload announces a user's online/offline transition.
type PresenceChangedPayload struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// NotificationsBatchPayload carries the reconnect catch-up stream,
// chronological with the newest notification last.
type NotificationsBatchPayload struct {
	Notifications []store.Notification `json:"notifications"`
}

// OnlineUsersPayload answers an administrator's request-online-users call.
type OnlineUsersPayload struct {
	Users []PresenceEntry `json:"users"`
	Count int             `json:"count"`
}

// ErrorPayload reports a handler-level failure on the same connection without
// terminating it.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}
