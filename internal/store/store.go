// Package store defines the durable storage collaborator for the Beacon
// presence and messaging service, along with the envelope types it persists.
//
// The messaging core never treats its in-memory state as authoritative for
// history; everything that must survive a disconnect goes through a Store.
package store

import (
	"context"
	"errors"
	"time"
)

// MessageKind identifies the content type of a direct message.
type MessageKind string

// Recognized message kinds.
const (
	KindText   MessageKind = "text"
	KindFile   MessageKind = "file"
	KindImage  MessageKind = "image"
	KindVoice  MessageKind = "voice"
	KindSystem MessageKind = "system"
)

// ValidKind reports whether k is one of the recognized message kinds.
func ValidKind(k MessageKind) bool {
	switch k {
	case KindText, KindFile, KindImage, KindVoice, KindSystem:
		return true
	}
	return false
}

// NotificationCategory classifies an asynchronous alert.
type NotificationCategory string

// Recognized notification categories.
const (
	CategoryMessage            NotificationCategory = "message"
	CategoryCompanyUpdate      NotificationCategory = "company_update"
	CategoryFundingOpportunity NotificationCategory = "funding_opportunity"
	CategoryEvent              NotificationCategory = "event"
	CategorySystem             NotificationCategory = "system"
)

// Message is one unit of direct communication between two users. The ID and
// CreatedAt fields are assigned by the store at persistence time.
type Message struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"senderId"`
	RecipientID string      `json:"recipientId"`
	Body        string      `json:"body"`
	Kind        MessageKind `json:"kind"`
	Attachments []string    `json:"attachments,omitempty"`
	ReplyToID   string      `json:"replyToId,omitempty"`
	Read        bool        `json:"read"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Notification is one unit of asynchronous alert targeted at a single user.
type Notification struct {
	ID        string               `json:"id"`
	UserID    string               `json:"userId"`
	Category  NotificationCategory `json:"category"`
	Title     string               `json:"title"`
	Body      string               `json:"body"`
	Payload   map[string]any       `json:"payload,omitempty"`
	Read      bool                 `json:"read"`
	CreatedAt time.Time            `json:"createdAt"`
}

// Activity is a lightweight append-only event observed by a user's other
// devices and by administrators.
type Activity struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"createdAt"`
}

// ErrNotFound is returned when a referenced message or notification does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrUnknownRecipient is returned by validating stores when a recipient id does
// not resolve to a real account. The bundled adapters accept any id.
var ErrUnknownRecipient = errors.New("store: unknown recipient")

// Store is the system of record consumed by the messaging core. Save methods
// assign the envelope id and creation timestamp and return the id.
type Store interface {
	SaveMessage(ctx context.Context, m *Message) (string, error)
	// MarkMessageRead flips the read flag for a message addressed to userID.
	// It returns the stored message and whether this call changed its state;
	// a repeat call is a no-op with changed == false.
	MarkMessageRead(ctx context.Context, userID, messageID string) (*Message, bool, error)
	// ListUnreadMessages returns unread messages addressed to userID in
	// chronological order (oldest first).
	ListUnreadMessages(ctx context.Context, userID string) ([]Message, error)

	SaveNotification(ctx context.Context, n *Notification) (string, error)
	MarkNotificationRead(ctx context.Context, userID, id string) (bool, error)
	// ListUnreadNotifications returns unread notifications for userID in
	// chronological order (oldest first, newest last).
	ListUnreadNotifications(ctx context.Context, userID string) ([]Notification, error)

	SaveActivity(ctx context.Context, a *Activity) (string, error)

	Close() error
}
