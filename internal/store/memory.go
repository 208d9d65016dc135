package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by tests and single-node development
// setups. All operations are safe for concurrent use.
type Memory struct {
	mu            sync.RWMutex
	messages      map[string]*Message
	notifications map[string]*Notification
	activities    map[string]*Activity
	order         []string // message ids in insertion order
	notifOrder    []string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages:      make(map[string]*Message),
		notifications: make(map[string]*Notification),
		activities:    make(map[string]*Activity),
	}
}

// SaveMessage assigns an id and timestamp and records the message.
func (s *Memory) SaveMessage(_ context.Context, m *Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID = uuid.NewString()
	m.CreatedAt = time.Now()
	cp := *m
	s.messages[m.ID] = &cp
	s.order = append(s.order, m.ID)
	return m.ID, nil
}

// MarkMessageRead flips the read flag for a message addressed to userID.
func (s *Memory) MarkMessageRead(_ context.Context, userID, messageID string) (*Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok || m.RecipientID != userID {
		return nil, false, ErrNotFound
	}
	if m.Read {
		cp := *m
		return &cp, false, nil
	}
	m.Read = true
	cp := *m
	return &cp, true, nil
}

// ListUnreadMessages returns unread messages addressed to userID, oldest first.
func (s *Memory) ListUnreadMessages(_ context.Context, userID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Message
	for _, id := range s.order {
		m := s.messages[id]
		if m.RecipientID == userID && !m.Read {
			result = append(result, *m)
		}
	}
	return result, nil
}

// SaveNotification assigns an id and timestamp and records the notification.
func (s *Memory) SaveNotification(_ context.Context, n *Notification) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n.ID = uuid.NewString()
	n.CreatedAt = time.Now()
	cp := *n
	s.notifications[n.ID] = &cp
	s.notifOrder = append(s.notifOrder, n.ID)
	return n.ID, nil
}

// MarkNotificationRead flips the read flag for a notification owned by userID.
func (s *Memory) MarkNotificationRead(_ context.Context, userID, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok || n.UserID != userID {
		return false, ErrNotFound
	}
	if n.Read {
		return false, nil
	}
	n.Read = true
	return true, nil
}

// ListUnreadNotifications returns unread notifications for userID, oldest first.
func (s *Memory) ListUnreadNotifications(_ context.Context, userID string) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Notification
	for _, id := range s.notifOrder {
		n := s.notifications[id]
		if n.UserID == userID && !n.Read {
			result = append(result, *n)
		}
	}
	return result, nil
}

// SaveActivity assigns an id and timestamp and records the activity event.
func (s *Memory) SaveActivity(_ context.Context, a *Activity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.ID = uuid.NewString()
	a.CreatedAt = time.Now()
	cp := *a
	s.activities[a.ID] = &cp
	return a.ID, nil
}

// Close is a no-op for the in-memory store.
func (s *Memory) Close() error { return nil }
