// Package server tracks which users currently have live connections and owns
// the per-user online/offline state machine via the Registry type.
package server

import (
	"sync"
	"time"
)

// PresenceEntry is a snapshot of the logical online state for one user.
type PresenceEntry struct {
	UserID     string    `json:"userId"`
	Role       string    `json:"role"`
	Email      string    `json:"email"`
	ConnIDs    []string  `json:"connIds"`
	Online     bool      `json:"online"`
	LastSeen   time.Time `json:"lastSeen"`
	ActiveRoom string    `json:"activeRoom,omitempty"`
}

type presenceEntry struct {
	userID     string
	role       string
	email      string
	conns      map[string]struct{}
	online     bool
	lastSeen   time.Time
	activeRoom string
	// announced mirrors what observers were last told. It lags the online
	// flag by the debounce grace so reconnect churn never flickers.
	announced bool
}

type connMeta struct {
	userID     string
	lastActive time.Time
}

// Registry is the authoritative in-memory map of live connections per user.
// It is keyed two ways, connection id to user id and user id to entry, and
// every mutation updates both views under one lock. A user flips offline only
// when the last connection deregisters and the grace window lapses without a
// reconnect; the transition is reported through the offline callback.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*presenceEntry // userID -> entry
	conns   map[string]*connMeta      // connID -> meta
	timers  map[string]*time.Timer    // userID -> pending offline timer
	grace   time.Duration

	// onOffline fires after a user's last connection is gone for the full
	// grace window. Called without the registry lock held.
	onOffline func(userID string, lastSeen time.Time)
}

// NewRegistry creates a presence registry with the given offline grace window.
// A zero grace makes offline transitions fire synchronously from Deregister.
func NewRegistry(grace time.Duration, onOffline func(userID string, lastSeen time.Time)) *Registry {
	return &Registry{
		entries:   make(map[string]*presenceEntry),
		conns:     make(map[string]*connMeta),
		timers:    make(map[string]*time.Timer),
		grace:     grace,
		onOffline: onOffline,
	}
}

// Register records a live connection for the user and reports whether the
// user transitioned to online from the observers' point of view. A reconnect
// inside the grace window cancels the pending offline transition and reports
// false, so no spurious offline/online pair is ever emitted.
func (r *Registry) Register(userID, role, email, connID string) (wentOnline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.timers[userID]; ok {
		timer.Stop()
		delete(r.timers, userID)
	}

	entry, ok := r.entries[userID]
	if !ok {
		entry = &presenceEntry{
			userID: userID,
			conns:  make(map[string]struct{}),
		}
		r.entries[userID] = entry
	}
	entry.role = role
	entry.email = email
	entry.conns[connID] = struct{}{}
	entry.online = true

	r.conns[connID] = &connMeta{userID: userID, lastActive: time.Now()}

	if !entry.announced {
		entry.announced = true
		return true
	}
	return false
}

// Deregister removes a connection. When it was the user's last connection the
// last-seen timestamp is stamped and, after the grace window, the offline
// callback fires if the user has not reconnected. Unknown connection ids are
// ignored.
func (r *Registry) Deregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)

	entry, ok := r.entries[meta.userID]
	if !ok {
		return
	}
	delete(entry.conns, connID)
	if len(entry.conns) > 0 {
		return
	}

	entry.online = false
	entry.lastSeen = time.Now()

	userID := meta.userID
	if r.grace <= 0 {
		r.finishOfflineLocked(userID)
		return
	}
	if timer, ok := r.timers[userID]; ok {
		timer.Stop()
	}
	r.timers[userID] = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.timers, userID)
		r.finishOfflineLocked(userID)
	})
}

// finishOfflineLocked announces the offline transition if the user is still
// offline. The callback itself runs outside the lock.
func (r *Registry) finishOfflineLocked(userID string) {
	entry, ok := r.entries[userID]
	if !ok || entry.online || !entry.announced {
		return
	}
	entry.announced = false
	lastSeen := entry.lastSeen

	if r.onOffline != nil {
		go r.onOffline(userID, lastSeen)
	}
}

// IsOnline reports whether the user currently has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[userID]
	return ok && len(entry.conns) > 0
}

// Connections returns the ids of the user's live connections.
func (r *Registry) Connections(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[userID]
	if !ok || len(entry.conns) == 0 {
		return nil
	}
	ids := make([]string, 0, len(entry.conns))
	for id := range entry.conns {
		ids = append(ids, id)
	}
	return ids
}

// ListOnline returns a snapshot of every user that is currently online.
func (r *Registry) ListOnline() []PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]PresenceEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		if len(entry.conns) == 0 {
			continue
		}
		result = append(result, snapshotEntry(entry))
	}
	return result
}

// Lookup returns the presence snapshot for one user, online or not.
func (r *Registry) Lookup(userID string) (PresenceEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[userID]
	if !ok {
		return PresenceEntry{}, false
	}
	return snapshotEntry(entry), true
}

func snapshotEntry(entry *presenceEntry) PresenceEntry {
	ids := make([]string, 0, len(entry.conns))
	for id := range entry.conns {
		ids = append(ids, id)
	}
	return PresenceEntry{
		UserID:     entry.userID,
		Role:       entry.role,
		Email:      entry.email,
		ConnIDs:    ids,
		Online:     entry.online,
		LastSeen:   entry.lastSeen,
		ActiveRoom: entry.activeRoom,
	}
}

// Touch updates the connection's last-activity timestamp.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if meta, ok := r.conns[connID]; ok {
		meta.lastActive = time.Now()
	}
}

// SetActiveRoom records the user's most recently active room.
func (r *Registry) SetActiveRoom(userID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[userID]; ok {
		entry.activeRoom = roomID
	}
}

// OnlineCount returns how many distinct users are currently online.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, entry := range r.entries {
		if len(entry.conns) > 0 {
			count++
		}
	}
	return count
}

// Stop cancels any pending offline timers. Used during shutdown.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, timer := range r.timers {
		timer.Stop()
		delete(r.timers, userID)
	}
}
