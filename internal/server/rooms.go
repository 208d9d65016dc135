// Package server maintains logical broadcast groups of connections and
// resolves room ids into live connection sets via the Router type.
package server

import "sync"

// Reserved room ids managed by the lifecycle controller.
const (
	// RoomAdmins is auto-populated with administrator connections at connect
	// time for broadcast-to-admins use cases.
	RoomAdmins = "admins"

	personalRoomPrefix = "user:"
)

// PersonalRoom returns the user's personal notification channel room id.
func PersonalRoom(userID string) string {
	return personalRoomPrefix + userID
}

// Router tracks room membership with both forward and reverse indexes.
// Forward: room id to set of connection ids, for membership queries.
// Reverse: connection id to set of rooms, so LeaveAll is O(rooms joined).
// Both views are updated atomically under one lock.
type Router struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{} // room -> conns
	conns map[string]map[string]struct{} // conn -> rooms
}

// NewRouter creates an empty room router.
func NewRouter() *Router {
	return &Router{
		rooms: make(map[string]map[string]struct{}),
		conns: make(map[string]map[string]struct{}),
	}
}

// Join subscribes a connection to a room. Joining twice is a no-op.
func (rt *Router) Join(connID, roomID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.rooms[roomID] == nil {
		rt.rooms[roomID] = make(map[string]struct{})
	}
	rt.rooms[roomID][connID] = struct{}{}
	if rt.conns[connID] == nil {
		rt.conns[connID] = make(map[string]struct{})
	}
	rt.conns[connID][roomID] = struct{}{}
}

// Leave removes a connection from one room. Unknown pairs are ignored.
func (rt *Router) Leave(connID, roomID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.leaveLocked(connID, roomID)
}

func (rt *Router) leaveLocked(connID, roomID string) {
	if members, ok := rt.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(rt.rooms, roomID)
		}
	}
	if rooms, ok := rt.conns[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(rt.conns, connID)
		}
	}
}

// LeaveAll removes the connection from every room it joined and returns the
// affected room ids. It is idempotent; a second call returns nil. After it
// returns, no room retains the connection.
func (rt *Router) LeaveAll(connID string) []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rooms, ok := rt.conns[connID]
	if !ok {
		return nil
	}
	affected := make([]string, 0, len(rooms))
	for roomID := range rooms {
		affected = append(affected, roomID)
		if members, ok := rt.rooms[roomID]; ok {
			delete(members, connID)
			if len(members) == 0 {
				delete(rt.rooms, roomID)
			}
		}
	}
	delete(rt.conns, connID)
	return affected
}

// MembersOf returns the connection ids currently subscribed to the room.
func (rt *Router) MembersOf(roomID string) []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	members := rt.rooms[roomID]
	if len(members) == 0 {
		return nil
	}
	result := make([]string, 0, len(members))
	for connID := range members {
		result = append(result, connID)
	}
	return result
}

// Rooms returns the rooms the connection currently belongs to.
func (rt *Router) Rooms(connID string) []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	rooms := rt.conns[connID]
	if len(rooms) == 0 {
		return nil
	}
	result := make([]string, 0, len(rooms))
	for roomID := range rooms {
		result = append(result, roomID)
	}
	return result
}
