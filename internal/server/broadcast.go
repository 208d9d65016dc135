// Package server exposes the administrative broadcast surface used by the
// rest of the platform to push events without knowing connection internals.
package server

import (
	"context"
	"log/slog"

	"github.com/bizlink/beacon/internal/store"
)

// SendToUser pushes an event to every live connection of the user. It reports
// whether at least one connection accepted the push. Delivery is best-effort;
// callers needing durability should go through Notify instead.
func (h *Hub) SendToUser(userID, event string, payload any) bool {
	data, err := encodeEvent(event, payload)
	if err != nil {
		slog.Error("failed to encode broadcast event", "event", event, "error", err)
		return false
	}
	delivered := false
	for _, connID := range h.registry.Connections(userID) {
		if h.pushToConn(connID, data) {
			delivered = true
		} else {
			metricDeliveryFailures.Inc()
		}
	}
	return delivered
}

// SendToRoom pushes an event to every connection subscribed to the room and
// returns the number of connections that accepted it.
func (h *Hub) SendToRoom(roomID, event string, payload any) int {
	data, err := encodeEvent(event, payload)
	if err != nil {
		slog.Error("failed to encode broadcast event", "event", event, "error", err)
		return 0
	}
	delivered := 0
	for _, connID := range h.router.MembersOf(roomID) {
		if h.pushToConn(connID, data) {
			delivered++
		} else {
			metricDeliveryFailures.Inc()
		}
	}
	return delivered
}

// BroadcastToAll pushes an event to every live connection.
func (h *Hub) BroadcastToAll(event string, payload any) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		slog.Error("failed to encode broadcast event", "event", event, "error", err)
		return
	}
	for _, client := range h.clientSnapshot() {
		if !h.safeSend(client, data) {
			metricDeliveryFailures.Inc()
		}
	}
}

// BroadcastToAdmins pushes an event to the administrators room.
func (h *Hub) BroadcastToAdmins(event string, payload any) int {
	return h.SendToRoom(RoomAdmins, event, payload)
}

// Notify persists and delivers a notification through the reconciler. The
// platform's other features use this for durable alerts.
func (h *Hub) Notify(ctx context.Context, n *store.Notification) (bool, error) {
	return h.reconciler.Notify(ctx, n)
}

// OnlineCount returns how many distinct users are currently online.
func (h *Hub) OnlineCount() int {
	return h.registry.OnlineCount()
}

// IsOnline reports whether the user has at least one live connection.
func (h *Hub) IsOnline(userID string) bool {
	return h.registry.IsOnline(userID)
}
