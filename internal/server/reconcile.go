// Package server reconciles durable state with newly connected endpoints,
// pushing missed notifications and messages after a (re)connect.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/bizlink/beacon/internal/store"
)

// Reconciler delivers notifications live when possible, persists them always,
// and replays the unread backlog to each newly connected socket.
type Reconciler struct {
	store    store.Store
	registry *Registry
	pusher   connPusher
}

// NewReconciler creates a reconciler over the given store and registry.
func NewReconciler(st store.Store, registry *Registry, pusher connPusher) *Reconciler {
	return &Reconciler{store: st, registry: registry, pusher: pusher}
}

// Notify persists the notification and attempts live delivery to all of the
// target's connections. It reports whether at least one live push succeeded;
// persistence happens regardless, so a later OnConnect catch-up never misses
// the notification.
func (r *Reconciler) Notify(ctx context.Context, n *store.Notification) (bool, error) {
	if _, err := r.store.SaveNotification(ctx, n); err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	delivered := false
	data, err := encodeEvent(EventNewNotification, n)
	if err != nil {
		slog.Error("failed to encode notification", "error", err)
		return false, nil
	}
	for _, connID := range r.registry.Connections(n.UserID) {
		if r.pusher.pushToConn(connID, data) {
			delivered = true
		} else {
			metricDeliveryFailures.Inc()
		}
	}
	metricNotificationsTotal.WithLabelValues(strconv.FormatBool(delivered)).Inc()
	return delivered, nil
}

// OnConnect pushes the user's unread backlog to exactly one connecting
// socket: first the unread notifications as one chronological batch (newest
// last), then each message that arrived while the user was offline. Each
// device runs its own catch-up, which is correct since the backlog is global
// to the user, not per-device.
func (r *Reconciler) OnConnect(ctx context.Context, userID, connID string) {
	notifications, err := r.store.ListUnreadNotifications(ctx, userID)
	if err != nil {
		slog.Warn("catch-up: failed to list unread notifications", "user", userID, "error", err)
	} else if len(notifications) > 0 {
		data, err := encodeEvent(EventNotificationsBatch, NotificationsBatchPayload{Notifications: notifications})
		if err != nil {
			slog.Error("failed to encode notification batch", "error", err)
		} else if !r.pusher.pushToConn(connID, data) {
			metricDeliveryFailures.Inc()
		}
	}

	messages, err := r.store.ListUnreadMessages(ctx, userID)
	if err != nil {
		slog.Warn("catch-up: failed to list unread messages", "user", userID, "error", err)
		return
	}
	for i := range messages {
		data, err := encodeEvent(EventNewMessage, &messages[i])
		if err != nil {
			slog.Error("failed to encode catch-up message", "error", err)
			continue
		}
		if !r.pusher.pushToConn(connID, data) {
			metricDeliveryFailures.Inc()
		}
	}
	if len(messages) > 0 || len(notifications) > 0 {
		slog.Debug("catch-up complete",
			"user", userID, "conn", connID,
			"notifications", len(notifications), "messages", len(messages))
	}
}

// BroadcastActivity records an activity event and pushes it to the user's
// other devices and to the administrators room. Persistence is best-effort
// for activities; a store failure only logs.
func (r *Reconciler) BroadcastActivity(ctx context.Context, a *store.Activity, exceptConnID string, adminConns []string) {
	if _, err := r.store.SaveActivity(ctx, a); err != nil {
		slog.Warn("failed to persist activity", "user", a.UserID, "type", a.Type, "error", err)
	}

	data, err := encodeEvent(EventActivityBroadcast, a)
	if err != nil {
		slog.Error("failed to encode activity", "error", err)
		return
	}

	seen := make(map[string]struct{})
	for _, connID := range r.registry.Connections(a.UserID) {
		if connID == exceptConnID {
			continue
		}
		seen[connID] = struct{}{}
		if !r.pusher.pushToConn(connID, data) {
			metricDeliveryFailures.Inc()
		}
	}
	for _, connID := range adminConns {
		if connID == exceptConnID {
			continue
		}
		if _, dup := seen[connID]; dup {
			continue
		}
		if !r.pusher.pushToConn(connID, data) {
			metricDeliveryFailures.Inc()
		}
	}
}
