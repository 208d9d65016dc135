// Package server coordinates connection registration, event dispatch, and
// cleanup for the Beacon presence and messaging core via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bizlink/beacon/internal/store"
)

// Hub is the connection lifecycle controller. It owns every live client,
// wires a new connection through presence registration, room auto-join, and
// notification catch-up, and runs the disconnect cleanup path. All client
// registration flows through its event loop.
type Hub struct {
	clients map[*Client]bool
	byID    map[string]*Client

	register   chan *Client
	unregister chan *Client

	registry   *Registry
	router     *Router
	dispatcher *Dispatcher
	reconciler *Reconciler
	store      store.Store
	verifier   Verifier

	mutex  sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub wired to the given store and credential verifier with
// the supplied tuning. The returned Hub is ready to manage connections once
// Run is started.
func NewHub(st store.Store, verifier Verifier, cfg *Config) *Hub {
	if cfg == nil {
		cfg = NewConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[*Client]bool),
		byID:       make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		router:     NewRouter(),
		store:      st,
		verifier:   verifier,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.registry = NewRegistry(cfg.Presence.OfflineGrace, h.announceOffline)
	h.dispatcher = NewDispatcher(st, h.registry, h, cfg.Typing.Expiry)
	h.reconciler = NewReconciler(st, h.registry, h)
	return h
}

// GetRegisterChan returns the channel used for registering new clients.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering clients.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// Registry exposes the presence registry for read-side queries.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Router exposes the room router for membership queries.
func (h *Hub) Router() *Router {
	return h.router
}

// Dispatcher exposes the message dispatcher.
func (h *Hub) Dispatcher() *Dispatcher {
	return h.dispatcher
}

// Reconciler exposes the notification reconciler.
func (h *Hub) Reconciler() *Reconciler {
	return h.reconciler
}

// Run starts the hub's main event loop, handling client registration and
// unregistration. This method should be called in a separate goroutine as it
// runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				slog.Warn("received nil client registration; skipping")
				continue
			}
			h.activateClient(client)

		case client := <-h.unregister:
			h.deactivateClient(client)
		}
	}
}

// activateClient moves a verified connection into the Active state: presence
// registration, personal and role-based room auto-join, pump start, and the
// reconnect catch-up push.
func (h *Hub) activateClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client] = true
	h.byID[client.id] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()

	wentOnline := h.registry.Register(client.identity.UserID, client.identity.Role, client.identity.Email, client.id)

	h.router.Join(client.id, PersonalRoom(client.identity.UserID))
	if client.identity.IsAdmin() {
		h.router.Join(client.id, RoomAdmins)
	}

	metricConnectionsTotal.WithLabelValues("accepted").Inc()
	metricOnlineUsers.Set(float64(h.registry.OnlineCount()))
	slog.Info("client registered",
		"user", client.identity.UserID, "conn", client.id,
		"addr", client.addr, "clients", clientCount)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()

	// Catch-up runs off the loop so a slow store never stalls registration.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.reconciler.OnConnect(h.ctx, client.identity.UserID, client.id)
	}()

	if wentOnline {
		h.broadcastPresenceChanged(client.identity.UserID, true, nil)
	}
}

// deactivateClient runs the Closed-state cleanup: synthesized typing stops,
// complete room removal, and presence deregistration. The presence-changed
// broadcast fires from the registry's offline callback once the grace window
// lapses.
func (h *Hub) deactivateClient(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	delete(h.byID, client.id)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()
	// Close the channel after releasing the lock.
	close(client.send)

	h.dispatcher.DisconnectCleanup(client.id)
	h.router.LeaveAll(client.id)
	h.registry.Deregister(client.id)

	metricOnlineUsers.Set(float64(h.registry.OnlineCount()))
	slog.Info("client unregistered",
		"user", client.identity.UserID, "conn", client.id, "clients", clientCount)
}

// announceOffline is the registry's offline callback; it runs after the
// debounce window when the user truly has no connections left.
func (h *Hub) announceOffline(userID string, lastSeen time.Time) {
	h.broadcastPresenceChanged(userID, false, &lastSeen)
}

func (h *Hub) broadcastPresenceChanged(userID string, online bool, lastSeen *time.Time) {
	data, err := encodeEvent(EventPresenceChanged, PresenceChangedPayload{
		UserID:   userID,
		Online:   online,
		LastSeen: lastSeen,
	})
	if err != nil {
		slog.Error("failed to encode presence change", "error", err)
		return
	}
	for _, client := range h.clientSnapshot() {
		if !h.safeSend(client, data) {
			metricDeliveryFailures.Inc()
		}
	}
	slog.Debug("presence changed", "user", userID, "online", online)
}

// pushToConn delivers an encoded event to one connection. It satisfies the
// connPusher interface consumed by the dispatcher and reconciler.
func (h *Hub) pushToConn(connID string, data []byte) bool {
	h.mutex.RLock()
	client, ok := h.byID[connID]
	h.mutex.RUnlock()
	if !ok {
		return false
	}
	return h.safeSend(client, data)
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("recovered from panic in safeSend", "panic", r)
		}
	}()

	// Hold the lock during the send attempt so a concurrent unregister
	// cannot close the channel mid-send.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.clients[client]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

func (h *Hub) clientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// handleEvent dispatches one validated inbound envelope from an active
// connection. Handler-level failures are answered with an error event on the
// same connection and never terminate it.
func (h *Hub) handleEvent(c *Client, env Envelope) {
	h.registry.Touch(c.id)

	switch env.Event {
	case EventSendMessage:
		var p SendMessagePayload
		if !decodePayload(c, env, &p) {
			return
		}
		if _, err := h.dispatcher.SendMessage(h.ctx, c.identity, c.id, p); err != nil {
			slog.Warn("send-message failed",
				"user", c.identity.UserID, "recipient", p.RecipientID, "error", err)
			c.sendError(errorPayloadFor(err))
		}

	case EventTypingStart:
		var p TypingPayload
		if !decodePayload(c, env, &p) {
			return
		}
		h.dispatcher.SetTyping(c.identity.UserID, c.id, p.RecipientID, true)

	case EventTypingStop:
		var p TypingPayload
		if !decodePayload(c, env, &p) {
			return
		}
		h.dispatcher.SetTyping(c.identity.UserID, c.id, p.RecipientID, false)

	case EventMarkRead:
		var p MarkReadPayload
		if !decodePayload(c, env, &p) {
			return
		}
		if err := h.dispatcher.MarkRead(h.ctx, c.identity.UserID, p.MessageID); err != nil {
			slog.Warn("mark-read failed",
				"user", c.identity.UserID, "message", p.MessageID, "error", err)
			c.sendError(errorPayloadFor(err))
		}

	case EventRequestOnlineUsers:
		if !c.identity.IsAdmin() {
			c.sendError(ErrorPayload{Code: CodeForbidden, Message: "administrator role required"})
			return
		}
		users := h.registry.ListOnline()
		data, err := encodeEvent(EventOnlineUsersList, OnlineUsersPayload{Users: users, Count: len(users)})
		if err != nil {
			slog.Error("failed to encode online users list", "error", err)
			c.sendError(ErrorPayload{Code: CodeInternalError, Message: "internal error"})
			return
		}
		if !h.safeSend(c, data) {
			metricDeliveryFailures.Inc()
		}

	case EventAuthenticate:
		// Already authenticated; a repeat frame is a client bug, not fatal.
		c.sendError(ErrorPayload{Code: CodeValidationFailed, Message: "connection is already authenticated"})

	default:
		c.sendError(ErrorPayload{Code: CodeValidationFailed, Message: "unknown event " + env.Event})
	}
}

// decodePayload unmarshals and validates an inbound payload, answering a
// validation error on failure.
func decodePayload[T interface{ Validate() error }](c *Client, env Envelope, target *T) bool {
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, target); err != nil {
			c.sendError(ErrorPayload{Code: CodeValidationFailed, Message: "malformed " + env.Event + " payload"})
			return false
		}
	}
	if err := (*target).Validate(); err != nil {
		c.sendError(ErrorPayload{Code: CodeValidationFailed, Message: err.Error()})
		return false
	}
	return true
}

// shutdownClients gracefully closes all active client connections.
func (h *Hub) shutdownClients() {
	slog.Info("shutting down all client connections")

	clients := h.clientSnapshot()
	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					slog.Warn("error closing client connection", "addr", client.addr, "error", err)
				}
			}
		}
	}

	h.registry.Stop()
	h.dispatcher.Stop()
	slog.Info("closed client connections", "count", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all
// goroutines to complete, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	slog.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		slog.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
