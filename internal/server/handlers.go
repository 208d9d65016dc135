// Package server exposes HTTP handlers, including the WebSocket upgrade with
// its authentication handshake, and the health check endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler upgrades the request on the default hub. See ServeWS.
func WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	hub := GetHub()
	if hub == nil {
		http.Error(w, "Service not ready.", http.StatusServiceUnavailable)
		return
	}
	hub.ServeWS(w, r)
}

// ServeWS handles WebSocket upgrade requests and runs the connection
// handshake. The credential travels either as an Authorization bearer header,
// a token query parameter, or the first frame's authenticate event. A
// connection that fails to verify within the handshake window is closed
// without ever touching the presence registry.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	cfg := currentConfig()
	identity, err := h.handshake(conn, r, cfg.Auth.HandshakeTimeout)
	if err != nil {
		metricConnectionsTotal.WithLabelValues("refused").Inc()
		slog.Warn("connection refused", "addr", r.RemoteAddr, "error", err)
		refuseConnection(conn)
		return
	}

	client := NewClient(conn, h, r.RemoteAddr, identity)

	// Confirm the handshake before any catch-up traffic.
	if data, err := encodeEvent(EventAuthenticated, AuthenticatedPayload{
		UserID: identity.UserID,
		Role:   identity.Role,
	}); err == nil {
		client.enqueue(data)
	}

	// Register the client with the hub; the hub will launch the pump goroutines.
	h.register <- client
}

// handshake resolves and verifies the connection credential within the
// bounded window, preventing resource leaks from half-open handshakes.
func (h *Hub) handshake(conn *websocket.Conn, r *http.Request, timeout time.Duration) (Identity, error) {
	deadline := time.Now().Add(timeout)

	credential := credentialFromRequest(r)
	if credential == "" {
		var err error
		credential, err = credentialFromFirstFrame(conn, deadline)
		if err != nil {
			return Identity{}, err
		}
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	identity, err := h.verifier.Verify(ctx, credential)
	if err != nil {
		return Identity{}, fmt.Errorf("credential verification: %w", err)
	}

	// Clear the handshake deadline; the read pump sets its own.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return Identity{}, fmt.Errorf("reset read deadline: %w", err)
	}
	return identity, nil
}

func credentialFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// credentialFromFirstFrame waits for an authenticate event as the first frame
// of the connection.
func credentialFromFirstFrame(conn *websocket.Conn, deadline time.Time) (string, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("set handshake deadline: %w", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read handshake frame: %w", err)
	}

	env, err := decodeEnvelope(raw)
	if err != nil {
		return "", fmt.Errorf("handshake frame: %w", err)
	}
	if env.Event != EventAuthenticate {
		return "", fmt.Errorf("expected %s as first event, got %s", EventAuthenticate, env.Event)
	}

	var p AuthenticatePayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return "", fmt.Errorf("malformed authenticate payload: %w", err)
		}
	}
	if p.Token == "" {
		return "", ErrMissingCredential
	}
	return p.Token, nil
}

// refuseConnection closes an unverified connection. No failure detail beyond
// the close code reaches the peer.
func refuseConnection(conn *websocket.Conn) {
	deadline := time.Now().Add(time.Second)
	closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required")
	if err := conn.WriteControl(websocket.CloseMessage, closeMsg, deadline); err != nil {
		if !isExpectedCloseError(err) {
			slog.Debug("error writing refusal close frame", "error", err)
		}
	}
	if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
		slog.Debug("error closing refused connection", "error", err)
	}
}

// HealthHandler provides a simple health check endpoint that returns service
// status as plain text.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Beacon presence service is running!")
}
