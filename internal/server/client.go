// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client represents one authenticated WebSocket connection. It carries the
// verified identity, the serialized send channel that preserves per-connection
// delivery order, and the per-connection rate limiter.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	identity       Identity
	createdAt      time.Time
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

// NewClient creates a Client for a verified connection. The connection id is
// opaque and unique per physical connection; the send channel is buffered to
// absorb fan-out bursts.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, identity Identity) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	limiter := newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval)

	return &Client{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            hub,
		addr:           addr,
		identity:       identity,
		createdAt:      time.Now(),
		closed:         false,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    limiter,
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the opaque connection id.
func (c *Client) ID() string {
	return c.id
}

// Identity returns the verified identity bound to this connection.
func (c *Client) Identity() Identity {
	return c.identity
}

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// enqueue buffers an outbound frame without blocking; false means the buffer
// was full.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendError answers a handler-level failure on this connection.
func (c *Client) sendError(p ErrorPayload) {
	metricEventErrors.WithLabelValues(p.Code).Inc()
	data, err := encodeEvent(EventError, p)
	if err != nil {
		slog.Error("failed to encode error event", "error", err)
		return
	}
	if !c.enqueue(data) {
		metricDeliveryFailures.Inc()
	}
}

// setupReadConnection configures read deadlines and pong handler.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		slog.Warn("error setting initial read deadline", "conn", c.id, "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			slog.Warn("error setting read deadline in pong handler", "conn", c.id, "error", err)
		}
		return nil
	})
}

// handleReadError logs appropriate messages based on the error type and
// returns true if the read loop should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		slog.Warn("inbound frame exceeded maximum size",
			"conn", c.id, "max_bytes", c.maxMessageSize)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		slog.Debug("client disconnected", "conn", c.id, "error", err)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		slog.Debug("client connection closed", "conn", c.id, "error", err)
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		slog.Warn("unexpected websocket error", "conn", c.id, "error", err)
		return true
	}

	slog.Warn("websocket read error", "conn", c.id, "error", err)
	return true
}

// checkRateLimit verifies the client has not exceeded its event budget.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		slog.Warn("rate limit exceeded; discarding event",
			"conn", c.id, "user", c.identity.UserID,
			"burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
		c.sendError(ErrorPayload{Code: CodeRateLimited, Message: "too many events", Retryable: true})
		return false
	}
	return true
}

// processEvent decodes one inbound frame and hands it to the hub. A panic in
// a handler is contained here: it is logged and answered with a generic
// error, and the connection survives.
func (c *Client) processEvent(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered from panic in event handler",
				"conn", c.id, "user", c.identity.UserID, "panic", r)
			c.sendError(ErrorPayload{Code: CodeInternalError, Message: "internal error"})
		}
	}()

	env, err := decodeEnvelope(raw)
	if err != nil {
		slog.Debug("invalid event frame", "conn", c.id, "error", err)
		c.sendError(ErrorPayload{Code: CodeValidationFailed, Message: "malformed event frame"})
		return
	}

	c.hub.handleEvent(c, env)
}

func (c *Client) readPump() {
	defer func() {
		// During shutdown the hub loop is gone; do not block on the channel.
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		if err := c.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				slog.Warn("error closing connection in readPump", "conn", c.id, "error", err)
			}
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processEvent(rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleOutbound(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			slog.Warn("error closing connection in writePump", "conn", c.id, "error", err)
		}
	}
}

// handleOutbound writes one queued frame and returns false if the connection
// should be closed.
func (c *Client) handleOutbound(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		slog.Warn("error setting write deadline", "conn", c.id, "error", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close frame to the client.
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			slog.Warn("error writing close message", "conn", c.id, "error", err)
		}
	}
	return false
}

// writeTextMessage writes a frame and drains any queued frames behind it.
// Frames are written one per WebSocket message so each envelope arrives as a
// self-contained JSON document.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		slog.Warn("error writing message", "conn", c.id, "error", err)
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
			slog.Warn("error writing queued message", "conn", c.id, "error", err)
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		slog.Warn("error setting write deadline for ping", "conn", c.id, "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		slog.Warn("error writing ping message", "conn", c.id, "error", err)
		return false
	}
	return true
}
