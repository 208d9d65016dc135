// Package server constructs and starts the Beacon HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bizlink/beacon/internal/store"
)

var (
	hubMu      sync.RWMutex
	defaultHub *Hub
)

// CreateServer creates and configures an HTTP server with the specified port
// and handler. It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartHub initializes the default hub over the given store and verifier and
// starts its event loop in a separate goroutine. This should be called before
// starting the HTTP server.
func StartHub(st store.Store, verifier Verifier) *Hub {
	cfg := currentConfig()
	h := NewHub(st, verifier, &cfg)

	hubMu.Lock()
	defaultHub = h
	hubMu.Unlock()

	go h.Run()
	slog.Info("hub started and ready to manage connections")
	return h
}

// GetHub returns the default hub instance for broadcast and shutdown
// coordination, or nil if StartHub has not run.
func GetHub() *Hub {
	hubMu.RLock()
	defer hubMu.RUnlock()
	return defaultHub
}

// StartServer starts the HTTP server and begins listening for connections.
// It returns an error if the server fails to start.
func StartServer(server *http.Server) error {
	slog.Info("server listening", "addr", server.Addr)
	return server.ListenAndServe()
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting
// active connections. It waits for active connections to close or until the
// timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	slog.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
		return err
	}

	slog.Info("HTTP server shutdown completed")
	return nil
}
