// Package server implements the real-time presence and messaging core of the
// Beacon platform service.
//
// The implementation is organized into specialized files: the presence
// registry and room router own the mutable connection state, the dispatcher
// and reconciler route and reconcile message traffic, and the hub wires each
// connection through verification, registration, and cleanup. Configuration,
// routing, and HTTP plumbing follow in their own files to keep the codebase
// maintainable and testable as the project grows.
package server
