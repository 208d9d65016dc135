// Package server defines the failure taxonomy surfaced to clients and the
// helpers that map internal errors onto outbound error events.
package server

import (
	"errors"
	"strings"

	"github.com/bizlink/beacon/internal/store"
)

// Error codes carried on the outbound error event. Authentication failures
// never reach this surface; the connection is refused instead.
const (
	CodeValidationFailed  = "validation_failed"
	CodeRecipientUnknown  = "recipient_unknown"
	CodePersistenceFailed = "persistence_failed"
	CodeInternalError     = "internal_error"
	CodeRateLimited       = "rate_limited"
	CodeForbidden         = "forbidden"
)

// ErrPersistence wraps storage collaborator failures. The sender must see
// these: live push alone is not a durable guarantee.
var ErrPersistence = errors.New("persistence failed")

// errorPayloadFor maps a dispatcher error to the client-facing error event
// payload. Internal detail never leaks; unexpected errors collapse to a
// generic internal_error.
func errorPayloadFor(err error) ErrorPayload {
	switch {
	case errors.Is(err, store.ErrUnknownRecipient):
		return ErrorPayload{Code: CodeRecipientUnknown, Message: "recipient does not exist"}
	case errors.Is(err, store.ErrNotFound):
		return ErrorPayload{Code: CodeValidationFailed, Message: "referenced item does not exist"}
	case errors.Is(err, ErrPersistence):
		return ErrorPayload{Code: CodePersistenceFailed, Message: "could not persist event, try again", Retryable: true}
	default:
		return ErrorPayload{Code: CodeInternalError, Message: "internal error"}
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
