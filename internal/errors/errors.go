// Package errors defines the gateway-originated error envelope.
//
// Every body the gateway writes on its own behalf (as opposed to a backend
// response passed through verbatim) uses the same JSON shape:
//
//	{status, message, data?, error?, timestamp, path}
//
// The correlation id injected by the request-id middleware is echoed in the
// X-Request-ID response header so clients can tie a failure back to the
// outbound request the gateway made.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// GatewayError is an error the gateway can surface to a client.
type GatewayError struct {
	Status     int    `json:"status"`
	Message    string `json:"message"`
	Detail     string `json:"error,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// envelope is the wire shape of a gateway-originated body.
type envelope struct {
	Status    int    `json:"status"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	Detail    string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
	Path      string `json:"path"`
}

// WriteJSON writes the error envelope to the response. r may be nil when no
// request is in scope (the path field is then empty).
func (e *GatewayError) WriteJSON(w http.ResponseWriter, r *http.Request) {
	path := ""
	if r != nil {
		path = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(envelope{
		Status:    e.Status,
		Message:   e.Message,
		Detail:    e.Detail,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      path,
	})
}

// WriteOK writes a success envelope with the given payload.
func WriteOK(w http.ResponseWriter, r *http.Request, status int, message string, data any) {
	path := ""
	if r != nil {
		path = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{
		Status:    status,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      path,
	})
}

// Admission and routing errors surfaced by the gateway itself.
var (
	ErrAuthenticationRequired = &GatewayError{
		Status:  http.StatusUnauthorized,
		Message: "authentication required",
	}

	ErrCredentialRejected = &GatewayError{
		Status:  http.StatusUnauthorized,
		Message: "credential rejected",
	}

	ErrAuthorizationDenied = &GatewayError{
		Status:  http.StatusForbidden,
		Message: "authorization denied",
	}

	ErrNoRoute = &GatewayError{
		Status:  http.StatusNotFound,
		Message: "no matching route",
	}

	ErrBadRequest = &GatewayError{
		Status:  http.StatusBadRequest,
		Message: "bad request",
	}

	ErrServiceUnavailable = &GatewayError{
		Status:  http.StatusServiceUnavailable,
		Message: "no healthy backend",
	}

	ErrGatewayTimeout = &GatewayError{
		Status:  http.StatusGatewayTimeout,
		Message: "gateway timeout",
	}

	ErrBadGateway = &GatewayError{
		Status:  http.StatusBadGateway,
		Message: "bad gateway",
	}

	ErrInternal = &GatewayError{
		Status:  http.StatusInternalServerError,
		Message: "internal error",
	}

	ErrUpgradeNotSupported = &GatewayError{
		Status:  http.StatusBadRequest,
		Message: "protocol upgrade not supported",
	}

	ErrShuttingDown = &GatewayError{
		Status:  http.StatusServiceUnavailable,
		Message: "gateway shutting down",
	}
)

// New creates a new GatewayError.
func New(status int, message string) *GatewayError {
	return &GatewayError{Status: status, Message: message}
}

// Wrap wraps an error with a status and client-facing message.
func Wrap(err error, status int, message string) *GatewayError {
	return &GatewayError{Status: status, Message: message, underlying: err}
}

// WithDetail returns a copy carrying a machine-readable detail string.
// The base errors above are shared singletons and are never mutated.
func (e *GatewayError) WithDetail(detail string) *GatewayError {
	return &GatewayError{
		Status:     e.Status,
		Message:    e.Message,
		Detail:     detail,
		underlying: e.underlying,
	}
}

// AsGatewayError checks whether err is a GatewayError.
func AsGatewayError(err error) (*GatewayError, bool) {
	ge, ok := err.(*GatewayError)
	return ge, ok
}
