// Package core provides shared types and the error taxonomy for the gateway.
package core

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorType classifies a gateway error for recovery decisions.
type ErrorType string

const (
	// ErrorTypeNetwork indicates the request never reached the upstream or
	// the upstream was unreachable. Recovered locally from cache or queue.
	ErrorTypeNetwork ErrorType = "network_error"
	// ErrorTypeReplay indicates a queued action was rejected by the upstream
	// on replay (e.g. a validation error).
	ErrorTypeReplay ErrorType = "replay_error"
	// ErrorTypeUnavailable indicates neither the network nor any cache tier
	// could produce an answer.
	ErrorTypeUnavailable ErrorType = "unavailable"
	// ErrorTypeInvalidRequest indicates a malformed inbound request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
)

// ErrOffline is returned when an operation requires connectivity and the
// monitor reports the process as offline.
var ErrOffline = errors.New("offline")

// GatewayError is the base error type for all gateway errors.
type GatewayError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the HTTP status code to surface for this error.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeNetwork, ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map for response bodies.
func (e *GatewayError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// NewNetworkError creates a network error for an unreachable upstream.
func NewNetworkError(url string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeNetwork,
		Message:    fmt.Sprintf("request to %s failed", url),
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// NewReplayError creates a replay error for a queued action rejected by the
// upstream with the given status code.
func NewReplayError(actionID string, statusCode int) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeReplay,
		Message:    fmt.Sprintf("action %s rejected with status %d", actionID, statusCode),
		StatusCode: statusCode,
	}
}

// NewUnavailableError creates the synthetic error used when neither the
// network nor any cache tier has an answer for a read.
func NewUnavailableError(url string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeUnavailable,
		Message:    fmt.Sprintf("no network and no cached response for %s", url),
		StatusCode: http.StatusServiceUnavailable,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

// IsNetworkError reports whether err represents a transport-level failure,
// as opposed to an HTTP response with an error status. Transport failures
// are the only errors that justify queueing a mutation for later replay
// instead of surfacing the rejection.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Type == ErrorTypeNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	// url.Error wraps dial/DNS failures; any error from http.Client.Do that
	// is not a protocol-level response counts as a network failure here.
	return errors.Is(err, ErrOffline)
}
