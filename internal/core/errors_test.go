package core

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayErrorStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  *GatewayError
		want int
	}{
		{"network error", NewNetworkError("http://api.internal/orders", errors.New("dial refused")), http.StatusServiceUnavailable},
		{"replay rejection keeps upstream status", NewReplayError("a1", http.StatusUnprocessableEntity), http.StatusUnprocessableEntity},
		{"unavailable", NewUnavailableError("/api/orders"), http.StatusServiceUnavailable},
		{"invalid request", NewInvalidRequestError("missing url", nil), http.StatusBadRequest},
		{"zero status falls back by type", &GatewayError{Type: ErrorTypeInvalidRequest, Message: "x"}, http.StatusBadRequest},
		{"unknown type defaults to 500", &GatewayError{Type: "mystery", Message: "x"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatusCode())
		})
	}
}

func TestGatewayErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	ge := NewNetworkError("http://api.internal", cause)

	require.ErrorIs(t, ge, cause)
	assert.Contains(t, ge.Error(), "network_error")
	assert.Contains(t, ge.Error(), "http://api.internal")
}

func TestGatewayErrorToJSON(t *testing.T) {
	ge := NewUnavailableError("/api/settings")

	body := ge.ToJSON()
	inner, ok := body["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, ErrorTypeUnavailable, inner["type"])
	// The original error is for logs only, never for response bodies.
	assert.NotContains(t, inner, "status_code")
}

func TestIsNetworkError(t *testing.T) {
	var timeoutErr net.Error = &timeoutError{}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"gateway network error", NewNetworkError("http://x", nil), true},
		{"wrapped gateway network error", fmt.Errorf("replay: %w", NewNetworkError("http://x", nil)), true},
		{"replay rejection is not a network error", NewReplayError("a1", 422), false},
		{"net.Error", timeoutErr, true},
		{"url.Error around a timeout", &url.Error{Op: "Post", URL: "http://x", Err: timeoutErr}, true},
		{"offline sentinel", ErrOffline, true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNetworkError(tt.err))
		})
	}
}

type timeoutError struct{}

func (*timeoutError) Error() string   { return "i/o timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }
