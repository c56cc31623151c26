package gateway

import (
	"errors"
	"net/http"
)

var (
	// ErrTimeout indicates a call deadline or a connection lifecycle deadline
	// elapsed before a result was available.
	ErrTimeout = errors.New("timeout")
	// ErrNotFound indicates an unknown connection identity, render handle or
	// cache key.
	ErrNotFound = errors.New("not found")
	// ErrIntegrity indicates a payload whose recomputed digest does not match
	// the digest it was stored or announced under.
	ErrIntegrity = errors.New("integrity failure")
	// ErrUpstream indicates the render engine or a remote static fetch
	// answered with an error.
	ErrUpstream = errors.New("upstream failure")
	// ErrProtocol indicates a malformed inbound frame.
	ErrProtocol = errors.New("protocol error")
	// ErrClosed indicates the connection is gone and no further calls can be
	// issued on it.
	ErrClosed = errors.New("connection closed")
)

// HTTPStatus maps an error from the taxonomy to the status surfaced to HTTP
// callers. Errors outside the taxonomy map to 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrClosed):
		return http.StatusNotFound
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstream), errors.Is(err, ErrIntegrity):
		return http.StatusBadGateway
	case errors.Is(err, ErrProtocol):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
