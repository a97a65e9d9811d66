package types

import (
	"errors"
	"net/http"
)

var (
	ErrAuthentication     = errors.New("authentication failed")
	ErrAuthorization      = errors.New("not authorized")
	ErrNotFound           = errors.New("not found")
	ErrPersistence        = errors.New("persistence failure")
	ErrValidation         = errors.New("invalid request")
	ErrTransport          = errors.New("transport failure")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// StatusCode maps an error from the taxonomy above onto the HTTP status
// used both by the REST API and by websocket responses.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, ErrTransport):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
