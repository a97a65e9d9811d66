package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-directchat/internal/types"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(statusCode int) *ApiError {
	return &ApiError{
		StatusCode: statusCode,
		Message:    lower(http.StatusText(statusCode)),
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound)
}

func NewInternalServerError(err error) *ApiError {
	e := newApiError(http.StatusInternalServerError)
	e.Err = err
	return e
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden)
}

func NewMethodNotAllowedError() *ApiError {
	return newApiError(http.StatusMethodNotAllowed)
}

func NewConflictError() *ApiError {
	return newApiError(http.StatusConflict)
}

func NewServiceUnavailableError() *ApiError {
	return newApiError(http.StatusServiceUnavailable)
}

// errorFromDomain maps an error of the shared taxonomy onto an API error.
// Client mistakes keep the underlying message so callers can show it.
func errorFromDomain(err error) *ApiError {
	var apiErr *ApiError
	switch {
	case errors.Is(err, types.ErrValidation):
		apiErr = NewBadRequestError()
	case errors.Is(err, types.ErrAuthentication):
		return NewUnauthorizedError()
	case errors.Is(err, types.ErrAuthorization):
		apiErr = NewForbiddenError()
	case errors.Is(err, types.ErrNotFound):
		apiErr = NewNotFoundError()
	case errors.Is(err, types.ErrServiceUnavailable), errors.Is(err, types.ErrTransport):
		return NewServiceUnavailableError()
	default:
		return NewInternalServerError(err)
	}

	apiErr.Message = err.Error()
	return apiErr
}
