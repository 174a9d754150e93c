// Package apperr defines the error kinds shared across the server and
// maps them onto wire codes and HTTP statuses.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid state")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrInvalidArgument    = errors.New("invalid argument")
)

type kind struct {
	err    error
	code   string
	status int
}

var kinds = []kind{
	{ErrUnauthenticated, "unauthenticated", http.StatusUnauthorized},
	{ErrForbidden, "forbidden", http.StatusForbidden},
	{ErrNotFound, "not_found", http.StatusNotFound},
	{ErrInvalidState, "invalid_state", http.StatusConflict},
	{ErrServiceUnavailable, "service_unavailable", http.StatusServiceUnavailable},
	{ErrInvalidArgument, "invalid_argument", http.StatusBadRequest},
}

// Code returns the wire code for err, or "internal" when err carries no kind.
func Code(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal"
}

func HTTPStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// Internal reports whether err is outside the known kinds. Those are logged
// at error level and their text is not sent to clients.
func Internal(err error) bool {
	return Code(err) == "internal"
}
