// Package apperr holds the error taxonomy shared by the directory and the
// auth gateway, and the mapping from those errors to HTTP statuses and stable
// machine-readable reasons. Callers match with errors.Is.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrValidation         = errors.New("invalid request")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrNotLoggedIn        = errors.New("not logged in")
	ErrNotFound           = errors.New("user not found")
	ErrDuplicateUsername  = errors.New("username already exists")

	// Transient infrastructure failures. Retried internally before surfacing.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// Reason returns the stable reason string carried in error response bodies.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "invalid_request"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrNotLoggedIn):
		return "not_logged_in"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateUsername):
		return "duplicate_username"
	case errors.Is(err, ErrBrokerUnavailable):
		return "broker_unavailable"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}

// HTTPStatus maps err onto the status code of the public HTTP surface.
// NotLoggedIn is 400 here; endpoints where a dead session means
// "unauthenticated" override it.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrDuplicateUsername), errors.Is(err, ErrNotLoggedIn):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBrokerUnavailable), errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type permanentError struct {
	cause error
}

func (e permanentError) Error() string {
	if e.cause == nil {
		return "permanent error"
	}
	return e.cause.Error()
}

func (e permanentError) Unwrap() error {
	return e.cause
}

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{cause: err}
}

// IsPermanent reports whether err was explicitly marked as non-retryable.
func IsPermanent(err error) bool {
	var target permanentError
	return errors.As(err, &target)
}
