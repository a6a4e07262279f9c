// Package apperror defines the tagged error kinds used across the
// integration engine. Errors carry a kind so callers can pick between
// surfacing an HTTP status (interactive flows) and logging-and-skipping
// (webhook-driven flows) without string matching.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrExternalAPI    = errors.New("external api error")
)

// Error is a tagged application error. Kind is one of the sentinel errors
// above; Provider is set for external API failures.
type Error struct {
	Kind     error
	Message  string
	Provider string
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Authentication reports a failed authenticity check (bad webhook signature).
func Authentication(message string) *Error {
	return &Error{Kind: ErrAuthentication, Message: message}
}

// Validation reports a malformed request or payload.
func Validation(message string) *Error {
	return &Error{Kind: ErrValidation, Message: message}
}

// NotFound reports a missing resource.
func NotFound(resource string, id any) *Error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf("%s %v not found", resource, id)}
}

// Conflict reports a duplicate creation attempt.
func Conflict(message string) *Error {
	return &Error{Kind: ErrConflict, Message: message}
}

// ExternalAPI reports a failed or timed-out remote provider call.
func ExternalAPI(provider string, err error) *Error {
	return &Error{Kind: ErrExternalAPI, Provider: provider, Message: err.Error()}
}

// Status maps an error to the HTTP status interactive callers receive.
// Unrecognized errors map to 500.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrExternalAPI):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
