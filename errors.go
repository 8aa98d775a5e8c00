package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes emitted by this server
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeServerError             = "server_error"
)

// Error is an OAuth 2.0 error response.
type Error struct {
	Code        string // OAuth error code, e.g. "invalid_grant"
	Description string // Human-readable, safe to show the client
	Status      int    // HTTP status when written directly

	// cause is logged, never sent
	cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap exposes the internal cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// NewError creates a new OAuth error
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// withCause attaches an internal error that is logged but not returned.
func (e *Error) withCause(err error) *Error {
	e.cause = err
	return e
}

// StatusFor maps an error code to the HTTP status used for a direct response.
func StatusFor(code string) int {
	switch code {
	case ErrorCodeInvalidClient:
		return http.StatusUnauthorized
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// AsError returns err as an *Error, wrapping anything else as server_error.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return ErrServerError("internal server error").withCause(err)
}

var (
	// ErrInvalidRequest indicates a missing or malformed parameter
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates the client is unknown or failed authentication
	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidGrant indicates the authorization code is invalid, expired or
	// does not match the request
	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedResponseType indicates a response_type other than "code"
	ErrUnsupportedResponseType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates a grant_type other than "authorization_code"
	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates a collaborator failed
	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)
