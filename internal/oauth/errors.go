package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// Store-level sentinels. ErrDuplicate must be distinguishable from ErrNotFound
// so the issuer can regenerate identifiers on collision instead of
// overwriting an existing record.
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("unique constraint violation")
)

// Error is an OAuth2 protocol error carrying the RFC 6749 error code and a
// human-readable description.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// HTTPStatus maps the protocol error to the response status the token and
// registration endpoints must return.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case "invalid_client", "unauthorized":
		return http.StatusUnauthorized
	case "internal_error":
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func InvalidRequest(description string) *Error {
	return &Error{Code: "invalid_request", Description: description}
}

func InvalidClient(description string) *Error {
	return &Error{Code: "invalid_client", Description: description}
}

func InvalidGrant(description string) *Error {
	return &Error{Code: "invalid_grant", Description: description}
}

func InvalidScope(description string) *Error {
	return &Error{Code: "invalid_scope", Description: description}
}

func UnsupportedGrantType(value string) *Error {
	return &Error{Code: "unsupported_grant_type", Description: fmt.Sprintf("Unsupported grant_type: %s", value)}
}

func Unauthorized(description string) *Error {
	return &Error{Code: "unauthorized", Description: description}
}

func InternalError(description string) *Error {
	return &Error{Code: "internal_error", Description: description}
}

// AsError extracts a protocol error from err, wrapping unknown failures as
// internal_error so persistence-layer faults never leak raw messages.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return InternalError("unexpected server error")
}
