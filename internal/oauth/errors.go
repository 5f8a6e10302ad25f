package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the fixed OAuth error vocabulary returned on the wire.
type ErrorCode string

const (
	ErrInvalidRequest        ErrorCode = "invalid_request"
	ErrUnauthorizedClient    ErrorCode = "unauthorized_client"
	ErrInvalidGrant          ErrorCode = "invalid_grant"
	ErrInvalidClientMetadata ErrorCode = "invalid_client_metadata"
	ErrAccessDenied          ErrorCode = "access_denied"
	ErrUnsupportedGrantType  ErrorCode = "unsupported_grant_type"
	ErrInvalidTokenCode      ErrorCode = "invalid_token"
	ErrInsufficientScope     ErrorCode = "insufficient_scope"
	ErrServerError           ErrorCode = "server_error"
)

// Status maps the code to the HTTP status used when it is returned directly.
func (c ErrorCode) Status() int {
	switch c {
	case ErrInvalidTokenCode:
		return http.StatusUnauthorized
	case ErrInsufficientScope:
		return http.StatusForbidden
	case ErrServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Error is a classified OAuth failure. Description is safe to show to the caller.
type Error struct {
	Code        ErrorCode
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Errorf builds an *Error with a formatted description.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// AsError extracts the *Error from err. Unclassified errors become server_error
// with a generic description so internal detail never reaches the caller.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return &Error{Code: ErrServerError, Description: "internal error"}
}
