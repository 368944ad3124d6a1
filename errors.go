package grants

import (
	"errors"
	"fmt"
	"net/http"
)

// Registrar errors. Implementations may wrap them with context; callers
// compare with errors.Is.
var (
	// ErrClientNotFound is returned when the client id is not registered
	ErrClientNotFound = errors.New("client not found")

	// ErrUnauthorized is returned when client authentication fails
	ErrUnauthorized = errors.New("client authentication failed")

	// ErrScopeMismatch is returned when nothing of the requested scope may be granted
	ErrScopeMismatch = errors.New("requested scope not allowed for client")

	// ErrAmbiguousRedirect is returned when no redirect URI was requested and
	// the client registered more than one
	ErrAmbiguousRedirect = errors.New("redirect_uri required: client has several registered")

	// ErrMismatchedRedirect is returned when the requested redirect URI is not registered
	ErrMismatchedRedirect = errors.New("redirect_uri not registered for client")

	// ErrNoRedirect is returned when the client has no usable redirect URI
	ErrNoRedirect = errors.New("client has no registered redirect_uri")

	// ErrLastRedirect is returned when removing a URI would leave the client
	// without any redirect URI
	ErrLastRedirect = errors.New("cannot remove last redirect_uri")

	// ErrInvalidClient is returned when a registration is malformed
	ErrInvalidClient = errors.New("invalid client registration")

	// ErrInvalidScope is returned for scope strings violating RFC 6749 §3.3
	ErrInvalidScope = errors.New("invalid scope")
)

// ErrPrimitive is the single failure signal of Authorizer and Issuer.
// It is returned unwrapped so a caller cannot tell an unknown code from a
// storage failure.
var ErrPrimitive = errors.New("grant primitive failed")

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest     = "invalid_request"
	ErrorCodeInvalidGrant       = "invalid_grant"
	ErrorCodeInvalidClient      = "invalid_client"
	ErrorCodeInvalidScope       = "invalid_scope"
	ErrorCodeUnauthorizedClient = "unauthorized_client"
	ErrorCodeServerError        = "server_error"
	ErrorCodeAccessDenied       = "access_denied"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// ToOAuthError maps an error returned by a Registrar, Authorizer or Issuer
// to the OAuth 2.0 error the orchestrator should respond with.
// It returns nil for a nil error.
//
// Redirect errors map to invalid_request: per RFC 6749 §4.1.2.1 they must
// be shown to the resource owner and never redirected.
func ToOAuthError(err error) *OAuthError {
	var oauthErr *OAuthError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &oauthErr):
		return oauthErr
	case errors.Is(err, ErrClientNotFound), errors.Is(err, ErrUnauthorized):
		return NewOAuthError(ErrorCodeInvalidClient, "client authentication failed", http.StatusUnauthorized)
	case errors.Is(err, ErrScopeMismatch), errors.Is(err, ErrInvalidScope):
		return NewOAuthError(ErrorCodeInvalidScope, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrAmbiguousRedirect),
		errors.Is(err, ErrMismatchedRedirect),
		errors.Is(err, ErrNoRedirect):
		return NewOAuthError(ErrorCodeInvalidRequest, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrLastRedirect), errors.Is(err, ErrInvalidClient):
		return NewOAuthError(ErrorCodeInvalidRequest, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrPrimitive):
		return NewOAuthError(ErrorCodeInvalidGrant, "the provided grant is invalid", http.StatusBadRequest)
	default:
		return NewOAuthError(ErrorCodeServerError, "internal error", http.StatusInternalServerError)
	}
}
