package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/sso-core/batch"
	"github.com/giantswarm/sso-core/server"
	"github.com/giantswarm/sso-core/storage"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeLoginRequired           = server.ErrorCodeLoginRequired
	ErrorCodeConsentRequired         = server.ErrorCodeConsentRequired
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeInsufficientScope       = server.ErrorCodeInsufficientScope
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
	ErrorCodeNotFound                = "not_found"
	ErrorCodeConflict                = "conflict"
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

// Common OAuth errors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrInsufficientScope indicates the access token lacks a required scope
	ErrInsufficientScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInsufficientScope, desc, http.StatusForbidden)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// statusForCode maps an OAuth error code to its HTTP status
func statusForCode(code string) int {
	switch code {
	case ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeInsufficientScope, ErrorCodeAccessDenied:
		return http.StatusForbidden
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// toOAuthError converts an error returned by the server package. Internal
// causes never reach the response: a replay is reported as invalid_grant
// with the generic description.
func toOAuthError(err error) *OAuthError {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	var serverErr *server.Error
	if errors.As(err, &serverErr) {
		return NewOAuthError(serverErr.Code, serverErr.Description, statusForCode(serverErr.Code))
	}
	return ErrServerError("the server encountered an unexpected condition")
}

// batchError maps errors of the batch engine onto admin API responses.
func batchError(err error) *OAuthError {
	switch {
	case errors.Is(err, batch.ErrInvalidJob):
		return NewOAuthError(ErrorCodeInvalidRequest, err.Error(), http.StatusBadRequest)
	case errors.Is(err, batch.ErrConfirmationRequired), errors.Is(err, batch.ErrInvalidConfirmation):
		return NewOAuthError(ErrorCodeAccessDenied, err.Error(), http.StatusForbidden)
	case errors.Is(err, storage.ErrJobNotFound):
		return NewOAuthError(ErrorCodeNotFound, "batch job not found", http.StatusNotFound)
	case errors.Is(err, batch.ErrJobFinished):
		return NewOAuthError(ErrorCodeConflict, err.Error(), http.StatusConflict)
	default:
		return ErrServerError("the server encountered an unexpected condition")
	}
}
