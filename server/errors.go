package server

import (
	"errors"
	"fmt"
)

// OAuth 2.0 error codes (RFC 6749 section 5.2, RFC 6750, OpenID Connect Core 3.1.2.6).
// The root package maps these onto HTTP responses.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeLoginRequired           = "login_required"
	ErrorCodeConsentRequired         = "consent_required"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeServerError             = "server_error"
)

var (
	// ErrReplayDetected marks a second redemption of an authorization code or
	// a refresh token presented after its grace window. Callers only ever see
	// invalid_grant; the condition is logged as critical.
	ErrReplayDetected = errors.New("replay detected")

	// ErrAuthenticationRequired means the request carries no authenticated
	// user, or the authentication is older than max_age.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrConsentRequired means the user has not granted the requested scope
	// to the client yet.
	ErrConsentRequired = errors.New("consent required")

	// ErrInvalidToken is returned for unknown, expired or revoked access tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// Error is a failed OAuth operation.
//
// Code is the OAuth error code reported to the caller. Err keeps the
// internal cause, which may be more specific than Code (a replay is reported
// as invalid_grant but wraps ErrReplayDetected).
type Error struct {
	Code        string
	Description string
	Err         error

	// RedirectURI is set by Authorize once the redirect URI has been
	// verified against the client registration. Only then may the error be
	// delivered by redirect; otherwise it must be shown to the user agent.
	RedirectURI string
	State       string

	// Pending carries the original authorization request when the error is
	// login_required or consent_required, so that it can be resumed.
	Pending *AuthorizationRequest
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Redirectable reports whether the error may be sent to the client's
// redirect URI.
func (e *Error) Redirectable() bool {
	return e.RedirectURI != ""
}

func newError(code, description string, err error) *Error {
	return &Error{Code: code, Description: description, Err: err}
}

// invalidGrant returns the generic error for every token redemption
// failure. RFC 6749 does not require telling the attacker which check failed.
func invalidGrant(err error) *Error {
	return newError(ErrorCodeInvalidGrant, "the provided authorization grant is invalid, expired or revoked", err)
}

func serverError(err error) *Error {
	return newError(ErrorCodeServerError, "the server encountered an unexpected condition", err)
}

// ErrorCode extracts the OAuth error code of err, or server_error when err
// is not an *Error.
func ErrorCode(err error) string {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr.Code
	}
	return ErrorCodeServerError
}
