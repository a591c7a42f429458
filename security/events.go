package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventTokenIssued is logged when a code is exchanged for tokens
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is redeemed
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked through the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// EventTokenExpired is logged when an expired refresh token is presented
	EventTokenExpired = "token_expired"

	// Replay and theft detection

	// EventAuthorizationCodeReuseDetected is logged when a redeemed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReplayDetected is logged when a rotated refresh token is
	// presented after its grace window and the family is revoked
	EventRefreshTokenReplayDetected = "refresh_token_replay_detected"

	// EventRevokedTokenFamilyReuseAttempt is logged when a revoked refresh token is presented
	EventRevokedTokenFamilyReuseAttempt = "revoked_token_family_reuse_attempt" //nolint:gosec // event name, not a credential

	// EventNonceReplayed is logged when a nonce or PKCE challenge is reused
	EventNonceReplayed = "nonce_replayed"

	// Authorization events

	// EventPKCEValidationFailed is logged when the code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventPKCERequiredForPublicClient is logged when a public client omits PKCE
	EventPKCERequiredForPublicClient = "pkce_required_for_public_client"

	// EventInvalidRedirect is logged when a redirect URI does not match registration
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a client requests scopes it is not allowed
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventAuthFailure is logged when client or user authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// Sessions

	// EventUserSwitch is logged for every user-switch audit entry
	EventUserSwitch = "user_switch"

	// EventUserSwitchCleanup is logged when a user change revoked the previous user's tokens
	EventUserSwitchCleanup = "user_switch_cleanup"

	// Administration

	// EventClientRegistered is logged when a client is added to the registry
	EventClientRegistered = "client_registered"

	// EventClientDeactivated is logged when a client is deactivated
	EventClientDeactivated = "client_deactivated"

	// EventSigningKeyRotated is logged when a new signing key becomes active
	EventSigningKeyRotated = "signing_key_rotated"

	// EventBatchJobSubmitted is logged when a batch revocation job is accepted
	EventBatchJobSubmitted = "batch_job_submitted"

	// EventBatchJobCompleted is logged when a batch revocation job reaches a final status
	EventBatchJobCompleted = "batch_job_completed"

	// EventBatchJobCancelled is logged when an operator cancels a batch job
	EventBatchJobCancelled = "batch_job_cancelled"

	// EventEmergencyRevocation is logged when an emergency job is submitted and when it finishes
	EventEmergencyRevocation = "emergency_revocation"

	// EventEmergencyConfirmationRejected is logged when an emergency confirmation token is invalid
	EventEmergencyConfirmationRejected = "emergency_confirmation_rejected"
)
