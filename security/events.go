package security

// Event type constants for security audit logging.
const (
	// Authorization code events

	// EventAuthorizationCodeIssued is logged when an authorization code is minted
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeExtracted is logged when a code is exchanged for its grant
	EventAuthorizationCodeExtracted = "authorization_code_extracted"

	// EventAuthorizationCodeInvalid is logged when an unknown, expired or
	// already used code is presented
	EventAuthorizationCodeInvalid = "authorization_code_invalid"

	// Token lifecycle events

	// EventTokenIssued is logged when an access token is issued
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is refreshed
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked
	EventTokenRevoked = "token_revoked"

	// EventRefreshTokenInvalid is logged when an unknown or rotated refresh token is presented
	EventRefreshTokenInvalid = "refresh_token_invalid" //nolint:gosec // G101: event type name, not a credential

	// Client events

	// EventClientRegistered is logged when a client is registered or replaced
	EventClientRegistered = "client_registered"

	// EventClientDeleted is logged when a client registration is removed
	EventClientDeleted = "client_deleted"

	// EventRedirectURIAdded is logged when a redirect URI is added to a client
	EventRedirectURIAdded = "redirect_uri_added"

	// EventRedirectURIRemoved is logged when a redirect URI is removed from a client
	EventRedirectURIRemoved = "redirect_uri_removed"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a client exceeds its check budget
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInvalidRedirect is logged when a redirect URI does not match the registration
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a client requests scope it may not have
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)
