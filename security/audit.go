package security

import (
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-grants/internal/util"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with the user id hashed.
// A nil Auditor discards events.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", util.HashForLogging(event.UserID),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCodeIssued logs when an authorization code is minted
func (a *Auditor) LogCodeIssued(userID, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventAuthorizationCodeIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenIssued logs when a token is issued
func (a *Auditor) LogTokenIssued(userID, clientID, scope string, refreshable bool) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"scope":       scope,
			"refreshable": refreshable,
		},
	})
}

// LogTokenRefreshed logs when a token is refreshed
func (a *Auditor) LogTokenRefreshed(userID, clientID string, rotated bool) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogAuthFailure logs a client authentication failure
func (a *Auditor) LogAuthFailure(clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventAuthFailure,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(clientID string) {
	a.LogEvent(Event{
		Type:     EventRateLimitExceeded,
		ClientID: clientID,
	})
}

// LogClientRegistered logs when a client is registered
func (a *Auditor) LogClientRegistered(clientID, clientType string) {
	a.LogEvent(Event{
		Type:     EventClientRegistered,
		ClientID: clientID,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// LogClientDeleted logs when a client registration is removed
func (a *Auditor) LogClientDeleted(clientID string) {
	a.LogEvent(Event{
		Type:     EventClientDeleted,
		ClientID: clientID,
	})
}

// LogRedirectURIChanged logs a redirect URI being added or removed
func (a *Auditor) LogRedirectURIChanged(clientID, uri string, added bool) {
	eventType := EventRedirectURIRemoved
	if added {
		eventType = EventRedirectURIAdded
	}
	a.LogEvent(Event{
		Type:     eventType,
		ClientID: clientID,
		Details: map[string]any{
			"redirect_uri": uri,
		},
	})
}

// LogInvalidRedirect logs a redirect URI that does not match the registration
func (a *Auditor) LogInvalidRedirect(clientID, uri, reason string) {
	a.LogEvent(Event{
		Type:     EventInvalidRedirect,
		ClientID: clientID,
		Details: map[string]any{
			"redirect_uri": uri,
			"reason":       reason,
		},
	})
}

// LogScopeEscalation logs a request for scope beyond what was granted
func (a *Auditor) LogScopeEscalation(clientID, requested, granted string) {
	a.LogEvent(Event{
		Type:     EventScopeEscalationAttempt,
		ClientID: clientID,
		Details: map[string]any{
			"requested_scope": requested,
			"granted_scope":   granted,
		},
	})
}

// LogInvalidCode logs an unknown, expired or already used authorization code
func (a *Auditor) LogInvalidCode(codePrefix string) {
	a.LogEvent(Event{
		Type: EventAuthorizationCodeInvalid,
		Details: map[string]any{
			"code_prefix": codePrefix,
		},
	})
}

// LogCodeExtracted logs a code being exchanged for its grant
func (a *Auditor) LogCodeExtracted(userID, clientID string) {
	a.LogEvent(Event{
		Type:     EventAuthorizationCodeExtracted,
		UserID:   userID,
		ClientID: clientID,
	})
}

// LogInvalidRefresh logs an unknown, expired or rotated refresh token
func (a *Auditor) LogInvalidRefresh(clientID, tokenPrefix string) {
	a.LogEvent(Event{
		Type:     EventRefreshTokenInvalid,
		ClientID: clientID,
		Details: map[string]any{
			"token_prefix": tokenPrefix,
		},
	})
}

// LogTokenRevoked logs a token revocation
func (a *Auditor) LogTokenRevoked(tokenPrefix string) {
	a.LogEvent(Event{
		Type: EventTokenRevoked,
		Details: map[string]any{
			"token_prefix": tokenPrefix,
		},
	})
}
