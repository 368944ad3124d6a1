package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attribute keys.
//
// SECURITY WARNING: never set attributes to credential values (codes, access
// or refresh tokens, passphrases). Record metadata such as presence, space
// or rotation flags instead.
const (
	AttrClientID     = "oauth.client_id"
	AttrUserID       = "oauth.user_id"
	AttrScope        = "oauth.scope"
	AttrRedirectURI  = "oauth.redirect_uri"
	AttrRefreshable  = "oauth.token.refreshable" //nolint:gosec // metadata flag, not a credential
	AttrTokenRotated = "oauth.token.rotated"     //nolint:gosec // metadata flag, not a credential
	AttrTokenSpace   = "oauth.token.space"       //nolint:gosec // "access" or "refresh"
	AttrFound        = "oauth.found"

	AttrComponent = "primitive.component"
	AttrOperation = "primitive.operation"
	AttrResult    = "primitive.result"

	AttrStorageType = "storage.type"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddGrantAttributes adds the non-secret identity of a grant to a span
func AddGrantAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddOperationAttributes tags a span with the primitive it wraps
func AddOperationAttributes(span trace.Span, component, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrComponent, component),
		attribute.String(AttrOperation, operation),
	)
}
