package adapter

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	grants "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/security"
)

// Authorizer wraps a grants.Authorizer. Calls are serialised.
type Authorizer struct {
	mu      sync.Mutex
	backend grants.Authorizer

	logger  *slog.Logger
	obs     observer
	auditor *security.Auditor
}

// NewAuthorizer wraps backend
func NewAuthorizer(backend grants.Authorizer, opts ...Option) *Authorizer {
	o := newOptions(opts)
	return &Authorizer{
		backend: backend,
		logger:  o.logger,
		obs:     newObserver("authorizer", o.instrumentation),
		auditor: o.auditor,
	}
}

// Authorize stores the grant and returns a fresh authorization code
func (a *Authorizer) Authorize(ctx context.Context, grant grants.Grant) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ctx, span, started := a.obs.start(ctx, "authorize")
	instrumentation.AddGrantAttributes(span, grant.ClientID, grant.OwnerID, grant.Scope.String())

	a.mu.Lock()
	code, err := a.backend.Authorize(grant)
	a.mu.Unlock()

	if err == nil {
		a.auditor.LogCodeIssued(grant.OwnerID, grant.ClientID, grant.Scope.String())
		if a.obs.metrics != nil {
			a.obs.metrics.RecordCodeIssued(ctx, grant.ClientID)
		}
	} else {
		a.logger.Warn("Authorization failed", "client_id", grant.ClientID)
	}
	a.obs.finish(ctx, span, "authorize", started, "", err)
	return code, err
}

// Extract redeems a code. Unknown, expired and already used codes yield a
// nil grant and a nil error.
func (a *Authorizer) Extract(ctx context.Context, code string) (*grants.Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, span, started := a.obs.start(ctx, "extract")

	a.mu.Lock()
	grant, err := a.backend.Extract(code)
	a.mu.Unlock()

	found := grant != nil
	switch {
	case found:
		instrumentation.AddGrantAttributes(span, grant.ClientID, grant.OwnerID, grant.Scope.String())
		a.auditor.LogCodeExtracted(grant.OwnerID, grant.ClientID)
	case err == nil:
		a.auditor.LogInvalidCode(util.TokenPrefix(code))
	}
	if err == nil {
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrFound, found))
		if a.obs.metrics != nil {
			a.obs.metrics.RecordCodeExtracted(ctx, found)
		}
	}
	a.obs.finish(ctx, span, "extract", started, foundResult(found), err)
	return grant, err
}
