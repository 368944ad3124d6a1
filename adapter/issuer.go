package adapter

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	grants "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/security"
)

// ErrRevocationUnsupported is returned by Issuer.Revoke when the backend
// does not implement grants.Revoker
var ErrRevocationUnsupported = errors.New("issuer does not support revocation")

const (
	spaceAccess  = "access"
	spaceRefresh = "refresh"
)

// Issuer wraps a grants.Issuer. Calls are serialised.
type Issuer struct {
	mu      sync.Mutex
	backend grants.Issuer

	logger  *slog.Logger
	obs     observer
	auditor *security.Auditor
}

// NewIssuer wraps backend
func NewIssuer(backend grants.Issuer, opts ...Option) *Issuer {
	o := newOptions(opts)
	return &Issuer{
		backend: backend,
		logger:  o.logger,
		obs:     newObserver("issuer", o.instrumentation),
		auditor: o.auditor,
	}
}

// Issue mints an access token and, depending on policy, a refresh token
func (i *Issuer) Issue(ctx context.Context, grant grants.Grant) (grants.IssuedToken, error) {
	if err := ctx.Err(); err != nil {
		return grants.IssuedToken{}, err
	}
	ctx, span, started := i.obs.start(ctx, "issue")
	instrumentation.AddGrantAttributes(span, grant.ClientID, grant.OwnerID, grant.Scope.String())

	i.mu.Lock()
	issued, err := i.backend.Issue(grant)
	i.mu.Unlock()

	if err == nil {
		refreshable := issued.Refreshable()
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrRefreshable, refreshable))
		i.auditor.LogTokenIssued(grant.OwnerID, grant.ClientID, grant.Scope.String(), refreshable)
		if i.obs.metrics != nil {
			i.obs.metrics.RecordTokenIssued(ctx, grant.ClientID, refreshable)
		}
	} else {
		i.logger.Warn("Token issuance failed", "client_id", grant.ClientID)
	}
	i.obs.finish(ctx, span, "issue", started, "", err)
	return issued, err
}

// Refresh mints a new access token for a valid refresh token
func (i *Issuer) Refresh(ctx context.Context, refresh string, grant grants.Grant) (grants.RefreshedToken, error) {
	if err := ctx.Err(); err != nil {
		return grants.RefreshedToken{}, err
	}
	ctx, span, started := i.obs.start(ctx, "refresh")
	instrumentation.AddGrantAttributes(span, grant.ClientID, grant.OwnerID, grant.Scope.String())

	i.mu.Lock()
	refreshed, err := i.backend.Refresh(refresh, grant)
	i.mu.Unlock()

	if err == nil {
		rotated := refreshed.Refresh != ""
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenRotated, rotated))
		i.auditor.LogTokenRefreshed(grant.OwnerID, grant.ClientID, rotated)
		if i.obs.metrics != nil {
			i.obs.metrics.RecordTokenRefresh(ctx, grant.ClientID, rotated)
		}
	} else {
		i.auditor.LogInvalidRefresh(grant.ClientID, util.TokenPrefix(refresh))
	}
	i.obs.finish(ctx, span, "refresh", started, "", err)
	return refreshed, err
}

// RecoverToken returns the grant behind an access token, nil if it is
// unknown or expired
func (i *Issuer) RecoverToken(ctx context.Context, token string) (*grants.Grant, error) {
	return i.recover(ctx, spaceAccess, token, i.backend.RecoverToken)
}

// RecoverRefresh returns the grant behind a refresh token, nil if it is
// unknown or expired
func (i *Issuer) RecoverRefresh(ctx context.Context, refresh string) (*grants.Grant, error) {
	return i.recover(ctx, spaceRefresh, refresh, i.backend.RecoverRefresh)
}

func (i *Issuer) recover(ctx context.Context, space, token string, lookup func(string) (*grants.Grant, error)) (*grants.Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	operation := "recover_" + space
	ctx, span, started := i.obs.start(ctx, operation)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenSpace, space))

	i.mu.Lock()
	grant, err := lookup(token)
	i.mu.Unlock()

	found := grant != nil
	if found {
		instrumentation.AddGrantAttributes(span, grant.ClientID, grant.OwnerID, grant.Scope.String())
	}
	if err == nil && i.obs.metrics != nil {
		i.obs.metrics.RecordTokenRecovered(ctx, space, found)
	}
	i.obs.finish(ctx, span, operation, started, foundResult(found), err)
	return grant, err
}

// Revoke invalidates an access or refresh token. Unknown tokens are not an
// error. Backends without revocation support yield ErrRevocationUnsupported.
func (i *Issuer) Revoke(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	revoker, ok := i.backend.(grants.Revoker)
	if !ok {
		return ErrRevocationUnsupported
	}
	ctx, span, started := i.obs.start(ctx, "revoke")

	i.mu.Lock()
	err := revoker.Revoke(token)
	i.mu.Unlock()

	if err == nil {
		i.auditor.LogTokenRevoked(util.TokenPrefix(token))
		if i.obs.metrics != nil {
			i.obs.metrics.RecordTokenRevocation(ctx)
		}
	}
	i.obs.finish(ctx, span, "revoke", started, "", err)
	return err
}
