package adapter

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	grants "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/security"
)

// Registrar wraps a grants.Registrar. Lookups share a read lock; changes to
// the registry take the write lock.
type Registrar struct {
	mu      sync.RWMutex
	backend grants.Registrar

	logger  *slog.Logger
	obs     observer
	auditor *security.Auditor
	limiter *security.RateLimiter
}

// NewRegistrar wraps backend. Call Close to release the check rate limiter.
func NewRegistrar(backend grants.Registrar, opts ...Option) *Registrar {
	o := newOptions(opts)
	r := &Registrar{
		backend: backend,
		logger:  o.logger,
		obs:     newObserver("registrar", o.instrumentation),
		auditor: o.auditor,
	}
	if o.checkRate > 0 {
		burst := o.checkBurst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = security.NewRateLimiter(security.RateLimiterConfig{
			Rate:   o.checkRate,
			Burst:  burst,
			Logger: o.logger,
		})
	}
	return r
}

// Close stops the check rate limiter. It is safe to call more than once.
func (r *Registrar) Close() {
	if r.limiter != nil {
		r.limiter.Stop()
	}
}

// BoundRedirect resolves the redirect URI of an authorization request
func (r *Registrar) BoundRedirect(ctx context.Context, url grants.ClientURL) (grants.BoundClient, error) {
	if err := ctx.Err(); err != nil {
		return grants.BoundClient{}, err
	}
	ctx, span, started := r.obs.start(ctx, "bound_redirect")
	instrumentation.AddGrantAttributes(span, url.ClientID, "", "")

	r.mu.RLock()
	bound, err := r.backend.BoundRedirect(url)
	r.mu.RUnlock()

	if err != nil {
		if errors.Is(err, grants.ErrMismatchedRedirect) {
			r.auditor.LogInvalidRedirect(url.ClientID, url.RedirectURI, err.Error())
		}
	} else {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrRedirectURI, bound.RedirectURI))
	}
	r.obs.finish(ctx, span, "bound_redirect", started, "", err)
	return bound, err
}

// Negotiate computes the scope of a pre-grant. A nil scope requests the
// client's default scope.
func (r *Registrar) Negotiate(ctx context.Context, client grants.BoundClient, scope *grants.Scope) (grants.PreGrant, error) {
	if err := ctx.Err(); err != nil {
		return grants.PreGrant{}, err
	}
	ctx, span, started := r.obs.start(ctx, "negotiate")
	instrumentation.AddGrantAttributes(span, client.ClientID, "", "")

	r.mu.RLock()
	pre, err := r.backend.Negotiate(client, scope)
	r.mu.RUnlock()

	if scope != nil {
		switch {
		case errors.Is(err, grants.ErrScopeMismatch):
			r.auditor.LogScopeEscalation(client.ClientID, scope.String(), "")
		case err == nil && !scope.SubsetOf(pre.Scope):
			r.auditor.LogScopeEscalation(client.ClientID, scope.String(), pre.Scope.String())
		}
	}
	if err == nil {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrScope, pre.Scope.String()))
	}
	r.obs.finish(ctx, span, "negotiate", started, "", err)
	return pre, err
}

// Check authenticates a client. Once a client id has used up its budget of
// failed checks, further checks fail with grants.ErrUnauthorized without
// consulting the backend until the budget refills.
func (r *Registrar) Check(ctx context.Context, clientID string, passphrase []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span, started := r.obs.start(ctx, "check")
	instrumentation.AddGrantAttributes(span, clientID, "", "")

	if r.limiter != nil && r.limiter.Exhausted(clientID) {
		r.logger.Warn("Client check rate limit exceeded", "client_id", clientID)
		r.auditor.LogRateLimitExceeded(clientID)
		if r.obs.metrics != nil {
			r.obs.metrics.RecordRateLimitExceeded(ctx)
		}
		err := grants.ErrUnauthorized
		r.obs.finish(ctx, span, "check", started, "", err)
		return err
	}

	r.mu.RLock()
	err := r.backend.Check(clientID, passphrase)
	r.mu.RUnlock()

	if err != nil {
		if r.limiter != nil {
			r.limiter.Allow(clientID)
		}
		r.auditor.LogAuthFailure(clientID, err.Error())
	}
	if r.obs.metrics != nil {
		r.obs.metrics.RecordClientCheck(ctx, err == nil)
	}
	r.obs.finish(ctx, span, "check", started, "", err)
	return err
}

// Register adds or replaces a client registration
func (r *Registrar) Register(ctx context.Context, client grants.Client) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span, started := r.obs.start(ctx, "register")
	instrumentation.AddGrantAttributes(span, client.ClientID, "", client.DefaultScope.String())

	r.mu.Lock()
	err := r.backend.Register(client)
	r.mu.Unlock()

	if err == nil {
		r.auditor.LogClientRegistered(client.ClientID, client.Type())
	}
	r.obs.finish(ctx, span, "register", started, "", err)
	return err
}

// Query returns the client record, or false if it is unknown
func (r *Registrar) Query(ctx context.Context, clientID string) (grants.EncodedClient, bool, error) {
	if err := ctx.Err(); err != nil {
		return grants.EncodedClient{}, false, err
	}
	ctx, span, started := r.obs.start(ctx, "query")
	instrumentation.AddGrantAttributes(span, clientID, "", "")

	r.mu.RLock()
	client, found := r.backend.Query(clientID)
	r.mu.RUnlock()

	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrFound, found))
	r.obs.finish(ctx, span, "query", started, foundResult(found), nil)
	return client, found, nil
}

// QueryByExtensions returns the clients whose extensions contain every
// key/value pair of query
func (r *Registrar) QueryByExtensions(ctx context.Context, query map[string]string) ([]grants.EncodedClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, span, started := r.obs.start(ctx, "query_by_extensions")

	r.mu.RLock()
	clients := r.backend.QueryByExtensions(query)
	r.mu.RUnlock()

	instrumentation.SetSpanAttributes(span, attribute.Int("oauth.clients", len(clients)))
	r.obs.finish(ctx, span, "query_by_extensions", started, "", nil)
	return clients, nil
}

// AddURI registers an additional redirect URI
func (r *Registrar) AddURI(ctx context.Context, clientID, uri string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span, started := r.obs.start(ctx, "add_uri")
	instrumentation.AddGrantAttributes(span, clientID, "", "")

	r.mu.Lock()
	err := r.backend.AddURI(clientID, uri)
	r.mu.Unlock()

	if err == nil {
		r.auditor.LogRedirectURIChanged(clientID, uri, true)
	}
	r.obs.finish(ctx, span, "add_uri", started, "", err)
	return err
}

// DelURI removes a redirect URI. Removing the last URI is rejected.
func (r *Registrar) DelURI(ctx context.Context, clientID, uri string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span, started := r.obs.start(ctx, "del_uri")
	instrumentation.AddGrantAttributes(span, clientID, "", "")

	r.mu.Lock()
	err := r.backend.DelURI(clientID, uri)
	r.mu.Unlock()

	if err == nil {
		r.auditor.LogRedirectURIChanged(clientID, uri, false)
	}
	r.obs.finish(ctx, span, "del_uri", started, "", err)
	return err
}

// DelClient removes a client registration
func (r *Registrar) DelClient(ctx context.Context, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span, started := r.obs.start(ctx, "del_client")
	instrumentation.AddGrantAttributes(span, clientID, "", "")

	r.mu.Lock()
	err := r.backend.DelClient(clientID)
	r.mu.Unlock()

	if err == nil {
		r.auditor.LogClientDeleted(clientID)
	}
	r.obs.finish(ctx, span, "del_client", started, "", err)
	return err
}
