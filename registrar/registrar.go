// Package registrar provides an in-memory implementation of grants.Registrar.
// It is suitable for development, testing, and deployments whose clients are
// configured at startup.
package registrar

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	grants "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/security"
)

// ClientMap is an in-memory client registrar.
type ClientMap struct {
	mu      sync.RWMutex
	clients map[string]grants.EncodedClient

	policy RedirectPolicy
	hasher PassphraseHasher
	now    security.Clock
	logger *slog.Logger

	// clientsCount mirrors len(clients) for lock-free metric collection
	clientsCount atomic.Int64
}

// Compile-time interface check
var _ grants.Registrar = (*ClientMap)(nil)

// New creates an empty registrar using exact redirect matching and bcrypt
// passphrase hashing.
func New() *ClientMap {
	return &ClientMap{
		clients: make(map[string]grants.EncodedClient),
		policy:  ExactRedirect{},
		hasher:  BcryptHasher{},
		now:     security.SystemClock,
		logger:  slog.Default(),
	}
}

// SetLogger sets a custom logger
func (m *ClientMap) SetLogger(logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

// SetRedirectPolicy sets the redirect URI matching policy
func (m *ClientMap) SetRedirectPolicy(policy RedirectPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = policy
}

// SetPassphraseHasher sets the passphrase hasher. Clients registered before
// the change keep hashes of the previous hasher.
func (m *ClientMap) SetPassphraseHasher(hasher PassphraseHasher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasher = hasher
}

// SetClock sets the time source used for registration timestamps
func (m *ClientMap) SetClock(clock security.Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = clock
}

// SetInstrumentation registers the client count gauge
func (m *ClientMap) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	_, err := inst.RegisterStoreSizeCallbacks(instrumentation.StoreSizes{
		Clients: m.clientsCount.Load,
	})
	if err != nil {
		m.logger.Warn("Failed to register registrar size callback", "error", err)
	}
}

// BoundRedirect implements grants.Registrar
func (m *ClientMap) BoundRedirect(target grants.ClientURL) (grants.BoundClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, ok := m.clients[target.ClientID]
	if !ok {
		return grants.BoundClient{}, fmt.Errorf("%w: %s", grants.ErrClientNotFound, target.ClientID)
	}

	if target.RedirectURI == "" {
		switch len(client.RedirectURIs) {
		case 0:
			return grants.BoundClient{}, fmt.Errorf("%w: %s", grants.ErrNoRedirect, client.ClientID)
		case 1:
			return grants.BoundClient{ClientID: client.ClientID, RedirectURI: client.RedirectURIs[0]}, nil
		default:
			return grants.BoundClient{}, fmt.Errorf("%w: %s", grants.ErrAmbiguousRedirect, client.ClientID)
		}
	}

	if len(client.RedirectURIs) == 0 {
		return grants.BoundClient{}, fmt.Errorf("%w: %s", grants.ErrNoRedirect, client.ClientID)
	}

	requested, err := ParseRedirectURI(target.RedirectURI)
	if err != nil {
		return grants.BoundClient{}, fmt.Errorf("%w: %v", grants.ErrMismatchedRedirect, err)
	}

	for _, raw := range client.RedirectURIs {
		registered, err := url.Parse(raw)
		if err != nil {
			// Registration validated it; a failure here means a corrupted entry.
			m.logger.Error("Registered redirect URI no longer parses",
				"client_id", client.ClientID, "error", err)
			continue
		}
		if m.policy.Matches(registered, requested) {
			return grants.BoundClient{ClientID: client.ClientID, RedirectURI: target.RedirectURI}, nil
		}
	}

	m.logger.Debug("Redirect URI mismatch", "client_id", client.ClientID)
	return grants.BoundClient{}, fmt.Errorf("%w: %s", grants.ErrMismatchedRedirect, client.ClientID)
}

// Negotiate implements grants.Registrar.
//
// The requested scope is narrowed to the client's allowed scope. Only a
// request with no permitted token at all fails with ErrScopeMismatch.
func (m *ClientMap) Negotiate(bound grants.BoundClient, scope *grants.Scope) (grants.PreGrant, error) {
	m.mu.RLock()
	client, ok := m.clients[bound.ClientID]
	m.mu.RUnlock()

	if !ok {
		return grants.PreGrant{}, fmt.Errorf("%w: %s", grants.ErrClientNotFound, bound.ClientID)
	}

	negotiated := client.DefaultScope
	if scope != nil {
		negotiated = scope.Intersect(client.DefaultScope)
		if negotiated.IsEmpty() && !scope.IsEmpty() {
			return grants.PreGrant{}, fmt.Errorf("%w: %q", grants.ErrScopeMismatch, scope.String())
		}
	}

	return grants.PreGrant{
		ClientID:    client.ClientID,
		RedirectURI: bound.RedirectURI,
		Scope:       negotiated,
	}, nil
}

// Check implements grants.Registrar
func (m *ClientMap) Check(clientID string, passphrase []byte) error {
	m.mu.RLock()
	client, ok := m.clients[clientID]
	hasher := m.hasher
	m.mu.RUnlock()

	// Always pay for one comparison so timing does not reveal whether the
	// client exists or is public.
	hash := dummyHash
	if ok && !client.IsPublic() {
		hash = client.PassphraseHash()
	}
	verifyErr := hasher.Verify(passphrase, hash)

	switch {
	case !ok:
		return fmt.Errorf("%w: %s", grants.ErrClientNotFound, clientID)
	case client.IsPublic():
		if passphrase != nil {
			return fmt.Errorf("%w: public client presented a passphrase", grants.ErrUnauthorized)
		}
		return nil
	case passphrase == nil:
		return fmt.Errorf("%w: passphrase required", grants.ErrUnauthorized)
	case verifyErr != nil:
		return grants.ErrUnauthorized
	default:
		return nil
	}
}

// Register implements grants.Registrar. An existing registration with the
// same id is replaced.
func (m *ClientMap) Register(client grants.Client) error {
	if client.ClientID == "" {
		return fmt.Errorf("%w: client id is empty", grants.ErrInvalidClient)
	}
	uris := make([]string, 0, len(client.RedirectURIs))
	for _, raw := range client.RedirectURIs {
		if _, err := ParseRedirectURI(raw); err != nil {
			return err
		}
		if !slices.Contains(uris, raw) {
			uris = append(uris, raw)
		}
	}
	client.RedirectURIs = uris

	m.mu.Lock()
	defer m.mu.Unlock()

	var hash []byte
	if client.Passphrase != nil {
		var err error
		hash, err = m.hasher.Hash(client.Passphrase)
		if err != nil {
			return fmt.Errorf("%w: %v", grants.ErrInvalidClient, err)
		}
	}

	_, existed := m.clients[client.ClientID]
	m.clients[client.ClientID] = grants.NewEncodedClient(client, hash, m.now())
	if !existed {
		m.clientsCount.Add(1)
	}

	m.logger.Debug("Registered client",
		"client_id", client.ClientID,
		"client_type", client.Type(),
		"replaced", existed)
	return nil
}

// Query implements grants.Registrar
func (m *ClientMap) Query(clientID string) (grants.EncodedClient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, ok := m.clients[clientID]
	if !ok {
		return grants.EncodedClient{}, false
	}
	return client.Redacted(), true
}

// QueryByExtensions implements grants.Registrar. Results are ordered by
// client id; an empty query matches every client.
func (m *ClientMap) QueryByExtensions(query map[string]string) []grants.EncodedClient {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []grants.EncodedClient
	for _, client := range m.clients {
		if matchesExtensions(client.Extensions, query) {
			out = append(out, client.Redacted())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func matchesExtensions(extensions, query map[string]string) bool {
	for k, v := range query {
		if got, ok := extensions[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// AddURI implements grants.Registrar. Adding a URI that is already
// registered is a no-op.
func (m *ClientMap) AddURI(clientID, uri string) error {
	if _, err := ParseRedirectURI(uri); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", grants.ErrClientNotFound, clientID)
	}
	if slices.Contains(client.RedirectURIs, uri) {
		return nil
	}

	client.RedirectURIs = append(slices.Clone(client.RedirectURIs), uri)
	m.clients[clientID] = client

	m.logger.Debug("Added redirect URI", "client_id", clientID)
	return nil
}

// DelURI implements grants.Registrar
func (m *ClientMap) DelURI(clientID, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", grants.ErrClientNotFound, clientID)
	}

	idx := slices.Index(client.RedirectURIs, uri)
	if idx < 0 {
		return fmt.Errorf("%w: %s", grants.ErrMismatchedRedirect, clientID)
	}
	if len(client.RedirectURIs) == 1 {
		return fmt.Errorf("%w: %s", grants.ErrLastRedirect, clientID)
	}

	client.RedirectURIs = slices.Delete(slices.Clone(client.RedirectURIs), idx, idx+1)
	m.clients[clientID] = client

	m.logger.Debug("Removed redirect URI", "client_id", clientID)
	return nil
}

// DelClient implements grants.Registrar
func (m *ClientMap) DelClient(clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[clientID]; !ok {
		return fmt.Errorf("%w: %s", grants.ErrClientNotFound, clientID)
	}
	delete(m.clients, clientID)
	m.clientsCount.Add(-1)

	m.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

// Len returns the number of registered clients
func (m *ClientMap) Len() int {
	return int(m.clientsCount.Load())
}
