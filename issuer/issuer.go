// Package issuer provides an in-memory implementation of grants.Issuer and
// grants.Revoker.
//
// Access and refresh tokens live in separate spaces. A refresh token
// remembers the last access token minted with it so revoking the refresh
// token also revokes that access token. Rotation replaces the presented
// refresh token within the same critical section that activates the new
// one, so a refresh token can be redeemed at most once.
package issuer

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	grants "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/generator"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/security"
)

const (
	// DefaultAccessTTL is the lifetime of access tokens
	DefaultAccessTTL = time.Hour

	// DefaultRefreshTTL is the lifetime of refresh tokens (30 days)
	DefaultRefreshTTL = 30 * 24 * time.Hour

	// DefaultCleanupInterval is how often expired tokens are purged
	DefaultCleanupInterval = time.Minute

	maxTagAttempts = 5
)

type accessEntry struct {
	grant     grants.Grant
	expiresAt time.Time
}

type refreshEntry struct {
	grant     grants.Grant
	expiresAt time.Time

	// access is the last access token minted with this refresh token
	access string
}

// TokenMap is an in-memory token issuer.
type TokenMap struct {
	mu      sync.Mutex
	access  map[string]accessEntry
	refresh map[string]refreshEntry

	accessGen  generator.TagGenerator
	refreshGen generator.TagGenerator
	usage      atomic.Uint64

	accessTTL     time.Duration
	refreshTTL    time.Duration
	policy        RefreshPolicy
	rotateRefresh bool
	now           security.Clock

	// Atomic counters for metrics (lock-free access during metric collection)
	accessCount  atomic.Int64
	refreshCount atomic.Int64
	registration metric.Registration

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ grants.Issuer  = (*TokenMap)(nil)
	_ grants.Revoker = (*TokenMap)(nil)
)

// New creates an issuer minting random access and refresh tokens, with
// refresh tokens always issued and rotated on use.
func New() *TokenMap {
	gen := generator.NewRandomGenerator(0)
	return NewWithGenerators(gen, gen, DefaultCleanupInterval)
}

// NewWithGenerators creates an issuer with separate generators for access
// and refresh tokens. If cleanupInterval is 0 or negative,
// DefaultCleanupInterval is used.
func NewWithGenerators(accessGen, refreshGen generator.TagGenerator, cleanupInterval time.Duration) *TokenMap {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	m := &TokenMap{
		access:          make(map[string]accessEntry),
		refresh:         make(map[string]refreshEntry),
		accessGen:       accessGen,
		refreshGen:      refreshGen,
		accessTTL:       DefaultAccessTTL,
		refreshTTL:      DefaultRefreshTTL,
		policy:          RefreshAlways,
		rotateRefresh:   true,
		now:             security.SystemClock,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go m.cleanupLoop()

	return m
}

// SetLogger sets a custom logger
func (m *TokenMap) SetLogger(logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

// SetAccessTTL sets the access token lifetime. Non-positive values restore
// DefaultAccessTTL.
func (m *TokenMap) SetAccessTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultAccessTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessTTL = ttl
}

// SetRefreshTTL sets the refresh token lifetime. Zero means refresh tokens
// never expire.
func (m *TokenMap) SetRefreshTTL(ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshTTL = ttl
}

// SetRefreshPolicy sets when refresh tokens are minted
func (m *TokenMap) SetRefreshPolicy(policy RefreshPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = policy
}

// SetRotateRefresh enables or disables refresh token rotation (OAuth 2.1
// §4.3.1). With rotation disabled a refresh token stays valid across uses.
func (m *TokenMap) SetRotateRefresh(rotate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateRefresh = rotate
}

// SetClock sets the time source for expiry decisions
func (m *TokenMap) SetClock(clock security.Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = clock
}

// SetInstrumentation registers token count gauges
func (m *TokenMap) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	reg, err := inst.RegisterStoreSizeCallbacks(instrumentation.StoreSizes{
		AccessTokens:  m.accessCount.Load,
		RefreshTokens: m.refreshCount.Load,
	})
	if err != nil {
		m.logger.Warn("Failed to register issuer size callbacks", "error", err)
		return
	}
	m.mu.Lock()
	m.registration = reg
	m.mu.Unlock()
}

// Stop ends the cleanup goroutine and unregisters metric callbacks.
// It is safe to call more than once.
func (m *TokenMap) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCleanup)
		m.mu.Lock()
		reg := m.registration
		m.registration = nil
		m.mu.Unlock()
		if reg != nil {
			_ = reg.Unregister()
		}
	})
}

// Issue implements grants.Issuer
func (m *TokenMap) Issue(grant grants.Grant) (grants.IssuedToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	accessExpiry := security.EarliestDeadline(grant.Until, now.Add(m.accessTTL))
	if !accessExpiry.After(now) {
		m.logger.Warn("Refusing to issue tokens for an expired grant",
			"client_id", grant.ClientID)
		return grants.IssuedToken{}, grants.ErrPrimitive
	}

	token, err := m.mintLocked(m.accessGen, generator.ForDeadline(grant, accessExpiry))
	if err != nil {
		return grants.IssuedToken{}, grants.ErrPrimitive
	}

	var refresh string
	if m.policy.Refreshable(grant) {
		refreshExpiry := m.refreshExpiry(now)
		refresh, err = m.mintLocked(m.refreshGen, generator.ForDeadline(grant, refreshExpiry))
		if err != nil {
			return grants.IssuedToken{}, grants.ErrPrimitive
		}
		m.putRefreshLocked(refresh, refreshEntry{
			grant:     grant.Clone(),
			expiresAt: refreshExpiry,
			access:    token,
		}, true)
	}
	m.putAccessLocked(token, accessEntry{grant: grant.Clone(), expiresAt: accessExpiry})

	m.logger.Debug("Issued token",
		"token_prefix", util.TokenPrefix(token),
		"client_id", grant.ClientID,
		"refreshable", refresh != "")

	return grants.IssuedToken{
		Token:     token,
		Refresh:   refresh,
		Until:     accessExpiry,
		TokenType: grants.TokenTypeBearer,
	}, nil
}

// Refresh implements grants.Issuer
func (m *TokenMap) Refresh(refresh string, grant grants.Grant) (grants.RefreshedToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stored, ok := m.refresh[refresh]
	if !ok {
		m.logger.Debug("Refresh token not found",
			"token_prefix", util.TokenPrefix(refresh))
		return grants.RefreshedToken{}, grants.ErrPrimitive
	}
	if security.IsExpired(stored.expiresAt, now) {
		m.logger.Debug("Refresh token expired",
			"token_prefix", util.TokenPrefix(refresh),
			"client_id", stored.grant.ClientID)
		return grants.RefreshedToken{}, grants.ErrPrimitive
	}
	if stored.grant.ClientID != grant.ClientID {
		m.logger.Warn("Refresh token presented for a different client",
			"token_prefix", util.TokenPrefix(refresh),
			"stored_client_id", stored.grant.ClientID,
			"client_id", grant.ClientID)
		return grants.RefreshedToken{}, grants.ErrPrimitive
	}
	if !RefreshMatches(stored.grant, grant) {
		m.logger.Warn("Refresh grant does not match the stored grant",
			"token_prefix", util.TokenPrefix(refresh),
			"client_id", grant.ClientID)
		return grants.RefreshedToken{}, grants.ErrPrimitive
	}

	accessExpiry := security.EarliestDeadline(grant.Until, now.Add(m.accessTTL))
	if !accessExpiry.After(now) {
		return grants.RefreshedToken{}, grants.ErrPrimitive
	}

	token, err := m.mintLocked(m.accessGen, generator.ForDeadline(grant, accessExpiry))
	if err != nil {
		return grants.RefreshedToken{}, grants.ErrPrimitive
	}

	// Both tags are minted before any state changes, so a failure leaves the
	// presented refresh token untouched.
	var rotated string
	if m.rotateRefresh {
		refreshExpiry := m.refreshExpiry(now)
		rotated, err = m.mintLocked(m.refreshGen, generator.ForDeadline(grant, refreshExpiry))
		if err != nil {
			return grants.RefreshedToken{}, grants.ErrPrimitive
		}
		delete(m.refresh, refresh)
		m.putRefreshLocked(rotated, refreshEntry{
			grant:     grant.Clone(),
			expiresAt: refreshExpiry,
			access:    token,
		}, false)
	} else {
		stored.grant = grant.Clone()
		stored.access = token
		m.refresh[refresh] = stored
	}
	m.putAccessLocked(token, accessEntry{grant: grant.Clone(), expiresAt: accessExpiry})

	m.logger.Debug("Refreshed token",
		"token_prefix", util.TokenPrefix(token),
		"client_id", grant.ClientID,
		"rotated", rotated != "")

	return grants.RefreshedToken{
		Token:     token,
		Refresh:   rotated,
		Until:     accessExpiry,
		TokenType: grants.TokenTypeBearer,
	}, nil
}

// RecoverToken implements grants.Issuer
func (m *TokenMap) RecoverToken(token string) (*grants.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.access[token]
	if !ok || security.IsExpired(e.expiresAt, m.now()) {
		return nil, nil
	}
	grant := e.grant.Clone()
	return &grant, nil
}

// RecoverRefresh implements grants.Issuer
func (m *TokenMap) RecoverRefresh(refresh string) (*grants.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.refresh[refresh]
	if !ok || security.IsExpired(e.expiresAt, m.now()) {
		return nil, nil
	}
	grant := e.grant.Clone()
	return &grant, nil
}

// Revoke implements grants.Revoker. A refresh token takes the access token
// last minted with it along.
func (m *TokenMap) Revoke(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.access[token]; ok {
		delete(m.access, token)
		m.accessCount.Add(-1)
		m.logger.Debug("Revoked access token", "token_prefix", util.TokenPrefix(token))
		return nil
	}

	if e, ok := m.refresh[token]; ok {
		delete(m.refresh, token)
		m.refreshCount.Add(-1)
		if _, ok := m.access[e.access]; ok {
			delete(m.access, e.access)
			m.accessCount.Add(-1)
		}
		m.logger.Debug("Revoked refresh token",
			"token_prefix", util.TokenPrefix(token),
			"client_id", e.grant.ClientID)
	}
	return nil
}

// AccessLen returns the number of stored access tokens
func (m *TokenMap) AccessLen() int {
	return int(m.accessCount.Load())
}

// RefreshLen returns the number of stored refresh tokens
func (m *TokenMap) RefreshLen() int {
	return int(m.refreshCount.Load())
}

func (m *TokenMap) taken(tag string) bool {
	if _, ok := m.access[tag]; ok {
		return true
	}
	_, ok := m.refresh[tag]
	return ok
}

// mintLocked generates a tag unused in both token spaces, so Revoke is
// unambiguous. Callers must hold m.mu.
func (m *TokenMap) mintLocked(gen generator.TagGenerator, grant grants.Grant) (string, error) {
	for attempt := 0; attempt < maxTagAttempts; attempt++ {
		tag, err := gen.Tag(m.usage.Add(1), grant)
		if err != nil {
			m.logger.Error("Failed to generate token", "error", err)
			return "", err
		}
		if !m.taken(tag) {
			return tag, nil
		}
		m.logger.Warn("Token collision, retrying",
			"token_prefix", util.TokenPrefix(tag),
			"attempt", attempt+1)
	}
	m.logger.Error("Could not mint a unique token", "attempts", maxTagAttempts)
	return "", grants.ErrPrimitive
}

func (m *TokenMap) putAccessLocked(token string, e accessEntry) {
	m.access[token] = e
	m.accessCount.Add(1)
}

// putRefreshLocked stores a refresh entry. counted is false when the entry
// replaces one that was just deleted, leaving the count unchanged.
func (m *TokenMap) putRefreshLocked(token string, e refreshEntry, counted bool) {
	m.refresh[token] = e
	if counted {
		m.refreshCount.Add(1)
	}
}

func (m *TokenMap) refreshExpiry(now time.Time) time.Time {
	if m.refreshTTL == 0 {
		return time.Time{}
	}
	return now.Add(m.refreshTTL)
}

func (m *TokenMap) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *TokenMap) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var accessCleaned, refreshCleaned int64
	for token, e := range m.access {
		if security.IsExpired(e.expiresAt, now) {
			delete(m.access, token)
			accessCleaned++
		}
	}
	for token, e := range m.refresh {
		if security.IsExpired(e.expiresAt, now) {
			delete(m.refresh, token)
			refreshCleaned++
		}
	}
	m.accessCount.Add(-accessCleaned)
	m.refreshCount.Add(-refreshCleaned)

	if accessCleaned+refreshCleaned > 0 {
		m.logger.Debug("Cleaned up expired tokens",
			"access", accessCleaned,
			"refresh", refreshCleaned)
	}
}
