// Package authorizer provides an in-memory implementation of
// grants.Authorizer: single-use authorization codes with a bounded lifetime.
package authorizer

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
	// DefaultCodeTTL is the lifetime of an authorization code (RFC 6749 §4.1.2
	// recommends at most 10 minutes)
	DefaultCodeTTL = 10 * time.Minute

	// DefaultCleanupInterval is how often expired codes are purged
	DefaultCleanupInterval = time.Minute

	// maxTagAttempts bounds the retries when a generated code collides with
	// an outstanding one
	maxTagAttempts = 5
)

type entry struct {
	grant     grants.Grant
	expiresAt time.Time
}

// AuthMap is an in-memory authorizer. Extraction is atomic: of any number
// of concurrent Extract calls for one code, exactly one receives the grant.
type AuthMap struct {
	mu    sync.Mutex
	codes map[string]entry

	generator generator.TagGenerator
	codeTTL   time.Duration
	now       security.Clock
	usage     atomic.Uint64

	// codesCount mirrors len(codes) for lock-free metric collection
	codesCount   atomic.Int64
	registration metric.Registration

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface check
var _ grants.Authorizer = (*AuthMap)(nil)

// New creates an authorizer minting 256-bit random codes with the default
// lifetime and cleanup interval.
func New() *AuthMap {
	return NewWithGenerator(generator.NewRandomGenerator(0), DefaultCleanupInterval)
}

// NewWithGenerator creates an authorizer using gen to mint codes.
// If cleanupInterval is 0 or negative, DefaultCleanupInterval is used.
func NewWithGenerator(gen generator.TagGenerator, cleanupInterval time.Duration) *AuthMap {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	m := &AuthMap{
		codes:           make(map[string]entry),
		generator:       gen,
		codeTTL:         DefaultCodeTTL,
		now:             security.SystemClock,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go m.cleanupLoop()

	return m
}

// SetLogger sets a custom logger
func (m *AuthMap) SetLogger(logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

// SetCodeTTL sets the lifetime of codes minted from now on.
// Non-positive values restore DefaultCodeTTL.
func (m *AuthMap) SetCodeTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codeTTL = ttl
}

// SetClock sets the time source for expiry decisions
func (m *AuthMap) SetClock(clock security.Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = clock
}

// SetInstrumentation registers the outstanding code gauge
func (m *AuthMap) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	reg, err := inst.RegisterStoreSizeCallbacks(instrumentation.StoreSizes{
		Codes: m.codesCount.Load,
	})
	if err != nil {
		m.logger.Warn("Failed to register authorizer size callback", "error", err)
		return
	}
	m.mu.Lock()
	m.registration = reg
	m.mu.Unlock()
}

// Stop ends the cleanup goroutine and unregisters metric callbacks.
// It is safe to call more than once.
func (m *AuthMap) Stop() {
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

// Authorize implements grants.Authorizer
func (m *AuthMap) Authorize(grant grants.Grant) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expiresAt := security.EarliestDeadline(grant.Until, now.Add(m.codeTTL))
	if !expiresAt.After(now) {
		m.logger.Warn("Refusing to authorize an already expired grant",
			"client_id", grant.ClientID)
		return "", grants.ErrPrimitive
	}

	for attempt := 0; attempt < maxTagAttempts; attempt++ {
		code, err := m.generator.Tag(m.usage.Add(1), generator.ForDeadline(grant, expiresAt))
		if err != nil {
			m.logger.Error("Failed to generate authorization code", "error", err)
			return "", grants.ErrPrimitive
		}
		if _, taken := m.codes[code]; taken {
			m.logger.Warn("Authorization code collision, retrying",
				"code_prefix", util.TokenPrefix(code),
				"attempt", attempt+1)
			continue
		}

		m.codes[code] = entry{grant: grant.Clone(), expiresAt: expiresAt}
		m.codesCount.Add(1)

		m.logger.Debug("Issued authorization code",
			"code_prefix", util.TokenPrefix(code),
			"client_id", grant.ClientID,
			"expires_at", expiresAt)
		return code, nil
	}

	m.logger.Error("Could not mint a unique authorization code",
		"attempts", maxTagAttempts)
	return "", grants.ErrPrimitive
}

// Extract implements grants.Authorizer
func (m *AuthMap) Extract(code string) (*grants.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.codes[code]
	if !ok {
		m.logger.Debug("Authorization code not found",
			"code_prefix", util.TokenPrefix(code))
		return nil, nil
	}
	delete(m.codes, code)
	m.codesCount.Add(-1)

	if security.IsExpired(e.expiresAt, m.now()) {
		m.logger.Debug("Authorization code expired",
			"code_prefix", util.TokenPrefix(code),
			"client_id", e.grant.ClientID)
		return nil, nil
	}

	grant := e.grant.Clone()
	return &grant, nil
}

// Len returns the number of outstanding codes, expired ones included until
// the next cleanup.
func (m *AuthMap) Len() int {
	return int(m.codesCount.Load())
}

func (m *AuthMap) cleanupLoop() {
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

func (m *AuthMap) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cleaned := 0
	for code, e := range m.codes {
		if security.IsExpired(e.expiresAt, now) {
			delete(m.codes, code)
			cleaned++
		}
	}
	m.codesCount.Add(-int64(cleaned))

	if cleaned > 0 {
		m.logger.Debug("Cleaned up expired authorization codes", "count", cleaned)
	}
}
