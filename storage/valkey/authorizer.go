package valkey

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	grants "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/generator"
	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/security"
)

// DefaultCodeTTL is the lifetime of an authorization code
const DefaultCodeTTL = 10 * time.Minute

// Authorizer is a Valkey-backed grants.Authorizer. Codes are stored with a
// TTL and extracted with a single atomic get-and-delete script.
type Authorizer struct {
	store *Store

	mu        sync.RWMutex
	generator generator.TagGenerator
	codeTTL   time.Duration
	usage     atomic.Uint64
}

// Compile-time interface check
var _ grants.Authorizer = (*Authorizer)(nil)

func newAuthorizer(s *Store) *Authorizer {
	return &Authorizer{
		store:     s,
		generator: generator.NewRandomGenerator(0),
		codeTTL:   DefaultCodeTTL,
	}
}

// SetGenerator sets the code generator
func (a *Authorizer) SetGenerator(gen generator.TagGenerator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generator = gen
}

// SetCodeTTL sets the code lifetime. Non-positive values restore DefaultCodeTTL.
func (a *Authorizer) SetCodeTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.codeTTL = ttl
}

// Authorize implements grants.Authorizer
func (a *Authorizer) Authorize(grant grants.Grant) (string, error) {
	a.mu.RLock()
	gen, ttl := a.generator, a.codeTTL
	a.mu.RUnlock()

	s := a.store
	now := s.now()
	expiresAt := security.EarliestDeadline(grant.Until, now.Add(ttl))
	if !expiresAt.After(now) {
		s.log().Warn("Refusing to authorize an already expired grant",
			"client_id", grant.ClientID)
		return "", grants.ErrPrimitive
	}

	ctx, cancel := s.opContext()
	defer cancel()

	for attempt := 0; attempt < maxTagAttempts; attempt++ {
		code, err := gen.Tag(a.usage.Add(1), generator.ForDeadline(grant, expiresAt))
		if err != nil {
			s.log().Error("Failed to generate authorization code", "error", err)
			return "", grants.ErrPrimitive
		}

		key := s.codeKey(code)
		value, err := s.encode(record{Grant: grant, ExpiresAt: expiresAt}, key)
		if err != nil {
			s.log().Error("Failed to encode authorization code", "error", err)
			return "", grants.ErrPrimitive
		}

		result, err := s.client.Do(ctx,
			s.client.B().Eval().Script(luaSetAllIfAbsent).
				Numkeys(1).
				Key(key).
				Arg(value, strconv.FormatInt(s.ttlMillis(expiresAt), 10)).
				Build(),
		).ToString()
		if err != nil {
			s.log().Error("Failed to store authorization code", "error", err)
			return "", grants.ErrPrimitive
		}
		if result == resultCollision {
			s.log().Warn("Authorization code collision, retrying",
				"code_prefix", util.TokenPrefix(code),
				"attempt", attempt+1)
			continue
		}

		s.log().Debug("Issued authorization code",
			"code_prefix", util.TokenPrefix(code),
			"client_id", grant.ClientID)
		return code, nil
	}

	s.log().Error("Could not mint a unique authorization code", "attempts", maxTagAttempts)
	return "", grants.ErrPrimitive
}

// Extract implements grants.Authorizer
func (a *Authorizer) Extract(code string) (*grants.Grant, error) {
	s := a.store
	if code == "" || len(code) > MaxTokenLength {
		return nil, nil
	}

	ctx, cancel := s.opContext()
	defer cancel()

	key := s.codeKey(code)
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaGetAndDelete).
			Numkeys(1).
			Key(key).
			Build(),
	).ToString()
	if err != nil {
		s.log().Error("Failed to extract authorization code", "error", err)
		return nil, grants.ErrPrimitive
	}
	if result == resultNotFound {
		s.log().Debug("Authorization code not found",
			"code_prefix", util.TokenPrefix(code))
		return nil, nil
	}

	rec, err := s.decode(result, key)
	if err != nil {
		s.log().Error("Failed to decode authorization code",
			"code_prefix", util.TokenPrefix(code),
			"error", err)
		return nil, grants.ErrPrimitive
	}
	if security.IsExpired(rec.ExpiresAt, s.now()) {
		s.log().Debug("Authorization code expired",
			"code_prefix", util.TokenPrefix(code),
			"client_id", rec.Grant.ClientID)
		return nil, nil
	}

	return &rec.Grant, nil
}
