package valkey

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	grants "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/generator"
	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/issuer"
	"github.com/giantswarm/oauth-grants/security"
)

// Issuer is a Valkey-backed grants.Issuer and grants.Revoker.
//
// Refresh reads the presented refresh record, validates it, then runs one
// script that succeeds only if the record is unchanged. Concurrent
// refreshes of the same token therefore succeed at most once.
type Issuer struct {
	store *Store

	mu            sync.RWMutex
	accessGen     generator.TagGenerator
	refreshGen    generator.TagGenerator
	accessTTL     time.Duration
	refreshTTL    time.Duration
	policy        issuer.RefreshPolicy
	rotateRefresh bool
	usage         atomic.Uint64
}

// Compile-time interface checks
var (
	_ grants.Issuer  = (*Issuer)(nil)
	_ grants.Revoker = (*Issuer)(nil)
)

func newIssuer(s *Store) *Issuer {
	gen := generator.NewRandomGenerator(0)
	return &Issuer{
		store:         s,
		accessGen:     gen,
		refreshGen:    gen,
		accessTTL:     issuer.DefaultAccessTTL,
		refreshTTL:    issuer.DefaultRefreshTTL,
		policy:        issuer.RefreshAlways,
		rotateRefresh: true,
	}
}

// SetGenerators sets the access and refresh token generators
func (i *Issuer) SetGenerators(access, refresh generator.TagGenerator) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.accessGen = access
	i.refreshGen = refresh
}

// SetAccessTTL sets the access token lifetime. Non-positive values restore
// the default.
func (i *Issuer) SetAccessTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = issuer.DefaultAccessTTL
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.accessTTL = ttl
}

// SetRefreshTTL sets the refresh token lifetime. Zero means no expiry.
func (i *Issuer) SetRefreshTTL(ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.refreshTTL = ttl
}

// SetRefreshPolicy sets when refresh tokens are minted
func (i *Issuer) SetRefreshPolicy(policy issuer.RefreshPolicy) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.policy = policy
}

// SetRotateRefresh enables or disables refresh token rotation
func (i *Issuer) SetRotateRefresh(rotate bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rotateRefresh = rotate
}

// issuerSettings is a consistent snapshot of the issuer configuration
type issuerSettings struct {
	accessGen, refreshGen generator.TagGenerator
	accessTTL, refreshTTL time.Duration
	policy                issuer.RefreshPolicy
	rotate                bool
}

func (i *Issuer) settings() issuerSettings {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return issuerSettings{
		accessGen:  i.accessGen,
		refreshGen: i.refreshGen,
		accessTTL:  i.accessTTL,
		refreshTTL: i.refreshTTL,
		policy:     i.policy,
		rotate:     i.rotateRefresh,
	}
}

func (cfg issuerSettings) refreshExpiry(now time.Time) time.Time {
	if cfg.refreshTTL == 0 {
		return time.Time{}
	}
	return now.Add(cfg.refreshTTL)
}

// Issue implements grants.Issuer
func (i *Issuer) Issue(grant grants.Grant) (grants.IssuedToken, error) {
	s := i.store
	cfg := i.settings()

	now := s.now()
	accessExpiry := security.EarliestDeadline(grant.Until, now.Add(cfg.accessTTL))
	if !accessExpiry.After(now) {
		s.log().Warn("Refusing to issue tokens for an expired grant",
			"client_id", grant.ClientID)
		return grants.IssuedToken{}, grants.ErrPrimitive
	}
	refreshable := cfg.policy.Refreshable(grant)

	ctx, cancel := s.opContext()
	defer cancel()

	for attempt := 0; attempt < maxTagAttempts; attempt++ {
		token, err := cfg.accessGen.Tag(i.usage.Add(1), generator.ForDeadline(grant, accessExpiry))
		if err != nil {
			s.log().Error("Failed to generate access token", "error", err)
			return grants.IssuedToken{}, grants.ErrPrimitive
		}
		accessKey := s.accessKey(token)
		accessValue, err := s.encode(record{Grant: grant, ExpiresAt: accessExpiry}, accessKey)
		if err != nil {
			s.log().Error("Failed to encode access token", "error", err)
			return grants.IssuedToken{}, grants.ErrPrimitive
		}

		keys := []string{accessKey}
		args := []string{accessValue, strconv.FormatInt(s.ttlMillis(accessExpiry), 10)}

		var refresh string
		if refreshable {
			refreshExpiry := cfg.refreshExpiry(now)
			refresh, err = cfg.refreshGen.Tag(i.usage.Add(1), generator.ForDeadline(grant, refreshExpiry))
			if err != nil {
				s.log().Error("Failed to generate refresh token", "error", err)
				return grants.IssuedToken{}, grants.ErrPrimitive
			}
			refreshKey := s.refreshKey(refresh)
			refreshValue, err := s.encode(record{Grant: grant, ExpiresAt: refreshExpiry}, refreshKey)
			if err != nil {
				s.log().Error("Failed to encode refresh token", "error", err)
				return grants.IssuedToken{}, grants.ErrPrimitive
			}
			refreshTTL := strconv.FormatInt(s.ttlMillis(refreshExpiry), 10)
			keys = append(keys, refreshKey, s.pairedAccessKey(refresh))
			args = append(args, refreshValue, refreshTTL, accessKey, refreshTTL)
		}

		result, err := s.client.Do(ctx,
			s.client.B().Eval().Script(luaSetAllIfAbsent).
				Numkeys(int64(len(keys))).
				Key(keys...).
				Arg(args...).
				Build(),
		).ToString()
		if err != nil {
			s.log().Error("Failed to store tokens", "error", err)
			return grants.IssuedToken{}, grants.ErrPrimitive
		}
		if result == resultCollision {
			s.log().Warn("Token collision, retrying", "attempt", attempt+1)
			continue
		}

		s.log().Debug("Issued token",
			"token_prefix", util.TokenPrefix(token),
			"client_id", grant.ClientID,
			"refreshable", refreshable)

		return grants.IssuedToken{
			Token:     token,
			Refresh:   refresh,
			Until:     accessExpiry,
			TokenType: grants.TokenTypeBearer,
		}, nil
	}

	s.log().Error("Could not mint unique tokens", "attempts", maxTagAttempts)
	return grants.IssuedToken{}, grants.ErrPrimitive
}

// Refresh implements grants.Issuer
func (i *Issuer) Refresh(refresh string, grant grants.Grant) (grants.RefreshedToken, error) {
	s := i.store
	cfg := i.settings()
	if refresh == "" || len(refresh) > MaxTokenLength {
		return grants.RefreshedToken{}, grants.ErrPrimitive
	}

	ctx, cancel := s.opContext()
	defer cancel()

	presentedKey := s.refreshKey(refresh)
	current, stored, found, err := i.load(ctx, presentedKey)
	if err != nil {
		return grants.RefreshedToken{}, grants.ErrPrimitive
	}

	now := s.now()
	switch {
	case !found:
		s.log().Debug("Refresh token not found",
			"token_prefix", util.TokenPrefix(refresh))
		return grants.RefreshedToken{}, grants.ErrPrimitive
	case security.IsExpired(stored.ExpiresAt, now):
		s.log().Debug("Refresh token expired",
			"token_prefix", util.TokenPrefix(refresh),
			"client_id", stored.Grant.ClientID)
		return grants.RefreshedToken{}, grants.ErrPrimitive
	case stored.Grant.ClientID != grant.ClientID:
		s.log().Warn("Refresh token presented for a different client",
			"token_prefix", util.TokenPrefix(refresh),
			"stored_client_id", stored.Grant.ClientID,
			"client_id", grant.ClientID)
		return grants.RefreshedToken{}, grants.ErrPrimitive
	case !issuer.RefreshMatches(stored.Grant, grant):
		s.log().Warn("Refresh grant does not match the stored grant",
			"token_prefix", util.TokenPrefix(refresh),
			"client_id", grant.ClientID)
		return grants.RefreshedToken{}, grants.ErrPrimitive
	}

	accessExpiry := security.EarliestDeadline(grant.Until, now.Add(cfg.accessTTL))
	if !accessExpiry.After(now) {
		return grants.RefreshedToken{}, grants.ErrPrimitive
	}

	for attempt := 0; attempt < maxTagAttempts; attempt++ {
		token, err := cfg.accessGen.Tag(i.usage.Add(1), generator.ForDeadline(grant, accessExpiry))
		if err != nil {
			s.log().Error("Failed to generate access token", "error", err)
			return grants.RefreshedToken{}, grants.ErrPrimitive
		}
		accessKey := s.accessKey(token)
		accessValue, err := s.encode(record{Grant: grant, ExpiresAt: accessExpiry}, accessKey)
		if err != nil {
			s.log().Error("Failed to encode access token", "error", err)
			return grants.RefreshedToken{}, grants.ErrPrimitive
		}

		// Without rotation the presented token is re-bound and keeps its TTL
		rotated := ""
		newRefreshKey := presentedKey
		newPairedKey := s.pairedAccessKey(refresh)
		newRefresh := record{Grant: grant, ExpiresAt: stored.ExpiresAt}
		rotate := "0"
		if cfg.rotate {
			newRefresh.ExpiresAt = cfg.refreshExpiry(now)
			rotated, err = cfg.refreshGen.Tag(i.usage.Add(1), generator.ForDeadline(grant, newRefresh.ExpiresAt))
			if err != nil {
				s.log().Error("Failed to generate refresh token", "error", err)
				return grants.RefreshedToken{}, grants.ErrPrimitive
			}
			newRefreshKey = s.refreshKey(rotated)
			newPairedKey = s.pairedAccessKey(rotated)
			rotate = "1"
		}
		refreshValue, err := s.encode(newRefresh, newRefreshKey)
		if err != nil {
			s.log().Error("Failed to encode refresh token", "error", err)
			return grants.RefreshedToken{}, grants.ErrPrimitive
		}

		result, err := s.client.Do(ctx,
			s.client.B().Eval().Script(luaRefresh).
				Numkeys(5).
				Key(presentedKey, accessKey, newRefreshKey, s.pairedAccessKey(refresh), newPairedKey).
				Arg(
					current,
					accessValue,
					strconv.FormatInt(s.ttlMillis(accessExpiry), 10),
					refreshValue,
					strconv.FormatInt(s.ttlMillis(newRefresh.ExpiresAt), 10),
					rotate,
				).
				Build(),
		).ToString()
		if err != nil {
			s.log().Error("Failed to refresh token", "error", err)
			return grants.RefreshedToken{}, grants.ErrPrimitive
		}

		switch result {
		case resultCollision:
			s.log().Warn("Token collision, retrying", "attempt", attempt+1)
			continue
		case resultConflict:
			s.log().Debug("Refresh token consumed concurrently",
				"token_prefix", util.TokenPrefix(refresh))
			return grants.RefreshedToken{}, grants.ErrPrimitive
		}

		s.log().Debug("Refreshed token",
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

	s.log().Error("Could not mint unique tokens", "attempts", maxTagAttempts)
	return grants.RefreshedToken{}, grants.ErrPrimitive
}

// RecoverToken implements grants.Issuer
func (i *Issuer) RecoverToken(token string) (*grants.Grant, error) {
	return i.recover(i.store.accessKey(token), token)
}

// RecoverRefresh implements grants.Issuer
func (i *Issuer) RecoverRefresh(refresh string) (*grants.Grant, error) {
	return i.recover(i.store.refreshKey(refresh), refresh)
}

func (i *Issuer) recover(key, token string) (*grants.Grant, error) {
	if token == "" || len(token) > MaxTokenLength {
		return nil, nil
	}
	ctx, cancel := i.store.opContext()
	defer cancel()

	_, rec, found, err := i.load(ctx, key)
	if err != nil {
		return nil, grants.ErrPrimitive
	}
	if !found || security.IsExpired(rec.ExpiresAt, i.store.now()) {
		return nil, nil
	}
	return &rec.Grant, nil
}

// load reads and decodes the record under key. It returns the raw value
// for compare-and-swap scripts.
func (i *Issuer) load(ctx context.Context, key string) (string, record, bool, error) {
	s := i.store
	value, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return "", record{}, false, nil
		}
		s.log().Error("Failed to read token", "error", err)
		return "", record{}, false, err
	}
	rec, err := s.decode(value, key)
	if err != nil {
		s.log().Error("Failed to decode token", "error", err)
		return "", record{}, false, err
	}
	return value, rec, true, nil
}

// Revoke implements grants.Revoker. Revoking a refresh token also removes
// the access token last minted with it, in the same script.
func (i *Issuer) Revoke(token string) error {
	s := i.store
	if token == "" || len(token) > MaxTokenLength {
		return nil
	}
	ctx, cancel := s.opContext()
	defer cancel()

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevoke).
			Numkeys(3).
			Key(s.accessKey(token), s.refreshKey(token), s.pairedAccessKey(token)).
			Build(),
	).ToString()
	if err != nil {
		s.log().Error("Failed to revoke token", "error", err)
		return grants.ErrPrimitive
	}

	switch result {
	case resultAccess:
		s.log().Debug("Revoked access token", "token_prefix", util.TokenPrefix(token))
	case resultRefresh:
		s.log().Debug("Revoked refresh token", "token_prefix", util.TokenPrefix(token))
	}
	return nil
}
