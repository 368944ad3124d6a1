// Package security provides the security plumbing shared by the grant
// stores: audit logging with PII hashing, encryption of grants at rest,
// expiry checks with clock-skew tolerance and per-client rate limiting.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (typically a client id)
// and evicts the least recently used buckets once MaxEntries is reached, so
// an attacker cycling through identifiers cannot grow memory without bound.
//
//	limiter := security.NewRateLimiter(security.RateLimiterConfig{Rate: 5, Burst: 10})
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientID) {
//	    return grants.ErrUnauthorized
//	}
//
// # Encryption at rest
//
// Encryptor seals grant payloads with AES-256-GCM. The storage key is used
// as additional authenticated data, so a ciphertext copied under another
// key fails to open.
package security
