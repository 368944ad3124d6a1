// Package generator mints the credentials handed out by authorizers and
// issuers: authorization codes, access tokens and refresh tokens.
//
// Stores treat generated tags as opaque; they only rely on tags being
// unguessable and, with overwhelming probability, unique.
package generator

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	grants "github.com/giantswarm/oauth-grants"
)

const (
	// MinRandomBytes is the minimum entropy of a random tag (128 bits)
	MinRandomBytes = 16

	// DefaultRandomBytes is the entropy of tags from NewRandomGenerator(0)
	DefaultRandomBytes = 32
)

// TagGenerator mints a credential for a grant. usage is a per-store counter
// that generators may embed to separate tags minted for the same grant.
// Stores pass the grant through ForDeadline, so grant.Until is the deadline
// of the credential being minted.
type TagGenerator interface {
	Tag(usage uint64, grant grants.Grant) (string, error)
}

// ForDeadline returns grant with Until replaced by the deadline the store
// enforces for the credential. A zero deadline means none.
func ForDeadline(grant grants.Grant, deadline time.Time) grants.Grant {
	grant.Until = deadline
	return grant
}

// RandomGenerator produces base64url encoded random tags, independent of
// the grant.
type RandomGenerator struct {
	size int
}

// NewRandomGenerator returns a generator of size-byte tags. Sizes below
// MinRandomBytes are raised to it; zero selects DefaultRandomBytes.
func NewRandomGenerator(size int) *RandomGenerator {
	switch {
	case size == 0:
		size = DefaultRandomBytes
	case size < MinRandomBytes:
		size = MinRandomBytes
	}
	return &RandomGenerator{size: size}
}

// Size returns the number of random bytes per tag
func (g *RandomGenerator) Size() int {
	return g.size
}

// Tag implements TagGenerator
func (g *RandomGenerator) Tag(_ uint64, _ grants.Grant) (string, error) {
	b := make([]byte, g.size)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
