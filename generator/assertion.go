package generator

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	grants "github.com/giantswarm/oauth-grants"
)

// MinAssertionKeyBytes is the minimum HMAC key size for HS256 (RFC 7518 §3.2)
const MinAssertionKeyBytes = 32

// ErrAssertionKeyTooShort is returned for HMAC keys below MinAssertionKeyBytes
var ErrAssertionKeyTooShort = errors.New("assertion key must be at least 32 bytes")

// Claims is the payload of a token minted by Assertion
type Claims struct {
	jwt.RegisteredClaims

	ClientID    string `json:"client_id"`
	Scope       string `json:"scope,omitempty"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// Assertion mints self-describing HS256 JWTs. A resource server holding the
// key can read the grant identity from a token without a store lookup;
// the store stays authoritative for revocation and expiry.
type Assertion struct {
	key    []byte
	issuer string
}

// NewAssertion creates a JWT tag generator. issuer is put in the iss claim
// and required on verification when not empty.
func NewAssertion(key []byte, issuer string) (*Assertion, error) {
	if len(key) < MinAssertionKeyBytes {
		return nil, ErrAssertionKeyTooShort
	}
	return &Assertion{key: append([]byte(nil), key...), issuer: issuer}, nil
}

// Tag implements TagGenerator. Every tag carries a random jti, so two tags
// for the same grant and usage still differ. The exp claim is grant.Until,
// which stores set to the access token deadline.
func (a *Assertion) Tag(usage uint64, grant grants.Grant) (string, error) {
	jti, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate jti: %w", err)
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   a.issuer,
			Subject:  grant.OwnerID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
			ID:       jti.String() + "." + strconv.FormatUint(usage, 36),
		},
		ClientID:    grant.ClientID,
		Scope:       grant.Scope.String(),
		RedirectURI: grant.RedirectURI,
	}
	if !grant.Until.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(grant.Until)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return signed, nil
}

// Verify checks signature, algorithm, issuer and expiry of a token minted
// by this generator and returns its claims.
func (a *Assertion) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid assertion: %w", err)
	}
	return claims, nil
}
