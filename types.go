package grants

import (
	"maps"
	"time"

	"golang.org/x/oauth2"
)

// Client types
const (
	// ClientTypePublic marks a client without a passphrase (native apps, SPAs)
	ClientTypePublic = "public"

	// ClientTypeConfidential marks a client authenticating with a passphrase
	ClientTypeConfidential = "confidential"
)

// TokenTypeBearer is the only token type issued by this library (RFC 6750)
const TokenTypeBearer = "Bearer"

// ==================== Grants ====================

// Grant is the authoritative record of an approved authorization.
//
// A Grant is a value: components that store it keep their own copy and hand
// out copies, so changing a returned Grant never affects stored state.
type Grant struct {
	// OwnerID identifies the resource owner who approved the grant
	OwnerID string `json:"owner_id"`

	// ClientID identifies the client the grant was approved for
	ClientID string `json:"client_id"`

	// Scope is the granted scope
	Scope Scope `json:"scope"`

	// RedirectURI is the redirect URI bound during negotiation
	RedirectURI string `json:"redirect_uri"`

	// IssuedAt is when the resource owner approved the grant
	IssuedAt time.Time `json:"issued_at"`

	// Until is when the grant stops being valid. Zero means the issuing
	// component decides the lifetime.
	Until time.Time `json:"until"`

	// Extensions carries public extension data bound to the grant
	Extensions map[string]string `json:"extensions,omitempty"`
}

// Clone returns a deep copy of the grant.
func (g Grant) Clone() Grant {
	g.Extensions = maps.Clone(g.Extensions)
	return g
}

// Expired reports whether the grant is past its validity window at now.
func (g Grant) Expired(now time.Time) bool {
	return !g.Until.IsZero() && now.After(g.Until)
}

// Equal reports whether two grants carry the same authorization.
// Timestamps are compared as instants, so grants that went through a
// serialization round trip still compare equal.
func (g Grant) Equal(other Grant) bool {
	return g.OwnerID == other.OwnerID &&
		g.ClientID == other.ClientID &&
		g.RedirectURI == other.RedirectURI &&
		g.Scope.Equal(other.Scope) &&
		g.IssuedAt.Equal(other.IssuedAt) &&
		g.Until.Equal(other.Until) &&
		maps.Equal(g.Extensions, other.Extensions)
}

// PreGrant is a negotiated grant still awaiting resource owner approval.
type PreGrant struct {
	// ClientID is the requesting client
	ClientID string

	// RedirectURI is the redirect URI chosen by BoundRedirect
	RedirectURI string

	// Scope is the negotiated scope, never wider than the client's allowed scope
	Scope Scope
}

// Approve turns the pre-grant into a Grant owned by ownerID, valid until until.
func (p PreGrant) Approve(ownerID string, now, until time.Time) Grant {
	return Grant{
		OwnerID:     ownerID,
		ClientID:    p.ClientID,
		Scope:       p.Scope,
		RedirectURI: p.RedirectURI,
		IssuedAt:    now,
		Until:       until,
	}
}

// ==================== Clients ====================

// Client is a registrant's declared identity as submitted for registration.
type Client struct {
	// ClientID is the unique client identifier
	ClientID string

	// RedirectURIs are the registered redirect URIs. The first one is the
	// registration-time default.
	RedirectURIs []string

	// DefaultScope is both the scope granted when none is requested and the
	// upper bound of what the client may be granted
	DefaultScope Scope

	// Passphrase is the raw client secret, nil for public clients.
	// Registrars hash it and never retain the raw value.
	Passphrase []byte

	// Extensions carries free-form client metadata usable in queries
	Extensions map[string]string
}

// NewPublicClient creates a client that authenticates without a passphrase.
func NewPublicClient(clientID, redirectURI string, scope Scope) Client {
	return Client{
		ClientID:     clientID,
		RedirectURIs: []string{redirectURI},
		DefaultScope: scope,
	}
}

// NewConfidentialClient creates a client that must present passphrase.
func NewConfidentialClient(clientID, redirectURI string, scope Scope, passphrase []byte) Client {
	return Client{
		ClientID:     clientID,
		RedirectURIs: []string{redirectURI},
		DefaultScope: scope,
		Passphrase:   passphrase,
	}
}

// Type returns ClientTypePublic or ClientTypeConfidential.
func (c Client) Type() string {
	if c.Passphrase == nil {
		return ClientTypePublic
	}
	return ClientTypeConfidential
}

// EncodedClient is a client record as held by a registrar. The passphrase
// only exists in hashed form and is not reachable outside the registrar.
type EncodedClient struct {
	ClientID     string
	RedirectURIs []string
	DefaultScope Scope
	Type         string
	Extensions   map[string]string
	CreatedAt    time.Time

	passphraseHash []byte
}

// NewEncodedClient builds an encoded client from a client and an already
// computed passphrase hash (nil for public clients).
func NewEncodedClient(c Client, passphraseHash []byte, createdAt time.Time) EncodedClient {
	return EncodedClient{
		ClientID:       c.ClientID,
		RedirectURIs:   append([]string(nil), c.RedirectURIs...),
		DefaultScope:   c.DefaultScope,
		Type:           c.Type(),
		Extensions:     maps.Clone(c.Extensions),
		CreatedAt:      createdAt,
		passphraseHash: passphraseHash,
	}
}

// PassphraseHash returns the stored passphrase hash, nil for public clients.
func (e EncodedClient) PassphraseHash() []byte {
	return e.passphraseHash
}

// Redacted returns a copy without the passphrase hash, for handing out of
// the registrar.
func (e EncodedClient) Redacted() EncodedClient {
	e.RedirectURIs = append([]string(nil), e.RedirectURIs...)
	e.Extensions = maps.Clone(e.Extensions)
	e.passphraseHash = nil
	return e
}

// IsPublic reports whether the client authenticates without a passphrase.
func (e EncodedClient) IsPublic() bool {
	return e.Type == ClientTypePublic
}

// ClientURL is the client half of an authorization request: the client id
// and the redirect URI it asked for, if any.
type ClientURL struct {
	ClientID string

	// RedirectURI is empty when the request did not name one
	RedirectURI string
}

// BoundClient is a client paired with the redirect URI chosen for one request.
type BoundClient struct {
	ClientID    string
	RedirectURI string
}

// ==================== Tokens ====================

// IssuedToken is the result of a successful Issue call.
type IssuedToken struct {
	// Token is the access token
	Token string

	// Refresh is the refresh token, empty if none was issued
	Refresh string

	// Until is when the access token expires
	Until time.Time

	// TokenType is always TokenTypeBearer
	TokenType string
}

// Refreshable reports whether a refresh token was issued.
func (t IssuedToken) Refreshable() bool {
	return t.Refresh != ""
}

// OAuth2Token converts the issued token into an oauth2.Token for responses.
func (t IssuedToken) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.Token,
		RefreshToken: t.Refresh,
		TokenType:    t.TokenType,
		Expiry:       t.Until,
	}
}

// RefreshedToken is the result of a successful Refresh call.
type RefreshedToken struct {
	// Token is the new access token
	Token string

	// Refresh is the rotated refresh token, empty when rotation is disabled
	// and the presented refresh token stays valid
	Refresh string

	// Until is when the new access token expires
	Until time.Time

	// TokenType is always TokenTypeBearer
	TokenType string
}

// OAuth2Token converts the refreshed token into an oauth2.Token. presented
// is the refresh token used for the call; it is reported back when no new
// refresh token was minted.
func (t RefreshedToken) OAuth2Token(presented string) *oauth2.Token {
	refresh := t.Refresh
	if refresh == "" {
		refresh = presented
	}
	return &oauth2.Token{
		AccessToken:  t.Token,
		RefreshToken: refresh,
		TokenType:    t.TokenType,
		Expiry:       t.Until,
	}
}
