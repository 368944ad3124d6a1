package grants

// Registrar validates client identity, redirect URIs and requested scope.
//
// Implementations must be safe for concurrent use. Errors are the
// Err* sentinels of this package, possibly wrapped; compare with errors.Is.
type Registrar interface {
	// BoundRedirect looks up the client and picks the redirect URI for the request
	BoundRedirect(url ClientURL) (BoundClient, error)

	// Negotiate computes the scope of the pre-grant for a bound client.
	// A nil scope requests the client's default scope.
	Negotiate(client BoundClient, scope *Scope) (PreGrant, error)

	// Check authenticates the client. passphrase is nil when none was presented.
	Check(clientID string, passphrase []byte) error

	// Register adds or replaces a client registration
	Register(client Client) error

	// Query returns the client record, or false if it is unknown
	Query(clientID string) (EncodedClient, bool)

	// QueryByExtensions returns all clients whose extensions contain every
	// key/value pair of query
	QueryByExtensions(query map[string]string) []EncodedClient

	// AddURI registers an additional redirect URI
	AddURI(clientID, uri string) error

	// DelURI removes a redirect URI. Removing the last URI is rejected.
	DelURI(clientID, uri string) error

	// DelClient removes a client registration
	DelClient(clientID string) error
}

// Authorizer turns grants into single-use authorization codes.
//
// Every failure is reported as ErrPrimitive. Absence is reported as a nil
// grant with a nil error.
type Authorizer interface {
	// Authorize stores the grant and returns a fresh, unguessable code
	Authorize(grant Grant) (string, error)

	// Extract atomically removes and returns the grant for code. A code
	// can be extracted at most once; expired codes are absent.
	Extract(code string) (*Grant, error)
}

// Issuer turns grants into access and refresh tokens and recovers grants
// from presented tokens.
//
// Every failure is reported as ErrPrimitive. Absence is reported as a nil
// grant with a nil error; unknown and expired tokens are indistinguishable.
type Issuer interface {
	// Issue mints an access token and, depending on policy, a refresh token
	Issue(grant Grant) (IssuedToken, error)

	// Refresh mints a new access token bound to grant for a valid refresh
	// token. If rotation is enabled the presented refresh token is
	// invalidated in the same atomic step that activates the new one.
	Refresh(refresh string, grant Grant) (RefreshedToken, error)

	// RecoverToken returns the grant behind an access token
	RecoverToken(token string) (*Grant, error)

	// RecoverRefresh returns the grant behind a refresh token
	RecoverRefresh(refresh string) (*Grant, error)
}

// Revoker is implemented by issuers that support RFC 7009 token revocation.
type Revoker interface {
	// Revoke invalidates an access or refresh token. Revoking a refresh
	// token also invalidates the access token minted with it. Unknown
	// tokens are not an error.
	Revoke(token string) error
}
