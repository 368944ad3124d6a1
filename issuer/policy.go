package issuer

import (
	"fmt"
	"strings"

	grants "github.com/giantswarm/oauth-grants"
)

// OfflineAccessScope is the scope token that requests a refresh token under
// RefreshOfflineAccess (OpenID Connect Core §11)
const OfflineAccessScope = "offline_access"

// RefreshPolicy decides whether Issue mints a refresh token
type RefreshPolicy int

const (
	// RefreshAlways mints a refresh token for every issued access token
	RefreshAlways RefreshPolicy = iota

	// RefreshOfflineAccess mints a refresh token only when the grant's scope
	// contains offline_access
	RefreshOfflineAccess

	// RefreshNever never mints refresh tokens
	RefreshNever
)

// String returns the configuration name of the policy
func (p RefreshPolicy) String() string {
	switch p {
	case RefreshAlways:
		return "always"
	case RefreshOfflineAccess:
		return "offline_access"
	case RefreshNever:
		return "never"
	default:
		return fmt.Sprintf("RefreshPolicy(%d)", int(p))
	}
}

// ParseRefreshPolicy parses a policy name as produced by String. The empty
// string selects RefreshAlways.
func ParseRefreshPolicy(name string) (RefreshPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "always":
		return RefreshAlways, nil
	case "offline_access":
		return RefreshOfflineAccess, nil
	case "never":
		return RefreshNever, nil
	default:
		return RefreshAlways, fmt.Errorf("unknown refresh policy %q", name)
	}
}

// Refreshable reports whether a grant gets a refresh token under p
func (p RefreshPolicy) Refreshable(grant grants.Grant) bool {
	switch p {
	case RefreshAlways:
		return true
	case RefreshOfflineAccess:
		return grant.Scope.Contains(OfflineAccessScope)
	default:
		return false
	}
}

// RefreshMatches reports whether grant may replace stored on refresh: it
// must belong to the same client and resource owner and must not widen the
// scope.
func RefreshMatches(stored, grant grants.Grant) bool {
	return stored.ClientID == grant.ClientID &&
		stored.OwnerID == grant.OwnerID &&
		grant.Scope.SubsetOf(stored.Scope)
}
