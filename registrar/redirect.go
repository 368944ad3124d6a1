package registrar

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	grants "github.com/giantswarm/oauth-grants"
)

// RedirectPolicy decides whether a requested redirect URI matches a
// registered one. Both URIs have passed ParseRedirectURI.
type RedirectPolicy interface {
	Matches(registered, requested *url.URL) bool
}

// ExactRedirect requires the requested URI to equal the registered URI
// (RFC 6749 §3.1.2.3, OAuth 2.1 simple string comparison).
type ExactRedirect struct{}

// Matches implements RedirectPolicy
func (ExactRedirect) Matches(registered, requested *url.URL) bool {
	return registered.String() == requested.String()
}

// LoopbackPortRedirect behaves like ExactRedirect, except that for loopback
// http URIs the port is ignored: native apps listen on an ephemeral port
// chosen at request time (RFC 8252 §7.3).
type LoopbackPortRedirect struct{}

// Matches implements RedirectPolicy
func (LoopbackPortRedirect) Matches(registered, requested *url.URL) bool {
	if registered.Scheme != "http" || !isLoopbackHost(registered.Hostname()) {
		return ExactRedirect{}.Matches(registered, requested)
	}
	if requested.Scheme != registered.Scheme || requested.Hostname() != registered.Hostname() {
		return false
	}
	return stripPort(registered).String() == stripPort(requested).String()
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func stripPort(u *url.URL) *url.URL {
	c := *u
	c.Host = u.Hostname()
	if strings.Contains(c.Host, ":") {
		c.Host = "[" + c.Host + "]"
	}
	return &c
}

// ParseRedirectURI parses a redirect URI and rejects forms that are never
// acceptable: relative URIs and URIs carrying a fragment (RFC 6749 §3.1.2).
func ParseRedirectURI(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: redirect_uri %q: %v", grants.ErrInvalidClient, raw, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: redirect_uri %q is not absolute", grants.ErrInvalidClient, raw)
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return nil, fmt.Errorf("%w: redirect_uri %q contains a fragment", grants.ErrInvalidClient, raw)
	}
	return u, nil
}
