package grants

import (
	"fmt"
	"slices"
	"strings"
)

// Scope is an immutable set of permission tokens.
//
// Tokens are kept sorted and deduplicated so two scopes with the same
// permissions compare equal with Equal and render to the same string.
// The zero value is the empty scope.
type Scope struct {
	tokens []string
}

// NewScope builds a scope from individual tokens, ignoring duplicates and
// empty strings. It panics on tokens that are not valid per RFC 6749 §3.3;
// use ParseScope for untrusted input.
func NewScope(tokens ...string) Scope {
	s, err := scopeFromTokens(tokens)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseScope parses a space-delimited scope string (RFC 6749 §3.3).
func ParseScope(raw string) (Scope, error) {
	return scopeFromTokens(strings.Fields(raw))
}

func scopeFromTokens(tokens []string) (Scope, error) {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		if !validScopeToken(t) {
			return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, t)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return Scope{}, nil
	}
	slices.Sort(out)
	return Scope{tokens: slices.Compact(out)}, nil
}

// validScopeToken reports whether t only contains NQCHAR characters:
// %x21 / %x23-5B / %x5D-7E
func validScopeToken(t string) bool {
	for i := 0; i < len(t); i++ {
		c := t[i]
		if c < 0x21 || c > 0x7e || c == '"' || c == '\\' {
			return false
		}
	}
	return true
}

// Tokens returns a copy of the sorted scope tokens.
func (s Scope) Tokens() []string {
	return slices.Clone(s.tokens)
}

// Len returns the number of tokens in the scope.
func (s Scope) Len() int {
	return len(s.tokens)
}

// IsEmpty reports whether the scope grants nothing.
func (s Scope) IsEmpty() bool {
	return len(s.tokens) == 0
}

// Contains reports whether token is part of the scope.
func (s Scope) Contains(token string) bool {
	_, found := slices.BinarySearch(s.tokens, token)
	return found
}

// SubsetOf reports whether every token of s is also in other.
func (s Scope) SubsetOf(other Scope) bool {
	for _, t := range s.tokens {
		if !other.Contains(t) {
			return false
		}
	}
	return true
}

// Intersect returns the tokens present in both scopes.
func (s Scope) Intersect(other Scope) Scope {
	out := make([]string, 0, min(len(s.tokens), len(other.tokens)))
	for _, t := range s.tokens {
		if other.Contains(t) {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return Scope{}
	}
	return Scope{tokens: out}
}

// Equal reports whether both scopes contain exactly the same tokens.
func (s Scope) Equal(other Scope) bool {
	return slices.Equal(s.tokens, other.tokens)
}

// String renders the scope in its space-delimited wire form.
func (s Scope) String() string {
	return strings.Join(s.tokens, " ")
}

// MarshalText implements encoding.TextMarshaler.
func (s Scope) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scope) UnmarshalText(text []byte) error {
	parsed, err := ParseScope(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
