package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	grants "github.com/giantswarm/oauth-grants"
)

// Fixture identifiers shared by the package tests
const (
	TestClientID    = "app1"
	TestOwnerID     = "test-user"
	TestRedirectURI = "https://app/cb"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateTestGrant creates a grant for TestClientID valid for one hour
// after now.
func GenerateTestGrant(now time.Time) grants.Grant {
	return grants.Grant{
		OwnerID:     TestOwnerID,
		ClientID:    TestClientID,
		Scope:       grants.NewScope("read"),
		RedirectURI: TestRedirectURI,
		IssuedAt:    now,
		Until:       now.Add(time.Hour),
	}
}

// GenerateTestClient creates a public client registered for TestRedirectURI
// with scope "read".
func GenerateTestClient() grants.Client {
	return grants.NewPublicClient(TestClientID, TestRedirectURI, grants.NewScope("read"))
}

// GenerateRandomString generates a random URL-safe string of at least length characters
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// AssertGrantEqual fails the test if got is nil or differs from want
func AssertGrantEqual(t *testing.T, got *grants.Grant, want grants.Grant) {
	t.Helper()
	if got == nil {
		t.Fatalf("grant = nil, want %+v", want)
	}
	if !got.Equal(want) {
		t.Errorf("grant = %+v, want %+v", *got, want)
	}
}

// AssertNoGrant fails the test if got is not nil
func AssertNoGrant(t *testing.T, got *grants.Grant) {
	t.Helper()
	if got != nil {
		t.Errorf("grant = %+v, want nil", *got)
	}
}
