package valkey

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	grants "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/internal/testutil"
	"github.com/giantswarm/oauth-grants/issuer"
	"github.com/giantswarm/oauth-grants/security"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests will be skipped if VALKEY_TEST_ADDR is not set or connection fails.
// Each test gets a unique prefix to ensure test isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("grantstest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

// ============================================================
// Config Tests
// ============================================================

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Error("Expected error for missing address")
	}
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New(Config{Address: "invalid:99999"})
	if err == nil {
		t.Error("Expected error for invalid address")
	}
}

// ============================================================
// Authorizer Tests
// ============================================================

func TestAuthorizer_AuthorizeExtract(t *testing.T) {
	s := testStore(t)
	auth := s.Authorizer()
	grant := testutil.GenerateTestGrant(time.Now().Truncate(time.Second))

	code, err := auth.Authorize(grant)
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	got, err := auth.Extract(code)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	testutil.AssertGrantEqual(t, got, grant)

	again, err := auth.Extract(code)
	if err != nil {
		t.Fatalf("second Extract failed: %v", err)
	}
	testutil.AssertNoGrant(t, again)
}

func TestAuthorizer_ExtractUnknown(t *testing.T) {
	s := testStore(t)
	got, err := s.Authorizer().Extract("never-issued")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	testutil.AssertNoGrant(t, got)
}

func TestAuthorizer_Expired(t *testing.T) {
	s := testStore(t)
	clock := testutil.NewMockTime(time.Now())
	s.SetClock(clock.Now)
	auth := s.Authorizer()
	auth.SetCodeTTL(time.Minute)

	code, err := auth.Authorize(testutil.GenerateTestGrant(clock.Now()))
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	// The key still exists server side; the record's own expiry applies
	clock.Advance(2 * time.Minute)
	got, err := auth.Extract(code)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	testutil.AssertNoGrant(t, got)
}

func TestAuthorizer_Encryption(t *testing.T) {
	s := testStore(t)
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	s.SetEncryptor(enc)
	auth := s.Authorizer()
	grant := testutil.GenerateTestGrant(time.Now().Truncate(time.Second))

	code, err := auth.Authorize(grant)
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	raw, err := s.client.Do(context.Background(), s.client.B().Get().Key(s.codeKey(code)).Build()).ToString()
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if raw == "" || raw[0] == '{' {
		t.Errorf("stored code is not encrypted: %q", raw)
	}

	got, err := auth.Extract(code)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	testutil.AssertGrantEqual(t, got, grant)
}

func TestAuthorizer_ConcurrentExtract(t *testing.T) {
	s := testStore(t)
	auth := s.Authorizer()

	code, err := auth.Authorize(testutil.GenerateTestGrant(time.Now()))
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	const workers = 20
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := auth.Extract(code)
			if err != nil {
				t.Errorf("Extract failed: %v", err)
				return
			}
			if got != nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := winners.Load(); n != 1 {
		t.Fatalf("%d concurrent extractions succeeded, want exactly 1", n)
	}
}

// ============================================================
// Issuer Tests
// ============================================================

func TestIssuer_IssueRecover(t *testing.T) {
	s := testStore(t)
	iss := s.Issuer()
	grant := testutil.GenerateTestGrant(time.Now().Truncate(time.Second))

	issued, err := iss.Issue(grant)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if !issued.Refreshable() {
		t.Fatal("no refresh token issued under the default policy")
	}

	got, err := iss.RecoverToken(issued.Token)
	if err != nil {
		t.Fatalf("RecoverToken failed: %v", err)
	}
	testutil.AssertGrantEqual(t, got, grant)

	got, err = iss.RecoverRefresh(issued.Refresh)
	if err != nil {
		t.Fatalf("RecoverRefresh failed: %v", err)
	}
	testutil.AssertGrantEqual(t, got, grant)

	if got, _ := iss.RecoverToken("unknown"); got != nil {
		t.Error("unknown token recovered")
	}
}

func TestIssuer_RefreshPolicyNever(t *testing.T) {
	s := testStore(t)
	iss := s.Issuer()
	iss.SetRefreshPolicy(issuer.RefreshNever)

	issued, err := iss.Issue(testutil.GenerateTestGrant(time.Now()))
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if issued.Refreshable() {
		t.Errorf("refresh token %q issued with RefreshNever", issued.Refresh)
	}
}

func TestIssuer_RefreshRotation(t *testing.T) {
	s := testStore(t)
	iss := s.Issuer()
	grant := testutil.GenerateTestGrant(time.Now().Truncate(time.Second))

	issued, err := iss.Issue(grant)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	refreshed, err := iss.Refresh(issued.Refresh, grant)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if refreshed.Refresh == "" || refreshed.Refresh == issued.Refresh {
		t.Fatalf("refresh token not rotated: %+v", refreshed)
	}

	if got, _ := iss.RecoverRefresh(issued.Refresh); got != nil {
		t.Error("rotated refresh token still recoverable")
	}
	if _, err := iss.Refresh(issued.Refresh, grant); err != grants.ErrPrimitive {
		t.Errorf("reusing rotated refresh token: err = %v, want ErrPrimitive", err)
	}
	got, _ := iss.RecoverToken(refreshed.Token)
	testutil.AssertGrantEqual(t, got, grant)
}

func TestIssuer_RefreshWithoutRotation(t *testing.T) {
	s := testStore(t)
	iss := s.Issuer()
	iss.SetRotateRefresh(false)
	grant := testutil.GenerateTestGrant(time.Now().Truncate(time.Second))

	issued, err := iss.Issue(grant)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		refreshed, err := iss.Refresh(issued.Refresh, grant)
		if err != nil {
			t.Fatalf("Refresh #%d failed: %v", i, err)
		}
		if refreshed.Refresh != "" {
			t.Errorf("Refresh #%d rotated with rotation disabled", i)
		}
	}
}

func TestIssuer_RefreshWrongClient(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*grants.Grant)
	}{
		{name: "other client", mutate: func(g *grants.Grant) { g.ClientID = "other" }},
		{name: "other owner", mutate: func(g *grants.Grant) { g.OwnerID = "someone-else" }},
		{name: "wider scope", mutate: func(g *grants.Grant) { g.Scope = grants.NewScope("read", "admin") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testStore(t)
			iss := s.Issuer()
			grant := testutil.GenerateTestGrant(time.Now())

			issued, err := iss.Issue(grant)
			if err != nil {
				t.Fatalf("Issue failed: %v", err)
			}
			other := grant.Clone()
			tt.mutate(&other)
			if _, err := iss.Refresh(issued.Refresh, other); err != grants.ErrPrimitive {
				t.Fatalf("Refresh with mismatching grant: err = %v, want ErrPrimitive", err)
			}
			if _, err := iss.Refresh(issued.Refresh, grant); err != nil {
				t.Fatalf("Refresh by owner after rejection failed: %v", err)
			}
		})
	}
}

func TestIssuer_RecoverJustAfterExpiry(t *testing.T) {
	s := testStore(t)
	clock := testutil.NewMockTime(time.Now())
	s.SetClock(clock.Now)
	iss := s.Issuer()
	iss.SetRefreshTTL(2 * time.Hour)

	issued, err := iss.Issue(testutil.GenerateTestGrant(clock.Now()))
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	clock.Set(issued.Until)
	if got, _ := iss.RecoverToken(issued.Token); got == nil {
		t.Fatal("access token not recoverable at its deadline")
	}

	// The keys still exist server side; the record's own expiry applies
	clock.Set(issued.Until.Add(time.Second))
	if got, _ := iss.RecoverToken(issued.Token); got != nil {
		t.Error("access token recovered one second after Until")
	}
	if got, _ := iss.RecoverRefresh(issued.Refresh); got == nil {
		t.Error("live refresh token not recovered")
	}
}

func TestIssuer_ConcurrentRefresh(t *testing.T) {
	s := testStore(t)
	iss := s.Issuer()
	grant := testutil.GenerateTestGrant(time.Now())

	issued, err := iss.Issue(grant)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	const workers = 20
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := iss.Refresh(issued.Refresh, grant); err == nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := winners.Load(); n != 1 {
		t.Fatalf("%d concurrent refreshes succeeded, want exactly 1", n)
	}
}

func TestIssuer_Revoke(t *testing.T) {
	s := testStore(t)
	iss := s.Issuer()
	grant := testutil.GenerateTestGrant(time.Now())

	issued, err := iss.Issue(grant)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if err := iss.Revoke(issued.Refresh); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if got, _ := iss.RecoverRefresh(issued.Refresh); got != nil {
		t.Error("revoked refresh token recovered")
	}
	if got, _ := iss.RecoverToken(issued.Token); got != nil {
		t.Error("access token of revoked refresh token recovered")
	}
	if err := iss.Revoke("unknown"); err != nil {
		t.Errorf("Revoke(unknown) = %v, want nil", err)
	}
}

func TestIssuer_RevokeAfterRefresh(t *testing.T) {
	s := testStore(t)
	iss := s.Issuer()
	grant := testutil.GenerateTestGrant(time.Now())

	issued, err := iss.Issue(grant)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	refreshed, err := iss.Refresh(issued.Refresh, grant)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if err := iss.Revoke(refreshed.Refresh); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if got, _ := iss.RecoverToken(refreshed.Token); got != nil {
		t.Error("access token minted by the refresh survived revocation")
	}

	ctx := context.Background()
	for _, key := range []string{s.pairedAccessKey(issued.Refresh), s.pairedAccessKey(refreshed.Refresh)} {
		n, err := s.client.Do(ctx, s.client.B().Exists().Key(key).Build()).AsInt64()
		if err != nil {
			t.Fatalf("EXISTS failed: %v", err)
		}
		if n != 0 {
			t.Errorf("paired access key %s left behind", key)
		}
	}
}
