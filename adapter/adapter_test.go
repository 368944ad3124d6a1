package adapter

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/crypto/bcrypt"

	grants "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/authorizer"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/internal/testutil"
	"github.com/giantswarm/oauth-grants/issuer"
	"github.com/giantswarm/oauth-grants/registrar"
	"github.com/giantswarm/oauth-grants/security"
)

// countingAuthorizer records calls and optionally blocks inside them
type countingAuthorizer struct {
	calls    atomic.Int32
	inflight atomic.Int32
	overlap  atomic.Bool
	entered  chan struct{}
	release  chan struct{}
}

func (c *countingAuthorizer) enter() {
	c.calls.Add(1)
	if c.inflight.Add(1) > 1 {
		c.overlap.Store(true)
	}
	defer c.inflight.Add(-1)
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.release != nil {
		<-c.release
	}
	time.Sleep(time.Millisecond)
}

func (c *countingAuthorizer) Authorize(grants.Grant) (string, error) {
	c.enter()
	return "code", nil
}

func (c *countingAuthorizer) Extract(string) (*grants.Grant, error) {
	c.enter()
	return nil, nil
}

// plainIssuer is an issuer without revocation support
type plainIssuer struct{}

func (plainIssuer) Issue(grants.Grant) (grants.IssuedToken, error) {
	return grants.IssuedToken{}, grants.ErrPrimitive
}

func (plainIssuer) Refresh(string, grants.Grant) (grants.RefreshedToken, error) {
	return grants.RefreshedToken{}, grants.ErrPrimitive
}

func (plainIssuer) RecoverToken(string) (*grants.Grant, error)   { return nil, nil }
func (plainIssuer) RecoverRefresh(string) (*grants.Grant, error) { return nil, nil }

// checkCounter counts Check calls reaching the backend
type checkCounter struct {
	grants.Registrar
	checks atomic.Int32
}

func (c *checkCounter) Check(clientID string, passphrase []byte) error {
	c.checks.Add(1)
	return c.Registrar.Check(clientID, passphrase)
}

func newTestRegistrar(t *testing.T) *registrar.ClientMap {
	t.Helper()
	reg := registrar.New()
	reg.SetPassphraseHasher(registrar.BcryptHasher{Cost: bcrypt.MinCost})
	client := grants.NewConfidentialClient(testutil.TestClientID, testutil.TestRedirectURI,
		grants.NewScope("read", "write"), []byte("s3cret"))
	if err := reg.Register(client); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return reg
}

func newTestInstrumentation(t *testing.T) (*instrumentation.Instrumentation, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:        true,
		TracerProvider: tp,
	})
	if err != nil {
		t.Fatalf("instrumentation.New failed: %v", err)
	}
	return inst, recorder
}

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestCancelledContextSkipsBackend(t *testing.T) {
	ctx := cancelledContext()

	backend := &countingAuthorizer{}
	auth := NewAuthorizer(backend)
	if _, err := auth.Authorize(ctx, testutil.GenerateTestGrant(time.Now())); !errors.Is(err, context.Canceled) {
		t.Errorf("Authorize err = %v, want context.Canceled", err)
	}
	if _, err := auth.Extract(ctx, "code"); !errors.Is(err, context.Canceled) {
		t.Errorf("Extract err = %v, want context.Canceled", err)
	}
	if n := backend.calls.Load(); n != 0 {
		t.Errorf("backend called %d times with a cancelled context", n)
	}

	counter := &checkCounter{Registrar: newTestRegistrar(t)}
	reg := NewRegistrar(counter)
	defer reg.Close()
	if err := reg.Check(ctx, testutil.TestClientID, []byte("s3cret")); !errors.Is(err, context.Canceled) {
		t.Errorf("Check err = %v, want context.Canceled", err)
	}
	if err := reg.DelClient(ctx, testutil.TestClientID); !errors.Is(err, context.Canceled) {
		t.Errorf("DelClient err = %v, want context.Canceled", err)
	}
	if counter.checks.Load() != 0 {
		t.Error("Check reached the backend with a cancelled context")
	}
	if _, found := counter.Query(testutil.TestClientID); !found {
		t.Error("client deleted through a cancelled context")
	}

	tokens := issuer.New()
	defer tokens.Stop()
	iss := NewIssuer(tokens)
	if _, err := iss.Issue(ctx, testutil.GenerateTestGrant(time.Now())); !errors.Is(err, context.Canceled) {
		t.Errorf("Issue err = %v, want context.Canceled", err)
	}
	if tokens.AccessLen() != 0 {
		t.Error("token issued through a cancelled context")
	}
}

func TestStartedCallCompletesAfterCancel(t *testing.T) {
	backend := &countingAuthorizer{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	auth := NewAuthorizer(backend)
	ctx, cancel := context.WithCancel(context.Background())

	type result struct {
		code string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		code, err := auth.Authorize(ctx, testutil.GenerateTestGrant(time.Now()))
		done <- result{code, err}
	}()

	<-backend.entered
	cancel()
	close(backend.release)

	got := <-done
	if got.err != nil || got.code != "code" {
		t.Fatalf("Authorize = (%q, %v), want completed call despite cancellation", got.code, got.err)
	}
}

func TestAuthorizerSerialisesCalls(t *testing.T) {
	backend := &countingAuthorizer{}
	auth := NewAuthorizer(backend)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = auth.Extract(context.Background(), "code")
		}()
	}
	wg.Wait()

	if backend.overlap.Load() {
		t.Error("backend entered concurrently")
	}
	if n := backend.calls.Load(); n != 20 {
		t.Errorf("backend calls = %d, want 20", n)
	}
}

func TestAuthorizerRoundTripSpans(t *testing.T) {
	inst, recorder := newTestInstrumentation(t)
	codes := authorizer.New()
	defer codes.Stop()
	auth := NewAuthorizer(codes, WithInstrumentation(inst))
	ctx := context.Background()
	grant := testutil.GenerateTestGrant(time.Now())

	code, err := auth.Authorize(ctx, grant)
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	got, err := auth.Extract(ctx, code)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	testutil.AssertGrantEqual(t, got, grant)

	again, err := auth.Extract(ctx, code)
	if err != nil {
		t.Fatalf("second Extract failed: %v", err)
	}
	testutil.AssertNoGrant(t, again)

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	want := []string{"authorizer.authorize", "authorizer.extract", "authorizer.extract"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("spans = %v, want %v", names, want)
	}
}

func TestRegistrarCheckRateLimit(t *testing.T) {
	var buf bytes.Buffer
	auditor := security.NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)
	counter := &checkCounter{Registrar: newTestRegistrar(t)}
	reg := NewRegistrar(counter, WithAuditor(auditor), WithCheckRateLimit(0.001, 2))
	defer reg.Close()
	ctx := context.Background()

	if err := reg.Check(ctx, testutil.TestClientID, []byte("s3cret")); err != nil {
		t.Fatalf("Check with correct passphrase failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := reg.Check(ctx, testutil.TestClientID, []byte("wrong")); !errors.Is(err, grants.ErrUnauthorized) {
			t.Fatalf("failed check #%d: err = %v, want ErrUnauthorized", i, err)
		}
	}
	before := counter.checks.Load()

	err := reg.Check(ctx, testutil.TestClientID, []byte("s3cret"))
	if !errors.Is(err, grants.ErrUnauthorized) {
		t.Fatalf("throttled check: err = %v, want ErrUnauthorized", err)
	}
	if counter.checks.Load() != before {
		t.Error("throttled check reached the backend")
	}
	if !strings.Contains(buf.String(), security.EventRateLimitExceeded) {
		t.Errorf("audit log lacks %s: %s", security.EventRateLimitExceeded, buf.String())
	}

	if err := reg.Check(ctx, "other", nil); !errors.Is(err, grants.ErrClientNotFound) {
		t.Errorf("other client: err = %v, want ErrClientNotFound", err)
	}
}

func TestRegistrarSuccessfulChecksNotThrottled(t *testing.T) {
	reg := NewRegistrar(newTestRegistrar(t), WithCheckRateLimit(0.001, 1))
	defer reg.Close()

	for i := 0; i < 5; i++ {
		if err := reg.Check(context.Background(), testutil.TestClientID, []byte("s3cret")); err != nil {
			t.Fatalf("Check #%d failed: %v", i, err)
		}
	}
}

func TestRegistrarLifecycle(t *testing.T) {
	var buf bytes.Buffer
	auditor := security.NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)
	reg := NewRegistrar(newTestRegistrar(t), WithAuditor(auditor))
	defer reg.Close()
	ctx := context.Background()

	bound, err := reg.BoundRedirect(ctx, grants.ClientURL{ClientID: testutil.TestClientID})
	if err != nil {
		t.Fatalf("BoundRedirect failed: %v", err)
	}
	if bound.RedirectURI != testutil.TestRedirectURI {
		t.Errorf("RedirectURI = %q, want %q", bound.RedirectURI, testutil.TestRedirectURI)
	}

	_, err = reg.BoundRedirect(ctx, grants.ClientURL{ClientID: testutil.TestClientID, RedirectURI: "https://evil/cb"})
	if !errors.Is(err, grants.ErrMismatchedRedirect) {
		t.Errorf("foreign redirect: err = %v, want ErrMismatchedRedirect", err)
	}
	if !strings.Contains(buf.String(), security.EventInvalidRedirect) {
		t.Error("invalid redirect not audited")
	}

	requested := grants.NewScope("read", "admin")
	pre, err := reg.Negotiate(ctx, bound, &requested)
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if !pre.Scope.Equal(grants.NewScope("read")) {
		t.Errorf("scope = %q, want %q", pre.Scope, "read")
	}
	if !strings.Contains(buf.String(), security.EventScopeEscalationAttempt) {
		t.Error("narrowed scope not audited")
	}

	if err := reg.AddURI(ctx, testutil.TestClientID, "https://app/other"); err != nil {
		t.Fatalf("AddURI failed: %v", err)
	}
	client, found, err := reg.Query(ctx, testutil.TestClientID)
	if err != nil || !found {
		t.Fatalf("Query = (%v, %v), want found", found, err)
	}
	if len(client.RedirectURIs) != 2 {
		t.Errorf("redirect URIs = %v, want 2 entries", client.RedirectURIs)
	}
	if err := reg.DelURI(ctx, testutil.TestClientID, "https://app/other"); err != nil {
		t.Fatalf("DelURI failed: %v", err)
	}
	clients, err := reg.QueryByExtensions(ctx, nil)
	if err != nil || len(clients) != 1 {
		t.Fatalf("QueryByExtensions = (%d clients, %v), want 1", len(clients), err)
	}
	if err := reg.DelClient(ctx, testutil.TestClientID); err != nil {
		t.Fatalf("DelClient failed: %v", err)
	}
	if _, found, _ := reg.Query(ctx, testutil.TestClientID); found {
		t.Error("deleted client still found")
	}
	if !strings.Contains(buf.String(), security.EventClientDeleted) {
		t.Error("client deletion not audited")
	}
}

func TestIssuerRevoke(t *testing.T) {
	ctx := context.Background()

	if err := NewIssuer(plainIssuer{}).Revoke(ctx, "tok"); !errors.Is(err, ErrRevocationUnsupported) {
		t.Errorf("Revoke on plain issuer: err = %v, want ErrRevocationUnsupported", err)
	}

	tokens := issuer.New()
	defer tokens.Stop()
	iss := NewIssuer(tokens)
	grant := testutil.GenerateTestGrant(time.Now())

	issued, err := iss.Issue(ctx, grant)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	got, err := iss.RecoverToken(ctx, issued.Token)
	if err != nil {
		t.Fatalf("RecoverToken failed: %v", err)
	}
	testutil.AssertGrantEqual(t, got, grant)

	if err := iss.Revoke(ctx, issued.Refresh); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if got, _ := iss.RecoverRefresh(ctx, issued.Refresh); got != nil {
		t.Error("revoked refresh token recovered")
	}
	if got, _ := iss.RecoverToken(ctx, issued.Token); got != nil {
		t.Error("access token of revoked refresh token recovered")
	}
}

func TestIssuerRefresh(t *testing.T) {
	inst, recorder := newTestInstrumentation(t)
	tokens := issuer.New()
	defer tokens.Stop()
	iss := NewIssuer(tokens, WithInstrumentation(inst))
	ctx := context.Background()
	grant := testutil.GenerateTestGrant(time.Now())

	issued, err := iss.Issue(ctx, grant)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	refreshed, err := iss.Refresh(ctx, issued.Refresh, grant)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if refreshed.Refresh == "" {
		t.Error("refresh token not rotated by default")
	}
	if _, err := iss.Refresh(ctx, issued.Refresh, grant); err != grants.ErrPrimitive {
		t.Errorf("reused refresh token: err = %v, want ErrPrimitive", err)
	}

	ended := recorder.Ended()
	if len(ended) != 3 {
		t.Fatalf("recorded %d spans, want 3", len(ended))
	}
	if ended[2].Status().Description == "" {
		t.Error("failed refresh span has no error status")
	}
}
