package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	grants "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/adapter"
	"github.com/giantswarm/oauth-grants/authorizer"
	"github.com/giantswarm/oauth-grants/generator"
	"github.com/giantswarm/oauth-grants/issuer"
	"github.com/giantswarm/oauth-grants/registrar"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage/valkey"
)

// Server composes a Registrar, an Authorizer and an Issuer from a Config
// and exposes them through context-aware adapters.
type Server struct {
	registrar  *adapter.Registrar
	authorizer *adapter.Authorizer
	issuer     *adapter.Issuer

	Config *Config
	Logger *slog.Logger

	// stoppers release background goroutines and connections, in order
	stoppers     []func()
	shutdownOnce sync.Once
}

// New builds a server. Codes and tokens live in Valkey when
// cfg.Valkey.Address is set and in memory otherwise; clients always live
// in memory.
func New(cfg Config) (*Server, error) {
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logSecurityWarnings(&cfg)

	srv := &Server{
		Config: &cfg,
		Logger: cfg.Logger,
	}

	policy, _ := issuer.ParseRefreshPolicy(cfg.RefreshPolicy)
	accessGen, err := newAccessGenerator(&cfg)
	if err != nil {
		return nil, err
	}

	var (
		codes  grants.Authorizer
		tokens grants.Issuer
	)
	if cfg.Valkey.Enabled() {
		codes, tokens, err = srv.newValkeyBackends(&cfg, accessGen, policy)
		if err != nil {
			return nil, err
		}
	} else {
		codes, tokens = srv.newMemoryBackends(&cfg, accessGen, policy)
	}

	opts := []adapter.Option{
		adapter.WithLogger(cfg.Logger),
		adapter.WithInstrumentation(cfg.Instrumentation),
		adapter.WithAuditor(security.NewAuditor(cfg.Logger, cfg.AuditEnabled)),
	}
	srv.registrar = adapter.NewRegistrar(srv.newClientMap(&cfg),
		append(opts, adapter.WithCheckRateLimit(cfg.CheckRateLimit, cfg.CheckBurst))...)
	srv.stoppers = append(srv.stoppers, srv.registrar.Close)
	srv.authorizer = adapter.NewAuthorizer(codes, opts...)
	srv.issuer = adapter.NewIssuer(tokens, opts...)

	cfg.Logger.Info("Grant server ready",
		"backend", srv.backendName(),
		"token_format", cfg.TokenFormat,
		"refresh_policy", cfg.RefreshPolicy,
		"rotate_refresh_tokens", *cfg.RotateRefreshTokens)

	return srv, nil
}

// newAccessGenerator returns the access token generator of the configured
// token format. Refresh tokens are always opaque.
func newAccessGenerator(cfg *Config) (generator.TagGenerator, error) {
	if cfg.TokenFormat != TokenFormatJWT {
		return generator.NewRandomGenerator(0), nil
	}
	gen, err := generator.NewAssertion([]byte(cfg.JWTSigningKey), cfg.JWTIssuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT generator: %w", err)
	}
	return gen, nil
}

func (s *Server) newClientMap(cfg *Config) *registrar.ClientMap {
	clients := registrar.New()
	clients.SetLogger(cfg.Logger)
	if cfg.RedirectPolicy == RedirectPolicyLoopback {
		clients.SetRedirectPolicy(registrar.LoopbackPortRedirect{})
	}
	clients.SetInstrumentation(cfg.Instrumentation)
	return clients
}

func (s *Server) newMemoryBackends(cfg *Config, accessGen generator.TagGenerator, policy issuer.RefreshPolicy) (*authorizer.AuthMap, *issuer.TokenMap) {
	codes := authorizer.NewWithGenerator(generator.NewRandomGenerator(0), cfg.CleanupInterval)
	codes.SetLogger(cfg.Logger)
	codes.SetCodeTTL(cfg.CodeTTL)

	tokens := issuer.NewWithGenerators(accessGen, generator.NewRandomGenerator(0), cfg.CleanupInterval)
	tokens.SetLogger(cfg.Logger)
	tokens.SetAccessTTL(cfg.AccessTokenTTL)
	tokens.SetRefreshTTL(cfg.RefreshTokenTTL)
	tokens.SetRefreshPolicy(policy)
	tokens.SetRotateRefresh(*cfg.RotateRefreshTokens)

	codes.SetInstrumentation(cfg.Instrumentation)
	tokens.SetInstrumentation(cfg.Instrumentation)

	s.stoppers = append(s.stoppers, codes.Stop, tokens.Stop)
	return codes, tokens
}

func (s *Server) newValkeyBackends(cfg *Config, accessGen generator.TagGenerator, policy issuer.RefreshPolicy) (*valkey.Authorizer, *valkey.Issuer, error) {
	store, err := valkey.New(valkey.Config{
		Address:          cfg.Valkey.Address,
		Password:         cfg.Valkey.Password,
		DB:               cfg.Valkey.DB,
		KeyPrefix:        cfg.Valkey.KeyPrefix,
		OperationTimeout: cfg.Valkey.OperationTimeout,
		Logger:           cfg.Logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	if cfg.EncryptionKey != "" {
		key, err := security.KeyFromBase64(cfg.EncryptionKey)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		enc, err := security.NewEncryptor(key)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		store.SetEncryptor(enc)
	}

	codes := store.Authorizer()
	codes.SetCodeTTL(cfg.CodeTTL)

	tokens := store.Issuer()
	tokens.SetGenerators(accessGen, generator.NewRandomGenerator(0))
	tokens.SetAccessTTL(cfg.AccessTokenTTL)
	tokens.SetRefreshTTL(cfg.RefreshTokenTTL)
	tokens.SetRefreshPolicy(policy)
	tokens.SetRotateRefresh(*cfg.RotateRefreshTokens)

	s.stoppers = append(s.stoppers, store.Close)
	return codes, tokens, nil
}

func (s *Server) backendName() string {
	if s.Config.Valkey.Enabled() {
		return "valkey"
	}
	return "memory"
}

// Registrar returns the client registrar
func (s *Server) Registrar() *adapter.Registrar {
	return s.registrar
}

// Authorizer returns the authorization code store
func (s *Server) Authorizer() *adapter.Authorizer {
	return s.authorizer
}

// Issuer returns the token issuer
func (s *Server) Issuer() *adapter.Issuer {
	return s.issuer
}

// Shutdown stops cleanup goroutines and closes backend connections. It is
// safe to call more than once. Instrumentation passed in Config is not
// shut down.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.shutdownOnce.Do(func() {
			for _, stop := range s.stoppers {
				stop()
			}
			s.Logger.Info("Grant server stopped")
		})
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
