package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	grants "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/security"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "grants:"

	// DefaultOperationTimeout bounds every round trip made by a primitive call
	DefaultOperationTimeout = 2 * time.Second

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength is the longest code or token looked up in Valkey.
	// Longer inputs are treated as absent without a round trip.
	MaxTokenLength = 4096

	// maxTagAttempts bounds retries when a minted tag collides with a live key
	maxTagAttempts = 5
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "grants:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// OperationTimeout bounds each primitive call (default 2s)
	OperationTimeout time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store owns the Valkey connection shared by the Authorizer and Issuer it
// hands out.
type Store struct {
	client  valkeygo.Client
	prefix  string
	timeout time.Duration

	// mu guards the settings below, which may change while calls run
	mu        sync.RWMutex
	logger    *slog.Logger
	clock     security.Clock
	encryptor *security.Encryptor
}

// New creates a new Valkey-backed store.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := NewWithClient(client, cfg)
	s.log().Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewWithClient wraps an existing client. Address, Password, DB and TLS of
// cfg are ignored.
func NewWithClient(client valkeygo.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		client:  client,
		prefix:  prefix,
		timeout: timeout,
		logger:  logger,
		clock:   security.SystemClock,
	}
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.log().Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock sets the time source for expiry decisions. Keys additionally
// carry a server-side TTL.
func (s *Store) SetClock(clock security.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *Store) log() *slog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

func (s *Store) now() time.Time {
	s.mu.RLock()
	clock := s.clock
	s.mu.RUnlock()
	return clock()
}

// SetEncryptor sets the encryptor for grants at rest. Each value is bound
// to its key, so a value copied to another key fails to decrypt.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	s.encryptor = enc
	s.mu.Unlock()
	if enc.IsEnabled() {
		s.log().Info("Grant encryption at rest enabled for Valkey storage")
	}
}

// getEncryptor returns the current encryptor (thread-safe)
func (s *Store) getEncryptor() *security.Encryptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encryptor
}

// Authorizer returns a grants.Authorizer backed by this store
func (s *Store) Authorizer() *Authorizer {
	return newAuthorizer(s)
}

// Issuer returns a grants.Issuer and grants.Revoker backed by this store
func (s *Store) Issuer() *Issuer {
	return newIssuer(s)
}

// opContext returns the bounded context of one primitive call
func (s *Store) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// ============================================================
// Records
// ============================================================

// record is the value stored under every code, access and refresh key
type record struct {
	Grant     grants.Grant `json:"grant"`
	ExpiresAt time.Time    `json:"expires_at,omitzero"`
}

// encode serializes and optionally seals a record for key
func (s *Store) encode(rec record, key string) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	sealed, err := s.getEncryptor().Seal(data, key)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt record: %w", err)
	}
	return sealed, nil
}

// decode reverses encode
func (s *Store) decode(value, key string) (record, error) {
	data, err := s.getEncryptor().Open(value, key)
	if err != nil {
		return record{}, fmt.Errorf("failed to decrypt record: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

// ttlMillis returns the key TTL for a record expiring at expiresAt, 0 for
// no expiry. A deadline already passed yields 1ms so the key vanishes.
func (s *Store) ttlMillis(expiresAt time.Time) int64 {
	if expiresAt.IsZero() {
		return 0
	}
	ms := expiresAt.Sub(s.now()).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

// ============================================================
// Key Helpers
// ============================================================

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + code
}

// accessKey returns the key for an access token: {prefix}access:{token}
func (s *Store) accessKey(token string) string {
	return s.prefix + "access:" + token
}

// refreshKey returns the key for a refresh token: {prefix}refresh:{token}
func (s *Store) refreshKey(token string) string {
	return s.prefix + "refresh:" + token
}

// pairedAccessKey returns the key holding the access key last minted with
// a refresh token: {prefix}refresh-access:{token}. It is kept in plaintext
// next to the refresh record so scripts can revoke both without decoding.
func (s *Store) pairedAccessKey(refresh string) string {
	return s.prefix + "refresh-access:" + refresh
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
