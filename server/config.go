package server

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/giantswarm/oauth-grants/authorizer"
	"github.com/giantswarm/oauth-grants/generator"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/issuer"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage/valkey"
)

// EnvPrefix prefixes every environment variable read by LoadConfigFromEnv
const EnvPrefix = "OAUTH_GRANTS_"

// Redirect policies
const (
	RedirectPolicyExact    = "exact"
	RedirectPolicyLoopback = "loopback"
)

// Token formats
const (
	TokenFormatOpaque = "opaque"
	TokenFormatJWT    = "jwt"
)

// Config holds the settings of a Server
type Config struct {
	// CodeTTL is how long authorization codes are valid
	CodeTTL time.Duration `env:"CODE_TTL"` // default: 10m

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL time.Duration `env:"ACCESS_TOKEN_TTL"` // default: 1h

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL"` // default: 720h

	// RotateRefreshTokens replaces the refresh token on every refresh.
	// Default: true
	RotateRefreshTokens *bool `env:"ROTATE_REFRESH_TOKENS"`

	// RefreshPolicy decides which grants get a refresh token:
	// "always", "offline_access" or "never". Default: "always"
	RefreshPolicy string `env:"REFRESH_POLICY"`

	// RedirectPolicy is "exact" or "loopback". The loopback policy ignores
	// the port of loopback redirect URIs (RFC 8252 §7.3). Default: "exact"
	RedirectPolicy string `env:"REDIRECT_POLICY"`

	// TokenFormat is "opaque" or "jwt". Default: "opaque"
	TokenFormat string `env:"TOKEN_FORMAT"`

	// JWTSigningKey is the HMAC key for "jwt" access tokens, at least
	// 32 bytes
	JWTSigningKey string `env:"JWT_SIGNING_KEY"`

	// JWTIssuer is the iss claim of "jwt" access tokens
	JWTIssuer string `env:"JWT_ISSUER"`

	// EncryptionKey is a base64 encoded 32-byte key for grants stored in
	// Valkey. Empty disables encryption at rest.
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// CleanupInterval is how often in-memory stores drop expired entries.
	// Default: 1m
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL"`

	// CheckRateLimit is the number of failed client checks per second
	// allowed per client id. Zero disables throttling.
	CheckRateLimit float64 `env:"CHECK_RATE_LIMIT"`

	// CheckBurst is the number of failed client checks allowed in a burst.
	// Default: 5 when CheckRateLimit is set
	CheckBurst int `env:"CHECK_BURST"`

	// AuditEnabled turns on security audit logging
	AuditEnabled bool `env:"AUDIT_ENABLED"`

	// Valkey selects the Valkey backend for codes and tokens when
	// Valkey.Address is set. Otherwise in-memory stores are used.
	Valkey ValkeyConfig `envPrefix:"VALKEY_"`

	// Logger defaults to slog.Default()
	Logger *slog.Logger `env:"-"`

	// Instrumentation enables spans and metrics. Nil disables them.
	Instrumentation *instrumentation.Instrumentation `env:"-"`
}

// ValkeyConfig holds the connection settings of the Valkey backend
type ValkeyConfig struct {
	Address          string        `env:"ADDRESS"`
	Password         string        `env:"PASSWORD"`
	DB               int           `env:"DB"`
	KeyPrefix        string        `env:"KEY_PREFIX"`
	OperationTimeout time.Duration `env:"OPERATION_TIMEOUT"`
}

// Enabled reports whether the Valkey backend is configured
func (c ValkeyConfig) Enabled() bool {
	return c.Address != ""
}

// LoadConfigFromEnv reads a Config from OAUTH_GRANTS_* environment
// variables, e.g. OAUTH_GRANTS_ACCESS_TOKEN_TTL or
// OAUTH_GRANTS_VALKEY_ADDRESS. Defaults are applied by New.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// applyDefaults fills unset fields
func applyDefaults(cfg *Config) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CodeTTL == 0 {
		cfg.CodeTTL = authorizer.DefaultCodeTTL
	}
	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = issuer.DefaultAccessTTL
	}
	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = issuer.DefaultRefreshTTL
	}
	if cfg.RotateRefreshTokens == nil {
		rotate := true
		cfg.RotateRefreshTokens = &rotate
	}
	if cfg.RefreshPolicy == "" {
		cfg.RefreshPolicy = issuer.RefreshAlways.String()
	}
	if cfg.RedirectPolicy == "" {
		cfg.RedirectPolicy = RedirectPolicyExact
	}
	if cfg.TokenFormat == "" {
		cfg.TokenFormat = TokenFormatOpaque
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = authorizer.DefaultCleanupInterval
	}
	if cfg.CheckRateLimit > 0 && cfg.CheckBurst == 0 {
		cfg.CheckBurst = 5
	}
	if cfg.Valkey.Enabled() {
		if cfg.Valkey.KeyPrefix == "" {
			cfg.Valkey.KeyPrefix = valkey.DefaultKeyPrefix
		}
		if cfg.Valkey.OperationTimeout == 0 {
			cfg.Valkey.OperationTimeout = valkey.DefaultOperationTimeout
		}
	}
}

// Validate reports inconsistent settings. It expects defaults applied.
func (c *Config) Validate() error {
	var errs []error

	if c.CodeTTL < 0 || c.AccessTokenTTL < 0 || c.RefreshTokenTTL < 0 {
		errs = append(errs, errors.New("TTLs must not be negative"))
	}
	if _, err := issuer.ParseRefreshPolicy(c.RefreshPolicy); err != nil {
		errs = append(errs, err)
	}
	switch c.RedirectPolicy {
	case RedirectPolicyExact, RedirectPolicyLoopback:
	default:
		errs = append(errs, fmt.Errorf("unknown redirect policy %q", c.RedirectPolicy))
	}
	switch c.TokenFormat {
	case TokenFormatOpaque:
		if c.JWTSigningKey != "" {
			errs = append(errs, errors.New("JWT signing key set but token format is opaque"))
		}
	case TokenFormatJWT:
		if len(c.JWTSigningKey) < generator.MinAssertionKeyBytes {
			errs = append(errs, fmt.Errorf("JWT signing key must be at least %d bytes", generator.MinAssertionKeyBytes))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown token format %q", c.TokenFormat))
	}
	if c.EncryptionKey != "" {
		if !c.Valkey.Enabled() {
			errs = append(errs, errors.New("encryption key requires the Valkey backend"))
		}
		if _, err := security.KeyFromBase64(c.EncryptionKey); err != nil {
			errs = append(errs, fmt.Errorf("invalid encryption key: %w", err))
		}
	}
	if c.CheckRateLimit < 0 || c.CheckBurst < 0 {
		errs = append(errs, errors.New("check rate limit and burst must not be negative"))
	}
	if c.Valkey.OperationTimeout < 0 {
		errs = append(errs, errors.New("valkey operation timeout must not be negative"))
	}

	return errors.Join(errs...)
}

// logSecurityWarnings logs settings that weaken the issued grants
func logSecurityWarnings(cfg *Config) {
	logger := cfg.Logger
	if !*cfg.RotateRefreshTokens {
		logger.Warn("SECURITY WARNING: refresh token rotation is DISABLED",
			"risk", "A leaked refresh token stays usable until it expires",
			"recommendation", "Set RotateRefreshTokens=true")
	}
	if cfg.Valkey.Enabled() && cfg.EncryptionKey == "" {
		logger.Warn("SECURITY NOTICE: grants are stored in Valkey without encryption",
			"recommendation", "Set EncryptionKey to encrypt grants at rest")
	}
	if cfg.CheckRateLimit == 0 {
		logger.Warn("SECURITY NOTICE: client check throttling is disabled",
			"risk", "Online guessing of client passphrases",
			"recommendation", "Set CheckRateLimit")
	}
}
