package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Result attribute values
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultFound   = "found"
	ResultAbsent  = "absent"
)

// Metrics holds all metric instruments of the grant primitives
type Metrics struct {
	// Authorization code metrics
	CodeIssued    metric.Int64Counter
	CodeExtracted metric.Int64Counter

	// Token metrics
	TokenIssued    metric.Int64Counter
	TokenRefreshed metric.Int64Counter
	TokenRecovered metric.Int64Counter
	TokenRevoked   metric.Int64Counter

	// Registrar metrics
	ClientCheck       metric.Int64Counter
	RateLimitExceeded metric.Int64Counter

	// Primitive operation metrics
	OperationTotal    metric.Int64Counter
	OperationDuration metric.Float64Histogram

	// Store size gauges (observed through RegisterStoreSizeCallbacks)
	StoreCodes         metric.Int64ObservableGauge
	StoreAccessTokens  metric.Int64ObservableGauge
	StoreRefreshTokens metric.Int64ObservableGauge
	StoreClients       metric.Int64ObservableGauge
}

type counterSpec struct {
	target      *metric.Int64Counter
	name        string
	description string
	unit        string
}

type gaugeSpec struct {
	target      *metric.Int64ObservableGauge
	name        string
	description string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	primitives := inst.Meter("primitives")
	storage := inst.Meter("storage")

	counters := []counterSpec{
		{&m.CodeIssued, "oauth.code.issued", "Number of authorization codes issued", "{code}"},
		{&m.CodeExtracted, "oauth.code.extracted", "Number of authorization code exchanges", "{exchange}"},
		{&m.TokenIssued, "oauth.token.issued", "Number of access tokens issued", "{token}"},
		{&m.TokenRefreshed, "oauth.token.refreshed", "Number of tokens refreshed", "{refresh}"},
		{&m.TokenRecovered, "oauth.token.recovered", "Number of token lookups", "{lookup}"},
		{&m.TokenRevoked, "oauth.token.revoked", "Number of tokens revoked", "{revocation}"},
		{&m.ClientCheck, "oauth.client.check", "Number of client authentications", "{check}"},
		{&m.RateLimitExceeded, "oauth.rate_limit.exceeded", "Number of throttled client checks", "{violation}"},
		{&m.OperationTotal, "oauth.primitive.operation.total", "Total number of primitive operations", "{operation}"},
	}
	for _, c := range counters {
		counter, err := primitives.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	var err error
	m.OperationDuration, err = primitives.Float64Histogram(
		"oauth.primitive.operation.duration",
		metric.WithDescription("Primitive operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create primitive.operation.duration histogram: %w", err)
	}

	gauges := []gaugeSpec{
		{&m.StoreCodes, "oauth.store.codes", "Number of outstanding authorization codes"},
		{&m.StoreAccessTokens, "oauth.store.access_tokens", "Number of stored access tokens"},
		{&m.StoreRefreshTokens, "oauth.store.refresh_tokens", "Number of stored refresh tokens"},
		{&m.StoreClients, "oauth.store.clients", "Number of registered clients"},
	}
	for _, g := range gauges {
		gauge, err := storage.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{entry}"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.target = gauge
	}

	return m, nil
}

// RecordCodeIssued records an authorization code being minted
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientID, clientID)))
}

// RecordCodeExtracted records a code exchange; found is false for unknown,
// expired or already used codes
func (m *Metrics) RecordCodeExtracted(ctx context.Context, found bool) {
	m.CodeExtracted.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrResult, foundResult(found))))
}

// RecordTokenIssued records an access token being issued
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID string, refreshable bool) {
	m.TokenIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
		attribute.Bool(AttrRefreshable, refreshable),
	))
}

// RecordTokenRefresh records a token refresh operation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
		attribute.Bool(AttrTokenRotated, rotated),
	))
}

// RecordTokenRecovered records a token lookup in the given space
// ("access" or "refresh")
func (m *Metrics) RecordTokenRecovered(ctx context.Context, space string, found bool) {
	m.TokenRecovered.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrTokenSpace, space),
		attribute.String(AttrResult, foundResult(found)),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context) {
	m.TokenRevoked.Add(ctx, 1)
}

// RecordClientCheck records a client authentication attempt
func (m *Metrics) RecordClientCheck(ctx context.Context, success bool) {
	result := ResultSuccess
	if !success {
		result = ResultError
	}
	m.ClientCheck.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrResult, result)))
}

// RecordRateLimitExceeded records a throttled client check
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context) {
	m.RateLimitExceeded.Add(ctx, 1)
}

// RecordOperation records a primitive operation with its duration
func (m *Metrics) RecordOperation(ctx context.Context, component, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrComponent, component),
		attribute.String(AttrOperation, operation),
		attribute.String(AttrResult, result),
	)
	m.OperationTotal.Add(ctx, 1, attrs)
	m.OperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String(AttrComponent, component),
		attribute.String(AttrOperation, operation),
	))
}

func foundResult(found bool) string {
	if found {
		return ResultFound
	}
	return ResultAbsent
}
