package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "oauth-grants"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// scopePrefix prefixes every meter and tracer name
	scopePrefix = "github.com/giantswarm/oauth-grants/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used.
	Enabled bool

	// MeterProvider is used when Enabled. Defaults to the global provider.
	MeterProvider metric.MeterProvider

	// TracerProvider is used when Enabled. Defaults to the global provider.
	TracerProvider trace.TracerProvider

	// Resource allows custom resource attributes.
	// If nil, a resource with service name and version is created.
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// shutdownFuncs must only be appended to during New
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		inst.meterProvider = config.MeterProvider
		if inst.meterProvider == nil {
			inst.meterProvider = otel.GetMeterProvider()
		}
		inst.tracerProvider = config.TracerProvider
		if inst.tracerProvider == nil {
			inst.tracerProvider = otel.GetTracerProvider()
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// Shutdown runs the registered shutdown functions once
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope ("adapter", "storage", ...)
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope ("adapter", "storage", ...)
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// Resource returns the resource describing this service
func (i *Instrumentation) Resource() *resource.Resource {
	return i.resource
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// StoreSizeCallback returns the current number of entries of a store
type StoreSizeCallback func() int64

// StoreSizes groups the size callbacks a store can report. Nil callbacks
// are skipped.
type StoreSizes struct {
	Codes         StoreSizeCallback
	AccessTokens  StoreSizeCallback
	RefreshTokens StoreSizeCallback
	Clients       StoreSizeCallback
}

// RegisterStoreSizeCallbacks registers gauges observing store sizes.
// The returned registration can be unregistered when the store stops.
func (i *Instrumentation) RegisterStoreSizeCallbacks(sizes StoreSizes) (metric.Registration, error) {
	m := i.metrics
	return i.Meter("storage").RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			if sizes.Codes != nil {
				observer.ObserveInt64(m.StoreCodes, sizes.Codes())
			}
			if sizes.AccessTokens != nil {
				observer.ObserveInt64(m.StoreAccessTokens, sizes.AccessTokens())
			}
			if sizes.RefreshTokens != nil {
				observer.ObserveInt64(m.StoreRefreshTokens, sizes.RefreshTokens())
			}
			if sizes.Clients != nil {
				observer.ObserveInt64(m.StoreClients, sizes.Clients())
			}
			return nil
		},
		m.StoreCodes,
		m.StoreAccessTokens,
		m.StoreRefreshTokens,
		m.StoreClients,
	)
}
