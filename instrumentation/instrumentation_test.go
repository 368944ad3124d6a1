package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{name: "disabled", config: Config{Enabled: false}},
		{name: "enabled with global providers", config: Config{Enabled: true, ServiceName: "test-service", ServiceVersion: "1.0.0"}},
		{name: "empty service name gets default", config: Config{Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if inst.Meter("adapter") == nil {
				t.Error("Meter() returned nil")
			}
			if inst.Tracer("adapter") == nil {
				t.Error("Tracer() returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
			if inst.Resource() == nil {
				t.Error("Resource() returned nil")
			}
			if err := inst.Shutdown(context.Background()); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
		})
	}
}

func newTestInstrumentation(t *testing.T) (*Instrumentation, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	inst, err := New(Config{
		Enabled:       true,
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return inst, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s is %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_Record(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()
	m := inst.Metrics()

	m.RecordCodeIssued(ctx, "app1")
	m.RecordCodeExtracted(ctx, true)
	m.RecordCodeExtracted(ctx, false)
	m.RecordTokenIssued(ctx, "app1", true)
	m.RecordTokenRefresh(ctx, "app1", true)
	m.RecordTokenRecovered(ctx, "access", true)
	m.RecordTokenRevocation(ctx)
	m.RecordClientCheck(ctx, false)
	m.RecordRateLimitExceeded(ctx)
	m.RecordOperation(ctx, "issuer", "issue", ResultSuccess, 1.5)

	got := collect(t, reader)

	want := map[string]int64{
		"oauth.code.issued":               1,
		"oauth.code.extracted":            2,
		"oauth.token.issued":              1,
		"oauth.token.refreshed":           1,
		"oauth.token.recovered":           1,
		"oauth.token.revoked":             1,
		"oauth.client.check":              1,
		"oauth.rate_limit.exceeded":       1,
		"oauth.primitive.operation.total": 1,
	}
	for name, value := range want {
		m, ok := got[name]
		if !ok {
			t.Errorf("metric %s not recorded", name)
			continue
		}
		if total := sumOf(t, m); total != value {
			t.Errorf("%s = %d, want %d", name, total, value)
		}
	}
	if _, ok := got["oauth.primitive.operation.duration"]; !ok {
		t.Error("duration histogram not recorded")
	}
}

func TestRegisterStoreSizeCallbacks(t *testing.T) {
	inst, reader := newTestInstrumentation(t)

	reg, err := inst.RegisterStoreSizeCallbacks(StoreSizes{
		Codes:        func() int64 { return 3 },
		AccessTokens: func() int64 { return 7 },
	})
	if err != nil {
		t.Fatalf("RegisterStoreSizeCallbacks() error = %v", err)
	}
	defer func() { _ = reg.Unregister() }()

	got := collect(t, reader)
	gauge, ok := got["oauth.store.codes"].Data.(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 3 {
		t.Errorf("oauth.store.codes = %+v, want single point 3", got["oauth.store.codes"].Data)
	}
	if _, ok := got["oauth.store.refresh_tokens"]; ok {
		if g := got["oauth.store.refresh_tokens"].Data.(metricdata.Gauge[int64]); len(g.DataPoints) != 0 {
			t.Error("nil callback must not be observed")
		}
	}
}

func TestSpanHelpers(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	AddGrantAttributes(span, "app1", "user", "read")
	AddOperationAttributes(span, "issuer", "issue")
	RecordError(span, errors.New("boom"))
	span.End()

	_, ok := tp.Tracer("test").Start(context.Background(), "ok")
	SetSpanSuccess(ok)
	ok.End()

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status().Code)
	}
	if spans[1].Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", spans[1].Status().Code)
	}

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs[AttrClientID] != "app1" || attrs[AttrOperation] != "issue" {
		t.Errorf("attributes = %v", attrs)
	}

	// nil-safe helpers
	RecordError(nil, errors.New("x"))
	SetSpanSuccess(nil)
	SetSpanAttributes(nil)
}
