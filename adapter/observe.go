package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-grants/instrumentation"
)

// observer starts spans and records operation metrics for one component
type observer struct {
	component string
	tracer    trace.Tracer
	metrics   *instrumentation.Metrics
}

func newObserver(component string, inst *instrumentation.Instrumentation) observer {
	o := observer{
		component: component,
		tracer:    tracenoop.NewTracerProvider().Tracer(""),
	}
	if inst != nil {
		o.tracer = inst.Tracer("adapter")
		o.metrics = inst.Metrics()
	}
	return o
}

// start opens the span of an operation
func (o observer) start(ctx context.Context, operation string) (context.Context, trace.Span, time.Time) {
	ctx, span := o.tracer.Start(ctx, fmt.Sprintf("%s.%s", o.component, operation))
	instrumentation.AddOperationAttributes(span, o.component, operation)
	return ctx, span, time.Now()
}

// finish records the outcome of an operation and ends its span. A nil err
// with a non-empty result records that result instead of success.
func (o observer) finish(ctx context.Context, span trace.Span, operation string, started time.Time, result string, err error) {
	defer span.End()

	if err != nil {
		result = instrumentation.ResultError
		instrumentation.RecordError(span, err)
	} else {
		if result == "" {
			result = instrumentation.ResultSuccess
		}
		instrumentation.SetSpanSuccess(span)
	}

	if o.metrics == nil {
		return
	}
	durationMs := float64(time.Since(started).Microseconds()) / 1000
	o.metrics.RecordOperation(ctx, o.component, operation, result, durationMs)
}

// foundResult maps a lookup outcome to a result attribute value
func foundResult(found bool) string {
	if found {
		return instrumentation.ResultFound
	}
	return instrumentation.ResultAbsent
}
