package adapter

import (
	"log/slog"

	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/security"
)

// Option configures a wrapper
type Option func(*options)

type options struct {
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	auditor         *security.Auditor
	checkRate       float64
	checkBurst      int
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithInstrumentation enables spans and metrics
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(o *options) {
		o.instrumentation = inst
	}
}

// WithAuditor enables security audit events
func WithAuditor(auditor *security.Auditor) Option {
	return func(o *options) {
		o.auditor = auditor
	}
}

// WithCheckRateLimit throttles failed client checks to rate per second per
// client id, allowing bursts of burst failures. Only used by NewRegistrar;
// a non-positive rate disables throttling.
func WithCheckRateLimit(rate float64, burst int) Option {
	return func(o *options) {
		o.checkRate = rate
		o.checkBurst = burst
	}
}
