// Package telemetry provides the structured logging, metrics, and tracing
// surface used throughout the orchestrator, bus, and agent runtime,
// mirroring the split the teacher uses between runtime/agent/telemetry's
// Logger/Metrics/Tracer interfaces and its Noop/Clue implementations
// (SPEC_FULL.md §1).
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging. Implementations typically
	// delegate to goa.design/clue/log; the interface stays small so
	// tests can supply a lightweight stub.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and histogram helpers for runtime
	// instrumentation. The orchestrator records two counters,
	// conversation.events.appended and conversation.guidance.emitted; no
	// caller records a timer.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer abstracts span creation so runtime code stays agnostic of
	// the underlying OpenTelemetry provider.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span represents an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}

	// Telemetry bundles the three facets so components take a single
	// dependency instead of three.
	Telemetry interface {
		Logger() Logger
		Metrics() Metrics
		Tracer() Tracer
	}

	bundle struct {
		logger  Logger
		metrics Metrics
		tracer  Tracer
	}
)

func (b bundle) Logger() Logger   { return b.logger }
func (b bundle) Metrics() Metrics { return b.metrics }
func (b bundle) Tracer() Tracer   { return b.tracer }

// New bundles explicit Logger/Metrics/Tracer implementations.
func New(l Logger, m Metrics, t Tracer) Telemetry {
	return bundle{logger: l, metrics: m, tracer: t}
}

// Noop returns a Telemetry whose facets discard everything, for tests and
// local tooling.
func Noop() Telemetry {
	return bundle{logger: NoopLogger{}, metrics: NoopMetrics{}, tracer: NoopTracer{}}
}
