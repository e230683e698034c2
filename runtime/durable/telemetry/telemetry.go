// Package telemetry carries the logging, metrics and tracing seams used by the
// durable runtime. The default implementations delegate to goa.design/clue/log
// and OpenTelemetry; the no-op implementations are used by tests and by
// callers that do not configure observability.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope used for OTEL meters and tracers.
const ScopeName = "goa.design/goa-durable/runtime"

type (
	// Logger is the structured logger used by workflows, hosts and registries.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer starts spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is an in-flight tracing span.
	//
	//	ctx, span := tracer.Start(ctx, "durable.step")
	//	defer span.End()
	//	span.SetStatus(codes.Ok, "")
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}

	// replaySafeLogger drops entries while the host replays a run so that a
	// body re-executed to rebuild state logs each line once.
	replaySafeLogger struct {
		next      Logger
		replaying func() bool
	}
)

// NewReplaySafeLogger wraps next so that nothing is logged while replaying
// reports true. A nil replaying function never suppresses.
func NewReplaySafeLogger(next Logger, replaying func() bool) Logger {
	if next == nil {
		next = NewNoopLogger()
	}
	if replaying == nil {
		return next
	}
	return &replaySafeLogger{next: next, replaying: replaying}
}

func (l *replaySafeLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	if !l.replaying() {
		l.next.Debug(ctx, msg, keyvals...)
	}
}

func (l *replaySafeLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	if !l.replaying() {
		l.next.Info(ctx, msg, keyvals...)
	}
}

func (l *replaySafeLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	if !l.replaying() {
		l.next.Warn(ctx, msg, keyvals...)
	}
}

func (l *replaySafeLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	if !l.replaying() {
		l.next.Error(ctx, msg, keyvals...)
	}
}
