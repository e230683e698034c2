package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

type (
	// ClueLogger logs through goa.design/clue/log. Formatting and debug
	// settings come from the context (log.Context, log.WithFormat,
	// log.WithDebug).
	ClueLogger struct{}

	// OTELMetrics records metrics with the global OTEL MeterProvider.
	// Instruments are created once per name.
	OTELMetrics struct {
		meter      metric.Meter
		counters   sync.Map // name -> metric.Float64Counter
		histograms sync.Map // name -> metric.Float64Histogram
	}

	// OTELTracer starts spans with the global OTEL TracerProvider.
	OTELTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewClueLogger returns a Logger that delegates to goa.design/clue/log.
func NewClueLogger() Logger {
	return ClueLogger{}
}

// NewOTELMetrics returns a Metrics recorder backed by the global
// MeterProvider. Configure it with otel.SetMeterProvider before use.
func NewOTELMetrics() Metrics {
	return &OTELMetrics{meter: otel.Meter(ScopeName)}
}

// NewOTELTracer returns a Tracer backed by the global TracerProvider.
func NewOTELTracer() Tracer {
	return &OTELTracer{tracer: otel.Tracer(ScopeName)}
}

// Debug implements Logger.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	fielders, _ := toFielders(msg, keyvals)
	log.Debug(ctx, fielders...)
}

// Info implements Logger.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	fielders, _ := toFielders(msg, keyvals)
	log.Info(ctx, fielders...)
}

// Warn implements Logger.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	fielders, _ := toFielders(msg, keyvals)
	log.Warn(ctx, fielders...)
}

// Error implements Logger. A value stored under the "error" key is passed to
// clue as the logged error.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	fielders, err := toFielders(msg, keyvals)
	log.Error(ctx, err, fielders...)
}

// IncCounter implements Metrics.
func (m *OTELMetrics) IncCounter(name string, value float64, tags ...string) {
	var counter metric.Float64Counter
	if c, ok := m.counters.Load(name); ok {
		counter = c.(metric.Float64Counter)
	} else {
		c, err := m.meter.Float64Counter(name)
		if err != nil {
			return
		}
		actual, _ := m.counters.LoadOrStore(name, c)
		counter = actual.(metric.Float64Counter)
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer implements Metrics. Durations are recorded in seconds.
func (m *OTELMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	var hist metric.Float64Histogram
	if h, ok := m.histograms.Load(name); ok {
		hist = h.(metric.Float64Histogram)
	} else {
		h, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
		if err != nil {
			return
		}
		actual, _ := m.histograms.LoadOrStore(name, h)
		hist = actual.(metric.Float64Histogram)
	}
	hist.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

// Start implements Tracer.
func (t *OTELTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, &otelSpan{span: span}
}

func (s *otelSpan) End(opts ...trace.SpanEndOption) {
	s.span.End(opts...)
}

func (s *otelSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvToAttrs(attrs)...))
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

// toFielders converts alternating key-value pairs into clue fielders prefixed
// by the message. Non-string keys are skipped and a trailing key is paired
// with nil. The first error found under the "error" key is returned apart.
func toFielders(msg string, keyvals []any) ([]log.Fielder, error) {
	fielders := make([]log.Fielder, 0, 1+len(keyvals)/2)
	fielders = append(fielders, log.KV{K: "msg", V: msg})
	var logged error
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		if err, isErr := v.(error); isErr && k == "error" && logged == nil {
			logged = err
			continue
		}
		fielders = append(fielders, log.KV{K: k, V: v})
	}
	return fielders, logged
}

func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, (len(tags)+1)/2)
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}

func kvToAttrs(keyvals []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		k, _ := keyvals[i].(string)
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case error:
			attrs = append(attrs, attribute.String(k, val.Error()))
		default:
			attrs = append(attrs, attribute.String(k, ""))
		}
	}
	return attrs
}
