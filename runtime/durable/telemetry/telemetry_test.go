package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"goa.design/clue/log"
)

type countingLogger struct {
	NoopLogger
	infos int
}

func (l *countingLogger) Info(context.Context, string, ...any) { l.infos++ }

func TestReplaySafeLogger(t *testing.T) {
	replaying := true
	next := &countingLogger{}
	logger := NewReplaySafeLogger(next, func() bool { return replaying })

	logger.Info(context.Background(), "step done")
	assert.Equal(t, 0, next.infos)

	replaying = false
	logger.Info(context.Background(), "step done")
	assert.Equal(t, 1, next.infos)
}

func TestReplaySafeLoggerWithoutProbe(t *testing.T) {
	next := &countingLogger{}
	assert.Same(t, Logger(next), NewReplaySafeLogger(next, nil))
	assert.NotNil(t, NewReplaySafeLogger(nil, nil))
}

func TestToFielders(t *testing.T) {
	boom := errors.New("boom")
	fielders, err := toFielders("hello", []any{"step", "Step1", 42, "skipped", "error", boom, "dangling"})
	require.ErrorIs(t, err, boom)
	require.Len(t, fielders, 3)
	assert.Equal(t, log.KV{K: "msg", V: "hello"}, fielders[0])
	assert.Equal(t, log.KV{K: "step", V: "Step1"}, fielders[1])
	assert.Equal(t, log.KV{K: "dangling", V: nil}, fielders[2])
}

func TestTagsToAttrs(t *testing.T) {
	attrs := tagsToAttrs([]string{"step", "Step1", "outcome"})
	require.Len(t, attrs, 2)
	assert.Equal(t, "Step1", attrs[0].Value.AsString())
	assert.Equal(t, "", attrs[1].Value.AsString())
}

func TestNoop(t *testing.T) {
	ctx := context.Background()
	NewNoopLogger().Error(ctx, "ignored", "k", "v")
	NewNoopMetrics().IncCounter("durable.step.attempts", 1, "step", "s")
	NewNoopMetrics().RecordTimer("durable.step.duration", time.Second)

	newCtx, span := NewNoopTracer().Start(ctx, "durable.step")
	require.Equal(t, ctx, newCtx)
	span.AddEvent("retry", "attempt", 2)
	span.SetStatus(codes.Error, "failed")
	span.RecordError(errors.New("x"))
	span.End()
}

func TestOTELDefaults(t *testing.T) {
	ctx, span := NewOTELTracer().Start(context.Background(), "durable.step")
	require.NotNil(t, ctx)
	span.SetStatus(codes.Ok, "")
	span.End()

	m := NewOTELMetrics()
	m.IncCounter("durable.step.attempts", 1, "step", "Step1")
	m.IncCounter("durable.step.attempts", 1, "step", "Step1")
	m.RecordTimer("durable.step.duration", time.Millisecond)
}

func TestMergeContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, MergeContext(ctx, nil))
	base := log.Context(context.Background())
	assert.NotNil(t, MergeContext(nil, base)) //nolint:staticcheck
}
