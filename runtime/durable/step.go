package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/goa-durable/runtime/durable/hooks"
	"goa.design/goa-durable/runtime/durable/host"
	"goa.design/goa-durable/runtime/durable/outcome"
)

const (
	metricStepAttempts = "durable.step.attempts"
	metricStepDuration = "durable.step.duration"
	spanStep           = "durable.step"
)

type (
	// StepOption configures the descriptor of a step call.
	StepOption func(*host.StepConfig)

	// envelopeError is returned to the host to request a retry. Its message
	// is the JSON envelope of the failed attempt so the failure can be
	// rebuilt once the host gives up.
	envelopeError struct {
		envelope string
	}
)

// WithRetries sets the retry policy of the step.
func WithRetries(limit int, delay time.Duration, backoff host.Backoff) StepOption {
	return WithRetryPolicy(host.RetryPolicy{Limit: limit, Delay: delay, Backoff: backoff})
}

// WithRetryPolicy sets the retry policy of the step.
func WithRetryPolicy(p host.RetryPolicy) StepOption {
	return func(c *host.StepConfig) {
		c.Retries = &p
	}
}

// WithTimeout bounds each attempt of the step.
func WithTimeout(d time.Duration) StepOption {
	return func(c *host.StepConfig) {
		c.Timeout = d
	}
}

// Do runs fn as the durable step name and returns its value.
//
// A nil error from fn is a success. Any other error is a failure that the
// host retries per the step's retry policy; after the last attempt the
// failure is returned to the caller as an *outcome.Error carrying the same
// tag and message. An error wrapping an *outcome.DefectError, or a panic in
// fn, is a defect: it is persisted once, never retried, and aborts the body
// with a *Defect panic.
func Do[T any](wf *Workflow, name string, fn func(ctx context.Context) (T, error), opts ...StepOption) (T, error) {
	return runStep(wf, name, outcome.JSONCodec[T](), buildConfig(opts), fn)
}

// Exec is the variant of Do for steps that produce no value.
func Exec(wf *Workflow, name string, fn func(ctx context.Context) error, opts ...StepOption) error {
	codec := outcome.JSONCodec[struct{}]()
	codec.Void = true
	_, err := runStep(wf, name, codec, buildConfig(opts), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func buildConfig(opts []StepOption) host.StepConfig {
	var cfg host.StepConfig
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	return cfg
}

// runStep drives one step call through the host and decodes the persisted
// outcome.
func runStep[A any](wf *Workflow, name string, codec outcome.Codec[A], cfg host.StepConfig, fn func(context.Context) (A, error)) (A, error) {
	var zero A
	callback := func(ctx context.Context) (json.RawMessage, error) {
		o := attempt(ctx, wf, name, fn)
		env := codec.Encode(o)
		data, err := env.Marshal()
		if err != nil {
			env = codec.Encode(outcome.Die[A](outcome.NewDefect(fmt.Errorf("marshal envelope: %w", err))))
			data, _ = env.Marshal()
		}
		if env.Tag == outcome.TagFailure {
			return nil, &envelopeError{envelope: string(data)}
		}
		return data, nil
	}

	raw, err := wf.ctrl.Do(wf.ctx, name, cfg, callback)
	var env outcome.Envelope
	switch {
	case err != nil:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		env, err = reconcile(err)
		if err != nil {
			var exhausted *host.ExhaustedError
			if !errors.As(err, &exhausted) || !exhausted.TimedOut {
				wf.logger.Error(wf.ctx, "durable step failed with an unreadable error", "step", name, "error", err)
				panic(&Defect{Step: name, Cause: err.Error()})
			}
			env = codec.Encode(outcome.Fail[A](timeoutFailure(name)))
		}
	case len(raw) == 0 || string(raw) == "null":
		return zero, nil
	default:
		env, err = outcome.ParseEnvelope(raw)
		if err != nil {
			panic(&Defect{Step: name, Cause: outcome.NewDefect(err)})
		}
	}

	o, err := codec.Decode(env)
	if err != nil {
		panic(&Defect{Step: name, Cause: outcome.NewDefect(err)})
	}
	switch o.Tag {
	case outcome.TagSuccess:
		wf.logger.Info(wf.ctx, "durable step completed", "step", name)
		return o.Value, nil
	case outcome.TagFailure:
		wf.logger.Warn(wf.ctx, "durable step failed", "step", name, "error", o.Failure)
		return zero, o.Failure
	default:
		wf.logger.Error(wf.ctx, "durable step died", "step", name, "defect", fmt.Sprint(o.Defect))
		panic(&Defect{Step: name, Cause: o.Defect})
	}
}

// reconcile recovers the envelope of the last failed attempt from the error
// returned by the host once retries are exhausted. It returns the host error
// unchanged when no envelope can be found in it.
func reconcile(err error) (outcome.Envelope, error) {
	msg := err.Error()
	var exhausted *host.ExhaustedError
	if errors.As(err, &exhausted) {
		msg = exhausted.Message
	}
	env, perr := outcome.ExtractEnvelope(msg)
	if perr != nil {
		return outcome.Envelope{}, err
	}
	return env, nil
}

// attempt runs a single attempt of fn, converting panics into defects and
// recording hooks, metrics and a span for it.
func attempt[A any](ctx context.Context, wf *Workflow, name string, fn func(context.Context) (A, error)) (o outcome.Outcome[A]) {
	n := host.AttemptFromContext(ctx)
	ctx, span := wf.tracer.Start(ctx, spanStep, trace.WithAttributes(
		attribute.String("durable.workflow", wf.name),
		attribute.String("durable.instance", wf.event.InstanceID),
		attribute.String("durable.step", name),
		attribute.Int("durable.attempt", n),
	))
	start := time.Now()
	wf.publish(ctx, hooks.NewStepEvent(hooks.StepAttempted, wf.name, wf.event.InstanceID, name, n, nil))

	defer func() {
		if r := recover(); r != nil {
			o = outcome.Die[A](outcome.DefectFromPanic(r))
		}
		wf.metrics.IncCounter(metricStepAttempts, 1, "step", name, "outcome", string(o.Tag))
		wf.metrics.RecordTimer(metricStepDuration, time.Since(start), "step", name)
		switch o.Tag {
		case outcome.TagSuccess:
			span.SetStatus(codes.Ok, "")
			wf.publish(ctx, hooks.NewStepEvent(hooks.StepSucceeded, wf.name, wf.event.InstanceID, name, n, nil))
		case outcome.TagFailure:
			span.RecordError(o.Failure)
			span.SetStatus(codes.Error, o.Failure.Error())
			wf.baseLog.Warn(ctx, "durable step attempt failed", "step", name, "attempt", n, "error", o.Failure)
			wf.publish(ctx, hooks.NewStepEvent(hooks.StepFailed, wf.name, wf.event.InstanceID, name, n, o.Failure))
		default:
			derr := fmt.Errorf("%v", o.Defect)
			span.RecordError(derr)
			span.SetStatus(codes.Error, derr.Error())
			wf.baseLog.Error(ctx, "durable step attempt died", "step", name, "attempt", n, "error", derr)
			wf.publish(ctx, hooks.NewStepEvent(hooks.StepDied, wf.name, wf.event.InstanceID, name, n, derr))
		}
		span.End()
	}()

	v, err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = timeoutFailure(name)
	}
	return outcome.FromResult(v, err)
}

// timeoutFailure is the failure recorded for an attempt aborted by its
// timeout. Hosts that abort the attempt themselves report it the same way.
func timeoutFailure(name string) *outcome.Error {
	return outcome.Errorf(outcome.TimeoutErrorTag, "step %s attempt timed out", name)
}

func (e *envelopeError) Error() string {
	return e.envelope
}
