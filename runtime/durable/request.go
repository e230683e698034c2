package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/goa-durable/runtime/durable/outcome"
	"goa.design/goa-durable/runtime/durable/schema"
)

// Request declares a schema-typed step. Tag names the step. Payload, Success
// and Failure are the schemas of the step input, its value and its typed
// failure. A nil Payload or Success is plain JSON with no validation. A nil
// Failure declares that the step never fails: any failure it returns is
// treated as a defect.
type Request[P, A any, E error] struct {
	Tag     string
	Payload *schema.Schema[P]
	Success *schema.Schema[A]
	Failure *schema.Schema[E]
}

// StepFunc is the durable step produced by Fn.
type StepFunc[P, A any] func(wf *Workflow, payload P, opts ...StepOption) (A, error)

// Fn binds handler to req and returns the resulting durable step.
//
// The payload is encoded with the payload schema before the step is handed to
// the host and decoded again inside every attempt, so handler only sees what
// survives serialization. Values and failures are validated against their
// schemas in both directions; a value that does not validate is a defect.
// Failures are matched against E with errors.As and returned to the caller
// as E after the host gives up retrying.
func Fn[P, A any, E error](req Request[P, A, E], handler func(ctx context.Context, payload P) (A, error)) StepFunc[P, A] {
	if req.Tag == "" {
		panic("durable: request tag is required")
	}
	if req.Payload == nil {
		req.Payload = schema.MustNew[P](req.Tag + "Payload")
	}
	if req.Success == nil {
		req.Success = schema.MustNew[A](req.Tag + "Success")
	}
	codec := outcome.Codec[A]{
		EncodeValue: req.Success.Encode,
		DecodeValue: req.Success.Decode,
		EncodeFailure: func(err error) (json.RawMessage, error) {
			if req.Failure == nil {
				return nil, fmt.Errorf("step %s declares no failure, got %w", req.Tag, err)
			}
			var e E
			if !errors.As(err, &e) {
				return nil, fmt.Errorf("step %s: failure %T does not match %s", req.Tag, err, req.Failure.Name())
			}
			return req.Failure.Encode(e)
		},
		DecodeFailure: func(raw json.RawMessage) (error, error) {
			if req.Failure == nil {
				return nil, fmt.Errorf("step %s declares no failure", req.Tag)
			}
			e, err := req.Failure.Decode(raw)
			if err != nil {
				return nil, err
			}
			return e, nil
		},
		Void: req.Success.IsVoid(),
	}

	return func(wf *Workflow, payload P, opts ...StepOption) (A, error) {
		raw, err := req.Payload.Encode(payload)
		if err != nil {
			panic(&Defect{Step: req.Tag, Cause: outcome.NewDefect(err)})
		}
		return runStep(wf, req.Tag, codec, buildConfig(opts), func(ctx context.Context) (A, error) {
			p, err := req.Payload.Decode(raw)
			if err != nil {
				var zero A
				return zero, outcome.NewDefect(err)
			}
			return handler(ctx, p)
		})
	}
}
