package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/goa-durable/runtime/durable/hooks"
	"goa.design/goa-durable/runtime/durable/host"
	"goa.design/goa-durable/runtime/durable/schema"
	"goa.design/goa-durable/runtime/durable/telemetry"
)

// Policy controls what happens to a typed failure that reaches the top of a
// workflow body.
type Policy int

const (
	// LogFailures logs the failure and completes the run successfully.
	LogFailures Policy = iota
	// FailOnError treats the failure as a defect and fails the run.
	FailOnError
)

type (
	// WorkflowConfig declares a workflow.
	WorkflowConfig[P any] struct {
		// Name is the workflow tag used by registries.
		Name string
		// Binding is the key of the host binding that runs the workflow.
		Binding string
		// Schema decodes the run parameters from the host event.
		Schema *schema.Schema[P]
		// Zone is the calendar zone of Workflow.Now. Defaults to UTC.
		Zone *time.Location
		// Policy selects how top-level failures are handled.
		Policy Policy
		// Logger defaults to the clue logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
		// Tracer defaults to a no-op tracer.
		Tracer telemetry.Tracer
		// Hooks receives lifecycle events when set.
		Hooks hooks.Bus
	}

	// Body is the user-supplied workflow function.
	Body[P any] func(wf *Workflow, params P) error

	// Definition is a workflow ready to be registered with a host.
	Definition[P any] struct {
		cfg  WorkflowConfig[P]
		body Body[P]
	}
)

// MakeWorkflow builds the definition of a workflow. Hosts invoke it through
// Run; registries use its Tag, BindingKey and EncodeParams.
func MakeWorkflow[P any](cfg WorkflowConfig[P], body Body[P]) *Definition[P] {
	if cfg.Schema == nil {
		cfg.Schema = schema.MustNew[P](cfg.Name)
	}
	if cfg.Zone == nil {
		cfg.Zone = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewClueLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.NewNoopTracer()
	}
	return &Definition[P]{cfg: cfg, body: body}
}

// Tag returns the workflow tag.
func (d *Definition[P]) Tag() string {
	return d.cfg.Name
}

// BindingKey returns the key of the host binding running the workflow.
func (d *Definition[P]) BindingKey() string {
	return d.cfg.Binding
}

// Schema returns the parameter schema.
func (d *Definition[P]) Schema() *schema.Schema[P] {
	return d.cfg.Schema
}

// EncodeParams encodes params, a P or a *P, with the parameter schema.
func (d *Definition[P]) EncodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case P:
		return d.cfg.Schema.Encode(p)
	case *P:
		if p == nil {
			var zero P
			return d.cfg.Schema.Encode(zero)
		}
		return d.cfg.Schema.Encode(*p)
	default:
		var zero P
		return nil, &schema.EncodeError{
			Schema: d.cfg.Schema.Name(),
			Err:    fmt.Errorf("params of type %T, expected %T", params, zero),
		}
	}
}

// Run executes one invocation of the workflow for event against ctrl.
//
// Run returns nil when the body completes or returns a typed failure (logged)
// under the LogFailures policy. It returns an error when the event does not
// decode, when the run is canceled, and when the body ends with a defect, so
// the host marks the run failed.
func (d *Definition[P]) Run(ctx context.Context, event host.Event, ctrl host.StepController) (err error) {
	replaying := replayProbe(ctrl)
	logger := telemetry.NewReplaySafeLogger(d.cfg.Logger, replaying)
	wf := &Workflow{
		ctx:      ctx,
		name:     d.cfg.Name,
		event:    event,
		ctrl:     ctrl,
		zone:     d.cfg.Zone,
		logger:   logger,
		metrics:  d.cfg.Metrics,
		tracer:   d.cfg.Tracer,
		bus:      d.cfg.Hooks,
		baseLog:  d.cfg.Logger,
		replayFn: replaying,
	}
	keyvals := []any{"workflow", d.cfg.Name, "instance", event.InstanceID}

	params, err := d.cfg.Schema.Decode(event.Payload)
	if err != nil {
		logger.Error(ctx, "durable workflow params did not decode", append(keyvals, "error", err)...)
		return err
	}

	d.publishRun(wf, hooks.RunStarted, nil)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		defect := asDefect(r)
		logger.Error(ctx, "durable workflow died", append(keyvals, "error", defect)...)
		d.publishRun(wf, hooks.RunDied, defect)
		err = defect
	}()

	berr := d.body(wf, params)
	var defect *Defect
	switch {
	case berr == nil:
		logger.Info(ctx, "durable workflow completed", keyvals...)
		d.publishRun(wf, hooks.RunCompleted, nil)
		return nil
	case errors.As(berr, &defect):
		logger.Error(ctx, "durable workflow died", append(keyvals, "error", berr)...)
		d.publishRun(wf, hooks.RunDied, berr)
		return berr
	case errors.Is(berr, context.Canceled) || errors.Is(berr, context.DeadlineExceeded):
		return berr
	case d.cfg.Policy == FailOnError:
		logger.Error(ctx, "durable workflow failed", append(keyvals, "error", berr)...)
		d.publishRun(wf, hooks.RunDied, berr)
		return &Defect{Cause: berr}
	default:
		logger.Error(ctx, "durable workflow failed", append(keyvals, "error", berr)...)
		d.publishRun(wf, hooks.RunFailed, berr)
		return nil
	}
}

func (d *Definition[P]) publishRun(wf *Workflow, t hooks.EventType, err error) {
	if wf.IsReplaying() {
		return
	}
	wf.publish(wf.ctx, hooks.NewRunEvent(t, d.cfg.Name, wf.event.InstanceID, err))
}
