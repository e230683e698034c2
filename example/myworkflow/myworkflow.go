// Package myworkflow is a small durable workflow exercising each kind of
// step: a plain step with a memoized value, a durable sleep until a wall
// clock instant, a schema-typed request and a void step.
package myworkflow

import (
	"context"
	"time"

	"goa.design/goa-durable/runtime/durable"
	"goa.design/goa-durable/runtime/durable/hooks"
	"goa.design/goa-durable/runtime/durable/schema"
	"goa.design/goa-durable/runtime/durable/telemetry"
)

const (
	// Tag is the name of the workflow in registries.
	Tag = "MyWorkflow"
	// Binding is the key of the host binding running the workflow.
	Binding = "MY_WORKFLOW"
)

type (
	// Params are the run parameters.
	Params struct {
		ID   string  `json:"id"`
		Name *string `json:"name,omitempty"`
	}

	// Step2Payload is the payload of the Step2Request step.
	Step2Payload struct {
		Event Params `json:"event"`
	}

	// Options configures the workflow definition.
	Options struct {
		// Logger defaults to the clue logger.
		Logger telemetry.Logger
		// Metrics and Tracer default to no-op implementations.
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
		// Hooks receives run and step events when set.
		Hooks hooks.Bus
		// Step1Delay is how long step1 works before returning. Defaults to
		// one second, negative values disable it.
		Step1Delay time.Duration
		// SleepFor is the distance from now of the sleepUntil deadline.
		// Defaults to one minute.
		SleepFor time.Duration
	}
)

const paramsSchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string"},
		"name": {"type": "string"}
	}
}`

// Step2Request greets the run parameters. It never fails.
var Step2Request = durable.Request[Step2Payload, *string, error]{
	Tag: "Step2Request",
	Payload: schema.MustNew("Step2Request", schema.WithJSONSchema[Step2Payload](`{
		"type": "object",
		"required": ["event"],
		"properties": {
			"event": {
				"type": "object",
				"required": ["id"],
				"properties": {"id": {"type": "string"}, "name": {"type": "string"}}
			}
		}
	}`)),
	Success: schema.MustNew[*string]("Step2Response"),
}

// New returns the MyWorkflow definition.
func New(opts Options) *durable.Definition[Params] {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewClueLogger()
	}
	if opts.Step1Delay == 0 {
		opts.Step1Delay = time.Second
	}
	if opts.SleepFor == 0 {
		opts.SleepFor = time.Minute
	}
	step2 := durable.Fn(Step2Request, func(ctx context.Context, p Step2Payload) (*string, error) {
		opts.Logger.Info(ctx, "step2", "id", p.Event.ID, "name", p.Event.Name)
		if p.Event.Name == nil {
			return nil, nil
		}
		greeting := "hi " + *p.Event.Name
		return &greeting, nil
	})

	return durable.MakeWorkflow(durable.WorkflowConfig[Params]{
		Name:    Tag,
		Binding: Binding,
		Schema:  schema.MustNew(Tag, schema.WithJSONSchema[Params](paramsSchema)),
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Tracer:  opts.Tracer,
		Hooks:   opts.Hooks,
	}, func(wf *durable.Workflow, p Params) error {
		log := wf.Logger()
		ctx := wf.Context()
		log.Info(ctx, "my workflow params", "id", p.ID, "name", p.Name)

		step1, err := durable.Do(wf, "step1", func(ctx context.Context) (int, error) {
			opts.Logger.Info(ctx, "step1")
			if err := pause(ctx, opts.Step1Delay); err != nil {
				return 0, err
			}
			return 10, nil
		})
		if err != nil {
			return err
		}
		log.Info(ctx, "step1 result", "value", step1)

		if err := wf.SleepUntil("sleep until", wf.Now().Add(opts.SleepFor)); err != nil {
			return err
		}
		log.Info(ctx, "sleep until done")

		greeting, err := step2(wf, Step2Payload{Event: p})
		if err != nil {
			return err
		}
		msg := "no name"
		if greeting != nil {
			msg = *greeting
		}
		log.Info(ctx, "step2 result", "greeting", msg)

		return durable.Exec(wf, "step3", func(ctx context.Context) error {
			opts.Logger.Info(ctx, "step3")
			return nil
		})
	})
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
