// Package durable bridges Go workflow bodies to a durable-execution host.
//
// A workflow body receives a *Workflow, the per-run capability set, and
// composes named steps and timers with ordinary Go control flow:
//
//	wf := durable.MakeWorkflow(durable.WorkflowConfig[Params]{
//	    Name:    "MyWorkflow",
//	    Binding: "MY_WORKFLOW",
//	    Schema:  paramsSchema,
//	}, func(wf *durable.Workflow, p Params) error {
//	    n, err := durable.Do(wf, "Step1", fetchCount)
//	    if err != nil {
//	        return err
//	    }
//	    if err := wf.Sleep("Step2", time.Second); err != nil {
//	        return err
//	    }
//	    _, err = greet(wf, Greeting{ID: p.ID, Count: n})
//	    return err
//	})
//
// Step results are persisted by the host, so a replayed run never executes a
// completed step again. Recoverable failures travel through the error return
// and are retried by the host before they reach the body. Defects
// (unrecoverable errors) are never retried: they abort the body with a
// *Defect panic that only CatchAll or the entrypoint intercept.
package durable

import (
	"context"
	"time"

	"goa.design/goa-durable/runtime/durable/hooks"
	"goa.design/goa-durable/runtime/durable/host"
	"goa.design/goa-durable/runtime/durable/telemetry"
)

// Workflow is the capability set of one run. It is bound to a single
// execution of the workflow body and must not be shared across goroutines.
type Workflow struct {
	ctx      context.Context
	name     string
	event    host.Event
	ctrl     host.StepController
	zone     *time.Location
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	tracer   telemetry.Tracer
	bus      hooks.Bus
	baseLog  telemetry.Logger
	replayFn func() bool
}

// Context returns the context of the run.
func (wf *Workflow) Context() context.Context {
	return wf.ctx
}

// Name returns the workflow tag.
func (wf *Workflow) Name() string {
	return wf.name
}

// Event returns the event that started the run.
func (wf *Workflow) Event() host.Event {
	return wf.event
}

// InstanceID returns the identifier of the workflow instance.
func (wf *Workflow) InstanceID() string {
	return wf.event.InstanceID
}

// Logger returns a logger that stays silent while the host replays the run.
func (wf *Workflow) Logger() telemetry.Logger {
	return wf.logger
}

// Zone returns the calendar zone used by Now.
func (wf *Workflow) Zone() *time.Location {
	return wf.zone
}

// Now returns the host's deterministic time in the run's zone.
func (wf *Workflow) Now() time.Time {
	return wf.ctrl.Now().In(wf.zone)
}

// IsReplaying reports whether the host is re-executing the body to rebuild
// state. Hosts that cannot tell always report false.
func (wf *Workflow) IsReplaying() bool {
	return wf.replayFn()
}

// Sleep durably suspends the run for d, truncated to milliseconds.
func (wf *Workflow) Sleep(name string, d time.Duration) error {
	d = d.Truncate(time.Millisecond)
	if d < 0 {
		d = 0
	}
	wf.logger.Debug(wf.ctx, "durable sleep", "step", name, "duration", d.String())
	return wf.ctrl.Sleep(wf.ctx, name, d)
}

// SleepUntil durably suspends the run until t. A t that is not in the future
// returns immediately without consulting the host.
func (wf *Workflow) SleepUntil(name string, t time.Time) error {
	d := t.Sub(wf.ctrl.Now())
	if d <= 0 {
		return nil
	}
	return wf.Sleep(name, d)
}

func (wf *Workflow) publish(ctx context.Context, e hooks.Event) {
	if wf.bus == nil {
		return
	}
	if err := wf.bus.Publish(ctx, e); err != nil {
		wf.baseLog.Warn(ctx, "durable hook subscriber failed", "event", string(e.Type), "instance", e.InstanceID, "error", err)
	}
}

func replayProbe(ctrl host.StepController) func() bool {
	if ra, ok := ctrl.(host.ReplayAware); ok {
		return ra.IsReplaying
	}
	return func() bool { return false }
}
