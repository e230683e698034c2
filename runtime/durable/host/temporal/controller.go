package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"goa.design/goa-durable/runtime/durable/host"
	"goa.design/goa-durable/runtime/durable/telemetry"
)

const (
	// SignalPause pauses a run.
	SignalPause = "durable.pause"
	// SignalResume resumes a paused run.
	SignalResume = "durable.resume"
	// QueryState returns the RunState of a run.
	QueryState = "durable.state"

	// StepFailureType is the ApplicationError type of failed step attempts.
	// The error details carry the message of the attempt error and the
	// attempt number.
	StepFailureType = "DurableStepFailure"
	// RunFailureType is the ApplicationError type of failed runs.
	RunFailureType = "DurableRunFailure"
)

type (
	// RunState is the result of the QueryState query.
	RunState struct {
		Paused   bool `json:"paused"`
		Sleeping bool `json:"sleeping"`
	}

	// controller implements host.StepController inside a Temporal workflow.
	// Its state is only touched from workflow coroutines, which never run in
	// parallel.
	controller struct {
		ctx     workflow.Context
		timeout time.Duration
		baseCtx context.Context
		state   RunState
	}
)

func newController(ctx workflow.Context, timeout time.Duration, baseCtx context.Context) *controller {
	return &controller{ctx: ctx, timeout: timeout, baseCtx: baseCtx}
}

// install starts the pause/resume signal loop and registers the state query.
func (c *controller) install() error {
	pauseCh := workflow.GetSignalChannel(c.ctx, SignalPause)
	resumeCh := workflow.GetSignalChannel(c.ctx, SignalResume)
	workflow.Go(c.ctx, func(gctx workflow.Context) {
		for {
			sel := workflow.NewSelector(gctx)
			sel.AddReceive(pauseCh, func(ch workflow.ReceiveChannel, _ bool) {
				ch.Receive(gctx, nil)
				c.state.Paused = true
			})
			sel.AddReceive(resumeCh, func(ch workflow.ReceiveChannel, _ bool) {
				ch.Receive(gctx, nil)
				c.state.Paused = false
			})
			sel.Select(gctx)
		}
	})
	return workflow.SetQueryHandler(c.ctx, QueryState, func() (RunState, error) {
		return c.state, nil
	})
}

// Do implements host.StepController. The step runs as a local activity; its
// result is recorded as a marker in the workflow history so replays return it
// without running fn again.
func (c *controller) Do(_ context.Context, name string, cfg host.StepConfig, fn host.StepFunc) (json.RawMessage, error) {
	if err := c.waitIfPaused(); err != nil {
		return nil, err
	}
	policy := cfg.Policy()
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	retry := convertRetryPolicy(policy)
	lctx := workflow.WithLocalActivityOptions(c.ctx, workflow.LocalActivityOptions{
		StartToCloseTimeout:    timeout,
		ScheduleToCloseTimeout: retryBudget(retry, timeout),
		RetryPolicy:            retry,
	})
	var res json.RawMessage
	err := workflow.ExecuteLocalActivity(lctx, func(actx context.Context) (json.RawMessage, error) {
		return c.attempt(actx, fn)
	}).Get(lctx, &res)
	if err != nil {
		return nil, exhausted(name, err)
	}
	return res, nil
}

// Sleep implements host.StepController with a durable timer. Timers are
// identified by their position in the history so name is informational.
func (c *controller) Sleep(_ context.Context, _ string, d time.Duration) error {
	if err := c.waitIfPaused(); err != nil {
		return err
	}
	d = d.Truncate(time.Millisecond)
	if d <= 0 {
		return nil
	}
	c.state.Sleeping = true
	defer func() { c.state.Sleeping = false }()
	if err := workflow.Sleep(c.ctx, d); err != nil {
		return canceled(err)
	}
	return nil
}

// Now implements host.StepController.
func (c *controller) Now() time.Time {
	return workflow.Now(c.ctx)
}

// IsReplaying implements host.ReplayAware.
func (c *controller) IsReplaying() bool {
	return workflow.IsReplaying(c.ctx)
}

func (c *controller) attempt(ctx context.Context, fn host.StepFunc) (json.RawMessage, error) {
	ctx = telemetry.MergeContext(ctx, c.baseCtx)
	n := int(activity.GetInfo(ctx).Attempt)
	ctx = host.WithAttempt(ctx, n)
	res, err := fn(ctx)
	if err != nil {
		msg := err.Error()
		return nil, temporal.NewApplicationError(msg, StepFailureType, msg, n)
	}
	return res, nil
}

func (c *controller) waitIfPaused() error {
	if !c.state.Paused {
		return nil
	}
	if err := workflow.Await(c.ctx, func() bool { return !c.state.Paused }); err != nil {
		return canceled(err)
	}
	return nil
}

// exhausted converts the error of a local activity whose retries ran out
// into a host.ExhaustedError. Failed attempts carry their message and number
// in the error details. Attempts that ran out of time surface as a Temporal
// timeout with no details, and the attempt count stays unknown.
func exhausted(name string, err error) error {
	if temporal.IsCanceledError(err) {
		return canceled(err)
	}
	ex := &host.ExhaustedError{Step: name, Message: err.Error(), Cause: err}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() == StepFailureType && appErr.HasDetails() {
		var (
			msg string
			n   int
		)
		if derr := appErr.Details(&msg, &n); derr == nil {
			ex.Message, ex.Attempts = msg, n
		} else if derr := appErr.Details(&msg); derr == nil {
			ex.Message = msg
		}
		return ex
	}
	ex.TimedOut = temporal.IsTimeoutError(err)
	return ex
}

// retryBudget returns the schedule-to-close timeout of a step: every attempt
// may use its full timeout and every retry waits its full backoff. Without it
// Temporal caps the whole step at a single attempt timeout and stops
// retrying early.
func retryBudget(p *temporal.RetryPolicy, timeout time.Duration) time.Duration {
	maxInterval := p.MaximumInterval
	if maxInterval <= 0 {
		maxInterval = 100 * p.InitialInterval
	}
	attempts := int(p.MaximumAttempts)
	// One extra attempt timeout absorbs scheduling latency.
	budget := time.Duration(attempts+1) * timeout
	interval := p.InitialInterval
	for range attempts - 1 {
		budget += interval
		interval = min(time.Duration(float64(interval)*p.BackoffCoefficient), maxInterval)
	}
	return budget
}

// canceled marks Temporal cancellations with context.Canceled so the bridge
// passes them through.
func canceled(err error) error {
	if temporal.IsCanceledError(err) {
		return fmt.Errorf("%w: %w", context.Canceled, err)
	}
	return err
}

func runFailure(err error) error {
	return temporal.NewNonRetryableApplicationError(err.Error(), RunFailureType, err)
}

// convertRetryPolicy maps a step retry policy onto a Temporal retry policy.
func convertRetryPolicy(p host.RetryPolicy) *temporal.RetryPolicy {
	policy := &temporal.RetryPolicy{
		//nolint:gosec // step retry limits are small
		MaximumAttempts:    int32(p.Attempts()),
		InitialInterval:    p.Delay,
		BackoffCoefficient: 1,
	}
	if policy.InitialInterval < time.Millisecond {
		policy.InitialInterval = time.Millisecond
	}
	switch p.Backoff {
	case host.BackoffExponential:
		policy.BackoffCoefficient = 2
	case host.BackoffLinear:
		policy.BackoffCoefficient = 1.5
	}
	return policy
}
