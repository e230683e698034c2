package temporal

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"

	"goa.design/goa-durable/runtime/durable/host"
)

// memoParams is the memo field holding the JSON parameters of an instance so
// Restart can start it again.
const memoParams = "durable.params"

type (
	binding struct {
		engine *Engine
		key    string
		queue  string
	}

	instance struct {
		binding *binding
		id      string
	}
)

// Create implements host.Binding.
func (b *binding) Create(ctx context.Context, opts host.CreateOptions) (host.Instance, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := b.start(ctx, id, opts.Params, false); err != nil {
		return nil, err
	}
	b.engine.logger.Info(ctx, "durable instance created", "binding", b.key, "instance", id)
	return &instance{binding: b, id: id}, nil
}

// Get implements host.Binding.
func (b *binding) Get(ctx context.Context, id string) (host.Instance, error) {
	resp, err := b.engine.client.DescribeWorkflowExecution(ctx, id, "")
	if err != nil {
		return nil, mapError(err)
	}
	if name := resp.GetWorkflowExecutionInfo().GetType().GetName(); name != b.key {
		return nil, fmt.Errorf("%w: %q is a %s", host.ErrNotFound, id, name)
	}
	return &instance{binding: b, id: id}, nil
}

// start executes the workflow. Restarts terminate a running execution with
// the same ID; creates fail on any existing ID.
func (b *binding) start(ctx context.Context, id string, params []byte, restart bool) error {
	b.engine.autoStartWorkers()
	opts := client.StartWorkflowOptions{
		ID:                                       id,
		TaskQueue:                                b.queue,
		Memo:                                     map[string]any{memoParams: string(params)},
		WorkflowExecutionErrorWhenAlreadyStarted: true,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowIDConflictPolicy:                 enumspb.WORKFLOW_ID_CONFLICT_POLICY_FAIL,
	}
	if restart {
		opts.WorkflowIDReusePolicy = enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE
		opts.WorkflowIDConflictPolicy = enumspb.WORKFLOW_ID_CONFLICT_POLICY_TERMINATE_EXISTING
	}
	if _, err := b.engine.client.ExecuteWorkflow(ctx, opts, b.key, params); err != nil {
		return mapError(err)
	}
	return nil
}

func (i *instance) ID() string {
	return i.id
}

func (i *instance) Pause(ctx context.Context) error {
	return mapError(i.binding.engine.client.SignalWorkflow(ctx, i.id, "", SignalPause, nil))
}

func (i *instance) Resume(ctx context.Context) error {
	return mapError(i.binding.engine.client.SignalWorkflow(ctx, i.id, "", SignalResume, nil))
}

// Terminate terminates the current execution. Terminating a finished
// instance is a no-op.
func (i *instance) Terminate(ctx context.Context) error {
	err := mapError(i.binding.engine.client.TerminateWorkflow(ctx, i.id, "", "terminated by durable client"))
	if errors.Is(err, host.ErrNotFound) {
		return nil
	}
	return err
}

// Restart starts a new execution with the parameters of the latest one,
// terminating it if it is still running.
func (i *instance) Restart(ctx context.Context) error {
	resp, err := i.binding.engine.client.DescribeWorkflowExecution(ctx, i.id, "")
	if err != nil {
		return mapError(err)
	}
	var params string
	if p, ok := resp.GetWorkflowExecutionInfo().GetMemo().GetFields()[memoParams]; ok {
		if err := converter.GetDefaultDataConverter().FromPayload(p, &params); err != nil {
			return fmt.Errorf("decode params of %q: %w", i.id, err)
		}
	}
	var raw []byte
	if params != "" {
		raw = []byte(params)
	}
	return i.binding.start(ctx, i.id, raw, true)
}

func (i *instance) Status(ctx context.Context) (host.InstanceStatus, error) {
	cli := i.binding.engine.client
	resp, err := cli.DescribeWorkflowExecution(ctx, i.id, "")
	if err != nil {
		return host.InstanceStatus{}, mapError(err)
	}
	st := host.InstanceStatus{Status: mapStatus(resp)}
	switch st.Status {
	case host.StatusRunning:
		st.Status = i.refine(ctx)
	case host.StatusErrored:
		if err := cli.GetWorkflow(ctx, i.id, "").Get(ctx, nil); err != nil {
			st.Error = err.Error()
		}
	}
	return st, nil
}

// refine uses the state query to report paused and sleeping runs. Queries
// need a worker, so failures fall back to running.
func (i *instance) refine(ctx context.Context) host.Status {
	val, err := i.binding.engine.client.QueryWorkflow(ctx, i.id, "", QueryState)
	if err != nil {
		return host.StatusRunning
	}
	var rs RunState
	if err := val.Get(&rs); err != nil {
		return host.StatusRunning
	}
	return stateStatus(rs)
}

func stateStatus(rs RunState) host.Status {
	switch {
	case rs.Paused:
		return host.StatusPaused
	case rs.Sleeping:
		return host.StatusWaiting
	default:
		return host.StatusRunning
	}
}

func mapStatus(resp *workflowservice.DescribeWorkflowExecutionResponse) host.Status {
	switch resp.GetWorkflowExecutionInfo().GetStatus() {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return host.StatusRunning
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return host.StatusComplete
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED, enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return host.StatusErrored
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return host.StatusTerminated
	default:
		return host.StatusUnknown
	}
}

// mapError translates Temporal service errors into host sentinel errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", host.ErrNotFound, err)
	}
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		return fmt.Errorf("%w: %w", host.ErrAlreadyExists, err)
	}
	return err
}
