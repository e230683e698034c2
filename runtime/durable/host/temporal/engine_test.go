package temporal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	workflowpb "go.temporal.io/api/workflow/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"

	"goa.design/goa-durable/runtime/durable/host"
)

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.ErrorContains(t, err, "default task queue")

	_, err = New(Options{WorkerOptions: WorkerOptions{TaskQueue: "durable"}})
	require.ErrorContains(t, err, "client options are required")
}

func TestConvertRetryPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy host.RetryPolicy
		want   *temporal.RetryPolicy
	}{
		{
			name:   "default",
			policy: host.DefaultRetryPolicy,
			want:   &temporal.RetryPolicy{MaximumAttempts: 6, InitialInterval: 10 * time.Second, BackoffCoefficient: 2},
		},
		{
			name:   "constant",
			policy: host.RetryPolicy{Limit: 2, Delay: time.Second, Backoff: host.BackoffConstant},
			want:   &temporal.RetryPolicy{MaximumAttempts: 3, InitialInterval: time.Second, BackoffCoefficient: 1},
		},
		{
			name:   "linear",
			policy: host.RetryPolicy{Limit: 1, Delay: time.Second, Backoff: host.BackoffLinear},
			want:   &temporal.RetryPolicy{MaximumAttempts: 2, InitialInterval: time.Second, BackoffCoefficient: 1.5},
		},
		{
			name:   "no retries and no delay",
			policy: host.RetryPolicy{},
			want:   &temporal.RetryPolicy{MaximumAttempts: 1, InitialInterval: time.Millisecond, BackoffCoefficient: 1},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, convertRetryPolicy(tc.policy))
		})
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "nil",
			err:  nil,
			want: nil,
		},
		{
			name: "not found maps to instance not found",
			err:  serviceerror.NewNotFound("workflow not found"),
			want: host.ErrNotFound,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := mapError(tc.err)
			if tc.want == nil {
				require.NoError(t, got)
				return
			}
			require.ErrorIs(t, got, tc.want)
		})
	}
}

func TestMapError_PassesThroughUnknownErrors(t *testing.T) {
	t.Parallel()

	want := errors.New("frontend unavailable")
	got := mapError(want)
	require.ErrorIs(t, got, want)
	assert.NotErrorIs(t, got, host.ErrNotFound)
}

func TestMapStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status enumspb.WorkflowExecutionStatus
		want   host.Status
	}{
		{enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, host.StatusRunning},
		{enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW, host.StatusRunning},
		{enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED, host.StatusComplete},
		{enumspb.WORKFLOW_EXECUTION_STATUS_FAILED, host.StatusErrored},
		{enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT, host.StatusErrored},
		{enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, host.StatusTerminated},
		{enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED, host.StatusTerminated},
		{enumspb.WORKFLOW_EXECUTION_STATUS_UNSPECIFIED, host.StatusUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.status.String(), func(t *testing.T) {
			t.Parallel()
			resp := &workflowservice.DescribeWorkflowExecutionResponse{
				WorkflowExecutionInfo: &workflowpb.WorkflowExecutionInfo{Status: tc.status},
			}
			assert.Equal(t, tc.want, mapStatus(resp))
		})
	}
}

func TestStateStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, host.StatusRunning, stateStatus(RunState{}))
	assert.Equal(t, host.StatusWaiting, stateStatus(RunState{Sleeping: true}))
	assert.Equal(t, host.StatusPaused, stateStatus(RunState{Paused: true, Sleeping: true}))
}

func TestExhausted(t *testing.T) {
	t.Parallel()

	native := errors.New("activity failed")
	cases := []struct {
		name     string
		err      error
		attempts int
		message  string
		timedOut bool
	}{
		{
			name:     "attempt details",
			err:      temporal.NewApplicationError(`{"_tag":"Failure"}`, StepFailureType, `{"_tag":"Failure"}`, 2),
			attempts: 2,
			message:  `{"_tag":"Failure"}`,
		},
		{
			name:    "message only",
			err:     temporal.NewApplicationError("m", StepFailureType, "m"),
			message: "m",
		},
		{
			name:     "attempt timeout",
			err:      temporal.NewTimeoutError(enumspb.TIMEOUT_TYPE_START_TO_CLOSE, nil),
			message:  "StartToClose",
			timedOut: true,
		},
		{
			name:    "other error",
			err:     native,
			message: "activity failed",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := exhausted("Step1", tc.err)
			var ex *host.ExhaustedError
			require.ErrorAs(t, err, &ex)
			assert.Equal(t, "Step1", ex.Step)
			assert.Equal(t, tc.attempts, ex.Attempts)
			assert.Contains(t, ex.Message, tc.message)
			assert.Equal(t, tc.timedOut, ex.TimedOut)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestRetryBudget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		policy  host.RetryPolicy
		timeout time.Duration
		want    time.Duration
	}{
		{
			name:    "default policy",
			policy:  host.DefaultRetryPolicy,
			timeout: time.Minute,
			// 7 attempt timeouts plus 10s+20s+40s+80s+160s of backoff.
			want: 7*time.Minute + 310*time.Second,
		},
		{
			name:    "constant",
			policy:  host.RetryPolicy{Limit: 3, Delay: 30 * time.Second, Backoff: host.BackoffConstant},
			timeout: time.Second,
			want:    5*time.Second + 90*time.Second,
		},
		{
			name:    "no retries",
			policy:  host.RetryPolicy{},
			timeout: time.Second,
			want:    2 * time.Second,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, retryBudget(convertRetryPolicy(tc.policy), tc.timeout))
		})
	}
}

func TestBindingDefaultsToEngineQueue(t *testing.T) {
	t.Parallel()

	e, err := New(Options{
		ClientOptions: &client.Options{HostPort: "localhost:0"},
		WorkerOptions: WorkerOptions{TaskQueue: "durable"},
		OTEL:          OTELOptions{NoTracing: true, NoMetrics: true},
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()
	assert.Equal(t, DefaultStepTimeout, e.stepTimeout)
	assert.Equal(t, "temporal", e.Name())

	b, err := e.Binding("MY_WORKFLOW")
	require.NoError(t, err)
	assert.Equal(t, "durable", b.(*binding).queue)

	_, err = e.Binding("")
	require.ErrorIs(t, err, host.ErrBindingNotFound)

	err = e.Register(WorkflowDefinition{Key: "MY_WORKFLOW"})
	require.ErrorContains(t, err, "has no runner")
}

func TestOTELHooksInstallInterceptors(t *testing.T) {
	t.Parallel()

	h, err := newOTELHooks(OTELOptions{})
	require.NoError(t, err)
	co := h.client(client.Options{})
	assert.Len(t, co.Interceptors, 1)
	assert.NotNil(t, co.MetricsHandler)
	assert.Len(t, h.worker(worker.Options{}).Interceptors, 1)

	off, err := newOTELHooks(OTELOptions{NoTracing: true, NoMetrics: true})
	require.NoError(t, err)
	co = off.client(client.Options{})
	assert.Empty(t, co.Interceptors)
	assert.Nil(t, co.MetricsHandler)
}
