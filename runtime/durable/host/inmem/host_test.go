package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/goa-durable/runtime/durable/host"
)

type runnerFunc func(ctx context.Context, event host.Event, ctrl host.StepController) error

func (f runnerFunc) Run(ctx context.Context, event host.Event, ctrl host.StepController) error {
	return f(ctx, event, ctrl)
}

func ok(v string) host.StepFunc {
	return func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"` + v + `"`), nil
	}
}

func TestControllerMemoizesSteps(t *testing.T) {
	ctrl := NewController(NewManualClock(time.Unix(0, 0)))
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`1`), nil
	}
	for range 3 {
		res, err := ctrl.Do(ctx, "Step1", host.StepConfig{}, fn)
		require.NoError(t, err)
		assert.JSONEq(t, `1`, string(res))
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, ctrl.Attempts("Step1"))
}

func TestControllerRetriesWithBackoff(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	ctrl := NewController(clock)
	policy := host.RetryPolicy{Limit: 3, Delay: time.Second, Backoff: host.BackoffExponential}

	var seen []int
	res, err := ctrl.Do(context.Background(), "Step1", host.StepConfig{Retries: &policy}, func(ctx context.Context) (json.RawMessage, error) {
		n := host.AttemptFromContext(ctx)
		seen = append(seen, n)
		if n < 3 {
			return nil, errors.New("not yet")
		}
		return json.RawMessage(`"done"`), nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(res))
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())
}

func TestControllerExhaustion(t *testing.T) {
	ctrl := NewController(NewManualClock(time.Unix(0, 0)))
	policy := host.RetryPolicy{Limit: 2, Backoff: host.BackoffConstant}
	fail := func(context.Context) (json.RawMessage, error) { return nil, errors.New("payload") }

	_, err := ctrl.Do(context.Background(), "Step1", host.StepConfig{Retries: &policy}, fail)
	var exhausted *host.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, "payload", exhausted.Message)
	assert.Equal(t, 3, ctrl.Attempts("Step1"))

	_, again := ctrl.Do(context.Background(), "Step1", host.StepConfig{Retries: &policy}, fail)
	assert.Same(t, err, again)
	assert.Equal(t, 3, ctrl.Attempts("Step1"))
}

func TestControllerAttemptTimeout(t *testing.T) {
	ctrl := NewController(NewManualClock(time.Unix(0, 0)))
	policy := host.RetryPolicy{Limit: 0}
	_, err := ctrl.Do(context.Background(), "slow", host.StepConfig{Retries: &policy, Timeout: time.Millisecond}, func(ctx context.Context) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	var exhausted *host.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestControllerSleepOnce(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	ctrl := NewController(clock)
	ctx := context.Background()
	require.NoError(t, ctrl.Sleep(ctx, "nap", 1500*time.Microsecond))
	require.NoError(t, ctrl.Sleep(ctx, "nap", time.Hour))
	assert.Equal(t, []time.Duration{time.Millisecond}, clock.Sleeps())
	assert.Equal(t, time.Unix(0, 0).Add(time.Millisecond), ctrl.Now())
}

func TestControllerPauseGate(t *testing.T) {
	ctrl := NewController(nil)
	ctrl.Pause()
	assert.True(t, ctrl.Paused())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := ctrl.Do(ctx, "blocked", host.StepConfig{}, ok("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ctrl.Resume()
	res, err := ctrl.Do(context.Background(), "blocked", host.StepConfig{}, ok("x"))
	require.NoError(t, err)
	assert.JSONEq(t, `"x"`, string(res))
}

func TestHostLifecycle(t *testing.T) {
	h := New(WithClock(NewManualClock(time.Unix(0, 0))))
	release := make(chan struct{})
	require.NoError(t, h.Register("MY_WORKFLOW", runnerFunc(func(ctx context.Context, event host.Event, ctrl host.StepController) error {
		_, err := ctrl.Do(ctx, "wait", host.StepConfig{}, func(ctx context.Context) (json.RawMessage, error) {
			select {
			case <-release:
				return event.Payload, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
		return err
	})))
	require.Error(t, h.Register("MY_WORKFLOW", runnerFunc(nil)))

	_, err := h.Binding("OTHER")
	require.ErrorIs(t, err, host.ErrBindingNotFound)

	b, err := h.Binding("MY_WORKFLOW")
	require.NoError(t, err)
	ctx := context.Background()
	inst, err := b.Create(ctx, host.CreateOptions{ID: "i1", Params: json.RawMessage(`{"id":"x"}`)})
	require.NoError(t, err)
	assert.Equal(t, "i1", inst.ID())

	_, err = b.Create(ctx, host.CreateOptions{ID: "i1"})
	require.ErrorIs(t, err, host.ErrAlreadyExists)

	got, err := b.Get(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "i1", got.ID())

	_, err = b.Get(ctx, "missing")
	require.ErrorIs(t, err, host.ErrNotFound)

	close(release)
	require.NoError(t, h.Wait(ctx, "i1"))
	st, err := inst.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, host.StatusComplete, st.Status)
}

func TestHostTerminateAndRestart(t *testing.T) {
	h := New()
	runs := make(chan struct{}, 4)
	require.NoError(t, h.Register("LOOP", runnerFunc(func(ctx context.Context, _ host.Event, ctrl host.StepController) error {
		runs <- struct{}{}
		return ctrl.Sleep(ctx, "forever", time.Hour)
	})))
	b, err := h.Binding("LOOP")
	require.NoError(t, err)
	ctx := context.Background()
	inst, err := b.Create(ctx, host.CreateOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, inst.ID())
	<-runs

	require.Eventually(t, func() bool {
		st, _ := inst.Status(ctx)
		return st.Status == host.StatusWaiting
	}, time.Second, time.Millisecond)

	require.NoError(t, inst.Restart(ctx))
	<-runs

	require.NoError(t, inst.Terminate(ctx))
	st, err := inst.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, host.StatusTerminated, st.Status)
	require.Error(t, inst.Pause(ctx))
}

func TestHostErroredRun(t *testing.T) {
	h := New()
	require.NoError(t, h.Register("BAD", runnerFunc(func(context.Context, host.Event, host.StepController) error {
		return errors.New("decode params")
	})))
	b, err := h.Binding("BAD")
	require.NoError(t, err)
	ctx := context.Background()
	inst, err := b.Create(ctx, host.CreateOptions{ID: "bad"})
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx, "bad"))
	st, err := inst.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, host.StatusErrored, st.Status)
	assert.Equal(t, "decode params", st.Error)
}

func TestHostReplay(t *testing.T) {
	h := New(WithClock(NewManualClock(time.Unix(0, 0))))
	calls := 0
	var replaying []bool
	require.NoError(t, h.Register("ONCE", runnerFunc(func(ctx context.Context, _ host.Event, ctrl host.StepController) error {
		_, err := ctrl.Do(ctx, "Step1", host.StepConfig{}, func(context.Context) (json.RawMessage, error) {
			calls++
			return json.RawMessage(`10`), nil
		})
		replaying = append(replaying, ctrl.(host.ReplayAware).IsReplaying())
		return err
	})))
	b, err := h.Binding("ONCE")
	require.NoError(t, err)
	ctx := context.Background()
	_, err = b.Create(ctx, host.CreateOptions{ID: "r1"})
	require.NoError(t, err)
	require.NoError(t, h.Replay(ctx, "r1"))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []bool{false, true}, replaying)

	ctrl, err := h.Controller("r1")
	require.NoError(t, err)
	assert.Equal(t, 1, ctrl.Attempts("Step1"))
}
