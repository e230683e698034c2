package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var order []string
	for _, name := range []string{"first", "second"} {
		_, err := bus.Register(SubscriberFunc(func(context.Context, Event) error {
			order = append(order, name)
			return nil
		}))
		require.NoError(t, err)
	}
	require.NoError(t, bus.Publish(ctx, NewRunEvent(RunStarted, "MyWorkflow", "i1", nil)))
	require.NoError(t, bus.Publish(ctx, NewRunEvent(RunCompleted, "MyWorkflow", "i1", nil)))
	assert.Equal(t, []string{"first", "second", "first", "second"}, order)
}

func TestBusStopsAtFirstError(t *testing.T) {
	bus := NewBus()
	boom := errors.New("boom")
	called := false
	_, err := bus.Register(SubscriberFunc(func(context.Context, Event) error { return boom }))
	require.NoError(t, err)
	_, err = bus.Register(SubscriberFunc(func(context.Context, Event) error {
		called = true
		return nil
	}))
	require.NoError(t, err)

	err = bus.Publish(context.Background(), NewStepEvent(StepFailed, "MyWorkflow", "i1", "Step1", 1, nil))
	assert.ErrorIs(t, err, boom)
	assert.False(t, called)
}

func TestBusRegisterNil(t *testing.T) {
	_, err := NewBus().Register(nil)
	require.Error(t, err)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	count := 0
	s, err := bus.Register(SubscriberFunc(func(context.Context, Event) error {
		count++
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, NewRunEvent(RunStarted, "MyWorkflow", "i1", nil)))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.NoError(t, bus.Publish(ctx, NewRunEvent(RunCompleted, "MyWorkflow", "i1", nil)))
	assert.Equal(t, 1, count)
}

func TestEvents(t *testing.T) {
	e := NewStepEvent(StepDied, "MyWorkflow", "i1", "Step2", 3, errors.New("bad"))
	assert.Equal(t, "Step2", e.Step)
	assert.Equal(t, 3, e.Attempt)
	assert.Equal(t, "bad", e.Error)
	assert.False(t, e.IsTerminal())
	assert.True(t, NewRunEvent(RunDied, "MyWorkflow", "i1", nil).IsTerminal())
}
