package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/goa-durable/features/stream/pulse/clients/pulse"
	mockpulse "goa.design/goa-durable/features/stream/pulse/clients/pulse/mocks"
	"goa.design/goa-durable/runtime/durable/hooks"
)

func TestSubscribeEmitsEvents(t *testing.T) {
	ctx := context.Background()
	client := mockpulse.NewClient(t)
	streamMock := mockpulse.NewStream(t)
	sinkMock := mockpulse.NewSink(t)

	eventCh := make(chan *streaming.Event, 1)
	sinkMock.AddSubscribe(func() <-chan *streaming.Event { return eventCh })
	sinkMock.AddAck(func(_ context.Context, evt *streaming.Event) error {
		require.Equal(t, "1-0", evt.ID)
		return nil
	})
	sinkMock.AddClose(func(context.Context) {})

	client.AddStream(func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		require.Equal(t, "instance/inst-123", name)
		return streamMock, nil
	})
	streamMock.AddNewSink(func(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
		require.Equal(t, "durable_subscriber", name)
		return sinkMock, nil
	})

	sub, err := NewSubscriber(SubscriberOptions{Client: client, Buffer: 2})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(ctx, "instance/inst-123")
	require.NoError(t, err)
	defer cancel()

	payload, err := json.Marshal(hooks.NewStepEvent(hooks.StepSucceeded, "MyWorkflow", "inst-123", "Step1", 1, nil))
	require.NoError(t, err)
	eventCh <- &streaming.Event{ID: "1-0", Payload: payload}
	close(eventCh)

	e := <-events
	require.Equal(t, hooks.StepSucceeded, e.Type)
	require.Equal(t, "Step1", e.Step)
	_, open := <-events
	require.False(t, open)
	require.NoError(t, <-errs)
}

func TestSubscribeDecoderError(t *testing.T) {
	client := mockpulse.NewClient(t)
	streamMock := mockpulse.NewStream(t)
	sinkMock := mockpulse.NewSink(t)
	eventCh := make(chan *streaming.Event, 1)

	client.AddStream(func(string, ...streamopts.Stream) (clientspulse.Stream, error) { return streamMock, nil })
	streamMock.AddNewSink(func(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
		return sinkMock, nil
	})
	sinkMock.AddSubscribe(func() <-chan *streaming.Event { return eventCh })
	sinkMock.AddClose(func(context.Context) {})

	sub, err := NewSubscriber(SubscriberOptions{
		Client: client,
		Decoder: func([]byte) (hooks.Event, error) {
			return hooks.Event{}, errors.New("decode error")
		},
	})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "instance/inst-1")
	require.NoError(t, err)
	defer cancel()
	eventCh <- &streaming.Event{Payload: []byte("{}")}
	close(eventCh)

	require.EqualError(t, <-errs, "pulse decode payload: decode error")
	require.Empty(t, events)
}

func newFollowMocks(t *testing.T, entries ...hooks.Event) *mockpulse.Client {
	t.Helper()
	client := mockpulse.NewClient(t)
	streamMock := mockpulse.NewStream(t)
	sinkMock := mockpulse.NewSink(t)
	eventCh := make(chan *streaming.Event, len(entries))
	for i, e := range entries {
		payload, err := json.Marshal(e)
		require.NoError(t, err)
		eventCh <- &streaming.Event{ID: fmt.Sprintf("%d-0", i+1), Payload: payload}
	}

	client.AddStream(func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		require.Equal(t, "instance/inst-7", name)
		return streamMock, nil
	})
	streamMock.AddNewSink(func(_ context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error) {
		require.Equal(t, "durable_watch", name)
		require.Len(t, opts, 1)
		return sinkMock, nil
	})
	sinkMock.AddSubscribe(func() <-chan *streaming.Event { return eventCh })
	sinkMock.SetAck(func(context.Context, *streaming.Event) error { return nil })
	sinkMock.AddClose(func(context.Context) {})
	return client
}

func TestFollowStopsAtTerminalEvent(t *testing.T) {
	client := newFollowMocks(t,
		hooks.NewRunEvent(hooks.RunStarted, "MyWorkflow", "inst-7", nil),
		hooks.NewStepEvent(hooks.StepSucceeded, "MyWorkflow", "inst-7", "step1", 1, nil),
		hooks.NewRunEvent(hooks.RunCompleted, "MyWorkflow", "inst-7", nil),
	)
	sub, err := NewSubscriber(SubscriberOptions{Client: client, SinkName: "durable_watch"})
	require.NoError(t, err)

	var seen []hooks.EventType
	err = sub.Follow(context.Background(), "inst-7", func(e hooks.Event) error {
		seen = append(seen, e.Type)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []hooks.EventType{hooks.RunStarted, hooks.StepSucceeded, hooks.RunCompleted}, seen)
}

func TestFollowFiltersTypes(t *testing.T) {
	client := newFollowMocks(t,
		hooks.NewRunEvent(hooks.RunStarted, "MyWorkflow", "inst-7", nil),
		hooks.NewStepEvent(hooks.StepAttempted, "MyWorkflow", "inst-7", "step1", 1, nil),
		hooks.NewRunEvent(hooks.RunFailed, "MyWorkflow", "inst-7", errors.New("boom")),
	)
	sub, err := NewSubscriber(SubscriberOptions{
		Client:   client,
		SinkName: "durable_watch",
		Types:    []hooks.EventType{hooks.RunStarted, hooks.RunFailed},
	})
	require.NoError(t, err)

	var seen []hooks.EventType
	err = sub.Follow(context.Background(), "inst-7", func(e hooks.Event) error {
		seen = append(seen, e.Type)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []hooks.EventType{hooks.RunStarted, hooks.RunFailed}, seen)
}

func TestFollowReturnsHandlerError(t *testing.T) {
	client := mockpulse.NewClient(t)
	streamMock := mockpulse.NewStream(t)
	sinkMock := mockpulse.NewSink(t)
	eventCh := make(chan *streaming.Event, 1)
	payload, err := json.Marshal(hooks.NewRunEvent(hooks.RunStarted, "MyWorkflow", "inst-7", nil))
	require.NoError(t, err)
	eventCh <- &streaming.Event{ID: "1-0", Payload: payload}

	client.AddStream(func(string, ...streamopts.Stream) (clientspulse.Stream, error) { return streamMock, nil })
	streamMock.AddNewSink(func(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
		return sinkMock, nil
	})
	sinkMock.AddSubscribe(func() <-chan *streaming.Event { return eventCh })
	sinkMock.SetAck(func(context.Context, *streaming.Event) error { return nil })
	sinkMock.AddClose(func(context.Context) {})

	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)
	err = sub.Follow(context.Background(), "inst-7", func(hooks.Event) error { return errors.New("stdout closed") })
	require.EqualError(t, err, "stdout closed")
}

func TestFollowRequiresInstanceID(t *testing.T) {
	sub, err := NewSubscriber(SubscriberOptions{Client: mockpulse.NewClient(t)})
	require.NoError(t, err)
	err = sub.Follow(context.Background(), "", func(hooks.Event) error { return nil })
	require.EqualError(t, err, "stream event missing instance id")
}

func TestNewSubscriberRequiresClient(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	require.EqualError(t, err, "pulse client is required")
}
