package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/goa-durable/features/stream/pulse/clients/pulse"
	mockpulse "goa.design/goa-durable/features/stream/pulse/clients/pulse/mocks"
	"goa.design/goa-durable/runtime/durable/hooks"
)

func TestSinkHandleEvent(t *testing.T) {
	failedStep := hooks.NewStepEvent(hooks.StepFailed, "MyWorkflow", "inst-123", "Step2", 2, errors.New("not ready"))

	cases := []struct {
		name       string
		event      hooks.Event
		opts       func(*Options, *PublishedEvent)
		openErr    error
		addErr     error
		wantStream string
		wantErr    string
	}{
		{
			name:       "instance stream",
			event:      failedStep,
			wantStream: "instance/inst-123",
		},
		{
			name:  "custom stream",
			event: failedStep,
			opts: func(o *Options, _ *PublishedEvent) {
				o.StreamID = func(e hooks.Event) (string, error) { return "wf/" + e.Workflow, nil }
			},
			wantStream: "wf/MyWorkflow",
		},
		{
			name:  "published callback",
			event: failedStep,
			opts: func(o *Options, got *PublishedEvent) {
				o.OnPublished = func(_ context.Context, ev PublishedEvent) error {
					*got = ev
					return nil
				}
			},
			wantStream: "instance/inst-123",
		},
		{
			name:  "published callback error",
			event: failedStep,
			opts: func(o *Options, _ *PublishedEvent) {
				o.OnPublished = func(context.Context, PublishedEvent) error { return errors.New("after-publish") }
			},
			wantStream: "instance/inst-123",
			wantErr:    "after-publish",
		},
		{
			name:    "missing instance",
			event:   hooks.Event{Type: hooks.RunStarted},
			wantErr: "stream event missing instance id",
		},
		{
			name:       "open error",
			event:      failedStep,
			openErr:    errors.New("boom"),
			wantStream: "instance/inst-123",
			wantErr:    "boom",
		},
		{
			name:       "add error",
			event:      failedStep,
			addErr:     errors.New("add-failed"),
			wantStream: "instance/inst-123",
			wantErr:    "add-failed",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cli := mockpulse.NewClient(t)
			str := mockpulse.NewStream(t)
			var added []hooks.Event
			if tc.wantStream != "" {
				cli.AddStream(func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
					assert.Equal(t, tc.wantStream, name)
					if tc.openErr != nil {
						return nil, tc.openErr
					}
					return str, nil
				})
			}
			if tc.wantStream != "" && tc.openErr == nil {
				str.AddAdd(func(_ context.Context, name string, payload []byte) (string, error) {
					var e hooks.Event
					require.NoError(t, json.Unmarshal(payload, &e))
					assert.Equal(t, string(e.Type), name)
					added = append(added, e)
					return "7-0", tc.addErr
				})
			}

			var published PublishedEvent
			opts := Options{Client: cli}
			if tc.opts != nil {
				tc.opts(&opts, &published)
			}
			sink, err := NewSink(opts)
			require.NoError(t, err)

			err = sink.HandleEvent(context.Background(), tc.event)
			if tc.wantErr != "" {
				require.EqualError(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, added, 1)
			assert.Equal(t, "Step2", added[0].Step)
			assert.Equal(t, 2, added[0].Attempt)
			assert.Equal(t, "not ready", added[0].Error)
			assert.False(t, str.HasMore())
			if opts.OnPublished != nil {
				assert.Equal(t, tc.wantStream, published.StreamID)
				assert.Equal(t, "7-0", published.EntryID)
				assert.Equal(t, hooks.StepFailed, published.Event.Type)
			}
		})
	}
}

func TestSinkOnHooksBus(t *testing.T) {
	cli := mockpulse.NewClient(t)
	str := mockpulse.NewStream(t)
	cli.SetStream(func(string, ...streamopts.Stream) (clientspulse.Stream, error) { return str, nil })
	var published []string
	for range 2 {
		str.AddAdd(func(_ context.Context, event string, _ []byte) (string, error) {
			published = append(published, event)
			return "1-0", nil
		})
	}

	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	bus := hooks.NewBus()
	_, err = bus.Register(sink)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, hooks.NewRunEvent(hooks.RunStarted, "MyWorkflow", "inst-1", nil)))
	require.NoError(t, bus.Publish(ctx, hooks.NewRunEvent(hooks.RunCompleted, "MyWorkflow", "inst-1", nil)))
	require.Equal(t, []string{"run_started", "run_completed"}, published)
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.EqualError(t, err, "pulse client is required")
}

func TestSinkCloseClosesClient(t *testing.T) {
	cli := mockpulse.NewClient(t)
	cli.AddClose(func(context.Context) error { return nil })
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.False(t, cli.HasMore())
}
