// Package pulse publishes durable workflow lifecycle events to
// goa.design/pulse streams and reads them back. Services build a Redis
// client, pass it to the Pulse client, and register the resulting Sink on the
// workflow hooks bus.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/goa-durable/features/stream/pulse/clients/pulse"
	"goa.design/goa-durable/runtime/durable/hooks"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// StreamID.
		StreamID func(hooks.Event) (string, error)
		// OnPublished is called after an event was added to its stream. An
		// error is returned from HandleEvent.
		OnPublished func(ctx context.Context, ev PublishedEvent) error
	}

	// PublishedEvent describes an event added to a stream.
	PublishedEvent struct {
		Event    hooks.Event
		StreamID string
		EntryID  string
	}

	// Sink publishes lifecycle events into Pulse streams. It implements
	// hooks.Subscriber and is safe for concurrent use.
	Sink struct {
		client      pulse.Client
		streamID    func(hooks.Event) (string, error)
		onPublished func(context.Context, PublishedEvent) error
	}
)

// NewSink constructs a Pulse-backed sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = StreamID
	}
	return &Sink{
		client:      opts.Client,
		streamID:    streamID,
		onPublished: opts.OnPublished,
	}, nil
}

// StreamID returns the default stream of an event: "instance/<InstanceID>".
func StreamID(e hooks.Event) (string, error) {
	if e.InstanceID == "" {
		return "", errors.New("stream event missing instance id")
	}
	return fmt.Sprintf("instance/%s", e.InstanceID), nil
}

// HandleEvent implements hooks.Subscriber. The event is added to its stream
// under its type name with the JSON encoding of the event as payload.
func (s *Sink) HandleEvent(ctx context.Context, event hooks.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	id, err := handle.Add(ctx, string(event.Type), payload)
	if err != nil {
		return err
	}
	if s.onPublished != nil {
		return s.onPublished(ctx, PublishedEvent{Event: event, StreamID: streamID, EntryID: id})
	}
	return nil
}

// Close releases resources owned by the sink's client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
