package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/goa-durable/features/stream/pulse/clients/pulse"
	"goa.design/goa-durable/runtime/durable/hooks"
)

type (
	// Decoder converts raw payloads read from Pulse into lifecycle events.
	Decoder func([]byte) (hooks.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "durable_subscriber".
		SinkName string
		// Buffer specifies the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes event payloads. Defaults to JSON.
		Decoder Decoder
		// Types restricts the emitted events to the listed types. Filtered
		// events are still acknowledged. Empty means all types.
		Types []hooks.EventType
	}

	// Subscriber reads the lifecycle events of instances back from their
	// Pulse streams.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode Decoder
		types  map[hooks.EventType]struct{}
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Subscriber{
		client: opts.Client,
		buffer: opts.Buffer,
		name:   opts.SinkName,
		decode: opts.Decoder,
	}
	if s.name == "" {
		s.name = "durable_subscriber"
	}
	if s.buffer <= 0 {
		s.buffer = 64
	}
	if s.decode == nil {
		s.decode = decodeEvent
	}
	if len(opts.Types) > 0 {
		s.types = make(map[hooks.EventType]struct{}, len(opts.Types))
		for _, t := range opts.Types {
			s.types[t] = struct{}{}
		}
	}
	return s, nil
}

// Subscribe opens a consumer group on streamID and returns channels for
// events and errors. The returned cancel function stops consumption and
// closes the sink. Both channels are closed when consumption stops.
//
//	events, errs, cancel, err := sub.Subscribe(ctx, "instance/abc123")
//	defer cancel()
//	for evt := range events {
//	    // process event
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan hooks.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open stream %q: %w", streamID, err)
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open sink %q on %q: %w", s.name, streamID, err)
	}
	events := make(chan hooks.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(events)
		defer close(errs)
		if err := s.consume(runCtx, sink, events); err != nil {
			errs <- err
		}
	}()
	stop := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, stop, nil
}

// Follow calls handle with the events of instance instanceID, starting with
// the oldest entry of its stream, until a terminal event was handled, handle
// fails or ctx is done. Cancellation of ctx is not reported as an error.
func (s *Subscriber) Follow(ctx context.Context, instanceID string, handle func(hooks.Event) error) error {
	streamID, err := StreamID(hooks.Event{InstanceID: instanceID})
	if err != nil {
		return err
	}
	events, errs, stop, err := s.Subscribe(ctx, streamID, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return err
	}
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if ok && err != nil {
				return err
			}
			errs = nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := handle(e); err != nil {
				return err
			}
			if e.IsTerminal() {
				return nil
			}
		}
	}
}

// consume forwards decoded events to out, acknowledging each entry once it
// was delivered or filtered out.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- hooks.Event) error {
	in := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, open := <-in:
			if !open {
				return nil
			}
			e, err := s.decode(evt.Payload)
			if err != nil {
				return fmt.Errorf("pulse decode payload: %w", err)
			}
			if s.wants(e.Type) {
				select {
				case out <- e:
				case <-ctx.Done():
					return nil
				}
			}
			if err := sink.Ack(ctx, evt); err != nil {
				return fmt.Errorf("pulse ack: %w", err)
			}
		}
	}
}

func (s *Subscriber) wants(t hooks.EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

func decodeEvent(payload []byte) (hooks.Event, error) {
	var e hooks.Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return hooks.Event{}, err
	}
	return e, nil
}
