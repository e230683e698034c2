// Package mocks provides clue/mock based test doubles for the Pulse client
// interfaces.
package mocks

import (
	"context"
	"testing"

	"goa.design/clue/mock"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/goa-durable/features/stream/pulse/clients/pulse"
)

type (
	// Client mocks pulse.Client.
	Client struct {
		m *mock.Mock
		t *testing.T
	}

	// ClientStreamFunc implements Client.Stream.
	ClientStreamFunc func(name string, opts ...streamopts.Stream) (pulse.Stream, error)
	// ClientCloseFunc implements Client.Close.
	ClientCloseFunc func(ctx context.Context) error

	// Stream mocks pulse.Stream.
	Stream struct {
		m *mock.Mock
		t *testing.T
	}

	// StreamAddFunc implements Stream.Add.
	StreamAddFunc func(ctx context.Context, event string, payload []byte) (string, error)
	// StreamNewSinkFunc implements Stream.NewSink.
	StreamNewSinkFunc func(ctx context.Context, name string, opts ...streamopts.Sink) (pulse.Sink, error)
	// StreamDestroyFunc implements Stream.Destroy.
	StreamDestroyFunc func(ctx context.Context) error

	// Sink mocks pulse.Sink.
	Sink struct {
		m *mock.Mock
		t *testing.T
	}

	// SinkSubscribeFunc implements Sink.Subscribe.
	SinkSubscribeFunc func() <-chan *streaming.Event
	// SinkAckFunc implements Sink.Ack.
	SinkAckFunc func(ctx context.Context, evt *streaming.Event) error
	// SinkCloseFunc implements Sink.Close.
	SinkCloseFunc func(ctx context.Context)
)

var (
	_ pulse.Client = (*Client)(nil)
	_ pulse.Stream = (*Stream)(nil)
	_ pulse.Sink   = (*Sink)(nil)
)

// NewClient returns a Client mock that fails t on unexpected calls.
func NewClient(t *testing.T) *Client {
	return &Client{mock.New(), t}
}

// AddStream queues f for the next Stream call.
func (c *Client) AddStream(f ClientStreamFunc) { c.m.Add("Stream", f) }

// SetStream uses f for every Stream call.
func (c *Client) SetStream(f ClientStreamFunc) { c.m.Set("Stream", f) }

// Stream implements pulse.Client.
func (c *Client) Stream(name string, opts ...streamopts.Stream) (pulse.Stream, error) {
	if f := c.m.Next("Stream"); f != nil {
		return f.(ClientStreamFunc)(name, opts...)
	}
	c.t.Helper()
	c.t.Error("unexpected Stream call")
	return nil, nil
}

// AddClose queues f for the next Close call.
func (c *Client) AddClose(f ClientCloseFunc) { c.m.Add("Close", f) }

// Close implements pulse.Client.
func (c *Client) Close(ctx context.Context) error {
	if f := c.m.Next("Close"); f != nil {
		return f.(ClientCloseFunc)(ctx)
	}
	c.t.Helper()
	c.t.Error("unexpected Close call")
	return nil
}

// HasMore reports whether queued calls remain.
func (c *Client) HasMore() bool { return c.m.HasMore() }

// NewStream returns a Stream mock that fails t on unexpected calls.
func NewStream(t *testing.T) *Stream {
	return &Stream{mock.New(), t}
}

// AddAdd queues f for the next Add call.
func (s *Stream) AddAdd(f StreamAddFunc) { s.m.Add("Add", f) }

// Add implements pulse.Stream.
func (s *Stream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if f := s.m.Next("Add"); f != nil {
		return f.(StreamAddFunc)(ctx, event, payload)
	}
	s.t.Helper()
	s.t.Error("unexpected Add call")
	return "", nil
}

// AddNewSink queues f for the next NewSink call.
func (s *Stream) AddNewSink(f StreamNewSinkFunc) { s.m.Add("NewSink", f) }

// NewSink implements pulse.Stream.
func (s *Stream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (pulse.Sink, error) {
	if f := s.m.Next("NewSink"); f != nil {
		return f.(StreamNewSinkFunc)(ctx, name, opts...)
	}
	s.t.Helper()
	s.t.Error("unexpected NewSink call")
	return nil, nil
}

// AddDestroy queues f for the next Destroy call.
func (s *Stream) AddDestroy(f StreamDestroyFunc) { s.m.Add("Destroy", f) }

// Destroy implements pulse.Stream.
func (s *Stream) Destroy(ctx context.Context) error {
	if f := s.m.Next("Destroy"); f != nil {
		return f.(StreamDestroyFunc)(ctx)
	}
	s.t.Helper()
	s.t.Error("unexpected Destroy call")
	return nil
}

// HasMore reports whether queued calls remain.
func (s *Stream) HasMore() bool { return s.m.HasMore() }

// NewSink returns a Sink mock that fails t on unexpected calls.
func NewSink(t *testing.T) *Sink {
	return &Sink{mock.New(), t}
}

// AddSubscribe queues f for the next Subscribe call.
func (s *Sink) AddSubscribe(f SinkSubscribeFunc) { s.m.Add("Subscribe", f) }

// Subscribe implements pulse.Sink.
func (s *Sink) Subscribe() <-chan *streaming.Event {
	if f := s.m.Next("Subscribe"); f != nil {
		return f.(SinkSubscribeFunc)()
	}
	s.t.Helper()
	s.t.Error("unexpected Subscribe call")
	return nil
}

// AddAck queues f for the next Ack call.
func (s *Sink) AddAck(f SinkAckFunc) { s.m.Add("Ack", f) }

// SetAck uses f for every Ack call.
func (s *Sink) SetAck(f SinkAckFunc) { s.m.Set("Ack", f) }

// Ack implements pulse.Sink.
func (s *Sink) Ack(ctx context.Context, evt *streaming.Event) error {
	if f := s.m.Next("Ack"); f != nil {
		return f.(SinkAckFunc)(ctx, evt)
	}
	s.t.Helper()
	s.t.Error("unexpected Ack call")
	return nil
}

// AddClose queues f for the next Close call.
func (s *Sink) AddClose(f SinkCloseFunc) { s.m.Add("Close", f) }

// Close implements pulse.Sink.
func (s *Sink) Close(ctx context.Context) {
	if f := s.m.Next("Close"); f != nil {
		f.(SinkCloseFunc)(ctx)
		return
	}
	s.t.Helper()
	s.t.Error("unexpected Close call")
}

// HasMore reports whether queued calls remain.
func (s *Sink) HasMore() bool { return s.m.HasMore() }
