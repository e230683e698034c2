// Package pulse wraps the Pulse streaming library for the durable lifecycle
// event streams. Every workflow instance owns one stream; the client keeps a
// handle per stream name so that the many events of a run reuse it.
package pulse

//go:generate cmg gen .

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis backs the streams. Required. The caller owns the connection.
		Redis *redis.Client
		// StreamMaxLen caps the entries kept per instance stream. Zero keeps
		// the Pulse default.
		StreamMaxLen int
		// OperationTimeout bounds each publication. Zero disables it.
		OperationTimeout time.Duration
	}

	// Client opens Pulse streams.
	Client interface {
		// Stream returns the handle of the named stream. Handles opened
		// without options are cached by name.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close drops the cached handles.
		Close(ctx context.Context) error
	}

	// Stream publishes lifecycle events and opens consumer groups on them.
	Stream interface {
		// Add appends an entry named event and returns its Redis ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink opens the consumer group name on the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy removes the stream with its entries.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group reading a Pulse stream.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}

	client struct {
		rdb     *redis.Client
		maxLen  int
		timeout time.Duration

		mu      sync.Mutex
		streams map[string]*instanceStream
	}

	instanceStream struct {
		name    string
		str     *streaming.Stream
		timeout time.Duration
		forget  func(string)
	}

	consumer struct {
		*streaming.Sink
	}
)

// New returns a client publishing on the streams of rdb.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		rdb:     opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
		streams: make(map[string]*instanceStream),
	}, nil
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	cacheable := len(opts) == 0
	if cacheable {
		c.mu.Lock()
		defer c.mu.Unlock()
		if s, ok := c.streams[name]; ok {
			return s, nil
		}
	}
	all := make([]streamopts.Stream, 0, len(opts)+1)
	if c.maxLen > 0 {
		all = append(all, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.rdb, append(all, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("open pulse stream %q: %w", name, err)
	}
	s := &instanceStream{name: name, str: str, timeout: c.timeout, forget: c.forget}
	if cacheable {
		c.streams[name] = s
	}
	return s, nil
}

func (c *client) Close(context.Context) error {
	c.mu.Lock()
	c.streams = make(map[string]*instanceStream)
	c.mu.Unlock()
	return nil
}

func (c *client) forget(name string) {
	c.mu.Lock()
	delete(c.streams, name)
	c.mu.Unlock()
}

func (s *instanceStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	id, err := s.str.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("add %s to %q: %w", event, s.name, err)
	}
	return id, nil
}

func (s *instanceStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := s.str.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return consumer{Sink: sink}, nil
}

// Destroy also evicts the handle from the client cache.
func (s *instanceStream) Destroy(ctx context.Context) error {
	s.forget(s.name)
	return s.str.Destroy(ctx)
}

func (c consumer) Close(ctx context.Context) {
	c.Sink.Close(ctx)
}
