// Package pulse is a thin wrapper around goa.design/pulse streams, scoped to
// the handful of operations the distributed bus needs: append an event to a
// conversation's stream and read it back through a named consumer group.
// Adapted from the teacher's features/stream/pulse/clients/pulse.Client,
// trimmed to drop the configurable stream-options callback this package has
// no use for.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the client.
	Options struct {
		// Redis is the connection backing every Pulse stream. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per conversation stream. Zero
		// uses Pulse's default.
		StreamMaxLen int
		// OperationTimeout bounds individual Add calls. Zero means none.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse needed to run a conversation's
	// stream as a distributed event bus.
	Client interface {
		// Stream returns a handle to the stream called name, creating
		// it on first use.
		Stream(name string) (Stream, error)
	}

	// Stream is one conversation's append log in Redis.
	Stream interface {
		// Add publishes name (event|guidance) with payload, returning the
		// Redis-assigned entry ID.
		Add(ctx context.Context, name string, payload []byte) (string, error)
		// NewSink opens a consumer group named name on this stream.
		NewSink(ctx context.Context, name string) (Sink, error)
	}

	// Sink is one subscription's consumer group.
	Sink interface {
		// Subscribe returns the channel of entries delivered to this
		// consumer group.
		Subscribe() <-chan *streaming.Event
		// Ack acknowledges an entry, removing it from the group's
		// pending list.
		Ack(ctx context.Context, evt *streaming.Event) error
		// Close stops the sink.
		Close(ctx context.Context)
	}
)

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Client over a Redis connection the caller owns.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream %q: %w", name, err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, name string, payload []byte) (string, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, name, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("pulse new sink %q: %w", name, err)
	}
	return sinkAdapter{sink}, nil
}

type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Close(ctx context.Context) { s.Sink.Close(ctx) }
