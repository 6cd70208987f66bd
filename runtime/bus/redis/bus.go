// Package redis implements the distributed shape of C3 (spec.md §4.3, §9's
// "Event stream over network" note): a Bus backed by a Redis stream per
// conversation, so that subscription fan-out and guidance delivery span
// multiple orchestrator processes instead of one in-memory bus.Bus.
//
// Every append (bus.Bus.Publish / PublishGuidance) becomes one Pulse stream
// entry; every Subscribe opens a consumer group unique to that subscription,
// matching the in-process bus's one-subscriber-one-queue shape while letting
// Redis fan the entry out to however many processes have subscribers
// registered. Delivery is Ack'd after the listener accepts it, giving
// at-most-once delivery per subscription per seq the same way bus.Bus's
// bounded channel does, adapted from the teacher's
// features/stream/pulse.Subscriber (register sink, decode, Ack-after-emit).
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/concord-hq/concord/internal/telemetry"
	"github.com/concord-hq/concord/runtime/bus"
	"github.com/concord-hq/concord/runtime/bus/redis/clients/pulse"
	"github.com/concord-hq/concord/runtime/conversation"
	"github.com/concord-hq/concord/runtime/log"
)

const (
	entryEvent    = "event"
	entryGuidance = "guidance"

	defaultBuffer = 64
)

// Bus is the distributed Publisher. It satisfies bus.Publisher, so
// orchestrator.New accepts it anywhere an in-process *bus.Bus would go.
type Bus struct {
	client pulse.Client
	store  log.Store
	tel    telemetry.Telemetry
}

// New constructs a distributed Bus. store is used for sinceSeq backfill, the
// same role it plays for the in-process bus.Bus.
func New(client pulse.Client, store log.Store, tel telemetry.Telemetry) *Bus {
	return &Bus{client: client, store: store, tel: tel}
}

func streamName(conv conversation.ID) string {
	return fmt.Sprintf("concord/conversation/%d", conv)
}

type wireEnvelope struct {
	Event    *conversation.UnifiedEvent  `json:"event,omitempty"`
	Guidance *conversation.GuidanceEvent `json:"guidance,omitempty"`
}

// Publish appends a persisted event to the conversation's stream.
func (b *Bus) Publish(conv conversation.ID, event conversation.UnifiedEvent) {
	b.append(conv, entryEvent, wireEnvelope{Event: &event})
}

// PublishGuidance appends a transient guidance directive to the
// conversation's stream. Guidance is best-effort the same way it is
// in-process: a publish failure is logged, never propagated, since no caller
// blocks on scheduling succeeding.
func (b *Bus) PublishGuidance(conv conversation.ID, g conversation.GuidanceEvent) {
	b.append(conv, entryGuidance, wireEnvelope{Guidance: &g})
}

func (b *Bus) append(conv conversation.ID, name string, env wireEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		b.tel.Logger().Error(context.Background(), "redis bus: marshal envelope failed", "conversation", conv, "error", err)
		return
	}
	stream, err := b.client.Stream(streamName(conv))
	if err != nil {
		b.tel.Logger().Error(context.Background(), "redis bus: open stream failed", "conversation", conv, "error", err)
		return
	}
	if _, err := stream.Add(context.Background(), name, payload); err != nil {
		b.tel.Logger().Error(context.Background(), "redis bus: add entry failed", "conversation", conv, "error", err)
	}
}

// Subscribe implements C3's subscribe operation over a dedicated consumer
// group. Filtering, backfill, and the bounded-queue/SlowConsumer contract
// mirror bus.Bus's in-process Subscribe exactly; only the transport between
// publisher and subscriber differs.
func (b *Bus) Subscribe(ctx context.Context, conv conversation.ID, opts bus.Options) (bus.Subscription, *conversation.Error) {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	stream, err := b.client.Stream(streamName(conv))
	if err != nil {
		return nil, conversation.NewError(conversation.KindTransient, "redis.Subscribe", "open stream", err)
	}

	id := uuid.NewString()
	sink, err := stream.NewSink(ctx, id)
	if err != nil {
		return nil, conversation.NewError(conversation.KindTransient, "redis.Subscribe", "open consumer group", err)
	}

	sub := &subscription{
		id:   id,
		opts: opts,
		sink: sink,
		out:  make(chan bus.Delivery, buffer),
		done: make(chan struct{}),
	}

	go sub.run(ctx, b.store, conv, opts.SinceSeq)

	return sub, nil
}

type subscription struct {
	id   string
	opts bus.Options
	sink pulse.Sink

	out  chan bus.Delivery
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       *conversation.Error
}

func (s *subscription) ID() string                 { return s.id }
func (s *subscription) Deliveries() <-chan bus.Delivery { return s.out }
func (s *subscription) Err() *conversation.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.sink.Close(context.Background())
	})
}

func (s *subscription) setErr(err *conversation.Error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// run backfills persisted history through the log store (the Redis stream
// only carries events from the moment this sink was created onward, never
// older history), then drains the consumer group's channel, filtering and
// forwarding into s.out, Ack'ing every entry it accepts or drops by filter.
func (s *subscription) run(ctx context.Context, store log.Store, conv conversation.ID, sinceSeq *int64) {
	defer close(s.out)
	defer s.Close()

	var backfillMax int64
	if sinceSeq != nil {
		backfillMax = *sinceSeq
		events, err := store.ListSince(ctx, conv, *sinceSeq, 0)
		if err != nil {
			s.setErr(err)
			return
		}
		for _, e := range events {
			if e.Seq > backfillMax {
				backfillMax = e.Seq
			}
			if !s.deliverEvent(ctx, e) {
				return
			}
		}
	}

	ch := s.sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			var env wireEnvelope
			if err := json.Unmarshal(entry.Payload, &env); err != nil {
				s.setErr(conversation.NewError(conversation.KindTransient, "redis.subscription", "decode entry", err))
				return
			}
			switch {
			case env.Event != nil:
				if env.Event.Seq <= backfillMax {
					_ = s.sink.Ack(ctx, entry)
					continue
				}
				if !s.deliverEvent(ctx, *env.Event) {
					return
				}
			case env.Guidance != nil:
				if s.opts.IncludeGuidance {
					s.offerGuidance(*env.Guidance)
				}
			}
			_ = s.sink.Ack(ctx, entry)
		}
	}
}

func (s *subscription) deliverEvent(ctx context.Context, e conversation.UnifiedEvent) bool {
	if !accepts(s.opts, e) {
		return true
	}
	ev := e
	select {
	case s.out <- bus.Delivery{Event: &ev}:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	default:
		s.setErr(conversation.NewError(conversation.KindSlowConsumer, "redis.subscription", "subscriber queue overflow", nil))
		return false
	}
}

// offerGuidance is best-effort: a full queue silently drops the directive,
// matching bus.Bus's in-process PublishGuidance contract.
func (s *subscription) offerGuidance(g conversation.GuidanceEvent) {
	select {
	case s.out <- bus.Delivery{Guidance: &g}:
	default:
	}
}

func accepts(opts bus.Options, e conversation.UnifiedEvent) bool {
	if opts.EventTypes != nil && !opts.EventTypes[e.Type] {
		return false
	}
	if opts.Agents != nil && e.Type != conversation.EventSystem && !opts.Agents[e.AgentID] {
		return false
	}
	return true
}
