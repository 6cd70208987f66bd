// Package bus implements the subscription/fan-out bus (C3, spec.md §4.3):
// per-conversation delivery of unified events and transient guidance to
// in-process listeners, with filtering, sinceSeq backfill, and a bounded
// per-subscriber queue that disconnects slow consumers instead of blocking
// the publisher.
//
// The stitching strategy (register first, replay the log, then drain
// whatever arrived live during replay skipping anything already covered by
// the replay's high-water mark) follows spec.md §9's "Event stream over
// network" design note, adapted from the channel-per-subscription,
// goroutine-pumping shape of the teacher's features/stream/pulse.Subscriber.
package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/concord-hq/concord/runtime/conversation"
	"github.com/concord-hq/concord/runtime/log"
)

// defaultBuffer is the per-subscriber bounded queue capacity, matching the
// teacher's Pulse subscriber default (features/stream/pulse/subscriber.go).
const defaultBuffer = 64

type (
	// Delivery is one item handed to a subscriber: exactly one of Event or
	// Guidance is set.
	Delivery struct {
		Event    *conversation.UnifiedEvent
		Guidance *conversation.GuidanceEvent
	}

	// Options configures a Subscribe call (spec.md §4.3).
	Options struct {
		// EventTypes restricts delivery by unified-event type; nil means
		// all types.
		EventTypes map[conversation.EventType]bool
		// Agents restricts delivery by event author; nil means all
		// authors. System events are always delivered regardless.
		Agents map[conversation.AgentID]bool
		// IncludeGuidance, when true, also delivers guidance targeted at
		// any agent in the conversation; callers filter by their own id.
		IncludeGuidance bool
		// SinceSeq, when non-nil, backfills persisted events with
		// seq > *SinceSeq before live delivery begins.
		SinceSeq *int64
		// Buffer overrides the default per-subscriber queue capacity.
		Buffer int
	}

	// Subscription is a live registration returned by Subscribe.
	Subscription interface {
		// ID identifies the subscription (for logging/diagnostics).
		ID() string
		// Deliveries is the channel of stitched, filtered, in-order
		// events and guidance for this subscription. It is closed when
		// the subscription ends, either via Close or via a SlowConsumer
		// disconnect; call Err after observing closure to distinguish
		// the two.
		Deliveries() <-chan Delivery
		// Err returns the reason the channel closed, if any. Nil means a
		// clean Close.
		Err() *conversation.Error
		// Close unregisters the subscription. Idempotent.
		Close()
	}

	// Publisher is the surface orchestrator.Service depends on: publish
	// persisted events and transient guidance, and register subscriptions.
	// The in-process Bus below and runtime/bus/redis's distributed Bus both
	// satisfy it, so a Service can be wired to either without change.
	Publisher interface {
		Subscribe(ctx context.Context, conv conversation.ID, opts Options) (Subscription, *conversation.Error)
		Publish(conv conversation.ID, event conversation.UnifiedEvent)
		PublishGuidance(conv conversation.ID, g conversation.GuidanceEvent)
	}

	// Bus is the subscription/fan-out bus. A single Bus instance serves
	// all conversations.
	Bus struct {
		store log.Store

		mu    sync.Mutex
		convs map[conversation.ID]*convBus
	}

	convBus struct {
		mu              sync.Mutex
		subs            map[string]*subscription
		nextGuidanceSeq int64
	}

	subscription struct {
		id   string
		opts Options
		conv conversation.ID

		raw  chan conversation.UnifiedEvent
		out  chan Delivery
		done chan struct{}

		closeOnce sync.Once
		mu        sync.Mutex
		err       *conversation.Error
	}
)

// New constructs a Bus backed by store for backfill.
func New(store log.Store) *Bus {
	return &Bus{store: store, convs: make(map[conversation.ID]*convBus)}
}

func (b *Bus) convBus(conv conversation.ID) *convBus {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.convs[conv]
	if !ok {
		cb = &convBus{subs: make(map[string]*subscription)}
		b.convs[conv] = cb
	}
	return cb
}

// Subscribe implements C3's subscribe operation.
func (b *Bus) Subscribe(ctx context.Context, conv conversation.ID, opts Options) (Subscription, *conversation.Error) {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	sub := &subscription{
		id:   uuid.NewString(),
		opts: opts,
		conv: conv,
		raw:  make(chan conversation.UnifiedEvent, buffer),
		out:  make(chan Delivery, buffer),
		done: make(chan struct{}),
	}

	cb := b.convBus(conv)
	cb.mu.Lock()
	cb.subs[sub.id] = sub
	cb.mu.Unlock()

	go sub.run(ctx, b.store, cb, opts.SinceSeq)

	return sub, nil
}

// Publish delivers a persisted unified event to every subscription whose
// filters accept it.
func (b *Bus) Publish(conv conversation.ID, event conversation.UnifiedEvent) {
	cb := b.convBus(conv)
	cb.mu.Lock()
	subs := make([]*subscription, 0, len(cb.subs))
	for _, s := range cb.subs {
		subs = append(subs, s)
	}
	cb.mu.Unlock()

	for _, s := range subs {
		s.offerRaw(event, cb)
	}
}

// PublishGuidance delivers a transient guidance event to every subscription
// with IncludeGuidance set. Delivery is best-effort: a full or closed
// subscriber queue silently drops the guidance (spec.md §4.3).
func (b *Bus) PublishGuidance(conv conversation.ID, g conversation.GuidanceEvent) {
	cb := b.convBus(conv)
	cb.mu.Lock()
	cb.nextGuidanceSeq++
	g.Seq = cb.nextGuidanceSeq
	subs := make([]*subscription, 0, len(cb.subs))
	for _, s := range cb.subs {
		if s.opts.IncludeGuidance {
			subs = append(subs, s)
		}
	}
	cb.mu.Unlock()

	for _, s := range subs {
		func() {
			// run closes s.out when the subscription ends; a send that
			// races that close panics, and is recovered here as a drop.
			defer func() { _ = recover() }()
			select {
			case <-s.done:
			case s.out <- Delivery{Guidance: &g}:
			default:
			}
		}()
	}
}

func (s *subscription) ID() string                     { return s.id }
func (s *subscription) Deliveries() <-chan Delivery     { return s.out }
func (s *subscription) Err() *conversation.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// offerRaw is the non-blocking handoff from Publish into the subscription's
// raw queue. A full queue means the subscriber is too slow; disconnect it
// with SlowConsumer rather than block the writer (spec.md §4.3).
func (s *subscription) offerRaw(event conversation.UnifiedEvent, cb *convBus) {
	select {
	case s.raw <- event:
	case <-s.done:
	default:
		s.disconnectSlow(cb)
	}
}

func (s *subscription) disconnectSlow(cb *convBus) {
	s.mu.Lock()
	if s.err == nil {
		s.err = conversation.NewError(conversation.KindSlowConsumer, "bus.Publish", "subscriber queue overflow", nil)
	}
	s.mu.Unlock()
	s.disconnect(cb)
}

// disconnect unregisters the subscription without touching s.err, so
// callers that already set a more specific error (e.g. a backfill failure)
// keep it.
func (s *subscription) disconnect(cb *convBus) {
	cb.mu.Lock()
	delete(cb.subs, s.id)
	cb.mu.Unlock()
	s.Close()
}

// accepts applies the event-type and agent filters (spec.md §4.3). System
// events always pass the agent filter.
func (s *subscription) accepts(e conversation.UnifiedEvent) bool {
	if s.opts.EventTypes != nil && !s.opts.EventTypes[e.Type] {
		return false
	}
	if s.opts.Agents != nil && e.Type != conversation.EventSystem && !s.opts.Agents[e.AgentID] {
		return false
	}
	return true
}

// run performs the backfill-then-live stitch. Registration into cb.subs has
// already happened (by the caller, before run is started), so every event
// published from this point on is visible either in the backfill replay or
// in s.raw — never lost, possibly seen in both, in which case the
// high-water mark below discards the duplicate.
func (s *subscription) run(ctx context.Context, store log.Store, cb *convBus, sinceSeq *int64) {
	defer close(s.out)
	defer s.disconnect(cb) // runs first: unregister before out is closed

	var backfillMax int64
	if sinceSeq != nil {
		backfillMax = *sinceSeq
		events, err := store.ListSince(ctx, s.conv, *sinceSeq, 0)
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			s.disconnect(cb)
			return
		}
		for _, e := range events {
			if e.Seq > backfillMax {
				backfillMax = e.Seq
			}
			if !s.deliverOrStop(ctx, e) {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case e, ok := <-s.raw:
			if !ok {
				return
			}
			if e.Seq <= backfillMax {
				continue
			}
			if !s.deliverOrStop(ctx, e) {
				return
			}
		}
	}
}

func (s *subscription) deliverOrStop(ctx context.Context, e conversation.UnifiedEvent) bool {
	if !s.accepts(e) {
		return true
	}
	ev := e
	select {
	case s.out <- Delivery{Event: &ev}:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}
