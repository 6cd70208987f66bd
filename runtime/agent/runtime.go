// Package agent implements the BaseAgent runtime (C5, spec.md §4.5): a
// cooperative, single-turn-at-a-time executor driven by orchestrator
// guidance, maintaining a best-effort local mirror of the conversation and
// delegating domain work to a TakeTurn callback. It is transport-agnostic,
// driving whatever transport.Transport it is constructed with.
package agent

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/concord-hq/concord/internal/telemetry"
	"github.com/concord-hq/concord/runtime/conversation"
	"github.com/concord-hq/concord/runtime/log"
	"github.com/concord-hq/concord/runtime/transport"
)

// RecoveryMode controls how a BaseAgent handles continue_turn guidance for
// a turn it may have only partially completed before a restart (spec.md
// §4.5).
type RecoveryMode string

const (
	// RecoveryResume re-enters the open turn as-is; the domain callback
	// is responsible for figuring out what, if anything, it already did.
	RecoveryResume RecoveryMode = "resume"
	// RecoveryRestart calls Transport.ClearTurn before re-entering, so
	// the callback always starts from a clean turn.
	RecoveryRestart RecoveryMode = "restart"
)

// Options configures a BaseAgent.
type Options struct {
	Recovery  RecoveryMode
	TakeTurn  TakeTurn
	Telemetry telemetry.Telemetry
}

// BaseAgent is the client-side runtime described by spec.md §4.5. A
// BaseAgent instance drives exactly one (conversation, agentId) pair; an
// agent participating in many conversations constructs one BaseAgent per
// conversation.
type BaseAgent struct {
	transport transport.Transport
	conv      conversation.ID
	agentID   conversation.AgentID
	recovery  RecoveryMode
	takeTurn  TakeTurn
	tel       telemetry.Telemetry

	mirror *mirror

	mu          sync.Mutex
	unsubscribe func()
	stopped     bool

	inTurn atomic.Bool
}

// New constructs a BaseAgent. Start must be called before the runtime does
// anything.
func New(t transport.Transport, conv conversation.ID, agentID conversation.AgentID, opts Options) *BaseAgent {
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}
	recovery := opts.Recovery
	if recovery == "" {
		recovery = RecoveryResume
	}
	return &BaseAgent{
		transport: t,
		conv:      conv,
		agentID:   agentID,
		recovery:  recovery,
		takeTurn:  opts.TakeTurn,
		tel:       tel,
	}
}

// Start acquires a live event stream with includeGuidance=true, fetches a
// snapshot for the initial mirror, and installs the single subscriber that
// drives turn dispatch (spec.md §4.5).
func (a *BaseAgent) Start(ctx context.Context) *conversation.Error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unsubscribe != nil {
		return conversation.NewError(conversation.KindInvalidArgument, "agent.Start", "already started", nil)
	}

	snap, err := a.transport.Snapshot(ctx, a.conv, log.SnapshotOptions{})
	if err != nil {
		return err
	}
	a.mirror = newMirror(snap)

	var sinceSeq *int64
	if n := len(snap.Events); n > 0 {
		s := snap.Events[n-1].Seq
		sinceSeq = &s
	}

	stream, err := a.transport.CreateEventStream(ctx, a.conv, true, sinceSeq)
	if err != nil {
		return err
	}
	a.unsubscribe = stream.Subscribe(func(u transport.Update) {
		a.onUpdate(ctx, u)
	})
	return nil
}

// Stop idempotently tears down the subscription and discards the mirror.
func (a *BaseAgent) Stop() {
	a.mu.Lock()
	unsub := a.unsubscribe
	a.unsubscribe = nil
	a.stopped = true
	a.mirror = nil
	a.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (a *BaseAgent) onUpdate(ctx context.Context, u transport.Update) {
	a.mu.Lock()
	m := a.mirror
	stopped := a.stopped
	a.mu.Unlock()
	if stopped || m == nil {
		return
	}

	switch {
	case u.Event != nil:
		m.apply(*u.Event)
		if u.Event.ClosesConversation() {
			// Stop tears down this stream's subscription, which this
			// callback is itself running under; doing that inline
			// would deadlock waiting for its own pump goroutine to
			// exit, so tear down from a fresh goroutine instead.
			go a.Stop()
		}
	case u.Guidance != nil:
		a.onGuidance(ctx, *u.Guidance)
	}
}

// onGuidance dispatches to the turn handler when the guidance names this
// runtime's agentId and no turn is already in progress; otherwise it is
// silently dropped, per spec.md §4.5's concurrency contract (no local
// pending-guidance queue).
func (a *BaseAgent) onGuidance(ctx context.Context, g conversation.GuidanceEvent) {
	if g.NextAgentID != a.agentID {
		return
	}
	if !a.inTurn.CompareAndSwap(false, true) {
		a.tel.Logger().Debug(ctx, "guidance dropped: turn already in progress",
			"conversation", a.conv, "agentId", a.agentID, "turn", g.Turn)
		return
	}
	go a.runTurn(ctx, g)
}

func (a *BaseAgent) runTurn(ctx context.Context, g conversation.GuidanceEvent) {
	defer a.inTurn.Store(false)

	if g.Kind == conversation.GuidanceContinueTurn && a.recovery == RecoveryRestart {
		if _, err := a.transport.ClearTurn(ctx, a.conv, a.agentID); err != nil {
			a.tel.Logger().Error(ctx, "clearTurn failed during restart recovery",
				"conversation", a.conv, "agentId", a.agentID, "error", err)
			return
		}
	}

	snap, err := a.transport.Snapshot(ctx, a.conv, log.SnapshotOptions{})
	if err != nil {
		a.mu.Lock()
		m := a.mirror
		a.mu.Unlock()
		if m == nil {
			a.tel.Logger().Error(ctx, "snapshot refresh failed before turn", "conversation", a.conv, "error", err)
			return
		}
		a.tel.Logger().Warn(ctx, "snapshot refresh failed before turn; using local mirror", "conversation", a.conv, "error", err)
		snap = m.snapshot()
	}

	turnCtx := TurnContext{
		Conversation:      a.conv,
		AgentID:           a.agentID,
		GuidanceSeq:       g.Seq,
		DeadlineMs:        g.DeadlineMs,
		CurrentTurnNumber: g.Turn,
		Snapshot:          snap,
		GetLatestSnapshot: func(ctx context.Context) (conversation.Snapshot, *conversation.Error) {
			return a.transport.Snapshot(ctx, a.conv, log.SnapshotOptions{})
		},
		Transport: a.transport,
	}

	if a.takeTurn == nil {
		return
	}
	if err := a.takeTurn(ctx, turnCtx); err != nil {
		a.tel.Logger().Error(ctx, "takeTurn failed", "conversation", a.conv, "agentId", a.agentID, "turn", g.Turn, "error", err)
	}
}
