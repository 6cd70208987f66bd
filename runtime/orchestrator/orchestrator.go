// Package orchestrator implements the orchestrator service (C4, spec.md
// §4.4): the only component that writes to the event log, derives the next
// agent, and publishes guidance. It composes runtime/log (C1), runtime/turn
// (C2), and runtime/bus (C3).
package orchestrator

import (
	"context"
	"sync"

	"github.com/concord-hq/concord/internal/telemetry"
	"github.com/concord-hq/concord/runtime/bus"
	"github.com/concord-hq/concord/runtime/conversation"
	"github.com/concord-hq/concord/runtime/log"
)

type (
	// Service is the orchestrator (C4). A Service instance serves many
	// conversations; per-conversation serialization is internal.
	Service struct {
		store log.Store
		bus   bus.Publisher
		tel   telemetry.Telemetry

		mu    sync.Mutex
		locks map[conversation.ID]*sync.Mutex
	}

	// PostMessageParams is the input to PostMessage (spec.md §4.4).
	PostMessageParams struct {
		Conversation    conversation.ID
		AgentID         conversation.AgentID
		Text            string
		Finality        conversation.Finality
		Attachments     []conversation.Attachment
		Turn            *int
		ClientRequestID string
	}

	// PostTraceParams is the input to PostTrace (spec.md §4.4).
	PostTraceParams struct {
		Conversation    conversation.ID
		AgentID         conversation.AgentID
		Payload         conversation.TracePayload
		Turn            *int
		ClientRequestID string
	}
)

// New constructs a Service over the given log store and bus. tel may be
// telemetry.Noop() for tests. b may be an in-process *bus.Bus or a
// runtime/bus/redis distributed Bus; both satisfy bus.Publisher.
func New(store log.Store, b bus.Publisher, tel telemetry.Telemetry) *Service {
	return &Service{
		store: store,
		bus:   b,
		tel:   tel,
		locks: make(map[conversation.ID]*sync.Mutex),
	}
}

func (s *Service) lockFor(conv conversation.ID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[conv]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conv] = l
	}
	return l
}

// CreateConversation registers a new conversation and, since there is no
// open turn yet, runs scheduling immediately so the first participant gets
// start_turn guidance (spec.md §4.4 scheduling trigger (a)).
func (s *Service) CreateConversation(ctx context.Context, meta conversation.Metadata) (conversation.ID, *conversation.Error) {
	id, err := s.store.CreateConversation(ctx, meta)
	if err != nil {
		return 0, err
	}

	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	s.schedule(ctx, id)
	return id, nil
}

// PostMessage implements spec.md §4.4's postMessage.
func (s *Service) PostMessage(ctx context.Context, p PostMessageParams) (log.AppendResult, *conversation.Error) {
	span, ctx := s.tel.Tracer().Start(ctx, "orchestrator.PostMessage")
	defer span.End()

	l := s.lockFor(p.Conversation)
	l.Lock()
	defer l.Unlock()

	proposal := conversation.Proposal{
		AgentID:  p.AgentID,
		Type:     conversation.EventMessage,
		Turn:     p.Turn,
		Finality: p.Finality,
		Message: &conversation.MessagePayload{
			Text:            p.Text,
			Attachments:     p.Attachments,
			ClientRequestID: p.ClientRequestID,
		},
	}

	res, err := s.appendWithRetry(ctx, p.Conversation, proposal)
	if err != nil {
		return log.AppendResult{}, err
	}
	s.tel.Metrics().IncCounter("conversation.events.appended", 1)

	s.publishAppended(p.Conversation, p.AgentID, res, conversation.EventMessage, p.Finality, proposal.Message, nil)

	closesTurn := p.Finality == conversation.FinalityTurn || p.Finality == conversation.FinalityConversation
	if p.Finality == conversation.FinalityConversation {
		if sysRes, sysErr := s.store.AppendSystem(ctx, p.Conversation, conversation.SystemPayload{Notice: "conversation completed"}); sysErr == nil {
			s.bus.Publish(p.Conversation, conversation.UnifiedEvent{
				Conversation: p.Conversation, Turn: 0, Event: sysRes.Event, Seq: sysRes.Seq,
				Type: conversation.EventSystem, System: &conversation.SystemPayload{Notice: "conversation completed"},
			})
		}
		// No guidance after completion (spec.md §4.4, §8 invariant 5).
		return res, nil
	}
	if closesTurn {
		s.schedule(ctx, p.Conversation)
	}
	return res, nil
}

// PostTrace implements spec.md §4.4's postTrace.
func (s *Service) PostTrace(ctx context.Context, p PostTraceParams) (log.AppendResult, *conversation.Error) {
	span, ctx := s.tel.Tracer().Start(ctx, "orchestrator.PostTrace")
	defer span.End()

	l := s.lockFor(p.Conversation)
	l.Lock()
	defer l.Unlock()

	payload := p.Payload
	proposal := conversation.Proposal{
		AgentID: p.AgentID,
		Type:    conversation.EventTrace,
		Turn:    p.Turn,
		Trace:   &payload,
	}
	if proposal.Trace.Kind == conversation.TraceToolCall || proposal.Trace.Kind == conversation.TraceToolResult {
		// clientRequestId dedup keys off the message payload in the log
		// store; traces carry no message payload, so a turn_cleared or
		// tool trace is never deduplicated by clientRequestId. This
		// matches spec.md §8's round-trip law, which only names
		// postMessage.
		_ = p.ClientRequestID
	}

	res, err := s.appendWithRetry(ctx, p.Conversation, proposal)
	if err != nil {
		return log.AppendResult{}, err
	}
	s.tel.Metrics().IncCounter("conversation.events.appended", 1)
	s.publishAppended(p.Conversation, p.AgentID, res, conversation.EventTrace, conversation.FinalityNone, nil, &payload)

	if payload.Kind == conversation.TraceTurnCleared {
		s.schedule(ctx, p.Conversation)
	}
	return res, nil
}

// ClearTurn implements spec.md §4.4's clearTurn: delegate to C2's decision,
// append the abort marker if warranted, and schedule if it was.
func (s *Service) ClearTurn(ctx context.Context, conv conversation.ID, agentID conversation.AgentID) (int, *conversation.Error) {
	l := s.lockFor(conv)
	l.Lock()
	defer l.Unlock()

	snap, err := s.store.Snapshot(ctx, conv, log.SnapshotOptions{})
	if err != nil {
		return 0, err
	}

	shouldAppend, turnForCaller := clearTurnDecision(snap, agentID)
	if !shouldAppend {
		return turnForCaller, nil
	}

	payload := conversation.TracePayload{Kind: conversation.TraceTurnCleared}
	res, appendErr := s.appendWithRetry(ctx, conv, conversation.Proposal{
		AgentID: agentID,
		Type:    conversation.EventTrace,
		Trace:   &payload,
	})
	if appendErr != nil {
		return 0, appendErr
	}
	s.publishAppended(conv, agentID, res, conversation.EventTrace, conversation.FinalityNone, nil, &payload)
	s.schedule(ctx, conv)
	return turnForCaller, nil
}

// GetSnapshot implements spec.md §4.4's getSnapshot.
func (s *Service) GetSnapshot(ctx context.Context, conv conversation.ID, opts log.SnapshotOptions) (conversation.Snapshot, *conversation.Error) {
	return s.store.Snapshot(ctx, conv, opts)
}

// CreateEventStream implements spec.md §4.4's createEventStream: an
// adapter over C3.
func (s *Service) CreateEventStream(ctx context.Context, conv conversation.ID, includeGuidance bool, sinceSeq *int64) (bus.Subscription, *conversation.Error) {
	sub, err := s.bus.Subscribe(ctx, conv, bus.Options{IncludeGuidance: includeGuidance, SinceSeq: sinceSeq})
	if err != nil {
		return nil, err
	}
	if includeGuidance {
		// A resubscription with includeGuidance requests guidance
		// immediately if the conversation is schedulable and no turn is
		// open (spec.md §4.4 scheduling trigger (c)).
		s.maybeScheduleOnResubscribe(ctx, conv)
	}
	return sub, nil
}

func (s *Service) maybeScheduleOnResubscribe(ctx context.Context, conv conversation.ID) {
	l := s.lockFor(conv)
	l.Lock()
	defer l.Unlock()
	s.schedule(ctx, conv)
}

// appendWithRetry retries a Transient storage failure once before
// propagating it (spec.md §4.4 Failure semantics).
func (s *Service) appendWithRetry(ctx context.Context, conv conversation.ID, proposal conversation.Proposal) (log.AppendResult, *conversation.Error) {
	res, err := s.store.Append(ctx, conv, proposal)
	if err != nil && err.Kind == conversation.KindTransient {
		res, err = s.store.Append(ctx, conv, proposal)
	}
	return res, err
}

func (s *Service) publishAppended(conv conversation.ID, agentID conversation.AgentID, res log.AppendResult, typ conversation.EventType, finality conversation.Finality, msg *conversation.MessagePayload, trace *conversation.TracePayload) {
	s.bus.Publish(conv, conversation.UnifiedEvent{
		Conversation: conv,
		Turn:         res.Turn,
		Event:        res.Event,
		Seq:          res.Seq,
		AgentID:      agentID,
		Type:         typ,
		Finality:     finality,
		Message:      msg,
		Trace:        trace,
	})
}
