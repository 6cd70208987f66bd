package orchestrator

import (
	"context"

	"github.com/concord-hq/concord/runtime/conversation"
	"github.com/concord-hq/concord/runtime/log"
	"github.com/concord-hq/concord/runtime/turn"
)

// defaultDeadlineMs is the hint attached to emitted guidance: a wall-clock
// budget the orchestrator does not enforce (spec.md §4.4).
const defaultDeadlineMs = 30_000

// schedule implements spec.md §4.4's scheduling policy. Callers must hold
// the conversation's lock. It is safe to call after any write (turn close,
// clearTurn) or on conversation creation/resubscription; it is a no-op
// unless the conversation is active.
func (s *Service) schedule(ctx context.Context, conv conversation.ID) {
	snap, err := s.store.Snapshot(ctx, conv, log.SnapshotOptions{})
	if err != nil {
		s.tel.Logger().Warn(ctx, "schedule: snapshot failed", "conversation", conv, "error", err)
		return
	}

	// Rule 1: nothing is emitted for a completed conversation.
	if snap.Status == conversation.StatusCompleted {
		return
	}

	if turn.HasOpenTurn(snap.Events) {
		// Rule 2: tell the owner to resume.
		owner, _ := turn.OwnerAgentID(snap.Events)
		s.bus.PublishGuidance(conv, conversation.GuidanceEvent{
			Conversation: conv,
			NextAgentID:  owner,
			Kind:         conversation.GuidanceContinueTurn,
			Turn:         turn.Current(snap.Events),
			DeadlineMs:   defaultDeadlineMs,
		})
		s.tel.Metrics().IncCounter("conversation.guidance.emitted", 1)
		return
	}

	// Rule 3: rotate to the next agent other than whoever last closed a
	// turn, tie-broken by metadata order.
	next, ok := nextAgent(snap)
	if !ok {
		return
	}
	s.bus.PublishGuidance(conv, conversation.GuidanceEvent{
		Conversation: conv,
		NextAgentID:  next,
		Kind:         conversation.GuidanceStartTurn,
		Turn:         turn.Current(snap.Events) + 1,
		DeadlineMs:   defaultDeadlineMs,
	})
	s.tel.Metrics().IncCounter("conversation.guidance.emitted", 1)
}

// nextAgent picks the agent other than whoever last closed a turn, with a
// deterministic tie-break by metadata order (spec.md §4.4 rule 3). With no
// events yet, the first agent in metadata order starts.
func nextAgent(snap conversation.Snapshot) (conversation.AgentID, bool) {
	agents := snap.Metadata.Agents
	if len(agents) == 0 {
		return "", false
	}

	lastCloser, ok := lastTurnCloser(snap.Events)
	if !ok {
		return agents[0], true
	}

	idx := snap.Metadata.IndexOf(lastCloser)
	if idx < 0 {
		return agents[0], true
	}
	return agents[(idx+1)%len(agents)], true
}

// lastTurnCloser returns the agentId of the most recent turn-closing event
// (message with finality in {turn, conversation}, or a turn_cleared trace).
func lastTurnCloser(events []conversation.UnifiedEvent) (conversation.AgentID, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].ClosesTurn() {
			return events[i].AgentID, true
		}
	}
	return "", false
}

// clearTurnDecision adapts turn.ClearTurn to a snapshot's event slice.
func clearTurnDecision(snap conversation.Snapshot, agentID conversation.AgentID) (shouldAppend bool, turnForCaller int) {
	return turn.ClearTurn(snap.Events, agentID)
}
