// Package turn implements the derived turn state machine (spec.md §4.2):
// pure functions over a conversation snapshot's event tail, plus the
// append-rule validation the event log enforces on every proposal. No state
// is cached here — only conversation.Snapshot.LastClosedSeq is a stored
// hot-path value, per spec.md §9's "derived turn state vs cached state"
// note; everything else is re-derived on every call.
package turn

import "github.com/concord-hq/concord/runtime/conversation"

// Current returns currentTurn(S): max(e.turn) over non-system events, or 0.
func Current(events []conversation.UnifiedEvent) int {
	max := 0
	for _, e := range events {
		if e.Type != conversation.EventSystem && e.Turn > max {
			max = e.Turn
		}
	}
	return max
}

// lastNonSystemInTurn returns the last non-system event whose Turn equals
// turnNum, or nil if there is none (an empty/never-opened turn).
func lastNonSystemInTurn(events []conversation.UnifiedEvent, turnNum int) *conversation.UnifiedEvent {
	var last *conversation.UnifiedEvent
	for i := range events {
		e := &events[i]
		if e.Type == conversation.EventSystem || e.Turn != turnNum {
			continue
		}
		last = e
	}
	return last
}

// Closed reports closed(S): whether the last non-system event in
// currentTurn(S) is a turn- or conversation-closing event.
func Closed(events []conversation.UnifiedEvent) bool {
	cur := Current(events)
	if cur == 0 {
		return false
	}
	last := lastNonSystemInTurn(events, cur)
	return last != nil && last.ClosesTurn()
}

// HasOpenTurn reports hasOpenTurn(S) = currentTurn(S) > 0 && !closed(S).
func HasOpenTurn(events []conversation.UnifiedEvent) bool {
	return Current(events) > 0 && !Closed(events)
}

// OwnerAgentID returns ownerAgentId(S): the agentId of the last non-system
// event in currentTurn(S), when HasOpenTurn is true. The second return
// value is false when there is no open turn.
func OwnerAgentID(events []conversation.UnifiedEvent) (conversation.AgentID, bool) {
	if !HasOpenTurn(events) {
		return "", false
	}
	last := lastNonSystemInTurn(events, Current(events))
	if last == nil {
		return "", false
	}
	return last.AgentID, true
}

// Decision is the result of validating a proposal's turn number against the
// append rule (spec.md §4.2). Turn is the turn the event should be
// assigned; Event is the event number within that turn.
type Decision struct {
	Turn  int
	Event int
}

// Validate implements the four-clause append rule. agentID is the proposer;
// requestedTurn is nil when the proposal omits turn.
func Validate(events []conversation.UnifiedEvent, agentID conversation.AgentID, requestedTurn *int) (Decision, *conversation.Error) {
	cur := Current(events)
	open := HasOpenTurn(events)

	if open {
		owner, _ := OwnerAgentID(events)
		if requestedTurn == nil || *requestedTurn == cur {
			if agentID != owner {
				return Decision{}, conversation.NewError(conversation.KindConflict, "turn.Validate", "turn owned by other", nil)
			}
			return Decision{Turn: cur, Event: nextEvent(events, cur)}, nil
		}
		return Decision{}, conversation.NewError(conversation.KindConflict, "turn.Validate", "turn already open", nil)
	}

	if requestedTurn == nil || *requestedTurn == cur+1 {
		return Decision{Turn: cur + 1, Event: 1}, nil
	}
	return Decision{}, conversation.NewError(conversation.KindConflict, "turn.Validate", "invalid turn number", nil)
}

// nextEvent returns one greater than the current max event number within
// turnNum (1 if the turn is somehow empty, which Validate's caller never
// reaches since open implies at least one event exists).
func nextEvent(events []conversation.UnifiedEvent, turnNum int) int {
	max := 0
	for _, e := range events {
		if e.Turn == turnNum && e.Event > max {
			max = e.Event
		}
	}
	return max + 1
}

// ClearTurn implements clearTurn(conversation, agentId)'s decision logic
// (spec.md §4.2). It reports whether a turn_cleared trace should actually
// be appended, and the turn number the caller should use either way:
// currentTurn+1, so the caller can safely begin a fresh turn. In the append
// case the turn_cleared trace lands in the current open turn and closes it;
// a repeated call is then a no-op that returns the same number.
func ClearTurn(events []conversation.UnifiedEvent, agentID conversation.AgentID) (shouldAppend bool, turnForCaller int) {
	cur := Current(events)
	if HasOpenTurn(events) {
		owner, _ := OwnerAgentID(events)
		if owner == agentID {
			return true, cur + 1
		}
	}
	return false, cur + 1
}
