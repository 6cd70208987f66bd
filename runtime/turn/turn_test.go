package turn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-hq/concord/runtime/conversation"
)

func msg(agent conversation.AgentID, turn, event int, finality conversation.Finality) conversation.UnifiedEvent {
	return conversation.UnifiedEvent{
		Turn: turn, Event: event, AgentID: agent,
		Type: conversation.EventMessage, Finality: finality,
		Message: &conversation.MessagePayload{Text: "x"},
	}
}

func cleared(agent conversation.AgentID, turn, event int) conversation.UnifiedEvent {
	return conversation.UnifiedEvent{
		Turn: turn, Event: event, AgentID: agent,
		Type: conversation.EventTrace,
		Trace: &conversation.TracePayload{Kind: conversation.TraceTurnCleared},
	}
}

func TestCurrentAndOpenTurn_EmptyLog(t *testing.T) {
	assert.Equal(t, 0, Current(nil))
	assert.False(t, HasOpenTurn(nil))
	assert.False(t, Closed(nil))
}

func TestHasOpenTurn_AfterUnclosedMessage(t *testing.T) {
	events := []conversation.UnifiedEvent{msg("alice", 1, 1, conversation.FinalityNone)}
	assert.True(t, HasOpenTurn(events))
	owner, ok := OwnerAgentID(events)
	require.True(t, ok)
	assert.Equal(t, conversation.AgentID("alice"), owner)
}

func TestClosed_AfterTurnFinality(t *testing.T) {
	events := []conversation.UnifiedEvent{msg("alice", 1, 1, conversation.FinalityTurn)}
	assert.True(t, Closed(events))
	assert.False(t, HasOpenTurn(events))
	_, ok := OwnerAgentID(events)
	assert.False(t, ok)
}

func TestClosed_AfterTurnCleared(t *testing.T) {
	events := []conversation.UnifiedEvent{
		msg("alice", 1, 1, conversation.FinalityNone),
		cleared("alice", 1, 2),
	}
	assert.True(t, Closed(events))
	assert.False(t, HasOpenTurn(events))
}

// S1 — basic hand-off (spec.md §8 S1).
func TestValidate_S1_BasicHandoff(t *testing.T) {
	var events []conversation.UnifiedEvent

	d, err := Validate(events, "alice", nil)
	require.Nil(t, err)
	assert.Equal(t, Decision{Turn: 1, Event: 1}, d)
	events = append(events, msg("alice", 1, 1, conversation.FinalityTurn))

	d, err = Validate(events, "bob", nil)
	require.Nil(t, err)
	assert.Equal(t, Decision{Turn: 2, Event: 1}, d)
}

// S2 — open-turn ownership violation (spec.md §8 S2).
func TestValidate_S2_OpenTurnOwnership(t *testing.T) {
	events := []conversation.UnifiedEvent{msg("alice", 1, 1, conversation.FinalityNone)}

	requested := 1
	_, err := Validate(events, "bob", &requested)
	require.NotNil(t, err)
	assert.Equal(t, conversation.KindConflict, err.Kind)
	assert.Contains(t, err.Message, "owned by other")
}

func TestValidate_RejectsTurnAlreadyOpenWithDifferentNumber(t *testing.T) {
	events := []conversation.UnifiedEvent{msg("alice", 1, 1, conversation.FinalityNone)}

	requested := 5
	_, err := Validate(events, "alice", &requested)
	require.NotNil(t, err)
	assert.Contains(t, err.Message, "turn already open")
}

func TestValidate_RejectsInvalidTurnNumber(t *testing.T) {
	var events []conversation.UnifiedEvent
	requested := 2 // currentTurn+2, spec.md §8 boundary behavior
	_, err := Validate(events, "alice", &requested)
	require.NotNil(t, err)
	assert.Contains(t, err.Message, "invalid turn number")
}

func TestValidate_JoinsOpenTurnOnMatchingExplicitTurn(t *testing.T) {
	events := []conversation.UnifiedEvent{msg("alice", 1, 1, conversation.FinalityNone)}
	requested := 1
	d, err := Validate(events, "alice", &requested)
	require.Nil(t, err)
	assert.Equal(t, Decision{Turn: 1, Event: 2}, d)
}

// S4 — idempotent clear (spec.md §8 S4).
func TestClearTurn_Idempotent(t *testing.T) {
	events := []conversation.UnifiedEvent{msg("alice", 1, 1, conversation.FinalityNone)}

	shouldAppend, next := ClearTurn(events, "alice")
	assert.True(t, shouldAppend)
	assert.Equal(t, 2, next)
	events = append(events, cleared("alice", 1, 2))

	shouldAppend, next = ClearTurn(events, "alice")
	assert.False(t, shouldAppend)
	assert.Equal(t, 2, next)
}

func TestClearTurn_NoOpWhenNotOwner(t *testing.T) {
	events := []conversation.UnifiedEvent{msg("alice", 1, 1, conversation.FinalityNone)}
	shouldAppend, next := ClearTurn(events, "bob")
	assert.False(t, shouldAppend)
	assert.Equal(t, 2, next)
}

func TestClearTurn_NoOpWhenNoOpenTurn(t *testing.T) {
	shouldAppend, next := ClearTurn(nil, "alice")
	assert.False(t, shouldAppend)
	assert.Equal(t, 1, next)
}
