package agent

import (
	"context"

	"github.com/concord-hq/concord/runtime/conversation"
	"github.com/concord-hq/concord/runtime/transport"
)

type (
	// TurnContext is what a TakeTurn callback receives (spec.md §4.5).
	// Snapshot is a clone taken when the turn handler started; callers
	// that need a fresher view mid-turn call GetLatestSnapshot.
	TurnContext struct {
		Conversation      conversation.ID
		AgentID           conversation.AgentID
		GuidanceSeq       int64
		DeadlineMs        int64
		CurrentTurnNumber int
		Snapshot          conversation.Snapshot

		// GetLatestSnapshot re-fetches the conversation snapshot through
		// Transport, bypassing the runtime's local mirror entirely.
		GetLatestSnapshot func(ctx context.Context) (conversation.Snapshot, *conversation.Error)

		Transport transport.Transport
	}

	// TakeTurn is the domain callback a BaseAgent dispatches guidance
	// to. Implementations do whatever domain work the agent performs,
	// then call turn.Transport.PostMessage (typically with a closing
	// finality) to hand the turn back.
	TakeTurn func(ctx context.Context, turn TurnContext) error
)
