// Package log defines the event log (C1, spec.md §4.1): durable, ordered
// storage of the unified event stream for all conversations, with
// allocation of (turn, event, seq) under a single logical writer per
// conversation.
package log

import (
	"context"

	"github.com/concord-hq/concord/runtime/conversation"
)

type (
	// AppendResult is what Append returns on success: the identity assigned
	// to the newly persisted event.
	AppendResult struct {
		Seq   int64
		Turn  int
		Event int
	}

	// SnapshotOptions controls what Snapshot joins into the returned view.
	SnapshotOptions struct {
		// IncludeScenario requests that the scenario reference in metadata
		// be resolved and attached. The log itself never interprets
		// scenario content (spec.md §1 Non-goals); resolution is the
		// orchestrator's responsibility, so this flag is carried through
		// rather than acted on here.
		IncludeScenario bool
	}

	// Store persists the unified event log and enforces the append rule
	// from spec.md §4.2 atomically with allocation.
	//
	// Implementations must serialize appends per conversation (§4.1
	// Invariants) and must update lastClosedSeq in the same transaction as
	// any turn-closing event.
	Store interface {
		// Append validates proposal against the current state of
		// conversation per the turn.Validate rule, assigns seq/turn/event,
		// stamps ts, and persists. Returns *conversation.Error with
		// KindConflict on a rejected turn allocation, KindNotFound if the
		// conversation does not exist, KindInvalidArgument if the
		// conversation is already completed, and KindTransient on a
		// storage failure.
		//
		// If proposal.Message.ClientRequestID is non-empty and was already seen
		// for (conversation, agentId) within the retention window, Append
		// returns the original AppendResult without appending a second
		// event (spec.md §8 round-trip law).
		Append(ctx context.Context, conv conversation.ID, proposal conversation.Proposal) (AppendResult, *conversation.Error)

		// AppendSystem appends an orchestrator-authored system event
		// (turn=0). System events sit outside the turn-ownership rule
		// entirely (spec.md §3: "turn = 0 reserved for system"); event
		// numbers for turn 0 form their own monotonic sequence.
		AppendSystem(ctx context.Context, conv conversation.ID, payload conversation.SystemPayload) (AppendResult, *conversation.Error)

		// Snapshot returns the full log for conversation plus its derived
		// status, lastClosedSeq, and metadata. Returns KindNotFound if the
		// conversation does not exist.
		Snapshot(ctx context.Context, conv conversation.ID, opts SnapshotOptions) (conversation.Snapshot, *conversation.Error)

		// ListSince returns up to limit events with seq > sinceSeq, in
		// increasing seq order, for bus backfill. A limit <= 0 means no
		// limit.
		ListSince(ctx context.Context, conv conversation.ID, sinceSeq int64, limit int) ([]conversation.UnifiedEvent, *conversation.Error)

		// CreateConversation registers a new conversation with the given
		// metadata and returns its assigned ID.
		CreateConversation(ctx context.Context, meta conversation.Metadata) (conversation.ID, *conversation.Error)
	}
)
