// Package transport defines the uniform surface the agent runtime (C5)
// uses to reach an orchestrator, regardless of location (spec.md §4.6).
// Two concrete shapes satisfy this interface bit-for-bit: inprocess (a
// direct call into runtime/orchestrator.Service) and wsrpc (a JSON-RPC 2.0
// client over a WebSocket), so the runtime itself stays oblivious to which
// one it is driving.
package transport

import (
	"context"

	"github.com/concord-hq/concord/runtime/conversation"
	"github.com/concord-hq/concord/runtime/log"
)

type (
	// PostMessageParams mirrors orchestrator.PostMessageParams minus the
	// conversation/agent identity, which Transport methods take
	// separately so wire adapters can route on them without inspecting
	// the payload.
	PostMessageParams struct {
		Text            string
		Finality        conversation.Finality
		Attachments     []conversation.Attachment
		Turn            *int
		ClientRequestID string
	}

	// PostTraceParams mirrors orchestrator.PostTraceParams.
	PostTraceParams struct {
		Payload         conversation.TracePayload
		Turn            *int
		ClientRequestID string
	}

	// Update is one item delivered to an EventStream listener: exactly
	// one of Event or Guidance is set, matching bus.Delivery.
	Update struct {
		Event    *conversation.UnifiedEvent
		Guidance *conversation.GuidanceEvent
	}

	// Attachment is the resolved content behind a docId an earlier message
	// referenced (spec.md §6.4). Transport implementations that expose
	// attachment resolution over the wire (wsrpc's getAttachmentByDocId)
	// return this shape; colocated agent runtimes may instead resolve a
	// docId directly against a runtime/attachment.Store.
	Attachment struct {
		ContentType string
		Content     []byte
	}

	// EventStream exposes a live, possibly-backfilled sequence of
	// Updates. Subscribe invokes listener for every Update in seq order
	// from a single background goroutine; the returned func unsubscribes
	// and releases the stream's resources. Subscribe may only be called
	// once per EventStream.
	EventStream interface {
		Subscribe(listener func(Update)) (unsubscribe func())
	}

	// Transport is the uniform surface spec.md §4.6 names. Implementations
	// must be safe for concurrent use by multiple agent runtimes.
	Transport interface {
		Snapshot(ctx context.Context, conv conversation.ID, opts log.SnapshotOptions) (conversation.Snapshot, *conversation.Error)
		PostMessage(ctx context.Context, conv conversation.ID, agentID conversation.AgentID, p PostMessageParams) (log.AppendResult, *conversation.Error)
		PostTrace(ctx context.Context, conv conversation.ID, agentID conversation.AgentID, p PostTraceParams) (log.AppendResult, *conversation.Error)
		ClearTurn(ctx context.Context, conv conversation.ID, agentID conversation.AgentID) (int, *conversation.Error)
		CreateEventStream(ctx context.Context, conv conversation.ID, includeGuidance bool, sinceSeq *int64) (EventStream, *conversation.Error)
		// Now returns the transport's notion of the current time in
		// milliseconds since the Unix epoch, so agent runtimes can stamp
		// deadlines without reaching for time.Now directly (spec.md
		// §4.6) — useful once wsrpc's client and a real orchestrator can
		// disagree about clock skew.
		Now() int64
	}
)
