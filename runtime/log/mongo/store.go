// Package mongo wires log.Store to a durable MongoDB-backed Client,
// grounded on features/runlog/mongo/store.go's thin delegation shape.
//
// Sequence and event-number allocation race-free across calls from a single
// process the way log.Store requires (spec.md §4.1 Invariants) by reading
// the full event tail, running turn.Validate, and only then requesting the
// next seq/event counters from Mongo via an atomic $inc. This Store does
// not itself arbitrate between multiple orchestrator processes writing the
// same conversation concurrently; orchestrator.Service's per-conversation
// mutex is what makes that true in this module, so Store assumes a single
// writer per conversation the same way the teacher's Mongo-backed stores
// assume their caller already serializes per run/session.
package mongo

import (
	"context"
	"errors"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/concord-hq/concord/runtime/conversation"
	"github.com/concord-hq/concord/runtime/log"
	clientsmongo "github.com/concord-hq/concord/runtime/log/mongo/clients/mongo"
	"github.com/concord-hq/concord/runtime/turn"
)

// Store implements log.Store by delegating to a Mongo client.
type Store struct {
	client clientsmongo.Client
	now    func() time.Time
}

// NewStore builds a Mongo-backed event log store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client, now: time.Now}, nil
}

// CreateConversation implements log.Store.
func (s *Store) CreateConversation(ctx context.Context, meta conversation.Metadata) (conversation.ID, *conversation.Error) {
	id, err := s.client.CreateConversation(ctx, meta)
	if err != nil {
		return 0, conversation.NewError(conversation.KindTransient, "mongo.CreateConversation", "insert conversation", err)
	}
	return id, nil
}

// Append implements log.Store.
func (s *Store) Append(ctx context.Context, conv conversation.ID, proposal conversation.Proposal) (log.AppendResult, *conversation.Error) {
	doc, loadErr := s.client.LoadConversation(ctx, conv)
	if loadErr != nil {
		return log.AppendResult{}, notFoundOrTransient(loadErr, "unknown conversation")
	}
	if doc.Status == conversation.StatusCompleted {
		return log.AppendResult{}, conversation.NewError(conversation.KindInvalidArgument, "mongo.Append", "conversation already completed", nil)
	}

	if id := clientRequestID(proposal); id != "" {
		if existing, found, err := s.client.FindByClientRequestID(ctx, conv, proposal.AgentID, id); err != nil {
			return log.AppendResult{}, conversation.NewError(conversation.KindTransient, "mongo.Append", "dedup lookup", err)
		} else if found {
			return log.AppendResult{Seq: existing.Seq, Turn: existing.Turn, Event: existing.Event}, nil
		}
	}

	events, err := s.client.Events(ctx, conv)
	if err != nil {
		return log.AppendResult{}, conversation.NewError(conversation.KindTransient, "mongo.Append", "load events", err)
	}

	decision, verr := turn.Validate(events, proposal.AgentID, proposal.Turn)
	if verr != nil {
		return log.AppendResult{}, verr
	}

	seq, _, err := s.client.NextCounters(ctx, conv, false)
	if err != nil {
		return log.AppendResult{}, conversation.NewError(conversation.KindTransient, "mongo.Append", "allocate seq", err)
	}

	event := conversation.UnifiedEvent{
		Conversation: conv,
		Turn:         decision.Turn,
		Event:        decision.Event,
		Seq:          seq,
		AgentID:      proposal.AgentID,
		Ts:           s.now(),
		Type:         proposal.Type,
		Finality:     proposal.Finality,
		Message:      proposal.Message,
		Trace:        proposal.Trace,
		System:       proposal.System,
	}
	if err := s.client.InsertEvent(ctx, event); err != nil {
		return log.AppendResult{}, conversation.NewError(conversation.KindTransient, "mongo.Append", "insert event", err)
	}

	if event.ClosesTurn() || event.ClosesConversation() {
		if err := s.client.MarkClosed(ctx, conv, seq, event.ClosesConversation()); err != nil {
			return log.AppendResult{}, conversation.NewError(conversation.KindTransient, "mongo.Append", "mark closed", err)
		}
	}

	return log.AppendResult{Seq: seq, Turn: decision.Turn, Event: decision.Event}, nil
}

// AppendSystem implements log.Store. Bypasses turn validation entirely:
// system events always carry turn=0 on their own monotonic event-number
// sequence, the same rule inmem.Store enforces.
func (s *Store) AppendSystem(ctx context.Context, conv conversation.ID, payload conversation.SystemPayload) (log.AppendResult, *conversation.Error) {
	seq, sysEvent, err := s.client.NextCounters(ctx, conv, true)
	if err != nil {
		return log.AppendResult{}, notFoundOrTransient(err, "unknown conversation")
	}

	event := conversation.UnifiedEvent{
		Conversation: conv,
		Turn:         0,
		Event:        sysEvent,
		Seq:          seq,
		Ts:           s.now(),
		Type:         conversation.EventSystem,
		System:       &payload,
	}
	if err := s.client.InsertEvent(ctx, event); err != nil {
		return log.AppendResult{}, conversation.NewError(conversation.KindTransient, "mongo.AppendSystem", "insert event", err)
	}
	return log.AppendResult{Seq: seq, Turn: 0, Event: sysEvent}, nil
}

// Snapshot implements log.Store.
func (s *Store) Snapshot(ctx context.Context, conv conversation.ID, _ log.SnapshotOptions) (conversation.Snapshot, *conversation.Error) {
	doc, err := s.client.LoadConversation(ctx, conv)
	if err != nil {
		return conversation.Snapshot{}, notFoundOrTransient(err, "unknown conversation")
	}
	events, err := s.client.Events(ctx, conv)
	if err != nil {
		return conversation.Snapshot{}, conversation.NewError(conversation.KindTransient, "mongo.Snapshot", "load events", err)
	}
	return conversation.Snapshot{
		Conversation:  conv,
		Status:        doc.Status,
		Metadata:      doc.Metadata,
		LastClosedSeq: doc.LastClosedSeq,
		Events:        events,
	}, nil
}

// ListSince implements log.Store.
func (s *Store) ListSince(ctx context.Context, conv conversation.ID, sinceSeq int64, limit int) ([]conversation.UnifiedEvent, *conversation.Error) {
	events, err := s.client.ListSince(ctx, conv, sinceSeq, limit)
	if err != nil {
		return nil, notFoundOrTransient(err, "unknown conversation")
	}
	return events, nil
}

func clientRequestID(p conversation.Proposal) string {
	if p.Message != nil {
		return p.Message.ClientRequestID
	}
	return ""
}

func notFoundOrTransient(err error, notFoundMsg string) *conversation.Error {
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return conversation.NewError(conversation.KindNotFound, "mongo.Store", notFoundMsg, err)
	}
	return conversation.NewError(conversation.KindTransient, "mongo.Store", "storage failure", err)
}
