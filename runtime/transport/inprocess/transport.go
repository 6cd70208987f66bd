// Package inprocess implements transport.Transport as direct calls into an
// in-process orchestrator.Service (spec.md §4.6's "in-process (direct
// call)" shape), for agent runtimes colocated with the orchestrator in the
// same process.
package inprocess

import (
	"context"
	"time"

	"github.com/concord-hq/concord/runtime/bus"
	"github.com/concord-hq/concord/runtime/conversation"
	"github.com/concord-hq/concord/runtime/log"
	"github.com/concord-hq/concord/runtime/orchestrator"
	"github.com/concord-hq/concord/runtime/transport"
)

// Transport adapts an *orchestrator.Service to transport.Transport.
type Transport struct {
	svc *orchestrator.Service
}

// New wraps svc.
func New(svc *orchestrator.Service) *Transport {
	return &Transport{svc: svc}
}

func (t *Transport) Snapshot(ctx context.Context, conv conversation.ID, opts log.SnapshotOptions) (conversation.Snapshot, *conversation.Error) {
	return t.svc.GetSnapshot(ctx, conv, opts)
}

func (t *Transport) PostMessage(ctx context.Context, conv conversation.ID, agentID conversation.AgentID, p transport.PostMessageParams) (log.AppendResult, *conversation.Error) {
	return t.svc.PostMessage(ctx, orchestrator.PostMessageParams{
		Conversation:    conv,
		AgentID:         agentID,
		Text:            p.Text,
		Finality:        p.Finality,
		Attachments:     p.Attachments,
		Turn:            p.Turn,
		ClientRequestID: p.ClientRequestID,
	})
}

func (t *Transport) PostTrace(ctx context.Context, conv conversation.ID, agentID conversation.AgentID, p transport.PostTraceParams) (log.AppendResult, *conversation.Error) {
	return t.svc.PostTrace(ctx, orchestrator.PostTraceParams{
		Conversation:    conv,
		AgentID:         agentID,
		Payload:         p.Payload,
		Turn:            p.Turn,
		ClientRequestID: p.ClientRequestID,
	})
}

func (t *Transport) ClearTurn(ctx context.Context, conv conversation.ID, agentID conversation.AgentID) (int, *conversation.Error) {
	return t.svc.ClearTurn(ctx, conv, agentID)
}

func (t *Transport) CreateEventStream(ctx context.Context, conv conversation.ID, includeGuidance bool, sinceSeq *int64) (transport.EventStream, *conversation.Error) {
	sub, err := t.svc.CreateEventStream(ctx, conv, includeGuidance, sinceSeq)
	if err != nil {
		return nil, err
	}
	return &eventStream{sub: sub}, nil
}

func (t *Transport) Now() int64 {
	return time.Now().UnixMilli()
}

// eventStream adapts a bus.Subscription to transport.EventStream by pumping
// its Deliveries channel into a listener callback on a dedicated goroutine.
type eventStream struct {
	sub bus.Subscription
}

func (s *eventStream) Subscribe(listener func(transport.Update)) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for d := range s.sub.Deliveries() {
			listener(transport.Update{Event: d.Event, Guidance: d.Guidance})
		}
	}()
	var once bool
	return func() {
		if once {
			return
		}
		once = true
		s.sub.Close()
		<-done
	}
}
