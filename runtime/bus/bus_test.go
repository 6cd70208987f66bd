package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/concord-hq/concord/runtime/conversation"
	"github.com/concord-hq/concord/runtime/log"
	"github.com/concord-hq/concord/runtime/log/inmem"
)

func newConv(t *testing.T, store *inmem.Store, agents ...conversation.AgentID) conversation.ID {
	t.Helper()
	id, err := store.CreateConversation(context.Background(), conversation.Metadata{Agents: agents})
	require.Nil(t, err)
	return id
}

func appendMsg(t *testing.T, store *inmem.Store, conv conversation.ID, agent conversation.AgentID, finality conversation.Finality) log.AppendResult {
	t.Helper()
	res, err := store.Append(context.Background(), conv, conversation.Proposal{
		AgentID: agent, Type: conversation.EventMessage, Finality: finality,
		Message: &conversation.MessagePayload{Text: "x"},
	})
	require.Nil(t, err)
	return res
}

func drain(t *testing.T, sub Subscription, n int, timeout time.Duration) []Delivery {
	t.Helper()
	out := make([]Delivery, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case d, ok := <-sub.Deliveries():
			if !ok {
				t.Fatalf("deliveries channel closed early after %d/%d, err=%v", len(out), n, sub.Err())
			}
			out = append(out, d)
		case <-deadline:
			t.Fatalf("timed out waiting for delivery %d/%d", len(out)+1, n)
		}
	}
	return out
}

func TestSubscribe_LiveDeliveryInSeqOrder(t *testing.T) {
	store := inmem.New()
	b := New(store)
	ctx := context.Background()
	conv := newConv(t, store, "alice", "bob")

	sub, err := b.Subscribe(ctx, conv, Options{})
	require.Nil(t, err)
	defer sub.Close()

	appendAndPublish(t, store, b, conv, "alice", conversation.FinalityNone)
	appendAndPublish(t, store, b, conv, "alice", conversation.FinalityTurn)

	got := drain(t, sub, 2, time.Second)
	require.EqualValues(t, 1, got[0].Event.Seq)
	require.EqualValues(t, 2, got[1].Event.Seq)
}

// S6 — backfill seam (spec.md §8 S6): a subscriber connecting with
// sinceSeq=0 must see 1..N from backfill then live events with no gap or
// duplication at the seam.
func TestSubscribe_BackfillThenLiveNoGapNoDuplication(t *testing.T) {
	store := inmem.New()
	b := New(store)
	ctx := context.Background()
	conv := newConv(t, store, "alice", "bob")

	for i := 0; i < 3; i++ {
		appendAndPublish(t, store, b, conv, "alice", conversation.FinalityNone)
	}

	zero := int64(0)
	sub, err := b.Subscribe(ctx, conv, Options{SinceSeq: &zero})
	require.Nil(t, err)
	defer sub.Close()

	appendAndPublish(t, store, b, conv, "alice", conversation.FinalityNone)

	got := drain(t, sub, 4, time.Second)
	for i, d := range got {
		require.NotNil(t, d.Event)
		require.EqualValues(t, i+1, d.Event.Seq, "no gap or duplication at the backfill/live seam")
	}
}

func TestSubscribe_BackfillAtCurrentMaxTransitionsDirectlyToLive(t *testing.T) {
	store := inmem.New()
	b := New(store)
	ctx := context.Background()
	conv := newConv(t, store, "alice", "bob")

	res := appendAndPublish(t, store, b, conv, "alice", conversation.FinalityNone)

	sinceSeq := res.Seq
	sub, err := b.Subscribe(ctx, conv, Options{SinceSeq: &sinceSeq})
	require.Nil(t, err)
	defer sub.Close()

	appendAndPublish(t, store, b, conv, "alice", conversation.FinalityNone)

	got := drain(t, sub, 1, time.Second)
	require.EqualValues(t, res.Seq+1, got[0].Event.Seq)
}

func TestSubscribe_FiltersByAgent(t *testing.T) {
	store := inmem.New()
	b := New(store)
	ctx := context.Background()
	conv := newConv(t, store, "alice", "bob")

	sub, err := b.Subscribe(ctx, conv, Options{
		Agents: map[conversation.AgentID]bool{"alice": true},
	})
	require.Nil(t, err)
	defer sub.Close()

	appendAndPublish(t, store, b, conv, "bob", conversation.FinalityTurn)
	appendAndPublish(t, store, b, conv, "alice", conversation.FinalityTurn)

	got := drain(t, sub, 1, time.Second)
	require.Equal(t, conversation.AgentID("alice"), got[0].Event.AgentID)
}

func TestSlowConsumerDisconnected(t *testing.T) {
	store := inmem.New()
	b := New(store)
	ctx := context.Background()
	conv := newConv(t, store, "alice", "bob")

	sub, err := b.Subscribe(ctx, conv, Options{Buffer: 1})
	require.Nil(t, err)
	defer sub.Close()

	// Flood past the tiny buffer without draining; the bus must disconnect
	// rather than block the publisher.
	for i := 0; i < 8; i++ {
		appendAndPublish(t, store, b, conv, "alice", conversation.FinalityNone)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Deliveries():
			if !ok {
				require.NotNil(t, sub.Err())
				require.Equal(t, conversation.KindSlowConsumer, sub.Err().Kind)
				return
			}
		case <-deadline:
			t.Fatal("expected subscription to be disconnected as a slow consumer")
		}
	}
}

func TestPublishGuidance_DeliveredWhenIncludeGuidance(t *testing.T) {
	store := inmem.New()
	b := New(store)
	ctx := context.Background()
	conv := newConv(t, store, "alice", "bob")

	sub, err := b.Subscribe(ctx, conv, Options{IncludeGuidance: true})
	require.Nil(t, err)
	defer sub.Close()

	b.PublishGuidance(conv, conversation.GuidanceEvent{
		Conversation: conv, NextAgentID: "bob", Kind: conversation.GuidanceStartTurn, Turn: 2,
	})

	got := drain(t, sub, 1, time.Second)
	require.NotNil(t, got[0].Guidance)
	require.Equal(t, conversation.AgentID("bob"), got[0].Guidance.NextAgentID)
}

func appendAndPublish(t *testing.T, store *inmem.Store, b *Bus, conv conversation.ID, agent conversation.AgentID, finality conversation.Finality) log.AppendResult {
	t.Helper()
	res := appendMsg(t, store, conv, agent, finality)
	snap, err := store.Snapshot(context.Background(), conv, log.SnapshotOptions{})
	require.Nil(t, err)
	b.Publish(conv, snap.Events[len(snap.Events)-1])
	return res
}
