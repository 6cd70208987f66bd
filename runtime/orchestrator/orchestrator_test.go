package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-hq/concord/internal/telemetry"
	"github.com/concord-hq/concord/runtime/bus"
	"github.com/concord-hq/concord/runtime/conversation"
	"github.com/concord-hq/concord/runtime/log"
	"github.com/concord-hq/concord/runtime/log/inmem"
)

func newService(t *testing.T) (*Service, conversation.ID) {
	t.Helper()
	store := inmem.New()
	b := bus.New(store)
	svc := New(store, b, telemetry.Noop())
	id, err := svc.CreateConversation(context.Background(), conversation.Metadata{
		Agents: []conversation.AgentID{"alice", "bob"},
	})
	require.Nil(t, err)
	return svc, id
}

func drainGuidance(t *testing.T, sub bus.Subscription, timeout time.Duration) conversation.GuidanceEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case d, ok := <-sub.Deliveries():
			require.True(t, ok, "deliveries closed early, err=%v", sub.Err())
			if d.Event != nil {
				continue // log events share the stream; skip to the guidance
			}
			require.NotNil(t, d.Guidance, "expected guidance delivery, got %+v", d)
			return *d.Guidance
		case <-deadline:
			t.Fatal("timed out waiting for guidance")
			return conversation.GuidanceEvent{}
		}
	}
}

// TestS1_BasicHandoff walks spec.md §8 scenario S1: alice starts, posts a
// turn-closing message, orchestrator hands off to bob via guidance, bob
// closes his turn too.
func TestS1_BasicHandoff(t *testing.T) {
	ctx := context.Background()
	svc, conv := newService(t)

	sub, err := svc.CreateEventStream(ctx, conv, true, nil)
	require.Nil(t, err)
	defer sub.Close()

	g := drainGuidance(t, sub, time.Second)
	assert.Equal(t, conversation.GuidanceStartTurn, g.Kind)
	assert.Equal(t, conversation.AgentID("alice"), g.NextAgentID)
	assert.Equal(t, 1, g.Turn)

	res, err := svc.PostMessage(ctx, PostMessageParams{
		Conversation: conv, AgentID: "alice", Text: "hi", Finality: conversation.FinalityTurn,
	})
	require.Nil(t, err)
	assert.Equal(t, 1, res.Turn)
	assert.Equal(t, 1, res.Event)
	assert.EqualValues(t, 1, res.Seq)

	g = drainGuidance(t, sub, time.Second)
	assert.Equal(t, conversation.GuidanceStartTurn, g.Kind)
	assert.Equal(t, conversation.AgentID("bob"), g.NextAgentID)
	assert.Equal(t, 2, g.Turn)

	res, err = svc.PostMessage(ctx, PostMessageParams{
		Conversation: conv, AgentID: "bob", Text: "hello", Finality: conversation.FinalityTurn,
	})
	require.Nil(t, err)
	assert.Equal(t, 2, res.Turn)
	assert.Equal(t, 1, res.Event)
	assert.EqualValues(t, 2, res.Seq)

	snap, err := svc.GetSnapshot(ctx, conv, log.SnapshotOptions{})
	require.Nil(t, err)
	assert.EqualValues(t, 2, snap.LastClosedSeq)
}

// TestS2_OpenTurnOwnership walks spec.md §8 scenario S2: an in-flight open
// turn rejects a conflicting author.
func TestS2_OpenTurnOwnership(t *testing.T) {
	ctx := context.Background()
	svc, conv := newService(t)

	_, err := svc.PostMessage(ctx, PostMessageParams{
		Conversation: conv, AgentID: "alice", Text: "one", Finality: conversation.FinalityNone,
	})
	require.Nil(t, err)

	one := 1
	_, err = svc.PostMessage(ctx, PostMessageParams{
		Conversation: conv, AgentID: "bob", Text: "hijack", Finality: conversation.FinalityNone, Turn: &one,
	})
	require.NotNil(t, err)
	assert.Equal(t, conversation.KindConflict, err.Kind)

	snap, snapErr := svc.GetSnapshot(ctx, conv, log.SnapshotOptions{})
	require.Nil(t, snapErr)
	assert.Len(t, snap.Events, 1)
}

// TestS3_RestartRecovery walks spec.md §8 scenario S3: a reconnecting agent
// gets continue_turn guidance, then clears and retries its turn.
func TestS3_RestartRecovery(t *testing.T) {
	ctx := context.Background()
	svc, conv := newService(t)

	_, err := svc.PostMessage(ctx, PostMessageParams{
		Conversation: conv, AgentID: "alice", Text: "one", Finality: conversation.FinalityNone,
	})
	require.Nil(t, err)

	sub, err := svc.CreateEventStream(ctx, conv, true, nil)
	require.Nil(t, err)
	defer sub.Close()

	g := drainGuidance(t, sub, time.Second)
	assert.Equal(t, conversation.GuidanceContinueTurn, g.Kind)
	assert.Equal(t, conversation.AgentID("alice"), g.NextAgentID)
	assert.Equal(t, 1, g.Turn)

	turn, clearErr := svc.ClearTurn(ctx, conv, "alice")
	require.Nil(t, clearErr)
	assert.Equal(t, 2, turn)

	snap, snapErr := svc.GetSnapshot(ctx, conv, log.SnapshotOptions{})
	require.Nil(t, snapErr)
	require.Len(t, snap.Events, 2)
	assert.Equal(t, 1, snap.Events[1].Turn)
	assert.Equal(t, 2, snap.Events[1].Event)
	assert.EqualValues(t, 2, snap.Events[1].Seq)
	assert.Equal(t, conversation.TraceTurnCleared, snap.Events[1].Trace.Kind)
	assert.EqualValues(t, 2, snap.LastClosedSeq)

	res, err := svc.PostMessage(ctx, PostMessageParams{
		Conversation: conv, AgentID: "alice", Text: "retry", Finality: conversation.FinalityTurn,
	})
	require.Nil(t, err)
	assert.Equal(t, 2, res.Turn)
	assert.Equal(t, 1, res.Event)
	assert.EqualValues(t, 3, res.Seq)
}

// TestS4_IdempotentClear walks spec.md §8 scenario S4: clearing an
// already-cleared turn is a no-op that still reports the right turn number.
func TestS4_IdempotentClear(t *testing.T) {
	ctx := context.Background()
	svc, conv := newService(t)

	_, err := svc.PostMessage(ctx, PostMessageParams{
		Conversation: conv, AgentID: "alice", Text: "one", Finality: conversation.FinalityNone,
	})
	require.Nil(t, err)

	turn, err := svc.ClearTurn(ctx, conv, "alice")
	require.Nil(t, err)
	assert.Equal(t, 2, turn)

	snapBefore, err := svc.GetSnapshot(ctx, conv, log.SnapshotOptions{})
	require.Nil(t, err)

	turn, err = svc.ClearTurn(ctx, conv, "alice")
	require.Nil(t, err)
	assert.Equal(t, 2, turn)

	snapAfter, snapErr := svc.GetSnapshot(ctx, conv, log.SnapshotOptions{})
	require.Nil(t, snapErr)
	assert.Len(t, snapAfter.Events, len(snapBefore.Events))
}

// TestS5_CompletionTerminatesScheduling walks spec.md §8 scenario S5:
// finality "conversation" completes the conversation, emits no guidance,
// and rejects further postMessage calls.
func TestS5_CompletionTerminatesScheduling(t *testing.T) {
	ctx := context.Background()
	svc, conv := newService(t)

	sub, err := svc.CreateEventStream(ctx, conv, true, nil)
	require.Nil(t, err)
	defer sub.Close()
	_ = drainGuidance(t, sub, time.Second) // initial start_turn for alice

	res, err := svc.PostMessage(ctx, PostMessageParams{
		Conversation: conv, AgentID: "alice", Text: "bye", Finality: conversation.FinalityConversation,
	})
	require.Nil(t, err)
	assert.Equal(t, 1, res.Turn)

	snap, err := svc.GetSnapshot(ctx, conv, log.SnapshotOptions{})
	require.Nil(t, err)
	assert.Equal(t, conversation.StatusCompleted, snap.Status)
	assert.EqualValues(t, snap.Events[len(snap.Events)-1].Seq, snap.LastClosedSeq)

	// The message and the completion system event are still delivered;
	// only guidance must not follow.
	quiet := time.After(100 * time.Millisecond)
drain:
	for {
		select {
		case d, ok := <-sub.Deliveries():
			if !ok {
				break drain
			}
			if d.Guidance != nil {
				t.Fatalf("expected no guidance after completion, got %+v", d)
			}
		case <-quiet:
			break drain
		}
	}

	_, err = svc.PostMessage(ctx, PostMessageParams{
		Conversation: conv, AgentID: "bob", Text: "too late", Finality: conversation.FinalityNone,
	})
	require.NotNil(t, err)
	assert.Equal(t, conversation.KindInvalidArgument, err.Kind)
}

// TestS6_BackfillSeam walks spec.md §8 scenario S6: a subscriber backfilling
// from sinceSeq=0 observes a concurrently-appended event exactly once and in
// order, with no gap at the backfill/live seam.
func TestS6_BackfillSeam(t *testing.T) {
	ctx := context.Background()
	svc, conv := newService(t)

	// alice keeps the turn open throughout (finality none), so every
	// append stays within turn 1 owned by alice and no Conflict arises.
	const n = 20
	for i := 0; i < n; i++ {
		_, err := svc.PostMessage(ctx, PostMessageParams{
			Conversation: conv, AgentID: "alice", Text: "x", Finality: conversation.FinalityNone,
		})
		require.Nil(t, err)
	}

	zero := int64(0)
	sub, err := svc.CreateEventStream(ctx, conv, false, &zero)
	require.Nil(t, err)
	defer sub.Close()

	extra, err := svc.PostMessage(ctx, PostMessageParams{
		Conversation: conv, AgentID: "alice", Text: "extra", Finality: conversation.FinalityNone,
	})
	require.Nil(t, err)
	assert.EqualValues(t, n+1, extra.Seq)

	var seqs []int64
	deadline := time.After(2 * time.Second)
	for len(seqs) < n+1 {
		select {
		case d, ok := <-sub.Deliveries():
			require.True(t, ok, "deliveries closed early, err=%v", sub.Err())
			require.NotNil(t, d.Event)
			seqs = append(seqs, d.Event.Seq)
		case <-deadline:
			t.Fatalf("timed out, got %d/%d", len(seqs), n+1)
		}
	}

	for i, s := range seqs {
		assert.EqualValues(t, i+1, s, "seq at position %d out of order or duplicated: %v", i, seqs)
	}
}
