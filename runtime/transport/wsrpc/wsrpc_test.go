package wsrpc

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	goahttp "goa.design/goa/v3/http"

	"github.com/concord-hq/concord/internal/telemetry"
	"github.com/concord-hq/concord/runtime/attachment"
	attachmentinmem "github.com/concord-hq/concord/runtime/attachment/inmem"
	"github.com/concord-hq/concord/runtime/bus"
	"github.com/concord-hq/concord/runtime/conversation"
	"github.com/concord-hq/concord/runtime/log"
	"github.com/concord-hq/concord/runtime/log/inmem"
	"github.com/concord-hq/concord/runtime/orchestrator"
	"github.com/concord-hq/concord/runtime/transport"
)

// newTestServer wires a real Server over an in-memory orchestrator stack and
// serves it from an httptest.Server, mirroring example/sse_e2e_test.go's
// full-server setup.
func newTestServer(t *testing.T, attachments attachment.Store) (wsURL string, svc *orchestrator.Service) {
	t.Helper()
	store := inmem.New()
	b := bus.New(store)
	svc = orchestrator.New(store, b, telemetry.Noop())

	s := NewServer(svc, attachments, telemetry.Noop())
	mux := goahttp.NewMuxer()
	s.Mount(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", svc
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := NewClient(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_SendMessageGetConversationClearTurnRoundTrip(t *testing.T) {
	url, svc := newTestServer(t, nil)
	conv, err := svc.CreateConversation(context.Background(), conversation.Metadata{
		Agents: []conversation.AgentID{"alice", "bob"},
	})
	require.Nil(t, err)

	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, appErr := c.PostMessage(ctx, conv, "alice", transport.PostMessageParams{
		Text: "hi", Finality: conversation.FinalityTurn,
	})
	require.Nil(t, appErr)
	require.Equal(t, 1, res.Turn)

	snap, appErr := c.Snapshot(ctx, conv, log.SnapshotOptions{})
	require.Nil(t, appErr)
	require.Equal(t, conv, snap.Conversation)

	turn, appErr := c.ClearTurn(ctx, conv, "bob")
	require.Nil(t, appErr)
	require.Equal(t, 2, turn)
}

func TestClient_CreateEventStreamReceivesPostedMessage(t *testing.T) {
	url, svc := newTestServer(t, nil)
	conv, err := svc.CreateConversation(context.Background(), conversation.Metadata{
		Agents: []conversation.AgentID{"alice", "bob"},
	})
	require.Nil(t, err)

	listener := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, appErr := listener.CreateEventStream(ctx, conv, true, nil)
	require.Nil(t, appErr)

	updates := make(chan transport.Update, 8)
	unsubscribe := stream.Subscribe(func(u transport.Update) { updates <- u })
	defer unsubscribe()

	sender := dial(t, url)
	_, appErr = sender.PostMessage(ctx, conv, "alice", transport.PostMessageParams{
		Text: "hello from alice", Finality: conversation.FinalityTurn,
	})
	require.Nil(t, appErr)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-updates:
			if u.Event != nil && u.Event.Message != nil && u.Event.Message.Text == "hello from alice" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the posted message to arrive as a notification")
		}
	}
}

func TestClient_GetAttachmentByDocIDResolvesStoredContent(t *testing.T) {
	attachments := attachmentinmem.New()
	docID, err := attachments.Put(context.Background(), "text/plain", []byte("attached bytes"))
	require.NoError(t, err)

	url, _ := newTestServer(t, attachments)
	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	att, appErr := c.GetAttachmentByDocID(ctx, docID)
	require.Nil(t, appErr)
	require.Equal(t, "text/plain", att.ContentType)
	require.Equal(t, []byte("attached bytes"), att.Content)
}

func TestClient_GetAttachmentByDocIDUnknownIDReturnsNotFound(t *testing.T) {
	url, _ := newTestServer(t, attachmentinmem.New())
	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, appErr := c.GetAttachmentByDocID(ctx, "unknown-doc-id")
	require.NotNil(t, appErr)
	require.Equal(t, conversation.KindNotFound, appErr.Kind)
}

func TestClient_SendMessageRejectsMissingFinality(t *testing.T) {
	url, svc := newTestServer(t, nil)
	conv, err := svc.CreateConversation(context.Background(), conversation.Metadata{
		Agents: []conversation.AgentID{"alice", "bob"},
	})
	require.Nil(t, err)

	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, callErr := c.call(ctx, MethodSendMessage, map[string]any{
		"conversationId": int64(conv),
		"agentId":        "alice",
		"messagePayload": map[string]any{"text": "hi"},
	})
	require.NoError(t, callErr)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestClient_PostMessageDeduplicatesClientRequestIDOverTheWire(t *testing.T) {
	url, svc := newTestServer(t, nil)
	conv, err := svc.CreateConversation(context.Background(), conversation.Metadata{
		Agents: []conversation.AgentID{"alice", "bob"},
	})
	require.Nil(t, err)

	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	params := transport.PostMessageParams{
		Text: "hi", Finality: conversation.FinalityNone, ClientRequestID: "req-1",
	}
	first, appErr := c.PostMessage(ctx, conv, "alice", params)
	require.Nil(t, appErr)

	second, appErr := c.PostMessage(ctx, conv, "alice", params)
	require.Nil(t, appErr)
	require.Equal(t, first, second, "resending the same clientRequestId over wsrpc must return the original append result")

	snap, appErr := c.Snapshot(ctx, conv, log.SnapshotOptions{})
	require.Nil(t, appErr)
	require.Len(t, snap.Events, 1, "deduplicated sendMessage call must not append a second event")
}

func TestClient_PostMessageAttachmentIsContentAddressedAndResolvable(t *testing.T) {
	attachments := attachmentinmem.New()
	url, svc := newTestServer(t, attachments)
	conv, err := svc.CreateConversation(context.Background(), conversation.Metadata{
		Agents: []conversation.AgentID{"alice", "bob"},
	})
	require.Nil(t, err)

	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, appErr := c.PostMessage(ctx, conv, "alice", transport.PostMessageParams{
		Text:     "see attached",
		Finality: conversation.FinalityNone,
		Attachments: []conversation.Attachment{
			{Name: "notes.txt", ContentType: "text/plain", Content: []byte("wire-sent bytes")},
		},
	})
	require.Nil(t, appErr)

	snap, appErr := c.Snapshot(ctx, conv, log.SnapshotOptions{})
	require.Nil(t, appErr)
	require.Len(t, snap.Events, 1)
	msg := snap.Events[0].Message
	require.NotNil(t, msg)
	require.Len(t, msg.Attachments, 1)
	require.Empty(t, msg.Attachments[0].Content, "inline content must be replaced by a docId, not stored in the log")
	require.NotEmpty(t, msg.Attachments[0].DocID)

	att, appErr := c.GetAttachmentByDocID(ctx, msg.Attachments[0].DocID)
	require.Nil(t, appErr)
	require.Equal(t, "text/plain", att.ContentType)
	require.Equal(t, []byte("wire-sent bytes"), att.Content)
}

func TestClient_GetAttachmentByDocIDWithNoStoreReturnsNotFound(t *testing.T) {
	url, _ := newTestServer(t, nil)
	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, appErr := c.GetAttachmentByDocID(ctx, "anything")
	require.NotNil(t, appErr)
	require.Equal(t, conversation.KindNotFound, appErr.Kind)
}
