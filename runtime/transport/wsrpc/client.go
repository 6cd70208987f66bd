package wsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/concord-hq/concord/runtime/conversation"
	"github.com/concord-hq/concord/runtime/log"
	"github.com/concord-hq/concord/runtime/transport"
)

// reconnectBaseDelay/reconnectMaxDelay bound the client's reconnect backoff
// (spec.md §6.1: "reconnect delay: 1 s baseline with backoff").
const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// Client implements transport.Transport as a JSON-RPC 2.0 client over a
// single WebSocket connection, reconnecting with backoff on disconnect. It
// maps unsolicited server notifications to whatever listeners its live
// EventStream instances have registered.
type Client struct {
	url string
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  int64
	pending map[int64]chan Response

	subsMu  sync.Mutex
	subs    map[conversation.ID][]subEntry
	nextSub int64

	closed atomic.Bool
}

// subEntry pairs a listener with an id so Subscribe's unsubscribe closure
// can remove exactly the entry it added; func values are not comparable in
// Go, so identity has to be tracked explicitly rather than by value.
type subEntry struct {
	id       int64
	listener func(transport.Update)
}

// NewClient dials url (a ws:// or wss:// URL) and starts the connection's
// read/reconnect loop.
func NewClient(ctx context.Context, url string) (*Client, error) {
	c := &Client{
		url:     url,
		dialer:  websocket.DefaultDialer,
		pending: make(map[int64]chan Response),
		subs:    make(map[conversation.ID][]subEntry),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	go c.readLoop(ctx)
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// readLoop pumps incoming frames, dispatching responses to pending callers
// and notifications to subscribers, reconnecting with backoff whenever the
// connection drops. Any request in flight when the connection drops is
// failed as Transient so the caller can retry against the reconnected
// socket.
func (c *Client) readLoop(ctx context.Context) {
	delay := reconnectBaseDelay
	for {
		if c.closed.Load() {
			return
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			if err := c.connect(ctx); err != nil {
				select {
				case <-time.After(delay):
					delay = nextDelay(delay)
					continue
				case <-ctx.Done():
					return
				}
			}
			delay = reconnectBaseDelay
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.invalidatePending()
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			select {
			case <-time.After(delay):
				delay = nextDelay(delay)
			case <-ctx.Done():
				return
			}
			continue
		}
		delay = reconnectBaseDelay
		c.dispatch(data)
	}
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return d
}

func (c *Client) invalidatePending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan Response)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- Response{Error: &Error{Code: CodeInternal, Message: "connection lost"}}
		close(ch)
	}
}

func (c *Client) dispatch(data []byte) {
	var probe struct {
		ID     *int64 `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}
	if probe.ID != nil {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
			close(ch)
		}
		return
	}

	// Unsolicited: a server-pushed event or guidance notification. The
	// client tolerates these even without a matching pending request,
	// per spec.md §6.1's notification model.
	var notif Notification
	if err := json.Unmarshal(data, &notif); err != nil {
		return
	}
	c.deliverNotification(notif)
}

func (c *Client) deliverNotification(notif Notification) {
	switch notif.Method {
	case NotifyEvent:
		var e conversation.UnifiedEvent
		if err := json.Unmarshal(notif.Params, &e); err != nil {
			return
		}
		c.fanOut(e.Conversation, transport.Update{Event: &e})
	case NotifyGuidance:
		var g conversation.GuidanceEvent
		if err := json.Unmarshal(notif.Params, &g); err != nil || g.Kind == "" {
			return
		}
		c.fanOut(g.Conversation, transport.Update{Guidance: &g})
	}
}

func (c *Client) fanOut(conv conversation.ID, u transport.Update) {
	c.subsMu.Lock()
	entries := append([]subEntry{}, c.subs[conv]...)
	c.subsMu.Unlock()
	for _, e := range entries {
		e.listener(u)
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (Response, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Response{}, fmt.Errorf("wsrpc: not connected")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	raw, err := json.Marshal(params)
	if err != nil {
		return Response{}, err
	}
	req := Request{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: raw}
	b, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	c.mu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, b)
	c.mu.Unlock()
	if err != nil {
		return Response{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func toAppError(resp Response, op string) *conversation.Error {
	if resp.Error == nil {
		return nil
	}
	kind := conversation.KindFatal
	switch resp.Error.Code {
	case CodeConflict:
		kind = conversation.KindConflict
	case CodeNotFound:
		kind = conversation.KindNotFound
	case CodeSlowConsumer:
		kind = conversation.KindSlowConsumer
	case CodeInvalidParams, CodeInvalidArgument:
		kind = conversation.KindInvalidArgument
	case CodeInternal:
		// Includes requests failed by invalidatePending on a dropped
		// connection; a retry may succeed.
		kind = conversation.KindTransient
	}
	return conversation.NewError(kind, op, resp.Error.Message, nil)
}

func (c *Client) Snapshot(ctx context.Context, conv conversation.ID, opts log.SnapshotOptions) (conversation.Snapshot, *conversation.Error) {
	resp, err := c.call(ctx, MethodGetConversation, GetConversationParams{ConversationID: int64(conv), IncludeScenario: opts.IncludeScenario})
	if err != nil {
		return conversation.Snapshot{}, conversation.NewError(conversation.KindTransient, "wsrpc.Snapshot", err.Error(), err)
	}
	if appErr := toAppError(resp, "wsrpc.Snapshot"); appErr != nil {
		return conversation.Snapshot{}, appErr
	}
	var snap conversation.Snapshot
	if err := json.Unmarshal(resp.Result, &snap); err != nil {
		return conversation.Snapshot{}, conversation.NewError(conversation.KindFatal, "wsrpc.Snapshot", err.Error(), err)
	}
	return snap, nil
}

func (c *Client) PostMessage(ctx context.Context, conv conversation.ID, agentID conversation.AgentID, p transport.PostMessageParams) (log.AppendResult, *conversation.Error) {
	resp, err := c.call(ctx, MethodSendMessage, SendMessageParams{
		ConversationID: int64(conv),
		AgentID:        string(agentID),
		MessagePayload: MessagePayloadWire{Text: p.Text, Attachments: p.Attachments, ClientRequestID: p.ClientRequestID},
		Finality:       string(p.Finality),
		Turn:           p.Turn,
	})
	if err != nil {
		return log.AppendResult{}, conversation.NewError(conversation.KindTransient, "wsrpc.PostMessage", err.Error(), err)
	}
	if appErr := toAppError(resp, "wsrpc.PostMessage"); appErr != nil {
		return log.AppendResult{}, appErr
	}
	var w AppendResultWire
	if err := json.Unmarshal(resp.Result, &w); err != nil {
		return log.AppendResult{}, conversation.NewError(conversation.KindFatal, "wsrpc.PostMessage", err.Error(), err)
	}
	return log.AppendResult{Seq: w.Seq, Turn: w.Turn, Event: w.Event}, nil
}

func (c *Client) PostTrace(ctx context.Context, conv conversation.ID, agentID conversation.AgentID, p transport.PostTraceParams) (log.AppendResult, *conversation.Error) {
	resp, err := c.call(ctx, MethodSendTrace, SendTraceParams{
		ConversationID:  int64(conv),
		AgentID:         string(agentID),
		TracePayload:    p.Payload,
		Turn:            p.Turn,
		ClientRequestID: p.ClientRequestID,
	})
	if err != nil {
		return log.AppendResult{}, conversation.NewError(conversation.KindTransient, "wsrpc.PostTrace", err.Error(), err)
	}
	if appErr := toAppError(resp, "wsrpc.PostTrace"); appErr != nil {
		return log.AppendResult{}, appErr
	}
	var w AppendResultWire
	if err := json.Unmarshal(resp.Result, &w); err != nil {
		return log.AppendResult{}, conversation.NewError(conversation.KindFatal, "wsrpc.PostTrace", err.Error(), err)
	}
	return log.AppendResult{Seq: w.Seq, Turn: w.Turn, Event: w.Event}, nil
}

func (c *Client) ClearTurn(ctx context.Context, conv conversation.ID, agentID conversation.AgentID) (int, *conversation.Error) {
	resp, err := c.call(ctx, MethodClearTurn, ClearTurnParams{ConversationID: int64(conv), AgentID: string(agentID)})
	if err != nil {
		return 0, conversation.NewError(conversation.KindTransient, "wsrpc.ClearTurn", err.Error(), err)
	}
	if appErr := toAppError(resp, "wsrpc.ClearTurn"); appErr != nil {
		return 0, appErr
	}
	var r ClearTurnResult
	if err := json.Unmarshal(resp.Result, &r); err != nil {
		return 0, conversation.NewError(conversation.KindFatal, "wsrpc.ClearTurn", err.Error(), err)
	}
	return r.Turn, nil
}

// GetAttachmentByDocID resolves a content-addressed docId referenced by an
// earlier message's attachment list to its stored content and content type.
func (c *Client) GetAttachmentByDocID(ctx context.Context, docID string) (transport.Attachment, *conversation.Error) {
	resp, err := c.call(ctx, MethodGetAttachmentByDocID, GetAttachmentByDocIDParams{DocID: docID})
	if err != nil {
		return transport.Attachment{}, conversation.NewError(conversation.KindTransient, "wsrpc.GetAttachmentByDocID", err.Error(), err)
	}
	if appErr := toAppError(resp, "wsrpc.GetAttachmentByDocID"); appErr != nil {
		return transport.Attachment{}, appErr
	}
	var w AttachmentWire
	if err := json.Unmarshal(resp.Result, &w); err != nil {
		return transport.Attachment{}, conversation.NewError(conversation.KindFatal, "wsrpc.GetAttachmentByDocID", err.Error(), err)
	}
	return transport.Attachment{ContentType: w.ContentType, Content: w.Content}, nil
}

// CreateEventStream issues getConversation (which, server-side, also
// installs the push subscription for conv) and returns a client-local
// EventStream that fans out notifications already being dispatched by
// readLoop. sinceSeq is accepted for interface parity but has no effect
// here: the server always subscribes from the conversation's current tail
// once getConversation returns, since an explicit backfill-by-seq request
// is not part of the wire protocol's getConversation params (spec.md §6.1
// lists includeScenario as its only optional field).
func (c *Client) CreateEventStream(ctx context.Context, conv conversation.ID, includeGuidance bool, sinceSeq *int64) (transport.EventStream, *conversation.Error) {
	if _, appErr := c.Snapshot(ctx, conv, log.SnapshotOptions{}); appErr != nil {
		return nil, appErr
	}
	return &clientStream{client: c, conv: conv}, nil
}

func (c *Client) Now() int64 {
	return time.Now().UnixMilli()
}

// Close stops the reconnect loop and closes the underlying connection.
func (c *Client) Close() error {
	c.closed.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

type clientStream struct {
	client *Client
	conv   conversation.ID
}

func (s *clientStream) Subscribe(listener func(transport.Update)) func() {
	s.client.subsMu.Lock()
	s.client.nextSub++
	id := s.client.nextSub
	s.client.subs[s.conv] = append(s.client.subs[s.conv], subEntry{id: id, listener: listener})
	s.client.subsMu.Unlock()

	return func() {
		s.client.subsMu.Lock()
		defer s.client.subsMu.Unlock()
		entries := s.client.subs[s.conv]
		for i, e := range entries {
			if e.id == id {
				s.client.subs[s.conv] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}
