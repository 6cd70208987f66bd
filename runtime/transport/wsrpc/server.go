package wsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	goahttp "goa.design/goa/v3/http"

	"github.com/concord-hq/concord/internal/telemetry"
	"github.com/concord-hq/concord/runtime/attachment"
	"github.com/concord-hq/concord/runtime/bus"
	"github.com/concord-hq/concord/runtime/conversation"
	"github.com/concord-hq/concord/runtime/log"
	"github.com/concord-hq/concord/runtime/orchestrator"
)

const (
	heartbeatInterval = 15 * time.Second
	// perConnRPS/perConnBurst bound inbound RPC calls per connection
	// (spec.md §6.1's per-connection rate limiting), grounded on
	// features/model/middleware/ratelimit.go's use of x/time/rate as a
	// token bucket, here applied per-call rather than per-token.
	perConnRPS   = 20
	perConnBurst = 40
)

// Server serves the JSON-RPC-over-WebSocket and SSE shapes of C6 against an
// orchestrator.Service, mounted on a goa.design/goa/v3/http muxer the way
// the teacher mounts its generated HTTP servers (example/cmd/assistant's
// handleHTTPServer).
type Server struct {
	svc         *orchestrator.Service
	attachments attachment.Store
	tel         telemetry.Telemetry
	upgrader    websocket.Upgrader
	mux         goahttp.Muxer
}

// NewServer constructs a Server over svc. tel may be nil for telemetry.Noop().
// attachments may be nil, in which case getAttachmentByDocId always returns
// CodeNotFound.
func NewServer(svc *orchestrator.Service, attachments attachment.Store, tel telemetry.Telemetry) *Server {
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &Server{svc: svc, attachments: attachments, tel: tel, upgrader: websocket.Upgrader{}}
}

// Mount registers the WebSocket and SSE endpoints on mux, mirroring spec.md
// §6.3's collaborator HTTP surface (`/ws`, `GET /conversations/:id/events`).
func (s *Server) Mount(mux goahttp.Muxer) {
	s.mux = mux
	mux.Handle("GET", "/ws", s.handleWS)
	mux.Handle("GET", "/conversations/{id}/events", s.handleSSE)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.tel.Logger().Warn(r.Context(), "wsrpc: upgrade failed", "error", err)
		return
	}
	c := &wsConn{
		conn:        conn,
		svc:         s.svc,
		attachments: s.attachments,
		tel:         s.tel,
		limiter:     rate.NewLimiter(rate.Limit(perConnRPS), perConnBurst),
		writeMu:     sync.Mutex{},
	}
	c.serve(r.Context())
}

// handleSSE serves GET /conversations/:id/events?events=&agents=&since=,
// carrying the same event/guidance payload shapes as the WebSocket
// notification stream (spec.md §6.1).
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	idStr := s.mux.Vars(r)["id"]
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}
	conv := conversation.ID(id)

	opts := bus.Options{IncludeGuidance: true}
	if since := r.URL.Query().Get("since"); since != "" {
		n, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		opts.SinceSeq = &n
	}
	if types := r.URL.Query().Get("events"); types != "" {
		opts.EventTypes = map[conversation.EventType]bool{}
		for _, t := range strings.Split(types, ",") {
			opts.EventTypes[conversation.EventType(t)] = true
		}
	}
	if agents := r.URL.Query().Get("agents"); agents != "" {
		opts.Agents = map[conversation.AgentID]bool{}
		for _, a := range strings.Split(agents, ",") {
			opts.Agents[conversation.AgentID(a)] = true
		}
	}

	sub, appErr := s.svc.CreateEventStream(r.Context(), conv, opts.IncludeGuidance, opts.SinceSeq)
	if appErr != nil {
		http.Error(w, appErr.Error(), http.StatusNotFound)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case d, ok := <-sub.Deliveries():
			if !ok {
				return
			}
			if e := d.Event; e != nil {
				if opts.EventTypes != nil && !opts.EventTypes[e.Type] {
					continue
				}
				if opts.Agents != nil && e.Type != conversation.EventSystem && !opts.Agents[e.AgentID] {
					continue
				}
			}
			name, payload := encodeDelivery(d)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func encodeDelivery(d bus.Delivery) (name string, payload json.RawMessage) {
	if d.Event != nil {
		b, _ := json.Marshal(d.Event)
		return NotifyEvent, b
	}
	b, _ := json.Marshal(d.Guidance)
	return NotifyGuidance, b
}

// wsConn serves one WebSocket connection's JSON-RPC request/reply loop plus
// the server-initiated event/guidance notifications for whatever
// conversation the connection's first getConversation call establishes.
type wsConn struct {
	conn        *websocket.Conn
	svc         *orchestrator.Service
	attachments attachment.Store
	tel         telemetry.Telemetry
	limiter     *rate.Limiter

	writeMu sync.Mutex

	mu   sync.Mutex
	subs []closer
}

type closer interface{ Close() }

func (c *wsConn) serve(ctx context.Context) {
	defer c.teardown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeat(ctx)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if req.ID == nil {
			continue // notifications from a client are not part of this protocol
		}
		if !c.limiter.Allow() {
			c.writeError(*req.ID, CodeInternal, "rate limit exceeded")
			continue
		}
		go c.handleRequest(ctx, req)
	}
}

func (c *wsConn) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *wsConn) teardown() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	c.conn.Close()
}

func (c *wsConn) handleRequest(ctx context.Context, req Request) {
	switch req.Method {
	case MethodGetConversation:
		c.handleGetConversation(ctx, req)
	case MethodSendMessage:
		c.handleSendMessage(ctx, req)
	case MethodSendTrace:
		c.handleSendTrace(ctx, req)
	case MethodClearTurn:
		c.handleClearTurn(ctx, req)
	case MethodGetAttachmentByDocID:
		c.handleGetAttachmentByDocID(ctx, req)
	default:
		c.writeError(*req.ID, CodeMethodNotFound, "unknown method: "+req.Method)
	}
}

func (c *wsConn) handleGetConversation(ctx context.Context, req Request) {
	var p GetConversationParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.writeError(*req.ID, CodeInvalidParams, err.Error())
		return
	}
	conv := conversation.ID(p.ConversationID)
	snap, appErr := c.svc.GetSnapshot(ctx, conv, log.SnapshotOptions{IncludeScenario: p.IncludeScenario})
	if appErr != nil {
		c.writeAppError(*req.ID, appErr)
		return
	}
	c.subscribeNotifications(ctx, conv)
	c.writeResult(*req.ID, snap)
}

// subscribeNotifications installs a server-push stream for conv alongside
// the request/reply loop, so the connection starts receiving event and
// guidance notifications as soon as the client has fetched a snapshot to
// mirror locally (spec.md §6.1: "server-initiated notifications on the
// same socket").
func (c *wsConn) subscribeNotifications(ctx context.Context, conv conversation.ID) {
	sub, err := c.svc.CreateEventStream(ctx, conv, true, nil)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	go func() {
		for d := range sub.Deliveries() {
			name, payload := encodeDelivery(d)
			c.writeNotification(name, payload)
		}
	}()
}

func (c *wsConn) handleSendMessage(ctx context.Context, req Request) {
	if err := validateAgainstSchema(sendMessageParamsSchema, req.Params); err != nil {
		c.writeError(*req.ID, CodeInvalidParams, err.Error())
		return
	}
	var p SendMessageParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.writeError(*req.ID, CodeInvalidParams, err.Error())
		return
	}
	attachments, err := c.resolveAttachments(ctx, p.MessagePayload.Attachments)
	if err != nil {
		c.writeError(*req.ID, CodeInvalidParams, err.Error())
		return
	}
	res, appErr := c.svc.PostMessage(ctx, orchestrator.PostMessageParams{
		Conversation:    conversation.ID(p.ConversationID),
		AgentID:         conversation.AgentID(p.AgentID),
		Text:            p.MessagePayload.Text,
		Finality:        conversation.Finality(p.Finality),
		Attachments:     attachments,
		Turn:            p.Turn,
		ClientRequestID: p.MessagePayload.ClientRequestID,
	})
	if appErr != nil {
		c.writeAppError(*req.ID, appErr)
		return
	}
	c.writeResult(*req.ID, AppendResultWire{Conversation: p.ConversationID, Seq: res.Seq, Turn: res.Turn, Event: res.Event})
}

// resolveAttachments content-addresses every attachment that still carries
// inline content into c.attachments, replacing Content with the assigned
// docId so the same bytes posted twice (a retried sendMessage, content
// re-sent across a reconnect) are stored once rather than duplicated in the
// event log. Attachments that already reference a docId, or that carry no
// content at all, pass through unchanged. With no attachment store
// configured, attachments are forwarded as received: a deployment that never
// wires a store never asked for inline content to be addressed out of line.
func (c *wsConn) resolveAttachments(ctx context.Context, atts []conversation.Attachment) ([]conversation.Attachment, error) {
	if len(atts) == 0 || c.attachments == nil {
		return atts, nil
	}
	out := make([]conversation.Attachment, len(atts))
	for i, a := range atts {
		if a.DocID == "" && len(a.Content) > 0 {
			docID, err := c.attachments.Put(ctx, a.ContentType, a.Content)
			if err != nil {
				return nil, fmt.Errorf("store attachment %q: %w", a.Name, err)
			}
			a.DocID = docID
			a.Content = nil
		}
		out[i] = a
	}
	return out, nil
}

func (c *wsConn) handleSendTrace(ctx context.Context, req Request) {
	if err := validateAgainstSchema(sendTraceParamsSchema, req.Params); err != nil {
		c.writeError(*req.ID, CodeInvalidParams, err.Error())
		return
	}
	var p SendTraceParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.writeError(*req.ID, CodeInvalidParams, err.Error())
		return
	}
	raw, err := json.Marshal(p.TracePayload)
	if err != nil {
		c.writeError(*req.ID, CodeInvalidParams, err.Error())
		return
	}
	var payload conversation.TracePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.writeError(*req.ID, CodeInvalidParams, err.Error())
		return
	}
	res, appErr := c.svc.PostTrace(ctx, orchestrator.PostTraceParams{
		Conversation:    conversation.ID(p.ConversationID),
		AgentID:         conversation.AgentID(p.AgentID),
		Payload:         payload,
		Turn:            p.Turn,
		ClientRequestID: p.ClientRequestID,
	})
	if appErr != nil {
		c.writeAppError(*req.ID, appErr)
		return
	}
	c.writeResult(*req.ID, AppendResultWire{Conversation: p.ConversationID, Seq: res.Seq, Turn: res.Turn, Event: res.Event})
}

func (c *wsConn) handleClearTurn(ctx context.Context, req Request) {
	var p ClearTurnParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.writeError(*req.ID, CodeInvalidParams, err.Error())
		return
	}
	turn, appErr := c.svc.ClearTurn(ctx, conversation.ID(p.ConversationID), conversation.AgentID(p.AgentID))
	if appErr != nil {
		c.writeAppError(*req.ID, appErr)
		return
	}
	c.writeResult(*req.ID, ClearTurnResult{Turn: turn})
}

// handleGetAttachmentByDocID implements getAttachmentByDocId: resolving a
// content-addressed docId referenced by an earlier message's attachment
// list (spec.md §6.4) to its stored content and content type.
func (c *wsConn) handleGetAttachmentByDocID(ctx context.Context, req Request) {
	var p GetAttachmentByDocIDParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.writeError(*req.ID, CodeInvalidParams, err.Error())
		return
	}
	if c.attachments == nil {
		c.writeError(*req.ID, CodeNotFound, "no attachment store configured")
		return
	}
	doc, err := c.attachments.Get(ctx, p.DocID)
	if err != nil {
		c.writeError(*req.ID, CodeNotFound, err.Error())
		return
	}
	c.writeResult(*req.ID, AttachmentWire{ContentType: doc.ContentType, Content: doc.Content})
}

func (c *wsConn) writeResult(id int64, result any) {
	b, err := json.Marshal(result)
	if err != nil {
		c.writeError(id, CodeInternal, err.Error())
		return
	}
	c.write(Response{JSONRPC: jsonrpcVersion, ID: id, Result: b})
}

func (c *wsConn) writeError(id int64, code int, message string) {
	c.write(Response{JSONRPC: jsonrpcVersion, ID: id, Error: &Error{Code: code, Message: message}})
}

// writeAppError maps a conversation.Error's Kind onto the JSON-RPC error
// codes spec.md §6.1 names.
func (c *wsConn) writeAppError(id int64, appErr *conversation.Error) {
	code := CodeInternal
	switch appErr.Kind {
	case conversation.KindConflict:
		code = CodeConflict
	case conversation.KindNotFound:
		code = CodeNotFound
	case conversation.KindSlowConsumer:
		code = CodeSlowConsumer
	case conversation.KindInvalidArgument:
		code = CodeInvalidArgument
	}
	c.writeError(id, code, appErr.Error())
}

func (c *wsConn) writeNotification(method string, params json.RawMessage) {
	b, err := json.Marshal(Notification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *wsConn) write(resp Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, b)
}
