// Package wsrpc implements transport.Transport's second concrete shape
// (spec.md §4.6, §6.1): a JSON-RPC 2.0 client/server pair running over a
// single WebSocket connection per agent, with server-initiated notifications
// carrying the same unified-event/guidance payloads an in-process
// subscription would deliver.
package wsrpc

import (
	"encoding/json"

	"github.com/concord-hq/concord/runtime/conversation"
)

// JSON-RPC 2.0 error codes (spec.md §6.1).
const (
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeConflict        = -32000
	CodeNotFound        = -32001
	CodeSlowConsumer    = -32002
	CodeInternal        = -32603
	CodeInvalidArgument = -32010
)

const jsonrpcVersion = "2.0"

type (
	// Request is a JSON-RPC 2.0 request object. ID is nil for a
	// notification (server → client event/guidance push); this package
	// only ever sends notifications server → client and requests
	// client → server, never the reverse, so Request is used for both
	// directions of call but Notification is split out for clarity at
	// call sites.
	Request struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      *int64          `json:"id,omitempty"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}

	// Response is a JSON-RPC 2.0 response object. Exactly one of Result
	// or Error is set.
	Response struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      int64           `json:"id"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *Error          `json:"error,omitempty"`
	}

	// Notification is a JSON-RPC 2.0 notification: a server-pushed
	// unified event or guidance directive with no reply expected.
	Notification struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}

	// Error is a JSON-RPC 2.0 error object.
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data,omitempty"`
	}
)

// Method names for client → server calls (spec.md §6.1).
const (
	MethodGetConversation      = "getConversation"
	MethodSendMessage          = "sendMessage"
	MethodSendTrace            = "sendTrace"
	MethodClearTurn            = "clearTurn"
	MethodGetAttachmentByDocID = "getAttachmentByDocId"
)

type (
	// GetAttachmentByDocIDParams is getAttachmentByDocId's params shape.
	GetAttachmentByDocIDParams struct {
		DocID string `json:"docId"`
	}

	// AttachmentWire is getAttachmentByDocId's result shape: the resolved
	// attachment content and content type for a docId referenced by an
	// earlier message (spec.md §6.4's attachments table).
	AttachmentWire struct {
		ContentType string `json:"contentType"`
		Content     []byte `json:"content"`
	}
)

// Method names for server → client notifications.
const (
	NotifyEvent    = "event"
	NotifyGuidance = "guidance"
)

type (
	// GetConversationParams is getConversation's params shape.
	GetConversationParams struct {
		ConversationID  int64 `json:"conversationId"`
		IncludeScenario bool  `json:"includeScenario,omitempty"`
	}

	// MessagePayloadWire is the wire shape of a message payload.
	// Attachments reuses conversation.Attachment directly rather than a
	// parallel wire struct, the same way AppendResultWire's sibling
	// handlers write conversation.Snapshot straight onto the wire
	// elsewhere in this package.
	MessagePayloadWire struct {
		Text            string                    `json:"text"`
		Attachments     []conversation.Attachment `json:"attachments,omitempty"`
		ClientRequestID string                    `json:"clientRequestId,omitempty"`
	}

	// SendMessageParams is sendMessage's params shape (spec.md §6.1).
	SendMessageParams struct {
		ConversationID int64               `json:"conversationId"`
		AgentID        string              `json:"agentId"`
		MessagePayload MessagePayloadWire  `json:"messagePayload"`
		Finality       string              `json:"finality"`
		Turn           *int                `json:"turn,omitempty"`
	}

	// SendTraceParams is sendTrace's params shape.
	SendTraceParams struct {
		ConversationID  int64  `json:"conversationId"`
		AgentID         string `json:"agentId"`
		TracePayload    any    `json:"tracePayload"`
		Turn            *int   `json:"turn,omitempty"`
		ClientRequestID string `json:"clientRequestId,omitempty"`
	}

	// ClearTurnParams is clearTurn's params shape.
	ClearTurnParams struct {
		ConversationID int64  `json:"conversationId"`
		AgentID        string `json:"agentId"`
	}

	// AppendResultWire is the {conversation, seq, turn, event} result
	// shape shared by sendMessage and sendTrace.
	AppendResultWire struct {
		Conversation int64 `json:"conversation"`
		Seq          int64 `json:"seq"`
		Turn         int   `json:"turn"`
		Event        int   `json:"event"`
	}

	// ClearTurnResult is clearTurn's result shape.
	ClearTurnResult struct {
		Turn int `json:"turn"`
	}
)
