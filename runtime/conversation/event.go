package conversation

import "time"

// EventType discriminates the three unified event shapes (spec.md §3).
type EventType string

const (
	EventMessage EventType = "message"
	EventTrace   EventType = "trace"
	EventSystem  EventType = "system"
)

// Finality controls whether a message closes the current turn, the whole
// conversation, or neither. Only message events may carry a finality other
// than FinalityNone; traces and system events are always FinalityNone.
type Finality string

const (
	FinalityNone         Finality = "none"
	FinalityTurn         Finality = "turn"
	FinalityConversation Finality = "conversation"
)

// TraceKind discriminates the trace payload variants.
type TraceKind string

const (
	TraceThought     TraceKind = "thought"
	TraceToolCall    TraceKind = "tool_call"
	TraceToolResult  TraceKind = "tool_result"
	TraceTurnCleared TraceKind = "turn_cleared"
)

type (
	// Attachment is a named piece of content attached to a message. Content
	// is either inlined or referenced by a content-addressed docId (see
	// package attachment); resolving an unknown docId at read time is an
	// error.
	Attachment struct {
		Name        string `json:"name"`
		ContentType string `json:"contentType"`
		Content     []byte `json:"content,omitempty"`
		DocID       string `json:"docId,omitempty"`
	}

	// MessagePayload is the payload of an EventMessage event.
	MessagePayload struct {
		Text            string       `json:"text"`
		Attachments     []Attachment `json:"attachments,omitempty"`
		ClientRequestID string       `json:"clientRequestId,omitempty"`
	}

	// TracePayload is the payload of an EventTrace event. Exactly one of the
	// kind-specific fields is meaningful, selected by Kind.
	TracePayload struct {
		Kind TraceKind `json:"kind"`

		// Thought
		Note string `json:"note,omitempty"`

		// ToolCall
		ToolCallID string `json:"toolCallId,omitempty"`
		ToolName   string `json:"toolName,omitempty"`
		ToolArgs   any    `json:"toolArgs,omitempty"`

		// ToolResult
		ToolResult any    `json:"toolResult,omitempty"`
		ToolError  string `json:"toolError,omitempty"`

		// TurnCleared carries no additional fields; it is the abort marker
		// appended by turn.ClearTurn (spec.md §4.2).
	}

	// SystemPayload is the payload of an orchestrator-authored EventSystem
	// event (conversation lifecycle notices, errors). System events always
	// carry turn=0.
	SystemPayload struct {
		Notice string `json:"notice"`
		Detail string `json:"detail,omitempty"`
	}

	// UnifiedEvent is a single append-only record in a conversation's event
	// log. Exactly one of Message, Trace, or System is populated, selected
	// by Type.
	UnifiedEvent struct {
		Conversation ID        `json:"conversation"`
		Turn         int       `json:"turn"`
		Event        int       `json:"event"`
		Seq          int64     `json:"seq"`
		AgentID      AgentID   `json:"agentId"`
		Ts           time.Time `json:"ts"`
		Type         EventType `json:"type"`

		// Finality is only meaningful when Type == EventMessage; it is
		// always FinalityNone for traces and system events.
		Finality Finality `json:"finality,omitempty"`

		Message *MessagePayload `json:"message,omitempty"`
		Trace   *TracePayload   `json:"trace,omitempty"`
		System  *SystemPayload  `json:"system,omitempty"`
	}

	// Proposal is what a producer submits to the event log. Turn is a
	// pointer so "omitted" (nil) is distinguishable from an explicit 0,
	// which is never valid (spec.md §3: turn >= 1 for non-system events).
	Proposal struct {
		AgentID AgentID
		Type    EventType
		Turn    *int

		Finality Finality
		Message  *MessagePayload
		Trace    *TracePayload
		System   *SystemPayload
	}
)

// ClosesTurn reports whether the event, by itself, closes the turn it
// belongs to: either a message with a non-none finality, or a turn_cleared
// trace (spec.md §4.2's "the bus treats any turn_cleared trace as a close
// for guidance purposes").
func (e *UnifiedEvent) ClosesTurn() bool {
	if e == nil {
		return false
	}
	switch e.Type {
	case EventMessage:
		return e.Finality == FinalityTurn || e.Finality == FinalityConversation
	case EventTrace:
		return e.Trace != nil && e.Trace.Kind == TraceTurnCleared
	default:
		return false
	}
}

// ClosesConversation reports whether the event transitions the conversation
// to StatusCompleted.
func (e *UnifiedEvent) ClosesConversation() bool {
	return e != nil && e.Type == EventMessage && e.Finality == FinalityConversation
}
