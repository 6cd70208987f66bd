// Package conversation defines the core data model shared by the event log,
// turn state machine, subscription bus, orchestrator, and agent runtime: the
// unified event, its identity, finality, attachments, and conversation
// metadata (spec.md §3).
package conversation

// ID uniquely identifies a conversation. Conversations are assigned
// monotonically increasing IDs by the log.Store that registers them
// (log.Store.CreateConversation, reached through
// orchestrator.Service.CreateConversation).
type ID int64

// AgentID identifies a participant in a conversation: either a local,
// in-process agent runtime or a remote one reachable only through a
// transport. The core treats both uniformly.
type AgentID string

// Status is the lifecycle state of a conversation (spec.md §3 Lifecycles).
type Status string

const (
	// StatusActive is the initial and only non-terminal status.
	StatusActive Status = "active"
	// StatusCompleted is terminal: reached via a message with
	// finality=conversation, or an explicit end.
	StatusCompleted Status = "completed"
)
