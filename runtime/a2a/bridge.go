// Package a2a bridges a single orchestrator conversation turn onto the A2A
// protocol's task surface (tasks/send, tasks/sendSubscribe, tasks/get,
// tasks/cancel), grounded on runtime/a2a/server.go and runtime/a2a/types:
// the same task-state bookkeeping and event-shape conventions, re-targeted
// at the orchestrator instead of an in-process agent runtime.
//
// A Bridge binds one remote A2A-speaking agent (identified by a
// conversation.AgentID) to one conversation. A tasks/send call submits the
// caller's message as that agent's turn contribution with finality=turn,
// reusing the orchestrator's turn-ownership invariant: the task completes
// exactly when that message closes the turn, which happens synchronously
// within PostMessage. This package does not attempt full A2A parity — no
// artifact streaming beyond the single text result it echoes back, and
// no agent discovery registry (out of core scope).
package a2a

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/concord-hq/concord/runtime/a2a/types"
	"github.com/concord-hq/concord/runtime/bus"
	"github.com/concord-hq/concord/runtime/conversation"
	"github.com/concord-hq/concord/runtime/log"
	"github.com/concord-hq/concord/runtime/orchestrator"
)

type (
	// OrchestratorService is the subset of orchestrator.Service the bridge
	// calls. orchestrator.Service satisfies it structurally; tests supply a
	// fake.
	OrchestratorService interface {
		PostMessage(ctx context.Context, p orchestrator.PostMessageParams) (log.AppendResult, *conversation.Error)
		ClearTurn(ctx context.Context, conv conversation.ID, agentID conversation.AgentID) (int, *conversation.Error)
		CreateEventStream(ctx context.Context, conv conversation.ID, includeGuidance bool, sinceSeq *int64) (bus.Subscription, *conversation.Error)
	}

	// TaskStore abstracts task state management for pluggability. The
	// default implementation is in-memory and process-bound.
	TaskStore interface {
		Store(id string, state *TaskState) error
		Load(id string) (*TaskState, bool)
		Delete(id string)
	}

	// TaskState is the state of a task managed by the bridge. It is held
	// only while the task's tasks/send or tasks/sendSubscribe call runs and
	// is removed from the TaskStore when that call returns. Safe for
	// concurrent use.
	TaskState struct {
		mu     sync.RWMutex
		Status *types.TaskStatus
		Cancel context.CancelFunc
		Turn   int
	}

	// TaskStream is the minimal streaming interface used by
	// TasksSendSubscribe; transport adapters wrap their own stream
	// implementation to satisfy it.
	TaskStream interface {
		Send(ctx context.Context, event *types.TaskEvent) error
	}

	// Bridge implements the A2A task surface over a single bound
	// (conversation, agent) pair.
	Bridge struct {
		orch  OrchestratorService
		conv  conversation.ID
		agent conversation.AgentID
		store TaskStore
	}

	// BridgeOption configures optional aspects of a Bridge.
	BridgeOption func(*Bridge)

	inMemoryTaskStore struct {
		mu    sync.RWMutex
		tasks map[string]*TaskState
	}
)

// NewBridge creates a Bridge binding agent as the submitting participant in
// conv. By default it uses an in-memory TaskStore; use WithTaskStore to
// provide a different one.
func NewBridge(orch OrchestratorService, conv conversation.ID, agent conversation.AgentID, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		orch:  orch,
		conv:  conv,
		agent: agent,
		store: newInMemoryTaskStore(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// WithTaskStore configures the Bridge to use store instead of the default
// in-memory implementation.
func WithTaskStore(store TaskStore) BridgeOption {
	return func(b *Bridge) { b.store = store }
}

// TasksSend implements tasks/send: submit the message as agent's turn
// contribution with finality=turn and return once it has closed the turn.
func (b *Bridge) TasksSend(ctx context.Context, p *types.SendTaskPayload) (*types.TaskResponse, error) {
	text, attachments, err := convertMessage(p.Message)
	if err != nil {
		return errorResponse(p.ID, err), nil
	}

	_, cancel := context.WithCancel(ctx)
	state := &TaskState{Status: workingStatus(), Cancel: cancel}
	if err := b.store.Store(p.ID, state); err != nil {
		cancel()
		return errorResponse(p.ID, err), nil
	}
	defer b.store.Delete(p.ID)

	res, cErr := b.orch.PostMessage(ctx, orchestrator.PostMessageParams{
		Conversation:    b.conv,
		AgentID:         b.agent,
		Text:            text,
		Finality:        conversation.FinalityTurn,
		Attachments:     attachments,
		ClientRequestID: p.ID,
	})
	if cErr != nil {
		state.setStatus(failedStatus(cErr))
		return errorResponse(p.ID, cErr), nil
	}

	state.mu.Lock()
	state.Turn = res.Turn
	state.mu.Unlock()
	state.setStatus(completedStatus())
	return successResponse(p.ID, text), nil
}

// TasksSendSubscribe implements tasks/sendSubscribe: stream a working
// status, submit the message, then stream the resulting artifact and
// completion status.
func (b *Bridge) TasksSendSubscribe(ctx context.Context, p *types.SendTaskPayload, stream TaskStream) error {
	text, attachments, err := convertMessage(p.Message)
	if err != nil {
		return stream.Send(ctx, errorEvent(p.ID, err))
	}

	taskCtx, cancel := context.WithCancel(ctx)
	state := &TaskState{Status: workingStatus(), Cancel: cancel}
	if err := b.store.Store(p.ID, state); err != nil {
		cancel()
		return stream.Send(ctx, errorEvent(p.ID, err))
	}
	defer b.store.Delete(p.ID)

	if err := stream.Send(ctx, statusEvent(p.ID, state.getStatus())); err != nil {
		return err
	}

	res, cErr := b.orch.PostMessage(taskCtx, orchestrator.PostMessageParams{
		Conversation:    b.conv,
		AgentID:         b.agent,
		Text:            text,
		Finality:        conversation.FinalityTurn,
		Attachments:     attachments,
		ClientRequestID: p.ID,
	})
	if cErr != nil {
		state.setStatus(failedStatus(cErr))
		return stream.Send(ctx, errorEvent(p.ID, cErr))
	}

	state.mu.Lock()
	state.Turn = res.Turn
	state.mu.Unlock()

	if err := stream.Send(ctx, artifactEvent(p.ID, text)); err != nil {
		return err
	}
	state.setStatus(completedStatus())
	return stream.Send(ctx, statusEvent(p.ID, state.getStatus()))
}

// TasksGet implements tasks/get.
func (b *Bridge) TasksGet(_ context.Context, p *types.GetTaskPayload) (*types.TaskResponse, error) {
	state, ok := b.store.Load(p.ID)
	if !ok {
		return errorResponse(p.ID, fmt.Errorf("task not found")), nil
	}
	return &types.TaskResponse{ID: p.ID, Status: state.getStatus()}, nil
}

// TasksCancel implements tasks/cancel: clear the bridged agent's turn
// ownership on the conversation (reusing the orchestrator's clearTurn
// invariant) and mark the task canceled.
func (b *Bridge) TasksCancel(ctx context.Context, p *types.CancelTaskPayload) (*types.TaskResponse, error) {
	state, ok := b.store.Load(p.ID)
	if !ok {
		return errorResponse(p.ID, fmt.Errorf("task not found")), nil
	}
	state.mu.Lock()
	if state.Cancel != nil {
		state.Cancel()
	}
	state.mu.Unlock()

	if _, cErr := b.orch.ClearTurn(ctx, b.conv, b.agent); cErr != nil && cErr.Kind != conversation.KindNotFound {
		return errorResponse(p.ID, cErr), nil
	}
	state.setStatus(&types.TaskStatus{State: "canceled", Timestamp: now()})
	return &types.TaskResponse{ID: p.ID, Status: state.getStatus()}, nil
}

func newInMemoryTaskStore() *inMemoryTaskStore {
	return &inMemoryTaskStore{tasks: make(map[string]*TaskState)}
}

func (s *inMemoryTaskStore) Store(id string, state *TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id] = state
	return nil
}

func (s *inMemoryTaskStore) Load(id string) (*TaskState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.tasks[id]
	return state, ok
}

func (s *inMemoryTaskStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

func (t *TaskState) setStatus(status *types.TaskStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = status
}

func (t *TaskState) getStatus() *types.TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

// convertMessage joins text parts into a single message body and turns data
// parts into JSON attachments; file parts are rejected since the bridge has
// no attachment-resolution path.
func convertMessage(msg *types.TaskMessage) (string, []conversation.Attachment, error) {
	if msg == nil {
		return "", nil, fmt.Errorf("message is required")
	}
	var text []string
	var attachments []conversation.Attachment
	for i, part := range msg.Parts {
		switch part.Type {
		case "text":
			if part.Text != nil {
				text = append(text, *part.Text)
			}
		case "data":
			if len(part.Data) == 0 {
				continue
			}
			attachments = append(attachments, conversation.Attachment{
				Name:        fmt.Sprintf("part-%d", i),
				ContentType: "application/json",
				Content:     append([]byte(nil), part.Data...),
			})
		case "file":
			return "", nil, fmt.Errorf("file parts are not supported by the a2a bridge")
		default:
			return "", nil, fmt.Errorf("unknown message part type %q", part.Type)
		}
	}
	return strings.Join(text, "\n"), attachments, nil
}

func workingStatus() *types.TaskStatus {
	return &types.TaskStatus{State: "working", Timestamp: now()}
}

func completedStatus() *types.TaskStatus {
	return &types.TaskStatus{State: "completed", Timestamp: now()}
}

func failedStatus(err error) *types.TaskStatus {
	return &types.TaskStatus{State: "failed", Message: errorMessage(err), Timestamp: now()}
}

func statusEvent(taskID string, status *types.TaskStatus) *types.TaskEvent {
	final := status.State == "completed" || status.State == "failed" || status.State == "canceled"
	return &types.TaskEvent{Type: "status", TaskID: taskID, Status: status, Final: final}
}

func errorEvent(taskID string, err error) *types.TaskEvent {
	return &types.TaskEvent{Type: "error", TaskID: taskID, Status: failedStatus(err), Final: true}
}

func artifactEvent(taskID, text string) *types.TaskEvent {
	return &types.TaskEvent{Type: "artifact", TaskID: taskID, Artifact: textArtifact(text)}
}

func errorResponse(taskID string, err error) *types.TaskResponse {
	return &types.TaskResponse{ID: taskID, Status: failedStatus(err)}
}

func successResponse(taskID, text string) *types.TaskResponse {
	return &types.TaskResponse{
		ID:        taskID,
		Status:    completedStatus(),
		Artifacts: []*types.Artifact{textArtifact(text)},
	}
}

func textArtifact(text string) *types.Artifact {
	last := true
	return &types.Artifact{
		Name:      ptrString("result"),
		LastChunk: &last,
		Parts: []*types.MessagePart{
			{Type: "text", Text: ptrString(text)},
		},
	}
}

func errorMessage(err error) *types.TaskMessage {
	if err == nil {
		return nil
	}
	return &types.TaskMessage{
		Role:  "system",
		Parts: []*types.MessagePart{{Type: "text", Text: ptrString(err.Error())}},
	}
}

func ptrString(s string) *string { return &s }

func now() string { return time.Now().UTC().Format(time.RFC3339) }
