// Package inmem provides an in-memory implementation of log.Store for tests
// and local development. State is held in maps guarded by per-process
// mutexes with no persistence across restarts; production deployments use
// runtime/log/mongo instead.
package inmem

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/concord-hq/concord/runtime/conversation"
	"github.com/concord-hq/concord/runtime/log"
	"github.com/concord-hq/concord/runtime/turn"
)

// dedupWindow bounds the clientRequestId retention window per conversation
// (SPEC_FULL.md §3, resolving spec.md §9 Open Question 3): the most recent
// 4096 entries are kept, LRU-evicted.
const dedupWindow = 4096

// conversationState holds one conversation's mutable state. All access is
// guarded by mu; the zero value is never used directly (New always
// populates meta).
type conversationState struct {
	mu            sync.Mutex
	meta          conversation.Metadata
	status        conversation.Status
	events        []conversation.UnifiedEvent
	lastClosedSeq int64
	nextSeq       int64
	nextSysEvent  int
	dedup         *dedupCache
}

// Store implements log.Store in memory. Conversations are created via
// CreateConversation and keyed by an internally assigned monotonic ID.
type Store struct {
	mu            sync.RWMutex
	conversations map[conversation.ID]*conversationState
	nextID        conversation.ID
	now           func() time.Time
}

// New constructs an empty Store ready for use.
func New() *Store {
	return &Store{
		conversations: make(map[conversation.ID]*conversationState),
		now:           time.Now,
	}
}

// CreateConversation implements log.Store.
func (s *Store) CreateConversation(_ context.Context, meta conversation.Metadata) (conversation.ID, *conversation.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.conversations[id] = &conversationState{
		meta:   meta,
		status: conversation.StatusActive,
		dedup:  newDedupCache(dedupWindow),
	}
	return id, nil
}

func (s *Store) get(conv conversation.ID) (*conversationState, *conversation.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.conversations[conv]
	if !ok {
		return nil, conversation.NewError(conversation.KindNotFound, "log.Store", "unknown conversation", nil)
	}
	return cs, nil
}

// Append implements log.Store.
func (s *Store) Append(_ context.Context, conv conversation.ID, proposal conversation.Proposal) (log.AppendResult, *conversation.Error) {
	cs, err := s.get(conv)
	if err != nil {
		return log.AppendResult{}, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.status == conversation.StatusCompleted {
		return log.AppendResult{}, conversation.NewError(conversation.KindInvalidArgument, "log.Append", "conversation already completed", nil)
	}

	key := dedupKey(proposal.AgentID)
	if id := clientRequestID(proposal); id != "" {
		if res, ok := cs.dedup.get(key, id); ok {
			return res, nil
		}
	}

	decision, verr := turn.Validate(cs.events, proposal.AgentID, proposal.Turn)
	if verr != nil {
		return log.AppendResult{}, verr
	}

	cs.nextSeq++
	seq := cs.nextSeq
	event := conversation.UnifiedEvent{
		Conversation: conv,
		Turn:         decision.Turn,
		Event:        decision.Event,
		Seq:          seq,
		AgentID:      proposal.AgentID,
		Ts:           s.now(),
		Type:         proposal.Type,
		Finality:     proposal.Finality,
		Message:      proposal.Message,
		Trace:        proposal.Trace,
		System:       proposal.System,
	}
	cs.events = append(cs.events, event)

	result := log.AppendResult{Seq: seq, Turn: decision.Turn, Event: decision.Event}

	if event.ClosesTurn() {
		cs.lastClosedSeq = seq
	}
	if event.ClosesConversation() {
		cs.status = conversation.StatusCompleted
		cs.lastClosedSeq = seq
	}

	if id := clientRequestID(proposal); id != "" {
		cs.dedup.put(key, id, result)
	}

	return result, nil
}

// AppendSystem implements log.Store. Unlike Append, it bypasses turn
// validation entirely: system events always carry turn=0 and are allowed
// even on a conversation that has just completed, since the completion
// notice itself is a system event.
func (s *Store) AppendSystem(_ context.Context, conv conversation.ID, payload conversation.SystemPayload) (log.AppendResult, *conversation.Error) {
	cs, err := s.get(conv)
	if err != nil {
		return log.AppendResult{}, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.nextSeq++
	cs.nextSysEvent++
	event := conversation.UnifiedEvent{
		Conversation: conv,
		Turn:         0,
		Event:        cs.nextSysEvent,
		Seq:          cs.nextSeq,
		Ts:           s.now(),
		Type:         conversation.EventSystem,
		System:       &payload,
	}
	cs.events = append(cs.events, event)

	return log.AppendResult{Seq: event.Seq, Turn: 0, Event: event.Event}, nil
}

// Snapshot implements log.Store.
func (s *Store) Snapshot(_ context.Context, conv conversation.ID, _ log.SnapshotOptions) (conversation.Snapshot, *conversation.Error) {
	cs, err := s.get(conv)
	if err != nil {
		return conversation.Snapshot{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	events := make([]conversation.UnifiedEvent, len(cs.events))
	copy(events, cs.events)

	return conversation.Snapshot{
		Conversation:  conv,
		Status:        cs.status,
		Metadata:      cs.meta,
		LastClosedSeq: cs.lastClosedSeq,
		Events:        events,
	}, nil
}

// ListSince implements log.Store.
func (s *Store) ListSince(_ context.Context, conv conversation.ID, sinceSeq int64, limit int) ([]conversation.UnifiedEvent, *conversation.Error) {
	cs, err := s.get(conv)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var out []conversation.UnifiedEvent
	for _, e := range cs.events {
		if e.Seq <= sinceSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func clientRequestID(p conversation.Proposal) string {
	if p.Message != nil {
		return p.Message.ClientRequestID
	}
	return ""
}

func dedupKey(agentID conversation.AgentID) string {
	return string(agentID)
}

// dedupCache is a bounded LRU of recently seen (agentId, clientRequestId)
// pairs, one per conversation and shared by all its agents,
// mirroring the map+mutex bounded-cache shape the teacher uses for its
// toolset schema cache, sized to a fixed entry count instead of a TTL
// (SPEC_FULL.md §3).
type dedupCache struct {
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type dedupEntry struct {
	key    string
	result log.AppendResult
}

func newDedupCache(capacity int) *dedupCache {
	return &dedupCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *dedupCache) get(agentKey, clientRequestID string) (log.AppendResult, bool) {
	key := agentKey + "\x00" + clientRequestID
	el, ok := c.entries[key]
	if !ok {
		return log.AppendResult{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*dedupEntry).result, true
}

func (c *dedupCache) put(agentKey, clientRequestID string, result log.AppendResult) {
	key := agentKey + "\x00" + clientRequestID
	if el, ok := c.entries[key]; ok {
		el.Value.(*dedupEntry).result = result
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&dedupEntry{key: key, result: result})
	c.entries[key] = el
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*dedupEntry).key)
	}
}
