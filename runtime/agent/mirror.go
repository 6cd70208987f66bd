package agent

import (
	"sync"

	"github.com/concord-hq/concord/runtime/conversation"
)

// mirror is the best-effort local view of a conversation's log the runtime
// maintains between turns (spec.md §4.5). It is never authoritative: the
// orchestrator's snapshot is always re-fetched before a turn handler runs,
// and a mirror that falls behind (a missed event, a dropped subscription)
// only degrades what TurnContext.Snapshot shows a callback between
// refreshes, never the append rule itself.
type mirror struct {
	mu     sync.RWMutex
	snap   conversation.Snapshot
	status conversation.Status
}

func newMirror(initial conversation.Snapshot) *mirror {
	return &mirror{snap: initial, status: initial.Status}
}

// apply appends e to the mirror and updates its derived status/lastClosedSeq
// fields, mirroring what the event log itself would compute.
func (m *mirror) apply(e conversation.UnifiedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Events = append(m.snap.Events, e)
	if e.ClosesTurn() {
		m.snap.LastClosedSeq = e.Seq
	}
	if e.ClosesConversation() {
		m.snap.Status = conversation.StatusCompleted
		m.status = conversation.StatusCompleted
	}
}

// snapshot returns a copy of the current mirror state safe for the caller
// to retain; the Events slice is reallocated so later apply calls cannot
// mutate a previously handed-out snapshot.
func (m *mirror) snapshot() conversation.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := make([]conversation.UnifiedEvent, len(m.snap.Events))
	copy(events, m.snap.Events)
	out := m.snap
	out.Events = events
	return out
}

func (m *mirror) currentStatus() conversation.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}
