package conversation

// Metadata is the opaque-to-the-log mapping the orchestrator attaches to a
// conversation: the ordered participant list used for rotation tie-breaks
// (spec.md §4.4 rule 3) and an optional scenario reference joined in by
// getSnapshot(includeScenario=true).
type Metadata struct {
	// Agents is the ordered list of participating agent ids. Order is the
	// deterministic tie-break for next-agent rotation.
	Agents []AgentID `json:"agents"`
	// ScenarioRef, if set, is an opaque pointer to external scenario
	// content; the core never interprets it (spec.md §1 Non-goals).
	ScenarioRef string `json:"scenarioRef,omitempty"`
}

// IndexOf returns the position of id in Agents, or -1 if absent.
func (m Metadata) IndexOf(id AgentID) int {
	for i, a := range m.Agents {
		if a == id {
			return i
		}
	}
	return -1
}

// Snapshot is a point-in-time view of a conversation: its event list,
// status, lastClosedSeq, and metadata (GLOSSARY: Snapshot).
type Snapshot struct {
	Conversation  ID             `json:"conversation"`
	Status        Status         `json:"status"`
	Metadata      Metadata       `json:"metadata"`
	LastClosedSeq int64          `json:"lastClosedSeq"`
	Events        []UnifiedEvent `json:"events"`
}

// CurrentTurn returns max(e.Turn) over non-system events, or 0 if none
// exist. It is a read-only convenience used by callers that only have a
// Snapshot in hand; package turn owns the authoritative derivation used by
// append validation.
func (s Snapshot) CurrentTurn() int {
	max := 0
	for _, e := range s.Events {
		if e.Type != EventSystem && e.Turn > max {
			max = e.Turn
		}
	}
	return max
}
