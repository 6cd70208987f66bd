package turn

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/concord-hq/concord/runtime/conversation"
)

// step is one simulated append attempt: the author and whether it should
// close the turn it lands in.
type step struct {
	authorIsAlice bool
	closes        bool
}

func genSteps() gopter.Gen {
	return gen.SliceOf(gen.Struct(func() any { return step{} }, map[string]gopter.Gen{
		"authorIsAlice": gen.Bool(),
		"closes":        gen.Bool(),
	}))
}

// TestAtMostOneOpenTurnProperty checks invariant 3 (spec.md §8): at any
// point in the simulated log there is never more than one open turn, and
// every accepted append either joins the current owner's turn or opens the
// next one — never skips a turn number.
func TestAtMostOneOpenTurnProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("at most one open turn, turn numbers never skip", prop.ForAll(
		func(steps []step) bool {
			var events []conversation.UnifiedEvent
			seenTurns := map[int]bool{}

			for _, s := range steps {
				author := conversation.AgentID("alice")
				if !s.authorIsAlice {
					author = conversation.AgentID("bob")
				}

				d, err := Validate(events, author, nil)
				if err != nil {
					// Rejected proposals (wrong owner mid-turn) must leave
					// the log untouched.
					continue
				}
				if d.Turn > Current(events)+1 {
					return false
				}
				seenTurns[d.Turn] = true

				finality := conversation.FinalityNone
				if s.closes {
					finality = conversation.FinalityTurn
				}
				events = append(events, conversation.UnifiedEvent{
					Turn: d.Turn, Event: d.Event, AgentID: author,
					Type: conversation.EventMessage, Finality: finality,
					Message: &conversation.MessagePayload{Text: "x"},
				})

				// Invariant 3: at most one open turn at any point, and its
				// owner is whoever authored the still-open turn's last event.
				if HasOpenTurn(events) {
					owner, ok := OwnerAgentID(events)
					if !ok || owner != author {
						return false
					}
				}
			}

			// Turn numbers assigned across the run form a prefix of 1..N.
			for n := 1; n <= len(seenTurns); n++ {
				if !seenTurns[n] {
					return false
				}
			}
			return true
		},
		genSteps(),
	))

	properties.TestingRun(t)
}

// TestClearTurnIdempotentProperty checks the round-trip law: two
// consecutive clearTurn calls with no intervening append produce the same
// state and append at most one marker (spec.md §8).
func TestClearTurnIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("clearTurn is idempotent", prop.ForAll(
		func(authorIsAlice bool) bool {
			author := conversation.AgentID("alice")
			if !authorIsAlice {
				author = conversation.AgentID("bob")
			}
			events := []conversation.UnifiedEvent{msg(author, 1, 1, conversation.FinalityNone)}

			shouldAppend1, turn1 := ClearTurn(events, author)
			if !shouldAppend1 {
				return false
			}
			events = append(events, cleared(author, 1, 2))

			shouldAppend2, turn2 := ClearTurn(events, author)
			if shouldAppend2 {
				return false
			}
			return turn1 == turn2
		},
		gen.Bool(),
	))

	properties.TestingRun(t)
}
