package reconcile

// State tracks a record through the pipeline. Transitions only move forward;
// a committed or rejected record never changes again.
type State string

const (
	// StateExtracted means the record parsed out of the dictation but has
	// not been matched yet.
	StateExtracted State = "extracted"

	// StateMatched means the drug resolved to a single catalog entry.
	StateMatched State = "matched"

	// StateAmbiguous means the record is parked awaiting human drug
	// resolution.
	StateAmbiguous State = "ambiguous"

	// StateNewCandidate means the record proposes a catalog entry that does
	// not exist yet.
	StateNewCandidate State = "new-candidate"

	// StateReconciled means a ledger write has been planned for the record.
	StateReconciled State = "reconciled"

	// StateStaged means the plan is held by the review gate awaiting
	// confirmation.
	StateStaged State = "staged"

	// StateCommitted means the plan was written to the ledger. Terminal.
	StateCommitted State = "committed"

	// StateRejected means a reviewer discarded the plan. Terminal.
	StateRejected State = "rejected"
)

// transitions holds the allowed forward edges of the record lifecycle.
var transitions = map[State][]State{
	StateExtracted:    {StateMatched, StateAmbiguous, StateNewCandidate},
	StateMatched:      {StateReconciled},
	StateAmbiguous:    {StateMatched, StateRejected},
	StateNewCandidate: {StateReconciled, StateRejected},
	StateReconciled:   {StateStaged},
	StateStaged:       {StateCommitted, StateRejected},
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}
