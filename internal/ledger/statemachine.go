package ledger

// transitions lists every legal move. A completed entry can only be reversed;
// every other terminal state is final.
var transitions = map[State][]State{
	StatePending:   {StateCompleted, StateFailed, StateCancelled},
	StateCompleted: {StateReversed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidState reports whether s is a known state.
func ValidState(s State) bool {
	switch s {
	case StatePending, StateCompleted, StateFailed, StateCancelled, StateReversed:
		return true
	}
	return false
}
