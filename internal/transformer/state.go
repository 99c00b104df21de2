package transformer

import "fmt"

// State is a step of the batch state machine.
type State string

const (
	StateValidating State = "validating"
	StateReported   State = "reported"
	StateSkipped    State = "skipped"
	StatePublishing State = "publishing"
	StateDone       State = "done"
	StateAborted    State = "aborted"
)

// IsTerminal reports whether the state ends a batch.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateAborted
}

func isAllowedTransition(from, to State) bool {
	if to == StateAborted {
		return !from.IsTerminal()
	}
	switch from {
	case StateValidating:
		return to == StateReported
	case StateReported:
		return to == StateSkipped || to == StatePublishing
	case StateSkipped, StatePublishing:
		return to == StateDone
	default:
		return false
	}
}

// transition moves the run from its current state to next. An invalid
// transition is a programming error in the controller.
func (r *run) transition(next State) {
	if !isAllowedTransition(r.state, next) {
		panic(fmt.Sprintf("transformer: disallowed transition %s -> %s", r.state, next))
	}
	r.logger.Debug().
		Str("from", string(r.state)).
		Str("to", string(next)).
		Msg("batch state transition")
	r.state = next
}
