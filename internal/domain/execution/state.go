// Package execution provides query execution domain models.
package execution

// QueryState is the state reported by the query service for a QueryID.
// Only pending and running are non-terminal; any other value, including
// values this package does not know about, is terminal.
type QueryState string

const (
	StatePending   QueryState = "pending"   // Accepted, not started yet
	StateRunning   QueryState = "running"   // Executing
	StateCompleted QueryState = "completed" // Finished successfully
	StateFailed    QueryState = "failed"    // Finished with an error
	StateAborted   QueryState = "aborted"   // Aborted by request or timeout
)

// IsKnown checks if the state is one of the states named above.
func (s QueryState) IsKnown() bool {
	switch s {
	case StatePending, StateRunning, StateCompleted, StateFailed, StateAborted:
		return true
	default:
		return false
	}
}

// IsTerminal checks if polling must stop for this state.
func (s QueryState) IsTerminal() bool {
	return s != StatePending && s != StateRunning
}

// String implements Stringer interface.
func (s QueryState) String() string {
	return string(s)
}

// PollPhase is the phase of the client-side polling state machine that
// follows one submitted query.
type PollPhase string

const (
	PhaseWaiting  PollPhase = "WAITING"  // Polling the service state
	PhaseAborting PollPhase = "ABORTING" // Timeout reached, abort issued
	PhaseDone     PollPhase = "DONE"     // Terminal state observed or assigned
)

// CanTransitionTo checks if the poll machine may move from p to target.
func (p PollPhase) CanTransitionTo(target PollPhase) bool {
	transitions := map[PollPhase][]PollPhase{
		PhaseWaiting:  {PhaseWaiting, PhaseAborting, PhaseDone},
		PhaseAborting: {PhaseDone},
	}

	for _, allowed := range transitions[p] {
		if allowed == target {
			return true
		}
	}
	return false
}

// String implements Stringer interface.
func (p PollPhase) String() string {
	return string(p)
}
