package execution

import "errors"

// AbortResult tells how an abort request ended.
type AbortResult int

const (
	AbortAccepted        AbortResult = iota // Service accepted the abort
	AbortAlreadyFinished                    // Query was unknown or already terminal
	AbortFailed                             // Any other failure
)

// String implements Stringer interface.
func (r AbortResult) String() string {
	switch r {
	case AbortAccepted:
		return "accepted"
	case AbortAlreadyFinished:
		return "already_finished"
	default:
		return "failed"
	}
}

// AbortOutcome is the result of one abort call. Err is nil unless Result is
// AbortFailed.
type AbortOutcome struct {
	Result AbortResult
	Err    error
}

// ClassifyAbort turns the error returned by an abort call into an outcome.
// Unknown and already terminal queries are not failures.
func ClassifyAbort(err error) AbortOutcome {
	switch {
	case err == nil:
		return AbortOutcome{Result: AbortAccepted}
	case errors.Is(err, ErrQueryNotFound), errors.Is(err, ErrQueryFinished):
		return AbortOutcome{Result: AbortAlreadyFinished}
	default:
		return AbortOutcome{Result: AbortFailed, Err: err}
	}
}
