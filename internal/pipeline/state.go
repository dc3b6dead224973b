package pipeline

// State is the pipeline lifecycle. Transitions are monotonic: a pipeline
// never moves backwards, and every pipeline eventually reaches StateEnded
// no matter how it terminates.
type State int32

const (
	// StateNotStarted is the zero value; Run has not been called.
	StateNotStarted State = iota

	// StateRunning means all stage goroutines are live and Start has been
	// broadcast.
	StateRunning

	// StateCancelling means Cancel was requested and the pipeline is inside
	// its grace period.
	StateCancelling

	// StateEnded is terminal. All stages have either exited or been
	// abandoned.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}
