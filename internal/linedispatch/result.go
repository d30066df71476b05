package linedispatch

// State is the lifecycle position of a Dispatcher.
type State int32

const (
	StateInitialized State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Outcome describes why a run loop terminated.
type Outcome int

const (
	// OutcomePending means the dispatcher has not terminated yet.
	OutcomePending Outcome = iota
	// OutcomeEOF means the source reached a clean end of stream.
	OutcomeEOF
	// OutcomeStopped means Stop was called or the run context was cancelled.
	OutcomeStopped
	// OutcomeReadError means reading the source failed.
	OutcomeReadError
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeEOF:
		return "eof"
	case OutcomeStopped:
		return "stopped"
	case OutcomeReadError:
		return "read_error"
	default:
		return "unknown"
	}
}

// Result is the terminal outcome of a run loop.
type Result struct {
	Outcome Outcome
	// Err is set only for OutcomeReadError.
	Err error
	// Lines is the number of lines dispatched.
	Lines uint64
	// ObserverPanics counts recovered panics raised by observers.
	ObserverPanics uint64
}

// Clean reports whether the loop ended without a read failure.
func (r Result) Clean() bool {
	return r.Outcome == OutcomeEOF || r.Outcome == OutcomeStopped
}
