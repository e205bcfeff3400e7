package runtime

type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateCompleted
	StateTimedOut
	StateResourceExceeded
	StateSecurityViolation
	StateCrashed
	StateTerminated
)

var stateNames = [...]string{
	StateCreated:           "created",
	StateStarting:          "starting",
	StateRunning:           "running",
	StateCompleted:         "completed",
	StateTimedOut:          "timed_out",
	StateResourceExceeded:  "resource_exceeded",
	StateSecurityViolation: "security_violation",
	StateCrashed:           "crashed",
	StateTerminated:        "terminated",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Outcome reports whether s is one of the states a run ends in before
// cleanup.
func (s State) Outcome() bool {
	return s >= StateCompleted && s <= StateCrashed
}

// canTransition encodes the lifecycle. Terminated is absorbing and is
// reachable from everywhere; outcome states are only reachable while the
// child is starting or running.
func canTransition(from, to State) bool {
	if from == StateTerminated {
		return false
	}
	switch to {
	case StateTerminated:
		return true
	case StateStarting:
		return from == StateCreated
	case StateRunning:
		return from == StateStarting
	case StateCompleted:
		return from == StateRunning
	case StateTimedOut, StateResourceExceeded, StateSecurityViolation, StateCrashed:
		return from == StateStarting || from == StateRunning
	}
	return false
}
