package model

// AttemptState represents the lifecycle state of an attempt record.
type AttemptState string

const (
	AttemptStatePending   AttemptState = "PENDING"
	AttemptStateRunning   AttemptState = "RUNNING"
	AttemptStateSucceeded AttemptState = "SUCCEEDED"
	AttemptStateFailed    AttemptState = "FAILED"
	AttemptStateCancelled AttemptState = "CANCELLED"
)

// String returns the string representation of the attempt state.
func (s AttemptState) String() string {
	return string(s)
}

// IsTerminal returns true if the attempt is in a final state.
func (s AttemptState) IsTerminal() bool {
	switch s {
	case AttemptStateSucceeded, AttemptStateFailed, AttemptStateCancelled:
		return true
	}
	return false
}

// ValidAttemptTransitions defines the allowed state transitions for attempts.
var ValidAttemptTransitions = map[AttemptState][]AttemptState{
	AttemptStatePending: {AttemptStateRunning, AttemptStateFailed, AttemptStateCancelled},
	AttemptStateRunning: {AttemptStateSucceeded, AttemptStateFailed, AttemptStateCancelled},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s AttemptState) CanTransitionTo(next AttemptState) bool {
	for _, allowed := range ValidAttemptTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
