package attempt

import (
	"errors"
	"fmt"

	"github.com/me/attemptrun/pkg/model"
)

// Attempt failure kinds. Every error returned by Executor.Execute matches
// exactly one of these with errors.Is.
var (
	ErrResolution = errors.New("secret resolution failed")
	ErrValidation = errors.New("input validation failed")
	ErrSetup      = errors.New("attempt setup failed")
	ErrExecution  = errors.New("attempt execution failed")
	ErrCancelled  = errors.New("attempt cancelled")
)

// Error is the failure of one attempt.
type Error struct {
	Kind    error // One of the Err* kinds above
	ID      model.JobRunIdentity
	Backend model.BackendKind // Empty when the attempt failed before selection
	Err     error

	// Acknowledged is set for cancellations whose backend confirmed
	// termination within the grace period.
	Acknowledged bool
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("attempt %s: %v", e.ID, e.Kind)
	if e.Backend != "" {
		msg += fmt.Sprintf(" (%s backend)", e.Backend)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

var kinds = []error{ErrResolution, ErrValidation, ErrSetup, ErrExecution, ErrCancelled}

// KindOf returns the failure kind of err, or nil if err is not an attempt
// failure.
func KindOf(err error) error {
	var ae *Error
	if !errors.As(err, &ae) {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(ae.Kind, k) {
			return k
		}
	}
	return nil
}

// KindName returns a short stable name for the failure kind of err, as
// stored in attempt records.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrResolution:
		return "resolution"
	case ErrValidation:
		return "validation"
	case ErrSetup:
		return "setup"
	case ErrExecution:
		return "execution"
	case ErrCancelled:
		return "cancelled"
	default:
		return ""
	}
}
