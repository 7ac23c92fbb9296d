// Package backend runs the transformation for a single attempt, either as
// a subordinate process on this host (Local) or by delegating to a remote
// orchestrator container (Remote).
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/me/attemptrun/pkg/model"
)

// Backend performs one attempt's transformation. Run is called at most
// once per instance. Stop may be called concurrently with Run and at any
// time after construction.
type Backend interface {
	Kind() model.BackendKind
	Run(ctx context.Context, input model.AttemptInput) (*model.AttemptResult, error)
	Stop(ctx context.Context) error
}

// Job is what a Factory needs to construct a backend.
type Job struct {
	ID        model.JobRunIdentity
	Launch    model.LaunchDescriptor
	Resources model.ResourceRequirements
}

// Factory constructs a backend for one attempt.
type Factory func(ctx context.Context, job Job) (Backend, error)

var (
	// ErrStopped is returned by Run when Stop terminated the work.
	ErrStopped = errors.New("backend stopped")
	// ErrAlreadyRun is returned by a second call to Run.
	ErrAlreadyRun = errors.New("backend already run")
	// ErrStopTimeout is returned by Stop when termination was not
	// acknowledged in time.
	ErrStopTimeout = errors.New("stop not acknowledged")
)

// RunError wraps a backend fault with the attempt identity and backend
// kind.
type RunError struct {
	Kind model.BackendKind
	ID   model.JobRunIdentity
	Err  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s backend %s: %v", e.Kind, e.ID, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// ExitError reports a transformation that finished with a non-zero exit.
type ExitError struct {
	ExitCode int
	Stderr   string // Tail of stderr
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("transformation exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("transformation exited with code %d: %s", e.ExitCode, e.Stderr)
}

const stderrTailBytes = 2048

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
