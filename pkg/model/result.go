package model

import "time"

// AttemptResult is the terminal output of a backend run.
type AttemptResult struct {
	Backend     BackendKind `json:"backend"`
	ExitCode    int         `json:"exit_code"`
	Stdout      string      `json:"stdout,omitempty"`
	Stderr      string      `json:"stderr,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
}

// Succeeded reports whether the transformation exited cleanly.
func (r *AttemptResult) Succeeded() bool {
	return r != nil && r.ExitCode == 0
}

// Duration returns the wall-clock time of the run.
func (r *AttemptResult) Duration() time.Duration {
	if r == nil || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
