package model

import "time"

// Job is the orchestration engine's view of a job. Scope is the logical
// identifier the job belongs to (a connection id in practice).
type Job struct {
	ID        int64     `json:"id"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
}

// AttemptRecord is the persisted account of one attempt. It never holds
// hydrated input.
type AttemptRecord struct {
	JobID           int64        `json:"job_id"`
	AttemptNumber   int          `json:"attempt_number"`
	State           AttemptState `json:"state"`
	Backend         BackendKind  `json:"backend,omitempty"`
	ErrorKind       string       `json:"error_kind,omitempty"`
	Error           string       `json:"error,omitempty"`
	ExitCode        *int         `json:"exit_code,omitempty"`
	CancelRequested bool         `json:"cancel_requested"`
	Heartbeats      int          `json:"heartbeats"`
	LastHeartbeat   *time.Time   `json:"last_heartbeat,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

// Identity returns the attempt's JobRunIdentity.
func (r *AttemptRecord) Identity() JobRunIdentity {
	return JobRunIdentity{JobID: r.JobID, AttemptNumber: r.AttemptNumber}
}

// HeartbeatAck is the orchestration engine's answer to a liveness signal.
type HeartbeatAck struct {
	CancelRequested bool `json:"cancel_requested"`
}
