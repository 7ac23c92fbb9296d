package model

import (
	"fmt"
	"log/slog"
	"strings"
)

// JobRunIdentity identifies one attempt of a job. It is created by the
// orchestration engine before the attempt starts and never changes.
type JobRunIdentity struct {
	JobID         int64 `json:"job_id" yaml:"job_id"`
	AttemptNumber int   `json:"attempt_number" yaml:"attempt_number"`
}

// String returns the identity as "job-<id>-attempt-<n>".
func (id JobRunIdentity) String() string {
	return fmt.Sprintf("job-%d-attempt-%d", id.JobID, id.AttemptNumber)
}

// Validate checks that the identity refers to a real job.
func (id JobRunIdentity) Validate() error {
	if id.JobID <= 0 {
		return fmt.Errorf("job id must be positive, got %d", id.JobID)
	}
	if id.AttemptNumber < 0 {
		return fmt.Errorf("attempt number must not be negative, got %d", id.AttemptNumber)
	}
	return nil
}

// LogValue implements slog.LogValuer.
func (id JobRunIdentity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("job_id", id.JobID),
		slog.Int("attempt", id.AttemptNumber),
	)
}

// LaunchDescriptor describes how to materialize the execution image of the
// remote backend.
type LaunchDescriptor struct {
	Image string            `json:"image" yaml:"image"`
	Env   map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Validate checks that an image reference is present.
func (d LaunchDescriptor) Validate() error {
	if strings.TrimSpace(d.Image) == "" {
		return fmt.Errorf("launch descriptor: image is required")
	}
	for k := range d.Env {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("launch descriptor: invalid environment variable name %q", k)
		}
	}
	return nil
}

// BackendKind names an execution backend variant.
type BackendKind string

const (
	BackendLocal  BackendKind = "local"
	BackendRemote BackendKind = "remote"
)

// String returns the string representation of the backend kind.
func (k BackendKind) String() string {
	return string(k)
}
