package store

import (
	"context"
	"time"

	"github.com/me/attemptrun/pkg/model"
)

// Store defines the persistence layer for jobs, attempts and secrets.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, scope string) (*model.Job, error)
	GetJob(ctx context.Context, id int64) (*model.Job, error)
	ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error)

	// Attempts
	RecordAttempt(ctx context.Context, rec *model.AttemptRecord) error
	GetAttempt(ctx context.Context, id model.JobRunIdentity) (*model.AttemptRecord, error)
	ListAttempts(ctx context.Context, jobID int64) ([]*model.AttemptRecord, error)
	RecordHeartbeat(ctx context.Context, id model.JobRunIdentity, at time.Time) (*model.AttemptRecord, error)
	RequestCancel(ctx context.Context, id model.JobRunIdentity) (*model.AttemptRecord, error)

	// Secrets
	ReadSecret(ctx context.Context, coordinate string) (string, bool, error)
	WriteSecret(ctx context.Context, coordinate, value string) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
