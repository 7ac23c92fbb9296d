package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/me/attemptrun/internal/config"
)

// JobScopeLookup resolves a job's scope. The remote backend uses the scope
// as its connection id.
type JobScopeLookup interface {
	GetJobScope(ctx context.Context, jobID int64) (string, error)
}

// Deps carries what the factories need. Only the fields of the selected
// variant are used.
type Deps struct {
	Remote    *config.RemoteExecution
	Local     config.LocalConfig
	Processes ProcessFactory
	Launcher  Launcher
	Jobs      JobScopeLookup
	Logger    *slog.Logger
}

// ErrRemoteNotConfigured is returned by the remote factory when no remote
// execution configuration was supplied.
var ErrRemoteNotConfigured = errors.New("remote execution is not configured")

// Select returns the factory for the backend variant. It is a pure choice:
// remote chooses Remote, anything else chooses Local. Nothing is
// constructed until the factory is called.
func Select(remote bool, deps Deps) Factory {
	if remote {
		return deps.newRemote
	}
	return deps.newLocal
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Deps) newLocal(_ context.Context, job Job) (Backend, error) {
	if err := job.ID.Validate(); err != nil {
		return nil, err
	}
	if err := job.Resources.Validate(); err != nil {
		return nil, err
	}
	processes := d.Processes
	if processes == nil {
		switch d.Local.Runtime {
		case config.RuntimeNone:
			processes = NewHostProcessFactory()
		default:
			processes = NewDockerProcessFactory()
		}
	}
	return NewLocal(job, d.Local, processes, d.logger()), nil
}

func (d Deps) newRemote(ctx context.Context, job Job) (Backend, error) {
	if err := job.ID.Validate(); err != nil {
		return nil, err
	}
	if d.Remote == nil {
		return nil, ErrRemoteNotConfigured
	}
	if err := job.Launch.Validate(); err != nil {
		return nil, err
	}
	if err := job.Resources.Validate(); err != nil {
		return nil, err
	}
	if d.Jobs == nil {
		return nil, fmt.Errorf("remote backend: no job scope lookup")
	}
	scope, err := d.Jobs.GetJobScope(ctx, job.ID.JobID)
	if err != nil {
		return nil, fmt.Errorf("resolve connection for job %d: %w", job.ID.JobID, err)
	}
	connectionID, err := uuid.Parse(scope)
	if err != nil {
		return nil, fmt.Errorf("job %d scope %q is not a connection id: %w", job.ID.JobID, scope, err)
	}
	launcher := d.Launcher
	if launcher == nil {
		launcher = NewDockerLauncher(d.Remote, d.logger())
	}
	return NewRemote(job, d.Remote, connectionID, launcher, d.logger()), nil
}
