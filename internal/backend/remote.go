package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/me/attemptrun/internal/config"
	"github.com/me/attemptrun/pkg/model"
)

// Remote delegates the transformation to an orchestrator container on the
// remote execution layer and waits for its completion.
type Remote struct {
	job          Job
	cfg          *config.RemoteExecution
	connectionID uuid.UUID
	launcher     Launcher
	logger       *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	handle  Handle
}

// NewRemote creates a remote backend for job.
func NewRemote(job Job, cfg *config.RemoteExecution, connectionID uuid.UUID, launcher Launcher, logger *slog.Logger) *Remote {
	return &Remote{
		job:          job,
		cfg:          cfg,
		connectionID: connectionID,
		launcher:     launcher,
		logger:       logger.With("backend", model.BackendRemote),
	}
}

// ContainerName is the deterministic orchestrator name for an attempt.
func ContainerName(id model.JobRunIdentity) string {
	return fmt.Sprintf("orchestrator-dbt-job-%d-attempt-%d", id.JobID, id.AttemptNumber)
}

// Kind implements Backend.
func (b *Remote) Kind() model.BackendKind { return model.BackendRemote }

// ConnectionID returns the connection the orchestrator reports against.
func (b *Remote) ConnectionID() uuid.UUID { return b.connectionID }

// Run implements Backend.
func (b *Remote) Run(ctx context.Context, input model.AttemptInput) (*model.AttemptResult, error) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil, b.fail(ErrAlreadyRun)
	}
	b.started = true
	if b.stopped {
		b.mu.Unlock()
		return nil, b.fail(ErrStopped)
	}
	b.mu.Unlock()

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, b.fail(fmt.Errorf("encode input: %w", err))
	}

	started := time.Now().UTC()
	handle, err := b.launcher.Launch(ctx, LaunchRequest{
		Name:         ContainerName(b.job.ID),
		ID:           b.job.ID,
		ConnectionID: b.connectionID,
		Launch:       b.job.Launch,
		Resources:    b.job.Resources,
		Input:        payload,
	})
	if err != nil {
		return nil, b.fail(err)
	}

	b.mu.Lock()
	b.handle = handle
	stoppedMeanwhile := b.stopped
	b.mu.Unlock()
	if stoppedMeanwhile {
		b.cancel(handle)
	}

	stopOnDone := context.AfterFunc(ctx, func() { b.cancel(handle) })
	defer stopOnDone()

	res, waitErr := handle.Wait(context.WithoutCancel(ctx))
	result := &model.AttemptResult{
		Backend:     model.BackendRemote,
		ExitCode:    res.ExitCode,
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	}

	switch {
	case b.isStopped():
		return result, b.fail(ErrStopped)
	case waitErr != nil:
		return result, b.fail(waitErr)
	case res.ExitCode != 0:
		return result, b.fail(&ExitError{ExitCode: res.ExitCode, Stderr: tail(res.Stderr, stderrTailBytes)})
	}
	return result, nil
}

// Stop implements Backend. It waits up to the configured cancel timeout
// for the orchestrator to acknowledge and returns ErrStopTimeout if it
// does not.
func (b *Remote) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	handle := b.handle
	b.mu.Unlock()

	if handle == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.cancelTimeout())
	defer cancel()
	if err := handle.Cancel(ctx); err != nil {
		return fmt.Errorf("stop %s: %w", b.job.ID, err)
	}
	return nil
}

func (b *Remote) cancel(handle Handle) {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), b.cancelTimeout())
	defer cancel()
	if err := handle.Cancel(ctx); err != nil {
		b.logger.Warn("orchestrator cancel failed", "error", err)
	}
}

func (b *Remote) cancelTimeout() time.Duration {
	if b.cfg != nil && b.cfg.CancelTimeout > 0 {
		return b.cfg.CancelTimeout
	}
	return config.DefaultRemote().CancelTimeout
}

func (b *Remote) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func (b *Remote) fail(err error) error {
	return &RunError{Kind: model.BackendRemote, ID: b.job.ID, Err: err}
}
