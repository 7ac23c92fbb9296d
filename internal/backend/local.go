package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/me/attemptrun/internal/config"
	"github.com/me/attemptrun/pkg/model"
)

// DefaultStopTimeout bounds how long Stop waits for a killed process tree.
const DefaultStopTimeout = 10 * time.Second

// Local runs the transformation as a subordinate process on this host.
// The hydrated input is written to the process's stdin and never touches
// disk.
type Local struct {
	job         Job
	runtime     string
	workspace   string
	processes   ProcessFactory
	stopTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	proc    Process
}

// NewLocal creates a local backend for job.
func NewLocal(job Job, cfg config.LocalConfig, processes ProcessFactory, logger *slog.Logger) *Local {
	return &Local{
		job:         job,
		runtime:     cfg.Runtime,
		workspace:   cfg.WorkspaceRoot,
		processes:   processes,
		stopTimeout: DefaultStopTimeout,
		logger:      logger.With("backend", model.BackendLocal),
	}
}

// Kind implements Backend.
func (b *Local) Kind() model.BackendKind { return model.BackendLocal }

// Run implements Backend.
func (b *Local) Run(ctx context.Context, input model.AttemptInput) (*model.AttemptResult, error) {
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

	workDir, err := b.makeWorkDir()
	if err != nil {
		return nil, b.fail(err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			b.logger.Warn("workspace cleanup failed", "dir", workDir, "error", err)
		}
	}()

	spec, err := b.processSpec(input, workDir)
	if err != nil {
		return nil, b.fail(err)
	}

	started := time.Now().UTC()
	proc, err := b.processes.Start(ctx, spec)
	if err != nil {
		return nil, b.fail(err)
	}
	defer b.reclaim(proc)

	b.mu.Lock()
	b.proc = proc
	stoppedMeanwhile := b.stopped
	b.mu.Unlock()
	if stoppedMeanwhile {
		b.kill(proc)
	}

	stopOnDone := context.AfterFunc(ctx, func() { b.kill(proc) })
	defer stopOnDone()

	b.logger.Debug("process started", "name", spec.Name, "runtime", b.runtime)
	res, waitErr := proc.Wait()

	result := &model.AttemptResult{
		Backend:     model.BackendLocal,
		ExitCode:    res.ExitCode,
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	}

	switch {
	case b.isStopped():
		return result, b.fail(ErrStopped)
	case ctx.Err() != nil:
		return result, b.fail(ctx.Err())
	case waitErr != nil:
		return result, b.fail(waitErr)
	case res.ExitCode != 0:
		return result, b.fail(&ExitError{ExitCode: res.ExitCode, Stderr: tail(res.Stderr, stderrTailBytes)})
	}
	return result, nil
}

// Stop implements Backend. It kills the process tree and waits up to the
// stop timeout for it to exit.
func (b *Local) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	proc := b.proc
	b.mu.Unlock()

	if proc == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.stopTimeout)
	defer cancel()
	if err := proc.Kill(ctx); err != nil {
		return fmt.Errorf("stop %s: %w: %w", b.job.ID, ErrStopTimeout, err)
	}
	return nil
}

func (b *Local) kill(proc Process) {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), b.stopTimeout)
	defer cancel()
	if err := proc.Kill(ctx); err != nil {
		b.logger.Warn("kill failed", "error", err)
	}
}

// reclaim kills anything the finished process left behind in its group.
func (b *Local) reclaim(proc Process) {
	ctx, cancel := context.WithTimeout(context.Background(), b.stopTimeout)
	defer cancel()
	if err := proc.Kill(ctx); err != nil {
		b.logger.Debug("reclaim", "error", err)
	}
}

func (b *Local) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func (b *Local) fail(err error) error {
	return &RunError{Kind: model.BackendLocal, ID: b.job.ID, Err: err}
}

func (b *Local) makeWorkDir() (string, error) {
	if b.workspace == "" {
		dir, err := os.MkdirTemp("", "attemptrun-"+b.job.ID.String()+"-")
		if err != nil {
			return "", fmt.Errorf("create workspace: %w", err)
		}
		return dir, nil
	}
	dir := filepath.Join(b.workspace, b.job.ID.String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// processSpec builds the process description for input. The hydrated input
// travels on stdin only.
func (b *Local) processSpec(input model.AttemptInput, workDir string) (ProcessSpec, error) {
	stdin, err := json.Marshal(input)
	if err != nil {
		return ProcessSpec{}, fmt.Errorf("encode input: %w", err)
	}

	env := make(map[string]string, len(b.job.Launch.Env)+5)
	for k, v := range b.job.Launch.Env {
		env[k] = v
	}
	env["JOB_ID"] = strconv.FormatInt(b.job.ID.JobID, 10)
	env["ATTEMPT_ID"] = strconv.Itoa(b.job.ID.AttemptNumber)
	env["DESTINATION_IMAGE"] = b.job.Launch.Image
	env["GIT_REPO_URL"] = input.Transformation.GitRepoURL
	if input.Transformation.GitRepoBranch != "" {
		env["GIT_REPO_BRANCH"] = input.Transformation.GitRepoBranch
	}

	spec := ProcessSpec{
		Name:      "dbt-" + b.job.ID.String(),
		Env:       env,
		Stdin:     stdin,
		WorkDir:   workDir,
		Resources: b.job.Resources,
	}
	switch b.runtime {
	case config.RuntimeNone:
		if len(input.Transformation.Arguments) == 0 {
			return ProcessSpec{}, fmt.Errorf("transformation has no arguments to run")
		}
		spec.Command = append([]string(nil), input.Transformation.Arguments...)
	default:
		spec.Image = input.Transformation.DockerImage
		spec.Command = append([]string(nil), input.Transformation.Arguments...)
	}
	return spec, nil
}
