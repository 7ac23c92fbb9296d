package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/me/attemptrun/internal/config"
	"github.com/me/attemptrun/pkg/model"
)

// LaunchRequest describes an orchestrator container to start.
type LaunchRequest struct {
	Name         string
	ID           model.JobRunIdentity
	ConnectionID uuid.UUID
	Launch       model.LaunchDescriptor
	Resources    model.ResourceRequirements
	Input        []byte // Hydrated attempt input, delivered on stdin
}

// Handle tracks a launched orchestrator.
type Handle interface {
	// Wait blocks until the orchestrator finishes or ctx is done.
	Wait(ctx context.Context) (ProcessResult, error)
	// Cancel asks the orchestrator to stop and waits for acknowledgement
	// until ctx is done.
	Cancel(ctx context.Context) error
}

// Launcher starts orchestrator containers on the remote execution layer.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Handle, error)
}

// DockerLauncher launches orchestrators with the docker CLI against the
// configured DOCKER_HOST.
type DockerLauncher struct {
	cfg       *config.RemoteExecution
	processes ProcessFactory
	runner    CommandRunner
	logger    *slog.Logger
}

// NewDockerLauncher creates a DockerLauncher.
func NewDockerLauncher(cfg *config.RemoteExecution, logger *slog.Logger) *DockerLauncher {
	return &DockerLauncher{
		cfg:       cfg,
		processes: NewDockerProcessFactory(),
		runner:    &osCommandRunner{},
		logger:    logger,
	}
}

// Launch implements Launcher.
func (l *DockerLauncher) Launch(ctx context.Context, req LaunchRequest) (Handle, error) {
	env := make(map[string]string, len(req.Launch.Env)+6)
	for k, v := range req.Launch.Env {
		env[k] = v
	}
	env["APPLICATION"] = "dbt-orchestrator"
	env["JOB_ID"] = strconv.FormatInt(req.ID.JobID, 10)
	env["ATTEMPT_ID"] = strconv.Itoa(req.ID.AttemptNumber)
	env["CONNECTION_ID"] = req.ConnectionID.String()
	env["SERVER_PORT"] = strconv.Itoa(l.cfg.ServerPort)
	env["DESTINATION_IMAGE"] = req.Launch.Image

	proc, err := l.processes.Start(ctx, ProcessSpec{
		Name:       req.Name,
		Image:      l.cfg.OrchestratorImage,
		Env:        env,
		Stdin:      req.Input,
		Resources:  req.Resources,
		DockerHost: l.cfg.DockerHost,
		Network:    l.cfg.Network,
	})
	if err != nil {
		return nil, fmt.Errorf("launch orchestrator %s: %w", req.Name, err)
	}
	l.logger.Info("orchestrator launched", "name", req.Name, "image", l.cfg.OrchestratorImage)
	return &dockerHandle{name: req.Name, proc: proc, launcher: l}, nil
}

type dockerHandle struct {
	name     string
	proc     Process
	launcher *DockerLauncher
}

func (h *dockerHandle) Wait(ctx context.Context) (ProcessResult, error) {
	type waited struct {
		res ProcessResult
		err error
	}
	ch := make(chan waited, 1)
	go func() {
		res, err := h.proc.Wait()
		ch <- waited{res, err}
	}()
	select {
	case w := <-ch:
		return w.res, w.err
	case <-ctx.Done():
		return ProcessResult{ExitCode: -1}, ctx.Err()
	}
}

// Cancel stops the container gracefully, then force-kills whatever is left
// if the deadline passes.
func (h *dockerHandle) Cancel(ctx context.Context) error {
	var env []string
	if h.launcher.cfg.DockerHost != "" {
		env = []string{"DOCKER_HOST=" + h.launcher.cfg.DockerHost}
	}
	wait := 10
	if dl, ok := ctx.Deadline(); ok {
		if secs := int(time.Until(dl).Seconds()) - 1; secs >= 0 && secs < wait {
			wait = secs
		}
	}
	_, stderr, code, err := h.launcher.runner.Run(ctx, env, "docker", "stop", "-t", strconv.Itoa(wait), h.name)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("docker stop %s: %w", h.name, err)
	}
	if code != 0 && !isNoSuchContainer(stderr) {
		h.launcher.logger.Warn("docker stop failed", "name", h.name, "exit_code", code, "stderr", stderr)
	}

	done := make(chan struct{})
	go func() {
		_, _ = h.proc.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.proc.Kill(killCtx)
		return fmt.Errorf("orchestrator %s: %w", h.name, ErrStopTimeout)
	}
}
