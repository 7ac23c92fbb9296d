package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/me/attemptrun/pkg/model"
)

// ProcessSpec describes a subordinate process.
type ProcessSpec struct {
	Name       string            // Container name (docker) or label (host)
	Image      string            // Container image (empty for host execution)
	Command    []string          // Command and arguments
	Env        map[string]string // Environment variables
	Stdin      []byte            // Written to the process's stdin, then closed
	WorkDir    string            // Working directory on the host
	Resources  model.ResourceRequirements
	DockerHost string // DOCKER_HOST for the docker CLI; empty uses the default
	Network    string // Docker network to attach to
}

// ProcessResult captures the output of a finished process.
type ProcessResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Process is a started subordinate process.
type Process interface {
	// Wait blocks until the process exits.
	Wait() (ProcessResult, error)
	// Kill terminates the process and everything it spawned. It is safe to
	// call after the process has exited and more than once.
	Kill(ctx context.Context) error
}

// ProcessFactory starts subordinate processes.
type ProcessFactory interface {
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
}

// CommandRunner abstracts one-shot command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, env []string, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// osCommandRunner is the real implementation using os/exec.
type osCommandRunner struct{}

func (r *osCommandRunner) Run(ctx context.Context, env []string, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return stdout, stderr, 0, nil
	case errors.As(runErr, &exitErr):
		return stdout, stderr, exitErr.ExitCode(), nil
	default:
		return stdout, stderr, -1, runErr
	}
}

// HostProcessFactory runs commands directly on the host, each in its own
// process group so the whole tree can be reclaimed.
type HostProcessFactory struct{}

// NewHostProcessFactory creates a HostProcessFactory.
func NewHostProcessFactory() *HostProcessFactory {
	return &HostProcessFactory{}
}

// Start implements ProcessFactory.
func (f *HostProcessFactory) Start(_ context.Context, spec ProcessSpec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("host process: empty command")
	}
	return startOSProcess(spec.Command, envList(spec.Env), spec.WorkDir, spec.Stdin, nil)
}

// DockerProcessFactory runs a container in the foreground through the
// docker CLI. Killing the process kills the container.
type DockerProcessFactory struct {
	runner CommandRunner
}

// NewDockerProcessFactory creates a DockerProcessFactory.
func NewDockerProcessFactory() *DockerProcessFactory {
	return &DockerProcessFactory{runner: &osCommandRunner{}}
}

func newDockerProcessFactoryWithRunner(runner CommandRunner) *DockerProcessFactory {
	return &DockerProcessFactory{runner: runner}
}

// Start implements ProcessFactory.
func (f *DockerProcessFactory) Start(_ context.Context, spec ProcessSpec) (Process, error) {
	args, err := dockerRunArgs(spec)
	if err != nil {
		return nil, err
	}
	var env []string
	if spec.DockerHost != "" {
		env = []string{"DOCKER_HOST=" + spec.DockerHost}
	}
	kill := func(ctx context.Context) error {
		_, stderr, code, err := f.runner.Run(ctx, env, "docker", "kill", spec.Name)
		if err != nil {
			return fmt.Errorf("docker kill %s: %w", spec.Name, err)
		}
		if code != 0 && !isNoSuchContainer(stderr) {
			return fmt.Errorf("docker kill %s: exit %d: %s", spec.Name, code, stderr)
		}
		return nil
	}
	return startOSProcess(append([]string{"docker"}, args...), env, spec.WorkDir, spec.Stdin, kill)
}

// dockerRunArgs builds the `docker run` argument list for spec.
func dockerRunArgs(spec ProcessSpec) ([]string, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("docker process: image is required")
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("docker process: name is required")
	}

	args := []string{"run", "--rm", "-i", "--name", spec.Name}

	if cpus, err := spec.Resources.CPULimitCores(); err != nil {
		return nil, err
	} else if cpus > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(cpus, 'f', -1, 64))
	}
	if mem, err := spec.Resources.MemoryLimitBytes(); err != nil {
		return nil, err
	} else if mem > 0 {
		args = append(args, "--memory", strconv.FormatUint(mem, 10))
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}

	// Environment variables, sorted for stable argument lists.
	for _, kv := range envList(spec.Env) {
		args = append(args, "-e", kv)
	}

	if spec.WorkDir != "" {
		args = append(args, "-v", spec.WorkDir+":/workspace", "-w", "/workspace")
	}

	args = append(args, spec.Image)
	args = append(args, spec.Command...)
	return args, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func isNoSuchContainer(stderr string) bool {
	return strings.Contains(stderr, "No such container") || strings.Contains(stderr, "is not running")
}

const pipeWaitDelay = 5 * time.Second

// osProcess is a Process backed by os/exec.
type osProcess struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
	done   chan struct{}
	result ProcessResult
	err    error

	// extraKill runs before the process group is signalled (docker kill).
	extraKill func(ctx context.Context) error
	killOnce  sync.Once
	killErr   error
}

func startOSProcess(argv, env []string, dir string, stdin []byte, extraKill func(context.Context) error) (*osProcess, error) {
	p := &osProcess{
		done:      make(chan struct{}),
		extraKill: extraKill,
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr
	// Orphans holding the output pipes must not block Wait forever.
	cmd.WaitDelay = pipeWaitDelay
	setProcessGroup(cmd)
	p.cmd = cmd

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	go func() {
		defer close(p.done)
		waitErr := cmd.Wait()
		p.result = ProcessResult{Stdout: p.stdout.String(), Stderr: p.stderr.String()}
		var exitErr *exec.ExitError
		switch {
		case waitErr == nil, errors.Is(waitErr, exec.ErrWaitDelay):
			p.result.ExitCode = 0
		case errors.As(waitErr, &exitErr):
			p.result.ExitCode = exitErr.ExitCode()
		default:
			p.result.ExitCode = -1
			p.err = fmt.Errorf("wait %s: %w", argv[0], waitErr)
		}
	}()
	return p, nil
}

func (p *osProcess) Wait() (ProcessResult, error) {
	<-p.done
	return p.result, p.err
}

func (p *osProcess) Kill(ctx context.Context) error {
	p.killOnce.Do(func() {
		if p.extraKill != nil {
			select {
			case <-p.done:
			default:
				p.killErr = p.extraKill(ctx)
			}
		}
		// Reclaim the whole group even after the leader exited: children
		// may outlive it.
		killProcessGroup(p.cmd)
		select {
		case <-p.done:
		case <-ctx.Done():
			if p.killErr == nil {
				p.killErr = fmt.Errorf("process %d did not exit: %w", p.cmd.Process.Pid, ctx.Err())
			}
		}
	})
	return p.killErr
}
