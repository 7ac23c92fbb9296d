package backend

import (
	"context"
	"fmt"
	"sync"
)

// mockCommandRunner records calls and returns canned responses.
type mockCommandRunner struct {
	mu      sync.Mutex
	calls   []mockCall
	results []mockResult
	callIdx int
}

type mockCall struct {
	env  []string
	name string
	args []string
}

type mockResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

func (m *mockCommandRunner) Run(_ context.Context, env []string, name string, args ...string) (string, string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockCall{env: env, name: name, args: args})
	if m.callIdx >= len(m.results) {
		return "", "", -1, fmt.Errorf("unexpected call %d", m.callIdx)
	}
	r := m.results[m.callIdx]
	m.callIdx++
	return r.stdout, r.stderr, r.exitCode, r.err
}

// fakeProcess exits when finish is called, or on Kill when exitOnKill is set.
type fakeProcess struct {
	result     ProcessResult
	err        error
	exitOnKill bool

	exit    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	kills   int
	killErr error
}

func newFakeProcess(result ProcessResult) *fakeProcess {
	return &fakeProcess{result: result, exit: make(chan struct{}), exitOnKill: true}
}

func (p *fakeProcess) finish() { p.once.Do(func() { close(p.exit) }) }

func (p *fakeProcess) Wait() (ProcessResult, error) {
	<-p.exit
	return p.result, p.err
}

func (p *fakeProcess) Kill(context.Context) error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	if p.exitOnKill {
		p.finish()
	}
	return p.killErr
}

func (p *fakeProcess) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

// fakeProcessFactory hands out a prepared process and records the spec.
type fakeProcessFactory struct {
	mu       sync.Mutex
	proc     *fakeProcess
	startErr error
	specs    []ProcessSpec
	started  chan struct{}
}

func newFakeProcessFactory(proc *fakeProcess) *fakeProcessFactory {
	return &fakeProcessFactory{proc: proc, started: make(chan struct{}, 1)}
}

func (f *fakeProcessFactory) Start(_ context.Context, spec ProcessSpec) (Process, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	select {
	case f.started <- struct{}{}:
	default:
	}
	return f.proc, nil
}

func (f *fakeProcessFactory) lastSpec() ProcessSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}

// fakeHandle is a Handle whose completion is driven by the test.
type fakeHandle struct {
	result    ProcessResult
	done      chan struct{}
	once      sync.Once
	ackCancel bool

	mu      sync.Mutex
	cancels int
}

func newFakeHandle(result ProcessResult, ackCancel bool) *fakeHandle {
	return &fakeHandle{result: result, done: make(chan struct{}), ackCancel: ackCancel}
}

func (h *fakeHandle) finish() { h.once.Do(func() { close(h.done) }) }

func (h *fakeHandle) Wait(ctx context.Context) (ProcessResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return ProcessResult{ExitCode: -1}, ctx.Err()
	}
}

func (h *fakeHandle) Cancel(ctx context.Context) error {
	h.mu.Lock()
	h.cancels++
	h.mu.Unlock()
	if h.ackCancel {
		h.finish()
		return nil
	}
	<-ctx.Done()
	return ErrStopTimeout
}

func (h *fakeHandle) cancelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancels
}

type fakeLauncher struct {
	handle   *fakeHandle
	err      error
	requests []LaunchRequest
	launched chan struct{}
}

func newFakeLauncher(h *fakeHandle) *fakeLauncher {
	return &fakeLauncher{handle: h, launched: make(chan struct{}, 1)}
}

func (l *fakeLauncher) Launch(_ context.Context, req LaunchRequest) (Handle, error) {
	l.requests = append(l.requests, req)
	if l.err != nil {
		return nil, l.err
	}
	select {
	case l.launched <- struct{}{}:
	default:
	}
	return l.handle, nil
}

type fakeScopes struct {
	scope string
	err   error
	calls int
}

func (f *fakeScopes) GetJobScope(context.Context, int64) (string, error) {
	f.calls++
	return f.scope, f.err
}
