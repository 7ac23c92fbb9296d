package attempt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/attemptrun/internal/backend"
	"github.com/me/attemptrun/pkg/model"
)

// eventLog records events from concurrent goroutines in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (tr *eventLog) add(e string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.events = append(tr.events, e)
}

func (tr *eventLog) snapshot() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.events...)
}

func (tr *eventLog) count(e string) int {
	n := 0
	for _, ev := range tr.snapshot() {
		if ev == e {
			n++
		}
	}
	return n
}

// fakeHeartbeater records each heartbeat in a trace.
type fakeHeartbeater struct {
	trace  *eventLog
	err    error
	cancel atomic.Bool // reply with cancel_requested
	calls  atomic.Int32
}

func (f *fakeHeartbeater) Heartbeat(context.Context, model.JobRunIdentity) (model.HeartbeatAck, error) {
	f.calls.Add(1)
	if f.trace != nil {
		f.trace.add("tick")
	}
	if f.err != nil {
		return model.HeartbeatAck{}, f.err
	}
	return model.HeartbeatAck{CancelRequested: f.cancel.Load()}, nil
}

// fakeBackend is a backend whose run blocks until released or stopped.
type fakeBackend struct {
	kind       model.BackendKind
	result     *model.AttemptResult
	err        error
	release    chan struct{} // nil: return immediately
	ignoreStop bool          // Stop does not unblock Run
	honorCtx   bool          // Run also returns when its ctx is done
	runDelay   time.Duration

	started   chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
	stopCalls atomic.Int32
	runCalls  atomic.Int32
	input     model.AttemptInput
}

func newFakeBackend(kind model.BackendKind) *fakeBackend {
	return &fakeBackend{
		kind:    kind,
		result:  &model.AttemptResult{Backend: kind, ExitCode: 0, Stdout: "ok"},
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (b *fakeBackend) Kind() model.BackendKind { return b.kind }

func (b *fakeBackend) Run(ctx context.Context, input model.AttemptInput) (*model.AttemptResult, error) {
	b.runCalls.Add(1)
	b.input = input
	close(b.started)
	if b.runDelay > 0 {
		time.Sleep(b.runDelay)
	}
	if b.release != nil {
		stopped := b.stopped
		if b.ignoreStop {
			stopped = nil
		}
		var ctxDone <-chan struct{}
		if b.honorCtx {
			ctxDone = ctx.Done()
		}
		select {
		case <-b.release:
		case <-stopped:
			return &model.AttemptResult{Backend: b.kind, ExitCode: 137}, backend.ErrStopped
		case <-ctxDone:
			return &model.AttemptResult{Backend: b.kind, ExitCode: 137}, backend.ErrStopped
		}
	}
	return b.result, b.err
}

func (b *fakeBackend) Stop(context.Context) error {
	b.stopCalls.Add(1)
	b.stopOnce.Do(func() { close(b.stopped) })
	return nil
}

// fakeFactories counts selector and factory calls.
type fakeFactories struct {
	backend    *fakeBackend
	err        error
	selects    atomic.Int32
	builds     atomic.Int32
	lastRemote atomic.Bool
}

func (f *fakeFactories) selectFactory(remote bool) backend.Factory {
	f.selects.Add(1)
	f.lastRemote.Store(remote)
	return func(context.Context, backend.Job) (backend.Backend, error) {
		f.builds.Add(1)
		if f.err != nil {
			return nil, f.err
		}
		return f.backend, nil
	}
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []model.AttemptRecord
	block   bool
}

func (r *fakeRecorder) RecordAttempt(ctx context.Context, rec *model.AttemptRecord) error {
	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *rec)
	return nil
}

func (r *fakeRecorder) states() []model.AttemptState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AttemptState, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.State
	}
	return out
}

func (r *fakeRecorder) last() model.AttemptRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[len(r.records)-1]
}

type fakeWatcher struct {
	trigger chan struct{}
}

func (w *fakeWatcher) WatchCancel(ctx context.Context, _ model.JobRunIdentity, notify func()) {
	select {
	case <-ctx.Done():
	case <-w.trigger:
		notify()
		notify()
	}
}

type fakeShipper struct {
	mu      sync.Mutex
	shipped []*model.AttemptResult
	block   bool // Ship waits for its ctx like an unreachable endpoint
	lastErr error
}

func (s *fakeShipper) Ship(ctx context.Context, _ model.JobRunIdentity, r *model.AttemptResult) error {
	if s.block {
		<-ctx.Done()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = ctx.Err()
	s.shipped = append(s.shipped, r)
	return s.lastErr
}

var errUnreachable = errors.New("dial tcp 127.0.0.1:1: connection refused")
