package attempt

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/me/attemptrun/pkg/model"
)

// Heartbeater sends liveness signals to the orchestration engine.
type Heartbeater interface {
	Heartbeat(ctx context.Context, id model.JobRunIdentity) (model.HeartbeatAck, error)
}

// RunFunc is the blocking work a Supervisor runs.
type RunFunc func(ctx context.Context) (*model.AttemptResult, error)

// Outcome is what a supervised run produced.
type Outcome struct {
	Result *model.AttemptResult
	Err    error

	// Cancelled is set when a cancellation notification won the race
	// against the run's completion.
	Cancelled bool
	// Acknowledged is set for cancellations when the run returned within
	// the grace period.
	Acknowledged bool
}

// Supervisor runs blocking work while sending periodic heartbeats, and
// abandons the work after a grace period once cancellation is requested.
type Supervisor struct {
	heartbeater Heartbeater
	interval    time.Duration
	grace       time.Duration
	logger      *slog.Logger
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(hb Heartbeater, interval, grace time.Duration, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		heartbeater: hb,
		interval:    interval,
		grace:       grace,
		logger:      logger.With("component", "heartbeat"),
	}
}

// Supervise calls run on its own goroutine and heartbeats for id until run
// returns or bridge accepts a cancellation. The heartbeat loop is stopped,
// and any in-flight heartbeat finished, before run's result is handed back,
// so no tick starts after Supervise returns. A single tick that was already
// due may still start between run returning and the loop being stopped.
//
// A run that returns after ctx was cancelled is treated as cancelled, even
// when the backend noticed ctx before bridge did.
func (s *Supervisor) Supervise(ctx context.Context, id model.JobRunIdentity, bridge *Bridge, run RunFunc) Outcome {
	loop := s.startLoop(ctx, id, bridge)

	done := make(chan Outcome, 1)
	go func() {
		res, err := run(ctx)
		if ctx.Err() != nil {
			bridge.Notify()
		}
		loop.stop()
		if !bridge.Disarm() {
			done <- Outcome{Result: res, Err: err, Cancelled: true}
			return
		}
		done <- Outcome{Result: res, Err: err}
	}()

	select {
	case out := <-done:
		if !out.Cancelled {
			return out
		}
		// The run finished after cancellation was accepted. Cancellation
		// still wins; the run has returned, so it is acknowledged.
		return Outcome{Result: out.Result, Err: out.Err, Cancelled: true, Acknowledged: true}
	case <-bridge.Requested():
	}

	loop.stop()
	s.logger.Info("cancellation requested, waiting for backend", "grace_period", s.grace)

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case out := <-done:
		return Outcome{Result: out.Result, Err: out.Err, Cancelled: true, Acknowledged: true}
	case <-timer.C:
		s.logger.Warn("backend did not stop within grace period", "grace_period", s.grace)
		return Outcome{Cancelled: true}
	}
}

// heartbeatLoop sends a heartbeat per tick until stopped.
type heartbeatLoop struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
}

func (s *Supervisor) startLoop(ctx context.Context, id model.JobRunIdentity, bridge *Bridge) *heartbeatLoop {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &heartbeatLoop{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx, l, id, bridge)
			}
		}
	}()
	return l
}

// tick holds the loop lock for the whole send, so stop waits for an
// in-flight heartbeat and no heartbeat starts after stop.
func (s *Supervisor) tick(ctx context.Context, l *heartbeatLoop, id model.JobRunIdentity, bridge *Bridge) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	ack, err := s.heartbeater.Heartbeat(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("heartbeat failed", "job_id", id.JobID, "attempt", id.AttemptNumber, "error", err)
		}
		return
	}
	if ack.CancelRequested {
		s.logger.Info("engine requested cancellation", "job_id", id.JobID, "attempt", id.AttemptNumber)
		bridge.Notify()
	}
}

// stop cancels any in-flight heartbeat, prevents further ticks and waits
// for the loop goroutine to exit. Safe to call more than once.
func (l *heartbeatLoop) stop() {
	l.cancel()
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	<-l.done
}
