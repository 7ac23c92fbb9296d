// Package attempt coordinates a single attempt of a transformation job:
// it hydrates and validates the input, builds the backend, and runs it
// under heartbeat and cancellation supervision.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/me/attemptrun/internal/backend"
	"github.com/me/attemptrun/internal/logging"
	"github.com/me/attemptrun/pkg/model"
)

// Defaults used when no option overrides them.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultGracePeriod       = 30 * time.Second
	DefaultRecordTimeout     = 15 * time.Second
	DefaultUploadTimeout     = 30 * time.Second
)

// Hydrator resolves secret references in a configuration.
type Hydrator interface {
	Hydrate(ctx context.Context, raw map[string]any) (map[string]any, error)
}

// Validator checks a document against a named schema.
type Validator interface {
	Validate(schemaID string, doc any) error
}

// CancelWatcher delivers external cancellation notifications for an
// attempt until ctx is done.
type CancelWatcher interface {
	WatchCancel(ctx context.Context, id model.JobRunIdentity, notify func())
}

// Recorder persists attempt progress. Records never carry the input.
type Recorder interface {
	RecordAttempt(ctx context.Context, rec *model.AttemptRecord) error
}

// LogShipper stores the output of a finished run.
type LogShipper interface {
	Ship(ctx context.Context, id model.JobRunIdentity, result *model.AttemptResult) error
}

// Request is everything needed to run one attempt.
type Request struct {
	ID        model.JobRunIdentity
	Launch    model.LaunchDescriptor
	Resources model.ResourceRequirements
	Input     model.AttemptInput
}

// Executor runs attempts. It is safe for concurrent use; all per-attempt
// state lives in Execute.
type Executor struct {
	hydrator    Hydrator
	validator   Validator
	heartbeater Heartbeater
	remote      bool
	factories   func(remote bool) backend.Factory

	watcher       CancelWatcher
	recorder      Recorder
	logs          LogShipper
	interval      time.Duration
	grace         time.Duration
	recordTimeout time.Duration
	uploadTimeout time.Duration
	tracer        trace.Tracer
	logger        *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithHeartbeatInterval sets the heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithGracePeriod bounds how long a cancelled attempt waits for its
// backend to stop.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.grace = d
		}
	}
}

// WithCancelWatcher adds a source of external cancellation notifications.
func WithCancelWatcher(w CancelWatcher) Option {
	return func(e *Executor) { e.watcher = w }
}

// WithRecorder records attempt progress.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithLogShipper ships run output after each attempt.
func WithLogShipper(s LogShipper) Option {
	return func(e *Executor) { e.logs = s }
}

// WithRecordTimeout bounds each attempt record write.
func WithRecordTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.recordTimeout = d
		}
	}
}

// WithUploadTimeout bounds the log upload after each attempt.
func WithUploadTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.uploadTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithTracer sets the tracer used for attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithFactories replaces backend selection. select receives the remote
// flag the executor was built with.
func WithFactories(sel func(remote bool) backend.Factory) Option {
	return func(e *Executor) { e.factories = sel }
}

// New creates an Executor. The presence of deps.Remote selects the remote
// backend for every attempt this executor runs.
func New(h Hydrator, v Validator, hb Heartbeater, deps backend.Deps, opts ...Option) *Executor {
	e := &Executor{
		hydrator:    h,
		validator:   v,
		heartbeater: hb,
		remote:      deps.Remote != nil,
		factories: func(remote bool) backend.Factory {
			return backend.Select(remote, deps)
		},
		interval:      DefaultHeartbeatInterval,
		grace:         DefaultGracePeriod,
		recordTimeout: DefaultRecordTimeout,
		uploadTimeout: DefaultUploadTimeout,
		tracer:        otel.Tracer("attemptrun/attempt"),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one attempt: hydrate, validate, construct the backend, then
// run it under heartbeat and cancellation supervision. It returns the
// result or exactly one *Error; never both.
func (e *Executor) Execute(ctx context.Context, req Request) (*model.AttemptResult, error) {
	logger := logging.ForAttempt(e.logger, req.ID).With("component", "executor")

	ctx, span := e.tracer.Start(ctx, "attempt.execute",
		trace.WithAttributes(
			attribute.Int64("job.id", req.ID.JobID),
			attribute.Int("attempt.number", req.ID.AttemptNumber),
			attribute.Bool("backend.remote", e.remote),
		),
	)
	defer span.End()

	rec := &model.AttemptRecord{
		JobID:         req.ID.JobID,
		AttemptNumber: req.ID.AttemptNumber,
		State:         model.AttemptStatePending,
		StartedAt:     time.Now().UTC(),
	}
	fail := func(kind error, backendKind model.BackendKind, cause error) *Error {
		err := &Error{Kind: kind, ID: req.ID, Backend: backendKind, Err: cause}
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.Error())
		return err
	}

	if err := req.ID.Validate(); err != nil {
		return nil, fail(ErrSetup, "", err)
	}
	e.record(ctx, logger, rec)

	// 1. Hydrate.
	hydrated, err := e.hydrator.Hydrate(ctx, req.Input.DestinationConfiguration)
	if err != nil {
		logger.Error("secret hydration failed", "error", err)
		return nil, e.finish(ctx, logger, rec, nil, fail(ErrResolution, "", err))
	}
	input := req.Input.WithHydratedConfiguration(hydrated)
	span.AddEvent("hydrated")

	// 2. Validate.
	doc, err := input.Document()
	if err == nil {
		err = e.validator.Validate(input.Schema(), doc)
	}
	if err != nil {
		logger.Error("input validation failed", "schema_id", input.Schema(), "error", err)
		return nil, e.finish(ctx, logger, rec, nil, fail(ErrValidation, "", err))
	}
	span.AddEvent("validated")

	// 3. Select and construct the backend.
	b, err := e.factories(e.remote)(ctx, backend.Job{ID: req.ID, Launch: req.Launch, Resources: req.Resources})
	if err != nil {
		kind := model.BackendLocal
		if e.remote {
			kind = model.BackendRemote
		}
		logger.Error("backend setup failed", "backend", kind, "error", err)
		return nil, e.finish(ctx, logger, rec, nil, fail(ErrSetup, kind, err))
	}
	rec.Backend = b.Kind()
	logger = logger.With("backend", b.Kind())
	span.SetAttributes(attribute.String("backend.kind", string(b.Kind())))

	// 4. Arm cancellation.
	bridge := NewBridge(func() error {
		return b.Stop(context.WithoutCancel(ctx))
	})
	stopOnDone := context.AfterFunc(ctx, func() { bridge.Notify() })
	defer stopOnDone()
	if e.watcher != nil {
		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		go e.watcher.WatchCancel(watchCtx, req.ID, func() { bridge.Notify() })
	}

	// 5. Run under supervision.
	rec.State = model.AttemptStateRunning
	rec.StartedAt = time.Now().UTC()
	e.record(ctx, logger, rec)
	logger.Info("attempt started", "input", input, "resources", req.Resources.String())

	sup := NewSupervisor(e.heartbeater, e.interval, e.grace, logger)
	out := sup.Supervise(ctx, req.ID, bridge, func(ctx context.Context) (*model.AttemptResult, error) {
		return b.Run(ctx, input)
	})

	e.ship(ctx, logger, req.ID, out.Result)

	// 6. Return the result or the first fault.
	switch {
	case out.Cancelled:
		cause := bridge.StopErr()
		if cause == nil {
			cause = out.Err
		}
		if cause == nil && !out.Acknowledged {
			cause = errors.New("backend did not acknowledge termination within the grace period")
		}
		logger.Info("attempt cancelled", "acknowledged", out.Acknowledged)
		err := fail(ErrCancelled, b.Kind(), cause)
		err.Acknowledged = out.Acknowledged
		return nil, e.finish(ctx, logger, rec, out.Result, err)
	case out.Err != nil:
		logger.Error("attempt failed", "error", out.Err)
		return nil, e.finish(ctx, logger, rec, out.Result, fail(ErrExecution, b.Kind(), out.Err))
	case out.Result == nil:
		return nil, e.finish(ctx, logger, rec, nil, fail(ErrExecution, b.Kind(), fmt.Errorf("backend returned no result")))
	}

	logger.Info("attempt succeeded", "duration", out.Result.Duration())
	span.SetAttributes(attribute.Int("exit_code", out.Result.ExitCode))
	e.finish(ctx, logger, rec, out.Result, nil)
	return out.Result, nil
}

// finish records the terminal state and passes err through.
func (e *Executor) finish(ctx context.Context, logger *slog.Logger, rec *model.AttemptRecord, result *model.AttemptResult, err *Error) error {
	now := time.Now().UTC()
	rec.CompletedAt = &now
	if result != nil {
		code := result.ExitCode
		rec.ExitCode = &code
	}
	switch {
	case err == nil:
		rec.State = model.AttemptStateSucceeded
	case errors.Is(err, ErrCancelled):
		rec.State = model.AttemptStateCancelled
	default:
		rec.State = model.AttemptStateFailed
	}
	if err != nil {
		rec.ErrorKind = KindName(err)
		rec.Error = err.Error()
	}
	e.record(ctx, logger, rec)
	if err == nil {
		return nil
	}
	return err
}

func (e *Executor) record(ctx context.Context, logger *slog.Logger, rec *model.AttemptRecord) {
	if e.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.recordTimeout)
	defer cancel()
	if err := e.recorder.RecordAttempt(ctx, rec); err != nil {
		logger.Warn("record attempt failed", "state", rec.State, "error", err)
	}
}

func (e *Executor) ship(ctx context.Context, logger *slog.Logger, id model.JobRunIdentity, result *model.AttemptResult) {
	if e.logs == nil || result == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.uploadTimeout)
	defer cancel()
	if err := e.logs.Ship(ctx, id, result); err != nil {
		logger.Warn("log upload failed", "error", err)
	}
}
