package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/me/attemptrun/internal/config"
	"github.com/me/attemptrun/pkg/model"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

var _ Store = (*SQLStore)(nil)

// SQLStore implements Store on SQLite (modernc) or PostgreSQL (pgx).
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

// Open opens the store described by cfg.
func Open(cfg config.StoreConfig, logger *slog.Logger) (*SQLStore, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(cfg.DSN, logger)
	case "postgres":
		return NewPostgresStore(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLStore{
		db:      db,
		dialect: dialectSQLite,
		logger:  logger.With("component", "store", "driver", "sqlite"),
	}, nil
}

// NewPostgresStore connects to PostgreSQL through the pgx stdlib driver.
func NewPostgresStore(dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &SQLStore{
		db:      db,
		dialect: dialectPostgres,
		logger:  logger.With("component", "store", "driver", "postgres"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db, s.dialect)
}

// rebind rewrites ? placeholders for the store's dialect.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

// --- Jobs ---

func (s *SQLStore) CreateJob(ctx context.Context, scope string) (*model.Job, error) {
	s.logger.Debug("sql", "op", "insert", "table", "jobs")
	job := &model.Job{Scope: scope, CreatedAt: time.Now().UTC().Truncate(time.Millisecond)}
	err := s.queryRow(ctx,
		`INSERT INTO jobs (scope, created_at) VALUES (?, ?) RETURNING id`,
		scope, job.CreatedAt.Format(time.RFC3339Nano),
	).Scan(&job.ID)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob returns the job, or nil if it does not exist.
func (s *SQLStore) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)
	var job model.Job
	var createdAt string
	err := s.queryRow(ctx, `SELECT id, scope, created_at FROM jobs WHERE id = ?`, id).
		Scan(&job.ID, &job.Scope, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.CreatedAt = parseTime(createdAt)
	return &job, nil
}

// ListJobs returns a page of jobs, newest first, and the number of jobs
// matching opts.
func (s *SQLStore) ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error) {
	opts.Clamp()
	s.logger.Debug("sql", "op", "list", "table", "jobs", "limit", opts.Limit, "offset", opts.Offset, "scope", opts.Scope)

	where, args := "", []any{}
	if opts.Scope != "" {
		where, args = " WHERE scope = ?", append(args, opts.Scope)
	}

	var total int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.query(ctx,
		`SELECT id, scope, created_at FROM jobs`+where+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		var job model.Job
		var createdAt string
		if err := rows.Scan(&job.ID, &job.Scope, &createdAt); err != nil {
			return nil, 0, err
		}
		job.CreatedAt = parseTime(createdAt)
		jobs = append(jobs, &job)
	}
	return jobs, total, rows.Err()
}

// --- Attempts ---

const attemptColumns = `job_id, attempt_number, state, backend, error_kind, error, exit_code,
	cancel_requested, heartbeats, last_heartbeat, started_at, completed_at`

// RecordAttempt inserts or updates an attempt's lifecycle fields. The
// engine-owned fields (cancel_requested, heartbeats) are never overwritten.
func (s *SQLStore) RecordAttempt(ctx context.Context, rec *model.AttemptRecord) error {
	s.logger.Debug("sql", "op", "upsert", "table", "attempts", "job_id", rec.JobID, "attempt", rec.AttemptNumber, "state", rec.State)
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx,
		`INSERT INTO attempts (job_id, attempt_number, state, backend, error_kind, error, exit_code, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id, attempt_number) DO UPDATE SET
		   state = excluded.state,
		   backend = excluded.backend,
		   error_kind = excluded.error_kind,
		   error = excluded.error,
		   exit_code = excluded.exit_code,
		   started_at = excluded.started_at,
		   completed_at = excluded.completed_at`,
		rec.JobID, rec.AttemptNumber, string(rec.State), string(rec.Backend), rec.ErrorKind, rec.Error,
		nullInt(rec.ExitCode), rec.StartedAt.Format(time.RFC3339Nano), nullTime(rec.CompletedAt),
	)
	return err
}

// GetAttempt returns the attempt, or nil if it does not exist.
func (s *SQLStore) GetAttempt(ctx context.Context, id model.JobRunIdentity) (*model.AttemptRecord, error) {
	s.logger.Debug("sql", "op", "select", "table", "attempts", "job_id", id.JobID, "attempt", id.AttemptNumber)
	row := s.queryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE job_id = ? AND attempt_number = ?`,
		id.JobID, id.AttemptNumber)
	rec, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *SQLStore) ListAttempts(ctx context.Context, jobID int64) ([]*model.AttemptRecord, error) {
	s.logger.Debug("sql", "op", "list", "table", "attempts", "job_id", jobID)
	rows, err := s.query(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE job_id = ? ORDER BY attempt_number`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.AttemptRecord
	for rows.Next() {
		rec, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordHeartbeat counts a liveness signal, creating a RUNNING attempt
// record on first contact, and returns the updated record.
func (s *SQLStore) RecordHeartbeat(ctx context.Context, id model.JobRunIdentity, at time.Time) (*model.AttemptRecord, error) {
	s.logger.Debug("sql", "op", "heartbeat", "table", "attempts", "job_id", id.JobID, "attempt", id.AttemptNumber)
	ts := at.UTC().Format(time.RFC3339Nano)
	_, err := s.exec(ctx,
		`INSERT INTO attempts (job_id, attempt_number, state, heartbeats, last_heartbeat, started_at)
		 VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT (job_id, attempt_number) DO UPDATE SET
		   heartbeats = attempts.heartbeats + 1,
		   last_heartbeat = excluded.last_heartbeat`,
		id.JobID, id.AttemptNumber, string(model.AttemptStateRunning), ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("record heartbeat: %w", err)
	}
	return s.GetAttempt(ctx, id)
}

// RequestCancel flags a non-terminal attempt for cancellation. It returns
// nil if the attempt does not exist and the unchanged record if it has
// already finished.
func (s *SQLStore) RequestCancel(ctx context.Context, id model.JobRunIdentity) (*model.AttemptRecord, error) {
	s.logger.Debug("sql", "op", "cancel", "table", "attempts", "job_id", id.JobID, "attempt", id.AttemptNumber)
	_, err := s.exec(ctx,
		`UPDATE attempts SET cancel_requested = 1
		 WHERE job_id = ? AND attempt_number = ? AND state NOT IN (?, ?, ?)`,
		id.JobID, id.AttemptNumber,
		string(model.AttemptStateSucceeded), string(model.AttemptStateFailed), string(model.AttemptStateCancelled),
	)
	if err != nil {
		return nil, fmt.Errorf("request cancel: %w", err)
	}
	return s.GetAttempt(ctx, id)
}

// --- Secrets ---

// ReadSecret implements secrets.Persistence.
func (s *SQLStore) ReadSecret(ctx context.Context, coordinate string) (string, bool, error) {
	s.logger.Debug("sql", "op", "select", "table", "secrets")
	var value string
	err := s.queryRow(ctx, `SELECT value FROM secrets WHERE coordinate = ?`, coordinate).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read secret: %w", err)
	}
	return value, true, nil
}

// WriteSecret stores or replaces the value for coordinate.
func (s *SQLStore) WriteSecret(ctx context.Context, coordinate, value string) error {
	s.logger.Debug("sql", "op", "upsert", "table", "secrets")
	_, err := s.exec(ctx,
		`INSERT INTO secrets (coordinate, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (coordinate) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		coordinate, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write secret: %w", err)
	}
	return nil
}

// --- helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (*model.AttemptRecord, error) {
	var rec model.AttemptRecord
	var state, backend string
	var exitCode sql.NullInt64
	var cancelRequested int
	var lastHeartbeat, completedAt sql.NullString
	var startedAt string

	err := row.Scan(&rec.JobID, &rec.AttemptNumber, &state, &backend, &rec.ErrorKind, &rec.Error, &exitCode,
		&cancelRequested, &rec.Heartbeats, &lastHeartbeat, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	rec.State = model.AttemptState(state)
	rec.Backend = model.BackendKind(backend)
	rec.CancelRequested = cancelRequested != 0
	rec.StartedAt = parseTime(startedAt)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if lastHeartbeat.Valid {
		t := parseTime(lastHeartbeat.String)
		rec.LastHeartbeat = &t
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
