package store

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/me/attemptrun/internal/config"
	"github.com/me/attemptrun/pkg/model"
)

func testStore(t *testing.T) *SQLStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(config.StoreConfig{Driver: "oracle"}, slog.Default()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: dialectPostgres}
	got := pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?")
	if got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("rebind = %q", got)
	}
	lite := &SQLStore{dialect: dialectSQLite}
	if q := "a = ?"; lite.rebind(q) != q {
		t.Error("sqlite rebind changed the query")
	}
}

func TestJobs_CreateGetList(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	first, err := st.CreateJob(ctx, "3f1c9a52-2b9e-4c55-a0c9-7f3b1d2e8a41")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	second, err := st.CreateJob(ctx, "workspace-2")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if first.ID == 0 || second.ID <= first.ID {
		t.Errorf("ids = %d, %d; want increasing", first.ID, second.ID)
	}

	got, err := st.GetJob(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got == nil || got.Scope != first.Scope {
		t.Errorf("GetJob = %+v", got)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, first.CreatedAt)
	}

	missing, err := st.GetJob(ctx, 999)
	if err != nil || missing != nil {
		t.Errorf("GetJob(999) = %v, %v; want nil, nil", missing, err)
	}

	jobs, total, err := st.ListJobs(ctx, model.ListOptions{Limit: 1})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 2 || len(jobs) != 1 || jobs[0].ID != second.ID {
		t.Errorf("ListJobs = %d jobs (total %d), first %+v", len(jobs), total, jobs[0])
	}

	scoped, total, err := st.ListJobs(ctx, model.ListOptions{Scope: second.Scope})
	if err != nil {
		t.Fatalf("ListJobs(scope): %v", err)
	}
	if total != 1 || len(scoped) != 1 || scoped[0].ID != second.ID {
		t.Errorf("ListJobs(scope %q) = %d jobs (total %d)", second.Scope, len(scoped), total)
	}
}

func TestAttempts_RecordLifecycle(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	id := model.JobRunIdentity{JobID: 5, AttemptNumber: 0}
	started := time.Now().UTC().Truncate(time.Millisecond)

	rec := &model.AttemptRecord{JobID: 5, AttemptNumber: 0, State: model.AttemptStateRunning, Backend: model.BackendLocal, StartedAt: started}
	if err := st.RecordAttempt(ctx, rec); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	completed := started.Add(time.Minute)
	code := 2
	rec.State = model.AttemptStateFailed
	rec.ErrorKind = "execution"
	rec.Error = "transformation exited with code 2"
	rec.ExitCode = &code
	rec.CompletedAt = &completed
	if err := st.RecordAttempt(ctx, rec); err != nil {
		t.Fatalf("RecordAttempt update: %v", err)
	}

	got, err := st.GetAttempt(ctx, id)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if got.State != model.AttemptStateFailed || got.ErrorKind != "execution" || got.Backend != model.BackendLocal {
		t.Errorf("record = %+v", got)
	}
	if got.ExitCode == nil || *got.ExitCode != 2 {
		t.Errorf("exit_code = %v, want 2", got.ExitCode)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, completed)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, started)
	}

	missing, err := st.GetAttempt(ctx, model.JobRunIdentity{JobID: 5, AttemptNumber: 9})
	if err != nil || missing != nil {
		t.Errorf("GetAttempt(missing) = %v, %v", missing, err)
	}
}

func TestAttempts_HeartbeatAndCancel(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	id := model.JobRunIdentity{JobID: 8, AttemptNumber: 1}

	// First heartbeat creates the record.
	rec, err := st.RecordHeartbeat(ctx, id, time.Now())
	if err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	if rec.Heartbeats != 1 || rec.State != model.AttemptStateRunning || rec.CancelRequested {
		t.Errorf("after first heartbeat: %+v", rec)
	}

	rec, err = st.RequestCancel(ctx, id)
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if !rec.CancelRequested {
		t.Error("cancel_requested not set")
	}

	rec, err = st.RecordHeartbeat(ctx, id, time.Now())
	if err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	if rec.Heartbeats != 2 || !rec.CancelRequested || rec.LastHeartbeat == nil {
		t.Errorf("after second heartbeat: %+v", rec)
	}

	// Lifecycle updates keep the engine-owned fields.
	if err := st.RecordAttempt(ctx, &model.AttemptRecord{JobID: 8, AttemptNumber: 1, State: model.AttemptStateCancelled}); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	rec, _ = st.GetAttempt(ctx, id)
	if rec.Heartbeats != 2 || !rec.CancelRequested {
		t.Errorf("RecordAttempt clobbered engine fields: %+v", rec)
	}
}

func TestRequestCancel_TerminalIsNoop(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	id := model.JobRunIdentity{JobID: 3, AttemptNumber: 0}
	if err := st.RecordAttempt(ctx, &model.AttemptRecord{JobID: 3, State: model.AttemptStateSucceeded}); err != nil {
		t.Fatal(err)
	}
	rec, err := st.RequestCancel(ctx, id)
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if rec.CancelRequested {
		t.Error("cancel requested on a finished attempt")
	}

	missing, err := st.RequestCancel(ctx, model.JobRunIdentity{JobID: 4})
	if err != nil || missing != nil {
		t.Errorf("RequestCancel(missing) = %v, %v", missing, err)
	}
}

func TestListAttempts(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	for n := 2; n >= 0; n-- {
		if err := st.RecordAttempt(ctx, &model.AttemptRecord{JobID: 11, AttemptNumber: n, State: model.AttemptStateFailed}); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := st.ListAttempts(ctx, 11)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(recs) != 3 || recs[0].AttemptNumber != 0 || recs[2].AttemptNumber != 2 {
		t.Errorf("ListAttempts = %+v", recs)
	}
}

func TestSecrets(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, ok, err := st.ReadSecret(ctx, "db_password"); err != nil || ok {
		t.Fatalf("ReadSecret(missing) ok=%v err=%v", ok, err)
	}
	if err := st.WriteSecret(ctx, "db_password", "v1"); err != nil {
		t.Fatalf("WriteSecret: %v", err)
	}
	if err := st.WriteSecret(ctx, "db_password", "v2"); err != nil {
		t.Fatalf("WriteSecret overwrite: %v", err)
	}
	v, ok, err := st.ReadSecret(ctx, "db_password")
	if err != nil || !ok || v != "v2" {
		t.Errorf("ReadSecret = %q, %v, %v; want v2", v, ok, err)
	}
}
