package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/me/attemptrun/internal/config"
	"github.com/me/attemptrun/internal/engine"
	"github.com/me/attemptrun/internal/logging"
	"github.com/me/attemptrun/pkg/model"
)

func attemptURL(jobID int64, n int) string {
	return fmt.Sprintf("/api/v1/jobs/%d/attempts/%d", jobID, n)
}

func createJob(t *testing.T, srv http.Handler) model.Job {
	t.Helper()
	return decode[model.Job](t, do(t, srv, "POST", "/api/v1/jobs", `{"scope":"conn"}`, http.StatusCreated).Data)
}

func putState(t *testing.T, srv http.Handler, jobID int64, n int, state model.AttemptState, want int) envelope {
	t.Helper()
	body, _ := json.Marshal(model.AttemptRecord{State: state, Backend: model.BackendLocal, StartedAt: time.Now().UTC()})
	return do(t, srv, "PUT", attemptURL(jobID, n), string(body), want)
}

func TestRecordAttempt_Lifecycle(t *testing.T) {
	srv := testServer(t)
	job := createJob(t, srv)

	putState(t, srv, job.ID, 1, model.AttemptStatePending, http.StatusOK)
	putState(t, srv, job.ID, 1, model.AttemptStatePending, http.StatusOK)
	putState(t, srv, job.ID, 1, model.AttemptStateRunning, http.StatusOK)

	exit := 0
	body, _ := json.Marshal(model.AttemptRecord{
		JobID:     9999, // ignored, the path wins
		State:     model.AttemptStateSucceeded,
		Backend:   model.BackendLocal,
		ExitCode:  &exit,
		StartedAt: time.Now().UTC(),
	})
	env := do(t, srv, "PUT", attemptURL(job.ID, 1), string(body), http.StatusOK)
	rec := decode[model.AttemptRecord](t, env.Data)
	if rec.JobID != job.ID || rec.AttemptNumber != 1 {
		t.Errorf("identity = %d/%d, want %d/1", rec.JobID, rec.AttemptNumber, job.ID)
	}
	if rec.State != model.AttemptStateSucceeded {
		t.Errorf("state = %s, want SUCCEEDED", rec.State)
	}
	if rec.ExitCode == nil || *rec.ExitCode != 0 {
		t.Errorf("exit_code = %v, want 0", rec.ExitCode)
	}

	env = putState(t, srv, job.ID, 1, model.AttemptStateRunning, http.StatusConflict)
	if env.Error == nil || env.Error.Code != model.ErrConflict {
		t.Errorf("error = %+v, want CONFLICT", env.Error)
	}
}

func TestRecordAttempt_Invalid(t *testing.T) {
	srv := testServer(t)
	job := createJob(t, srv)

	env := do(t, srv, "PUT", attemptURL(job.ID, 0), `{"state":"EXPLODED"}`, http.StatusBadRequest)
	if env.Error == nil || env.Error.Code != model.ErrValidation {
		t.Errorf("unknown state: error = %+v, want VALIDATION_ERROR", env.Error)
	}
	do(t, srv, "PUT", attemptURL(job.ID, 0), `{`, http.StatusBadRequest)
	do(t, srv, "PUT", attemptURL(job.ID, -1), `{"state":"PENDING"}`, http.StatusBadRequest)
	do(t, srv, "PUT", attemptURL(job.ID+1, 0), `{"state":"PENDING"}`, http.StatusNotFound)
}

func TestGetAttempt_NotFound(t *testing.T) {
	srv := testServer(t)
	job := createJob(t, srv)

	env := do(t, srv, "GET", attemptURL(job.ID, 3), "", http.StatusNotFound)
	if env.Error == nil || env.Error.Code != model.ErrNotFound {
		t.Errorf("error = %+v, want NOT_FOUND", env.Error)
	}
}

func TestListAttempts(t *testing.T) {
	srv := testServer(t)
	job := createJob(t, srv)
	for n := range 3 {
		putState(t, srv, job.ID, n, model.AttemptStatePending, http.StatusOK)
	}

	env := doGet(t, srv, fmt.Sprintf("/api/v1/jobs/%d/attempts", job.ID))
	recs := decode[[]model.AttemptRecord](t, env.Data)
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	for i, rec := range recs {
		if rec.AttemptNumber != i {
			t.Errorf("recs[%d].attempt_number = %d, want %d", i, rec.AttemptNumber, i)
		}
	}
	if env.Pagination == nil || env.Pagination.Total != 3 {
		t.Errorf("pagination = %+v, want total 3", env.Pagination)
	}
}

func TestHeartbeatAndCancel(t *testing.T) {
	srv := testServer(t)
	job := createJob(t, srv)
	putState(t, srv, job.ID, 0, model.AttemptStateRunning, http.StatusOK)

	ack := decode[model.HeartbeatAck](t, do(t, srv, "PUT", attemptURL(job.ID, 0)+"/heartbeat", "", http.StatusOK).Data)
	if ack.CancelRequested {
		t.Fatal("cancel requested before any cancel call")
	}

	rec := decode[model.AttemptRecord](t, do(t, srv, "PUT", attemptURL(job.ID, 0)+"/cancel", "", http.StatusOK).Data)
	if !rec.CancelRequested {
		t.Error("cancel_requested = false after cancel")
	}

	ack = decode[model.HeartbeatAck](t, do(t, srv, "PUT", attemptURL(job.ID, 0)+"/heartbeat", "", http.StatusOK).Data)
	if !ack.CancelRequested {
		t.Error("heartbeat ack does not carry the cancel request")
	}

	rec = decode[model.AttemptRecord](t, doGet(t, srv, attemptURL(job.ID, 0)).Data)
	if rec.Heartbeats != 2 {
		t.Errorf("heartbeats = %d, want 2", rec.Heartbeats)
	}
	if rec.State != model.AttemptStateRunning {
		t.Errorf("state = %s, want RUNNING until the executor reports", rec.State)
	}
}

func TestHeartbeat_UnknownJob(t *testing.T) {
	srv := testServer(t)
	do(t, srv, "PUT", attemptURL(42, 0)+"/heartbeat", "", http.StatusNotFound)
}

func TestCancelAttempt_Errors(t *testing.T) {
	srv := testServer(t)
	job := createJob(t, srv)

	do(t, srv, "PUT", attemptURL(job.ID, 0)+"/cancel", "", http.StatusNotFound)

	putState(t, srv, job.ID, 0, model.AttemptStateRunning, http.StatusOK)
	putState(t, srv, job.ID, 0, model.AttemptStateFailed, http.StatusOK)
	env := do(t, srv, "PUT", attemptURL(job.ID, 0)+"/cancel", "", http.StatusConflict)
	if env.Error == nil || env.Error.Code != model.ErrConflict {
		t.Errorf("error = %+v, want CONFLICT", env.Error)
	}
}

// TestEngineClientRoundTrip drives the server through the executor's engine
// client.
func TestEngineClientRoundTrip(t *testing.T) {
	srv := New(config.ServerConfig{Token: "tok"}, testStore(t), logging.Discard())
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client := engine.NewClient(config.EngineConfig{
		URL:                ts.URL,
		Token:              "tok",
		RequestTimeout:     2 * time.Second,
		CancelPollInterval: 10 * time.Millisecond,
	}, logging.Discard())
	ctx := context.Background()

	job, err := client.CreateJob(ctx, "6f1c2b9e-0d4a-4c1e-9b55-3f7f2d6a9c10")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	scope, err := client.GetJobScope(ctx, job.ID)
	if err != nil || scope != "6f1c2b9e-0d4a-4c1e-9b55-3f7f2d6a9c10" {
		t.Fatalf("GetJobScope = %q, %v", scope, err)
	}

	id := model.JobRunIdentity{JobID: job.ID, AttemptNumber: 0}
	if err := client.RecordAttempt(ctx, &model.AttemptRecord{
		JobID: id.JobID, AttemptNumber: id.AttemptNumber,
		State: model.AttemptStateRunning, StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	notified := make(chan struct{})
	var once sync.Once
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go client.WatchCancel(watchCtx, id, func() { once.Do(func() { close(notified) }) })

	if _, err := client.RequestCancel(ctx, id); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("WatchCancel did not observe the cancel request")
	}

	ack, err := client.Heartbeat(ctx, id)
	if err != nil || !ack.CancelRequested {
		t.Fatalf("Heartbeat = %+v, %v; want cancel requested", ack, err)
	}

	if _, err := client.GetAttempt(ctx, model.JobRunIdentity{JobID: job.ID, AttemptNumber: 7}); !engine.IsNotFound(err) {
		t.Errorf("GetAttempt missing: err = %v, want NOT_FOUND", err)
	}
}
