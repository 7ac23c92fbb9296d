package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/attemptrun/pkg/model"
)

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	jobID, ok := parseJobID(w, r, reqID)
	if !ok {
		return
	}
	recs, err := s.store.ListAttempts(r.Context(), jobID)
	if err != nil {
		s.internalError(w, reqID, "list attempts", err)
		return
	}
	if recs == nil {
		recs = []*model.AttemptRecord{}
	}
	respondList(w, reqID, recs, &model.Pagination{Total: len(recs), Limit: len(recs)})
}

func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, ok := parseAttemptID(w, r, reqID)
	if !ok {
		return
	}
	rec, err := s.store.GetAttempt(r.Context(), id)
	if err != nil {
		s.internalError(w, reqID, "get attempt", err)
		return
	}
	if rec == nil {
		respondError(w, reqID, model.NewNotFoundError("Attempt", id.String()))
		return
	}
	respondOK(w, reqID, rec)
}

// handleRecordAttempt stores an attempt record reported by an executor.
// Repeating the current state is accepted; any other change must be a valid
// lifecycle transition.
func (s *Server) handleRecordAttempt(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, ok := parseAttemptID(w, r, reqID)
	if !ok {
		return
	}
	var rec model.AttemptRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		respondError(w, reqID, model.NewValidationError("invalid JSON: "+err.Error()))
		return
	}
	rec.JobID, rec.AttemptNumber = id.JobID, id.AttemptNumber
	switch rec.State {
	case model.AttemptStatePending, model.AttemptStateRunning, model.AttemptStateSucceeded,
		model.AttemptStateFailed, model.AttemptStateCancelled:
	default:
		respondError(w, reqID, model.NewValidationError("invalid attempt state",
			model.FieldError{Field: "state", Message: "unknown state " + strconv.Quote(string(rec.State))}))
		return
	}

	ctx := r.Context()
	job, err := s.store.GetJob(ctx, id.JobID)
	if err != nil {
		s.internalError(w, reqID, "get job", err)
		return
	}
	if job == nil {
		respondError(w, reqID, model.NewNotFoundError("Job", strconv.FormatInt(id.JobID, 10)))
		return
	}

	current, err := s.store.GetAttempt(ctx, id)
	if err != nil {
		s.internalError(w, reqID, "get attempt", err)
		return
	}
	if current != nil && current.State != rec.State && !current.State.CanTransitionTo(rec.State) {
		terr := &model.InvalidTransitionError{ID: id.String(), From: current.State, To: rec.State}
		respondError(w, reqID, terr.APIError())
		return
	}
	if current != nil && !current.StartedAt.IsZero() {
		rec.StartedAt = current.StartedAt
	}

	if err := s.store.RecordAttempt(ctx, &rec); err != nil {
		s.internalError(w, reqID, "record attempt", err)
		return
	}
	stored, err := s.store.GetAttempt(ctx, id)
	if err != nil || stored == nil {
		s.internalError(w, reqID, "get attempt", errors.Join(err, errors.New("record vanished after write")))
		return
	}
	s.logger.Info("attempt recorded", "attempt", id, "state", stored.State)
	respondOK(w, reqID, stored)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, ok := parseAttemptID(w, r, reqID)
	if !ok {
		return
	}
	job, err := s.store.GetJob(r.Context(), id.JobID)
	if err != nil {
		s.internalError(w, reqID, "get job", err)
		return
	}
	if job == nil {
		respondError(w, reqID, model.NewNotFoundError("Job", strconv.FormatInt(id.JobID, 10)))
		return
	}
	rec, err := s.store.RecordHeartbeat(r.Context(), id, s.now().UTC())
	if err != nil {
		s.internalError(w, reqID, "record heartbeat", err)
		return
	}
	respondOK(w, reqID, model.HeartbeatAck{CancelRequested: rec.CancelRequested})
}

func (s *Server) handleCancelAttempt(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, ok := parseAttemptID(w, r, reqID)
	if !ok {
		return
	}
	ctx := r.Context()
	current, err := s.store.GetAttempt(ctx, id)
	if err != nil {
		s.internalError(w, reqID, "get attempt", err)
		return
	}
	if current == nil {
		respondError(w, reqID, model.NewNotFoundError("Attempt", id.String()))
		return
	}
	if current.State.IsTerminal() {
		respondError(w, reqID, model.NewConflictError("attempt %s already finished with state %s", id, current.State))
		return
	}
	rec, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		s.internalError(w, reqID, "request cancel", err)
		return
	}
	s.logger.Info("cancellation requested", "attempt", id)
	respondOK(w, reqID, rec)
}

func parseAttemptID(w http.ResponseWriter, r *http.Request, reqID string) (model.JobRunIdentity, bool) {
	jobID, ok := parseJobID(w, r, reqID)
	if !ok {
		return model.JobRunIdentity{}, false
	}
	raw := chi.URLParam(r, "n")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		respondError(w, reqID, model.NewValidationError("invalid attempt number",
			model.FieldError{Field: "n", Message: "must be a non-negative integer, got " + strconv.Quote(raw)}))
		return model.JobRunIdentity{}, false
	}
	return model.JobRunIdentity{JobID: jobID, AttemptNumber: n}, true
}
