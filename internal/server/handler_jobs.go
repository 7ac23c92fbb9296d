package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/me/attemptrun/pkg/model"
)

// jobsProbe is the cheapest list query, used by the health check.
var jobsProbe = model.ListOptions{Limit: 1}

type createJobRequest struct {
	Scope string `json:"scope"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, model.NewValidationError("invalid JSON: "+err.Error()))
		return
	}
	req.Scope = strings.TrimSpace(req.Scope)
	if req.Scope == "" {
		respondError(w, reqID, model.NewValidationError("scope is required",
			model.FieldError{Field: "scope", Message: "must not be empty"}))
		return
	}

	job, err := s.store.CreateJob(r.Context(), req.Scope)
	if err != nil {
		s.internalError(w, reqID, "create job", err)
		return
	}
	s.logger.Info("job created", "job_id", job.ID, "scope", job.Scope)
	respondCreated(w, reqID, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := parseListOptions(r)
	jobs, total, err := s.store.ListJobs(r.Context(), opts)
	if err != nil {
		s.internalError(w, reqID, "list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	respondList(w, reqID, jobs, opts.Page(total, len(jobs)))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	jobID, ok := parseJobID(w, r, reqID)
	if !ok {
		return
	}
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.internalError(w, reqID, "get job", err)
		return
	}
	if job == nil {
		respondError(w, reqID, model.NewNotFoundError("Job", chi.URLParam(r, "id")))
		return
	}
	respondOK(w, reqID, job)
}

func (s *Server) internalError(w http.ResponseWriter, reqID, op string, err error) {
	s.logger.Error(op+" failed", "request_id", reqID, "error", err)
	respondError(w, reqID, model.NewInternalError(op))
}

// parseListOptions reads the limit, offset and scope query parameters,
// ignoring malformed numbers.
func parseListOptions(r *http.Request) model.ListOptions {
	opts := model.DefaultListOptions()
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		opts.Offset = v
	}
	opts.Scope = strings.TrimSpace(q.Get("scope"))
	opts.Clamp()
	return opts
}

func parseJobID(w http.ResponseWriter, r *http.Request, reqID string) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondError(w, reqID, model.NewValidationError("invalid job id",
			model.FieldError{Field: "id", Message: "must be a positive integer, got " + strconv.Quote(raw)}))
		return 0, false
	}
	return id, true
}
