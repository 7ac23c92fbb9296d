package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/me/attemptrun/pkg/model"
)

// requestID generates a unique request identifier.
func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

// respondOK writes a 200 envelope.
func respondOK(w http.ResponseWriter, reqID string, data any) {
	writeEnvelope(w, http.StatusOK, model.NewResponse(reqID, data, nil, nil))
}

// respondCreated writes a 201 envelope.
func respondCreated(w http.ResponseWriter, reqID string, data any) {
	writeEnvelope(w, http.StatusCreated, model.NewResponse(reqID, data, nil, nil))
}

// respondList writes a 200 envelope carrying pagination.
func respondList(w http.ResponseWriter, reqID string, data any, pg *model.Pagination) {
	writeEnvelope(w, http.StatusOK, model.NewResponse(reqID, data, pg, nil))
}

// respondError writes an error envelope with the HTTP status implied by the
// error code.
func respondError(w http.ResponseWriter, reqID string, apiErr *model.APIError) {
	writeEnvelope(w, apiErr.Code.HTTPStatus(), model.NewResponse(reqID, nil, nil, apiErr))
}

func writeEnvelope(w http.ResponseWriter, status int, resp model.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
