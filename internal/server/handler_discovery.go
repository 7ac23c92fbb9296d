package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "attemptrun engine",
		Version:     "v1",
		Description: "Development orchestration engine: jobs, attempts, heartbeats and cancellation",
		Endpoints: []endpointInfo{
			{"/api/v1/jobs", []string{"GET", "POST"}, "Job registration and listing"},
			{"/api/v1/jobs/{id}", []string{"GET"}, "Single job with its scope"},
			{"/api/v1/jobs/{id}/attempts", []string{"GET"}, "Attempts of a job"},
			{"/api/v1/jobs/{id}/attempts/{n}", []string{"GET", "PUT"}, "Attempt record lookup and lifecycle updates"},
			{"/api/v1/jobs/{id}/attempts/{n}/heartbeat", []string{"PUT"}, "Liveness signal; the reply carries cancel_requested"},
			{"/api/v1/jobs/{id}/attempts/{n}/cancel", []string{"PUT"}, "Request cancellation of a running attempt"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
