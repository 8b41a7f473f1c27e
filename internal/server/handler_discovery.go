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
		Name:        "vmsched API",
		Version:     "v1",
		Description: "Deterministic VM scheduler: transaction script verification with suspend/resume checkpoints",
		Endpoints: []endpointInfo{
			{"/api/v1/verify", []string{"POST"}, "Queue a mock transaction for verification. Set wait=true to verify inline"},
			{"/api/v1/verifications", []string{"GET"}, "List verifications, newest first. Accepts ?state=, ?limit=, ?offset="},
			{"/api/v1/verifications/{id}", []string{"GET"}, "Single verification with per-group reports"},
			{"/api/v1/verifications/{id}/checkpoints", []string{"GET"}, "Suspend states persisted while verifying"},
			{"/api/v1/scenarios", []string{"POST"}, "Generate a spawn/pipe/write scenario and the mock transaction replaying it"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
