package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/vmsched/pkg/model"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Runner    string `json:"runner"`
	Store     string `json:"store"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	runnerState := "disabled"
	if s.runner != nil {
		runnerState = "enabled"
	}
	storeState := "ok"
	if _, _, err := s.store.ListVerifications(r.Context(), model.ListOptions{Limit: 1}); err != nil {
		storeState = "error: " + err.Error()
	}

	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   "0.1.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Runner:    runnerState,
		Store:     storeState,
	})
}
