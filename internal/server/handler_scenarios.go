package server

import (
	"encoding/json"
	"net/http"

	"github.com/me/vmsched/internal/scenario"
	"github.com/me/vmsched/internal/txverify"
	"github.com/me/vmsched/internal/vm/replay"
	"github.com/me/vmsched/pkg/model"
)

func (s *Server) handleCreateScenario(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.ScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}

	var details []model.FieldError
	if req.Spawns > s.limits.MaxSpawns {
		details = append(details, model.FieldError{Field: "spawns", Message: "exceeds the server limit"})
	}
	if req.Writes > s.limits.MaxWrites {
		details = append(details, model.FieldError{Field: "writes", Message: "exceeds the server limit"})
	}
	if len(details) > 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("scenario too large", details...))
		return
	}

	data := scenario.Generate(scenario.Params{
		Seed:                req.Seed,
		Spawns:              req.Spawns,
		Writes:              req.Writes,
		ConvergingThreshold: req.ConvergingThreshold,
	})
	encoded := data.Encode()
	mtx := txverify.BuildMockTx(req.Seed+txverify.ScenarioTxSeedOffset, replay.Program(), encoded)

	s.logger.Info("scenario generated", "seed", req.Seed,
		"spawns", len(data.Spawns), "pipes", len(data.Pipes), "writes", len(data.Writes))
	respondOK(w, reqID, model.ScenarioResponse{
		Seed:        req.Seed,
		Spawns:      len(data.Spawns),
		Pipes:       len(data.Pipes),
		Writes:      len(data.Writes),
		Data:        encoded,
		Transaction: *mtx,
	})
}
