package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/me/vmsched/pkg/model"
)

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}
	if len(req.Transaction.Tx.Inputs) == 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "transaction.tx.inputs", Message: "at least one input is required"}))
		return
	}
	if err := req.Transaction.Validate(); err != nil {
		if apiErr, ok := err.(*model.APIError); ok {
			respondError(w, reqID, http.StatusBadRequest, apiErr)
			return
		}
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(err.Error()))
		return
	}
	if req.Wait && s.runner == nil {
		respondError(w, reqID, http.StatusServiceUnavailable,
			&model.APIError{Code: model.ErrInternal, Message: "verification runner is disabled"})
		return
	}

	tx := req.Transaction
	v := &model.Verification{
		ID:          "ver_" + uuid.New().String(),
		TxHash:      tx.Tx.Hash(),
		State:       model.VerificationStatePending,
		Limits:      req.Limits,
		Groups:      []model.GroupReport{},
		CreatedAt:   time.Now().UTC(),
		Transaction: &tx,
	}
	if err := s.store.CreateVerification(r.Context(), v); err != nil {
		respondInternal(w, reqID, err)
		return
	}
	s.logger.Info("verification queued", "id", v.ID, "tx_hash", v.TxHash, "wait", req.Wait)

	if !req.Wait {
		respondAccepted(w, reqID, v)
		return
	}

	if err := s.runner.Execute(r.Context(), v); err != nil {
		respondInternal(w, reqID, err)
		return
	}
	full, err := s.awaitTerminal(r.Context(), v.ID)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	respondOK(w, reqID, full)
}

// awaitTerminal reloads a verification until it reaches a terminal state.
// Execute returns early when the background runner claimed the row first.
func (s *Server) awaitTerminal(ctx context.Context, id string) (*model.Verification, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		v, err := s.store.GetVerification(ctx, id)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, errors.Newf("verification %s disappeared", id)
		}
		if v.State.IsTerminal() {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Server) handleListVerifications(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := model.DefaultListOptions()
	q := r.URL.Query()
	if state := q.Get("state"); state != "" {
		opts.State = state
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		opts.Offset = v
	}
	opts.Clamp()

	vs, total, err := s.store.ListVerifications(r.Context(), opts)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if vs == nil {
		vs = []*model.Verification{}
	}

	respondList(w, reqID, vs, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(vs) < total,
	})
}

func (s *Server) handleGetVerification(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	v, err := s.store.GetVerification(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if v == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("verification", id))
		return
	}
	respondOK(w, reqID, v)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	v, err := s.store.GetVerification(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if v == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("verification", id))
		return
	}

	cps, err := s.store.ListCheckpoints(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if cps == nil {
		cps = []*model.Checkpoint{}
	}
	respondOK(w, reqID, cps)
}
