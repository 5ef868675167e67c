// Package httpapi exposes the saga operations over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"payflow/internal/saga"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// IdempotencyHeader carries the client request key of a saga start.
const IdempotencyHeader = "Idempotency-Key"

// SagaService is the part of the orchestrator the API serves.
type SagaService interface {
	StartSagaWithKey(ctx context.Context, tenantID, requestKey string, attrs saga.PaymentAttributes) (uuid.UUID, error)
	GetSagaStatus(ctx context.Context, id uuid.UUID) (*saga.Instance, error)
	ReportStepOutcome(ctx context.Context, id uuid.UUID, step string, outcome saga.Outcome, detail string) error
}

// Handler handles saga requests.
type Handler struct {
	sagas SagaService
	log   logr.Logger
}

func NewHandler(sagas SagaService, log logr.Logger) *Handler {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Handler{sagas: sagas, log: log}
}

// StartSaga accepts a payment and returns the id of the saga driving it.
func (h *Handler) StartSaga(w http.ResponseWriter, r *http.Request) {
	var req StartSagaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	requestKey := r.Header.Get(IdempotencyHeader)
	id, err := h.sagas.StartSagaWithKey(r.Context(), req.TenantID, requestKey, req.PaymentAttributes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartSagaResponse{SagaID: id.String()})
}

// GetSaga returns the saga state and its full history.
func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	id, ok := sagaID(w, r)
	if !ok {
		return
	}
	inst, err := h.sagas.GetSagaStatus(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSagaToResponse(inst))
}

// ReportOutcome delivers the outcome of an asynchronous step.
func (h *Handler) ReportOutcome(w http.ResponseWriter, r *http.Request) {
	id, ok := sagaID(w, r)
	if !ok {
		return
	}
	var req ReportOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := h.sagas.ReportStepOutcome(r.Context(), id, chi.URLParam(r, "step"), req.Outcome, req.Detail); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func sagaID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_saga_id", err.Error())
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, saga.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, saga.ErrNotFound):
		writeError(w, http.StatusNotFound, "saga_not_found", err.Error())
	case errors.Is(err, saga.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, "idempotency_conflict", err.Error())
	case errors.Is(err, saga.ErrStepNotReached):
		writeError(w, http.StatusConflict, "step_not_reached", err.Error())
	default:
		h.log.Error(err, "request failed", "method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
