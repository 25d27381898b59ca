package saga_api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-booking-saga/internal/logger"
	"ms-booking-saga/internal/models"
	"ms-booking-saga/internal/saga"
	"ms-booking-saga/internal/saga/db"
	"ms-booking-saga/internal/utils"
)

type Handler struct {
	Orchestrator *saga.Orchestrator
	Logger       *logger.Logger
}

func NewHandler(orchestrator *saga.Orchestrator, log *logger.Logger) *Handler {
	return &Handler{
		Orchestrator: orchestrator,
		Logger:       log,
	}
}

// RegisterRoutes mounts the saga endpoints on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/saga", h.StartSaga)
	r.Get("/api/saga/{sagaId}", h.GetSagaStatus)
}

// StartSaga accepts a booking request and answers 202 with the saga ID. The
// saga runs asynchronously; callers poll GetSagaStatus for the outcome.
func (h *Handler) StartSaga(w http.ResponseWriter, r *http.Request) {
	h.Logger.Info("API", "StartSaga: received request")

	var req models.BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("API", fmt.Sprintf("StartSaga: failed to decode request body: %v", err))
		h.writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	h.Logger.Debug("API", fmt.Sprintf("StartSaga: showtime=%s user=%s seats=%v", req.ShowtimeID, req.UserID, req.SeatIDs))

	started, err := h.Orchestrator.StartSaga(r.Context(), req)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("StartSaga: rejected: %v", err))
		h.writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Booking request rejected", err.Error()))
		return
	}

	h.Logger.LogAPI("POST", "/api/saga", fmt.Sprintf("202 saga %s", started.SagaID))
	h.writeJSON(w, http.StatusAccepted, utils.SuccessResponse("Booking saga started", map[string]string{
		"saga_id": started.SagaID,
	}))
}

// GetSagaStatus returns the saga state and its per-step records.
func (h *Handler) GetSagaStatus(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaId")
	h.Logger.Info("API", fmt.Sprintf("GetSagaStatus: sagaId=%s", sagaID))

	status, err := h.Orchestrator.GetStatus(r.Context(), sagaID)
	if err != nil {
		if errors.Is(err, db.ErrSagaNotFound) {
			h.writeJSON(w, http.StatusNotFound, utils.ErrorResponse("Saga not found", sagaID))
			return
		}
		h.Logger.Error("API", fmt.Sprintf("GetSagaStatus: %v", err))
		h.writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Failed to load saga", err.Error()))
		return
	}

	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Saga status", status))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body utils.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.Logger.Error("API", fmt.Sprintf("failed to encode response: %v", err))
	}
}
