package questions

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sqe-prep/backend/internal/auth"
	"github.com/sqe-prep/backend/internal/models"
)

func requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
	}
	return userID, ok
}

func (h *Handler) CreateDrill(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req models.CreateDrillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	session, err := h.service.StartDrill(r.Context(), userID, req)
	var shortfall *ShortfallError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	case errors.As(err, &shortfall):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":     "Not enough unseen questions. Try a smaller length.",
			"available": shortfall.Available,
		})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to start drill"})
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) NextDrill(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	next, err := h.service.NextDrill(r.Context(), userID, mux.Vars(r)["sid"])
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "Drill not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to load drill"})
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (h *Handler) AnswerDrill(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req models.DrillAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	resp, err := h.service.AnswerDrill(r.Context(), userID, mux.Vars(r)["sid"], req)
	switch {
	case errors.Is(err, ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "Drill item not found or already answered"})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to record answer"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ReviewDrill(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	review, err := h.service.ReviewDrill(r.Context(), userID, mux.Vars(r)["sid"])
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "Drill not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to get drill review"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": review})
}

func (h *Handler) GetKPIs(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	kpis, err := h.service.KPIs(r.Context(), userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to compute KPIs"})
		return
	}
	writeJSON(w, http.StatusOK, kpis)
}
