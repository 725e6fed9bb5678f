package questions

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/sqe-prep/backend/internal/auth"
	"github.com/sqe-prep/backend/internal/models"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the run, question, drill and KPI routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/runs", h.CreateRun).Methods("POST")
	r.HandleFunc("/runs", h.ListRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", h.GetRun).Methods("GET")
	r.HandleFunc("/subjects", h.ListSubjects).Methods("GET")
	r.HandleFunc("/subjects/{subject}/topics", h.ListTopics).Methods("GET")
	r.HandleFunc("/questions/{id}", h.GetQuestion).Methods("GET")

	r.HandleFunc("/drills", h.CreateDrill).Methods("POST")
	r.HandleFunc("/drills/{sid}/next", h.NextDrill).Methods("GET")
	r.HandleFunc("/drills/{sid}/answer", h.AnswerDrill).Methods("POST")
	r.HandleFunc("/drills/{sid}/review", h.ReviewDrill).Methods("GET")
	r.HandleFunc("/kpis", h.GetKPIs).Methods("GET")
}

func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	var createdBy *int64
	if uid, ok := auth.UserID(r.Context()); ok {
		createdBy = &uid
	}

	run, err := h.service.QueueRun(r.Context(), req, createdBy)
	if errors.Is(err, ErrInvalidRequest) {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to queue run"})
		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var status *models.RunStatus
	if s := query.Get("status"); s != "" {
		rs := models.RunStatus(s)
		switch rs {
		case models.RunPending, models.RunRunning, models.RunCompleted, models.RunPartial, models.RunFailed:
		default:
			writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "invalid status"})
			return
		}
		status = &rs
	}

	limit := min(intQueryParam(query, "limit", 20), 100)
	offset := intQueryParam(query, "offset", 0)

	runs, err := h.service.ListRuns(r.Context(), status, limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to list runs"})
		return
	}
	if runs == nil {
		runs = []models.GenerationRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.GetRun(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "Run not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to load run"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) ListSubjects(w http.ResponseWriter, r *http.Request) {
	subjects, err := h.service.ListSubjects(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to list subjects"})
		return
	}
	if subjects == nil {
		subjects = []models.Subject{}
	}
	writeJSON(w, http.StatusOK, subjects)
}

func (h *Handler) ListTopics(w http.ResponseWriter, r *http.Request) {
	subject := strings.TrimSpace(mux.Vars(r)["subject"])
	if subject == "" {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "subject is required"})
		return
	}
	topics, err := h.service.ListTopics(r.Context(), subject)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to list topics"})
		return
	}
	if topics == nil {
		topics = []models.TopicSummary{}
	}
	writeJSON(w, http.StatusOK, topics)
}

func (h *Handler) GetQuestion(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid question ID"})
		return
	}

	question, err := h.service.GetQuestion(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "Question not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to load question"})
		return
	}

	writeJSON(w, http.StatusOK, question)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func intQueryParam(query url.Values, key string, defaultVal int) int {
	s := query.Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}
