package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/jano/repositories"
	"github.com/upb/jano/repositories/postgres"
	"github.com/upb/jano/utils"
	"github.com/upb/jano/violations"
	"go.uber.org/zap"
)

const (
	defaultViolationLimit = 50
	maxViolationLimit     = 500
)

// ViolationHandler serves the root-only audit review API.
type ViolationHandler struct {
	repo   repositories.ViolationRepository
	sink   *violations.Sink
	logger *zap.Logger
}

// NewViolationHandler creates a violation handler
func NewViolationHandler(repo repositories.ViolationRepository, sink *violations.Sink, logger *zap.Logger) *ViolationHandler {
	return &ViolationHandler{
		repo:   repo,
		sink:   sink,
		logger: logger,
	}
}

// List handles GET /api/v1/violations
func (h *ViolationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultViolationLimit)
	if limit <= 0 || limit > maxViolationLimit {
		limit = defaultViolationLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	records, err := h.repo.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list violations", zap.Error(err))
		utils.WriteInternalServerError(w, "")
		return
	}
	utils.WriteOK(w, records)
}

// Get handles GET /api/v1/violations/{id}
func (h *ViolationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		utils.WriteBadRequest(w, "Invalid violation id", nil)
		return
	}

	v, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgres.ErrViolationNotFound) {
			utils.WriteNotFound(w, "Violation not found")
			return
		}
		h.logger.Error("failed to get violation", zap.Error(err))
		utils.WriteInternalServerError(w, "")
		return
	}
	utils.WriteOK(w, v)
}

type statsResponse struct {
	Sink violations.Stats `json:"sink"`
	User *userStats       `json:"user,omitempty"`
}

type userStats struct {
	UserID      string `json:"user_id"`
	WindowHours int    `json:"window_hours"`
	RecentCount int    `json:"recent_count"`
}

// Stats handles GET /api/v1/violations/stats. With a user_id query the
// response also carries that user's violation count over the window (hours
// query, default 24), the figure escalation reviews start from.
func (h *ViolationHandler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Sink: h.sink.Stats()}

	if userID := r.URL.Query().Get("user_id"); userID != "" {
		hours := queryInt(r, "hours", 24)
		if hours <= 0 {
			hours = 24
		}
		since := time.Now().Add(-time.Duration(hours) * time.Hour)

		count, err := h.repo.CountSince(r.Context(), userID, since)
		if err != nil {
			h.logger.Error("failed to count violations", zap.Error(err))
			utils.WriteInternalServerError(w, "")
			return
		}
		resp.User = &userStats{UserID: userID, WindowHours: hours, RecentCount: count}
	}

	utils.WriteOK(w, resp)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
