package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/upb/jano/models"
	"github.com/upb/jano/repositories"
	"github.com/upb/jano/repositories/postgres"
	"github.com/upb/jano/rules"
	"github.com/upb/jano/utils"
	"go.uber.org/zap"
)

// RuleHandler serves the root-only rule administration API. Every mutation
// invalidates the rule snapshot so the pipeline picks the change up on its
// next snapshot read instead of waiting out the refresh interval.
type RuleHandler struct {
	repo      repositories.RuleRepository
	store     *rules.Store
	validator *validator.Validate
	logger    *zap.Logger
}

// NewRuleHandler creates a rule handler
func NewRuleHandler(repo repositories.RuleRepository, store *rules.Store, logger *zap.Logger) *RuleHandler {
	return &RuleHandler{
		repo:      repo,
		store:     store,
		validator: validator.New(),
		logger:    logger,
	}
}

type rulePayload struct {
	Code               string          `json:"code" validate:"required,min=2,max=100"`
	Type               models.RuleType `json:"type" validate:"required"`
	Config             json.RawMessage `json:"config" validate:"required"`
	Severity           models.Severity `json:"severity" validate:"required"`
	Priority           int             `json:"priority" validate:"gte=0"`
	Active             *bool           `json:"active"`
	AppliesToRoles     []string        `json:"applies_to_roles"`
	AppliesToEndpoints []string        `json:"applies_to_endpoints"`
}

func (p *rulePayload) check(v *validator.Validate) (map[string]interface{}, bool) {
	if err := v.Struct(p); err != nil {
		return validationDetails(err), false
	}
	details := make(map[string]interface{})
	if !models.ValidRuleType(p.Type) {
		details["type"] = "unknown rule type"
	}
	if !models.ValidSeverity(p.Severity) {
		details["severity"] = "unknown severity"
	}
	if !json.Valid(p.Config) {
		details["config"] = "must be a JSON object"
	}
	return details, len(details) == 0
}

// List handles GET /api/v1/rules
func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	ruleSet, err := h.repo.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list rules", zap.Error(err))
		utils.WriteInternalServerError(w, "")
		return
	}
	utils.WriteOK(w, ruleSet)
}

// Get handles GET /api/v1/rules/{id}
func (h *RuleHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		utils.WriteBadRequest(w, "Invalid rule id", nil)
		return
	}

	rule, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgres.ErrRuleNotFound) {
			utils.WriteNotFound(w, "Rule not found")
			return
		}
		h.logger.Error("failed to get rule", zap.Error(err))
		utils.WriteInternalServerError(w, "")
		return
	}
	utils.WriteOK(w, rule)
}

// Create handles POST /api/v1/rules
func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload rulePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if details, ok := payload.check(h.validator); !ok {
		utils.WriteBadRequest(w, "Validation failed", details)
		return
	}

	if _, err := h.repo.GetByCode(r.Context(), payload.Code); err == nil {
		utils.WriteConflict(w, "Rule code already exists", map[string]interface{}{"code": payload.Code})
		return
	} else if !errors.Is(err, postgres.ErrRuleNotFound) {
		h.logger.Error("failed to check rule code", zap.Error(err))
		utils.WriteInternalServerError(w, "")
		return
	}

	rule := models.NewRule(payload.Code, payload.Type, payload.Config, payload.Severity, payload.Priority)
	rule.AppliesToRoles = payload.AppliesToRoles
	rule.AppliesToEndpoints = payload.AppliesToEndpoints
	if payload.Active != nil {
		rule.Active = *payload.Active
	}

	if err := h.repo.Create(r.Context(), rule); err != nil {
		h.logger.Error("failed to create rule", zap.Error(err))
		utils.WriteInternalServerError(w, "")
		return
	}

	h.store.Invalidate()
	h.logger.Info("rule created",
		zap.String("code", rule.Code),
		zap.String("type", string(rule.Type)))
	utils.WriteCreated(w, rule)
}

// Update handles PUT /api/v1/rules/{id}
func (h *RuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		utils.WriteBadRequest(w, "Invalid rule id", nil)
		return
	}

	var payload rulePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if details, ok := payload.check(h.validator); !ok {
		utils.WriteBadRequest(w, "Validation failed", details)
		return
	}

	rule, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgres.ErrRuleNotFound) {
			utils.WriteNotFound(w, "Rule not found")
			return
		}
		h.logger.Error("failed to get rule", zap.Error(err))
		utils.WriteInternalServerError(w, "")
		return
	}

	rule.Code = payload.Code
	rule.Type = payload.Type
	rule.Config = payload.Config
	rule.Severity = payload.Severity
	rule.Priority = payload.Priority
	rule.AppliesToRoles = payload.AppliesToRoles
	rule.AppliesToEndpoints = payload.AppliesToEndpoints
	if payload.Active != nil {
		rule.Active = *payload.Active
	}
	rule.UpdatedAt = time.Now()

	if err := h.repo.Update(r.Context(), rule); err != nil {
		if errors.Is(err, postgres.ErrRuleNotFound) {
			utils.WriteNotFound(w, "Rule not found")
			return
		}
		h.logger.Error("failed to update rule", zap.Error(err))
		utils.WriteInternalServerError(w, "")
		return
	}

	h.store.Invalidate()
	h.logger.Info("rule updated", zap.String("code", rule.Code))
	utils.WriteOK(w, rule)
}

// Delete handles DELETE /api/v1/rules/{id}
func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		utils.WriteBadRequest(w, "Invalid rule id", nil)
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, postgres.ErrRuleNotFound) {
			utils.WriteNotFound(w, "Rule not found")
			return
		}
		h.logger.Error("failed to delete rule", zap.Error(err))
		utils.WriteInternalServerError(w, "")
		return
	}

	h.store.Invalidate()
	h.logger.Info("rule deleted", zap.String("id", id.String()))
	utils.WriteNoContent(w)
}
