package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/upb/jano/rules"
	"github.com/upb/jano/utils"
	"go.uber.org/zap"
)

// PolicyHandler serves the password and username policy checks used directly
// by the login and user-CRUD services. Unlike the pipeline these can fail
// open: when the rule store is down, blocking every signup is worse than
// accepting a password unchecked, and the calling service opted in to that
// trade by configuration.
type PolicyHandler struct {
	checker   *rules.PolicyChecker
	failOpen  bool
	validator *validator.Validate
	logger    *zap.Logger
}

// NewPolicyHandler creates a policy handler
func NewPolicyHandler(checker *rules.PolicyChecker, failOpen bool, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{
		checker:   checker,
		failOpen:  failOpen,
		validator: validator.New(),
		logger:    logger,
	}
}

type validatePasswordRequest struct {
	Password      string `json:"password" validate:"required"`
	Username      string `json:"username"`
	UserID        string `json:"user_id"`
	ApplicationID string `json:"application_id"`
}

type validateUsernameRequest struct {
	Username      string `json:"username" validate:"required"`
	ApplicationID string `json:"application_id"`
}

type policyCheckResponse struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations"`
}

// ValidatePassword handles POST /api/v1/policies/validate-password
func (h *PolicyHandler) ValidatePassword(w http.ResponseWriter, r *http.Request) {
	var req validatePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		utils.WriteBadRequest(w, "Validation failed", validationDetails(err))
		return
	}

	violations, err := h.checker.ValidatePassword(r.Context(), req.Password, req.Username)
	if err != nil {
		h.degrade(w, "password", req.ApplicationID, err)
		return
	}

	writePolicyCheck(w, violations)
}

// ValidateUsername handles POST /api/v1/policies/validate-username
func (h *PolicyHandler) ValidateUsername(w http.ResponseWriter, r *http.Request) {
	var req validateUsernameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		utils.WriteBadRequest(w, "Validation failed", validationDetails(err))
		return
	}

	violations, err := h.checker.ValidateUsername(r.Context(), req.Username)
	if err != nil {
		h.degrade(w, "username", req.ApplicationID, err)
		return
	}

	writePolicyCheck(w, violations)
}

func (h *PolicyHandler) degrade(w http.ResponseWriter, check, applicationID string, err error) {
	if h.failOpen {
		h.logger.Warn("policy check degraded to allow",
			zap.String("check", check),
			zap.String("application_id", applicationID),
			zap.Error(err))
		writePolicyCheck(w, nil)
		return
	}

	h.logger.Error("policy check unavailable",
		zap.String("check", check),
		zap.String("application_id", applicationID),
		zap.Error(err))
	utils.WriteServiceUnavailable(w, "Policy validation unavailable")
}

func writePolicyCheck(w http.ResponseWriter, violations []string) {
	if violations == nil {
		violations = []string{}
	}
	utils.WriteJSON(w, http.StatusOK, policyCheckResponse{
		Valid:      len(violations) == 0,
		Violations: violations,
	})
}
