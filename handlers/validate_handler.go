package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/upb/jano/models"
	"github.com/upb/jano/pipeline"
	"github.com/upb/jano/utils"
	"go.uber.org/zap"
)

// ValidateHandler serves the engine's core operation. Callers are the other
// microservices, not end users: a denial is a successful validation with a
// negative answer, so the response is 200 either way. Callers that would
// rather relay the decision verbatim set "enforce" and get the denial as an
// HTTP status instead.
type ValidateHandler struct {
	pipeline  *pipeline.Pipeline
	validator *validator.Validate
	logger    *zap.Logger
}

// NewValidateHandler creates a validate handler
func NewValidateHandler(p *pipeline.Pipeline, logger *zap.Logger) *ValidateHandler {
	return &ValidateHandler{
		pipeline:  p,
		validator: validator.New(),
		logger:    logger,
	}
}

type validateRequest struct {
	Token     string `json:"token" validate:"required"`
	Endpoint  string `json:"endpoint" validate:"required,startswith=/"`
	Method    string `json:"method" validate:"required"`
	IPAddress string `json:"ip_address" validate:"required"`
	UserAgent string `json:"user_agent"`
	Enforce   bool   `json:"enforce"`
}

type validateResponse struct {
	Authorized        bool                 `json:"authorized"`
	Principal         *models.Principal    `json:"principal,omitempty"`
	StageResults      []models.StageResult `json:"stage_results"`
	DenialReason      models.DenialReason  `json:"denial_reason,omitempty"`
	RetryAfterSeconds int                  `json:"retry_after_seconds,omitempty"`
}

// Validate handles POST /api/v1/validate
func (h *ValidateHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	if err := h.validator.Struct(req); err != nil {
		utils.WriteBadRequest(w, "Validation failed", validationDetails(err))
		return
	}

	verdict := h.pipeline.Validate(r.Context(), pipeline.Request{
		Token:     req.Token,
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})

	if req.Enforce && !verdict.Authorized {
		h.writeDenialStatus(w, verdict)
		return
	}

	resp := validateResponse{
		Authorized:   verdict.Authorized,
		Principal:    verdict.Principal,
		StageResults: verdict.StageResults,
		DenialReason: verdict.DenialReason,
	}
	if verdict.RetryAfter > 0 {
		resp.RetryAfterSeconds = retryAfterSeconds(verdict.RetryAfter)
	}

	utils.WriteJSON(w, http.StatusOK, resp)
}

// writeDenialStatus translates a denial into the HTTP status a gateway would
// relay to the end client.
func (h *ValidateHandler) writeDenialStatus(w http.ResponseWriter, verdict *models.Verdict) {
	message := string(verdict.DenialReason)
	switch verdict.DenialReason.HTTPStatus() {
	case http.StatusUnauthorized:
		utils.WriteUnauthorized(w, message)
	case http.StatusForbidden:
		utils.WriteForbidden(w, message)
	case http.StatusTooManyRequests:
		utils.WriteTooManyRequests(w, message, verdict.RetryAfter)
	default:
		utils.WriteServiceUnavailable(w, message)
	}
}

func retryAfterSeconds(retryAfter time.Duration) int {
	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func validationDetails(err error) map[string]interface{} {
	details := make(map[string]interface{})
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			details[fe.Field()] = fe.Tag()
		}
	}
	return details
}
