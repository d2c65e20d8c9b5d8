package models

import "time"

// DenialReason is the stable code surfaced to callers on denial.
// No internal detail is ever attached to a verdict.
type DenialReason string

const (
	DenialTokenInvalid       DenialReason = "token_invalid"
	DenialTokenExpired       DenialReason = "token_expired"
	DenialTokenRevoked       DenialReason = "token_revoked"
	DenialForbidden          DenialReason = "forbidden"
	DenialRateLimited        DenialReason = "rate_limited"
	DenialServiceUnavailable DenialReason = "service_unavailable"
)

// HTTPStatus maps a denial reason to its HTTP status class.
func (r DenialReason) HTTPStatus() int {
	switch r {
	case DenialTokenInvalid, DenialTokenExpired, DenialTokenRevoked:
		return 401
	case DenialForbidden:
		return 403
	case DenialRateLimited:
		return 429
	case DenialServiceUnavailable:
		return 503
	}
	return 403
}

// Retryable reports whether the caller may retry the request.
// Only rate-limit denials are retryable, after RetryAfter elapses.
func (r DenialReason) Retryable() bool {
	return r == DenialRateLimited
}

// Stage names the pipeline stages in evaluation order.
type Stage string

const (
	StageAuthentication Stage = "authentication"
	StageAuthorization  Stage = "authorization"
	StageRules          Stage = "rules"
)

// StageOutcome is the per-stage result recorded in a verdict.
type StageOutcome string

const (
	OutcomePassed  StageOutcome = "passed"
	OutcomeFailed  StageOutcome = "failed"
	OutcomeSkipped StageOutcome = "skipped"
)

// StageResult records the outcome of one pipeline stage.
type StageResult struct {
	Stage   Stage        `json:"stage"`
	Outcome StageOutcome `json:"outcome"`
	Detail  string       `json:"detail,omitempty"`
}

// Verdict is the engine's authorize/deny decision. It is constructed per
// call and never persisted.
type Verdict struct {
	Authorized   bool          `json:"authorized"`
	Principal    *Principal    `json:"principal,omitempty"`
	StageResults []StageResult `json:"stage_results"`
	DenialReason DenialReason  `json:"denial_reason,omitempty"`
	// RetryAfter is present only for rate-limit denials.
	RetryAfter time.Duration `json:"-"`
}

// Allowed constructs an authorized verdict for the given principal.
func Allowed(principal *Principal, stages []StageResult) *Verdict {
	return &Verdict{
		Authorized:   true,
		Principal:    principal,
		StageResults: stages,
	}
}

// Denied constructs a denial verdict with the given reason.
func Denied(reason DenialReason, stages []StageResult) *Verdict {
	return &Verdict{
		Authorized:   false,
		StageResults: stages,
		DenialReason: reason,
	}
}
