package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/jano/models"
	"github.com/upb/jano/principal"
	"github.com/upb/jano/rules"
	"github.com/upb/jano/token"
	"go.uber.org/zap"
)

// Request is one validation call against the engine.
type Request struct {
	Token     string
	Endpoint  string
	Method    string
	IPAddress string
	UserAgent string
}

// TokenVerifier authenticates raw tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*token.Claims, error)
}

// PrincipalResolver resolves the authenticated user's principal.
type PrincipalResolver interface {
	Resolve(ctx context.Context, userID string) (*models.Principal, error)
}

// ViolationRecorder records denial violations without blocking.
type ViolationRecorder interface {
	Record(v *models.Violation) (uuid.UUID, error)
}

// Pipeline is the validation engine's decision path. Stages run in a fixed
// order: authentication, authorization, then configured rules. The first
// failing stage denies and nothing after it runs, so a request that fails
// authorization never touches a rate counter.
//
// Validate never returns an error. Infrastructure failures map to a
// service_unavailable denial: with no rule snapshot and no reachable store
// the engine refuses to guess.
type Pipeline struct {
	verifier TokenVerifier
	resolver PrincipalResolver
	store    *rules.Store
	matcher  *rules.Matcher
	registry *rules.Registry
	sink     ViolationRecorder
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates a validation pipeline
func New(
	verifier TokenVerifier,
	resolver PrincipalResolver,
	store *rules.Store,
	registry *rules.Registry,
	sink ViolationRecorder,
	timeout time.Duration,
	logger *zap.Logger,
) *Pipeline {
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &Pipeline{
		verifier: verifier,
		resolver: resolver,
		store:    store,
		matcher:  rules.NewMatcher(),
		registry: registry,
		sink:     sink,
		timeout:  timeout,
		logger:   logger,
	}
}

// Validate runs the request through the pipeline and returns the verdict.
func (p *Pipeline) Validate(ctx context.Context, req Request) *models.Verdict {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var stages []models.StageResult

	// Stage 1: authentication.
	claims, prin, verdict := p.authenticate(ctx, req, &stages)
	if verdict != nil {
		return verdict
	}

	snap, err := p.store.Snapshot(ctx)
	if err != nil {
		p.logger.Error("no rule snapshot available, denying", zap.Error(err))
		return p.deny(req, prin, nil, models.DenialServiceUnavailable, "rule store unavailable",
			appendStage(stages, models.StageAuthorization, models.OutcomeFailed, "rule store unavailable"))
	}

	// Stage 2: authorization.
	if verdict := p.authorize(req, prin, snap, &stages); verdict != nil {
		return verdict
	}

	// Stage 3: configured rules.
	if verdict := p.evaluateRules(ctx, req, claims, prin, snap, &stages); verdict != nil {
		return verdict
	}

	return models.Allowed(prin, stages)
}

func (p *Pipeline) authenticate(ctx context.Context, req Request, stages *[]models.StageResult) (*token.Claims, *models.Principal, *models.Verdict) {
	claims, err := p.verifier.Verify(ctx, req.Token)
	if err != nil {
		reason, detail := authFailure(err)
		*stages = appendStage(*stages, models.StageAuthentication, models.OutcomeFailed, detail)
		return nil, nil, p.deny(req, nil, nil, reason, detail, *stages)
	}

	prin, err := p.resolver.Resolve(ctx, claims.Subject)
	if err != nil {
		var reason models.DenialReason
		var detail string
		switch {
		case errors.Is(err, principal.ErrPrincipalNotFound):
			reason, detail = models.DenialTokenInvalid, "unknown principal"
		case ctx.Err() != nil:
			reason, detail = models.DenialServiceUnavailable, "pipeline deadline exceeded"
		default:
			reason, detail = models.DenialServiceUnavailable, "principal lookup failed"
		}
		*stages = appendStage(*stages, models.StageAuthentication, models.OutcomeFailed, detail)
		return nil, nil, p.deny(req, nil, nil, reason, detail, *stages)
	}

	*stages = appendStage(*stages, models.StageAuthentication, models.OutcomePassed, "")
	return claims, prin, nil
}

// authorize applies the most specific authorization rule for the endpoint.
// No authorization rule configured means the endpoint is open to any
// authenticated principal.
func (p *Pipeline) authorize(req Request, prin *models.Principal, snap *rules.Snapshot, stages *[]models.StageResult) *models.Verdict {
	rule := p.matcher.BestMatch(snap, models.RuleTypeAuthorization, req.Endpoint, prin.Role, prin.Groups)
	if rule == nil {
		*stages = appendStage(*stages, models.StageAuthorization, models.OutcomePassed, "no authorization rule configured")
		return nil
	}

	cfg, err := rule.ParseAuthorizationConfig()
	if err != nil {
		p.logger.Error("malformed authorization rule, denying",
			zap.String("rule", rule.Code),
			zap.Error(err))
		*stages = appendStage(*stages, models.StageAuthorization, models.OutcomeFailed, "malformed authorization rule")
		return p.deny(req, prin, rule, models.DenialForbidden, "malformed authorization rule", *stages)
	}

	if roleAllowed(cfg, prin) {
		*stages = appendStage(*stages, models.StageAuthorization, models.OutcomePassed, "")
		return nil
	}

	detail := fmt.Sprintf("role %s not permitted for %s", prin.Role, req.Endpoint)
	*stages = appendStage(*stages, models.StageAuthorization, models.OutcomeFailed, detail)
	return p.deny(req, prin, rule, models.DenialForbidden, detail, *stages)
}

func (p *Pipeline) evaluateRules(ctx context.Context, req Request, claims *token.Claims, prin *models.Principal, snap *rules.Snapshot, stages *[]models.StageResult) *models.Verdict {
	ec := &rules.EvalContext{
		Principal: prin,
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		TokenID:   claims.ID,
	}
	if claims.IssuedAt != nil {
		ec.TokenIssuedAt = claims.IssuedAt.Time
	}

	for _, rule := range p.matcher.Match(snap, req.Endpoint, prin.Role, prin.Groups) {
		if ctx.Err() != nil {
			*stages = appendStage(*stages, models.StageRules, models.OutcomeFailed, "pipeline deadline exceeded")
			return p.deny(req, prin, nil, models.DenialServiceUnavailable, "pipeline deadline exceeded", *stages)
		}

		denial, err := p.registry.Evaluate(ctx, rule, ec)
		if err != nil {
			p.logger.Error("rule evaluation failed, denying",
				zap.String("rule", rule.Code),
				zap.Error(err))
			*stages = appendStage(*stages, models.StageRules, models.OutcomeFailed, "rule evaluation failed")
			return p.deny(req, prin, rule, models.DenialServiceUnavailable, "rule evaluation failed", *stages)
		}
		if denial == nil {
			continue
		}

		p.recordViolation(req, prin, denial.Rule, denial.Detail, denial.Blocked)
		if !denial.Blocked {
			continue
		}

		*stages = appendStage(*stages, models.StageRules, models.OutcomeFailed, denial.Detail)
		verdict := models.Denied(denial.Reason, *stages)
		verdict.RetryAfter = denial.RetryAfter
		return verdict
	}

	*stages = appendStage(*stages, models.StageRules, models.OutcomePassed, "")
	return nil
}

// deny records the violation and builds the denial verdict.
func (p *Pipeline) deny(req Request, prin *models.Principal, rule *models.Rule, reason models.DenialReason, detail string, stages []models.StageResult) *models.Verdict {
	p.recordViolation(req, prin, rule, detail, true)
	return models.Denied(reason, stages)
}

func (p *Pipeline) recordViolation(req Request, prin *models.Principal, rule *models.Rule, detail string, blocked bool) {
	v := models.NewViolation(req.Endpoint, req.Method, req.IPAddress).
		WithReason(detail).
		WithUserAgent(req.UserAgent)
	v.Blocked = blocked
	if prin != nil {
		v.WithUser(prin.UserID)
	}
	if rule != nil {
		v.WithRule(rule.ID, rule.Severity)
	}

	if _, err := p.sink.Record(v); err != nil {
		p.logger.Warn("violation not persisted", zap.Error(err))
	}
}

func authFailure(err error) (models.DenialReason, string) {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		return models.DenialTokenExpired, "token expired"
	case errors.Is(err, token.ErrTokenRevoked):
		return models.DenialTokenRevoked, "token revoked"
	default:
		return models.DenialTokenInvalid, "token invalid"
	}
}

func roleAllowed(cfg *models.AuthorizationConfig, prin *models.Principal) bool {
	for _, role := range cfg.AllowedRoles {
		if role == prin.Role {
			return true
		}
	}
	for _, group := range cfg.AllowedGroups {
		if prin.InGroup(group) {
			return true
		}
	}
	return false
}

func appendStage(stages []models.StageResult, stage models.Stage, outcome models.StageOutcome, detail string) []models.StageResult {
	return append(stages, models.StageResult{
		Stage:   stage,
		Outcome: outcome,
		Detail:  detail,
	})
}
