package rules

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/upb/jano/cache"
	"github.com/upb/jano/models"
	"github.com/upb/jano/ratelimit"
	"go.uber.org/zap"
)

// EvalContext carries the request facts evaluators decide on.
type EvalContext struct {
	Principal     *models.Principal
	Endpoint      string
	Method        string
	IPAddress     string
	UserAgent     string
	TokenID       string
	TokenIssuedAt time.Time
}

// Denial is a rule verdict against the request. Blocked denials deny the
// request; unblocked ones are recorded as violations but let it pass.
type Denial struct {
	Rule       *models.Rule
	Reason     models.DenialReason
	Detail     string
	Blocked    bool
	RetryAfter time.Duration
}

// Evaluator applies one rule type to a request. A nil Denial means the rule
// passed; a non-nil error means the evaluator itself could not run and the
// stage's fail policy decides.
type Evaluator interface {
	Type() models.RuleType
	Evaluate(ctx context.Context, rule *models.Rule, ec *EvalContext) (*Denial, error)
}

// Registry dispatches rules to their evaluators. Rule types without an
// evaluator (authentication, authorization, password_policy) are handled by
// dedicated pipeline stages and skipped here.
type Registry struct {
	evaluators map[models.RuleType]Evaluator
	logger     *zap.Logger
}

// NewRegistry creates a registry with the standard evaluators
func NewRegistry(limiter *ratelimit.Limiter, sessionCache *cache.Cache, logger *zap.Logger) *Registry {
	r := &Registry{
		evaluators: make(map[models.RuleType]Evaluator),
		logger:     logger,
	}
	r.Register(NewRateLimitEvaluator(limiter))
	r.Register(NewIPPolicyEvaluator())
	r.Register(NewMFAPolicyEvaluator())
	r.Register(NewSessionPolicyEvaluator(sessionCache))
	return r
}

// Register adds an evaluator, replacing any existing one for its type
func (r *Registry) Register(e Evaluator) {
	r.evaluators[e.Type()] = e
}

// Evaluate runs the rule through its evaluator. Rules without an evaluator
// pass.
func (r *Registry) Evaluate(ctx context.Context, rule *models.Rule, ec *EvalContext) (*Denial, error) {
	e, ok := r.evaluators[rule.Type]
	if !ok {
		return nil, nil
	}
	return e.Evaluate(ctx, rule, ec)
}

// RateLimitEvaluator enforces rate_limit rules through the shared limiter.
// Counters are scoped per rule and subject, so two rate rules matching the
// same request count independently.
type RateLimitEvaluator struct {
	limiter *ratelimit.Limiter
}

// NewRateLimitEvaluator creates a rate limit evaluator
func NewRateLimitEvaluator(limiter *ratelimit.Limiter) *RateLimitEvaluator {
	return &RateLimitEvaluator{limiter: limiter}
}

// Type returns the rule type this evaluator handles
func (e *RateLimitEvaluator) Type() models.RuleType {
	return models.RuleTypeRateLimit
}

// Evaluate checks the request against the rule's window
func (e *RateLimitEvaluator) Evaluate(ctx context.Context, rule *models.Rule, ec *EvalContext) (*Denial, error) {
	cfg, err := rule.ParseRateLimitConfig()
	if err != nil {
		return nil, err
	}

	subject := ec.IPAddress
	if ec.Principal != nil {
		subject = ec.Principal.UserID
	}
	key := fmt.Sprintf("%s:%s", rule.Code, subject)

	res, err := e.limiter.Check(ctx, key, cfg.Limit, cfg.Window(), cfg.Burst)
	if err != nil {
		return nil, err
	}

	if !res.Allowed {
		return &Denial{
			Rule:       rule,
			Reason:     models.DenialRateLimited,
			Detail:     fmt.Sprintf("rate limit exceeded: %d per %s", cfg.Limit, cfg.Window()),
			Blocked:    true,
			RetryAfter: res.RetryAfter,
		}, nil
	}
	return nil, nil
}

// IPPolicyEvaluator enforces ip_whitelist rules. Blocked ranges are checked
// before allowed ones; an empty allow list admits any address not blocked.
type IPPolicyEvaluator struct{}

// NewIPPolicyEvaluator creates an IP policy evaluator
func NewIPPolicyEvaluator() *IPPolicyEvaluator {
	return &IPPolicyEvaluator{}
}

// Type returns the rule type this evaluator handles
func (e *IPPolicyEvaluator) Type() models.RuleType {
	return models.RuleTypeIPWhitelist
}

// Evaluate checks the request's source address against the rule's CIDRs
func (e *IPPolicyEvaluator) Evaluate(ctx context.Context, rule *models.Rule, ec *EvalContext) (*Denial, error) {
	cfg, err := rule.ParseIPPolicyConfig()
	if err != nil {
		return nil, err
	}

	ip := net.ParseIP(ec.IPAddress)
	if ip == nil {
		return &Denial{
			Rule:    rule,
			Reason:  models.DenialForbidden,
			Detail:  "unparseable source address",
			Blocked: true,
		}, nil
	}

	for _, cidr := range cfg.BlockedCIDRs {
		match, err := cidrContains(cidr, ip)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Code, err)
		}
		if match {
			return &Denial{
				Rule:    rule,
				Reason:  models.DenialForbidden,
				Detail:  "source address blocked",
				Blocked: true,
			}, nil
		}
	}

	if len(cfg.AllowedCIDRs) == 0 {
		return nil, nil
	}

	for _, cidr := range cfg.AllowedCIDRs {
		match, err := cidrContains(cidr, ip)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Code, err)
		}
		if match {
			return nil, nil
		}
	}

	return &Denial{
		Rule:    rule,
		Reason:  models.DenialForbidden,
		Detail:  "source address not in allowed ranges",
		Blocked: true,
	}, nil
}

func cidrContains(cidr string, ip net.IP) (bool, error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	return network.Contains(ip), nil
}

// MFAPolicyEvaluator enforces mfa_policy rules. A positive grace login count
// downgrades the denial to a recorded, non-blocking violation.
type MFAPolicyEvaluator struct{}

// NewMFAPolicyEvaluator creates an MFA policy evaluator
func NewMFAPolicyEvaluator() *MFAPolicyEvaluator {
	return &MFAPolicyEvaluator{}
}

// Type returns the rule type this evaluator handles
func (e *MFAPolicyEvaluator) Type() models.RuleType {
	return models.RuleTypeMFAPolicy
}

// Evaluate checks whether the principal satisfies the MFA requirement
func (e *MFAPolicyEvaluator) Evaluate(ctx context.Context, rule *models.Rule, ec *EvalContext) (*Denial, error) {
	cfg, err := rule.ParseMFAPolicyConfig()
	if err != nil {
		return nil, err
	}

	if ec.Principal == nil || ec.Principal.MFAEnrolled {
		return nil, nil
	}

	if len(cfg.RequiredRoles) > 0 {
		required := false
		for _, role := range cfg.RequiredRoles {
			if role == ec.Principal.Role {
				required = true
				break
			}
		}
		if !required {
			return nil, nil
		}
	}

	return &Denial{
		Rule:    rule,
		Reason:  models.DenialForbidden,
		Detail:  "mfa enrollment required",
		Blocked: cfg.GraceLoginCount == 0,
	}, nil
}

// SessionPolicyEvaluator enforces session_policy rules: maximum token
// lifetime from the issue time, and maximum idle gap from the last request
// seen for the token. Idle tracking piggybacks on the shared cache; losing
// an entry to eviction resets the idle clock, never the lifetime one.
type SessionPolicyEvaluator struct {
	cache *cache.Cache
}

// NewSessionPolicyEvaluator creates a session policy evaluator
func NewSessionPolicyEvaluator(c *cache.Cache) *SessionPolicyEvaluator {
	return &SessionPolicyEvaluator{cache: c}
}

// Type returns the rule type this evaluator handles
func (e *SessionPolicyEvaluator) Type() models.RuleType {
	return models.RuleTypeSessionPolicy
}

// Evaluate checks the token's lifetime and idle gap against the rule
func (e *SessionPolicyEvaluator) Evaluate(ctx context.Context, rule *models.Rule, ec *EvalContext) (*Denial, error) {
	cfg, err := rule.ParseSessionPolicyConfig()
	if err != nil {
		return nil, err
	}

	now := time.Now()

	if cfg.MaxLifetimeHours > 0 && !ec.TokenIssuedAt.IsZero() {
		lifetime := time.Duration(cfg.MaxLifetimeHours) * time.Hour
		if now.Sub(ec.TokenIssuedAt) > lifetime {
			return &Denial{
				Rule:    rule,
				Reason:  models.DenialForbidden,
				Detail:  "session lifetime exceeded",
				Blocked: true,
			}, nil
		}
	}

	if cfg.MaxIdleMinutes > 0 && ec.TokenID != "" {
		idle := time.Duration(cfg.MaxIdleMinutes) * time.Minute
		key := "session_seen:" + ec.TokenID

		// Entries live twice the idle window so a gap just over the
		// limit is still observable rather than silently expiring.
		if lastSeen, ok := e.cache.Get(key); ok {
			if seen, ok := lastSeen.(time.Time); ok && now.Sub(seen) > idle {
				return &Denial{
					Rule:    rule,
					Reason:  models.DenialForbidden,
					Detail:  "session idle timeout exceeded",
					Blocked: true,
				}, nil
			}
		}
		e.cache.Set(key, now, 2*idle)
	}

	return nil, nil
}
