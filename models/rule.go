package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RuleType discriminates the typed config carried by a rule.
type RuleType string

const (
	RuleTypeAuthentication RuleType = "authentication"
	RuleTypeAuthorization  RuleType = "authorization"
	RuleTypeRateLimit      RuleType = "rate_limit"
	RuleTypeIPWhitelist    RuleType = "ip_whitelist"
	RuleTypePasswordPolicy RuleType = "password_policy"
	RuleTypeSessionPolicy  RuleType = "session_policy"
	RuleTypeMFAPolicy      RuleType = "mfa_policy"
)

// Severity classifies how serious a rule violation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rule represents a configured security policy unit.
// Rules are created and updated by the root-only administrative API and are
// read-only from the pipeline's perspective. Disabling a rule (Active=false)
// removes it from matching without deleting its history.
type Rule struct {
	ID                 uuid.UUID       `json:"id" db:"id"`
	Code               string          `json:"code" db:"code"` // globally unique, human-readable
	Type               RuleType        `json:"type" db:"type"`
	Config             json.RawMessage `json:"config" db:"config"` // JSONB, schema depends on Type
	Severity           Severity        `json:"severity" db:"severity"`
	Priority           int             `json:"priority" db:"priority"` // lower evaluates first
	Active             bool            `json:"active" db:"active"`
	AppliesToRoles     []string        `json:"applies_to_roles" db:"applies_to_roles"`         // empty = all roles
	AppliesToEndpoints []string        `json:"applies_to_endpoints" db:"applies_to_endpoints"` // path patterns, wildcard suffix
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Rule model
func (Rule) TableName() string {
	return "rules"
}

// NewRule creates a new Rule instance
func NewRule(code string, ruleType RuleType, config json.RawMessage, severity Severity, priority int) *Rule {
	now := time.Now()
	return &Rule{
		ID:        uuid.New(),
		Code:      code,
		Type:      ruleType,
		Config:    config,
		Severity:  severity,
		Priority:  priority,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppliesToRole reports whether the rule applies to the given role or any
// of the given groups. A rule with no role restriction applies universally.
func (r *Rule) AppliesToRole(role string, groups []string) bool {
	if len(r.AppliesToRoles) == 0 {
		return true
	}
	for _, allowed := range r.AppliesToRoles {
		if allowed == role {
			return true
		}
		for _, g := range groups {
			if allowed == g {
				return true
			}
		}
	}
	return false
}

// RateLimitConfig is the typed config for rate_limit rules.
type RateLimitConfig struct {
	Limit         int `json:"limit" validate:"required,gt=0"`
	WindowSeconds int `json:"window" validate:"required,gt=0"`
	Burst         int `json:"burst" validate:"gte=0"`
}

// Window returns the window duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// AuthorizationConfig is the typed config for authorization rules.
type AuthorizationConfig struct {
	AllowedRoles  []string `json:"allowed_roles"`
	AllowedGroups []string `json:"allowed_groups"`
}

// IPPolicyConfig is the typed config for ip_whitelist rules.
type IPPolicyConfig struct {
	AllowedCIDRs []string `json:"allowed_cidrs"`
	BlockedCIDRs []string `json:"blocked_cidrs"`
}

// MFAPolicyConfig is the typed config for mfa_policy rules.
type MFAPolicyConfig struct {
	RequiredRoles   []string `json:"required_roles"` // empty = required for everyone the rule matches
	GraceLoginCount int      `json:"grace_login_count"`
}

// SessionPolicyConfig is the typed config for session_policy rules.
type SessionPolicyConfig struct {
	MaxIdleMinutes   int `json:"max_idle_minutes"`
	MaxLifetimeHours int `json:"max_lifetime_hours"`
}

// PasswordPolicyConfig is the typed config for password_policy rules.
type PasswordPolicyConfig struct {
	MinLength        int  `json:"min_length"`
	RequireUppercase bool `json:"require_uppercase"`
	RequireLowercase bool `json:"require_lowercase"`
	RequireDigit     bool `json:"require_digit"`
	RequireSymbol    bool `json:"require_symbol"`
	DisallowUsername bool `json:"disallow_username"`
}

// ParseRateLimitConfig decodes the rule's config as a RateLimitConfig.
func (r *Rule) ParseRateLimitConfig() (*RateLimitConfig, error) {
	if r.Type != RuleTypeRateLimit {
		return nil, fmt.Errorf("rule %s is %s, not rate_limit", r.Code, r.Type)
	}
	var cfg RateLimitConfig
	if err := json.Unmarshal(r.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rate limit config for rule %s: %w", r.Code, err)
	}
	return &cfg, nil
}

// ParseAuthorizationConfig decodes the rule's config as an AuthorizationConfig.
func (r *Rule) ParseAuthorizationConfig() (*AuthorizationConfig, error) {
	if r.Type != RuleTypeAuthorization {
		return nil, fmt.Errorf("rule %s is %s, not authorization", r.Code, r.Type)
	}
	var cfg AuthorizationConfig
	if err := json.Unmarshal(r.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization config for rule %s: %w", r.Code, err)
	}
	return &cfg, nil
}

// ParseIPPolicyConfig decodes the rule's config as an IPPolicyConfig.
func (r *Rule) ParseIPPolicyConfig() (*IPPolicyConfig, error) {
	if r.Type != RuleTypeIPWhitelist {
		return nil, fmt.Errorf("rule %s is %s, not ip_whitelist", r.Code, r.Type)
	}
	var cfg IPPolicyConfig
	if err := json.Unmarshal(r.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ip policy config for rule %s: %w", r.Code, err)
	}
	return &cfg, nil
}

// ParseMFAPolicyConfig decodes the rule's config as an MFAPolicyConfig.
func (r *Rule) ParseMFAPolicyConfig() (*MFAPolicyConfig, error) {
	if r.Type != RuleTypeMFAPolicy {
		return nil, fmt.Errorf("rule %s is %s, not mfa_policy", r.Code, r.Type)
	}
	var cfg MFAPolicyConfig
	if err := json.Unmarshal(r.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mfa policy config for rule %s: %w", r.Code, err)
	}
	return &cfg, nil
}

// ParseSessionPolicyConfig decodes the rule's config as a SessionPolicyConfig.
func (r *Rule) ParseSessionPolicyConfig() (*SessionPolicyConfig, error) {
	if r.Type != RuleTypeSessionPolicy {
		return nil, fmt.Errorf("rule %s is %s, not session_policy", r.Code, r.Type)
	}
	var cfg SessionPolicyConfig
	if err := json.Unmarshal(r.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session policy config for rule %s: %w", r.Code, err)
	}
	return &cfg, nil
}

// ParsePasswordPolicyConfig decodes the rule's config as a PasswordPolicyConfig.
func (r *Rule) ParsePasswordPolicyConfig() (*PasswordPolicyConfig, error) {
	if r.Type != RuleTypePasswordPolicy {
		return nil, fmt.Errorf("rule %s is %s, not password_policy", r.Code, r.Type)
	}
	var cfg PasswordPolicyConfig
	if err := json.Unmarshal(r.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal password policy config for rule %s: %w", r.Code, err)
	}
	return &cfg, nil
}

// ValidRuleType reports whether t is a known rule type.
func ValidRuleType(t RuleType) bool {
	switch t {
	case RuleTypeAuthentication, RuleTypeAuthorization, RuleTypeRateLimit,
		RuleTypeIPWhitelist, RuleTypePasswordPolicy, RuleTypeSessionPolicy, RuleTypeMFAPolicy:
		return true
	}
	return false
}

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}
