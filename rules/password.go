package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/upb/jano/models"
	"go.uber.org/zap"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)

const (
	usernameMinLength = 3
	usernameMaxLength = 50
)

// PolicyChecker evaluates password and username policies for the login and
// users services outside the core pipeline. Responses carry the full
// violation list so callers can show every problem at once.
type PolicyChecker struct {
	store  *Store
	logger *zap.Logger
}

// NewPolicyChecker creates a policy checker over the rule store
func NewPolicyChecker(store *Store, logger *zap.Logger) *PolicyChecker {
	return &PolicyChecker{
		store:  store,
		logger: logger,
	}
}

// ValidatePassword checks the password against every active password_policy
// rule and returns the accumulated violations. An empty slice means valid.
func (c *PolicyChecker) ValidatePassword(ctx context.Context, password, username string) ([]string, error) {
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var violations []string
	for _, rule := range snap.ByType(models.RuleTypePasswordPolicy) {
		if !rule.Active {
			continue
		}
		cfg, err := rule.ParsePasswordPolicyConfig()
		if err != nil {
			c.logger.Error("skipping malformed password policy rule",
				zap.String("rule", rule.Code),
				zap.Error(err))
			continue
		}
		violations = append(violations, checkPassword(cfg, password, username)...)
	}

	return violations, nil
}

// ValidateUsername checks the username's shape. Usernames have a fixed
// structural policy rather than a configurable rule type.
func (c *PolicyChecker) ValidateUsername(ctx context.Context, username string) ([]string, error) {
	var violations []string

	if len(username) < usernameMinLength {
		violations = append(violations, fmt.Sprintf("username must be at least %d characters long", usernameMinLength))
	}
	if len(username) > usernameMaxLength {
		violations = append(violations, fmt.Sprintf("username must be at most %d characters long", usernameMaxLength))
	}
	if username != "" && !usernamePattern.MatchString(username) {
		violations = append(violations, "username must start with a letter and contain only letters, digits, '.', '_' or '-'")
	}

	return violations, nil
}

func checkPassword(cfg *models.PasswordPolicyConfig, password, username string) []string {
	var violations []string

	if cfg.MinLength > 0 && len(password) < cfg.MinLength {
		violations = append(violations, fmt.Sprintf("password must be at least %d characters long", cfg.MinLength))
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSymbol = true
		}
	}

	if cfg.RequireUppercase && !hasUpper {
		violations = append(violations, "password must contain an uppercase letter")
	}
	if cfg.RequireLowercase && !hasLower {
		violations = append(violations, "password must contain a lowercase letter")
	}
	if cfg.RequireDigit && !hasDigit {
		violations = append(violations, "password must contain a digit")
	}
	if cfg.RequireSymbol && !hasSymbol {
		violations = append(violations, "password must contain a symbol")
	}

	if cfg.DisallowUsername && username != "" &&
		strings.Contains(strings.ToLower(password), strings.ToLower(username)) {
		violations = append(violations, "password must not contain the username")
	}

	return violations
}
