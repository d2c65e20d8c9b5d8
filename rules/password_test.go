package rules

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/jano/models"
	"go.uber.org/zap"
)

func policyCheckerWith(t *testing.T, rules ...*models.Rule) *PolicyChecker {
	t.Helper()
	repo := new(MockRuleRepository)
	repo.On("Version", mock.Anything).Return("test", nil)
	repo.On("List", mock.Anything).Return(rules, nil)

	store := NewStore(repo, time.Minute, zap.NewNop())
	require.NoError(t, store.Refresh(context.Background()))
	return NewPolicyChecker(store, zap.NewNop())
}

func passwordRule(t *testing.T, cfg models.PasswordPolicyConfig) *models.Rule {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return models.NewRule("pw-default", models.RuleTypePasswordPolicy, raw, models.SeverityHigh, 10)
}

func TestValidatePassword(t *testing.T) {
	checker := policyCheckerWith(t, passwordRule(t, models.PasswordPolicyConfig{
		MinLength:        10,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireDigit:     true,
		RequireSymbol:    true,
		DisallowUsername: true,
	}))
	ctx := context.Background()

	t.Run("valid password", func(t *testing.T) {
		violations, err := checker.ValidatePassword(ctx, "Str0ng!Passw0rd", "alice")
		require.NoError(t, err)
		assert.Empty(t, violations)
	})

	t.Run("all violations reported at once", func(t *testing.T) {
		violations, err := checker.ValidatePassword(ctx, "short", "alice")
		require.NoError(t, err)
		assert.Len(t, violations, 4) // length, upper, digit, symbol
	})

	t.Run("username embedded in password", func(t *testing.T) {
		violations, err := checker.ValidatePassword(ctx, "XxAlice123!xX", "alice")
		require.NoError(t, err)
		assert.Contains(t, violations, "password must not contain the username")
	})

	t.Run("inactive rule skipped", func(t *testing.T) {
		rule := passwordRule(t, models.PasswordPolicyConfig{MinLength: 50})
		rule.Active = false
		checker := policyCheckerWith(t, rule)

		violations, err := checker.ValidatePassword(ctx, "anything", "")
		require.NoError(t, err)
		assert.Empty(t, violations)
	})

	t.Run("no password rules configured", func(t *testing.T) {
		checker := policyCheckerWith(t)
		violations, err := checker.ValidatePassword(ctx, "x", "")
		require.NoError(t, err)
		assert.Empty(t, violations)
	})
}

func TestValidateUsername(t *testing.T) {
	checker := policyCheckerWith(t)
	ctx := context.Background()

	cases := []struct {
		name       string
		username   string
		violations int
	}{
		{"valid", "alice.dev", 0},
		{"valid with digits", "alice42", 0},
		{"too short", "al", 1},
		{"starts with digit", "1alice", 1},
		{"illegal characters", "alice!", 1},
		{"too long", "a0123456789012345678901234567890123456789012345678901234567890", 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			violations, err := checker.ValidateUsername(ctx, tc.username)
			require.NoError(t, err)
			assert.Len(t, violations, tc.violations)
		})
	}
}
