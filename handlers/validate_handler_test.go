package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/jano/cache"
	"github.com/upb/jano/models"
	"github.com/upb/jano/pipeline"
	"github.com/upb/jano/principal"
	"github.com/upb/jano/ratelimit"
	"github.com/upb/jano/rules"
	"github.com/upb/jano/token"
	"go.uber.org/zap"
)

type staticVerifier struct{ err error }

func (s *staticVerifier) Verify(ctx context.Context, raw string) (*token.Claims, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &token.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.New().String(),
			Subject:  "user-123",
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}, nil
}

type staticResolver struct{}

func (staticResolver) Resolve(ctx context.Context, userID string) (*models.Principal, error) {
	if userID != "user-123" {
		return nil, principal.ErrPrincipalNotFound
	}
	return &models.Principal{UserID: "user-123", Username: "alice", Role: "user"}, nil
}

type noopSink struct{}

func (noopSink) Record(v *models.Violation) (uuid.UUID, error) { return v.ID, nil }

func newValidateHandler(t *testing.T, verifyErr error) *ValidateHandler {
	t.Helper()
	repo := new(MockRuleRepository)
	repo.On("Version", mock.Anything).Return("test", nil)
	repo.On("List", mock.Anything).Return([]*models.Rule{}, nil)

	store := rules.NewStore(repo, time.Minute, zap.NewNop())
	require.NoError(t, store.Refresh(context.Background()))

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), zap.NewNop())
	registry := rules.NewRegistry(limiter, cache.New(10), zap.NewNop())

	p := pipeline.New(&staticVerifier{err: verifyErr}, staticResolver{}, store, registry, noopSink{}, 3*time.Second, zap.NewNop())
	return NewValidateHandler(p, zap.NewNop())
}

func validateCall(t *testing.T, h *ValidateHandler, body interface{}) (*httptest.ResponseRecorder, validateResponse) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/validate", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.Validate(rec, req)

	var resp validateResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func validateBody() map[string]string {
	return map[string]string{
		"token":      "some-token",
		"endpoint":   "/api/tasks",
		"method":     "GET",
		"ip_address": "10.1.2.3",
		"user_agent": "svc/1.0",
	}
}

func TestValidate_Authorized(t *testing.T) {
	h := newValidateHandler(t, nil)

	rec, resp := validateCall(t, h, validateBody())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Authorized)
	require.NotNil(t, resp.Principal)
	assert.Equal(t, "user-123", resp.Principal.UserID)
	assert.Len(t, resp.StageResults, 3)
}

func TestValidate_DeniedIsStillHTTP200(t *testing.T) {
	h := newValidateHandler(t, token.ErrTokenExpired)

	rec, resp := validateCall(t, h, validateBody())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, resp.Authorized)
	assert.Equal(t, models.DenialTokenExpired, resp.DenialReason)
	assert.Nil(t, resp.Principal)
}

func enforceBody() map[string]interface{} {
	return map[string]interface{}{
		"token":      "some-token",
		"endpoint":   "/api/tasks",
		"method":     "GET",
		"ip_address": "10.1.2.3",
		"user_agent": "svc/1.0",
		"enforce":    true,
	}
}

func TestValidate_EnforceMode(t *testing.T) {
	t.Run("denial becomes its HTTP status", func(t *testing.T) {
		h := newValidateHandler(t, token.ErrTokenExpired)

		rec, _ := validateCall(t, h, enforceBody())
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("authorized requests still return the verdict", func(t *testing.T) {
		h := newValidateHandler(t, nil)

		rec, resp := validateCall(t, h, enforceBody())
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, resp.Authorized)
	})

	t.Run("rate limit denial carries Retry-After", func(t *testing.T) {
		repo := new(MockRuleRepository)
		rule := models.NewRule("rl-tasks", models.RuleTypeRateLimit,
			json.RawMessage(`{"limit":1,"window":60}`), models.SeverityMedium, 10)
		repo.On("Version", mock.Anything).Return("test", nil)
		repo.On("List", mock.Anything).Return([]*models.Rule{rule}, nil)

		store := rules.NewStore(repo, time.Minute, zap.NewNop())
		require.NoError(t, store.Refresh(context.Background()))

		limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), zap.NewNop())
		registry := rules.NewRegistry(limiter, cache.New(10), zap.NewNop())
		p := pipeline.New(&staticVerifier{}, staticResolver{}, store, registry, noopSink{}, 3*time.Second, zap.NewNop())
		h := NewValidateHandler(p, zap.NewNop())

		rec, _ := validateCall(t, h, enforceBody())
		assert.Equal(t, http.StatusOK, rec.Code)

		rec, _ = validateCall(t, h, enforceBody())
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	})
}

func TestValidate_BadPayload(t *testing.T) {
	h := newValidateHandler(t, nil)

	t.Run("missing token", func(t *testing.T) {
		body := validateBody()
		delete(body, "token")
		rec, _ := validateCall(t, h, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("endpoint without leading slash", func(t *testing.T) {
		body := validateBody()
		body["endpoint"] = "api/tasks"
		rec, _ := validateCall(t, h, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("garbage body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/validate", bytes.NewReader([]byte("{")))
		rec := httptest.NewRecorder()
		h.Validate(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
