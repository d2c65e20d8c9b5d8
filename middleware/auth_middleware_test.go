package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/upb/jano/models"
	"github.com/upb/jano/principal"
	"github.com/upb/jano/token"
	"go.uber.org/zap"
)

type fakeVerifier struct {
	claims map[string]*token.Claims
	err    error
}

func (f *fakeVerifier) Verify(ctx context.Context, raw string) (*token.Claims, error) {
	if f.err != nil {
		return nil, f.err
	}
	if c, ok := f.claims[raw]; ok {
		return c, nil
	}
	return nil, token.ErrTokenInvalid
}

type fakeResolver struct {
	principals map[string]*models.Principal
}

func (f *fakeResolver) Resolve(ctx context.Context, userID string) (*models.Principal, error) {
	if p, ok := f.principals[userID]; ok {
		return p, nil
	}
	return nil, principal.ErrPrincipalNotFound
}

func adminMiddleware() *AuthMiddleware {
	verifier := &fakeVerifier{claims: map[string]*token.Claims{
		"root-token": {RegisteredClaims: jwt.RegisteredClaims{ID: "jti-1", Subject: "root-1"}},
		"user-token": {RegisteredClaims: jwt.RegisteredClaims{ID: "jti-2", Subject: "user-1"}},
	}}
	resolver := &fakeResolver{principals: map[string]*models.Principal{
		"root-1": {UserID: "root-1", Role: "root"},
		"user-1": {UserID: "user-1", Role: "user"},
	}}
	return NewAuthMiddleware(verifier, resolver, zap.NewNop())
}

func protectedHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prin, ok := PrincipalFromContext(r.Context())
		assert.True(t, ok)
		assert.NotEmpty(t, prin.UserID)
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(handler http.Handler, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRequireAuth(t *testing.T) {
	m := adminMiddleware()
	handler := m.RequireAuth(protectedHandler(t))

	t.Run("valid token", func(t *testing.T) {
		rec := doRequest(handler, "Bearer root-token")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing header", func(t *testing.T) {
		rec := doRequest(handler, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		rec := doRequest(handler, "Basic abc123")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown token", func(t *testing.T) {
		rec := doRequest(handler, "Bearer bogus")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		m := NewAuthMiddleware(&fakeVerifier{err: token.ErrTokenExpired}, &fakeResolver{}, zap.NewNop())
		rec := doRequest(m.RequireAuth(protectedHandler(t)), "Bearer whatever")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRequireRole(t *testing.T) {
	m := adminMiddleware()
	handler := m.RequireAuth(RequireRole("root")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	t.Run("root allowed", func(t *testing.T) {
		rec := doRequest(handler, "Bearer root-token")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("non-root forbidden", func(t *testing.T) {
		rec := doRequest(handler, "Bearer user-token")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unauthenticated context rejected", func(t *testing.T) {
		bare := RequireRole("root")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		rec := doRequest(bare, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
