package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/upb/jano/models"
	"github.com/upb/jano/token"
	"github.com/upb/jano/utils"
	"go.uber.org/zap"
)

// TokenVerifier verifies raw bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*token.Claims, error)
}

// PrincipalResolver resolves the authenticated user's principal.
type PrincipalResolver interface {
	Resolve(ctx context.Context, userID string) (*models.Principal, error)
}

// AuthMiddleware guards the engine's own administrative surface. Client
// traffic goes through the pipeline instead; this is only for the rules and
// violations APIs.
type AuthMiddleware struct {
	verifier TokenVerifier
	resolver PrincipalResolver
	logger   *zap.Logger
}

// NewAuthMiddleware creates authentication middleware
func NewAuthMiddleware(verifier TokenVerifier, resolver PrincipalResolver, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		resolver: resolver,
		logger:   logger,
	}
}

// RequireAuth validates the bearer token and attaches the principal to the
// request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := extractBearerToken(r)
		if err != nil {
			utils.WriteUnauthorized(w, err.Error())
			return
		}

		claims, err := m.verifier.Verify(r.Context(), raw)
		if err != nil {
			m.logger.Debug("admin token rejected", zap.Error(err))
			switch {
			case errors.Is(err, token.ErrTokenExpired):
				utils.WriteUnauthorized(w, "Token expired")
			case errors.Is(err, token.ErrTokenRevoked):
				utils.WriteUnauthorized(w, "Token revoked")
			default:
				utils.WriteUnauthorized(w, "Invalid token")
			}
			return
		}

		prin, err := m.resolver.Resolve(r.Context(), claims.Subject)
		if err != nil {
			m.logger.Warn("principal resolution failed for admin request",
				zap.String("user_id", claims.Subject),
				zap.Error(err))
			utils.WriteUnauthorized(w, "Invalid token")
			return
		}

		ctx := WithClaims(r.Context(), claims)
		ctx = WithPrincipal(ctx, prin)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole allows only principals with the given role past.
// Must run after RequireAuth.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			prin, ok := PrincipalFromContext(r.Context())
			if !ok {
				utils.WriteUnauthorized(w, "")
				return
			}
			if prin.Role != role {
				utils.WriteForbidden(w, "Insufficient privileges")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("malformed Authorization header")
	}

	return parts[1], nil
}
