package middleware

import (
	"context"

	"github.com/upb/jano/models"
	"github.com/upb/jano/token"
)

type contextKey string

const (
	principalContextKey contextKey = "principal"
	claimsContextKey    contextKey = "claims"
)

// WithPrincipal returns a context carrying the authenticated principal
func WithPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext retrieves the authenticated principal from the context
func PrincipalFromContext(ctx context.Context) (*models.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*models.Principal)
	return p, ok
}

// WithClaims returns a context carrying the verified token claims
func WithClaims(ctx context.Context, c *token.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, c)
}

// ClaimsFromContext retrieves the verified token claims from the context
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	c, ok := ctx.Value(claimsContextKey).(*token.Claims)
	return c, ok
}
