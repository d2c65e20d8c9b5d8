package token

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/jano/cache"
	"go.uber.org/zap"
)

var (
	// ErrTokenInvalid is returned when the token signature or claims are invalid
	ErrTokenInvalid = errors.New("token invalid")

	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked is returned when the token's jti has been revoked
	ErrTokenRevoked = errors.New("token revoked")

	// ErrJWKSFetchFailed is returned when the trust anchor cannot be fetched
	ErrJWKSFetchFailed = errors.New("failed to fetch JWKS")
)

// JWKS represents the JSON Web Key Set published by the auth service
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Claims are the token claims JANO cares about. Issuance belongs to the auth
// service; the verifier only checks signature, expiry and revocation.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Role     string `json:"role"`
	TokenUse string `json:"token_use"`
}

// RevocationStore answers whether a token identifier has been revoked.
// Implementations must not expire a revocation before the token itself
// expires; a revoked token must stay revoked for its entire lifetime.
type RevocationStore interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Revoke(ctx context.Context, jti string, until time.Time) error
}

// Config holds verifier configuration
type Config struct {
	Issuer       string
	Audience     string
	JWKSURL      string
	JWKSCacheTTL time.Duration
	HTTPTimeout  time.Duration
	Leeway       time.Duration // clock-skew tolerance on expiry; zero by default
	CacheTTL     time.Duration // TTL for the "not revoked" fallback used during store outages
}

// Verifier validates JWT access tokens against the auth service's JWKS and
// the revocation store. It performs no writes and is safe for concurrent use.
type Verifier struct {
	config      Config
	revocations RevocationStore
	cache       *cache.Cache
	httpClient  *http.Client
	logger      *zap.Logger

	jwksMu       sync.RWMutex
	jwksCache    *JWKS
	jwksCacheExp time.Time

	keyMu    sync.RWMutex
	keyCache map[string]*rsa.PublicKey
}

// NewVerifier creates a token verifier
func NewVerifier(cfg Config, revocations RevocationStore, sharedCache *cache.Cache, logger *zap.Logger) *Verifier {
	if cfg.JWKSCacheTTL == 0 {
		cfg.JWKSCacheTTL = time.Hour
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 10 * time.Minute
	}

	return &Verifier{
		config:      cfg,
		revocations: revocations,
		cache:       sharedCache,
		httpClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		logger:      logger,
		keyCache:    make(map[string]*rsa.PublicKey),
	}
}

// Verify validates a token and returns its claims.
// Returns ErrTokenExpired, ErrTokenRevoked or ErrTokenInvalid on failure.
// Failures are terminal: the caller surfaces 401 and never retries.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		publicKey, err := v.getPublicKey(ctx, kid)
		if err != nil {
			return nil, fmt.Errorf("failed to get public key: %w", err)
		}

		return publicKey, nil
	}, jwt.WithLeeway(v.config.Leeway))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if v.config.Issuer != "" && claims.Issuer != v.config.Issuer {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrTokenInvalid)
	}

	if v.config.Audience != "" && !containsAudience(claims.Audience, v.config.Audience) {
		return nil, fmt.Errorf("%w: unexpected audience", ErrTokenInvalid)
	}

	if claims.TokenUse != "" && claims.TokenUse != "access" {
		return nil, fmt.Errorf("%w: not an access token", ErrTokenInvalid)
	}

	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrTokenInvalid)
	}

	if err := v.checkRevocation(ctx, claims); err != nil {
		return nil, err
	}

	return claims, nil
}

// checkRevocation enforces the revocation rules:
//   - a cached "revoked" mark is permanent and short-circuits everything;
//   - the revocation store is consulted on every verification, so a jti
//     revoked out of band by the auth service denies on the next call no
//     matter what was cached;
//   - the cached "not revoked" result serves only as an availability
//     fallback when the store is unreachable; with no cached result a
//     store outage fails closed.
func (v *Verifier) checkRevocation(ctx context.Context, claims *Claims) error {
	jti := claims.ID

	if _, revoked := v.cache.Get(revokedKey(jti)); revoked {
		return ErrTokenRevoked
	}

	revoked, err := v.revocations.IsRevoked(ctx, jti)
	if err != nil {
		if _, ok := v.cache.Get(notRevokedKey(jti)); ok {
			v.logger.Warn("revocation lookup failed, honoring cached result",
				zap.Error(err))
			return nil
		}
		v.logger.Error("revocation lookup failed", zap.Error(err))
		return fmt.Errorf("%w: revocation store unavailable", ErrTokenInvalid)
	}

	if revoked {
		// Revocations never expire early; a generic TTL entry could let
		// the token back in during the cache window.
		v.cache.SetPermanent(revokedKey(jti), true)
		v.cache.Invalidate(notRevokedKey(jti))
		return ErrTokenRevoked
	}

	// Kept only for the outage fallback above, capped at the token's
	// remaining life so it can never outlive the token itself.
	ttl := v.config.CacheTTL
	if claims.ExpiresAt != nil {
		if remaining := time.Until(claims.ExpiresAt.Time); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl > 0 {
		v.cache.Set(notRevokedKey(jti), true, ttl)
	}

	return nil
}

func revokedKey(jti string) string    { return "revoked:" + jti }
func notRevokedKey(jti string) string { return "jti_ok:" + jti }

// FetchJWKS fetches the JWKS from the trust source, honoring the JWKS cache TTL
func (v *Verifier) FetchJWKS(ctx context.Context) (*JWKS, error) {
	v.jwksMu.RLock()
	if v.jwksCache != nil && time.Now().Before(v.jwksCacheExp) {
		defer v.jwksMu.RUnlock()
		return v.jwksCache, nil
	}
	v.jwksMu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.config.JWKSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status code %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	v.jwksMu.Lock()
	v.jwksCache = &jwks
	v.jwksCacheExp = time.Now().Add(v.config.JWKSCacheTTL)
	v.jwksMu.Unlock()

	return &jwks, nil
}

// getPublicKey retrieves the public key for a given kid
func (v *Verifier) getPublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.keyMu.RLock()
	if key, exists := v.keyCache[kid]; exists {
		v.keyMu.RUnlock()
		return key, nil
	}
	v.keyMu.RUnlock()

	jwks, err := v.FetchJWKS(ctx)
	if err != nil {
		return nil, err
	}

	var jwk *JWK
	for i := range jwks.Keys {
		if jwks.Keys[i].Kid == kid {
			jwk = &jwks.Keys[i]
			break
		}
	}

	if jwk == nil {
		return nil, fmt.Errorf("key with kid %s not found in JWKS", kid)
	}

	publicKey, err := jwkToRSAPublicKey(jwk)
	if err != nil {
		return nil, fmt.Errorf("failed to convert JWK to RSA public key: %w", err)
	}

	v.keyMu.Lock()
	v.keyCache[kid] = publicKey
	v.keyMu.Unlock()

	return publicKey, nil
}

// jwkToRSAPublicKey converts a JWK to an RSA public key
func jwkToRSAPublicKey(jwk *JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)

	var e int
	for _, b := range eBytes {
		e = e*256 + int(b)
	}

	return &rsa.PublicKey{N: n, E: e}, nil
}

func containsAudience(audiences jwt.ClaimStrings, expected string) bool {
	for _, aud := range audiences {
		if aud == expected {
			return true
		}
	}
	return false
}

// InvalidateJWKSCache forces a refetch of the trust anchor on next use
func (v *Verifier) InvalidateJWKSCache() {
	v.jwksMu.Lock()
	v.jwksCache = nil
	v.jwksCacheExp = time.Time{}
	v.jwksMu.Unlock()

	v.keyMu.Lock()
	v.keyCache = make(map[string]*rsa.PublicKey)
	v.keyMu.Unlock()
}
