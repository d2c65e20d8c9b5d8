package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/jano/cache"
	"go.uber.org/zap"
)

type tokenTestEnv struct {
	verifier    *Verifier
	revocations *MemoryRevocationStore
	privateKey  *rsa.PrivateKey
	server      *httptest.Server
	cache       *cache.Cache
}

const testKid = "test-key-1"

func newTokenTestEnv(t *testing.T) *tokenTestEnv {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwks := JWKS{
		Keys: []JWK{
			{
				Kid: testKid,
				Kty: "RSA",
				Alg: "RS256",
				Use: "sig",
				N:   base64.RawURLEncoding.EncodeToString(privateKey.PublicKey.N.Bytes()),
				E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(privateKey.PublicKey.E)).Bytes()),
			},
		},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(server.Close)

	revocations := NewMemoryRevocationStore()
	c := cache.New(100)

	verifier := NewVerifier(Config{
		Issuer:   "https://auth.example.com",
		Audience: "jano",
		JWKSURL:  server.URL,
		CacheTTL: 10 * time.Minute,
	}, revocations, c, zap.NewNop())

	return &tokenTestEnv{
		verifier:    verifier,
		revocations: revocations,
		privateKey:  privateKey,
		server:      server,
		cache:       c,
	}
}

func (env *tokenTestEnv) signToken(t *testing.T, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKid
	signed, err := token.SignedString(env.privateKey)
	require.NoError(t, err)
	return signed
}

func validClaims() *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   "user-123",
			Issuer:    "https://auth.example.com",
			Audience:  jwt.ClaimStrings{"jano"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Username: "alice",
		Role:     "user",
		TokenUse: "access",
	}
}

func TestVerify_ValidToken(t *testing.T) {
	env := newTokenTestEnv(t)
	claims := validClaims()

	got, err := env.verifier.Verify(context.Background(), env.signToken(t, claims))
	require.NoError(t, err)
	assert.Equal(t, "user-123", got.Subject)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "user", got.Role)
}

func TestVerify_ExpiredToken(t *testing.T) {
	env := newTokenTestEnv(t)
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	_, err := env.verifier.Verify(context.Background(), env.signToken(t, claims))
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerify_ExpiredExactlyAtBoundary(t *testing.T) {
	env := newTokenTestEnv(t)
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Second))

	// Zero leeway: a token even one second past expiry is rejected.
	_, err := env.verifier.Verify(context.Background(), env.signToken(t, claims))
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerify_WrongIssuer(t *testing.T) {
	env := newTokenTestEnv(t)
	claims := validClaims()
	claims.Issuer = "https://evil.example.com"

	_, err := env.verifier.Verify(context.Background(), env.signToken(t, claims))
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerify_WrongAudience(t *testing.T) {
	env := newTokenTestEnv(t)
	claims := validClaims()
	claims.Audience = jwt.ClaimStrings{"other-service"}

	_, err := env.verifier.Verify(context.Background(), env.signToken(t, claims))
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerify_RefreshTokenRejected(t *testing.T) {
	env := newTokenTestEnv(t)
	claims := validClaims()
	claims.TokenUse = "refresh"

	_, err := env.verifier.Verify(context.Background(), env.signToken(t, claims))
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerify_MissingJTI(t *testing.T) {
	env := newTokenTestEnv(t)
	claims := validClaims()
	claims.ID = ""

	_, err := env.verifier.Verify(context.Background(), env.signToken(t, claims))
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerify_TamperedSignature(t *testing.T) {
	env := newTokenTestEnv(t)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims())
	token.Header["kid"] = testKid
	signed, err := token.SignedString(otherKey)
	require.NoError(t, err)

	_, err = env.verifier.Verify(context.Background(), signed)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerify_RevokedToken(t *testing.T) {
	env := newTokenTestEnv(t)
	claims := validClaims()

	err := env.revocations.Revoke(context.Background(), claims.ID, claims.ExpiresAt.Time)
	require.NoError(t, err)

	_, err = env.verifier.Verify(context.Background(), env.signToken(t, claims))
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestVerify_RevocationOverridesCachedResult(t *testing.T) {
	env := newTokenTestEnv(t)
	claims := validClaims()
	signed := env.signToken(t, claims)
	ctx := context.Background()

	// First pass succeeds and caches the "not revoked" fallback entry.
	_, err := env.verifier.Verify(ctx, signed)
	require.NoError(t, err)
	_, ok := env.cache.Get(notRevokedKey(claims.ID))
	require.True(t, ok)

	// The auth service revokes the jti out of band. The very next Verify
	// must deny: the live cache entry does not mask the revocation.
	require.NoError(t, env.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt.Time))

	_, err = env.verifier.Verify(ctx, signed)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	// The revocation mark is permanent and the positive entry is gone:
	// even if the revocation store becomes unreachable, the token stays
	// denied.
	_, revoked := env.cache.Get(revokedKey(claims.ID))
	assert.True(t, revoked)
	_, ok = env.cache.Get(notRevokedKey(claims.ID))
	assert.False(t, ok)

	env.verifier.revocations = failingRevocationStore{}
	_, err = env.verifier.Verify(ctx, signed)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestVerify_StoreOutageHonorsCachedResult(t *testing.T) {
	env := newTokenTestEnv(t)
	claims := validClaims()
	signed := env.signToken(t, claims)
	ctx := context.Background()

	_, err := env.verifier.Verify(ctx, signed)
	require.NoError(t, err)

	// With a cached "not revoked" result the verifier rides out a store
	// outage instead of rejecting every request.
	env.verifier.revocations = failingRevocationStore{}
	_, err = env.verifier.Verify(ctx, signed)
	assert.NoError(t, err)
}

func TestVerify_NotRevokedResultIsCached(t *testing.T) {
	env := newTokenTestEnv(t)
	claims := validClaims()
	signed := env.signToken(t, claims)
	ctx := context.Background()

	_, err := env.verifier.Verify(ctx, signed)
	require.NoError(t, err)

	_, ok := env.cache.Get(notRevokedKey(claims.ID))
	assert.True(t, ok)
}

func TestVerify_RevocationStoreUnavailableFailsClosed(t *testing.T) {
	env := newTokenTestEnv(t)
	env.verifier.revocations = failingRevocationStore{}

	_, err := env.verifier.Verify(context.Background(), env.signToken(t, validClaims()))
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

type failingRevocationStore struct{}

func (failingRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingRevocationStore) Revoke(ctx context.Context, jti string, until time.Time) error {
	return errors.New("connection refused")
}

func TestVerify_GarbageToken(t *testing.T) {
	env := newTokenTestEnv(t)

	_, err := env.verifier.Verify(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestFetchJWKS_CachesResult(t *testing.T) {
	fetches := 0
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		json.NewEncoder(w).Encode(JWKS{Keys: []JWK{{
			Kid: testKid,
			N:   base64.RawURLEncoding.EncodeToString(privateKey.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(privateKey.PublicKey.E)).Bytes()),
		}}})
	}))
	defer server.Close()

	v := NewVerifier(Config{JWKSURL: server.URL}, NewMemoryRevocationStore(), cache.New(10), zap.NewNop())

	ctx := context.Background()
	_, err = v.FetchJWKS(ctx)
	require.NoError(t, err)
	_, err = v.FetchJWKS(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, fetches)

	v.InvalidateJWKSCache()
	_, err = v.FetchJWKS(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)
}

func TestRedisRevocationStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisRevocationStore(client)
	ctx := context.Background()

	revoked, err := store.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, store.Revoke(ctx, "jti-1", time.Now().Add(time.Hour)))

	revoked, err = store.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	// TTL tracks the remaining token lifetime.
	ttl := mr.TTL(revocationKeyPrefix + "jti-1")
	assert.Greater(t, ttl, 59*time.Minute)

	// Revoking an already-expired token is a no-op.
	require.NoError(t, store.Revoke(ctx, "jti-2", time.Now().Add(-time.Minute)))
	revoked, err = store.IsRevoked(ctx, "jti-2")
	require.NoError(t, err)
	assert.False(t, revoked)
}
