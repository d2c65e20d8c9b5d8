package principal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/upb/jano/cache"
	"github.com/upb/jano/models"
	"go.uber.org/zap"
)

var (
	// ErrPrincipalNotFound is returned when the users service has no such user
	ErrPrincipalNotFound = errors.New("principal not found")

	// ErrUsersServiceUnavailable is returned when the users service cannot be reached
	ErrUsersServiceUnavailable = errors.New("users service unavailable")
)

// Resolver fetches principals from the users microservice with a read-through
// TTL cache. Lookup failures are never cached: a missing or errored lookup
// must not shadow a user that exists on the next attempt.
type Resolver struct {
	baseURL    string
	httpClient *http.Client
	cache      *cache.Cache
	cacheTTL   time.Duration
	logger     *zap.Logger
}

// Config holds resolver configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// NewResolver creates a principal resolver
func NewResolver(cfg Config, sharedCache *cache.Cache, logger *zap.Logger) *Resolver {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 10 * time.Minute
	}

	return &Resolver{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      sharedCache,
		cacheTTL:   cfg.CacheTTL,
		logger:     logger,
	}
}

// Resolve returns the principal for the user id, from cache when fresh.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*models.Principal, error) {
	key := cacheKey(userID)
	if cached, ok := r.cache.Get(key); ok {
		if p, ok := cached.(*models.Principal); ok {
			return p, nil
		}
	}

	p, err := r.fetch(ctx, userID)
	if err != nil {
		return nil, err
	}

	r.cache.Set(key, p, r.cacheTTL)
	return p, nil
}

// Invalidate drops the cached principal for a user, forcing a refetch.
func (r *Resolver) Invalidate(userID string) {
	r.cache.Invalidate(cacheKey(userID))
}

func cacheKey(userID string) string {
	return "principal:" + userID
}

// principalResponse is the users service's internal lookup payload.
type principalResponse struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	Role        string   `json:"role"`
	Groups      []string `json:"groups"`
	Permissions []string `json:"permissions"`
	MFAEnrolled bool     `json:"mfa_enrolled"`
	Active      bool     `json:"active"`
}

func (r *Resolver) fetch(ctx context.Context, userID string) (*models.Principal, error) {
	endpoint := fmt.Sprintf("%s/internal/users/%s", r.baseURL, url.PathEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Error("users service request failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUsersServiceUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrPrincipalNotFound
	default:
		return nil, fmt.Errorf("%w: status code %d", ErrUsersServiceUnavailable, resp.StatusCode)
	}

	var payload principalResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode users service response: %w", err)
	}

	if !payload.Active {
		return nil, ErrPrincipalNotFound
	}

	return &models.Principal{
		UserID:      payload.UserID,
		Username:    payload.Username,
		Role:        payload.Role,
		Groups:      payload.Groups,
		Permissions: payload.Permissions,
		MFAEnrolled: payload.MFAEnrolled,
	}, nil
}
