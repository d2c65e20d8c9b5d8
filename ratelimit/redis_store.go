package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable is returned when the counter store cannot be reached.
var ErrStoreUnavailable = errors.New("rate counter store unavailable")

const counterKeyPrefix = "jano:rl:"

// RedisStore keeps fixed-window counters in Redis so limits hold across
// engine instances. INCR is atomic server-side; the TTL is attached on the
// first increment of each window.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed counter store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Increment atomically increments the window counter
func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	fullKey := counterKeyPrefix + key

	count, err := s.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if count == 1 {
		if err := s.client.Expire(ctx, fullKey, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	return count, nil
}

// Exists reports whether a counter exists for the key
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, counterKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n > 0, nil
}
