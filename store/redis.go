package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	ratelimiter "github.com/jassus213/go-route-limiter"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements the ratelimiter.Store interface using Redis as the backend.
// It is suitable for distributed systems where multiple application instances need to share
// a common rate-limiting state. It uses Lua scripts to ensure atomicity.
//
// Errors are returned to the caller unchanged; the controller logs them and
// fails open.
type RedisStore struct {
	client          redis.UniversalClient
	incrementScript *redis.Script
	decrementScript *redis.Script
}

var _ ratelimiter.Store = (*RedisStore)(nil)

// NewRedis creates a new instance of RedisStore.
// It pre-compiles Lua scripts so increments and refunds are single round trips.
func NewRedis(client redis.UniversalClient) *RedisStore {
	const incrementLua = `
		local current = redis.call("INCR", KEYS[1])
		if tonumber(current) == 1 then
			redis.call("PEXPIRE", KEYS[1], ARGV[1])
		end
		return current
	`

	const decrementLua = `
		local current = redis.call("GET", KEYS[1])
		if not current then
			return 0
		end
		if tonumber(current) <= 0 then
			return 0
		end
		return redis.call("DECR", KEYS[1])
	`

	return &RedisStore{
		client:          client,
		incrementScript: redis.NewScript(incrementLua),
		decrementScript: redis.NewScript(decrementLua),
	}
}

// Increment executes the pre-compiled Lua script for the fixed window counter.
func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, ErrInvalidTTL
	}
	res, err := s.incrementScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis increment %q: %w", key, err)
	}
	return res, nil
}

// Get reads the counter for key. A missing key is reported as (0, false, nil).
func (s *RedisStore) Get(ctx context.Context, key string) (int64, bool, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return v, true, nil
}

// Set overwrites the counter for key with a millisecond-precision expiry.
// ttl must be positive; Redis would otherwise keep the key forever.
func (s *RedisStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Decrement lowers an existing counter by one without touching its TTL.
// Missing keys are not created.
func (s *RedisStore) Decrement(ctx context.Context, key string) (int64, error) {
	res, err := s.decrementScript.Run(ctx, s.client, []string{key}).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis decrement %q: %w", key, err)
	}
	return res, nil
}

// Ping checks connectivity, typically once at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
