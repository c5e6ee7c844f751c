package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "narrator:quota:"

// reserveScript trims the user's sorted set to the window, then adds the new
// reservation only if the ceiling has not been reached. Returns 1 when added.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
	return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// releaseScript removes a single reservation scored at the given time.
var releaseScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[1], 'LIMIT', 0, 1)
if #members == 0 then
	return 0
end
return redis.call('ZREM', KEYS[1], members[1])
`)

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisLimiter keeps reservations in a Redis sorted set per user.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRedisLimiter connects to Redis and verifies the connection.
func NewRedisLimiter(cfg RedisConfig, limit int, window time.Duration) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pingErr := client.Ping(ctx).Err()
	if pingErr != nil {
		_ = client.Close()

		return nil, fmt.Errorf("redis ping failed: %w", pingErr)
	}

	return &RedisLimiter{client: client, limit: limit, window: window}, nil
}

// Reserve atomically records a conversion at now, or fails with
// core.ErrQuotaExceeded.
func (r *RedisLimiter) Reserve(ctx context.Context, userID string, now time.Time) error {
	added, err := reserveScript.Run(ctx, r.client, []string{keyPrefix + userID},
		now.UnixMilli(), r.window.Milliseconds(), r.limit, uuid.NewString()).Int()
	if err != nil {
		return fmt.Errorf("failed to reserve quota for user %s: %w", userID, err)
	}

	if added == 0 {
		return exceeded(userID, r.limit, r.window)
	}

	return nil
}

// Release drops one reservation made at reservedAt.
func (r *RedisLimiter) Release(ctx context.Context, userID string, reservedAt time.Time) error {
	err := releaseScript.Run(ctx, r.client, []string{keyPrefix + userID}, reservedAt.UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("failed to release quota for user %s: %w", userID, err)
	}

	return nil
}

// Close releases the Redis connection pool.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
