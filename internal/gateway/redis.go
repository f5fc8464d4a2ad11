package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis-backed store variants for multi-instance deployments. Selected
// by configuration (REDIS_URL); the pipeline only sees the store
// interfaces.

const (
	redisRateLimitPrefix = "tollgate:rl:"
	redisSessionPrefix   = "tollgate:session:"
)

// checkScript runs the evict-count-append sequence atomically on the
// server so concurrent gateway instances can never both take the last
// slot. Returns {allowed, count, oldestScoreMs}.
var checkScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local stale = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {0, count, tonumber(oldest[2])}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, stale)
return {1, count + 1, 0}
`)

// RedisRateLimit is a sliding-window rate limiter over a Redis sorted
// set per key, scored by request timestamp in epoch milliseconds.
type RedisRateLimit struct {
	rdb *redis.Client
	seq atomic.Uint64 // disambiguates same-millisecond members
}

// NewRedisRateLimit creates a Redis-backed rate limiter. The client is
// owned by the caller.
func NewRedisRateLimit(rdb *redis.Client) *RedisRateLimit {
	return &RedisRateLimit{rdb: rdb}
}

func (r *RedisRateLimit) Check(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	now := time.Now()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(r.seq.Add(1), 10)

	res, err := checkScript.Run(ctx, r.rdb,
		[]string{redisRateLimitPrefix + key},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
		rateLimitStale(window).Milliseconds(),
		member,
	).Int64Slice()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("rate limit check: %w", err)
	}
	if len(res) != 3 {
		return RateLimitResult{}, fmt.Errorf("rate limit check: unexpected script reply of length %d", len(res))
	}

	if res[0] == 0 {
		reset := time.UnixMilli(res[2]).Add(window).Sub(now)
		if reset < 0 {
			reset = 0
		}
		return RateLimitResult{Allowed: false, Remaining: 0, Limit: limit, Reset: reset}, nil
	}

	return RateLimitResult{
		Allowed:   true,
		Remaining: limit - int(res[1]),
		Limit:     limit,
		Reset:     window,
	}, nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (r *RedisRateLimit) Close() {}

// RedisSessionStore keeps paid-session expiries in Redis. The value is
// the expiry in epoch milliseconds and the key carries a matching TTL,
// so Redis itself is the background sweep; Get still applies lazy expiry
// to cover clock skew between gateway and Redis.
type RedisSessionStore struct {
	rdb *redis.Client
}

// NewRedisSessionStore creates a Redis-backed session store. The client
// is owned by the caller.
func NewRedisSessionStore(rdb *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb}
}

func (s *RedisSessionStore) Get(ctx context.Context, key string) (time.Time, bool, error) {
	val, err := s.rdb.Get(ctx, redisSessionPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("session get: %w", err)
	}

	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("session get: corrupt expiry %q", val)
	}

	expiry := time.UnixMilli(ms)
	if !expiry.After(time.Now()) {
		_ = s.rdb.Del(ctx, redisSessionPrefix+key).Err()
		return time.Time{}, false, nil
	}
	return expiry, true, nil
}

func (s *RedisSessionStore) Set(ctx context.Context, key string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return s.rdb.Del(ctx, redisSessionPrefix+key).Err()
	}
	if err := s.rdb.Set(ctx, redisSessionPrefix+key, expiresAt.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("session set: %w", err)
	}
	return nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (s *RedisSessionStore) Close() {}
