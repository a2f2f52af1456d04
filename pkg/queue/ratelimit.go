package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// rateLimitScript implements a token bucket in Redis so the limit holds
// across worker processes, not just within one.
//
// KEYS[1]: bucket key
// ARGV: rate (tokens/sec), burst (capacity), now (unix seconds), requested
var rateLimitScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local new_tokens = math.min(burst, tokens + (delta * rate))

	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
		return 1
	else
		redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
		return 0
	end
`)

// RateLimiter throttles job dispatch for a queue. It is a separate concern
// from retry backoff: backoff delays retries of a failing job, the limiter
// delays dispatch of any job, first attempts included.
type RateLimiter struct {
	rdb   *redis.Client
	key   string
	rate  float64
	burst int
}

// NewRateLimiter builds a limiter refilling rate tokens per second with the
// given burst capacity, identified by key (e.g. "ratelimit:email").
func NewRateLimiter(rdb *redis.Client, key string, rate float64, burst int) *RateLimiter {
	return &RateLimiter{rdb: rdb, key: key, rate: rate, burst: burst}
}

// Allow consumes one token if available. Returns false when the caller
// should hold off dispatching.
func (l *RateLimiter) Allow(ctx context.Context) (bool, error) {
	res, err := rateLimitScript.Run(ctx, l.rdb,
		[]string{l.key},
		l.rate, l.burst, time.Now().Unix(), 1,
	).Result()
	if err != nil {
		return false, errors.Wrap(err, "rate limit check")
	}
	return res.(int64) == 1, nil
}
