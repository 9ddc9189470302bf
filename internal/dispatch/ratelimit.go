package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills at rate/60 tokens per second up to rate and
// consumes one token per call. The bucket key expires after two idle minutes.
const tokenBucketScript = `
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local now = tonumber(ARGV[2])

	local bucket = redis.call('get', key)
	if not bucket then
		bucket = '{"tokens":' .. rate .. ',"last":' .. now .. '}'
	end

	local data = cjson.decode(bucket)
	local elapsed = now - data.last
	local tokens = math.min(rate, data.tokens + elapsed * (rate / 60))

	if tokens >= 1 then
		tokens = tokens - 1
		redis.call('setex', key, 120, cjson.encode({tokens=tokens, last=now}))
		return 1
	else
		return 0
	end
`

// RateLimiter is a Redis-backed distributed token bucket keyed per execution,
// so multiple engine instances share one enqueue budget.
type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// Allow consumes one token from the bucket, reporting whether a token was
// available.
func (r *RateLimiter) Allow(ctx context.Context, key string, ratePerMinute int) (bool, error) {
	if ratePerMinute <= 0 {
		return true, nil
	}
	bucketKey := fmt.Sprintf("throttle:dispatch:%s", key)
	result, err := r.redis.Eval(ctx, tokenBucketScript, []string{bucketKey}, ratePerMinute, time.Now().Unix()).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// Wait blocks until a token is available or the context is done.
func (r *RateLimiter) Wait(ctx context.Context, key string, ratePerMinute int) error {
	if ratePerMinute <= 0 {
		return nil
	}
	for {
		ok, err := r.Allow(ctx, key, ratePerMinute)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		waitTime := time.Duration(60000/ratePerMinute) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}
}
