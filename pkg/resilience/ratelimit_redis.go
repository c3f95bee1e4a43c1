package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/specjet-api/specjet-sub000/pkg/fault"
)

// redisTokenBucketScript refills and consumes atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = now (unix seconds, microsecond precision)
// ARGV[4] = key ttl in seconds
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`)

// RedisLimiter keeps the token bucket in Redis so several validation runs
// against the same target share one request budget.
type RedisLimiter struct {
	client redis.Scripter
	key    string

	mu    sync.Mutex
	rps   float64
	clock func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewRedisLimiter creates a limiter whose bucket lives under key.
func NewRedisLimiter(client redis.Scripter, key string, rps float64) *RedisLimiter {
	if rps <= 0 {
		rps = 1
	}
	return &RedisLimiter{
		client: client,
		key:    "specjet:ratelimit:" + key,
		rps:    rps,
		clock:  time.Now,
		sleep:  sleepContext,
	}
}

// NewRedisClient connects to addr. The caller owns the returned client.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Acquire takes one token from the shared bucket, waiting 1/rate between
// attempts. Redis failures are returned as LIMITER_FAILURE.
func (l *RedisLimiter) Acquire(ctx context.Context) error {
	for {
		ok, err := l.take(ctx)
		if err != nil {
			return fault.New(fault.KindBatch, fault.CodeLimiterFailure, l.key, err)
		}
		if ok {
			return nil
		}

		l.mu.Lock()
		wait := time.Duration(float64(time.Second) / l.rps)
		sleep := l.sleep
		l.mu.Unlock()

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *RedisLimiter) take(ctx context.Context) (bool, error) {
	l.mu.Lock()
	rps := l.rps
	now := float64(l.clock().UnixMicro()) / 1e6
	l.mu.Unlock()

	capacity := capacityFor(rps)
	ttl := int(float64(capacity)/rps) + 60

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{l.key}, rps, capacity, now, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script reply %T", res)
	}
	allowed, _ := values[0].(int64)
	return allowed == 1, nil
}

// SetRate changes the refill rate used by subsequent acquisitions.
func (l *RedisLimiter) SetRate(rps float64) {
	if rps <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rps = rps
}
