package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// tokenBucketScript refills and takes from a bucket stored as a hash.
// Returns: [allowed (0/1), tokens left (string), ms until full]
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
    tokens = capacity
    ts = now
end

local elapsed = math.max(0, now - ts)
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if cost <= tokens then
    tokens = tokens - cost
    allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', now)
local full = math.ceil((capacity - tokens) / rate)
redis.call('PEXPIRE', key, full + 1000)
return {allowed, tostring(tokens), full}
`)

// slidingWindowScript implements a sliding window log using a sorted set.
// Members are "<id>:<cost>". Returns: [allowed (0/1), remaining, resetMs]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local id = ARGV[5]

-- Remove entries outside the window
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local entries = redis.call('ZRANGE', key, 0, -1, 'WITHSCORES')
local used = 0
for i = 1, #entries, 2 do
    used = used + tonumber(string.match(entries[i], ':(%d+)$'))
end

if used + cost <= limit then
    redis.call('ZADD', key, now, id .. ':' .. cost)
    redis.call('PEXPIRE', key, window)
    return {1, limit - used - cost, now + window}
end

-- Rejected: find when enough units leave the window
local need = used + cost - limit
local freed = 0
local reset = now + window
for i = 1, #entries, 2 do
    freed = freed + tonumber(string.match(entries[i], ':(%d+)$'))
    if freed >= need then
        reset = tonumber(entries[i + 1]) + window
        break
    end
end
return {0, math.max(0, limit - used), reset}
`)

// RedisStore shares counters between gateway instances. When Redis is
// unreachable it fails open and admits the call.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	logger  *zap.Logger

	failOpen atomic.Int64
}

// RedisStoreConfig holds config for creating a RedisStore.
type RedisStoreConfig struct {
	Client redis.UniversalClient
	Prefix string
	// Timeout bounds each script call.
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(cfg RedisStoreConfig) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "oagw:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &RedisStore{client: cfg.Client, prefix: cfg.Prefix, timeout: cfg.Timeout, logger: cfg.Logger}
}

// TokenBucket implements Store.
func (s *RedisStore) TokenBucket(ctx context.Context, key string, perSecond float64, capacity, cost int64) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := time.Now()
	perMs := perSecond / 1000
	res, err := tokenBucketScript.Run(ctx, s.client,
		[]string{s.prefix + "tb:" + key},
		strconv.FormatFloat(perMs, 'f', -1, 64),
		capacity,
		cost,
		now.UnixMilli(),
	).Slice()
	if err == nil && len(res) != 3 {
		err = fmt.Errorf("unexpected script result %v", res)
	}
	if err != nil {
		return s.open(key, capacity, err), nil
	}

	allowed, _ := res[0].(int64)
	tokensStr, _ := res[1].(string)
	tokens, _ := strconv.ParseFloat(tokensStr, 64)
	fullMs, _ := res[2].(int64)

	d := Decision{
		Allowed:   allowed == 1,
		Limit:     capacity,
		Remaining: int64(math.Max(0, math.Floor(tokens))),
		Reset:     now.Add(time.Duration(fullMs) * time.Millisecond),
	}
	if !d.Allowed {
		missing := float64(cost) - tokens
		if cost > capacity {
			missing = float64(capacity)
		}
		d.RetryAfter = secondsToDuration(missing / perSecond)
	}
	return d, nil
}

// SlidingWindow implements Store.
func (s *RedisStore) SlidingWindow(ctx context.Context, key string, limit int64, window time.Duration, cost int64) (Decision, error) {
	if window <= 0 {
		window = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := time.Now()
	res, err := slidingWindowScript.Run(ctx, s.client,
		[]string{s.prefix + "sw:" + key},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
		cost,
		uuid.NewString(),
	).Int64Slice()
	if err == nil && len(res) != 3 {
		err = fmt.Errorf("unexpected script result %v", res)
	}
	if err != nil {
		return s.open(key, limit, err), nil
	}

	reset := time.UnixMilli(res[2])
	d := Decision{Allowed: res[0] == 1, Limit: limit, Remaining: res[1], Reset: reset}
	if !d.Allowed {
		d.RetryAfter = time.Until(reset)
		if cost > limit {
			d.RetryAfter = window
		}
	}
	return d, nil
}

// open admits a call whose counter could not be consulted.
func (s *RedisStore) open(key string, limit int64, err error) Decision {
	s.failOpen.Add(1)
	s.logger.Warn("redis rate limit unavailable, failing open",
		zap.String("key", key),
		zap.Error(err),
	)
	return Decision{Allowed: true, Limit: limit, Remaining: limit}
}

// FailOpenCount reports how many calls were admitted without Redis.
func (s *RedisStore) FailOpenCount() int64 { return s.failOpen.Load() }

// Len implements Store. Counters live in Redis and are not counted.
func (s *RedisStore) Len() int { return -1 }

// Close closes the Redis client.
func (s *RedisStore) Close() error { return s.client.Close() }
