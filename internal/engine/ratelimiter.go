package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter implements a per-webhook sliding window rate limiter using
// Redis. Each webhook gets a sorted set of request markers scored by
// timestamp; a Lua script atomically expires old markers, checks the count,
// and records the new request.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	script      *redis.Script
}

// 1. Remove entries older than the window
// 2. Count remaining entries
// 3. If under the limit, add a new entry and return 1 (allowed)
// 4. If at/over the limit, return 0 (denied)
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, window / 1000 + 1)
    return 1
else
    return 0
end
`)

func NewRateLimiter(redisClient *redis.Client, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		script:      slidingWindowScript,
	}
}

func rlKey(webhookID string) string {
	return fmt.Sprintf("webhook:rl:%s", webhookID)
}

// Allow checks whether a delivery to this webhook is within its rate limit.
// A denied delivery is deferred by the caller, not failed — rate limiting
// never consumes an attempt. A limit of 0 means unlimited.
func (rl *RateLimiter) Allow(ctx context.Context, webhookID string, limit int) bool {
	if limit <= 0 {
		return true
	}

	key := rlKey(webhookID)
	now := time.Now().UnixMilli()
	window := int64(1000)
	member := fmt.Sprintf("%d:%d", now, time.Now().UnixNano()%10000)

	result, err := rl.script.Run(ctx, rl.redisClient, []string{key},
		now, window, limit, member,
	).Int64()
	if err != nil {
		// Fail open: a Redis outage must not stall deliveries.
		rl.logger.Error("rate limiter script failed", "error", err, "webhook_id", webhookID)
		return true
	}

	if result == 0 {
		rl.logger.Debug("delivery rate limited", "webhook_id", webhookID, "limit", limit)
		return false
	}
	return true
}
