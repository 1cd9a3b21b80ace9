// Package ratelimit provides a Redis-backed token bucket. The webhook
// dispatcher uses it per LINE user id, the login endpoint per client IP.
package ratelimit

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Limiter throttles callers sharing a key to limit events per window.
type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// New returns a limiter allowing at most limit events per window per
// key. prefix namespaces Redis keys so the webhook and login limiters
// never share buckets.
func New(rdb *redis.Client, limit int, window time.Duration, prefix string) *Limiter {
	if prefix == "" {
		prefix = "rl:"
	} else if !strings.HasPrefix(prefix, "rl:") {
		prefix = "rl:" + prefix
	}
	return &Limiter{rdb: rdb, limit: limit, window: window, prefix: prefix}
}

// Allow consumes a token for the key if one is available. A nil Redis
// client or non-positive limit disables throttling rather than
// blocking traffic.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.rdb == nil || l.limit <= 0 {
		return true, nil
	}
	now := time.Now().UnixMilli()
	interval := l.window.Milliseconds() / int64(l.limit)
	res, err := l.rdb.Eval(ctx, tokenBucketScript, []string{l.prefix + key}, l.limit, interval, now).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// PerIP returns a Gin middleware keying the bucket by client IP, for
// endpoints like login where the caller has no identity yet.
func (l *Limiter) PerIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := l.Allow(c.Request.Context(), c.ClientIP())
		if err != nil || !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			return
		}
		c.Next()
	}
}

// tokenBucketScript refills tokens lazily from the elapsed time since
// the last event and decrements atomically, so concurrent webhook
// deliveries for one user cannot both pass on the last token.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = capacity
  ts = now
else
  local delta = now - ts
  local add = math.floor(delta / interval)
  if add > 0 then
    tokens = math.min(tokens + add, capacity)
    ts = ts + add * interval
  end
end
local allowed = 0
if tokens > 0 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HMSET', key, 'tokens', tokens, 'ts', ts)
redis.call('PEXPIRE', key, interval * capacity)
return allowed
`
