package security

import (
	"context"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// slidingWindowScript trims expired markers, then admits and records the
// request if under the limit. Returns {allowed, remaining, resetAtMs}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[5])
local count = redis.call('ZCARD', key)
local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
if count >= limit then
  return {0, 0, reset}
end
redis.call('ZADD', key, ARGV[1], ARGV[4])
redis.call('PEXPIRE', key, ARGV[2])
return {1, limit - count - 1, reset}
`)

// RateLimitResult 限流结果
type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"resetAt"`
}

// CheckRateLimit records one request for identity against the tier quota in
// a single round trip. A rejected request is audited.
func (m *Manager) CheckRateLimit(ctx context.Context, identity string, tier Tier) (RateLimitResult, error) {
	quota := m.cfg.QuotaFor(tier)
	now := m.now()
	member, err := gonanoid.Nanoid()
	if err != nil {
		member = fmt.Sprintf("%d", now.UnixNano())
	}

	res, err := slidingWindowScript.Run(ctx, m.client,
		[]string{rateLimitKey(tier, identity)},
		now.UnixMilli(), quota.Window.Milliseconds(), quota.Requests, member, now.Add(-quota.Window).UnixMilli(),
	).Int64Slice()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return RateLimitResult{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	out := RateLimitResult{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		Limit:     quota.Requests,
		ResetAt:   time.UnixMilli(res[2]),
	}
	if !out.Allowed {
		m.logger.Info("rate limit exceeded", zap.String("identity", identity), zap.String("tier", string(tier)))
		m.Audit(ctx, AuditEvent{Type: AuditRateLimited, Identity: identity, Detail: string(tier)})
	}
	return out, nil
}

func rateLimitKey(tier Tier, identity string) string {
	return fmt.Sprintf("voice:ratelimit:%s:%s", tier, identity)
}
