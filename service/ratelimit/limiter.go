package ratelimit

import (
	"context"
	"time"

	"PPresence/global"
	"PPresence/logger"

	"github.com/redis/go-redis/v9"
)

// Limited is the sentinel remaining count for a rejected call.
const Limited = -1

// Class is one operation class with its own window/limit pair.
type Class struct {
	Name   string
	Window time.Duration
	Limit  int
}

// Policy table. The per-IP class is deliberately stricter than the per-user
// ones so address-level abuse is blunted independently.
var (
	ClassAddRelation = Class{Name: "add_relation", Window: time.Minute, Limit: 10}
	ClassBatchOp     = Class{Name: "batch_op", Window: 5 * time.Minute, Limit: 5}
	ClassQuery       = Class{Name: "query", Window: time.Minute, Limit: 100}
	ClassPerIP       = Class{Name: "ip", Window: time.Minute, Limit: 50}
)

// ===== Lua =====

// Sliding window check-then-act, single round-trip so two concurrent callers
// on the same key cannot both observe count < limit.
// KEYS[1] = rate_limit:<class>:<actor>
// ARGV[1] = nowMillis
// ARGV[2] = windowSeconds
// ARGV[3] = limit
// ARGV[4] = member (unique per event)
// Returns: remaining budget (>= 0) after recording, or -1 when limited
// (nothing recorded).
const luaSlidingWindow = `
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window * 1000)
local cnt = redis.call("ZCARD", key)
if cnt < limit then
  redis.call("ZADD", key, now, member)
  redis.call("EXPIRE", key, window + 1)
  return limit - cnt - 1
end
return -1
`

// Evaler is the slice of the Redis client the limiter needs; tests inject an
// in-memory implementation.
type Evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type Limiter struct {
	rdb   Evaler
	clock func() time.Time
	seq   func() string // unique member per recorded event
}

func NewLimiter(rdb Evaler, seq func() string) *Limiter {
	return &Limiter{rdb: rdb, clock: time.Now, seq: seq}
}

// WithClock injects a clock for tests.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	return l
}

// Allow runs the sliding-window check for (class, actor). remaining is the
// budget left after this call, or Limited.
//
// Fail-open policy: on any Redis error the caller is admitted (remaining 0,
// allowed true) and the error is logged. Availability of the business
// operation wins over strict enforcement while the store is degraded; a
// deployment with a different risk tolerance should change this here.
func (l *Limiter) Allow(ctx context.Context, cls Class, actor string) (remaining int, allowed bool) {
	key := global.RateLimitKey(cls.Name, actor)
	now := l.clock().UnixMilli()
	windowSec := int64(cls.Window / time.Second)

	n, err := l.rdb.Eval(ctx, luaSlidingWindow, []string{key},
		now, windowSec, cls.Limit, l.seq()).Int64()
	if err != nil {
		logger.Errorf("[ratelimit] eval failed, failing open class=%s actor=%s err=%v", cls.Name, actor, err)
		return 0, true
	}
	if n < 0 {
		return Limited, false
	}
	return int(n), true
}
