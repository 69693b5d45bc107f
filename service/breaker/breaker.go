package breaker

import (
	"context"
	"time"

	"PPresence/global"
	"PPresence/logger"

	"github.com/redis/go-redis/v9"
)

// States, stored as strings under circuit:breaker:<service>. An absent state
// key means closed.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// decisions from the allow script
const (
	decisionAllow  = "allow"
	decisionProbe  = "probe"
	decisionReject = "reject"
)

// ===== Lua =====

// Gate a call. Open->half_open transition doubles as the single-probe claim:
// only the caller that flips the state gets "probe", everyone else keeps
// seeing half_open and is rejected until the probe settles.
// KEYS[1] = circuit:breaker:<svc>
// KEYS[2] = last:failure:<svc>
// ARGV[1] = nowUnix
// ARGV[2] = recoveryTimeoutSeconds
// Returns: "allow" | "probe" | "reject"
const luaAllow = `
local stateKey = KEYS[1]
local lastKey  = KEYS[2]
local now      = tonumber(ARGV[1])
local recovery = tonumber(ARGV[2])

local state = redis.call("GET", stateKey)
if not state or state == "closed" then
  return "allow"
end
if state == "open" then
  local last = tonumber(redis.call("GET", lastKey) or "0")
  if now - last > recovery then
    redis.call("SET", stateKey, "half_open")
    return "probe"
  end
  return "reject"
end
return "reject"
`

// Record a success: failure streak resets; a successful probe closes the
// circuit.
// KEYS[1] = circuit:breaker:<svc>
// KEYS[2] = failure:count:<svc>
const luaOnSuccess = `
local stateKey = KEYS[1]
local countKey = KEYS[2]

redis.call("SET", countKey, 0)
if redis.call("GET", stateKey) == "half_open" then
  redis.call("SET", stateKey, "closed")
end
return 1
`

// Record a failure: bump the count and the last-failure stamp; a failed probe
// reopens immediately, a closed breaker opens once the streak reaches the
// threshold.
// KEYS[1] = circuit:breaker:<svc>
// KEYS[2] = failure:count:<svc>
// KEYS[3] = last:failure:<svc>
// ARGV[1] = nowUnix
// ARGV[2] = failureThreshold
// Returns: resulting state string
const luaOnFailure = `
local stateKey = KEYS[1]
local countKey = KEYS[2]
local lastKey  = KEYS[3]
local now       = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])

local state = redis.call("GET", stateKey)
local cnt = redis.call("INCR", countKey)
redis.call("SET", lastKey, now)

if state == "half_open" then
  redis.call("SET", stateKey, "open")
  return "open"
end
if cnt >= threshold then
  redis.call("SET", stateKey, "open")
  return "open"
end
if state then
  return state
end
return "closed"
`

// Store is the slice of the Redis client the breaker needs; tests inject an
// in-memory implementation.
type Store interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Config struct {
	FailureThreshold int           // consecutive failures before tripping (default 5)
	RecoveryTimeout  time.Duration // open -> half_open cooldown (default 30s)
	Clock            func() time.Time
}

func (c *Config) norm() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type Breaker struct {
	rdb  Store
	conf Config
}

func NewBreaker(rdb Store, conf Config) *Breaker {
	conf.norm()
	return &Breaker{rdb: rdb, conf: conf}
}

// Execute runs op under the breaker for service. It always returns a value:
// op's result when the call goes through and succeeds, otherwise fallback's.
// usedFallback tells the caller which one it got; op's own error never
// escapes. Fallbacks must be side-effect-safe, they run on every call while
// the dependency is degraded.
func Execute[T any](ctx context.Context, b *Breaker, service string,
	op func(context.Context) (T, error), fallback func(context.Context) T) (val T, usedFallback bool) {

	decision := b.allow(ctx, service)
	if decision == decisionReject {
		return fallback(ctx), true
	}

	out, err := op(ctx)
	if err != nil {
		state := b.onFailure(ctx, service)
		logger.Errorf("[breaker] %s call failed state=%s err=%v", service, state, err)
		return fallback(ctx), true
	}
	b.onSuccess(ctx, service)
	return out, false
}

func (b *Breaker) allow(ctx context.Context, service string) string {
	d, err := b.rdb.Eval(ctx, luaAllow,
		[]string{global.BreakerStateKey(service), global.BreakerLastFailureKey(service)},
		b.conf.Clock().Unix(), int64(b.conf.RecoveryTimeout/time.Second)).Text()
	if err != nil {
		// state store unreachable: proceed as closed, the call itself will
		// report its own failure
		logger.Errorf("[breaker] %s allow eval failed err=%v", service, err)
		return decisionAllow
	}
	return d
}

func (b *Breaker) onSuccess(ctx context.Context, service string) {
	if err := b.rdb.Eval(ctx, luaOnSuccess,
		[]string{global.BreakerStateKey(service), global.BreakerFailureKey(service)}).Err(); err != nil {
		logger.Errorf("[breaker] %s onSuccess eval failed err=%v", service, err)
	}
}

func (b *Breaker) onFailure(ctx context.Context, service string) string {
	state, err := b.rdb.Eval(ctx, luaOnFailure,
		[]string{
			global.BreakerStateKey(service),
			global.BreakerFailureKey(service),
			global.BreakerLastFailureKey(service),
		},
		b.conf.Clock().Unix(), b.conf.FailureThreshold).Text()
	if err != nil {
		logger.Errorf("[breaker] %s onFailure eval failed err=%v", service, err)
		return StateClosed
	}
	return state
}

// State reads the current state for service (admin surface).
func (b *Breaker) State(ctx context.Context, service string) string {
	s, err := b.rdb.Get(ctx, global.BreakerStateKey(service)).Result()
	if err != nil || s == "" {
		return StateClosed
	}
	return s
}

// Reset forces service back to closed and clears its failure streak
// (operator intervention).
func (b *Breaker) Reset(ctx context.Context, service string) error {
	return b.rdb.Del(ctx,
		global.BreakerStateKey(service),
		global.BreakerFailureKey(service),
		global.BreakerLastFailureKey(service)).Err()
}
