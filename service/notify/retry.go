package notify

import (
	"context"
	"time"

	"PPresence/global"
	"PPresence/logger"
	"PPresence/tools/safe"

	"github.com/redis/go-redis/v9"
)

// retryRedis is the slice of the Redis client the pending store needs.
type retryRedis interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
}

// Atomically claim due entries so two sweepers never reprocess the same one.
// KEYS[1] = notify:pending
// ARGV[1] = nowMillis
// ARGV[2] = batch limit
// Returns: claimed members (removed from the set)
const luaClaimDue = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, v in ipairs(due) do
  redis.call("ZREM", KEYS[1], v)
end
return due
`

// RetryStore keeps "failed, awaiting retry" entries while the broker path is
// degraded: a ZSET scored by nextRetryTime, swept periodically.
type RetryStore struct {
	rdb         retryRedis
	baseBackoff time.Duration // delay = base * attemptNumber
	batch       int
	clock       func() time.Time
}

func NewRetryStore(rdb retryRedis, baseBackoff time.Duration) *RetryStore {
	if baseBackoff <= 0 {
		baseBackoff = 5 * time.Second
	}
	return &RetryStore{rdb: rdb, baseBackoff: baseBackoff, batch: 128, clock: time.Now}
}

// WithClock injects a clock for tests.
func (s *RetryStore) WithClock(clock func() time.Time) *RetryStore {
	s.clock = clock
	return s
}

// Add records msg with an increasing per-attempt backoff.
func (s *RetryStore) Add(ctx context.Context, msg *Message) error {
	attempt := msg.RetryCount
	if attempt <= 0 {
		attempt = 1
	}
	next := s.clock().Add(s.baseBackoff * time.Duration(attempt))
	msg.NextRetryTime = next.UnixMilli()
	return s.rdb.ZAdd(ctx, global.PendingRetryKey(), redis.Z{
		Score:  float64(msg.NextRetryTime),
		Member: string(msg.Encode()),
	}).Err()
}

// ClaimDue atomically removes and returns every entry whose nextRetryTime
// has elapsed.
func (s *RetryStore) ClaimDue(ctx context.Context) ([]*Message, error) {
	raws, err := s.rdb.Eval(ctx, luaClaimDue, []string{global.PendingRetryKey()},
		s.clock().UnixMilli(), s.batch).StringSlice()
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := Decode([]byte(raw))
		if err != nil {
			logger.Errorf("[notify] undecodable pending entry dropped err=%v", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Depth reports the pending backlog for the admin surface.
func (s *RetryStore) Depth(ctx context.Context) int64 {
	n, err := s.rdb.ZCard(ctx, global.PendingRetryKey()).Result()
	if err != nil {
		return -1
	}
	return n
}

// StartSweeper reprocesses due entries through process every interval.
func (s *RetryStore) StartSweeper(ctx context.Context, every time.Duration, process func(context.Context, *Message) error) {
	if every <= 0 {
		every = 10 * time.Second
	}
	safe.SafeGoNamed("notify/sweeper", func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				due, err := s.ClaimDue(ctx)
				if err != nil {
					logger.Errorf("[notify] sweep claim failed err=%v", err)
					continue
				}
				for _, msg := range due {
					if err := process(ctx, msg); err != nil {
						logger.Errorf("[notify] sweep reprocess failed id=%s err=%v", msg.ID, err)
					}
				}
			}
		}
	})
}
