package presence

import (
	"context"
	"time"

	"PPresence/global"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisMirror reflects local presence into Redis so other gateway nodes (and
// the fanout subscriber) can answer "which node holds this user".
// Value is the gateway id; the TTL bounds online validity, renewed on
// heartbeat via Touch.
type RedisMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisMirror(rdb *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisMirror{rdb: rdb, ttl: ttl}
}

func (r *RedisMirror) Online(ctx context.Context, userID, gatewayID string) error {
	return r.rdb.Set(ctx, global.PresenceKey(userID), gatewayID, r.ttl).Err()
}

func (r *RedisMirror) Offline(ctx context.Context, userID string) error {
	return r.rdb.Del(ctx, global.PresenceKey(userID)).Err()
}

// Touch renews the TTL without rewriting the value.
func (r *RedisMirror) Touch(ctx context.Context, userID string) error {
	return r.rdb.Expire(ctx, global.PresenceKey(userID), r.ttl).Err()
}

func (r *RedisMirror) Lookup(ctx context.Context, userID string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, global.PresenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
