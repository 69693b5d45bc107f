package prefs

import (
	"context"
	"time"

	"PPresence/global"
	"PPresence/logger"
	"PPresence/service/notify"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Store answers per-kind notification switches: Postgres is the source of
// truth, a Redis hash per user is the read-through cache. Implements
// notify.PrefChecker. Unset preferences default to enabled.
type Store struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	ttl  time.Duration
}

func New(pool *pgxpool.Pool, rdb *redis.Client, cacheTTL time.Duration) *Store {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Store{pool: pool, rdb: rdb, ttl: cacheTTL}
}

// Connect builds the pgx pool and verifies it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "pgx pool")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "pgx ping")
	}
	return pool, nil
}

// Enabled never fails the caller: cache errors fall through to Postgres,
// Postgres errors fall back to the enabled default.
func (s *Store) Enabled(ctx context.Context, userID string, kind notify.Kind) bool {
	field := kind.String()
	if s.rdb != nil {
		v, err := s.rdb.HGet(ctx, global.PrefCacheKey(userID), field).Result()
		if err == nil {
			return v != "0"
		}
		if !errors.Is(err, redis.Nil) {
			logger.Warnf("[prefs] cache read failed user=%s err=%v", userID, err)
		}
	}

	enabled := true
	err := s.pool.QueryRow(ctx,
		`SELECT enabled FROM notification_prefs WHERE user_id = $1 AND kind = $2`,
		userID, field).Scan(&enabled)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		logger.Errorf("[prefs] lookup failed user=%s kind=%s err=%v, defaulting enabled", userID, field, err)
		return true
	}

	if s.rdb != nil {
		val := "1"
		if !enabled {
			val = "0"
		}
		key := global.PrefCacheKey(userID)
		if err := s.rdb.HSet(ctx, key, field, val).Err(); err == nil {
			_ = s.rdb.Expire(ctx, key, s.ttl).Err()
		}
	}
	return enabled
}

// Set writes through and invalidates the cached hash.
func (s *Store) Set(ctx context.Context, userID string, kind notify.Kind, enabled bool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notification_prefs (user_id, kind, enabled)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, kind) DO UPDATE SET enabled = EXCLUDED.enabled`,
		userID, kind.String(), enabled)
	if err != nil {
		return errors.Wrap(err, "set preference")
	}
	if s.rdb != nil {
		if err := s.rdb.Del(ctx, global.PrefCacheKey(userID)).Err(); err != nil {
			logger.Warnf("[prefs] cache invalidate failed user=%s err=%v", userID, err)
		}
	}
	return nil
}
