package attention

import (
	"context"
	"time"

	"PPresence/global"
	"PPresence/service/eventbus"
	"PPresence/tools/errs"

	"github.com/redis/go-redis/v9"
)

// Store keeps the special-attention relation in Redis sets, mirrored both
// ways so watcher lookups and membership checks are each a single command.
//
//	attention:watchers:<user>  who watches <user>
//	attention:watches:<user>   whom <user> watches
type Store struct {
	rdb *redis.Client
	bus *eventbus.Bus
}

func NewStore(rdb *redis.Client, bus *eventbus.Bus) *Store {
	return &Store{rdb: rdb, bus: bus}
}

// Add registers watcher -> target. Self and duplicate relations are
// business-rule violations and never retried.
func (s *Store) Add(ctx context.Context, watcher, target string) error {
	if watcher == target {
		return errs.ErrSelfRelation.Wrap()
	}
	added, err := s.rdb.SAdd(ctx, global.AttentionWatchersKey(target), watcher).Result()
	if err != nil {
		return errs.WrapMsg(err, "attention add")
	}
	if added == 0 {
		return errs.ErrDuplicateRelation.Wrap()
	}
	if err := s.rdb.SAdd(ctx, global.AttentionWatchesKey(watcher), target).Err(); err != nil {
		return errs.WrapMsg(err, "attention add reverse")
	}
	s.publish(watcher, target, true)
	return nil
}

// Remove drops watcher -> target; removing an absent relation is a no-op.
func (s *Store) Remove(ctx context.Context, watcher, target string) error {
	removed, err := s.rdb.SRem(ctx, global.AttentionWatchersKey(target), watcher).Result()
	if err != nil {
		return errs.WrapMsg(err, "attention remove")
	}
	if err := s.rdb.SRem(ctx, global.AttentionWatchesKey(watcher), target).Err(); err != nil {
		return errs.WrapMsg(err, "attention remove reverse")
	}
	if removed > 0 {
		s.publish(watcher, target, false)
	}
	return nil
}

// WatchersOf lists users who specially attend userID.
func (s *Store) WatchersOf(ctx context.Context, userID string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, global.AttentionWatchersKey(userID)).Result()
	if err != nil {
		return nil, errs.WrapMsg(err, "attention watchers")
	}
	return members, nil
}

// Watches reports whether watcher specially attends target.
func (s *Store) Watches(ctx context.Context, watcher, target string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, global.AttentionWatchesKey(watcher), target).Result()
	if err != nil {
		return false, errs.WrapMsg(err, "attention watches")
	}
	return ok, nil
}

// ListWatches returns whom userID watches.
func (s *Store) ListWatches(ctx context.Context, userID string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, global.AttentionWatchesKey(userID)).Result()
	if err != nil {
		return nil, errs.WrapMsg(err, "attention watches list")
	}
	return members, nil
}

func (s *Store) publish(watcher, target string, added bool) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.AttentionUpdated{
		UserID:   watcher,
		TargetID: target,
		Added:    added,
		TS:       time.Now().UnixMilli(),
	})
}
