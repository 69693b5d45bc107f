package breaker

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// memStore re-implements the breaker scripts over a plain map so the state
// machine is testable without a server.
type memStore struct {
	kv   map[string]string
	fail bool
}

func newMemStore() *memStore {
	return &memStore{kv: make(map[string]string)}
}

func (s *memStore) getInt(key string) int64 {
	n, _ := strconv.ParseInt(s.kv[key], 10, 64)
	return n
}

func (s *memStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	if s.fail {
		return redis.NewCmdResult(nil, errors.New("store unreachable"))
	}
	switch script {
	case luaAllow:
		stateKey, lastKey := keys[0], keys[1]
		now := args[0].(int64)
		recovery := args[1].(int64)
		state := s.kv[stateKey]
		if state == "" || state == StateClosed {
			return redis.NewCmdResult(decisionAllow, nil)
		}
		if state == StateOpen {
			if now-s.getInt(lastKey) > recovery {
				s.kv[stateKey] = StateHalfOpen
				return redis.NewCmdResult(decisionProbe, nil)
			}
			return redis.NewCmdResult(decisionReject, nil)
		}
		return redis.NewCmdResult(decisionReject, nil)

	case luaOnSuccess:
		stateKey, countKey := keys[0], keys[1]
		s.kv[countKey] = "0"
		if s.kv[stateKey] == StateHalfOpen {
			s.kv[stateKey] = StateClosed
		}
		return redis.NewCmdResult(int64(1), nil)

	case luaOnFailure:
		stateKey, countKey, lastKey := keys[0], keys[1], keys[2]
		now := args[0].(int64)
		threshold := int64(args[1].(int))
		state := s.kv[stateKey]
		cnt := s.getInt(countKey) + 1
		s.kv[countKey] = strconv.FormatInt(cnt, 10)
		s.kv[lastKey] = strconv.FormatInt(now, 10)
		if state == StateHalfOpen || cnt >= threshold {
			s.kv[stateKey] = StateOpen
			return redis.NewCmdResult(StateOpen, nil)
		}
		if state != "" {
			return redis.NewCmdResult(state, nil)
		}
		return redis.NewCmdResult(StateClosed, nil)
	}
	return redis.NewCmdResult(nil, errors.New("unknown script"))
}

func (s *memStore) Get(ctx context.Context, key string) *redis.StringCmd {
	if v, ok := s.kv[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (s *memStore) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(s.kv, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

const svc = "downstream"

func failingOp(calls *int) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		*calls++
		return "", errors.New("boom")
	}
}

func fallbackVal(calls *int) func(context.Context) string {
	return func(context.Context) string {
		*calls++
		return "fallback"
	}
}

func TestTripsAtThreshold(t *testing.T) {
	store := newMemStore()
	b := NewBreaker(store, Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second})
	ctx := context.Background()

	var opCalls, fbCalls int
	for i := 0; i < 5; i++ {
		if b.State(ctx, svc) != StateClosed {
			t.Fatalf("tripped early at failure %d", i)
		}
		val, usedFallback := Execute(ctx, b, svc, failingOp(&opCalls), fallbackVal(&fbCalls))
		if !usedFallback || val != "fallback" {
			t.Fatalf("failure %d: val=%q usedFallback=%v", i+1, val, usedFallback)
		}
	}
	if got := b.State(ctx, svc); got != StateOpen {
		t.Fatalf("state = %s after threshold, want open", got)
	}

	// open: fallback without touching the op
	opCalls = 0
	if _, usedFallback := Execute(ctx, b, svc, failingOp(&opCalls), fallbackVal(&fbCalls)); !usedFallback {
		t.Fatal("open breaker let the call through")
	}
	if opCalls != 0 {
		t.Fatalf("op called %d times while open, want 0", opCalls)
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	store := newMemStore()
	b := NewBreaker(store, Config{FailureThreshold: 3})
	ctx := context.Background()

	var opCalls, fbCalls int
	Execute(ctx, b, svc, failingOp(&opCalls), fallbackVal(&fbCalls))
	Execute(ctx, b, svc, failingOp(&opCalls), fallbackVal(&fbCalls))

	// a success between failures resets the consecutive count
	if val, usedFallback := Execute(ctx, b, svc,
		func(context.Context) (string, error) { return "ok", nil },
		fallbackVal(&fbCalls)); usedFallback || val != "ok" {
		t.Fatalf("success path: val=%q usedFallback=%v", val, usedFallback)
	}

	Execute(ctx, b, svc, failingOp(&opCalls), fallbackVal(&fbCalls))
	Execute(ctx, b, svc, failingOp(&opCalls), fallbackVal(&fbCalls))
	if got := b.State(ctx, svc); got != StateClosed {
		t.Fatalf("state = %s, want closed (streak was reset)", got)
	}
}

func TestHalfOpenProbe(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	store := newMemStore()
	b := NewBreaker(store, Config{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second, Clock: clock})
	ctx := context.Background()

	var opCalls, fbCalls int
	Execute(ctx, b, svc, failingOp(&opCalls), fallbackVal(&fbCalls))
	if got := b.State(ctx, svc); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	// cooldown elapsed: exactly one caller gets the probe
	now = now.Add(31 * time.Second)
	opCalls = 0
	val, usedFallback := Execute(ctx, b, svc,
		func(context.Context) (string, error) { return "recovered", nil },
		fallbackVal(&fbCalls))
	if usedFallback || val != "recovered" {
		t.Fatalf("probe: val=%q usedFallback=%v", val, usedFallback)
	}
	if got := b.State(ctx, svc); got != StateClosed {
		t.Fatalf("state = %s after probe success, want closed", got)
	}
}

func TestFailedProbeReopens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	store := newMemStore()
	b := NewBreaker(store, Config{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second, Clock: clock})
	ctx := context.Background()

	var opCalls, fbCalls int
	Execute(ctx, b, svc, failingOp(&opCalls), fallbackVal(&fbCalls))

	now = now.Add(31 * time.Second)
	Execute(ctx, b, svc, failingOp(&opCalls), fallbackVal(&fbCalls))
	if got := b.State(ctx, svc); got != StateOpen {
		t.Fatalf("state = %s after failed probe, want open", got)
	}
}

func TestHalfOpenSingleProbe(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	store := newMemStore()
	b := NewBreaker(store, Config{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second, Clock: clock})
	ctx := context.Background()

	var opCalls, fbCalls int
	Execute(ctx, b, svc, failingOp(&opCalls), fallbackVal(&fbCalls))
	now = now.Add(31 * time.Second)

	// first caller claims the probe (state flips to half_open under it)
	if d := b.allow(ctx, svc); d != decisionProbe {
		t.Fatalf("first caller decision = %s, want probe", d)
	}
	// concurrent callers are rejected until the probe settles
	if d := b.allow(ctx, svc); d != decisionReject {
		t.Fatalf("second caller decision = %s, want reject", d)
	}
}

func TestReset(t *testing.T) {
	store := newMemStore()
	b := NewBreaker(store, Config{FailureThreshold: 1})
	ctx := context.Background()

	var opCalls, fbCalls int
	Execute(ctx, b, svc, failingOp(&opCalls), fallbackVal(&fbCalls))
	if got := b.State(ctx, svc); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	if err := b.Reset(ctx, svc); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := b.State(ctx, svc); got != StateClosed {
		t.Fatalf("state = %s after reset, want closed", got)
	}
	// the streak is gone too: one more failure should not instantly trip a
	// threshold-2 breaker
	b2 := NewBreaker(store, Config{FailureThreshold: 2})
	Execute(ctx, b2, svc, failingOp(&opCalls), fallbackVal(&fbCalls))
	if got := b2.State(ctx, svc); got != StateClosed {
		t.Fatalf("state = %s, want closed after single post-reset failure", got)
	}
}

func TestStoreErrorProceedsAsClosed(t *testing.T) {
	store := newMemStore()
	store.fail = true
	b := NewBreaker(store, Config{})

	var fbCalls int
	val, usedFallback := Execute(context.Background(), b, svc,
		func(context.Context) (string, error) { return "ok", nil },
		fallbackVal(&fbCalls))
	if usedFallback || val != "ok" {
		t.Fatalf("store outage should not block the call: val=%q usedFallback=%v", val, usedFallback)
	}
}
