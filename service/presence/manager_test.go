package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"PPresence/service/eventbus"

	"github.com/pkg/errors"
)

type fakeSink struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (f *fakeSink) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeCleaner struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeCleaner) CleanupForUser(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
}

func (f *fakeCleaner) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.users...)
}

type fakeMirror struct {
	mu      sync.Mutex
	entries map[string]string
	touched []string
	err     error
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{entries: map[string]string{}}
}

func (f *fakeMirror) Online(_ context.Context, userID, gatewayID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[userID] = gatewayID
	return f.err
}

func (f *fakeMirror) Offline(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, userID)
	return f.err
}

func (f *fakeMirror) Touch(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, userID)
	return f.err
}

func (f *fakeMirror) Lookup(_ context.Context, userID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", false, f.err
	}
	gw, ok := f.entries[userID]
	return gw, ok, nil
}

func (f *fakeMirror) touches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.touched...)
}

func collect(bus *eventbus.Bus, kinds ...eventbus.Kind) chan eventbus.Event {
	ch := make(chan eventbus.Event, 32)
	bus.Subscribe("test-collector", func(ev eventbus.Event) { ch <- ev }, kinds...)
	return ch
}

func waitEvent(t *testing.T, ch chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func noEvent(t *testing.T, ch chan eventbus.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev.Kind())
	case <-time.After(200 * time.Millisecond):
	}
}

func newTestManager(t *testing.T, clock func() time.Time) (*Manager, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.NewBus()
	m := NewManager(Config{
		GatewayID:      "gw-test",
		HeartbeatGrace: 90 * time.Second,
		SweepEvery:     time.Hour, // manual SweepOnce only
		Clock:          clock,
	}, bus)
	t.Cleanup(func() {
		m.Close()
		bus.Close()
	})
	return m, bus
}

func TestRegisterEmitsOneOnline(t *testing.T) {
	m, bus := newTestManager(t, time.Now)
	ch := collect(bus, eventbus.KindUserOnline)

	if err := m.RegisterConnection("c1", "alice", &fakeSink{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ev := waitEvent(t, ch)
	on, ok := ev.(eventbus.UserOnline)
	if !ok || on.UserID != "alice" {
		t.Fatalf("want UserOnline{alice}, got %#v", ev)
	}

	// duplicate signal on the same connection: acknowledged, not re-broadcast
	if err := m.RegisterConnection("c1", "alice", &fakeSink{}); err != nil {
		t.Fatalf("duplicate register: %v", err)
	}
	// second device while already online: routing moves, still no broadcast
	if err := m.RegisterConnection("c2", "alice", &fakeSink{}); err != nil {
		t.Fatalf("second conn register: %v", err)
	}
	noEvent(t, ch)

	conns, users := m.Counts()
	if conns != 2 || users != 1 {
		t.Fatalf("counts = (%d, %d), want (2, 1)", conns, users)
	}
}

func TestRegisterConnBoundToOtherUser(t *testing.T) {
	m, _ := newTestManager(t, time.Now)
	if err := m.RegisterConnection("c1", "alice", &fakeSink{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.RegisterConnection("c1", "bob", &fakeSink{}); err == nil {
		t.Fatal("want error rebinding conn to another user")
	}
}

func TestRemoveFlipsOfflineAndCleansCalls(t *testing.T) {
	m, bus := newTestManager(t, time.Now)
	cleaner := &fakeCleaner{}
	m.SetCallCleaner(cleaner)
	ch := collect(bus, eventbus.KindUserOffline)

	sink := &fakeSink{}
	if err := m.RegisterConnection("c1", "alice", sink); err != nil {
		t.Fatalf("register: %v", err)
	}
	m.RemoveConnection("c1")

	ev := waitEvent(t, ch)
	if off, ok := ev.(eventbus.UserOffline); !ok || off.UserID != "alice" {
		t.Fatalf("want UserOffline{alice}, got %#v", ev)
	}
	if got := m.GetStatus("alice").Status; got != StatusOffline {
		t.Fatalf("status = %s, want offline", got)
	}
	if !sink.closed {
		t.Fatal("sink not closed on removal")
	}
	if calls := cleaner.calls(); len(calls) != 1 || calls[0] != "alice" {
		t.Fatalf("call cleanup = %v, want [alice]", calls)
	}
}

func TestRemoveSupersededConnKeepsUserOnline(t *testing.T) {
	m, bus := newTestManager(t, time.Now)
	ch := collect(bus, eventbus.KindUserOffline)

	newer := &fakeSink{}
	if err := m.RegisterConnection("c1", "alice", &fakeSink{}); err != nil {
		t.Fatalf("register c1: %v", err)
	}
	if err := m.RegisterConnection("c2", "alice", newer); err != nil {
		t.Fatalf("register c2: %v", err)
	}

	// c2 took over routing; dropping c1 must not broadcast an offline
	m.RemoveConnection("c1")
	noEvent(t, ch)

	if got := m.GetStatus("alice").Status; got != StatusOnline {
		t.Fatalf("status = %s, want online", got)
	}
	sink, ok := m.RouteMessage("alice")
	if !ok || sink != newer {
		t.Fatal("routing should point at the newer connection")
	}
}

func TestRemoveRoutingConnPromotesSurvivor(t *testing.T) {
	m, bus := newTestManager(t, time.Now)
	cleaner := &fakeCleaner{}
	m.SetCallCleaner(cleaner)
	ch := collect(bus, eventbus.KindUserOffline)

	older := &fakeSink{}
	if err := m.RegisterConnection("c1", "alice", older); err != nil {
		t.Fatalf("register c1: %v", err)
	}
	if err := m.RegisterConnection("c2", "alice", &fakeSink{}); err != nil {
		t.Fatalf("register c2: %v", err)
	}

	// dropping the routing conn while c1 is still live promotes c1
	m.RemoveConnection("c2")
	noEvent(t, ch)

	if got := m.GetStatus("alice").Status; got != StatusOnline {
		t.Fatalf("status = %s, want online", got)
	}
	sink, ok := m.RouteMessage("alice")
	if !ok || sink != older {
		t.Fatal("routing should fall back to the surviving connection")
	}
	if err := m.Heartbeat("c1"); err != nil {
		t.Fatalf("heartbeat on survivor: %v", err)
	}
	if calls := cleaner.calls(); len(calls) != 0 {
		t.Fatalf("call cleanup ran with a live connection: %v", calls)
	}

	// last connection gone: now the user flips offline, exactly once
	m.RemoveConnection("c1")
	ev := waitEvent(t, ch)
	if off, ok := ev.(eventbus.UserOffline); !ok || off.UserID != "alice" {
		t.Fatalf("want UserOffline{alice}, got %#v", ev)
	}
	if calls := cleaner.calls(); len(calls) != 1 || calls[0] != "alice" {
		t.Fatalf("call cleanup = %v, want [alice]", calls)
	}
}

func TestSetStatus(t *testing.T) {
	m, bus := newTestManager(t, time.Now)
	ch := collect(bus, eventbus.KindStatusChanged)

	if err := m.SetStatus("ghost", StatusAway); err == nil {
		t.Fatal("want error for user with no live connection")
	}
	if err := m.RegisterConnection("c1", "alice", &fakeSink{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.SetStatus("alice", StatusOffline); err == nil {
		t.Fatal("offline must be connection-driven")
	}
	if err := m.SetStatus("alice", StatusBusy); err != nil {
		t.Fatalf("set busy: %v", err)
	}
	ev := waitEvent(t, ch)
	if sc, ok := ev.(eventbus.StatusChanged); !ok || sc.Status != string(StatusBusy) {
		t.Fatalf("want StatusChanged{busy}, got %#v", ev)
	}
	// same status again is not a change
	if err := m.SetStatus("alice", StatusBusy); err != nil {
		t.Fatalf("set busy twice: %v", err)
	}
	noEvent(t, ch)
}

func TestStaleSweepEqualsRemove(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	m, bus := newTestManager(t, clock)
	cleaner := &fakeCleaner{}
	m.SetCallCleaner(cleaner)
	ch := collect(bus, eventbus.KindUserOffline)

	if err := m.RegisterConnection("c1", "alice", &fakeSink{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.RegisterConnection("c2", "bob", &fakeSink{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// bob keeps heartbeating, alice goes silent
	now = now.Add(60 * time.Second)
	if err := m.Heartbeat("c2"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	now = now.Add(40 * time.Second)

	if removed := m.SweepOnce(now); removed != 1 {
		t.Fatalf("swept %d, want 1", removed)
	}
	ev := waitEvent(t, ch)
	if off, ok := ev.(eventbus.UserOffline); !ok || off.UserID != "alice" {
		t.Fatalf("want UserOffline{alice}, got %#v", ev)
	}
	if got := m.GetStatus("bob").Status; got != StatusOnline {
		t.Fatalf("bob = %s, want online", got)
	}
	if calls := cleaner.calls(); len(calls) != 1 || calls[0] != "alice" {
		t.Fatalf("call cleanup = %v, want [alice]", calls)
	}
}

func TestHeartbeatRenewsMirror(t *testing.T) {
	m, _ := newTestManager(t, time.Now)
	mir := newFakeMirror()
	m.SetMirror(mir)

	if err := m.RegisterConnection("c1", "alice", &fakeSink{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if gw := mir.entries["alice"]; gw != "gw-test" {
		t.Fatalf("mirror entry = %q, want gw-test", gw)
	}
	if err := m.Heartbeat("c1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if got := mir.touches(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("mirror touches = %v, want [alice]", got)
	}

	m.RemoveConnection("c1")
	if _, ok := mir.entries["alice"]; ok {
		t.Fatal("mirror entry should be cleared on offline")
	}
}

func TestLookupRemote(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, time.Now)

	// no mirror configured: everything reads as not found
	if _, ok := m.LookupRemote(ctx, "bob"); ok {
		t.Fatal("lookup without mirror should miss")
	}

	mir := newFakeMirror()
	m.SetMirror(mir)
	mir.entries["bob"] = "gw-other"

	gw, ok := m.LookupRemote(ctx, "bob")
	if !ok || gw != "gw-other" {
		t.Fatalf("lookup = (%q, %v), want (gw-other, true)", gw, ok)
	}

	// a user mirrored to this very node is not "elsewhere"
	if err := m.RegisterConnection("c1", "alice", &fakeSink{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := m.LookupRemote(ctx, "alice"); ok {
		t.Fatal("own-node entry must not read as remote")
	}

	if _, ok := m.LookupRemote(ctx, "nobody"); ok {
		t.Fatal("unknown user must miss")
	}

	mir.err = errors.New("redis down")
	if _, ok := m.LookupRemote(ctx, "bob"); ok {
		t.Fatal("mirror error must read as not found")
	}
}

func TestBatchGetStatus(t *testing.T) {
	m, _ := newTestManager(t, time.Now)
	if err := m.RegisterConnection("c1", "alice", &fakeSink{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	recs := m.BatchGetStatus([]string{"alice", "nobody"})
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Status != StatusOnline || recs[1].Status != StatusOffline {
		t.Fatalf("statuses = %s/%s, want online/offline", recs[0].Status, recs[1].Status)
	}
}
