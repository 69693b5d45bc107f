package eventbus

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestKindFilter(t *testing.T) {
	b := NewBus()
	defer b.Close()

	onlineOnly := make(chan Event, 8)
	all := make(chan Event, 8)
	b.Subscribe("online-only", func(ev Event) { onlineOnly <- ev }, KindUserOnline)
	b.Subscribe("all", func(ev Event) { all <- ev })

	b.Publish(UserOnline{UserID: "alice", TS: 1})
	b.Publish(UserOffline{UserID: "alice", TS: 2})

	ev := recv(t, onlineOnly)
	if _, ok := ev.(UserOnline); !ok {
		t.Fatalf("filtered sub got %v", ev.Kind())
	}
	select {
	case ev := <-onlineOnly:
		t.Fatalf("filtered sub leaked %v", ev.Kind())
	case <-time.After(200 * time.Millisecond):
	}

	if _, ok := recv(t, all).(UserOnline); !ok {
		t.Fatal("unfiltered sub missed UserOnline")
	}
	if _, ok := recv(t, all).(UserOffline); !ok {
		t.Fatal("unfiltered sub missed UserOffline")
	}
}

func TestVariantsCarryKind(t *testing.T) {
	cases := []struct {
		ev   Event
		want Kind
	}{
		{UserOnline{}, KindUserOnline},
		{UserOffline{}, KindUserOffline},
		{StatusChanged{}, KindStatusChanged},
		{AttentionUpdated{}, KindAttentionUpdated},
	}
	for _, c := range cases {
		if c.ev.Kind() != c.want {
			t.Errorf("%T.Kind() = %v, want %v", c.ev, c.ev.Kind(), c.want)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBus()
	defer b.Close()

	// a subscriber that never drains
	blocked := make(chan struct{})
	b.Subscribe("stuck", func(Event) { <-blocked }, KindUserOnline)
	defer close(blocked)

	done := make(chan struct{})
	go func() {
		// overflow the buffer; publishes past capacity are dropped, not
		// blocked on
		for i := 0; i < defaultBuffer*2; i++ {
			b.Publish(UserOnline{UserID: "alice"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
