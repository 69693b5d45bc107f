package call

import (
	"sync"
	"testing"
)

type notifyRecorder struct {
	mu    sync.Mutex
	calls []struct{ user, callID, reason string }
}

func (r *notifyRecorder) fn() Notifier {
	return func(userID, callID, reason string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, struct{ user, callID, reason string }{userID, callID, reason})
	}
}

func (r *notifyRecorder) byReason(reason string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		if c.reason == reason {
			out = append(out, c.user)
		}
	}
	return out
}

func TestDirectCallLifecycle(t *testing.T) {
	rec := &notifyRecorder{}
	m := NewManager(rec.fn())

	s, err := m.StartDirect("alice", "bob", TypeAudio)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Status != StatusCalling || s.MinParties != 2 {
		t.Fatalf("session = %s/%d, want calling/2", s.Status, s.MinParties)
	}

	if err := m.Accept(s.CallID, "bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	got, ok := m.Get(s.CallID)
	if !ok || got.Status != StatusConnected || got.ConnectedTime.IsZero() {
		t.Fatalf("after accept = %+v", got)
	}
}

func TestStartDirectRejectsSelf(t *testing.T) {
	m := NewManager(nil)
	if _, err := m.StartDirect("alice", "alice", TypeVideo); err == nil {
		t.Fatal("want error for self call")
	}
}

func TestAcceptNonParticipant(t *testing.T) {
	m := NewManager(nil)
	s, err := m.StartDirect("alice", "bob", TypeAudio)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Accept(s.CallID, "mallory"); err == nil {
		t.Fatal("want error for non-participant accept")
	}
}

func TestDisconnectEndsDirectCall(t *testing.T) {
	rec := &notifyRecorder{}
	m := NewManager(rec.fn())

	s, err := m.StartDirect("alice", "bob", TypeAudio)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Accept(s.CallID, "bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	m.CleanupForUser("bob")

	if _, ok := m.Get(s.CallID); ok {
		t.Fatal("session should be gone after peer disconnect")
	}
	notified := rec.byReason(ReasonPeerDisconnected)
	if len(notified) != 1 || notified[0] != "alice" {
		t.Fatalf("peer_disconnected notified = %v, want [alice]", notified)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("active = %d, want 0", m.ActiveCount())
	}
}

func TestGroupCallViability(t *testing.T) {
	rec := &notifyRecorder{}
	m := NewManager(rec.fn())

	s, err := m.StartGroup("alice", "g1", []string{"bob", "carol"}, TypeVideo, 2)
	if err != nil {
		t.Fatalf("start group: %v", err)
	}
	if err := m.Accept(s.CallID, "bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// 3 -> 2 active: still viable, nobody notified
	m.Leave(s.CallID, "carol")
	if _, ok := m.Get(s.CallID); !ok {
		t.Fatal("session should survive with minParties active")
	}
	if len(rec.byReason(ReasonHangup)) != 0 {
		t.Fatal("viable session must not notify")
	}

	// 2 -> 1 active, below minParties: ended, the remaining user is told
	m.CleanupForUser("bob")
	if _, ok := m.Get(s.CallID); ok {
		t.Fatal("session should end below minParties")
	}
	notified := rec.byReason(ReasonParticipantDisconnected)
	if len(notified) != 1 || notified[0] != "alice" {
		t.Fatalf("participant_disconnected notified = %v, want [alice]", notified)
	}
}

func TestCleanupForUserSpansSessions(t *testing.T) {
	rec := &notifyRecorder{}
	m := NewManager(rec.fn())

	s1, _ := m.StartDirect("alice", "bob", TypeAudio)
	s2, _ := m.StartDirect("alice", "carol", TypeAudio)

	m.CleanupForUser("alice")

	if _, ok := m.Get(s1.CallID); ok {
		t.Fatal("s1 should be ended")
	}
	if _, ok := m.Get(s2.CallID); ok {
		t.Fatal("s2 should be ended")
	}
	notified := rec.byReason(ReasonPeerDisconnected)
	if len(notified) != 2 {
		t.Fatalf("notified = %v, want bob and carol", notified)
	}
}

func TestEndHangup(t *testing.T) {
	rec := &notifyRecorder{}
	m := NewManager(rec.fn())

	s, _ := m.StartDirect("alice", "bob", TypeAudio)
	m.End(s.CallID, ReasonHangup)

	if got := rec.byReason(ReasonHangup); len(got) != 2 {
		t.Fatalf("hangup notified = %v, want both parties", got)
	}
	// ending twice is a no-op
	m.End(s.CallID, ReasonHangup)
	if got := rec.byReason(ReasonHangup); len(got) != 2 {
		t.Fatalf("double end re-notified: %v", got)
	}
}
