package notify

import (
	"strings"
	"testing"
)

func TestRenderDefaults(t *testing.T) {
	tpl := NewTemplates()

	cases := []struct {
		kind Kind
		vars map[string]string
		want string
	}{
		{KindAttentionOnline, map[string]string{"name": "alice"}, "alice is online"},
		{KindAttentionOffline, map[string]string{"name": "alice"}, "alice went offline"},
		{KindAttentionStatusChange, map[string]string{"name": "alice", "status": "busy"}, "alice is now busy"},
		{KindAttentionMessage, map[string]string{"name": "alice", "preview": "hey"}, "alice: hey"},
		{KindAttentionUpdated, map[string]string{"name": "alice"}, "alice updated their attention list"},
	}
	for _, c := range cases {
		if got := tpl.Render(c.kind, c.vars); got != c.want {
			t.Errorf("Render(%s) = %q, want %q", c.kind, got, c.want)
		}
	}
}

func TestOverrideAndFallback(t *testing.T) {
	tpl := NewTemplates()

	tpl.Override(KindAttentionOnline, "{name} appeared")
	if got := tpl.Render(KindAttentionOnline, map[string]string{"name": "bob"}); got != "bob appeared" {
		t.Fatalf("override render = %q", got)
	}

	// clearing the override restores the default
	tpl.Override(KindAttentionOnline, "")
	if got := tpl.Render(KindAttentionOnline, map[string]string{"name": "bob"}); got != "bob is online" {
		t.Fatalf("post-clear render = %q", got)
	}

	// an unknown kind still renders something
	if got := tpl.Render(Kind(99), map[string]string{"name": "bob"}); got == "" {
		t.Fatal("unknown kind rendered empty")
	}
}

func TestTruncatePreview(t *testing.T) {
	exact := strings.Repeat("a", PreviewLimit)
	if got := TruncatePreview(exact); got != exact {
		t.Fatalf("exact-limit string was modified: %q", got)
	}

	long := strings.Repeat("a", PreviewLimit+1)
	got := TruncatePreview(long)
	if got != exact+"..." {
		t.Fatalf("truncated = %d chars %q...", len(got), got[:10])
	}

	// rune-based, not byte-based
	cjk := strings.Repeat("好", PreviewLimit+5)
	got = TruncatePreview(cjk)
	r := []rune(got)
	if len(r) != PreviewLimit+3 || string(r[:PreviewLimit]) != strings.Repeat("好", PreviewLimit) {
		t.Fatalf("cjk truncation = %d runes", len(r))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatal("missing ellipsis")
	}
}
