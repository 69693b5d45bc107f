package security

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateVerifyRoundTrip(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))
	token, hash, exp, err := Generate(opts, "alice", []string{"ws"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(hash, "sha256:") {
		t.Fatalf("hash = %q", hash)
	}
	if exp.Before(time.Now()) {
		t.Fatal("token already expired at issue")
	}

	sub, err := Verify(opts, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sub != "alice" {
		t.Fatalf("sub = %q, want alice", sub)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, _, _, err := Generate(DefaultOptions([]byte("secret-a")), "alice", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Verify(DefaultOptions([]byte("secret-b")), token); err == nil {
		t.Fatal("want error for wrong secret")
	}
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	opts := DefaultOptions([]byte("secret"))
	token, _, _, err := Generate(opts, "", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Verify(opts, token); err == nil {
		t.Fatal("want error for token without sub")
	}
}

func TestUnsupportedAlg(t *testing.T) {
	opts := Options{Secret: []byte("s"), Alg: "RS256"}
	if _, _, _, err := Generate(opts, "alice", nil); err == nil {
		t.Fatal("want error for unsupported alg")
	}
}
