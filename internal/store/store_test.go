package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tripwire/memchain/internal/chainerr"
	"github.com/tripwire/memchain/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPut_Idempotent(t *testing.T) {
	s := newStore(t)
	payload := []byte(store.Normalize("user prefers dark mode"))

	d1, err := s.Put(payload)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	d2, err := s.Put(payload)
	if err != nil {
		t.Fatalf("Put (second): %v", err)
	}
	if d1 != d2 {
		t.Fatalf("digest mismatch across idempotent puts: %q vs %q", d1, d2)
	}

	got, err := s.Get(d1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("Get returned %q, want %q", got, payload)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Get("deadbeef")
	if err == nil {
		t.Fatal("expected error for missing digest")
	}
	if tag := chainerr.Tag(err); tag != "io_error" {
		t.Fatalf("Tag(err) = %q, want io_error", tag)
	}
}

func TestPut_ShardedLayout(t *testing.T) {
	root := t.TempDir()
	s, err := store.New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	digest, err := s.Put([]byte("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	want := filepath.Join(root, "content", digest[:2], digest)
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected blob at %s: %v", want, err)
	}
}

func TestRedact_PreservesDigestPath(t *testing.T) {
	s := newStore(t)
	digest, err := s.Put([]byte("sensitive content"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Redact(digest, []byte("[redacted]")); err != nil {
		t.Fatalf("Redact: %v", err)
	}
	got, err := s.Get(digest)
	if err != nil {
		t.Fatalf("Get after redact: %v", err)
	}
	if string(got) != "[redacted]" {
		t.Fatalf("Get after redact = %q, want [redacted]", got)
	}
}

func TestRedact_MissingDigest(t *testing.T) {
	s := newStore(t)
	if err := s.Redact("deadbeef", []byte("x")); err == nil {
		t.Fatal("expected error redacting missing digest")
	}
}

func TestReconcileOrphans_RemovesUnreferenced(t *testing.T) {
	s := newStore(t)
	kept, err := s.Put([]byte("kept"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	orphan, err := s.Put([]byte("orphaned"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	referenced := map[string]bool{kept: true}
	removed, err := s.ReconcileOrphans(referenced)
	if err != nil {
		t.Fatalf("ReconcileOrphans: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if !s.Has(kept) {
		t.Fatal("kept blob was removed")
	}
	if s.Has(orphan) {
		t.Fatal("orphan blob was not removed")
	}
}

func TestNormalize_TrimsTrailingNewlines(t *testing.T) {
	got := store.Normalize("hello\n\n")
	if got != "hello" {
		t.Fatalf("Normalize = %q, want %q", got, "hello")
	}
}
