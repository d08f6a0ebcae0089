package index_test

import (
	"context"
	"testing"
	"time"

	"github.com/tripwire/memchain/internal/entry"
	"github.com/tripwire/memchain/internal/index"
)

func newBackend(t *testing.T) *index.SQLiteBackend {
	t.Helper()
	b, err := index.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func sampleEntry(seq int64, createdAt time.Time, importance float64) entry.Entry {
	return entry.Entry{
		Seq:        seq,
		EntryKind:  entry.KindMemory,
		Tier:       entry.TierEphemeral,
		CreatedAt:  createdAt,
		Provenance: entry.Provenance{Source: entry.SourceManual, Importance: importance},
	}
}

func TestUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	e := sampleEntry(0, time.Now(), 0.8)
	if err := b.Upsert(ctx, e, "user prefers dark mode"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	row, ok, err := b.Get(ctx, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected row to exist")
	}
	if row.Importance != 0.8 {
		t.Errorf("Importance = %v, want 0.8", row.Importance)
	}

	head, err := b.Head(ctx)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != 0 {
		t.Errorf("Head = %d, want 0", head)
	}
}

func TestMarkSuperseded(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	for i := int64(0); i < 3; i++ {
		if err := b.Upsert(ctx, sampleEntry(i, time.Now(), 0.5), "x"); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	if err := b.MarkSuperseded(ctx, 2, []int64{0, 1}); err != nil {
		t.Fatalf("MarkSuperseded: %v", err)
	}

	for _, seq := range []int64{0, 1} {
		row, ok, err := b.Get(ctx, seq)
		if err != nil || !ok {
			t.Fatalf("Get(%d): ok=%v err=%v", seq, ok, err)
		}
		if !row.IsSuperseded {
			t.Errorf("seq %d: expected IsSuperseded", seq)
		}
		if row.SupersededBy == nil || *row.SupersededBy != 2 {
			t.Errorf("seq %d: SupersededBy = %v, want 2", seq, row.SupersededBy)
		}
	}
}

func TestTouch_IncrementsAccessAndSetsLastAccessed(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	if err := b.Upsert(ctx, sampleEntry(0, time.Now().Add(-48*time.Hour), 0.5), "x"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	now := time.Now()
	if err := b.Touch(ctx, 0, now); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	row, ok, err := b.Get(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if row.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1", row.AccessCount)
	}
	if row.LastAccessed == nil {
		t.Fatal("expected LastAccessed to be set")
	}
}

func TestTouch_UnknownSeq(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	if err := b.Touch(ctx, 99, time.Now()); err == nil {
		t.Fatal("expected error touching unknown seq")
	}
}

func TestBlockLatest_SetAndGet(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	_, ok, err := b.BlockLatest(ctx, entry.BlockPersona)
	if err != nil {
		t.Fatalf("BlockLatest: %v", err)
	}
	if ok {
		t.Fatal("expected no block_latest entry yet")
	}

	if err := b.SetBlockLatest(ctx, entry.BlockPersona, 5); err != nil {
		t.Fatalf("SetBlockLatest: %v", err)
	}
	seq, ok, err := b.BlockLatest(ctx, entry.BlockPersona)
	if err != nil || !ok {
		t.Fatalf("BlockLatest: ok=%v err=%v", ok, err)
	}
	if seq != 5 {
		t.Errorf("seq = %d, want 5", seq)
	}

	if err := b.SetBlockLatest(ctx, entry.BlockPersona, 9); err != nil {
		t.Fatalf("SetBlockLatest (update): %v", err)
	}
	seq, _, _ = b.BlockLatest(ctx, entry.BlockPersona)
	if seq != 9 {
		t.Errorf("seq after update = %d, want 9", seq)
	}
}

func TestCoreMemories(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	core := sampleEntry(0, time.Now(), 0.5)
	core.Links.IsCore = true
	if err := b.Upsert(ctx, core, "core fact"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := b.Upsert(ctx, sampleEntry(1, time.Now(), 0.5), "ordinary fact"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	rows, err := b.CoreMemories(ctx)
	if err != nil {
		t.Fatalf("CoreMemories: %v", err)
	}
	if len(rows) != 1 || rows[0].Seq != 0 {
		t.Fatalf("CoreMemories = %+v, want one row with seq 0", rows)
	}
}

func TestSearch_ExcludesSupersededByDefault(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	if err := b.Upsert(ctx, sampleEntry(0, time.Now(), 0.5), "dark mode preference"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := b.Upsert(ctx, sampleEntry(1, time.Now(), 0.5), "light mode preference"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := b.MarkSuperseded(ctx, 2, []int64{0}); err != nil {
		t.Fatalf("MarkSuperseded: %v", err)
	}

	results, err := b.Search(ctx, index.SearchOptions{}, time.Now())
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Row.Seq == 0 {
			t.Fatal("superseded entry should be excluded by default")
		}
	}

	withSuperseded, err := b.Search(ctx, index.SearchOptions{IncludeSuperseded: true}, time.Now())
	if err != nil {
		t.Fatalf("Search (include superseded): %v", err)
	}
	if len(withSuperseded) != 2 {
		t.Fatalf("len(withSuperseded) = %d, want 2", len(withSuperseded))
	}
}

func TestSearch_LexicalMatchRanksHigher(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	old := time.Now().Add(-60 * 24 * time.Hour)
	if err := b.Upsert(ctx, sampleEntry(0, old, 0.1), "user prefers dark mode for the editor"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := b.Upsert(ctx, sampleEntry(1, old, 0.1), "completely unrelated fact about lunch"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := b.Search(ctx, index.SearchOptions{Query: "dark mode"}, time.Now())
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Row.Seq != 0 {
		t.Fatalf("Search(%q) = %+v, want only seq 0", "dark mode", results)
	}
}

func TestRebuild_ClearsState(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	if err := b.Upsert(ctx, sampleEntry(0, time.Now(), 0.5), "x"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := b.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	head, err := b.Head(ctx)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != -1 {
		t.Errorf("Head after rebuild = %d, want -1", head)
	}
	_, ok, err := b.Get(ctx, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected no rows after rebuild")
	}
}
