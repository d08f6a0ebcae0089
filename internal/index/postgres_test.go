//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/index/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package index_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tripwire/memchain/internal/entry"
	"github.com/tripwire/memchain/internal/index"
)

// setupPostgres starts a PostgreSQL container and returns a ready
// PostgresBackend plus a cleanup func. It skips the test outright if Docker
// is unreachable, rather than failing the whole suite.
func setupPostgres(t *testing.T) (*index.PostgresBackend, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("memchain_test"),
		tcpostgres.WithUsername("memchain"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("docker unavailable, skipping postgres index tests: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	b, err := index.NewPostgres(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("NewPostgres: %v", err)
	}

	cleanup := func() {
		b.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return b, cleanup
}

func pgSampleEntry(seq int64, createdAt time.Time, importance float64) entry.Entry {
	return entry.Entry{
		Seq:        seq,
		EntryKind:  entry.KindMemory,
		Tier:       entry.TierEphemeral,
		CreatedAt:  createdAt,
		Provenance: entry.Provenance{Source: entry.SourceManual, Importance: importance},
	}
}

func TestPostgresUpsertAndGet(t *testing.T) {
	b, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	e := pgSampleEntry(0, time.Now(), 0.8)
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

func TestPostgresMarkSuperseded(t *testing.T) {
	b, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		if err := b.Upsert(ctx, pgSampleEntry(i, time.Now(), 0.5), "x"); err != nil {
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

func TestPostgresTouch_IncrementsAccessAndSetsLastAccessed(t *testing.T) {
	b, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	if err := b.Upsert(ctx, pgSampleEntry(0, time.Now().Add(-48*time.Hour), 0.5), "x"); err != nil {
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

func TestPostgresBlockLatest_SetAndGet(t *testing.T) {
	b, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

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
}

func TestPostgresSearch_ExcludesSupersededByDefault(t *testing.T) {
	b, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	if err := b.Upsert(ctx, pgSampleEntry(0, time.Now(), 0.5), "dark mode preference"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := b.Upsert(ctx, pgSampleEntry(1, time.Now(), 0.5), "light mode preference"); err != nil {
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
}

func TestPostgresSearch_LexicalMatchRanksHigher(t *testing.T) {
	b, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	old := time.Now().Add(-60 * 24 * time.Hour)
	if err := b.Upsert(ctx, pgSampleEntry(0, old, 0.1), "user prefers dark mode for the editor"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := b.Upsert(ctx, pgSampleEntry(1, old, 0.1), "completely unrelated fact about lunch"); err != nil {
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

func TestPostgresRebuild_ClearsState(t *testing.T) {
	b, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	if err := b.Upsert(ctx, pgSampleEntry(0, time.Now(), 0.5), "x"); err != nil {
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
}
