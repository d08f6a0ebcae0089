package verify_test

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/tripwire/memchain/internal/entry"
	"github.com/tripwire/memchain/internal/index"
	"github.com/tripwire/memchain/internal/journal"
	"github.com/tripwire/memchain/internal/keys"
	"github.com/tripwire/memchain/internal/memops"
	"github.com/tripwire/memchain/internal/store"
	"github.com/tripwire/memchain/internal/verify"
)

func setupChainWithEntries(t *testing.T, contents []string) (string, keys.Pair) {
	t.Helper()
	dir := t.TempDir()
	pair, err := keys.Generate(filepath.Join(dir, keys.PrivateKeyFile), filepath.Join(dir, keys.PublicKeyFile))
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}

	idx, err := index.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer idx.Close()

	c, err := memops.Open(context.Background(), dir, memops.Options{Index: idx})
	if err != nil {
		t.Fatalf("open chain: %v", err)
	}
	defer c.Close()

	for _, content := range contents {
		if _, err := c.Commit(context.Background(), memops.CommitInput{Content: content}); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	return dir, pair
}

func TestVerifyChain_ValidChainPasses(t *testing.T) {
	dir, pair := setupChainWithEntries(t, []string{"first", "second", "third"})

	jrn, _, err := journal.Open(filepath.Join(dir, "chain.jsonl"), pair.Public)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer jrn.Close()
	blobs, err := store.New(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	report, err := verify.VerifyChain(pair.Public, jrn, blobs)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !report.Valid {
		t.Errorf("expected valid chain, got %+v", report)
	}
	if report.CheckedCount != 3 {
		t.Errorf("CheckedCount = %d, want 3", report.CheckedCount)
	}
}

func TestVerifyChain_WrongKeyFailsSignature(t *testing.T) {
	dir, pair := setupChainWithEntries(t, []string{"first"})

	otherPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate other keypair: %v", err)
	}

	// Open the journal under its real writer key so recovery-scan
	// verification succeeds; VerifyChain is given a different public key
	// to exercise the signature-mismatch path independently of Open's own
	// torn-write recovery (which would otherwise truncate a failing final
	// entry rather than report it).
	jrn, _, err := journal.Open(filepath.Join(dir, "chain.jsonl"), pair.Public)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer jrn.Close()
	blobs, err := store.New(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	report, err := verify.VerifyChain(otherPub, jrn, blobs)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if report.Valid {
		t.Error("expected invalid chain under wrong public key")
	}
	if report.FailedKind != verify.FailureSignature {
		t.Errorf("FailedKind = %q, want %q", report.FailedKind, verify.FailureSignature)
	}
}

func TestRebuildIndex_RepopulatesFromJournal(t *testing.T) {
	dir, pair := setupChainWithEntries(t, []string{"alpha", "beta"})

	jrn, _, err := journal.Open(filepath.Join(dir, "chain.jsonl"), pair.Public)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer jrn.Close()
	blobs, err := store.New(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	idx, err := index.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer idx.Close()

	if err := verify.RebuildIndex(context.Background(), idx, jrn, blobs); err != nil {
		t.Fatalf("rebuild index: %v", err)
	}

	head, err := idx.Head(context.Background())
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != 1 {
		t.Errorf("head = %d, want 1", head)
	}

	row, ok, err := idx.Get(context.Background(), 0)
	if err != nil || !ok {
		t.Fatalf("get seq 0: ok=%v err=%v", ok, err)
	}
	if row.EntryKind != entry.KindMemory {
		t.Errorf("EntryKind = %q, want %q", row.EntryKind, entry.KindMemory)
	}
}
