package journal_test

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tripwire/memchain/internal/chainerr"
	"github.com/tripwire/memchain/internal/entry"
	"github.com/tripwire/memchain/internal/journal"
)

func tmpJournal(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "chain.jsonl")
}

func keyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return pub, priv
}

func openJournal(t *testing.T, path string, pub ed25519.PublicKey) *journal.Journal {
	t.Helper()
	j, _, err := journal.Open(path, pub)
	if err != nil {
		t.Fatalf("journal.Open(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func draft(content string, importance float64) entry.Entry {
	return entry.Entry{
		ContentHash: entry.HashHex([]byte(content)),
		PayloadRef:  entry.HashHex([]byte(content)),
		EntryKind:   entry.KindMemory,
		Tier:        entry.TierEphemeral,
		CreatedAt:   time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
		Provenance:  entry.Provenance{Source: entry.SourceManual, Importance: importance},
	}
}

func TestAppend_GenesisEntry(t *testing.T) {
	pub, priv := keyPair(t)
	j := openJournal(t, tmpJournal(t), pub)

	e, err := j.Append(priv, draft("user prefers dark mode", 0.8))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.Seq != 0 {
		t.Errorf("seq = %d, want 0", e.Seq)
	}
	if e.PrevHash != entry.ZeroDigest {
		t.Errorf("prev_hash = %q, want zero digest", e.PrevHash)
	}
	ok, err := entry.Verify(pub, e)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Error("genesis entry signature did not verify")
	}
}

func TestAppend_Chain(t *testing.T) {
	pub, priv := keyPair(t)
	j := openJournal(t, tmpJournal(t), pub)

	var entries []entry.Entry
	for i, content := range []string{"a", "b", "c"} {
		e, err := j.Append(priv, draft(content, 0.5))
		if err != nil {
			t.Fatalf("Append[%d]: %v", i, err)
		}
		entries = append(entries, e)
	}

	for i, e := range entries {
		if e.Seq != int64(i) {
			t.Errorf("entries[%d].seq = %d, want %d", i, e.Seq, i)
		}
	}
	for i := 1; i < len(entries); i++ {
		link, err := entry.LinkHash(entries[i-1])
		if err != nil {
			t.Fatalf("LinkHash: %v", err)
		}
		if entries[i].PrevHash != link {
			t.Errorf("entries[%d].prev_hash does not match LinkHash(entries[%d])", i, i-1)
		}
	}
}

func TestOpen_ResumesExistingChain(t *testing.T) {
	pub, priv := keyPair(t)
	path := tmpJournal(t)

	j1, _, err := journal.Open(path, pub)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e1, err := j1.Append(priv, draft("first", 0.5))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, stat, err := journal.Open(path, pub)
	if err != nil {
		t.Fatalf("Open (resume): %v", err)
	}
	t.Cleanup(func() { _ = j2.Close() })
	if stat.Count != 1 {
		t.Errorf("resumed stat.Count = %d, want 1", stat.Count)
	}

	e2, err := j2.Append(priv, draft("second", 0.5))
	if err != nil {
		t.Fatalf("Append (resume): %v", err)
	}
	link, err := entry.LinkHash(e1)
	if err != nil {
		t.Fatalf("LinkHash: %v", err)
	}
	if e2.PrevHash != link {
		t.Errorf("e2.prev_hash does not chain to e1")
	}
	if e2.Seq != 1 {
		t.Errorf("e2.seq = %d, want 1", e2.Seq)
	}
}

func TestOpen_DetectsCorruptEarlierEntry(t *testing.T) {
	pub, priv := keyPair(t)
	path := tmpJournal(t)

	j := openJournal(t, path, pub)
	if _, err := j.Append(priv, draft("first", 0.5)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := j.Append(priv, draft("second", 0.5)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	corrupted := []byte(string(data)[:20] + "X" + string(data)[21:])
	if err := os.WriteFile(path, corrupted, 0o600); err != nil {
		t.Fatal(err)
	}

	_, _, err = journal.Open(path, pub)
	if err == nil {
		t.Fatal("expected corruption of a non-final entry to fail Open")
	}
	if tag := chainerr.Tag(err); tag != "corrupt" {
		t.Errorf("Tag(err) = %q, want corrupt", tag)
	}
}

func TestOpen_TruncatesTornFinalEntry(t *testing.T) {
	pub, priv := keyPair(t)
	path := tmpJournal(t)

	j := openJournal(t, path, pub)
	if _, err := j.Append(priv, draft("first", 0.5)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := j.Append(priv, draft("second", 0.5)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crash mid-write of the second entry: truncate off its last
	// few bytes so the line no longer parses as valid JSON.
	torn := data[:len(data)-5]
	if err := os.WriteFile(path, torn, 0o600); err != nil {
		t.Fatal(err)
	}

	j2, stat, err := journal.Open(path, pub)
	if err != nil {
		t.Fatalf("Open after torn write: %v", err)
	}
	t.Cleanup(func() { _ = j2.Close() })
	if stat.Count != 1 {
		t.Fatalf("recovered stat.Count = %d, want 1", stat.Count)
	}
	head, ok := j2.Head()
	if !ok || head.Seq != 0 {
		t.Fatalf("head after recovery = %+v, ok=%v, want seq 0", head, ok)
	}
}

func TestRead_UnknownSeq(t *testing.T) {
	pub, priv := keyPair(t)
	j := openJournal(t, tmpJournal(t), pub)
	if _, err := j.Append(priv, draft("only", 0.5)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_, err := j.Read(99)
	if err == nil {
		t.Fatal("expected error reading unknown seq")
	}
	if tag := chainerr.Tag(err); tag != "unknown_seq" {
		t.Errorf("Tag(err) = %q, want unknown_seq", tag)
	}
}

func TestScan_RangeIsInclusive(t *testing.T) {
	pub, priv := keyPair(t)
	j := openJournal(t, tmpJournal(t), pub)
	for _, c := range []string{"a", "b", "c", "d"} {
		if _, err := j.Append(priv, draft(c, 0.5)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got, err := j.Scan(1, 2)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 1 || got[1].Seq != 2 {
		t.Fatalf("Scan(1,2) = %+v, want seqs [1 2]", got)
	}
}
