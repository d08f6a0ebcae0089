// Package verify implements the chain's two auditor operations:
// verify_chain, a full read-only invariant walk, and rebuild_index, which
// drops and repopulates the Index from the Journal and Content Store. It
// reads the Journal and Content Store and writes only the Index, mirroring
// internal/audit's own Open-time chain scan, generalized here from an
// open-time-only check into a standalone, independently invocable walker.
package verify

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/tripwire/memchain/internal/entry"
	"github.com/tripwire/memchain/internal/index"
	"github.com/tripwire/memchain/internal/journal"
	"github.com/tripwire/memchain/internal/replay"
	"github.com/tripwire/memchain/internal/store"
)

// FailureKind names which invariant a Report's first failure violated.
type FailureKind string

const (
	FailureSeqGap         FailureKind = "seq_gap"
	FailurePrevHash       FailureKind = "prev_hash_mismatch"
	FailureSignature      FailureKind = "signature_invalid"
	FailureContentDigest  FailureKind = "content_digest_mismatch"
	FailureSupersedes     FailureKind = "supersedes_reference_invalid"
	FailureBlockChain     FailureKind = "block_chain_invalid"
)

// Report is the structured outcome of verify_chain.
type Report struct {
	// Valid is true only if every entry from 0 to head passed every check.
	Valid bool
	// CheckedCount is the number of entries examined before either
	// reaching head or hitting the first failure.
	CheckedCount int
	// FailedSeq is the seq of the first failing entry, if any.
	FailedSeq *int64
	// FailedKind names which invariant failed, if any.
	FailedKind FailureKind
	// Detail is a human-readable description of the failure, if any.
	Detail string
}

func fail(seq int64, kind FailureKind, detail string) Report {
	s := seq
	return Report{Valid: false, FailedSeq: &s, FailedKind: kind, Detail: detail}
}

// VerifyChain walks every entry in the journal from seq 0 to head and
// checks, in order: seq contiguity, prev_hash linkage, signature validity,
// content digest match against the content store, supersedes references,
// and block_version chaining. It returns a Report describing the first
// failure, or a Report with Valid set if the whole chain passes.
func VerifyChain(pub ed25519.PublicKey, jrn *journal.Journal, blobs *store.Store) (Report, error) {
	entries, err := jrn.All()
	if err != nil {
		return Report{}, fmt.Errorf("verify: read journal: %w", err)
	}

	redactedTargets := make(map[int64]bool)
	for _, e := range entries {
		if e.EntryKind == entry.KindRedaction {
			for _, s := range e.Links.Supersedes {
				redactedTargets[s] = true
			}
		}
	}

	blockVersions := make(map[entry.BlockLabel]map[int64]int)
	prevHash := entry.ZeroDigest

	for i, e := range entries {
		checked := i + 1

		if e.Seq != int64(i) {
			r := fail(e.Seq, FailureSeqGap, fmt.Sprintf("expected seq %d, got %d", i, e.Seq))
			r.CheckedCount = checked
			return r, nil
		}

		if e.PrevHash != prevHash {
			r := fail(e.Seq, FailurePrevHash, fmt.Sprintf("prev_hash %q does not match predecessor's link hash %q", e.PrevHash, prevHash))
			r.CheckedCount = checked
			return r, nil
		}

		ok, verr := entry.Verify(pub, e)
		if verr != nil || !ok {
			r := fail(e.Seq, FailureSignature, "signature does not verify under the chain's public key")
			r.CheckedCount = checked
			return r, nil
		}

		if !redactedTargets[e.Seq] {
			expectedDigest := store.Digest([]byte(mustGet(blobs, e.PayloadRef)))
			if expectedDigest != e.ContentHash {
				r := fail(e.Seq, FailureContentDigest, fmt.Sprintf("content_hash %q does not match blob digest %q", e.ContentHash, expectedDigest))
				r.CheckedCount = checked
				return r, nil
			}
		}

		for _, s := range e.Links.Supersedes {
			if s >= e.Seq {
				r := fail(e.Seq, FailureSupersedes, fmt.Sprintf("supersedes seq %d is not strictly before %d", s, e.Seq))
				r.CheckedCount = checked
				return r, nil
			}
		}

		if e.EntryKind == entry.KindBlock {
			if blockVersions[e.Links.BlockLabel] == nil {
				blockVersions[e.Links.BlockLabel] = make(map[int64]int)
			}
			if e.Links.PrevBlockSeq != nil {
				p := *e.Links.PrevBlockSeq
				if p >= e.Seq {
					r := fail(e.Seq, FailureBlockChain, fmt.Sprintf("prev_block_seq %d is not strictly before %d", p, e.Seq))
					r.CheckedCount = checked
					return r, nil
				}
				prevVersion, ok := blockVersions[e.Links.BlockLabel][p]
				if !ok || e.Links.BlockVersion != prevVersion+1 {
					r := fail(e.Seq, FailureBlockChain, fmt.Sprintf("block_version %d does not follow prev_block_seq %d's version", e.Links.BlockVersion, p))
					r.CheckedCount = checked
					return r, nil
				}
			} else if e.Links.BlockVersion != 1 {
				r := fail(e.Seq, FailureBlockChain, "first entry for a block_label must have block_version 1")
				r.CheckedCount = checked
				return r, nil
			}
			blockVersions[e.Links.BlockLabel][e.Seq] = e.Links.BlockVersion
		}

		linkHash, lerr := entry.LinkHash(e)
		if lerr != nil {
			return Report{}, fmt.Errorf("verify: compute link hash for seq %d: %w", e.Seq, lerr)
		}
		prevHash = linkHash
	}

	return Report{Valid: true, CheckedCount: len(entries)}, nil
}

// mustGet returns the blob at ref (the sentinel bytes, for a redacted blob),
// or an empty string if it is missing; a missing blob still fails the
// digest comparison in VerifyChain rather than aborting the walk.
func mustGet(blobs *store.Store, ref string) string {
	b, err := blobs.Get(ref)
	if err != nil {
		return ""
	}
	return string(b)
}

// RebuildIndex drops all state from idx and repopulates it by replaying
// every journal entry from seq 0 through replay.Apply, the same function
// Memory Ops uses for its live write path and forward-roll. Anchor
// receipts are untouched: they live in the anchor sidecar files, not the
// Index.
func RebuildIndex(ctx context.Context, idx index.Backend, jrn *journal.Journal, blobs *store.Store) error {
	if err := idx.Rebuild(ctx); err != nil {
		return fmt.Errorf("verify: rebuild: drop index state: %w", err)
	}

	entries, err := jrn.All()
	if err != nil {
		return fmt.Errorf("verify: rebuild: read journal: %w", err)
	}
	for _, e := range entries {
		if err := replay.Apply(ctx, idx, blobs, e); err != nil {
			return fmt.Errorf("verify: rebuild: replay seq %d: %w", e.Seq, err)
		}
	}
	return nil
}
