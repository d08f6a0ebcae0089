// Package replay applies a single journal entry to the Index. It is the one
// place that translates an Entry's links (supersedes, block chaining) into
// Index mutations, shared by Memory Ops' write path, the startup
// forward-roll, and the rebuild-from-journal walker, so those three call
// sites can never drift out of sync with each other.
package replay

import (
	"context"
	"fmt"

	"github.com/tripwire/memchain/internal/entry"
	"github.com/tripwire/memchain/internal/index"
	"github.com/tripwire/memchain/internal/store"
)

// previewRunes is the maximum number of runes of payload content kept in the
// Index's content_preview column for lexical scoring and display.
const previewRunes = 512

// Preview truncates content to previewRunes runes, appending an ellipsis
// when truncated.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewRunes {
		return content
	}
	return string(runes[:previewRunes]) + "…"
}

// Apply upserts e into idx and applies any supersession its links encode:
// a consolidation entry marks every seq in Links.Supersedes as superseded by
// e.Seq, and a block entry with PrevBlockSeq set marks that predecessor
// superseded and records e as the new block_latest for its label.
//
// blobs is used to hydrate e's content for the preview column; a missing
// blob degrades to an empty preview rather than failing the apply (a
// redacted payload is not missing: its preview is the redaction sentinel).
func Apply(ctx context.Context, idx index.Backend, blobs *store.Store, e entry.Entry) error {
	preview := ""
	if b, err := blobs.Get(e.PayloadRef); err == nil {
		preview = Preview(string(b))
	}

	if err := idx.Upsert(ctx, e, preview); err != nil {
		return fmt.Errorf("replay: upsert seq %d: %w", e.Seq, err)
	}

	switch e.EntryKind {
	case entry.KindConsolidation, entry.KindRedaction:
		if len(e.Links.Supersedes) > 0 {
			if err := idx.MarkSuperseded(ctx, e.Seq, e.Links.Supersedes); err != nil {
				return fmt.Errorf("replay: mark superseded for seq %d: %w", e.Seq, err)
			}
		}
	case entry.KindBlock:
		if e.Links.PrevBlockSeq != nil {
			if err := idx.MarkSuperseded(ctx, e.Seq, []int64{*e.Links.PrevBlockSeq}); err != nil {
				return fmt.Errorf("replay: supersede previous block for seq %d: %w", e.Seq, err)
			}
		}
		if err := idx.SetBlockLatest(ctx, e.Links.BlockLabel, e.Seq); err != nil {
			return fmt.Errorf("replay: set block_latest for seq %d: %w", e.Seq, err)
		}
	}
	return nil
}

// ReferencedDigests returns the set of payload digests entries reference,
// for reconciling orphan blobs in the content store after a crash between
// the blob write and the journal append.
func ReferencedDigests(entries []entry.Entry) map[string]bool {
	refs := make(map[string]bool, len(entries))
	for _, e := range entries {
		refs[e.PayloadRef] = true
	}
	return refs
}
