// Package index implements the memory chain's derived, rebuildable query
// index: a projection of journal entries kept for fast recall, never
// itself a source of truth.
package index

import (
	"context"
	"time"

	"github.com/tripwire/memchain/internal/entry"
)

// DecayTier is the coarse recency bucket assigned to a Row, recomputed
// lazily on read from age and access history.
type DecayTier string

const (
	Hot  DecayTier = "hot"
	Warm DecayTier = "warm"
	Cold DecayTier = "cold"
)

// Row is the Index's projected view of one journal entry.
type Row struct {
	Seq            int64
	EntryKind      entry.Kind
	Tier           entry.Tier
	CreatedAt      time.Time
	Importance     float64
	IsSuperseded   bool
	SupersededBy   *int64
	BlockLabel     entry.BlockLabel
	IsCore         bool
	AccessCount    int64
	LastAccessed   *time.Time
	DecayTier      DecayTier
	ContentPreview string
}

// SearchOptions narrows a Search call.
type SearchOptions struct {
	// Query is matched lexically against payload text; empty matches
	// everything.
	Query string
	// Tier, if non-empty, restricts results to that retention tier.
	Tier entry.Tier
	// IncludeSuperseded, when false (the default), excludes rows with
	// IsSuperseded set.
	IncludeSuperseded bool
	// Limit caps the number of returned rows; 0 means unbounded.
	Limit int
}

// SearchResult pairs a Row with the score it was ranked by.
type SearchResult struct {
	Row   Row
	Score float64
}

// Backend is the interface the Index presents to Memory Ops, implemented
// by the SQLite (default) and Postgres (optional) backends. All methods
// take a context so a caller can bound backend I/O latency.
type Backend interface {
	// Upsert inserts or replaces the projected row for e. It is called
	// once per committed journal entry, in seq order.
	Upsert(ctx context.Context, e entry.Entry, contentPreview string) error

	// MarkSuperseded flips is_superseded for every seq in superseded and
	// records consolidationSeq -> seq edges in the consolidations table.
	MarkSuperseded(ctx context.Context, consolidationSeq int64, superseded []int64) error

	// Touch increments access_count and sets last_accessed to now for
	// seq. No decay tier is stored: reads derive it from last_accessed.
	Touch(ctx context.Context, seq int64, now time.Time) error

	// BlockLatest returns the seq of the newest non-superseded block entry
	// carrying label, or false if none exists.
	BlockLatest(ctx context.Context, label entry.BlockLabel) (int64, bool, error)

	// SetBlockLatest updates the block_latest memoization for label.
	SetBlockLatest(ctx context.Context, label entry.BlockLabel, seq int64) error

	// CoreMemories returns every row with is_core set, newest first.
	CoreMemories(ctx context.Context) ([]Row, error)

	// Search returns ranked rows matching opts.
	Search(ctx context.Context, opts SearchOptions, now time.Time) ([]SearchResult, error)

	// Get returns the row for seq.
	Get(ctx context.Context, seq int64) (Row, bool, error)

	// Head returns the highest seq applied to the index, or -1 if empty;
	// used to drive Memory Ops's forward-roll recovery.
	Head(ctx context.Context) (int64, error)

	// Rebuild drops all projected state so the caller can replay the
	// journal from seq 0 via Upsert/MarkSuperseded/SetBlockLatest.
	Rebuild(ctx context.Context) error

	// SetDecayThresholds overrides the hot/warm decay tier boundaries (in
	// days) used by Get/CoreMemories/Search. Backends default to
	// DefaultHotDays/DefaultWarmDays until this is called.
	SetDecayThresholds(hotDays, warmDays float64)

	// Close releases backend resources.
	Close() error
}
