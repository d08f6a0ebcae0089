// Package memops implements commit, recall, rethink, block_update, and
// introspect: the only component allowed to append to the Journal. It
// orchestrates the Content Store, Journal, and Index behind a single
// writer lock, mirroring the teacher's Agent orchestrator shape (component
// interfaces wired in at construction, a single entry point per operation
// instead of a long-running loop).
package memops

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/tripwire/memchain/internal/chainerr"
	"github.com/tripwire/memchain/internal/entry"
	"github.com/tripwire/memchain/internal/index"
	"github.com/tripwire/memchain/internal/journal"
	"github.com/tripwire/memchain/internal/keys"
	"github.com/tripwire/memchain/internal/replay"
	"github.com/tripwire/memchain/internal/store"
)

var tracer = otel.Tracer("github.com/tripwire/memchain/internal/memops")

const (
	lockFileName   = "chain.lock"
	journalName    = "chain.jsonl"
	defaultKeyName = "agent.key"
	defaultPubName = "agent.pub"
)

// Chain is an open handle on a chain directory: its Content Store, Journal,
// Index, writer keypair, and the cross-process writer lock that serializes
// every write path.
type Chain struct {
	dir     string
	store   *store.Store
	journal *journal.Journal
	index   index.Backend
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	lock    *writerLock
	log     *slog.Logger
}

// Options configures Open.
type Options struct {
	// WriterKeyPath overrides the default agent.key location within dir.
	WriterKeyPath string
	// Index is the already-constructed Index backend for this chain
	// (sqlite or postgres; callers choose and open it before calling
	// Open so memops stays backend-agnostic).
	Index index.Backend
	// Logger receives lifecycle and recovery events. Defaults to
	// slog.Default() if nil.
	Logger *slog.Logger
}

// Open acquires the chain's writer lock, loads its keypair, opens its
// Journal and Content Store, and forward-rolls the Index if it is behind
// the Journal (e.g. after a crash between a commit's journal append and
// its index update). It also reconciles any content-store blobs orphaned
// by a commit whose journal append never completed.
func Open(ctx context.Context, dir string, opts Options) (*Chain, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	lock, err := acquireWriterLock(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, err
	}

	keyPath := opts.WriterKeyPath
	if keyPath == "" {
		keyPath = filepath.Join(dir, defaultKeyName)
	}
	pubPath := filepath.Join(dir, defaultPubName)
	pair, err := keys.Load(keyPath, pubPath)
	if err != nil {
		lock.release()
		return nil, err
	}

	blobs, err := store.New(dir)
	if err != nil {
		lock.release()
		return nil, err
	}

	jrn, jstat, err := journal.Open(filepath.Join(dir, journalName), pair.Public)
	if err != nil {
		lock.release()
		return nil, err
	}
	if jstat.TruncatedBytes > 0 {
		log.Warn("journal: truncated torn tail on open", "bytes", jstat.TruncatedBytes)
	}

	c := &Chain{
		dir:     dir,
		store:   blobs,
		journal: jrn,
		index:   opts.Index,
		priv:    pair.Private,
		pub:     pair.Public,
		lock:    lock,
		log:     log,
	}

	if err := c.forwardRoll(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.reconcileOrphans(); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// Journal exposes the underlying journal for callers that need read-only
// access outside of Chain's own operations, such as verify and rebuild.
func (c *Chain) Journal() *journal.Journal { return c.journal }

// Store exposes the underlying content store for the same reason.
func (c *Chain) Store() *store.Store { return c.store }

// Index exposes the underlying index backend for the same reason.
func (c *Chain) Index() index.Backend { return c.index }

// PublicKey returns the chain's writer public key.
func (c *Chain) PublicKey() ed25519.PublicKey { return c.pub }

// forwardRoll applies every journal entry with seq greater than the
// Index's current head, so a crash between a commit's journal fsync and
// its index update is invisible to the next Open.
func (c *Chain) forwardRoll(ctx context.Context) error {
	head, ok := c.journal.Head()
	if !ok {
		return nil
	}
	idxHead, err := c.index.Head(ctx)
	if err != nil {
		return fmt.Errorf("memops: read index head: %w", err)
	}
	if idxHead >= head.Seq {
		return nil
	}

	entries, err := c.journal.Scan(idxHead+1, head.Seq)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := replay.Apply(ctx, c.index, c.store, e); err != nil {
			return fmt.Errorf("memops: forward-roll seq %d: %w", e.Seq, err)
		}
	}
	if len(entries) > 0 {
		c.log.Warn("memops: forward-rolled index to match journal", "from", idxHead+1, "to", head.Seq)
	}
	return nil
}

// reconcileOrphans removes content-store blobs left behind by a commit
// whose journal append never completed.
func (c *Chain) reconcileOrphans() error {
	entries, err := c.journal.All()
	if err != nil {
		return err
	}
	removed, err := c.store.ReconcileOrphans(replay.ReferencedDigests(entries))
	if err != nil {
		return err
	}
	if removed > 0 {
		c.log.Warn("memops: reconciled orphan blobs", "count", removed)
	}
	return nil
}

// Close releases the journal file handle and the writer lock. It does not
// close the Index; callers that constructed the Index for this Chain own
// its lifecycle.
func (c *Chain) Close() error {
	jerr := c.journal.Close()
	lerr := c.lock.release()
	if jerr != nil {
		return jerr
	}
	return lerr
}

// CommitInput is the caller-supplied payload for Commit.
type CommitInput struct {
	Content    string
	EntryKind  entry.Kind
	Tier       entry.Tier
	Provenance entry.Provenance
	Links      entry.Links
	CreatedAt  time.Time
}

// CommitResult is the outcome of a successful Commit.
type CommitResult struct {
	Seq         int64
	ContentHash string
}

// Commit normalizes content, writes its blob, appends a journal entry, and
// updates the index, all under the writer lock.
func (c *Chain) Commit(ctx context.Context, in CommitInput) (CommitResult, error) {
	ctx, span := tracer.Start(ctx, "memops.Commit")
	defer span.End()

	if in.EntryKind == "" {
		in.EntryKind = entry.KindMemory
	}
	if in.Tier == "" {
		in.Tier = entry.TierEphemeral
	}
	if err := validateCommitInput(in); err != nil {
		return CommitResult{}, err
	}

	in.Provenance.Trigger = entry.NormalizeText(in.Provenance.Trigger)
	in.Provenance.EmotionTag = entry.NormalizeText(in.Provenance.EmotionTag)
	if len(in.Links.RelatedEntities) > 0 {
		related := make([]string, len(in.Links.RelatedEntities))
		for i, s := range in.Links.RelatedEntities {
			related[i] = entry.NormalizeText(s)
		}
		in.Links.RelatedEntities = related
	}

	normalized := store.Normalize(in.Content)
	digest, err := c.store.Put([]byte(normalized))
	if err != nil {
		return CommitResult{}, fmt.Errorf("memops: write blob: %w", chainerr.ErrIoError)
	}

	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	draft := entry.Entry{
		ContentHash: digest,
		PayloadRef:  digest,
		EntryKind:   in.EntryKind,
		Tier:        in.Tier,
		CreatedAt:   createdAt,
		Provenance:  in.Provenance,
		Links:       in.Links,
	}

	appended, err := c.journal.Append(c.priv, draft)
	if err != nil {
		return CommitResult{}, err
	}

	if err := replay.Apply(ctx, c.index, c.store, appended); err != nil {
		c.log.Error("memops: index update failed after durable append; will forward-roll on next open",
			"seq", appended.Seq, "error", err)
		return CommitResult{Seq: appended.Seq, ContentHash: digest}, nil
	}

	c.log.Info("memops: committed entry", "seq", appended.Seq, "kind", appended.EntryKind)
	return CommitResult{Seq: appended.Seq, ContentHash: digest}, nil
}

func validateCommitInput(in CommitInput) error {
	if in.Content == "" {
		return fmt.Errorf("memops: content must not be empty: %w", chainerr.ErrInvalidInput)
	}
	if !entry.ValidKind(in.EntryKind) {
		return fmt.Errorf("memops: unknown entry_kind %q: %w", in.EntryKind, chainerr.ErrInvalidInput)
	}
	if !entry.ValidTier(in.Tier) {
		return fmt.Errorf("memops: unknown tier %q: %w", in.Tier, chainerr.ErrInvalidInput)
	}
	if in.Provenance.Importance < 0 || in.Provenance.Importance > 1 {
		return fmt.Errorf("memops: importance %v out of [0,1]: %w", in.Provenance.Importance, chainerr.ErrInvalidInput)
	}
	if in.Provenance.Source != "" && !entry.ValidSource(in.Provenance.Source) {
		return fmt.Errorf("memops: unknown provenance source %q: %w", in.Provenance.Source, chainerr.ErrInvalidInput)
	}
	return nil
}

// RecallInput narrows a Recall call.
type RecallInput struct {
	Query             string
	MaxTokens         int
	MaxResults        int
	Tier              entry.Tier
	IncludeSuperseded bool
}

// RecallRow is one ranked recall result with its hydrated content.
type RecallRow struct {
	Seq     int64
	Content string
	Score   float64
}

// estimateTokens approximates token count as one token per four bytes, the
// common back-of-envelope ratio for English text; it only needs to be a
// stable, monotonic proxy for the token budget, not an exact tokenizer.
func estimateTokens(content string) int {
	n := len(content) / 4
	if n == 0 && content != "" {
		n = 1
	}
	return n
}

// Recall retrieves ranked matches subject to the token budget, then
// touches each returned entry's index row.
func (c *Chain) Recall(ctx context.Context, in RecallInput) ([]RecallRow, error) {
	ctx, span := tracer.Start(ctx, "memops.Recall")
	defer span.End()

	now := time.Now().UTC()
	results, err := c.index.Search(ctx, index.SearchOptions{
		Query:             in.Query,
		Tier:              in.Tier,
		IncludeSuperseded: in.IncludeSuperseded,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("memops: search: %w", err)
	}
	sortSearchResults(results)
	if in.MaxResults > 0 && len(results) > in.MaxResults {
		results = results[:in.MaxResults]
	}

	maxTokens := in.MaxTokens
	var out []RecallRow
	spent := 0
	for _, r := range results {
		content, err := c.store.Get(c.payloadRefOf(ctx, r.Row.Seq))
		if err != nil {
			continue
		}
		text := string(content)
		cost := estimateTokens(text)
		if maxTokens > 0 && spent+cost > maxTokens {
			break
		}
		spent += cost

		if err := c.index.Touch(ctx, r.Row.Seq, now); err != nil {
			return nil, fmt.Errorf("memops: touch seq %d: %w", r.Row.Seq, err)
		}
		out = append(out, RecallRow{Seq: r.Row.Seq, Content: text, Score: r.Score})
	}
	return out, nil
}

// payloadRefOf looks up seq's payload_ref via the journal; introspect and
// recall both need the content hash to hydrate from the content store
// since the Index only projects metadata columns.
func (c *Chain) payloadRefOf(ctx context.Context, seq int64) string {
	e, err := c.journal.Read(seq)
	if err != nil {
		return ""
	}
	return e.PayloadRef
}

func sortSearchResults(results []index.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Row.Seq > results[j].Row.Seq
	})
}

// RethinkInput is the caller-supplied payload for Rethink.
type RethinkInput struct {
	Supersedes      []int64
	NewUnderstanding string
	Reason          string
	Importance      float64
}

// RethinkResult is the outcome of a successful Rethink.
type RethinkResult struct {
	ConsolidationSeq int64
	SupersededCount  int
}

// Rethink appends a consolidation entry superseding the given seqs.
func (c *Chain) Rethink(ctx context.Context, in RethinkInput) (RethinkResult, error) {
	ctx, span := tracer.Start(ctx, "memops.Rethink")
	defer span.End()

	if in.NewUnderstanding == "" {
		return RethinkResult{}, fmt.Errorf("memops: new_understanding must not be empty: %w", chainerr.ErrInvalidInput)
	}
	if len(in.Supersedes) == 0 {
		return RethinkResult{}, fmt.Errorf("memops: supersedes must not be empty: %w", chainerr.ErrInvalidInput)
	}

	seen := make(map[int64]bool, len(in.Supersedes))
	for _, s := range in.Supersedes {
		if seen[s] {
			return RethinkResult{}, fmt.Errorf("memops: duplicate seq %d in supersedes: %w", s, chainerr.ErrInvalidInput)
		}
		seen[s] = true

		target, err := c.journal.Read(s)
		if err != nil {
			return RethinkResult{}, fmt.Errorf("memops: supersedes references unknown seq %d: %w", s, chainerr.ErrUnknownSeq)
		}
		if target.EntryKind == entry.KindRedaction {
			return RethinkResult{}, fmt.Errorf("memops: cannot supersede a redaction entry (seq %d): %w", s, chainerr.ErrInvalidInput)
		}
	}

	draft := entry.Entry{
		EntryKind: entry.KindConsolidation,
		Tier:      entry.TierCommitted,
		CreatedAt: time.Now().UTC(),
		Provenance: entry.Provenance{
			Source:     entry.SourceConsolidation,
			Trigger:    in.Reason,
			Importance: in.Importance,
		},
		Links: entry.Links{Supersedes: in.Supersedes},
	}

	commit, err := c.Commit(ctx, CommitInput{
		Content:    in.NewUnderstanding,
		EntryKind:  draft.EntryKind,
		Tier:       draft.Tier,
		Provenance: draft.Provenance,
		Links:      draft.Links,
		CreatedAt:  draft.CreatedAt,
	})
	if err != nil {
		return RethinkResult{}, err
	}

	return RethinkResult{ConsolidationSeq: commit.Seq, SupersededCount: len(in.Supersedes)}, nil
}

// BlockUpdateInput is the caller-supplied payload for BlockUpdate.
type BlockUpdateInput struct {
	Label   entry.BlockLabel
	Content string
	IsCore  bool
}

// BlockUpdateResult is the outcome of a successful BlockUpdate.
type BlockUpdateResult struct {
	Seq     int64
	Version int
}

// BlockUpdate appends a new version of a labeled block, chaining it to the
// label's previous latest entry (if any) and marking that predecessor
// superseded.
func (c *Chain) BlockUpdate(ctx context.Context, in BlockUpdateInput) (BlockUpdateResult, error) {
	ctx, span := tracer.Start(ctx, "memops.BlockUpdate")
	defer span.End()

	if !entry.ValidBlockLabel(in.Label) {
		return BlockUpdateResult{}, fmt.Errorf("memops: unknown block_label %q: %w", in.Label, chainerr.ErrInvalidInput)
	}

	version := 1
	var prevSeq *int64
	if latest, ok, err := c.index.BlockLatest(ctx, in.Label); err != nil {
		return BlockUpdateResult{}, fmt.Errorf("memops: read block_latest(%s): %w", in.Label, err)
	} else if ok {
		prevEntry, err := c.journal.Read(latest)
		if err != nil {
			return BlockUpdateResult{}, err
		}
		version = prevEntry.Links.BlockVersion + 1
		prevSeq = &latest
	}

	commit, err := c.Commit(ctx, CommitInput{
		Content:   in.Content,
		EntryKind: entry.KindBlock,
		Tier:      entry.TierCommitted,
		Provenance: entry.Provenance{
			Source:     entry.SourceManual,
			Importance: 1.0,
		},
		Links: entry.Links{
			BlockLabel:   in.Label,
			BlockVersion: version,
			PrevBlockSeq: prevSeq,
			IsCore:       in.IsCore,
		},
	})
	if err != nil {
		return BlockUpdateResult{}, err
	}

	return BlockUpdateResult{Seq: commit.Seq, Version: version}, nil
}

// RedactInput is the caller-supplied payload for Redact.
type RedactInput struct {
	TargetSeq int64
	Reason    string
}

// RedactResult is the outcome of a successful Redact.
type RedactResult struct {
	Seq       int64
	TargetSeq int64
}

// redactionSentinel is the payload a redacted blob is overwritten with.
// The target entry's content_hash, chain position, and signed header are
// never touched; only the blob bytes at its existing digest path change.
const redactionSentinel = "[redacted]"

// Redact appends a redaction entry naming target, then overwrites target's
// payload blob with a sentinel. The entry is committed before the blob is
// overwritten so that a crash between the two steps leaves a durable record
// of the redaction; store.Redact is idempotent, so a failed overwrite can
// be retried by redacting the same target again.
func (c *Chain) Redact(ctx context.Context, in RedactInput) (RedactResult, error) {
	ctx, span := tracer.Start(ctx, "memops.Redact")
	defer span.End()

	target, err := c.journal.Read(in.TargetSeq)
	if err != nil {
		return RedactResult{}, fmt.Errorf("memops: redact references unknown seq %d: %w", in.TargetSeq, chainerr.ErrUnknownSeq)
	}
	if target.EntryKind == entry.KindRedaction {
		return RedactResult{}, fmt.Errorf("memops: cannot redact a redaction entry (seq %d): %w", in.TargetSeq, chainerr.ErrInvalidInput)
	}

	content := in.Reason
	if content == "" {
		content = fmt.Sprintf("redaction of seq %d", in.TargetSeq)
	}

	commit, err := c.Commit(ctx, CommitInput{
		Content:   content,
		EntryKind: entry.KindRedaction,
		Tier:      entry.TierCommitted,
		Provenance: entry.Provenance{
			Source:  entry.SourceManual,
			Trigger: in.Reason,
		},
		Links: entry.Links{Supersedes: []int64{in.TargetSeq}},
	})
	if err != nil {
		return RedactResult{}, err
	}

	if err := c.store.Redact(target.PayloadRef, []byte(redactionSentinel)); err != nil {
		return RedactResult{}, fmt.Errorf("memops: overwrite blob for seq %d: %w", in.TargetSeq, err)
	}

	return RedactResult{Seq: commit.Seq, TargetSeq: in.TargetSeq}, nil
}

// IntrospectResult is the read-only composite view Introspect returns.
type IntrospectResult struct {
	Entry         entry.Entry
	Content       string
	SupersededBy  *int64
	Supersedes    []int64
	AnchorReceipts []string
}

// Introspect returns a read-only composite view of a single entry. It
// performs no index touches.
func (c *Chain) Introspect(ctx context.Context, seq int64) (IntrospectResult, error) {
	_, span := tracer.Start(ctx, "memops.Introspect")
	defer span.End()

	e, err := c.journal.Read(seq)
	if err != nil {
		return IntrospectResult{}, err
	}
	content, err := c.store.Get(e.PayloadRef)
	if err != nil {
		return IntrospectResult{}, fmt.Errorf("memops: read content for seq %d: %w", seq, err)
	}

	row, ok, err := c.index.Get(ctx, seq)
	if err != nil {
		return IntrospectResult{}, fmt.Errorf("memops: index lookup for seq %d: %w", seq, err)
	}
	result := IntrospectResult{Entry: e, Content: string(content), Supersedes: e.Links.Supersedes}
	if ok {
		result.SupersededBy = row.SupersededBy
	}
	return result, nil
}
