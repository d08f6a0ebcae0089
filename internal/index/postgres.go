package index

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/memchain/internal/entry"
)

// PostgresBackend is the optional Index backend for deployments that want
// the Index to live alongside other relational state rather than as a
// standalone SQLite file. It is grounded on the teacher's pgxpool-based
// dashboard store: a pooled connection, explicit schema migration on
// startup, and the same upsert-via-ON-CONFLICT idiom used there for hosts.
type PostgresBackend struct {
	pool     *pgxpool.Pool
	hotDays  float64
	warmDays float64
}

// NewPostgres opens a pgxpool connection to connStr, pings it, and applies
// the schema.
func NewPostgres(ctx context.Context, connStr string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("index: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("index: apply schema: %w", err)
	}
	return &PostgresBackend{pool: pool, hotDays: DefaultHotDays, warmDays: DefaultWarmDays}, nil
}

const postgresDDL = `
CREATE TABLE IF NOT EXISTS entries (
    seq             BIGINT PRIMARY KEY,
    entry_kind      TEXT        NOT NULL,
    tier            TEXT        NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    importance      DOUBLE PRECISION NOT NULL DEFAULT 0,
    is_superseded   BOOLEAN     NOT NULL DEFAULT FALSE,
    superseded_by   BIGINT,
    block_label     TEXT        NOT NULL DEFAULT '',
    is_core         BOOLEAN     NOT NULL DEFAULT FALSE,
    access_count    BIGINT      NOT NULL DEFAULT 0,
    last_accessed   TIMESTAMPTZ,
    content_preview TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_entries_tier ON entries (tier);
CREATE INDEX IF NOT EXISTS idx_entries_superseded ON entries (is_superseded);
CREATE INDEX IF NOT EXISTS idx_entries_core ON entries (is_core);
CREATE INDEX IF NOT EXISTS idx_entries_fts ON entries USING gin (to_tsvector('english', content_preview));

CREATE TABLE IF NOT EXISTS consolidations (
    consolidation_seq BIGINT NOT NULL,
    superseded_seq    BIGINT NOT NULL,
    PRIMARY KEY (consolidation_seq, superseded_seq)
);

CREATE TABLE IF NOT EXISTS block_latest (
    label TEXT PRIMARY KEY,
    seq   BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS anchors (
    seq      BIGINT NOT NULL,
    provider TEXT   NOT NULL,
    receipt  TEXT   NOT NULL,
    PRIMARY KEY (seq, provider)
);
`

func (b *PostgresBackend) Upsert(ctx context.Context, e entry.Entry, contentPreview string) error {
	var blockLabel string
	if e.Links.BlockLabel != "" {
		blockLabel = string(e.Links.BlockLabel)
	}
	_, err := b.pool.Exec(ctx, `
		INSERT INTO entries
			(seq, entry_kind, tier, created_at, importance, is_core, block_label, content_preview)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (seq) DO UPDATE SET
			entry_kind      = EXCLUDED.entry_kind,
			tier            = EXCLUDED.tier,
			created_at      = EXCLUDED.created_at,
			importance      = EXCLUDED.importance,
			is_core         = EXCLUDED.is_core,
			block_label     = EXCLUDED.block_label,
			content_preview = EXCLUDED.content_preview`,
		e.Seq, string(e.EntryKind), string(e.Tier), e.CreatedAt.UTC(),
		e.Provenance.Importance, e.Links.IsCore, blockLabel, contentPreview,
	)
	if err != nil {
		return fmt.Errorf("index: upsert seq %d: %w", e.Seq, err)
	}
	return nil
}

func (b *PostgresBackend) MarkSuperseded(ctx context.Context, consolidationSeq int64, superseded []int64) error {
	if len(superseded) == 0 {
		return nil
	}
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("index: mark superseded begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, seq := range superseded {
		batch.Queue(`UPDATE entries SET is_superseded = TRUE, superseded_by = $1 WHERE seq = $2`,
			consolidationSeq, seq)
		batch.Queue(`INSERT INTO consolidations (consolidation_seq, superseded_seq) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, consolidationSeq, seq)
	}
	br := tx.SendBatch(ctx, batch)
	for range superseded {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("index: mark superseded batch: %w", err)
		}
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("index: record consolidation edge batch: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("index: close batch: %w", err)
	}
	return tx.Commit(ctx)
}

func (b *PostgresBackend) Touch(ctx context.Context, seq int64, now time.Time) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE entries SET access_count = access_count + 1, last_accessed = $1 WHERE seq = $2`,
		now.UTC(), seq)
	if err != nil {
		return fmt.Errorf("index: touch seq %d: %w", seq, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("index: touch seq %d: no such row", seq)
	}
	return nil
}

func (b *PostgresBackend) BlockLatest(ctx context.Context, label entry.BlockLabel) (int64, bool, error) {
	var seq int64
	err := b.pool.QueryRow(ctx, `SELECT seq FROM block_latest WHERE label = $1`, string(label)).Scan(&seq)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("index: block_latest(%s): %w", label, err)
	}
	return seq, true, nil
}

func (b *PostgresBackend) SetBlockLatest(ctx context.Context, label entry.BlockLabel, seq int64) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO block_latest (label, seq) VALUES ($1, $2)
		ON CONFLICT (label) DO UPDATE SET seq = EXCLUDED.seq`, string(label), seq)
	if err != nil {
		return fmt.Errorf("index: set block_latest(%s) = %d: %w", label, seq, err)
	}
	return nil
}

func (b *PostgresBackend) SetDecayThresholds(hotDays, warmDays float64) {
	b.hotDays = hotDays
	b.warmDays = warmDays
}

func (b *PostgresBackend) CoreMemories(ctx context.Context) ([]Row, error) {
	rows, err := b.pool.Query(ctx, `SELECT `+pgRowColumns+` FROM entries WHERE is_core ORDER BY seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("index: core memories: %w", err)
	}
	defer rows.Close()
	out, err := pgScanRows(rows)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for i := range out {
		out[i].DecayTier = ComputeDecayTier(AgeDays(out[i].CreatedAt, out[i].LastAccessed, now), b.hotDays, b.warmDays)
	}
	return out, nil
}

func (b *PostgresBackend) Get(ctx context.Context, seq int64) (Row, bool, error) {
	row := b.pool.QueryRow(ctx, `SELECT `+pgRowColumns+` FROM entries WHERE seq = $1`, seq)
	r, err := pgScanRow(row)
	if err == pgx.ErrNoRows {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("index: get seq %d: %w", seq, err)
	}
	r.DecayTier = ComputeDecayTier(AgeDays(r.CreatedAt, r.LastAccessed, time.Now().UTC()), b.hotDays, b.warmDays)
	return r, true, nil
}

func (b *PostgresBackend) Head(ctx context.Context) (int64, error) {
	var head *int64
	if err := b.pool.QueryRow(ctx, `SELECT MAX(seq) FROM entries`).Scan(&head); err != nil {
		return 0, fmt.Errorf("index: head: %w", err)
	}
	if head == nil {
		return -1, nil
	}
	return *head, nil
}

func (b *PostgresBackend) Search(ctx context.Context, opts SearchOptions, now time.Time) ([]SearchResult, error) {
	query := `SELECT ` + pgRowColumns + `,
		CASE WHEN $1 = '' THEN 0.0
		     ELSE ts_rank(to_tsvector('english', content_preview), plainto_tsquery('english', $1))
		END AS rank
		FROM entries
		WHERE ($1 = '' OR to_tsvector('english', content_preview) @@ plainto_tsquery('english', $1))`
	args := []any{opts.Query}
	if !opts.IncludeSuperseded {
		query += ` AND NOT is_superseded`
	}
	if opts.Tier != "" {
		query += fmt.Sprintf(` AND tier = $%d`, len(args)+1)
		args = append(args, string(opts.Tier))
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		r, rank, err := pgScanRowWithRank(rows)
		if err != nil {
			return nil, fmt.Errorf("index: search scan: %w", err)
		}
		lex := 0.0
		if opts.Query != "" {
			lex = rank
		}
		ageDays := AgeDays(r.CreatedAt, r.LastAccessed, now)
		score := Score(ageDays, r.AccessCount, r.Importance, lex)
		r.DecayTier = ComputeDecayTier(ageDays, b.hotDays, b.warmDays)
		results = append(results, SearchResult{Row: r, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: search rows: %w", err)
	}

	sortResultsDesc(results)
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func (b *PostgresBackend) Rebuild(ctx context.Context) error {
	for _, stmt := range []string{
		`TRUNCATE entries`,
		`TRUNCATE consolidations`,
		`TRUNCATE block_latest`,
	} {
		if _, err := b.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("index: rebuild: %w", err)
		}
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

const pgRowColumns = `seq, entry_kind, tier, created_at, importance, is_superseded,
	superseded_by, block_label, is_core, access_count, last_accessed, content_preview`

// pgScanner is satisfied by both pgx.Row and pgx.Rows.
type pgScanner interface {
	Scan(dest ...any) error
}

func pgScanRow(s pgScanner) (Row, error) {
	var (
		r                    Row
		entryKind, tier      string
		blockLabel           string
		supersededBy         *int64
		lastAccessed         *time.Time
	)
	if err := s.Scan(
		&r.Seq, &entryKind, &tier, &r.CreatedAt, &r.Importance,
		&r.IsSuperseded, &supersededBy, &blockLabel, &r.IsCore,
		&r.AccessCount, &lastAccessed, &r.ContentPreview,
	); err != nil {
		return Row{}, err
	}
	r.EntryKind = entry.Kind(entryKind)
	r.Tier = entry.Tier(tier)
	r.BlockLabel = entry.BlockLabel(blockLabel)
	r.SupersededBy = supersededBy
	r.LastAccessed = lastAccessed
	return r, nil
}

func pgScanRows(rows pgx.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		r, err := pgScanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func pgScanRowWithRank(rows pgx.Rows) (Row, float64, error) {
	var (
		r                    Row
		entryKind, tier      string
		blockLabel           string
		supersededBy         *int64
		lastAccessed         *time.Time
		rank                 float64
	)
	if err := rows.Scan(
		&r.Seq, &entryKind, &tier, &r.CreatedAt, &r.Importance,
		&r.IsSuperseded, &supersededBy, &blockLabel, &r.IsCore,
		&r.AccessCount, &lastAccessed, &r.ContentPreview, &rank,
	); err != nil {
		return Row{}, 0, err
	}
	r.EntryKind = entry.Kind(entryKind)
	r.Tier = entry.Tier(tier)
	r.BlockLabel = entry.BlockLabel(blockLabel)
	r.SupersededBy = supersededBy
	r.LastAccessed = lastAccessed
	return r, rank, nil
}
