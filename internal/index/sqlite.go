package index

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/tripwire/memchain/internal/entry"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteBackend is the default Index backend, grounded on the same
// WAL-mode, single-connection discipline as the teacher's SQLite queue:
// one writer connection, PRAGMA journal_mode=WAL so concurrent readers
// (recall) do not block the single committing writer (commit/rethink).
type SQLiteBackend struct {
	db       *sql.DB
	head     atomic.Int64 // -1 means empty
	hotDays  float64
	warmDays float64
}

// NewSQLite opens (or creates) the SQLite index database at path, applies
// the schema, and seeds the in-memory head counter. path may be ":memory:"
// for tests.
func NewSQLite(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: set synchronous=NORMAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: apply schema: %w", err)
	}

	b := &SQLiteBackend{db: db, hotDays: DefaultHotDays, warmDays: DefaultWarmDays}
	var maxSeq sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(seq) FROM entries`).Scan(&maxSeq); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: seed head: %w", err)
	}
	if maxSeq.Valid {
		b.head.Store(maxSeq.Int64)
	} else {
		b.head.Store(-1)
	}
	return b, nil
}

// sqliteDDL is the schema, idempotent via CREATE TABLE IF NOT EXISTS so
// NewSQLite can be called against an existing database on every startup.
const sqliteDDL = `
CREATE TABLE IF NOT EXISTS entries (
    seq             INTEGER PRIMARY KEY,
    entry_kind      TEXT    NOT NULL,
    tier            TEXT    NOT NULL,
    created_at      TEXT    NOT NULL,
    importance      REAL    NOT NULL DEFAULT 0,
    is_superseded   INTEGER NOT NULL DEFAULT 0,
    superseded_by   INTEGER,
    block_label     TEXT    NOT NULL DEFAULT '',
    is_core         INTEGER NOT NULL DEFAULT 0,
    access_count    INTEGER NOT NULL DEFAULT 0,
    last_accessed   TEXT,
    content_preview TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_entries_tier ON entries (tier);
CREATE INDEX IF NOT EXISTS idx_entries_superseded ON entries (is_superseded);
CREATE INDEX IF NOT EXISTS idx_entries_core ON entries (is_core);

CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
    content_preview,
    content='entries',
    content_rowid='seq'
);

CREATE TABLE IF NOT EXISTS consolidations (
    consolidation_seq INTEGER NOT NULL,
    superseded_seq    INTEGER NOT NULL,
    PRIMARY KEY (consolidation_seq, superseded_seq)
);

CREATE TABLE IF NOT EXISTS block_latest (
    label TEXT PRIMARY KEY,
    seq   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS anchors (
    seq      INTEGER NOT NULL,
    provider TEXT    NOT NULL,
    receipt  TEXT    NOT NULL,
    PRIMARY KEY (seq, provider)
);
`

func (b *SQLiteBackend) Upsert(ctx context.Context, e entry.Entry, contentPreview string) error {
	var blockLabel string
	if e.Links.BlockLabel != "" {
		blockLabel = string(e.Links.BlockLabel)
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO entries
			(seq, entry_kind, tier, created_at, importance, is_core, block_label, content_preview)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (seq) DO UPDATE SET
			entry_kind      = excluded.entry_kind,
			tier            = excluded.tier,
			created_at      = excluded.created_at,
			importance      = excluded.importance,
			is_core         = excluded.is_core,
			block_label     = excluded.block_label,
			content_preview = excluded.content_preview`,
		e.Seq, string(e.EntryKind), string(e.Tier),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.Provenance.Importance, boolToInt(e.Links.IsCore), blockLabel, contentPreview,
	)
	if err != nil {
		return fmt.Errorf("index: upsert seq %d: %w", e.Seq, err)
	}
	if _, err := b.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO entries_fts (rowid, content_preview) VALUES (?, ?)`,
		e.Seq, contentPreview); err != nil {
		return fmt.Errorf("index: fts upsert seq %d: %w", e.Seq, err)
	}

	for {
		cur := b.head.Load()
		if e.Seq <= cur {
			break
		}
		if b.head.CompareAndSwap(cur, e.Seq) {
			break
		}
	}
	return nil
}

func (b *SQLiteBackend) MarkSuperseded(ctx context.Context, consolidationSeq int64, superseded []int64) error {
	if len(superseded) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: mark superseded begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, seq := range superseded {
		if _, err := tx.ExecContext(ctx,
			`UPDATE entries SET is_superseded = 1, superseded_by = ? WHERE seq = ?`,
			consolidationSeq, seq); err != nil {
			return fmt.Errorf("index: mark superseded seq %d: %w", seq, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO consolidations (consolidation_seq, superseded_seq) VALUES (?, ?)
			 ON CONFLICT DO NOTHING`,
			consolidationSeq, seq); err != nil {
			return fmt.Errorf("index: record consolidation edge %d->%d: %w", consolidationSeq, seq, err)
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Touch(ctx context.Context, seq int64, now time.Time) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE entries
		SET access_count = access_count + 1, last_accessed = ?
		WHERE seq = ?`, now.UTC().Format(time.RFC3339Nano), seq)
	if err != nil {
		return fmt.Errorf("index: touch seq %d: %w", seq, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("index: touch seq %d: no such row", seq)
	}
	return nil
}

func (b *SQLiteBackend) BlockLatest(ctx context.Context, label entry.BlockLabel) (int64, bool, error) {
	var seq int64
	err := b.db.QueryRowContext(ctx, `SELECT seq FROM block_latest WHERE label = ?`, string(label)).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("index: block_latest(%s): %w", label, err)
	}
	return seq, true, nil
}

func (b *SQLiteBackend) SetBlockLatest(ctx context.Context, label entry.BlockLabel, seq int64) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO block_latest (label, seq) VALUES (?, ?)
		ON CONFLICT (label) DO UPDATE SET seq = excluded.seq`, string(label), seq)
	if err != nil {
		return fmt.Errorf("index: set block_latest(%s) = %d: %w", label, seq, err)
	}
	return nil
}

func (b *SQLiteBackend) SetDecayThresholds(hotDays, warmDays float64) {
	b.hotDays = hotDays
	b.warmDays = warmDays
}

func (b *SQLiteBackend) CoreMemories(ctx context.Context) ([]Row, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+rowColumns+`
		FROM entries WHERE is_core = 1 ORDER BY seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("index: core memories: %w", err)
	}
	defer rows.Close()
	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for i := range out {
		out[i].DecayTier = ComputeDecayTier(AgeDays(out[i].CreatedAt, out[i].LastAccessed, now), b.hotDays, b.warmDays)
	}
	return out, nil
}

func (b *SQLiteBackend) Get(ctx context.Context, seq int64) (Row, bool, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+rowColumns+` FROM entries WHERE seq = ?`, seq)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("index: get seq %d: %w", seq, err)
	}
	r.DecayTier = ComputeDecayTier(AgeDays(r.CreatedAt, r.LastAccessed, time.Now().UTC()), b.hotDays, b.warmDays)
	return r, true, nil
}

func (b *SQLiteBackend) Head(ctx context.Context) (int64, error) {
	return b.head.Load(), nil
}

func (b *SQLiteBackend) Search(ctx context.Context, opts SearchOptions, now time.Time) ([]SearchResult, error) {
	var (
		query string
		args  []any
	)
	if opts.Query != "" {
		query = `
			SELECT e.` + rowColumnsPrefixed("e") + `, bm25(entries_fts) AS rank
			FROM entries_fts
			JOIN entries e ON e.seq = entries_fts.rowid
			WHERE entries_fts MATCH ?`
		args = append(args, opts.Query)
	} else {
		query = `SELECT e.` + rowColumnsPrefixed("e") + `, 0.0 AS rank FROM entries e WHERE 1=1`
	}
	if !opts.IncludeSuperseded {
		query += ` AND e.is_superseded = 0`
	}
	if opts.Tier != "" {
		query += ` AND e.tier = ?`
		args = append(args, string(opts.Tier))
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		r, rank, err := scanRowWithRank(rows)
		if err != nil {
			return nil, fmt.Errorf("index: search scan: %w", err)
		}
		lex := 0.0
		if opts.Query != "" {
			// bm25() returns lower-is-better scores at or below zero; map
			// them into [0,1), rising with match strength, so it composes
			// additively with the other [0,1]-ish ranking terms instead of
			// dominating them.
			lex = -rank / (1.0 - rank)
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

func (b *SQLiteBackend) Rebuild(ctx context.Context) error {
	for _, stmt := range []string{
		`DELETE FROM entries`,
		`DELETE FROM entries_fts`,
		`DELETE FROM consolidations`,
		`DELETE FROM block_latest`,
	} {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("index: rebuild: %w", err)
		}
	}
	b.head.Store(-1)
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// rowColumns is the column list shared by every SQLite query that returns a
// Row, in the fixed order scanRow/scanRowWithRank expect.
const rowColumns = `seq, entry_kind, tier, created_at, importance, is_superseded,
	superseded_by, block_label, is_core, access_count, last_accessed, content_preview`

// rowColumnsPrefixed returns rowColumns with each column qualified by
// prefix, for queries that join entries against entries_fts.
func rowColumnsPrefixed(prefix string) string {
	cols := []string{"seq", "entry_kind", "tier", "created_at", "importance",
		"is_superseded", "superseded_by", "block_label", "is_core",
		"access_count", "last_accessed", "content_preview"}
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += prefix + "." + c
	}
	return out
}

// scanner is satisfied by both *sql.Row and *sql.Rows, mirroring the
// teacher's storage.scanner pattern for sharing scan logic between
// single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (Row, error) {
	var (
		r                    Row
		entryKind, tier      string
		createdAt            string
		isSuperseded, isCore int
		supersededBy         sql.NullInt64
		blockLabel           string
		lastAccessed         sql.NullString
	)
	if err := s.Scan(
		&r.Seq, &entryKind, &tier, &createdAt, &r.Importance,
		&isSuperseded, &supersededBy, &blockLabel, &isCore,
		&r.AccessCount, &lastAccessed, &r.ContentPreview,
	); err != nil {
		return Row{}, err
	}
	r.EntryKind = entry.Kind(entryKind)
	r.Tier = entry.Tier(tier)
	r.BlockLabel = entry.BlockLabel(blockLabel)
	r.IsSuperseded = isSuperseded != 0
	r.IsCore = isCore != 0
	if supersededBy.Valid {
		v := supersededBy.Int64
		r.SupersededBy = &v
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Row{}, fmt.Errorf("parse created_at: %w", err)
	}
	r.CreatedAt = ts
	if lastAccessed.Valid {
		la, err := time.Parse(time.RFC3339Nano, lastAccessed.String)
		if err != nil {
			return Row{}, fmt.Errorf("parse last_accessed: %w", err)
		}
		r.LastAccessed = &la
	}
	return r, nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRowWithRank(rows *sql.Rows) (Row, float64, error) {
	var rank float64
	r, err := scanRowAndRank(rows, &rank)
	return r, rank, err
}

// scanRowAndRank scans a Row plus a trailing rank column in one Scan call,
// since database/sql requires every selected column to be scanned together.
func scanRowAndRank(rows *sql.Rows, rank *float64) (Row, error) {
	var (
		r                    Row
		entryKind, tier      string
		createdAt            string
		isSuperseded, isCore int
		supersededBy         sql.NullInt64
		blockLabel           string
		lastAccessed         sql.NullString
	)
	if err := rows.Scan(
		&r.Seq, &entryKind, &tier, &createdAt, &r.Importance,
		&isSuperseded, &supersededBy, &blockLabel, &isCore,
		&r.AccessCount, &lastAccessed, &r.ContentPreview, rank,
	); err != nil {
		return Row{}, err
	}
	r.EntryKind = entry.Kind(entryKind)
	r.Tier = entry.Tier(tier)
	r.BlockLabel = entry.BlockLabel(blockLabel)
	r.IsSuperseded = isSuperseded != 0
	r.IsCore = isCore != 0
	if supersededBy.Valid {
		v := supersededBy.Int64
		r.SupersededBy = &v
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Row{}, fmt.Errorf("parse created_at: %w", err)
	}
	r.CreatedAt = ts
	if lastAccessed.Valid {
		la, err := time.Parse(time.RFC3339Nano, lastAccessed.String)
		if err != nil {
			return Row{}, fmt.Errorf("parse last_accessed: %w", err)
		}
		r.LastAccessed = &la
	}
	return r, nil
}

func sortResultsDesc(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		// Ties broken by larger seq first.
		return results[i].Row.Seq > results[j].Row.Seq
	})
}
