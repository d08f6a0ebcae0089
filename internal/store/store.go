// Package store implements the memory chain's content-addressed blob
// store: a mapping from digest to bytes, sharded by the first byte of the
// digest under content/<hh>/<digest>.
//
// Writes go through a temporary file in the same shard directory followed
// by an atomic rename keyed by the final digest, so a crash mid-write never
// leaves a partial blob under a digest name. (The journal itself appends
// in place and fsyncs instead; see internal/journal.)
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tripwire/memchain/internal/chainerr"
	"github.com/tripwire/memchain/internal/entry"
)

// Store is a content-addressed blob store rooted at a directory.
// Store is safe for concurrent use: Put is idempotent under concurrent
// callers because the final rename target is the digest itself.
type Store struct {
	root string
}

// New returns a Store rooted at root/content, creating the root directory
// if it does not already exist.
func New(root string) (*Store, error) {
	dir := filepath.Join(root, "content")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create %q: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

// Normalize applies the fixed payload normalization before hashing: UTF-8
// NFC normalization followed by trimming trailing newlines.
func Normalize(content string) string {
	normalized := entry.NormalizeText(content)
	return strings.TrimRight(normalized, "\n")
}

// Digest returns the content-address of b: the lowercase hex SHA-256 digest
// of the already-normalized payload bytes.
func Digest(b []byte) string {
	return entry.HashHex(b)
}

func (s *Store) shardDir(digest string) string {
	if len(digest) < 2 {
		return filepath.Join(s.root, "00")
	}
	return filepath.Join(s.root, digest[:2])
}

func (s *Store) path(digest string) string {
	return filepath.Join(s.shardDir(digest), digest)
}

// Put stores b under its digest and returns the digest. If a blob with the
// same digest already exists, Put is a no-op and returns the existing
// digest: writing the same content twice never creates a second copy and
// never errors.
//
// b is expected to already be normalized (see Normalize); Put does not
// re-normalize so that callers can store sentinel redaction payloads
// verbatim.
func (s *Store) Put(b []byte) (string, error) {
	digest := Digest(b)
	finalPath := s.path(digest)

	if _, err := os.Stat(finalPath); err == nil {
		return digest, nil
	}

	dir := s.shardDir(digest)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: create shard dir %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return "", fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("store: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("store: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("store: rename into place: %w", err)
	}
	return digest, nil
}

// Get returns the bytes stored under digest. It returns an error wrapping
// chainerr.ErrIoError if the blob does not exist.
func (s *Store) Get(digest string) ([]byte, error) {
	b, err := os.ReadFile(s.path(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("store: blob %q: %w", digest, chainerr.ErrIoError)
		}
		return nil, fmt.Errorf("store: read %q: %w", digest, err)
	}
	return b, nil
}

// Has reports whether digest is present in the store.
func (s *Store) Has(digest string) bool {
	_, err := os.Stat(s.path(digest))
	return err == nil
}

// Redact overwrites the blob at digest with a sentinel payload, leaving its
// digest, path, and Has()/Get() reachability intact (so the redacted
// entry's payload_ref continues to resolve). The chain position and signed header
// of the original entry are never touched; this only replaces the blob
// bytes, per the redaction policy chosen in DESIGN.md.
func (s *Store) Redact(digest string, sentinel []byte) error {
	finalPath := s.path(digest)
	if _, err := os.Stat(finalPath); err != nil {
		return fmt.Errorf("store: redact %q: %w", digest, chainerr.ErrIoError)
	}
	dir := s.shardDir(digest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(sentinel); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write sentinel: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: fsync sentinel: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("store: rename sentinel into place: %w", err)
	}
	return nil
}

// ReconcileOrphans removes blobs present in the store but not referenced by
// any digest in referenced. It is called at startup (see internal/memops) to
// clean up blobs written by a commit whose journal append subsequently
// failed. It returns the number of blobs removed.
func (s *Store) ReconcileOrphans(referenced map[string]bool) (int, error) {
	removed := 0
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("store: read root: %w", err)
	}
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.root, shard.Name())
		blobs, err := os.ReadDir(shardPath)
		if err != nil {
			return removed, fmt.Errorf("store: read shard %q: %w", shardPath, err)
		}
		for _, blob := range blobs {
			if blob.IsDir() || strings.HasPrefix(blob.Name(), ".tmp-") {
				continue
			}
			if referenced[blob.Name()] {
				continue
			}
			if err := os.Remove(filepath.Join(shardPath, blob.Name())); err != nil {
				return removed, fmt.Errorf("store: remove orphan %q: %w", blob.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}

// Reader opens digest for streaming reads.
func (s *Store) Reader(digest string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("store: blob %q: %w", digest, chainerr.ErrIoError)
		}
		return nil, fmt.Errorf("store: open %q: %w", digest, err)
	}
	return f, nil
}
