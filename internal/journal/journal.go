// Package journal implements the memory chain's append-only, hash-linked,
// Ed25519-signed entry log.
//
// Journal is grounded on internal/audit's hash-chained logger: Open scans
// any existing file to restore chain state exactly as audit.Open does,
// generalized here from a single hash-chain field to full entry signing and
// from "chain is broken -> fail" to "chain is broken only past a
// recoverable tail -> truncate and continue".
package journal

import (
	"bufio"
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tripwire/memchain/internal/chainerr"
	"github.com/tripwire/memchain/internal/entry"
)

const maxLineBytes = 16 * 1024 * 1024

// Journal is an append-only log of signed, hash-linked entries backed by a
// single file. Journal is safe for concurrent use; a mutex serializes
// Append calls so seq and prev_hash assignment is race-free.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	pub      ed25519.PublicKey
	head     entry.Entry
	headSet  bool
	nextSeq  int64
	prevHash string
}

// Stat summarizes the outcome of Open's recovery scan.
type Stat struct {
	// Count is the number of valid entries recovered.
	Count int
	// TruncatedBytes is the number of trailing bytes discarded because the
	// last entry's framing or signature did not verify (a crash mid-write).
	TruncatedBytes int64
}

// Open opens (or creates) the journal file at path, verifying every
// existing entry's framing, prev_hash linkage, and signature under pub. If
// the last entry fails to parse or verify, it is treated as a torn write
// from a crash mid-append: the file is truncated to the last known-good
// entry and the scan continues normally. Any earlier entry failing
// verification is a real corruption and is returned as an error wrapping
// chainerr.ErrCorrupt.
func Open(path string, pub ed25519.PublicKey) (*Journal, Stat, error) {
	var (
		stat     Stat
		prevHash = entry.ZeroDigest
		nextSeq  = int64(0)
		head     entry.Entry
		headSet  bool
	)

	if _, err := os.Stat(path); err == nil {
		lines, _, err := readRecoverable(path)
		if err != nil {
			return nil, Stat{}, err
		}

		for i, raw := range lines {
			last := i == len(lines)-1

			e, verr := entry.UnmarshalLine(raw)
			if verr == nil && e.Seq == nextSeq && e.PrevHash == prevHash {
				if ok, serr := entry.Verify(pub, e); serr == nil && ok {
					linkHash, lerr := entry.LinkHash(e)
					if lerr == nil {
						prevHash = linkHash
						nextSeq = e.Seq + 1
						head = e
						headSet = true
						stat.Count++
						continue
					}
					verr = lerr
				} else if serr != nil {
					verr = serr
				} else {
					verr = fmt.Errorf("signature invalid")
				}
			} else if verr == nil {
				verr = fmt.Errorf("seq/prev_hash mismatch")
			}

			// verr != nil: this line failed to parse or verify. Only the
			// final line may be the result of a crash mid-write; truncate
			// and stop there. Any earlier line failing is a genuine
			// corruption.
			if !last {
				return nil, Stat{}, fmt.Errorf("journal: entry %d failed verification: %v: %w", i, verr, chainerr.ErrCorrupt)
			}
			stat.TruncatedBytes = int64(len(raw)) + 1
			if err := truncateTail(path, lines[:i]); err != nil {
				return nil, Stat{}, err
			}
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, Stat{}, fmt.Errorf("journal: open for appending %q: %w", path, chainerr.ErrIoError)
	}

	return &Journal{
		file:     f,
		path:     path,
		pub:      pub,
		head:     head,
		headSet:  headSet,
		nextSeq:  nextSeq,
		prevHash: prevHash,
	}, stat, nil
}

// readRecoverable reads every complete line of path. A final line without a
// trailing newline is still returned as a line by bufio.Scanner; whether it
// represents a torn write is decided by the caller's verification step, not
// here.
func readRecoverable(path string) (lines [][]byte, truncatedBytes int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("journal: open for scan %q: %w", path, chainerr.ErrIoError)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
	}
	if err := scanner.Err(); err != nil {
		// A line exceeding the scanner buffer, or an I/O error reading the
		// tail, is treated as a torn write rather than a hard failure: drop
		// it and let the caller proceed from the last good entry.
		if len(lines) > 0 {
			return lines, 0, nil
		}
		return nil, 0, fmt.Errorf("journal: scan %q: %w", path, chainerr.ErrIoError)
	}
	return lines, 0, nil
}

// truncateTail rewrites path to contain exactly goodLines, each followed by
// a newline, discarding a torn trailing write. The rewrite itself goes
// through a temp-file-then-rename so a crash during recovery cannot corrupt
// the file further than it already was.
func truncateTail(path string, goodLines [][]byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".journal-recover-*")
	if err != nil {
		return fmt.Errorf("journal: create recovery temp file: %w", chainerr.ErrIoError)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	for _, line := range goodLines {
		if _, err := tmp.Write(line); err != nil {
			tmp.Close()
			return fmt.Errorf("journal: write recovered line: %w", chainerr.ErrIoError)
		}
		if _, err := tmp.Write([]byte{'\n'}); err != nil {
			tmp.Close()
			return fmt.Errorf("journal: write recovered newline: %w", chainerr.ErrIoError)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: fsync recovery file: %w", chainerr.ErrIoError)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("journal: close recovery file: %w", chainerr.ErrIoError)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("journal: rename recovered journal into place: %w", chainerr.ErrIoError)
	}
	return nil
}

// Head returns the most recently appended entry and true, or the zero
// Entry and false if the journal is empty.
func (j *Journal) Head() (entry.Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head, j.headSet
}

// NextSeq returns the sequence number the next Append call will assign.
func (j *Journal) NextSeq() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq
}

// Append assigns seq and prev_hash to draft, signs it with priv, writes it
// to the journal file with append-only I/O followed by fsync, and returns
// the fully-framed entry. draft.ContentHash, draft.PayloadRef, and all
// caller-supplied fields must already be set; Seq, PrevHash, and Signature
// are overwritten by Append regardless of their incoming value.
//
// Once the fsync in this call returns successfully, the entry is durable
// even if the process dies before the Index is updated (see
// internal/memops's forward-roll on the next Open).
func (j *Journal) Append(priv ed25519.PrivateKey, draft entry.Entry) (entry.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	draft.Seq = j.nextSeq
	draft.PrevHash = j.prevHash

	sig, err := entry.Sign(priv, draft)
	if err != nil {
		return entry.Entry{}, fmt.Errorf("journal: sign entry %d: %w", draft.Seq, chainerr.ErrSignatureFailed)
	}
	draft.Signature = sig

	line, err := entry.MarshalLine(draft)
	if err != nil {
		return entry.Entry{}, fmt.Errorf("journal: marshal entry %d: %w", draft.Seq, err)
	}

	if _, err := j.file.Write(line); err != nil {
		return entry.Entry{}, fmt.Errorf("journal: write entry %d: %w", draft.Seq, chainerr.ErrIoError)
	}
	if err := j.file.Sync(); err != nil {
		return entry.Entry{}, fmt.Errorf("journal: fsync entry %d: %w", draft.Seq, chainerr.ErrIoError)
	}

	linkHash, err := entry.LinkHash(draft)
	if err != nil {
		return entry.Entry{}, fmt.Errorf("journal: link hash entry %d: %w", draft.Seq, err)
	}

	j.head = draft
	j.headSet = true
	j.nextSeq = draft.Seq + 1
	j.prevHash = linkHash

	return draft, nil
}

// Scan returns every entry with seq in [from, to], inclusive, in order. It
// re-reads the file from the start rather than relying on in-memory state,
// so it reflects exactly what is durable on disk.
func (j *Journal) Scan(from, to int64) ([]entry.Entry, error) {
	j.mu.Lock()
	path := j.path
	j.mu.Unlock()

	lines, _, err := readRecoverable(path)
	if err != nil {
		return nil, err
	}
	var out []entry.Entry
	for _, raw := range lines {
		e, err := entry.UnmarshalLine(raw)
		if err != nil {
			return nil, fmt.Errorf("journal: scan unmarshal: %w", chainerr.ErrCorrupt)
		}
		if e.Seq < from {
			continue
		}
		if e.Seq > to {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// Read returns the single entry at seq, or an error wrapping
// chainerr.ErrUnknownSeq if no such entry exists.
func (j *Journal) Read(seq int64) (entry.Entry, error) {
	entries, err := j.Scan(seq, seq)
	if err != nil {
		return entry.Entry{}, err
	}
	if len(entries) == 0 {
		return entry.Entry{}, fmt.Errorf("journal: seq %d: %w", seq, chainerr.ErrUnknownSeq)
	}
	return entries[0], nil
}

// All returns every entry in the journal, in order.
func (j *Journal) All() ([]entry.Entry, error) {
	head, ok := j.Head()
	if !ok {
		return nil, nil
	}
	return j.Scan(0, head.Seq)
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Sync(); err != nil {
		_ = j.file.Close()
		return fmt.Errorf("journal: sync on close: %w", chainerr.ErrIoError)
	}
	return j.file.Close()
}
