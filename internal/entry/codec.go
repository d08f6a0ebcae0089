package entry

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"
)

// canonicalTimeLayout is the fixed RFC3339-nanosecond layout used for
// created_at in both the canonical header and the on-disk journal line.
const canonicalTimeLayout = "2006-01-02T15:04:05.000000000Z"

func parseCanonicalTime(s string) (time.Time, error) {
	return time.Parse(canonicalTimeLayout, s)
}

// NormalizeText applies NFC normalization to s, the fixed canonicalization
// form. Every free-text field that participates in hashing or
// signing (payload content, provenance trigger/emotion_tag, related
// entities) is normalized through this function before it is ever attached
// to an Entry, so that benign re-encodings of the same logical text never
// change a digest or signature.
func NormalizeText(s string) string {
	return norm.NFC.String(s)
}

// CanonicalHeader returns the deterministic byte encoding of e's header
// fields, in the fixed order seq, prev_hash, content_hash, payload_ref,
// entry_kind, tier, created_at, provenance, links. This is the exact byte
// sequence that is signed; it excludes e.Signature itself. PrevHash linkage
// hashes CanonicalFull instead, which appends the signature.
//
// encoding/json preserves struct field declaration order for non-map
// values, so the fixed order above is guaranteed by the field order of the
// header struct declared below rather than by any runtime sorting step.
// HTML escaping is
// disabled so the output is stable across Go versions, matching the
// canonical-JSON technique used elsewhere in this codebase's lineage for
// content-addressed hashing.
func CanonicalHeader(e Entry) ([]byte, error) {
	header := struct {
		Seq         int64      `json:"seq"`
		PrevHash    string     `json:"prev_hash"`
		ContentHash string     `json:"content_hash"`
		PayloadRef  string     `json:"payload_ref"`
		EntryKind   Kind       `json:"entry_kind"`
		Tier        Tier       `json:"tier"`
		CreatedAt   string     `json:"created_at"`
		Provenance  Provenance `json:"provenance"`
		Links       Links      `json:"links"`
	}{
		Seq:         e.Seq,
		PrevHash:    e.PrevHash,
		ContentHash: e.ContentHash,
		PayloadRef:  e.PayloadRef,
		EntryKind:   e.EntryKind,
		Tier:        e.Tier,
		CreatedAt:   e.CreatedAt.UTC().Format(canonicalTimeLayout),
		Provenance:  e.Provenance,
		Links:       e.Links,
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(header); err != nil {
		return nil, fmt.Errorf("entry: canonical encode: %w", err)
	}
	// json.Encoder.Encode appends a trailing newline; trim it so the
	// canonical byte sequence is exactly the object and nothing else.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// HashHex returns the lowercase hex SHA-256 digest of b.
func HashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Sign computes the canonical header bytes of e and signs them with priv,
// returning the lowercase hex-encoded 64-byte Ed25519 signature. e.Signature
// is not read or modified.
func Sign(priv ed25519.PrivateKey, e Entry) (string, error) {
	header, err := CanonicalHeader(e)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, header)
	return hex.EncodeToString(sig), nil
}

// Verify reports whether e.Signature is a valid Ed25519 signature over e's
// canonical header under pub.
func Verify(pub ed25519.PublicKey, e Entry) (bool, error) {
	header, err := CanonicalHeader(e)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false, fmt.Errorf("entry: decode signature: %w", err)
	}
	return ed25519.Verify(pub, header, sig), nil
}

// CanonicalFull returns the deterministic byte encoding of e including its
// Signature field, in the same fixed field order as CanonicalHeader plus a
// trailing signature. LinkHash feeds this encoding into prev_hash for the
// next entry: once an entry is written its signature is part of its
// identity, so a later tamper with a signature-only byte still breaks the
// next entry's prev_hash linkage.
func CanonicalFull(e Entry) ([]byte, error) {
	full := struct {
		Seq         int64      `json:"seq"`
		PrevHash    string     `json:"prev_hash"`
		ContentHash string     `json:"content_hash"`
		PayloadRef  string     `json:"payload_ref"`
		EntryKind   Kind       `json:"entry_kind"`
		Tier        Tier       `json:"tier"`
		CreatedAt   string     `json:"created_at"`
		Provenance  Provenance `json:"provenance"`
		Links       Links      `json:"links"`
		Signature   string     `json:"signature"`
	}{
		Seq:         e.Seq,
		PrevHash:    e.PrevHash,
		ContentHash: e.ContentHash,
		PayloadRef:  e.PayloadRef,
		EntryKind:   e.EntryKind,
		Tier:        e.Tier,
		CreatedAt:   e.CreatedAt.UTC().Format(canonicalTimeLayout),
		Provenance:  e.Provenance,
		Links:       e.Links,
		Signature:   e.Signature,
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(full); err != nil {
		return nil, fmt.Errorf("entry: canonical encode full: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// LinkHash returns the hex digest used as the next entry's prev_hash: the
// SHA-256 of e's full canonical encoding (CanonicalFull).
func LinkHash(e Entry) (string, error) {
	full, err := CanonicalFull(e)
	if err != nil {
		return "", err
	}
	return HashHex(full), nil
}

// MarshalLine encodes e as a single canonical JSON line (including its
// Signature field), newline-terminated, for the journal's on-disk format.
func MarshalLine(e Entry) ([]byte, error) {
	full, err := CanonicalFull(e)
	if err != nil {
		return nil, fmt.Errorf("entry: marshal line: %w", err)
	}
	return append(full, '\n'), nil
}

// UnmarshalLine decodes a single journal line into an Entry.
func UnmarshalLine(line []byte) (Entry, error) {
	var parsed struct {
		Seq         int64      `json:"seq"`
		PrevHash    string     `json:"prev_hash"`
		ContentHash string     `json:"content_hash"`
		PayloadRef  string     `json:"payload_ref"`
		EntryKind   Kind       `json:"entry_kind"`
		Tier        Tier       `json:"tier"`
		CreatedAt   string     `json:"created_at"`
		Provenance  Provenance `json:"provenance"`
		Links       Links      `json:"links"`
		Signature   string     `json:"signature"`
	}
	if err := json.Unmarshal(line, &parsed); err != nil {
		return Entry{}, fmt.Errorf("entry: unmarshal line: %w", err)
	}
	createdAt, err := parseCanonicalTime(parsed.CreatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("entry: parse created_at: %w", err)
	}
	return Entry{
		Seq:         parsed.Seq,
		PrevHash:    parsed.PrevHash,
		ContentHash: parsed.ContentHash,
		PayloadRef:  parsed.PayloadRef,
		EntryKind:   parsed.EntryKind,
		Tier:        parsed.Tier,
		CreatedAt:   createdAt,
		Provenance:  parsed.Provenance,
		Links:       parsed.Links,
		Signature:   parsed.Signature,
	}, nil
}
