// Package anchor implements the pluggable anchor registry: a set of
// backends, keyed by provider tag, that bind chain state to an external
// timestamping authority. It generalizes the teacher's Agent-level
// composition of independent components (there, a []Watcher; here, a
// map[string]Backend) into a registry addressed by name instead of index.
package anchor

import (
	"context"
	"time"
)

// Status is the lifecycle state of a submitted anchor.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// SubmitOptions narrows a Submit call; backends may ignore fields they do
// not understand.
type SubmitOptions struct {
	Memo string
}

// SubmitResult is the outcome of a Submit call.
type SubmitResult struct {
	Success     bool
	Provider    string
	Seq         *int64
	TxOrProofRef string
	Err         string
}

// VerifyResult is the outcome of a Verify call.
type VerifyResult struct {
	Valid       bool
	Status      Status
	BlockNumber *int64
	Timestamp   *time.Time
	Err         string
}

// CostEstimate is the outcome of an EstimateCost call.
type CostEstimate struct {
	Fee       float64
	Available bool
}

// Receipt is the persisted record of one submission and its current
// verification status, the unit the sidecar file stores.
type Receipt struct {
	Provider     string     `json:"provider"`
	Seq          *int64     `json:"seq,omitempty"`
	TxOrProofRef string     `json:"tx_or_proof_ref,omitempty"`
	Status       Status     `json:"status"`
	BlockNumber  *int64     `json:"block_number,omitempty"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	Err          string     `json:"error,omitempty"`
}

// Backend is the interface every anchor provider implements. A nil seq
// argument to Submit or Verify means "the current chain head" rather than
// a specific entry.
type Backend interface {
	// Submit anchors entrySeq (or the chain head, if nil) with this
	// provider. Backends do not persist anything; the Registry records one
	// pending Receipt for each successful submit.
	Submit(ctx context.Context, entrySeq *int64, opts SubmitOptions) (SubmitResult, error)

	// Verify checks the current state of a prior submission for entrySeq
	// (or the chain head, if nil).
	Verify(ctx context.Context, entrySeq *int64, opts SubmitOptions) (VerifyResult, error)

	// IsAvailable reports whether the backend can currently accept
	// submissions (e.g. reachable, credentials valid).
	IsAvailable(ctx context.Context) bool

	// EstimateCost estimates the fee for anchoring count entries.
	EstimateCost(ctx context.Context, count int) (CostEstimate, error)
}
