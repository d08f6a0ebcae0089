package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tripwire/memchain/internal/chainerr"
)

// Registry holds the set of registered anchor backends, keyed by provider
// tag, and persists their receipts to a per-provider sidecar file
// (anchors/<provider>.json) alongside the journal.
type Registry struct {
	mu       sync.Mutex
	dir      string
	backends map[string]Backend
}

// NewRegistry returns a Registry whose sidecar files live under
// filepath.Join(chainDir, "anchors").
func NewRegistry(chainDir string) *Registry {
	return &Registry{
		dir:      filepath.Join(chainDir, "anchors"),
		backends: make(map[string]Backend),
	}
}

// Register adds backend under provider. Registration is idempotent: a
// second call with the same provider tag replaces the prior backend
// without touching that provider's persisted receipts.
func (r *Registry) Register(provider string, backend Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[provider] = backend
}

func (r *Registry) get(provider string) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backends[provider]
	if !ok {
		return nil, fmt.Errorf("anchor: unknown provider %q: %w", provider, chainerr.ErrInvalidInput)
	}
	return b, nil
}

// Submit anchors entrySeq (nil for chain head) via provider. On success it
// persists exactly one pending receipt before returning, per the registry
// contract; a submission failure for one provider never affects others
// since callers invoke Submit once per provider.
func (r *Registry) Submit(ctx context.Context, provider string, entrySeq *int64, opts SubmitOptions) (SubmitResult, error) {
	backend, err := r.get(provider)
	if err != nil {
		return SubmitResult{}, err
	}

	res, err := backend.Submit(ctx, entrySeq, opts)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("anchor: submit via %q: %w", provider, err)
	}

	receipt := Receipt{
		Provider:     provider,
		Seq:          entrySeq,
		TxOrProofRef: res.TxOrProofRef,
		Status:       StatusPending,
		SubmittedAt:  time.Now().UTC(),
		Err:          res.Err,
	}
	if !res.Success {
		receipt.Status = StatusFailed
	}
	if err := r.appendReceipt(provider, receipt); err != nil {
		return res, err
	}
	return res, nil
}

// Verify invokes provider's Verify and atomically replaces the matching
// pending receipt with the terminal result.
func (r *Registry) Verify(ctx context.Context, provider string, entrySeq *int64, opts SubmitOptions) (VerifyResult, error) {
	backend, err := r.get(provider)
	if err != nil {
		return VerifyResult{}, err
	}

	res, err := backend.Verify(ctx, entrySeq, opts)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("anchor: verify via %q: %w", provider, err)
	}

	if err := r.updateReceipt(provider, entrySeq, res); err != nil {
		return res, err
	}
	return res, nil
}

// IsAvailable reports whether provider's backend can currently accept
// submissions.
func (r *Registry) IsAvailable(ctx context.Context, provider string) (bool, error) {
	backend, err := r.get(provider)
	if err != nil {
		return false, err
	}
	return backend.IsAvailable(ctx), nil
}

// EstimateCost estimates provider's fee for anchoring count entries.
func (r *Registry) EstimateCost(ctx context.Context, provider string, count int) (CostEstimate, error) {
	backend, err := r.get(provider)
	if err != nil {
		return CostEstimate{}, err
	}
	est, err := backend.EstimateCost(ctx, count)
	if err != nil {
		return CostEstimate{}, fmt.Errorf("anchor: estimate cost via %q: %w", provider, err)
	}
	return est, nil
}

// Status returns every persisted receipt for provider, or for every
// registered provider when provider is empty.
func (r *Registry) Status(provider string) ([]Receipt, error) {
	r.mu.Lock()
	providers := make([]string, 0, len(r.backends))
	if provider != "" {
		providers = append(providers, provider)
	} else {
		for p := range r.backends {
			providers = append(providers, p)
		}
	}
	r.mu.Unlock()

	var all []Receipt
	for _, p := range providers {
		receipts, err := r.readReceipts(p)
		if err != nil {
			return nil, err
		}
		all = append(all, receipts...)
	}
	return all, nil
}

// UpgradePending walks every provider's pending receipts and calls Verify
// on each, writing back terminal outcomes. A receipt already in a terminal
// state (confirmed or failed) is left untouched, so repeating the pass only
// re-checks receipts that are still pending.
func (r *Registry) UpgradePending(ctx context.Context, opts SubmitOptions) error {
	r.mu.Lock()
	providers := make([]string, 0, len(r.backends))
	for p := range r.backends {
		providers = append(providers, p)
	}
	r.mu.Unlock()

	for _, provider := range providers {
		receipts, err := r.readReceipts(provider)
		if err != nil {
			return err
		}
		for _, rec := range receipts {
			if rec.Status != StatusPending {
				continue
			}
			if _, err := r.Verify(ctx, provider, rec.Seq, opts); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) sidecarPath(provider string) string {
	return filepath.Join(r.dir, provider+".json")
}

func (r *Registry) readReceipts(provider string) ([]Receipt, error) {
	b, err := os.ReadFile(r.sidecarPath(provider))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("anchor: read sidecar for %q: %w", provider, chainerr.ErrIoError)
	}
	var receipts []Receipt
	if err := json.Unmarshal(b, &receipts); err != nil {
		return nil, fmt.Errorf("anchor: decode sidecar for %q: %w", provider, chainerr.ErrCorrupt)
	}
	return receipts, nil
}

func (r *Registry) writeReceipts(provider string, receipts []Receipt) error {
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return fmt.Errorf("anchor: create sidecar dir: %w", chainerr.ErrIoError)
	}
	b, err := json.MarshalIndent(receipts, "", "  ")
	if err != nil {
		return fmt.Errorf("anchor: encode sidecar for %q: %w", provider, err)
	}

	path := r.sidecarPath(provider)
	tmp, err := os.CreateTemp(r.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("anchor: create sidecar temp file: %w", chainerr.ErrIoError)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("anchor: write sidecar temp file: %w", chainerr.ErrIoError)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("anchor: fsync sidecar temp file: %w", chainerr.ErrIoError)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("anchor: close sidecar temp file: %w", chainerr.ErrIoError)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("anchor: rename sidecar into place: %w", chainerr.ErrIoError)
	}
	return nil
}

func (r *Registry) appendReceipt(provider string, receipt Receipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	receipts, err := r.readReceipts(provider)
	if err != nil {
		return err
	}
	receipts = append(receipts, receipt)
	return r.writeReceipts(provider, receipts)
}

// updateReceipt replaces the most recent pending receipt for entrySeq (or
// for a nil-seq "chain head" submission) with its terminal verify result.
func (r *Registry) updateReceipt(provider string, entrySeq *int64, res VerifyResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	receipts, err := r.readReceipts(provider)
	if err != nil {
		return err
	}

	target := -1
	for i := len(receipts) - 1; i >= 0; i-- {
		if receipts[i].Status != StatusPending {
			continue
		}
		if seqEqual(receipts[i].Seq, entrySeq) {
			target = i
			break
		}
	}
	if target < 0 {
		return fmt.Errorf("anchor: no pending receipt for provider %q seq %v: %w", provider, entrySeq, chainerr.ErrUnknownSeq)
	}

	now := time.Now().UTC()
	receipts[target].Status = res.Status
	receipts[target].BlockNumber = res.BlockNumber
	receipts[target].Err = res.Err
	if res.Status != StatusPending {
		receipts[target].ConfirmedAt = &now
	}
	return r.writeReceipts(provider, receipts)
}

func seqEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
