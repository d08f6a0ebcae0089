package anchor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockBackend is an in-memory anchor backend for tests and local
// development: every Submit returns pending, and every Verify call
// confirms on its second invocation for a given target, so the upgrade
// pass behaves deterministically without any real external authority.
type MockBackend struct {
	mu       sync.Mutex
	attempts map[string]int
}

// NewMock returns a ready-to-use MockBackend.
func NewMock() *MockBackend {
	return &MockBackend{attempts: make(map[string]int)}
}

func mockKey(entrySeq *int64) string {
	if entrySeq == nil {
		return "head"
	}
	return fmt.Sprintf("seq:%d", *entrySeq)
}

// Submit always succeeds and returns a fresh proof reference.
func (m *MockBackend) Submit(_ context.Context, entrySeq *int64, _ SubmitOptions) (SubmitResult, error) {
	return SubmitResult{
		Success:      true,
		Provider:     "mock",
		Seq:          entrySeq,
		TxOrProofRef: uuid.NewString(),
	}, nil
}

// Verify returns pending on a target's first call and confirmed
// thereafter.
func (m *MockBackend) Verify(_ context.Context, entrySeq *int64, _ SubmitOptions) (VerifyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := mockKey(entrySeq)
	m.attempts[key]++
	if m.attempts[key] < 2 {
		return VerifyResult{Valid: true, Status: StatusPending}, nil
	}

	block := int64(m.attempts[key])
	now := time.Now().UTC()
	return VerifyResult{
		Valid:       true,
		Status:      StatusConfirmed,
		BlockNumber: &block,
		Timestamp:   &now,
	}, nil
}

// IsAvailable always reports true.
func (m *MockBackend) IsAvailable(context.Context) bool { return true }

// EstimateCost always reports a zero fee.
func (m *MockBackend) EstimateCost(context.Context, int) (CostEstimate, error) {
	return CostEstimate{Fee: 0, Available: true}, nil
}

var _ Backend = (*MockBackend)(nil)
