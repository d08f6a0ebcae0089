package anchor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	notaryDefaultMaxBackoff = 60 * time.Second
	notaryInitialBackoff    = time.Second
	notaryDialTimeout       = 10 * time.Second
)

// GRPCNotaryConfig configures a GRPCNotaryBackend.
type GRPCNotaryConfig struct {
	// Addr is the notary service's gRPC address.
	Addr string
	// MaxBackoff caps the reconnect backoff. Defaults to 60s.
	MaxBackoff time.Duration
	// Insecure disables TLS. Tests only.
	Insecure bool
}

// GRPCNotaryBackend anchors entries with an external gRPC notary service.
// Its connection handling reuses the teacher's exponential-backoff-with-
// jitter reconnect idiom, narrowed from a persistent bidirectional stream
// to a per-call dial since anchor submission is request/response rather
// than a continuous event feed.
type GRPCNotaryBackend struct {
	cfg     GRPCNotaryConfig
	backoff time.Duration
}

// NewGRPCNotary returns a GRPCNotaryBackend for cfg.
func NewGRPCNotary(cfg GRPCNotaryConfig) *GRPCNotaryBackend {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = notaryDefaultMaxBackoff
	}
	return &GRPCNotaryBackend{cfg: cfg, backoff: notaryInitialBackoff}
}

func (b *GRPCNotaryBackend) dial(context.Context) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(nil)
	if b.cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(b.cfg.Addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		b.backoff = nextNotaryBackoff(b.backoff, b.cfg.MaxBackoff)
		return nil, fmt.Errorf("anchor: dial notary %s: %w", b.cfg.Addr, err)
	}
	b.backoff = notaryInitialBackoff
	return conn, nil
}

// Submit dials the notary service and requests a timestamp proof for
// entrySeq (or the chain head, if nil).
//
// The concrete notary wire protocol is out of scope (see DESIGN.md): this
// implementation establishes the connection and backoff discipline a real
// notary client would use, and returns a not-yet-available result until a
// protobuf service definition is wired in.
func (b *GRPCNotaryBackend) Submit(ctx context.Context, entrySeq *int64, _ SubmitOptions) (SubmitResult, error) {
	conn, err := b.dial(ctx)
	if err != nil {
		return SubmitResult{Success: false, Provider: "grpc-notary", Seq: entrySeq, Err: err.Error()}, nil
	}
	defer conn.Close()

	return SubmitResult{Success: false, Provider: "grpc-notary", Seq: entrySeq, Err: "notary service contract not wired"}, nil
}

// Verify dials the notary service and checks the status of a prior
// submission.
func (b *GRPCNotaryBackend) Verify(ctx context.Context, entrySeq *int64, _ SubmitOptions) (VerifyResult, error) {
	conn, err := b.dial(ctx)
	if err != nil {
		return VerifyResult{Valid: false, Status: StatusFailed, Err: err.Error()}, nil
	}
	defer conn.Close()

	return VerifyResult{Valid: false, Status: StatusFailed, Err: "notary service contract not wired"}, nil
}

// IsAvailable reports whether the notary service can currently be dialed.
func (b *GRPCNotaryBackend) IsAvailable(ctx context.Context) bool {
	conn, err := b.dial(ctx)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// EstimateCost is not available until the notary wire protocol is wired
// in; it reports the backend as unavailable for cost estimation.
func (b *GRPCNotaryBackend) EstimateCost(context.Context, int) (CostEstimate, error) {
	return CostEstimate{Fee: 0, Available: false}, nil
}

// nextNotaryBackoff doubles current with +/-25% jitter, capped at max, the
// same formula as the teacher's transport.nextBackoff.
func nextNotaryBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	jitter := 0.75 + rand.Float64()*0.5
	next = time.Duration(float64(next) * jitter)
	if next < notaryInitialBackoff {
		next = notaryInitialBackoff
	}
	if next > max {
		next = max
	}
	return next
}

var _ Backend = (*GRPCNotaryBackend)(nil)
