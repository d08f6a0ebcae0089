package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/tripwire/memchain/internal/anchor"
	"github.com/tripwire/memchain/internal/config"
)

// openRegistry builds the set of anchor backends available to the CLI. When
// cfg is non-nil, every entry in cfg.Anchors is registered under its own
// provider tag per its backend kind; otherwise (no --config given) it falls
// back to registering "mock" unconditionally and "grpc-notary" only when
// MEMCHAIN_NOTARY_ADDR is set, so the anchor commands stay usable without a
// config file.
func openRegistry(dir string, cfg *config.Config) *anchor.Registry {
	reg := anchor.NewRegistry(dir)

	if cfg == nil {
		reg.Register("mock", anchor.NewMock())
		if addr := envNotaryAddr(); addr != "" {
			reg.Register("grpc-notary", anchor.NewGRPCNotary(anchor.GRPCNotaryConfig{Addr: addr}))
		}
		return reg
	}

	for tag, a := range cfg.Anchors {
		switch a.Backend {
		case "mock":
			reg.Register(tag, anchor.NewMock())
		case "grpc-notary":
			reg.Register(tag, anchor.NewGRPCNotary(anchor.GRPCNotaryConfig{Addr: a.Endpoint}))
		}
	}
	return reg
}

func cmdAnchor(args []string) error {
	fs := flag.NewFlagSet("anchor", flag.ContinueOnError)
	addChainDirFlag(fs)
	addConfigFlag(fs)
	provider := fs.String("provider", "", "registered anchor provider (required)")
	seqFlag := fs.Int64("seq", -1, "entry seq to anchor (defaults to chain head)")
	memo := fs.String("memo", "", "optional memo attached to the submission")
	checkAvailability := fs.Bool("check-availability", false, "report whether the provider can currently accept submissions, instead of submitting")
	estimateCost := fs.Int("estimate-cost", 0, "report the estimated fee for anchoring this many entries, instead of submitting")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *provider == "" {
		return fmt.Errorf("usage: memchain anchor --provider P [--seq N]")
	}
	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}
	dir := resolveChainDir(fs, cfg)

	ctx := context.Background()
	reg := openRegistry(dir, cfg)

	if *checkAvailability {
		available, err := reg.IsAvailable(ctx, *provider)
		if err != nil {
			return err
		}
		fmt.Printf("provider=%s available=%t\n", *provider, available)
		return nil
	}
	if *estimateCost > 0 {
		est, err := reg.EstimateCost(ctx, *provider, *estimateCost)
		if err != nil {
			return err
		}
		fmt.Printf("provider=%s fee=%.6f available=%t\n", *provider, est.Fee, est.Available)
		return nil
	}

	var seq *int64
	if *seqFlag >= 0 {
		seq = seqFlag
	}

	res, err := reg.Submit(ctx, *provider, seq, anchor.SubmitOptions{Memo: *memo})
	if err != nil {
		return err
	}

	fmt.Printf("provider=%s success=%t tx_or_proof_ref=%s\n", res.Provider, res.Success, res.TxOrProofRef)
	if res.Err != "" {
		fmt.Printf("error=%s\n", res.Err)
	}
	return nil
}

func cmdAnchorStatus(args []string) error {
	fs := flag.NewFlagSet("anchor-status", flag.ContinueOnError)
	addChainDirFlag(fs)
	addConfigFlag(fs)
	provider := fs.String("provider", "", "restrict to a single provider (default: all registered)")
	seqFlag := fs.String("seq", "", "restrict to a single entry seq")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}
	dir := resolveChainDir(fs, cfg)

	ctx := context.Background()
	reg := openRegistry(dir, cfg)

	if err := reg.UpgradePending(ctx, anchor.SubmitOptions{}); err != nil {
		return err
	}

	receipts, err := reg.Status(*provider)
	if err != nil {
		return err
	}

	var wantSeq *int64
	if *seqFlag != "" {
		n, err := strconv.ParseInt(*seqFlag, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid --seq %q: %w", *seqFlag, err)
		}
		wantSeq = &n
	}

	for _, r := range receipts {
		if wantSeq != nil && !seqMatches(r.Seq, *wantSeq) {
			continue
		}
		seqStr := "head"
		if r.Seq != nil {
			seqStr = strconv.FormatInt(*r.Seq, 10)
		}
		fmt.Printf("provider=%s seq=%s status=%s tx_or_proof_ref=%s submitted_at=%s\n",
			r.Provider, seqStr, r.Status, r.TxOrProofRef, r.SubmittedAt.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

func seqMatches(receiptSeq *int64, want int64) bool {
	return receiptSeq != nil && *receiptSeq == want
}

func envNotaryAddr() string {
	return os.Getenv("MEMCHAIN_NOTARY_ADDR")
}
