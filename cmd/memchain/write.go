package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/tripwire/memchain/internal/entry"
	"github.com/tripwire/memchain/internal/memops"
)

func cmdAdd(args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	addChainDirFlag(fs)
	kind := fs.String("kind", string(entry.KindMemory), "entry kind")
	tier := fs.String("tier", string(entry.TierEphemeral), "retention tier")
	importance := fs.Float64("importance", 0, "importance in [0,1]")
	trigger := fs.String("trigger", "", "short trigger description")
	addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: memchain add <content> [--kind K] [--tier T] [--importance X]")
	}
	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}
	content := strings.Join(fs.Args(), " ")
	dir := resolveChainDir(fs, cfg)

	ctx := context.Background()
	c, closer, err := openChain(ctx, dir, cfg)
	if err != nil {
		return err
	}
	defer closer()

	res, err := c.Commit(ctx, memops.CommitInput{
		Content:   content,
		EntryKind: entry.Kind(*kind),
		Tier:      entry.Tier(*tier),
		Provenance: entry.Provenance{
			Source:     entry.SourceManual,
			Trigger:    *trigger,
			Importance: *importance,
		},
	})
	if err != nil {
		return err
	}

	fmt.Printf("seq=%d content_hash=%s\n", res.Seq, res.ContentHash)
	return nil
}

func cmdRecall(args []string) error {
	fs := flag.NewFlagSet("recall", flag.ContinueOnError)
	addChainDirFlag(fs)
	maxResults := fs.Int("max-results", 10, "maximum results")
	maxTokens := fs.Int("max-tokens", -1, "token budget (0 = unbounded; defaults to the config's max_tokens_default)")
	includeSuperseded := fs.Bool("include-superseded", false, "include superseded entries")
	tier := fs.String("tier", "", "restrict to a retention tier")
	addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: memchain recall <query> [--max-results N] [--include-superseded]")
	}
	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}
	query := strings.Join(fs.Args(), " ")
	dir := resolveChainDir(fs, cfg)

	tokens := *maxTokens
	if tokens < 0 {
		tokens = 0
		if cfg != nil {
			tokens = cfg.MaxTokensDefault
		}
	}

	ctx := context.Background()
	c, closer, err := openChain(ctx, dir, cfg)
	if err != nil {
		return err
	}
	defer closer()

	rows, err := c.Recall(ctx, memops.RecallInput{
		Query:             query,
		MaxResults:        *maxResults,
		MaxTokens:         tokens,
		IncludeSuperseded: *includeSuperseded,
		Tier:              entry.Tier(*tier),
	})
	if err != nil {
		return err
	}

	for _, r := range rows {
		fmt.Printf("seq=%d score=%.4f %s\n", r.Seq, r.Score, r.Content)
	}
	return nil
}

func cmdRethink(args []string) error {
	fs := flag.NewFlagSet("rethink", flag.ContinueOnError)
	addChainDirFlag(fs)
	supersedes := fs.String("supersedes", "", "comma-separated seqs to supersede (required)")
	reason := fs.String("reason", "", "reason for the consolidation")
	importance := fs.Float64("importance", 0, "importance in [0,1]")
	addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: memchain rethink --supersedes S1,S2,... <content>")
	}
	if *supersedes == "" {
		return fmt.Errorf("--supersedes is required")
	}

	seqs, err := parseSeqList(*supersedes)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}
	content := strings.Join(fs.Args(), " ")
	dir := resolveChainDir(fs, cfg)

	ctx := context.Background()
	c, closer, err := openChain(ctx, dir, cfg)
	if err != nil {
		return err
	}
	defer closer()

	res, err := c.Rethink(ctx, memops.RethinkInput{
		Supersedes:       seqs,
		NewUnderstanding: content,
		Reason:           *reason,
		Importance:       *importance,
	})
	if err != nil {
		return err
	}

	fmt.Printf("consolidation_seq=%d superseded_count=%d\n", res.ConsolidationSeq, res.SupersededCount)
	return nil
}

func cmdBlockSet(args []string) error {
	fs := flag.NewFlagSet("block-set", flag.ContinueOnError)
	addChainDirFlag(fs)
	isCore := fs.Bool("core", false, "mark this block as core")
	addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: memchain block-set <label> <content>")
	}
	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}
	label := fs.Arg(0)
	content := strings.Join(fs.Args()[1:], " ")
	dir := resolveChainDir(fs, cfg)

	ctx := context.Background()
	c, closer, err := openChain(ctx, dir, cfg)
	if err != nil {
		return err
	}
	defer closer()

	res, err := c.BlockUpdate(ctx, memops.BlockUpdateInput{
		Label:   entry.BlockLabel(label),
		Content: content,
		IsCore:  *isCore,
	})
	if err != nil {
		return err
	}

	fmt.Printf("seq=%d version=%d\n", res.Seq, res.Version)
	return nil
}

func cmdRedact(args []string) error {
	fs := flag.NewFlagSet("redact", flag.ContinueOnError)
	addChainDirFlag(fs)
	reason := fs.String("reason", "", "reason for the redaction")
	addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: memchain redact <seq> [--reason R]")
	}
	seq, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid seq %q: %w", fs.Arg(0), err)
	}
	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}
	dir := resolveChainDir(fs, cfg)

	ctx := context.Background()
	c, closer, err := openChain(ctx, dir, cfg)
	if err != nil {
		return err
	}
	defer closer()

	res, err := c.Redact(ctx, memops.RedactInput{
		TargetSeq: seq,
		Reason:    *reason,
	})
	if err != nil {
		return err
	}

	fmt.Printf("seq=%d target_seq=%d\n", res.Seq, res.TargetSeq)
	return nil
}

func parseSeqList(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	seqs := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid seq %q: %w", p, err)
		}
		seqs = append(seqs, n)
	}
	return seqs, nil
}
