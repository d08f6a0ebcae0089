package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"

	"github.com/tripwire/memchain/internal/chainerr"
	"github.com/tripwire/memchain/internal/entry"
	"github.com/tripwire/memchain/internal/index"
	"github.com/tripwire/memchain/internal/keys"
	"github.com/tripwire/memchain/internal/store"
	"github.com/tripwire/memchain/internal/verify"
)

func cmdIntrospect(args []string) error {
	fs := flag.NewFlagSet("introspect", flag.ContinueOnError)
	addChainDirFlag(fs)
	addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: memchain introspect <seq>")
	}
	seq, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid seq %q: %w", fs.Arg(0), chainerr.ErrInvalidInput)
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

	view, err := c.Introspect(ctx, seq)
	if err != nil {
		return err
	}

	fmt.Printf("seq=%d kind=%s tier=%s created_at=%s\n", view.Entry.Seq, view.Entry.EntryKind, view.Entry.Tier, view.Entry.CreatedAt)
	fmt.Printf("source=%s trigger=%q importance=%.2f\n", view.Entry.Provenance.Source, view.Entry.Provenance.Trigger, view.Entry.Provenance.Importance)
	if len(view.Supersedes) > 0 {
		fmt.Printf("supersedes=%v\n", view.Supersedes)
	}
	if view.SupersededBy != nil {
		fmt.Printf("superseded_by=%d\n", *view.SupersededBy)
	}
	fmt.Printf("content: %s\n", view.Content)
	return nil
}

func cmdVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	addChainDirFlag(fs)
	addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}
	dir := resolveChainDir(fs, cfg)

	pub, err := keys.LoadPublic(pubKeyPath(dir))
	if err != nil {
		return err
	}
	jrn, _, err := openJournalReadOnly(dir, pub)
	if err != nil {
		return err
	}
	defer jrn.Close()

	blobs, err := store.New(dir)
	if err != nil {
		return err
	}

	report, err := verify.VerifyChain(pub, jrn, blobs)
	if err != nil {
		return err
	}

	if report.Valid {
		fmt.Printf("chain valid: %d entries checked\n", report.CheckedCount)
		return nil
	}

	fmt.Printf("chain invalid at seq=%d kind=%s: %s\n", *report.FailedSeq, report.FailedKind, report.Detail)
	return fmt.Errorf("verify: first failure at seq %d (%s): %w", *report.FailedSeq, report.FailedKind, chainerr.ErrVerifyFailed)
}

func cmdRebuild(args []string) error {
	fs := flag.NewFlagSet("rebuild", flag.ContinueOnError)
	addChainDirFlag(fs)
	addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
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

	if err := verify.RebuildIndex(ctx, c.Index(), c.Journal(), c.Store()); err != nil {
		return err
	}

	fmt.Println("index rebuilt from journal")
	return nil
}

func cmdStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	addChainDirFlag(fs)
	addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
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

	head, err := c.Index().Head(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("head_seq=%d\n", head)

	core, err := c.Index().CoreMemories(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("core_memories=%d\n", len(core))

	byKind := make(map[entry.Kind]int)
	byTier := make(map[entry.Tier]int)
	byDecay := make(map[index.DecayTier]int)
	for seq := int64(0); seq <= head; seq++ {
		row, ok, err := c.Index().Get(ctx, seq)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		byKind[row.EntryKind]++
		byTier[row.Tier]++
		byDecay[row.DecayTier]++
	}
	fmt.Printf("by_kind=%v\n", byKind)
	fmt.Printf("by_tier=%v\n", byTier)
	fmt.Printf("by_decay=%v\n", byDecay)
	return nil
}
