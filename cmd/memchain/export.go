package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/tripwire/memchain/internal/entry"
)

func cmdExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	addChainDirFlag(fs)
	format := fs.String("format", "json", "output format: json or markdown")
	addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *format != "json" && *format != "markdown" {
		return fmt.Errorf("--format must be json or markdown, got %q", *format)
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

	entries, err := c.Journal().All()
	if err != nil {
		return err
	}

	if *format == "json" {
		return exportJSON(entries)
	}
	return exportMarkdown(entries)
}

func exportJSON(entries []entry.Entry) error {
	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func exportMarkdown(entries []entry.Entry) error {
	for _, e := range entries {
		fmt.Printf("## seq %d (%s, %s)\n", e.Seq, e.EntryKind, e.Tier)
		fmt.Printf("- created_at: %s\n", e.CreatedAt.Format("2006-01-02T15:04:05Z"))
		fmt.Printf("- source: %s, importance: %.2f\n", e.Provenance.Source, e.Provenance.Importance)
		if len(e.Links.Supersedes) > 0 {
			fmt.Printf("- supersedes: %v\n", e.Links.Supersedes)
		}
		if e.Links.BlockLabel != "" {
			fmt.Printf("- block: %s v%d\n", e.Links.BlockLabel, e.Links.BlockVersion)
		}
		fmt.Printf("- content_hash: %s\n\n", e.ContentHash)
	}
	return nil
}
