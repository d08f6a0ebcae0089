package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tripwire/memchain/internal/config"
	"github.com/tripwire/memchain/internal/index"
	"github.com/tripwire/memchain/internal/journal"
	"github.com/tripwire/memchain/internal/keys"
	"github.com/tripwire/memchain/internal/memops"
)

const (
	indexFileName   = "memory.db"
	journalFileName = "chain.jsonl"
)

func addChainDirFlag(fs *flag.FlagSet) *string {
	return fs.String("chain-dir", "", "chain directory (defaults to $CHAIN_DIR or .)")
}

func addConfigFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "path to a YAML chain configuration file (optional)")
}

// loadConfig reads --config if the caller supplied one, applying its own
// defaulting and CHAIN_DIR/WRITER_KEY_PATH environment overrides. Returns
// nil, nil when no --config flag was given, in which case every other
// helper in this file falls back to flags and environment variables alone.
func loadConfig(fs *flag.FlagSet) (*config.Config, error) {
	path := fs.Lookup("config").Value.String()
	if path == "" {
		return nil, nil
	}
	return config.Load(path)
}

// resolveChainDir applies the chain directory's override precedence: an
// explicit --chain-dir flag wins, then the CHAIN_DIR environment variable
// (config.Load has already folded it into cfg.ChainDir when a config file
// was loaded), then a loaded config file's chain_dir, then the current
// directory.
func resolveChainDir(fs *flag.FlagSet, cfg *config.Config) string {
	if flagDir := fs.Lookup("chain-dir").Value.String(); flagDir != "" {
		return flagDir
	}
	if cfg != nil && cfg.ChainDir != "" {
		return cfg.ChainDir
	}
	if env := os.Getenv("CHAIN_DIR"); env != "" {
		return env
	}
	return "."
}

// openChain opens the chain at dir, using cfg's index_backend/postgres_dsn
// when a config file was loaded (sqlite at dir/memory.db otherwise), and
// returns both the Chain and a closer that also closes the index (which
// memops.Chain does not own).
func openChain(ctx context.Context, dir string, cfg *config.Config) (*memops.Chain, func() error, error) {
	idx, err := openIndexBackend(ctx, dir, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open index: %w", err)
	}
	if cfg != nil {
		idx.SetDecayThresholds(cfg.DecayHotDays, cfg.DecayWarmDays)
	}

	keyPath := os.Getenv("WRITER_KEY_PATH")
	if keyPath == "" && cfg != nil {
		keyPath = cfg.WriterKeyPath
	}
	c, err := memops.Open(ctx, dir, memops.Options{Index: idx, WriterKeyPath: keyPath, Logger: newLogger(cfg)})
	if err != nil {
		idx.Close()
		return nil, nil, err
	}

	closer := func() error {
		cerr := c.Close()
		ierr := idx.Close()
		if cerr != nil {
			return cerr
		}
		return ierr
	}
	return c, closer, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at cfg.LogLevel's minimum severity ("info" when cfg is
// nil, i.e. no --config flag was given).
func newLogger(cfg *config.Config) *slog.Logger {
	level := "info"
	if cfg != nil && cfg.LogLevel != "" {
		level = cfg.LogLevel
	}
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func openIndexBackend(ctx context.Context, dir string, cfg *config.Config) (index.Backend, error) {
	if cfg != nil && cfg.IndexBackend == "postgres" {
		return index.NewPostgres(ctx, cfg.PostgresDSN)
	}
	return index.NewSQLite(filepath.Join(dir, indexFileName))
}

// openJournalReadOnly opens the journal for an auditor operation (verify)
// that must not take the writer lock. It runs the same recovery scan
// memops.Chain.Open performs, so it creates the file if absent and may
// truncate a torn trailing entry, but appends nothing.
func openJournalReadOnly(dir string, pub ed25519.PublicKey) (*journal.Journal, journal.Stat, error) {
	return journal.Open(filepath.Join(dir, journalFileName), pub)
}

func privKeyPath(dir string) string {
	if p := os.Getenv("WRITER_KEY_PATH"); p != "" {
		return p
	}
	return filepath.Join(dir, keys.PrivateKeyFile)
}

func pubKeyPath(dir string) string {
	return filepath.Join(dir, keys.PublicKeyFile)
}
