package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tripwire/memchain/internal/keys"
)

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
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

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create chain directory %q: %w", dir, err)
	}

	privPath := privKeyPath(dir)
	if cfg != nil && cfg.WriterKeyPath != "" {
		privPath = cfg.WriterKeyPath
	}
	pubPath := pubKeyPath(dir)

	if _, err := os.Stat(privPath); err == nil {
		fmt.Printf("writer key already present at %s\n", privPath)
	} else {
		if _, err := keys.Generate(privPath, pubPath); err != nil {
			return fmt.Errorf("generate writer keypair: %w", err)
		}
		fmt.Printf("generated writer keypair: %s, %s\n", privPath, pubPath)
	}

	fmt.Printf("chain directory ready: %s\n", dir)
	return nil
}
