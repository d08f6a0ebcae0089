// Command memchain is the CLI for the memory chain: a verifiable,
// append-only, cryptographically-signed log of an agent's memories. It
// reads an optional YAML configuration file and otherwise accepts its
// chain directory directly via flag or environment variable.
//
// Usage:
//
//	memchain init --chain-dir /var/lib/memchain
//	memchain add --tier committed "the user prefers dark mode"
//	memchain recall "dark mode"
package main

import (
	"fmt"
	"os"

	"github.com/tripwire/memchain/internal/chainerr"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "memchain: %v\n", err)
		os.Exit(chainerr.ExitCode(err))
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: memchain <command> [args]; see memchain help")
	}

	sub := args[0]
	rest := args[1:]

	switch sub {
	case "init":
		return cmdInit(rest)
	case "add":
		return cmdAdd(rest)
	case "recall":
		return cmdRecall(rest)
	case "rethink":
		return cmdRethink(rest)
	case "block-set":
		return cmdBlockSet(rest)
	case "redact":
		return cmdRedact(rest)
	case "introspect":
		return cmdIntrospect(rest)
	case "verify":
		return cmdVerify(rest)
	case "rebuild":
		return cmdRebuild(rest)
	case "anchor":
		return cmdAnchor(rest)
	case "anchor-status":
		return cmdAnchorStatus(rest)
	case "export":
		return cmdExport(rest)
	case "stats":
		return cmdStats(rest)
	case "help":
		printHelp()
		return nil
	default:
		return fmt.Errorf("unknown command %q; run memchain help", sub)
	}
}

func printHelp() {
	fmt.Println(`memchain commands:
  init                                create chain directory and keypair
  add <content>                       commit a new memory
  recall <query>                      ranked recall within a token budget
  rethink --supersedes S1,S2 <text>   consolidate prior entries
  block-set <label> <content>         update a versioned block
  redact <seq> [--reason R]           overwrite an entry's payload blob
  introspect <seq>                    inspect a single entry
  verify                              full-chain invariant check
  rebuild                             rebuild the index from the journal
  anchor --provider P                 submit current head to a provider
                                       (or --check-availability / --estimate-cost N)
  anchor-status [--seq N]             list anchor receipts
  export --format json|markdown       stream all entries
  stats                               head seq and counts by kind/tier/decay`)
}
