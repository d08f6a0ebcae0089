// Package keys manages the chain's single Ed25519 writer identity: a
// private key file (agent.key, mode 0600) and its paired public key file
// (agent.pub).
package keys

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tripwire/memchain/internal/chainerr"
)

const (
	// PrivateKeyFile is the conventional filename for the writer private
	// key within a chain directory.
	PrivateKeyFile = "agent.key"
	// PublicKeyFile is the conventional filename for the writer public key.
	PublicKeyFile = "agent.pub"
)

// Pair holds a chain's writer keypair.
type Pair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 keypair and writes it to privPath (mode
// 0600) and pubPath (mode 0644), both hex-encoded. It fails if either file
// already exists, so init never silently overwrites an existing identity.
func Generate(privPath, pubPath string) (Pair, error) {
	if _, err := os.Stat(privPath); err == nil {
		return Pair{}, fmt.Errorf("keys: %q already exists: %w", privPath, chainerr.ErrConflict)
	}
	if _, err := os.Stat(pubPath); err == nil {
		return Pair{}, fmt.Errorf("keys: %q already exists: %w", pubPath, chainerr.ErrConflict)
	}
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return Pair{}, fmt.Errorf("keys: generate: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(privPath), 0o700); err != nil {
		return Pair{}, fmt.Errorf("keys: create key dir: %w", chainerr.ErrIoError)
	}
	if err := writeHexFile(privPath, priv, 0o600); err != nil {
		return Pair{}, err
	}
	if err := writeHexFile(pubPath, pub, 0o644); err != nil {
		return Pair{}, err
	}
	return Pair{Public: pub, Private: priv}, nil
}

// Load reads an existing keypair from privPath and pubPath.
func Load(privPath, pubPath string) (Pair, error) {
	priv, err := readHexFile(privPath, ed25519.PrivateKeySize)
	if err != nil {
		return Pair{}, err
	}
	pub, err := readHexFile(pubPath, ed25519.PublicKeySize)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Public: ed25519.PublicKey(pub), Private: ed25519.PrivateKey(priv)}, nil
}

// LoadPublic reads only the public key at pubPath, for verify-only callers
// that never need the private key in memory.
func LoadPublic(pubPath string) (ed25519.PublicKey, error) {
	pub, err := readHexFile(pubPath, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(pub), nil
}

func writeHexFile(path string, b []byte, mode os.FileMode) error {
	if err := os.WriteFile(path, []byte(hex.EncodeToString(b)), mode); err != nil {
		return fmt.Errorf("keys: write %q: %w", path, chainerr.ErrIoError)
	}
	return nil
}

func readHexFile(path string, wantLen int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keys: read %q: %w", path, chainerr.ErrIoError)
	}
	b, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("keys: decode %q: %w", path, chainerr.ErrCorrupt)
	}
	if len(b) != wantLen {
		return nil, fmt.Errorf("keys: %q has wrong length %d, want %d: %w", path, len(b), wantLen, chainerr.ErrCorrupt)
	}
	return b, nil
}
