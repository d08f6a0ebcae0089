// Package config provides YAML configuration loading and validation for a
// memory chain.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a chain process: the CLI and
// any embedding host process load the same struct.
type Config struct {
	// ChainDir is the chain directory holding chain.jsonl, content/,
	// memory.db, and the keypair. Required. Overridden by the CHAIN_DIR
	// environment variable.
	ChainDir string `yaml:"chain_dir"`

	// WriterKeyPath overrides the default agent.key location within
	// ChainDir. Overridden by the WRITER_KEY_PATH environment variable.
	WriterKeyPath string `yaml:"writer_key_path,omitempty"`

	// MaxTokensDefault bounds the combined estimated token cost of a
	// recall's returned contents when the caller does not supply its own
	// max_tokens. Defaults to 2000 when omitted.
	MaxTokensDefault int `yaml:"max_tokens_default"`

	// RecallDecayHalfLifeDays is advisory metadata surfaced to rankers;
	// the core's own recency term is fixed (exp(-age_days/7)) regardless
	// of this value. Defaults to 7 when omitted.
	RecallDecayHalfLifeDays float64 `yaml:"recall_decay_half_life_days"`

	// DecayHotDays and DecayWarmDays are the decay tier boundaries.
	// Defaults: 7 and 30.
	DecayHotDays  float64 `yaml:"decay_hot_days"`
	DecayWarmDays float64 `yaml:"decay_warm_days"`

	// LexicalRanker names a pluggable lexical scorer. Only the built-in
	// FTS5/tsvector ranker exists, and nothing outside this package reads
	// the value.
	LexicalRanker string `yaml:"lexical_ranker,omitempty"`

	// IndexBackend selects the Index implementation: "sqlite" (default)
	// or "postgres".
	IndexBackend string `yaml:"index_backend"`

	// PostgresDSN is required when IndexBackend is "postgres".
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// Anchors configures the anchor registry's backends, keyed by
	// provider tag.
	Anchors map[string]AnchorConfig `yaml:"anchors,omitempty"`
}

// AnchorConfig holds backend-specific settings for one registered anchor
// provider. The core never interprets Credentials, and no built-in backend
// constructor receives it.
type AnchorConfig struct {
	// Backend names the implementation: "mock" or "grpc-notary".
	Backend string `yaml:"backend"`

	// Endpoint is the remote address for network-backed providers (e.g.
	// the grpc-notary backend).
	Endpoint string `yaml:"endpoint,omitempty"`

	// PollInterval is a polling period for this provider's pending
	// receipts. Defaults to 30s when omitted; the CLI's registry does not
	// read it.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// Credentials is an opaque backend-specific settings block.
	Credentials map[string]string `yaml:"credentials,omitempty"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validIndexBackends = map[string]bool{
	"sqlite":   true,
	"postgres": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, overrides ChainDir/WriterKeyPath from the environment, and
// validates all required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.MaxTokensDefault == 0 {
		cfg.MaxTokensDefault = 2000
	}
	if cfg.RecallDecayHalfLifeDays == 0 {
		cfg.RecallDecayHalfLifeDays = 7
	}
	if cfg.DecayHotDays == 0 {
		cfg.DecayHotDays = 7
	}
	if cfg.DecayWarmDays == 0 {
		cfg.DecayWarmDays = 30
	}
	if cfg.IndexBackend == "" {
		cfg.IndexBackend = "sqlite"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	for tag, a := range cfg.Anchors {
		if a.PollInterval == 0 {
			a.PollInterval = 30 * time.Second
			cfg.Anchors[tag] = a
		}
	}
}

// applyEnvOverrides applies CHAIN_DIR and WRITER_KEY_PATH, which always win
// over both the file and the defaults above.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHAIN_DIR"); v != "" {
		cfg.ChainDir = v
	}
	if v := os.Getenv("WRITER_KEY_PATH"); v != "" {
		cfg.WriterKeyPath = v
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.ChainDir == "" {
		errs = append(errs, errors.New("chain_dir is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validIndexBackends[cfg.IndexBackend] {
		errs = append(errs, fmt.Errorf("index_backend %q must be one of: sqlite, postgres", cfg.IndexBackend))
	}
	if cfg.IndexBackend == "postgres" && cfg.PostgresDSN == "" {
		errs = append(errs, errors.New("postgres_dsn is required when index_backend is postgres"))
	}
	if cfg.MaxTokensDefault < 0 {
		errs = append(errs, errors.New("max_tokens_default must be >= 0"))
	}
	if cfg.DecayHotDays <= 0 || cfg.DecayWarmDays <= cfg.DecayHotDays {
		errs = append(errs, errors.New("decay_warm_days must be greater than decay_hot_days, both positive"))
	}

	for tag, a := range cfg.Anchors {
		if a.Backend == "" {
			errs = append(errs, fmt.Errorf("anchors[%s]: backend is required", tag))
		}
	}

	return errors.Join(errs...)
}
