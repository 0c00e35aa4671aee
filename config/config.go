package config

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

// Config carries every tunable the settlement engine reads. It is loaded
// once at startup and swapped atomically on reload; nothing reads ambient
// globals or database-backed key/value state.
type Config struct {
	Version int

	DatabaseURL string
	ListenAddr  string
	JWTSecret   string

	// External rails.
	RefundProviderURL string
	TaxFilingURL      string

	// Dispute policy. Quorum and the split rule are policy, not constants:
	// operators tune them per community.
	EvidenceWindow   time.Duration
	VotingWindow     time.Duration
	QuorumPower      int64
	SplitRefundBasis int // refund share for a split verdict, in percent

	// Refund engine.
	MaxRefundRetries int
	RetryBaseDelay   time.Duration

	SweepInterval time.Duration
}

// FromEnv reads configuration from the environment, applying defaults for
// everything except DATABASE_URL and JWT_SECRET.
func FromEnv() (Config, error) {
	cfg := Config{
		Version:           1,
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		RefundProviderURL: envOr("REFUND_PROVIDER_URL", "http://localhost:9091"),
		TaxFilingURL:      envOr("TAX_FILING_URL", "http://localhost:9092"),
		EvidenceWindow:    7 * 24 * time.Hour,
		VotingWindow:      3 * 24 * time.Hour,
		QuorumPower:       25,
		SplitRefundBasis:  50,
		MaxRefundRetries:  5,
		RetryBaseDelay:    500 * time.Millisecond,
		SweepInterval:     time.Minute,
	}

	var err error
	if cfg.EvidenceWindow, err = envDuration("EVIDENCE_WINDOW", cfg.EvidenceWindow); err != nil {
		return Config{}, err
	}
	if cfg.VotingWindow, err = envDuration("VOTING_WINDOW", cfg.VotingWindow); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = envDuration("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.QuorumPower, err = envInt64("QUORUM_POWER", cfg.QuorumPower); err != nil {
		return Config{}, err
	}
	if v, err := envInt64("MAX_REFUND_RETRIES", int64(cfg.MaxRefundRetries)); err != nil {
		return Config{}, err
	} else {
		cfg.MaxRefundRetries = int(v)
	}
	if v, err := envInt64("SPLIT_REFUND_BASIS", int64(cfg.SplitRefundBasis)); err != nil {
		return Config{}, err
	} else {
		cfg.SplitRefundBasis = int(v)
	}

	if cfg.SplitRefundBasis < 0 || cfg.SplitRefundBasis > 100 {
		return Config{}, fmt.Errorf("config: SPLIT_REFUND_BASIS must be 0..100")
	}
	if cfg.MaxRefundRetries < 0 {
		return Config{}, fmt.Errorf("config: MAX_REFUND_RETRIES must be >= 0")
	}

	return cfg, nil
}

// Store hands out the current configuration snapshot. Reload replaces the
// snapshot for subsequent readers; in-flight operations keep the version
// they started with.
type Store struct {
	current atomic.Pointer[Config]
}

func NewStore(cfg Config) *Store {
	s := &Store{}
	s.current.Store(&cfg)
	return s
}

// Current returns the active configuration snapshot.
func (s *Store) Current() Config {
	return *s.current.Load()
}

// Reload installs a new snapshot with a bumped version.
func (s *Store) Reload(cfg Config) Config {
	cfg.Version = s.current.Load().Version + 1
	s.current.Store(&cfg)
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	return d, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	return n, nil
}
