package config

import (
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/settleflow")
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen addr: got %s", cfg.ListenAddr)
	}
	if cfg.EvidenceWindow != 7*24*time.Hour || cfg.VotingWindow != 3*24*time.Hour {
		t.Errorf("windows: evidence=%v voting=%v", cfg.EvidenceWindow, cfg.VotingWindow)
	}
	if cfg.QuorumPower != 25 || cfg.SplitRefundBasis != 50 {
		t.Errorf("dispute policy: quorum=%d split=%d", cfg.QuorumPower, cfg.SplitRefundBasis)
	}
	if cfg.MaxRefundRetries != 5 || cfg.RetryBaseDelay != 500*time.Millisecond {
		t.Errorf("refund policy: retries=%d base=%v", cfg.MaxRefundRetries, cfg.RetryBaseDelay)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("EVIDENCE_WINDOW", "48h")
	t.Setenv("QUORUM_POWER", "100")
	t.Setenv("SPLIT_REFUND_BASIS", "30")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.EvidenceWindow != 48*time.Hour {
		t.Errorf("evidence window: got %v", cfg.EvidenceWindow)
	}
	if cfg.QuorumPower != 100 {
		t.Errorf("quorum: got %d", cfg.QuorumPower)
	}
	if cfg.SplitRefundBasis != 30 {
		t.Errorf("split basis: got %d", cfg.SplitRefundBasis)
	}
}

func TestFromEnv_RejectsBadSplitBasis(t *testing.T) {
	t.Setenv("SPLIT_REFUND_BASIS", "101")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected error for split basis above 100")
	}
}

func TestStore_ReloadBumpsVersion(t *testing.T) {
	store := NewStore(Config{Version: 1, QuorumPower: 25})

	if got := store.Current().QuorumPower; got != 25 {
		t.Fatalf("current quorum: got %d", got)
	}

	next := store.Reload(Config{QuorumPower: 40})
	if next.Version != 2 {
		t.Errorf("expected version 2 after reload, got %d", next.Version)
	}
	if store.Current().QuorumPower != 40 {
		t.Errorf("expected new snapshot visible, got %d", store.Current().QuorumPower)
	}
}
