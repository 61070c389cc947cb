package imap

import "testing"

func TestDefaultIdleConfigReconnectPolicyGrows(t *testing.T) {
	cfg := DefaultIdleConfig()

	first := cfg.ReconnectPolicy.Delay(0)
	second := cfg.ReconnectPolicy.Delay(1)
	if second <= first {
		t.Fatalf("expected backoff to grow between attempts, got %v then %v", first, second)
	}

	capped := cfg.ReconnectPolicy.Delay(cfg.MaxReconnectAttempts)
	if capped > cfg.ReconnectPolicy.Cap {
		t.Fatalf("expected backoff to stay at or below the cap, got %v", capped)
	}
}

func TestDefaultPoolConfigGhostConnRetryPolicyGrows(t *testing.T) {
	cfg := DefaultPoolConfig()

	first := cfg.GhostConnRetryPolicy.Delay(0)
	last := cfg.GhostConnRetryPolicy.Delay(cfg.GhostConnRetryAttempts)
	if last < first {
		t.Fatalf("expected backoff to not shrink across attempts, got %v then %v", first, last)
	}
	if last > cfg.GhostConnRetryPolicy.Cap {
		t.Fatalf("expected backoff to stay at or below the cap, got %v", last)
	}
}
