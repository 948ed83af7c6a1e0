package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadFallsBackOnInvalidNumbers(t *testing.T) {
	t.Setenv("FULFILL_MAX_ATTEMPTS", "zero")
	t.Setenv("ORDER_LOCK_TTL_SECONDS", "-4")
	t.Setenv("VALUATION_CACHE_TTL_SECONDS", "")
	t.Setenv("MIGRATE_ON_START", "maybe")

	cfg := Load()
	if cfg.FulfillMaxAttempts != 3 {
		t.Fatalf("expected default 3 attempts, got %d", cfg.FulfillMaxAttempts)
	}
	if cfg.OrderLockTTL != 15*time.Second {
		t.Fatalf("expected default lock ttl, got %s", cfg.OrderLockTTL)
	}
	if cfg.ValuationCacheTTL != 30*time.Second {
		t.Fatalf("expected default cache ttl, got %s", cfg.ValuationCacheTTL)
	}
	if cfg.MigrateOnStart {
		t.Fatalf("expected migrate disabled on unparsable value")
	}
}

func TestLoadReadsTuning(t *testing.T) {
	t.Setenv("FULFILL_MAX_ATTEMPTS", "5")
	t.Setenv("FULFILL_RETRY_BACKOFF_MS", "40")
	t.Setenv("EXPIRING_LOTS_DAYS", "10")
	t.Setenv("MIGRATE_ON_START", "true")
	t.Setenv("PORT", "9090")

	cfg := Load()
	if cfg.FulfillMaxAttempts != 5 || cfg.FulfillRetryBackoff != 40*time.Millisecond {
		t.Fatalf("unexpected retry tuning: %d %s", cfg.FulfillMaxAttempts, cfg.FulfillRetryBackoff)
	}
	if cfg.ExpiringLotsDays != 10 || !cfg.MigrateOnStart {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Address() != ":9090" {
		t.Fatalf("expected :9090, got %s", cfg.Address())
	}
}
