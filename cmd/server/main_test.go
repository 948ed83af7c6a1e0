package main

import (
	"testing"
	"time"

	"tiendalotes/backend/internal/config"
)

func TestValidateConfigRejectsShortSecret(t *testing.T) {
	err := validateConfig(config.Config{AuthSecret: "short", OrderLockTTL: 15 * time.Second})
	if err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}

func TestValidateConfigAcceptsDefaults(t *testing.T) {
	cfg := config.Config{
		AuthSecret:          "0123456789abcdef0123456789abcdef",
		FulfillMaxAttempts:  3,
		FulfillRetryBackoff: 25 * time.Millisecond,
		OrderLockTTL:        15 * time.Second,
	}
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidateConfigRejectsRetriesOutlivingLock(t *testing.T) {
	cfg := config.Config{
		AuthSecret:          "0123456789abcdef0123456789abcdef",
		FulfillMaxAttempts:  10,
		FulfillRetryBackoff: 2 * time.Second,
		OrderLockTTL:        5 * time.Second,
	}
	if err := validateConfig(cfg); err == nil {
		t.Fatalf("expected retry budget above lock ttl to be rejected")
	}
}
