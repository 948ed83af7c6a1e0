package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tiendalotes/backend/internal/domain"
)

func TestValuationKey(t *testing.T) {
	cases := map[int64]string{
		0:  "valuation:all",
		-3: "valuation:all",
		42: "valuation:product:42",
	}
	for id, want := range cases {
		if got := ValuationKey(id); got != want {
			t.Fatalf("ValuationKey(%d) = %q, want %q", id, got, want)
		}
	}
}

func TestNoopCacheAlwaysMisses(t *testing.T) {
	var c ValuationCache = NoopValuationCache{}
	ctx := context.Background()
	if err := c.Set(ctx, "k", &domain.InventoryValuation{}, time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, ok, err := c.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestRedisValuationCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("TIENDALOTES_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TIENDALOTES_TEST_REDIS_ADDR to run redis integration test")
	}

	ctx := context.Background()
	c := NewRedisValuationCache(NewRedisClient(addr, "", 0))
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	key := "valuation:test:" + time.Now().Format("150405.000000")
	value := &domain.InventoryValuation{TotalValue: decimal.RequireFromString("120.5")}
	if err := c.Set(ctx, key, value, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if !got.TotalValue.Equal(value.TotalValue) {
		t.Fatalf("expected %s, got %s", value.TotalValue, got.TotalValue)
	}
	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Fatalf("expected miss after delete")
	}
}
