package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tiendalotes/backend/internal/cache"
	"tiendalotes/backend/internal/domain"
	"tiendalotes/backend/internal/store"
)

type mapCache struct {
	mu      sync.Mutex
	entries map[string]domain.InventoryValuation
	hits    int
	deleted []string
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[string]domain.InventoryValuation{}}
}

func (c *mapCache) Get(_ context.Context, key string) (*domain.InventoryValuation, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	c.hits++
	return &v, true, nil
}

func (c *mapCache) Set(_ context.Context, key string, value *domain.InventoryValuation, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = *value
	return nil
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	c.deleted = append(c.deleted, keys...)
	return nil
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (*domain.InventoryValuation, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (brokenCache) Set(context.Context, string, *domain.InventoryValuation, time.Duration) error {
	return errors.New("connection refused")
}

func (brokenCache) Delete(context.Context, ...string) error {
	return errors.New("connection refused")
}

func TestInventoryValuationIsCachedUntilStockMoves(t *testing.T) {
	_, repo := newTestService(t)
	vc := newMapCache()
	svc := New(repo, Options{Now: newStepClock().Now, Cache: vc})
	ctx := context.Background()

	product := mustProduct(t, svc, "VALUE", domain.CostingOldestFirst)
	mustReceive(t, svc, product.ID, 4, "2.5")
	mustReceive(t, svc, product.ID, 2, "4")

	v, err := svc.InventoryValuation(ctx, product.ID)
	if err != nil {
		t.Fatalf("valuation failed: %v", err)
	}
	if len(v.Products) != 1 {
		t.Fatalf("expected one product row, got %d", len(v.Products))
	}
	row := v.Products[0]
	if row.Quantity != 6 || row.Lots != 2 || !row.Value.Equal(decimal.NewFromInt(18)) {
		t.Fatalf("unexpected valuation row: %+v", row)
	}
	if !row.WeightedAvgUnitCost.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected weighted average 3, got %s", row.WeightedAvgUnitCost)
	}

	if _, err := svc.InventoryValuation(ctx, product.ID); err != nil {
		t.Fatalf("second valuation failed: %v", err)
	}
	if vc.hits != 1 {
		t.Fatalf("expected second read from cache, got %d hits", vc.hits)
	}

	mustSell(t, svc, domain.SaleDraftItem{ProductID: product.ID, Quantity: 4})
	if _, ok := vc.entries[cache.ValuationKey(product.ID)]; ok {
		t.Fatalf("expected sale to invalidate the product entry")
	}

	after, err := svc.InventoryValuation(ctx, product.ID)
	if err != nil {
		t.Fatalf("valuation after sale failed: %v", err)
	}
	if after.Products[0].Quantity != 2 || !after.TotalValue.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("expected fresh valuation of 2 units worth 8, got %+v", after.Products[0])
	}
}

func TestInventoryValuationSortsByValue(t *testing.T) {
	svc, _ := newTestService(t)
	cheap := mustProduct(t, svc, "CHEAP", domain.CostingOldestFirst)
	dear := mustProduct(t, svc, "DEAR", domain.CostingOldestFirst)
	mustReceive(t, svc, cheap.ID, 10, "1")
	mustReceive(t, svc, dear.ID, 3, "9")

	v, err := svc.InventoryValuation(context.Background(), 0)
	if err != nil {
		t.Fatalf("valuation failed: %v", err)
	}
	if v.Products[0].ProductID != dear.ID || v.Products[1].ProductID != cheap.ID {
		t.Fatalf("expected products ordered by value, got %+v", v.Products[:2])
	}
	if !v.TotalValue.Equal(decimal.NewFromInt(37)) {
		t.Fatalf("expected total value 37, got %s", v.TotalValue)
	}
}

func TestValuationSurvivesCacheOutage(t *testing.T) {
	_, repo := newTestService(t)
	svc := New(repo, Options{Now: newStepClock().Now, Cache: brokenCache{}})
	product := mustProduct(t, svc, "OUTAGE", domain.CostingOldestFirst)
	mustReceive(t, svc, product.ID, 2, "3")
	mustSell(t, svc, domain.SaleDraftItem{ProductID: product.ID, Quantity: 1})

	v, err := svc.InventoryValuation(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("expected valuation despite cache errors, got %v", err)
	}
	if !v.TotalValue.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected value 3, got %s", v.TotalValue)
	}
}

func TestSalesSummary(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	product := mustProduct(t, svc, "SUMMARY", domain.CostingOldestFirst)
	mustReceive(t, svc, product.ID, 10, "4")

	mustSell(t, svc, domain.SaleDraftItem{ProductID: product.ID, Quantity: 2})
	mustSell(t, svc, domain.SaleDraftItem{ProductID: product.ID, Quantity: 1, UnitPrice: decimal.NewFromInt(30)})
	refunded := mustSell(t, svc, domain.SaleDraftItem{ProductID: product.ID, Quantity: 3})
	if _, err := svc.CancelSale(ctx, adminActor, refunded.ID, domain.SaleCancelRequest{Reason: "refund"}); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	from := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	summary, err := svc.SalesSummary(ctx, from, from.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.Sales != 2 || summary.Cancelled != 1 {
		t.Fatalf("expected 2 sales and 1 cancelled, got %+v", summary)
	}
	if !summary.Revenue.Equal(decimal.NewFromInt(70)) || !summary.CostOfGoods.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("expected revenue 70 and cost 12, got %s and %s", summary.Revenue, summary.CostOfGoods)
	}
	if !summary.GrossMargin.Equal(decimal.NewFromInt(58)) {
		t.Fatalf("expected margin 58, got %s", summary.GrossMargin)
	}

	if _, err := svc.SalesSummary(ctx, from, from); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for empty range, got %v", err)
	}
}

func TestMutationsAreAudited(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	product := mustProduct(t, svc, "AUDIT", domain.CostingOldestFirst)
	mustReceive(t, svc, product.ID, 3, "1")
	sale := mustSell(t, svc, domain.SaleDraftItem{ProductID: product.ID, Quantity: 1})
	if _, err := svc.CancelSale(ctx, adminActor, sale.ID, domain.SaleCancelRequest{Reason: "audit trail"}); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	from := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	logs, err := svc.ListAuditLogs(ctx, from, from.Add(24*time.Hour), 50)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}
	actions := map[string]string{}
	for _, entry := range logs {
		actions[entry.Action] = entry.ActorUsername
	}
	if actions["product_create"] != "admin" || actions["sale_cancel"] != "admin" {
		t.Fatalf("expected product_create and sale_cancel by admin, got %v", actions)
	}
}
