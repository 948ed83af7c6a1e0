package costing

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tiendalotes/backend/internal/domain"
	"tiendalotes/backend/internal/store"
)

var day0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func lot(id int64, qty int, cost string, receivedAt time.Time) domain.Lot {
	return domain.Lot{
		ID:                id,
		ProductID:         1,
		QuantityReceived:  qty,
		QuantityRemaining: qty,
		UnitCost:          decimal.RequireFromString(cost),
		ReceivedAt:        receivedAt,
		Active:            true,
	}
}

func twoLots() []domain.Lot {
	return []domain.Lot{
		lot(1, 10, "5", day0),
		lot(2, 10, "7", day0.Add(24*time.Hour)),
	}
}

func TestPlanOldestFirst(t *testing.T) {
	alloc, err := Plan(1, twoLots(), 15, domain.CostingOldestFirst)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if len(alloc.Consumptions) != 2 {
		t.Fatalf("expected 2 consumptions, got %d", len(alloc.Consumptions))
	}
	if alloc.Consumptions[0].LotID != 1 || alloc.Consumptions[0].Quantity != 10 {
		t.Fatalf("expected 10 from lot 1, got %+v", alloc.Consumptions[0])
	}
	if alloc.Consumptions[1].LotID != 2 || alloc.Consumptions[1].Quantity != 5 {
		t.Fatalf("expected 5 from lot 2, got %+v", alloc.Consumptions[1])
	}
	if !alloc.TotalCost.Equal(decimal.NewFromInt(85)) {
		t.Fatalf("expected total cost 85, got %s", alloc.TotalCost)
	}
	if !alloc.WeightedAvgUnitCost.Equal(decimal.RequireFromString("5.6667")) {
		t.Fatalf("expected weighted avg 5.6667, got %s", alloc.WeightedAvgUnitCost)
	}
}

func TestPlanNewestFirst(t *testing.T) {
	alloc, err := Plan(1, twoLots(), 12, domain.CostingNewestFirst)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if alloc.Consumptions[0].LotID != 2 || alloc.Consumptions[0].Quantity != 10 {
		t.Fatalf("expected 10 from lot 2 first, got %+v", alloc.Consumptions[0])
	}
	if alloc.Consumptions[1].LotID != 1 || alloc.Consumptions[1].Quantity != 2 {
		t.Fatalf("expected 2 from lot 1, got %+v", alloc.Consumptions[1])
	}
	if !alloc.TotalCost.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("expected total cost 80, got %s", alloc.TotalCost)
	}
}

func TestPlanInsufficientStockCarriesShortfall(t *testing.T) {
	_, err := Plan(1, twoLots(), 23, domain.CostingOldestFirst)
	var insufficient *store.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insufficient.Shortfall() != 3 {
		t.Fatalf("expected shortfall 3, got %d", insufficient.Shortfall())
	}
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected error to match ErrInsufficientStock")
	}
}

func TestPlanSkipsInactiveAndEmptyLots(t *testing.T) {
	lots := twoLots()
	lots[0].Active = false
	lots = append(lots, domain.Lot{
		ID: 3, ProductID: 1, QuantityReceived: 4, QuantityRemaining: 0,
		UnitCost: decimal.NewFromInt(1), ReceivedAt: day0.Add(-time.Hour), Active: true,
	})

	alloc, err := Plan(1, lots, 6, domain.CostingOldestFirst)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if len(alloc.Consumptions) != 1 || alloc.Consumptions[0].LotID != 2 {
		t.Fatalf("expected only lot 2 to be consumed, got %+v", alloc.Consumptions)
	}

	if _, err := Plan(1, lots, 11, domain.CostingOldestFirst); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected inactive lot to be excluded from availability, got %v", err)
	}
}

func TestOrderTieBreaksByID(t *testing.T) {
	lots := []domain.Lot{
		lot(9, 1, "3", day0),
		lot(4, 1, "2", day0),
		lot(6, 1, "1", day0),
	}
	for _, policy := range []domain.CostingPolicy{domain.CostingOldestFirst, domain.CostingNewestFirst} {
		ordered := Order(lots, policy)
		got := []int64{ordered[0].ID, ordered[1].ID, ordered[2].ID}
		if !reflect.DeepEqual(got, []int64{4, 6, 9}) {
			t.Fatalf("%s: expected ascending id tie-break, got %v", policy, got)
		}
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	lots := []domain.Lot{
		lot(3, 4, "1.2345", day0),
		lot(1, 4, "1.5", day0),
		lot(2, 4, "0.75", day0.Add(time.Minute)),
	}
	first, err := Plan(1, lots, 9, domain.CostingOldestFirst)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	second, err := Plan(1, lots, 9, domain.CostingOldestFirst)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical plans, got %+v and %+v", first, second)
	}
	if lots[0].QuantityRemaining != 4 {
		t.Fatalf("plan must not mutate input lots")
	}
}

func TestPlanRejectsNonPositiveQuantity(t *testing.T) {
	if _, err := Plan(1, twoLots(), 0, domain.CostingOldestFirst); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
