// Package costing orders lots under a costing policy and plans how a
// requested quantity is drawn from them. It never touches storage.
package costing

import (
	"slices"

	"github.com/shopspring/decimal"

	"tiendalotes/backend/internal/domain"
	"tiendalotes/backend/internal/store"
)

// CostScale is the number of fractional digits kept for unit costs.
const CostScale = 4

// Order returns the allocatable lots sorted for consumption. Lots received at
// the same instant are always taken in ascending id order.
func Order(lots []domain.Lot, policy domain.CostingPolicy) []domain.Lot {
	ordered := make([]domain.Lot, 0, len(lots))
	for _, lot := range lots {
		if lot.Allocatable() {
			ordered = append(ordered, lot)
		}
	}
	slices.SortStableFunc(ordered, func(a, b domain.Lot) int {
		return compareLots(a, b, policy)
	})
	return ordered
}

func compareLots(a, b domain.Lot, policy domain.CostingPolicy) int {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		c := a.ReceivedAt.Compare(b.ReceivedAt)
		if policy == domain.CostingNewestFirst {
			return -c
		}
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// Available sums the remaining quantity of allocatable lots.
func Available(lots []domain.Lot) int {
	total := 0
	for _, lot := range lots {
		if lot.Allocatable() {
			total += lot.QuantityRemaining
		}
	}
	return total
}

// Plan decides which lots satisfy quantity. It fails with an
// InsufficientStockError before producing any consumption when the lots
// cannot cover the request, so a plan is always complete.
func Plan(productID int64, lots []domain.Lot, quantity int, policy domain.CostingPolicy) (domain.Allocation, error) {
	if quantity <= 0 {
		return domain.Allocation{}, store.NewValidationError("quantity", "must be greater than zero")
	}
	if !policy.Valid() {
		policy = domain.CostingOldestFirst
	}

	ordered := Order(lots, policy)
	if available := Available(ordered); available < quantity {
		return domain.Allocation{}, &store.InsufficientStockError{
			ProductID: productID,
			Requested: quantity,
			Available: available,
		}
	}

	alloc := domain.Allocation{
		ProductID:    productID,
		Policy:       policy,
		Quantity:     quantity,
		Consumptions: make([]domain.LotConsumption, 0, 2),
		TotalCost:    decimal.Zero,
	}
	needed := quantity
	for _, lot := range ordered {
		if needed == 0 {
			break
		}
		taken := min(lot.QuantityRemaining, needed)
		subtotal := lot.UnitCost.Mul(decimal.NewFromInt(int64(taken)))
		alloc.Consumptions = append(alloc.Consumptions, domain.LotConsumption{
			LotID:    lot.ID,
			Quantity: taken,
			UnitCost: lot.UnitCost,
			Subtotal: subtotal,
		})
		alloc.TotalCost = alloc.TotalCost.Add(subtotal)
		needed -= taken
	}
	alloc.WeightedAvgUnitCost = alloc.TotalCost.DivRound(decimal.NewFromInt(int64(quantity)), CostScale)
	return alloc, nil
}

// NormalizeUnitCost rounds a unit cost to CostScale digits.
func NormalizeUnitCost(cost decimal.Decimal) decimal.Decimal {
	return cost.Round(CostScale)
}
