package service

import (
	"context"
	"fmt"

	"tiendalotes/backend/internal/costing"
	"tiendalotes/backend/internal/domain"
	"tiendalotes/backend/internal/store"
)

// allocate draws quantity from the product's lots inside the caller's
// transaction. The plan is complete before any lot is written, so an
// InsufficientStockError leaves every lot as it was.
func (s *Service) allocate(ctx context.Context, tx store.Tx, product domain.Product, quantity int) (domain.Allocation, error) {
	lots, err := tx.LockAllocatableLots(ctx, product.ID)
	if err != nil {
		return domain.Allocation{}, err
	}
	plan, err := costing.Plan(product.ID, lots, quantity, product.CostingPolicy)
	if err != nil {
		return domain.Allocation{}, err
	}

	byID := make(map[int64]domain.Lot, len(lots))
	for _, lot := range lots {
		byID[lot.ID] = lot
	}
	for _, c := range plan.Consumptions {
		lot := byID[c.LotID]
		lot.QuantityRemaining -= c.Quantity
		if err := tx.UpdateLot(ctx, lot); err != nil {
			return domain.Allocation{}, fmt.Errorf("consume lot %d: %w", lot.ID, err)
		}
	}
	return plan, nil
}

// PreviewAllocation quotes what selling quantity units would cost right now.
// It plans against a plain read of the lots and takes no row locks, so a
// concurrent sale may change the figure before it is used.
func (s *Service) PreviewAllocation(ctx context.Context, productID int64, req domain.AllocationPreviewRequest) (domain.Allocation, error) {
	if err := s.check(req); err != nil {
		return domain.Allocation{}, err
	}
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.Allocation{}, err
	}
	lots, err := s.repo.ListLots(ctx, domain.LotFilter{ProductID: productID})
	if err != nil {
		return domain.Allocation{}, err
	}
	return costing.Plan(product.ID, lots, req.Quantity, product.CostingPolicy)
}
