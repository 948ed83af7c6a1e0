package service

import (
	"context"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"tiendalotes/backend/internal/cache"
	"tiendalotes/backend/internal/costing"
	"tiendalotes/backend/internal/domain"
	"tiendalotes/backend/internal/store"
)

// InventoryValuation values the allocatable lots of one product, or of the
// whole catalog when productID is zero. Results are cached until the next
// stock mutation of a product they cover.
func (s *Service) InventoryValuation(ctx context.Context, productID int64) (domain.InventoryValuation, error) {
	key := cache.ValuationKey(productID)
	if cached, ok, err := s.opts.Cache.Get(ctx, key); err != nil {
		log.Warn().Str("component", "reports").Str("key", key).Err(err).Msg("valuation cache read failed")
	} else if ok {
		return *cached, nil
	}

	var products []domain.Product
	if productID > 0 {
		product, err := s.repo.GetProduct(ctx, productID)
		if err != nil {
			return domain.InventoryValuation{}, err
		}
		products = []domain.Product{*product}
	} else {
		var err error
		if products, err = s.repo.ListProducts(ctx); err != nil {
			return domain.InventoryValuation{}, err
		}
	}

	lots, err := s.repo.ListLots(ctx, domain.LotFilter{ProductID: productID})
	if err != nil {
		return domain.InventoryValuation{}, err
	}
	byProduct := make(map[int64][]domain.Lot, len(products))
	for _, lot := range lots {
		if lot.Allocatable() {
			byProduct[lot.ProductID] = append(byProduct[lot.ProductID], lot)
		}
	}

	valuation := domain.InventoryValuation{
		Products:   make([]domain.ProductValuation, 0, len(products)),
		TotalValue: decimal.Zero,
		ComputedAt: s.now(),
	}
	for _, product := range products {
		row := domain.ProductValuation{
			ProductID:           product.ID,
			ProductName:         product.Name,
			Value:               decimal.Zero,
			WeightedAvgUnitCost: decimal.Zero,
		}
		for _, lot := range byProduct[product.ID] {
			row.Quantity += lot.QuantityRemaining
			row.Lots++
			row.Value = row.Value.Add(lot.UnitCost.Mul(decimal.NewFromInt(int64(lot.QuantityRemaining))))
		}
		if row.Quantity > 0 {
			row.WeightedAvgUnitCost = row.Value.DivRound(decimal.NewFromInt(int64(row.Quantity)), costing.CostScale)
		}
		valuation.TotalValue = valuation.TotalValue.Add(row.Value)
		valuation.Products = append(valuation.Products, row)
	}
	slices.SortFunc(valuation.Products, func(a, b domain.ProductValuation) int {
		return b.Value.Cmp(a.Value)
	})

	if err := s.opts.Cache.Set(ctx, key, &valuation, s.opts.CacheTTL); err != nil {
		log.Warn().Str("component", "reports").Str("key", key).Err(err).Msg("valuation cache write failed")
	}
	return valuation, nil
}

func (s *Service) invalidateValuation(ctx context.Context, productIDs ...int64) {
	keys := make([]string, 0, len(productIDs)+1)
	keys = append(keys, cache.ValuationKey(0))
	for _, id := range productIDs {
		keys = append(keys, cache.ValuationKey(id))
	}
	if err := s.opts.Cache.Delete(ctx, keys...); err != nil {
		log.Warn().Str("component", "reports").Strs("keys", keys).Err(err).Msg("valuation cache invalidation failed")
	}
}

// SalesSummary totals completed sales in [from, to). Cancelled sales are
// counted but contribute no revenue or cost.
func (s *Service) SalesSummary(ctx context.Context, from time.Time, to time.Time) (domain.SalesSummary, error) {
	if !to.After(from) {
		return domain.SalesSummary{}, store.NewValidationError("to", "must be after from")
	}
	sales, err := s.repo.ListSales(ctx, domain.SaleFilter{From: &from, To: &to})
	if err != nil {
		return domain.SalesSummary{}, err
	}

	summary := domain.SalesSummary{
		From:        from.UTC(),
		To:          to.UTC(),
		Revenue:     decimal.Zero,
		CostOfGoods: decimal.Zero,
	}
	for _, sale := range sales {
		switch sale.Status {
		case domain.SaleCompleted:
			summary.Sales++
			summary.Revenue = summary.Revenue.Add(sale.Total)
			summary.CostOfGoods = summary.CostOfGoods.Add(sale.TotalCost)
		case domain.SaleCancelled:
			summary.Cancelled++
		}
	}
	summary.GrossMargin = summary.Revenue.Sub(summary.CostOfGoods)
	return summary, nil
}
