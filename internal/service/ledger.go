package service

import (
	"context"

	"github.com/rs/zerolog/log"

	"tiendalotes/backend/internal/domain"
	"tiendalotes/backend/internal/store"
)

// appendLedger moves the product stock counter by delta and records the move.
// The counter row stays locked until the enclosing transaction ends, so
// entries for one product are written in commit order.
func (s *Service) appendLedger(ctx context.Context, tx store.Tx, actor domain.Actor, productID int64, movement domain.MovementType, delta int, reference string) (*domain.LedgerEntry, error) {
	product, err := tx.LockProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	before := product.Stock
	after := before + delta
	if after < 0 {
		integrityErr := &store.StockIntegrityError{
			ProductID: productID,
			Detail:    "ledger append would drive stock below zero",
		}
		log.Error().Str("component", "ledger").Int64("product_id", productID).
			Str("movement", string(movement)).Int("stock_before", before).Int("delta", delta).
			Str("reference", reference).Msg("stock integrity violation")
		return nil, integrityErr
	}

	if err := tx.SetProductStock(ctx, productID, after); err != nil {
		return nil, err
	}
	return tx.InsertLedgerEntry(ctx, domain.LedgerEntry{
		ProductID:     productID,
		MovementType:  movement,
		QuantityDelta: delta,
		StockBefore:   before,
		StockAfter:    after,
		Reference:     reference,
		Actor:         actor.Username,
		CreatedAt:     s.now(),
	})
}

func (s *Service) ListLedger(ctx context.Context, productID int64, limit int) ([]domain.LedgerEntry, error) {
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return s.repo.ListLedger(ctx, productID, limit)
}

// ReconcileStock replays the ledger from zero and compares the result with
// the stock counter. An entry is broken when its before snapshot does not
// continue the replay or its after snapshot does not add up.
func (s *Service) ReconcileStock(ctx context.Context, productID int64) (domain.StockReconciliation, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.StockReconciliation{}, err
	}
	entries, err := s.repo.ListLedger(ctx, productID, 0)
	if err != nil {
		return domain.StockReconciliation{}, err
	}

	result := domain.StockReconciliation{
		ProductID:    productID,
		CounterStock: product.Stock,
		Entries:      len(entries),
	}
	running := 0
	for _, entry := range entries {
		if result.FirstBrokenEntryID == nil &&
			(entry.StockBefore != running || entry.StockAfter != entry.StockBefore+entry.QuantityDelta) {
			id := entry.ID
			result.FirstBrokenEntryID = &id
		}
		running += entry.QuantityDelta
	}
	result.ReplayedStock = running
	result.Consistent = result.FirstBrokenEntryID == nil && running == product.Stock

	if !result.Consistent {
		log.Warn().Str("component", "ledger").Int64("product_id", productID).
			Int("counter", result.CounterStock).Int("replayed", result.ReplayedStock).
			Msg("stock ledger does not reconcile")
	}
	return result, nil
}
