package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"tiendalotes/backend/internal/domain"
	"tiendalotes/backend/internal/store"
)

// Fulfill turns a draft into a completed sale. Allocation, lot decrements,
// ledger entries and sale rows commit as one unit or not at all.
func (s *Service) Fulfill(ctx context.Context, actor domain.Actor, draft domain.SaleDraft) (domain.Sale, error) {
	draft.PaymentMethod = strings.ToLower(strings.TrimSpace(draft.PaymentMethod))
	draft.IdempotencyKey = strings.TrimSpace(draft.IdempotencyKey)
	if err := s.checkDraft(draft); err != nil {
		return domain.Sale{}, err
	}
	actor, err := s.requireActor(ctx, actor)
	if err != nil {
		return domain.Sale{}, err
	}

	if draft.IdempotencyKey != "" {
		if existing, err := s.repo.FindSaleByIdempotencyKey(ctx, draft.IdempotencyKey); err == nil {
			return *existing, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return domain.Sale{}, err
		}
	}

	var sale *domain.Sale
	run := func(tx store.Tx) error {
		var err error
		sale, err = s.fulfillTx(ctx, tx, actor, draft)
		return err
	}
	err = s.inTx(ctx, "fulfill", run)
	if errors.Is(err, store.ErrDuplicate) && draft.IdempotencyKey != "" {
		// a concurrent request with the same key won the race
		if existing, findErr := s.repo.FindSaleByIdempotencyKey(ctx, draft.IdempotencyKey); findErr == nil {
			return *existing, nil
		}
	}
	if errors.Is(err, store.ErrDuplicate) && draft.Folio == "" {
		// generated folio collided with another sale of the day; fulfillTx draws a new one
		log.Warn().Str("component", "fulfillment").Err(err).Msg("sale folio collision, retrying")
		err = s.inTx(ctx, "fulfill", run)
	}
	if err != nil {
		return domain.Sale{}, err
	}

	s.invalidateValuation(ctx, saleProductIDs(sale.Lines)...)
	log.Info().Str("component", "fulfillment").Int64("sale_id", sale.ID).Str("folio", sale.Folio).
		Str("total", sale.Total.String()).Str("cost", sale.TotalCost.String()).
		Str("actor", actor.Username).Msg("sale fulfilled")
	return *sale, nil
}

func (s *Service) checkDraft(draft domain.SaleDraft) error {
	if err := s.check(draft); err != nil {
		return err
	}
	for i, item := range draft.Items {
		if item.UnitPrice.IsNegative() {
			return store.NewValidationError(fmt.Sprintf("items[%d].unit_price", i), "must not be negative")
		}
	}
	return nil
}

// fulfillTx does the work of Fulfill inside tx. Confirming a delivery calls
// it directly so the order update shares the transaction.
func (s *Service) fulfillTx(ctx context.Context, tx store.Tx, actor domain.Actor, draft domain.SaleDraft) (*domain.Sale, error) {
	productIDs := make([]int64, 0, len(draft.Items))
	for _, item := range draft.Items {
		productIDs = append(productIDs, item.ProductID)
	}
	slices.Sort(productIDs)
	productIDs = slices.Compact(productIDs)

	// counters are locked in ascending id order so two sales touching the
	// same products cannot deadlock
	products := make(map[int64]domain.Product, len(productIDs))
	for _, id := range productIDs {
		product, err := tx.LockProduct(ctx, id)
		if err != nil {
			return nil, err
		}
		products[id] = *product
	}

	now := s.now()
	folio := draft.Folio
	if folio == "" {
		folio = s.folio("V", now)
	}
	source := draft.Source
	if source == "" {
		source = domain.SaleSourcePOS
	}
	sale, err := tx.InsertSale(ctx, domain.Sale{
		Folio:          folio,
		Actor:          actor.Username,
		PaymentMethod:  draft.PaymentMethod,
		Source:         source,
		OrderID:        draft.OrderID,
		CustomerName:   strings.TrimSpace(draft.CustomerName),
		Notes:          strings.TrimSpace(draft.Notes),
		IdempotencyKey: draft.IdempotencyKey,
		Subtotal:       decimal.Zero,
		Total:          decimal.Zero,
		TotalCost:      decimal.Zero,
		Status:         domain.SalePending,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, err
	}

	sold := make(map[int64]int, len(productIDs))
	for _, item := range draft.Items {
		product := products[item.ProductID]
		alloc, err := s.allocate(ctx, tx, product, item.Quantity)
		if err != nil {
			return nil, err
		}

		price := item.UnitPrice
		if price.IsZero() {
			price = product.Price
		}
		lineSubtotal := price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		line, err := tx.InsertSaleLine(ctx, domain.SaleLine{
			SaleID:      sale.ID,
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    item.Quantity,
			UnitPrice:   price,
			Subtotal:    lineSubtotal,
			Cost:        alloc.TotalCost,
		})
		if err != nil {
			return nil, err
		}
		for _, c := range alloc.Consumptions {
			if _, err := tx.InsertAllocation(ctx, domain.AllocationRecord{
				SaleID:     sale.ID,
				SaleLineID: line.ID,
				LotID:      c.LotID,
				ProductID:  product.ID,
				Kind:       domain.AllocationConsume,
				Quantity:   c.Quantity,
				UnitCost:   c.UnitCost,
				Subtotal:   c.Subtotal,
				CreatedAt:  now,
			}); err != nil {
				return nil, err
			}
		}

		sale.Subtotal = sale.Subtotal.Add(lineSubtotal)
		sale.TotalCost = sale.TotalCost.Add(alloc.TotalCost)
		sold[product.ID] += item.Quantity
	}

	for _, id := range productIDs {
		if _, err := s.appendLedger(ctx, tx, actor, id, domain.MovementSale, -sold[id], folio); err != nil {
			return nil, err
		}
	}

	sale.Total = sale.Subtotal
	sale.Status = domain.SaleCompleted
	if err := tx.UpdateSale(ctx, *sale); err != nil {
		return nil, err
	}
	return tx.LockSale(ctx, sale.ID)
}

// CancelSale reverses a completed sale. Lots get back exactly what the
// allocation records say was taken, at the costs recorded then.
func (s *Service) CancelSale(ctx context.Context, actor domain.Actor, saleID int64, req domain.SaleCancelRequest) (domain.Sale, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if err := s.check(req); err != nil {
		return domain.Sale{}, err
	}
	actor, err := s.requireActor(ctx, actor)
	if err != nil {
		return domain.Sale{}, err
	}

	var cancelled *domain.Sale
	err = s.inTx(ctx, "cancel sale", func(tx store.Tx) error {
		sale, err := tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		if sale.Status != domain.SaleCompleted {
			return &store.InvalidStateError{Entity: "sale", ID: saleID, State: string(sale.Status), Action: "cancel"}
		}

		consumed := make([]domain.AllocationRecord, 0, len(sale.Allocations))
		for _, rec := range sale.Allocations {
			if rec.Kind == domain.AllocationConsume {
				consumed = append(consumed, rec)
			}
		}
		slices.SortFunc(consumed, func(a, b domain.AllocationRecord) int {
			if a.ProductID != b.ProductID {
				return cmp.Compare(a.ProductID, b.ProductID)
			}
			if a.LotID != b.LotID {
				return cmp.Compare(a.LotID, b.LotID)
			}
			return cmp.Compare(a.ID, b.ID)
		})

		productIDs := make([]int64, 0, len(sale.Lines))
		for _, line := range sale.Lines {
			productIDs = append(productIDs, line.ProductID)
		}
		slices.Sort(productIDs)
		productIDs = slices.Compact(productIDs)
		for _, id := range productIDs {
			if _, err := tx.LockProduct(ctx, id); err != nil {
				return err
			}
		}

		now := s.now()
		returned := make(map[int64]int, len(productIDs))
		for _, rec := range consumed {
			lot, err := tx.LockLot(ctx, rec.LotID)
			if err != nil {
				return err
			}
			if lot.QuantityRemaining+rec.Quantity > lot.QuantityReceived {
				return &store.StockIntegrityError{
					ProductID: rec.ProductID,
					Detail:    fmt.Sprintf("re-crediting lot %d would exceed its received quantity", lot.ID),
				}
			}
			lot.QuantityRemaining += rec.Quantity
			if err := tx.UpdateLot(ctx, *lot); err != nil {
				return err
			}
			if _, err := tx.InsertAllocation(ctx, domain.AllocationRecord{
				SaleID:     sale.ID,
				SaleLineID: rec.SaleLineID,
				LotID:      rec.LotID,
				ProductID:  rec.ProductID,
				Kind:       domain.AllocationReversal,
				Quantity:   -rec.Quantity,
				UnitCost:   rec.UnitCost,
				Subtotal:   rec.Subtotal.Neg(),
				CreatedAt:  now,
			}); err != nil {
				return err
			}
			returned[rec.ProductID] += rec.Quantity
		}

		for _, id := range productIDs {
			if returned[id] == 0 {
				continue
			}
			if _, err := s.appendLedger(ctx, tx, actor, id, domain.MovementReversal, returned[id], sale.Folio); err != nil {
				return err
			}
		}

		sale.Status = domain.SaleCancelled
		sale.CancelledAt = &now
		sale.CancelledBy = actor.Username
		sale.CancelReason = req.Reason
		if err := tx.UpdateSale(ctx, *sale); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, actor, "sale_cancel", "sale", fmt.Sprint(sale.ID),
			fmt.Sprintf("folio=%s,reason=%s", sale.Folio, req.Reason)); err != nil {
			return err
		}
		cancelled, err = tx.LockSale(ctx, sale.ID)
		return err
	})
	if err != nil {
		return domain.Sale{}, err
	}

	s.invalidateValuation(ctx, saleProductIDs(cancelled.Lines)...)
	log.Info().Str("component", "fulfillment").Int64("sale_id", cancelled.ID).Str("folio", cancelled.Folio).
		Str("actor", actor.Username).Msg("sale cancelled")
	return *cancelled, nil
}

func (s *Service) GetSale(ctx context.Context, saleID int64) (domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if filter.Status != "" && filter.Status != domain.SaleCompleted && filter.Status != domain.SaleCancelled {
		return nil, store.NewValidationError("status", "must be one of: completed cancelled")
	}
	return s.repo.ListSales(ctx, filter)
}

// SaleCostDetails explains a sale's cost lot by lot, reversals included.
func (s *Service) SaleCostDetails(ctx context.Context, saleID int64) ([]domain.SaleCostDetail, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}

	lines := make(map[int64]domain.SaleLine, len(sale.Lines))
	for _, line := range sale.Lines {
		lines[line.ID] = line
	}
	lots := make(map[int64]*domain.Lot)
	details := make([]domain.SaleCostDetail, 0, len(sale.Allocations))
	for _, rec := range sale.Allocations {
		lot, ok := lots[rec.LotID]
		if !ok {
			if lot, err = s.repo.GetLot(ctx, rec.LotID); err != nil {
				return nil, err
			}
			lots[rec.LotID] = lot
		}
		details = append(details, domain.SaleCostDetail{
			SaleLineID:    rec.SaleLineID,
			ProductID:     rec.ProductID,
			ProductName:   lines[rec.SaleLineID].ProductName,
			LotID:         rec.LotID,
			LotSupplier:   lot.Supplier,
			LotReceivedAt: lot.ReceivedAt,
			Kind:          rec.Kind,
			Quantity:      rec.Quantity,
			UnitCost:      rec.UnitCost,
			Subtotal:      rec.Subtotal,
		})
	}
	return details, nil
}

func saleProductIDs(lines []domain.SaleLine) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
