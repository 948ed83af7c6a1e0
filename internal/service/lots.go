package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"tiendalotes/backend/internal/costing"
	"tiendalotes/backend/internal/domain"
	"tiendalotes/backend/internal/store"
)

const dateLayout = "2006-01-02"

func lotReference(lotID int64) string {
	return fmt.Sprintf("LOT-%d", lotID)
}

// ReceiveLot records an inbound batch. The lot, its receipt ledger entry and
// the stock counter change commit together.
func (s *Service) ReceiveLot(ctx context.Context, actor domain.Actor, req domain.LotReceiveRequest) (domain.Lot, error) {
	req.Supplier = strings.TrimSpace(req.Supplier)
	req.InvoiceRef = strings.TrimSpace(req.InvoiceRef)
	req.Note = strings.TrimSpace(req.Note)
	if err := s.check(req); err != nil {
		return domain.Lot{}, err
	}
	unitCost := costing.NormalizeUnitCost(req.UnitCost)
	if !unitCost.IsPositive() {
		return domain.Lot{}, store.NewValidationError("unit_cost", "must be greater than 0")
	}
	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		parsed, err := time.Parse(dateLayout, req.ExpiresAt)
		if err != nil {
			return domain.Lot{}, store.NewValidationError("expires_at", "must be a date formatted as YYYY-MM-DD")
		}
		expiresAt = &parsed
	}
	actor, err := s.requireActor(ctx, actor)
	if err != nil {
		return domain.Lot{}, err
	}

	var received *domain.Lot
	err = s.inTx(ctx, "receive lot", func(tx store.Tx) error {
		if _, err := tx.LockProduct(ctx, req.ProductID); err != nil {
			return err
		}
		lot, err := tx.InsertLot(ctx, domain.Lot{
			ProductID:         req.ProductID,
			QuantityReceived:  req.Quantity,
			QuantityRemaining: req.Quantity,
			UnitCost:          unitCost,
			Supplier:          req.Supplier,
			InvoiceRef:        req.InvoiceRef,
			ReceivedAt:        s.now(),
			ExpiresAt:         expiresAt,
			Active:            true,
			Note:              req.Note,
			CreatedBy:         actor.Username,
		})
		if err != nil {
			return err
		}
		if _, err := s.appendLedger(ctx, tx, actor, req.ProductID, domain.MovementReceipt, req.Quantity, lotReference(lot.ID)); err != nil {
			return err
		}
		received = lot
		return nil
	})
	if err != nil {
		return domain.Lot{}, err
	}

	s.invalidateValuation(ctx, req.ProductID)
	log.Info().Str("component", "lots").Int64("lot_id", received.ID).Int64("product_id", received.ProductID).
		Int("quantity", received.QuantityReceived).Str("unit_cost", received.UnitCost.String()).
		Str("actor", actor.Username).Msg("lot received")
	return *received, nil
}

// ListActiveLots returns the lots allocation would draw from, in the order
// the product's costing policy consumes them.
func (s *Service) ListActiveLots(ctx context.Context, productID int64) ([]domain.Lot, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	lots, err := s.repo.ListLots(ctx, domain.LotFilter{ProductID: productID})
	if err != nil {
		return nil, err
	}
	return costing.Order(lots, product.CostingPolicy), nil
}

func (s *Service) ListLots(ctx context.Context, filter domain.LotFilter) ([]domain.Lot, error) {
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListLots(ctx, filter)
}

func (s *Service) GetLot(ctx context.Context, lotID int64) (domain.Lot, error) {
	lot, err := s.repo.GetLot(ctx, lotID)
	if err != nil {
		return domain.Lot{}, err
	}
	return *lot, nil
}

// ListExpiringLots returns allocatable lots expiring within the next days,
// soonest first.
func (s *Service) ListExpiringLots(ctx context.Context, days int, limit int) ([]domain.Lot, error) {
	if days < 1 {
		return nil, store.NewValidationError("days", "must be greater than 0")
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	before := s.now().AddDate(0, 0, days)
	return s.repo.ListExpiringLots(ctx, before, limit)
}

// DeactivateLot removes a lot from allocation without touching its remaining
// quantity. Deactivating an inactive lot is a no-op.
func (s *Service) DeactivateLot(ctx context.Context, actor domain.Actor, lotID int64, reason string) (domain.Lot, error) {
	actor, err := s.requireActor(ctx, actor)
	if err != nil {
		return domain.Lot{}, err
	}

	var result domain.Lot
	err = s.inTx(ctx, "deactivate lot", func(tx store.Tx) error {
		lot, err := tx.LockLot(ctx, lotID)
		if err != nil {
			return err
		}
		if !lot.Active {
			result = *lot
			return nil
		}
		lot.Active = false
		if err := tx.UpdateLot(ctx, *lot); err != nil {
			return err
		}
		result = *lot
		return s.audit(ctx, tx, actor, "lot_deactivate", "lot", fmt.Sprint(lotID),
			fmt.Sprintf("remaining=%d,reason=%s", lot.QuantityRemaining, strings.TrimSpace(reason)))
	})
	if err != nil {
		return domain.Lot{}, err
	}
	s.invalidateValuation(ctx, result.ProductID)
	return result, nil
}

// UpdateLotDetails edits descriptive fields only. Quantities and cost are
// never touched here.
func (s *Service) UpdateLotDetails(ctx context.Context, actor domain.Actor, lotID int64, req domain.LotUpdateRequest) (domain.Lot, error) {
	if err := s.check(req); err != nil {
		return domain.Lot{}, err
	}
	var expiresAt *time.Time
	if req.ExpiresAt != nil && *req.ExpiresAt != "" {
		parsed, err := time.Parse(dateLayout, *req.ExpiresAt)
		if err != nil {
			return domain.Lot{}, store.NewValidationError("expires_at", "must be a date formatted as YYYY-MM-DD")
		}
		expiresAt = &parsed
	}
	actor, err := s.requireActor(ctx, actor)
	if err != nil {
		return domain.Lot{}, err
	}

	var result domain.Lot
	err = s.inTx(ctx, "update lot", func(tx store.Tx) error {
		lot, err := tx.LockLot(ctx, lotID)
		if err != nil {
			return err
		}
		changed := make([]string, 0, 4)
		if req.Supplier != nil {
			lot.Supplier = strings.TrimSpace(*req.Supplier)
			changed = append(changed, "supplier")
		}
		if req.InvoiceRef != nil {
			lot.InvoiceRef = strings.TrimSpace(*req.InvoiceRef)
			changed = append(changed, "invoice_ref")
		}
		if req.Note != nil {
			lot.Note = strings.TrimSpace(*req.Note)
			changed = append(changed, "note")
		}
		if req.ExpiresAt != nil {
			// an empty string clears the expiry
			lot.ExpiresAt = expiresAt
			changed = append(changed, "expires_at")
		}
		result = *lot
		if len(changed) == 0 {
			return nil
		}
		if err := tx.UpdateLot(ctx, *lot); err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, "lot_update", "lot", fmt.Sprint(lotID), "fields="+strings.Join(changed, ","))
	})
	if err != nil {
		return domain.Lot{}, err
	}
	return result, nil
}

// CorrectLotQuantity fixes a mistyped receipt. The remaining quantity moves
// by the same delta as the received quantity and the stock counter follows
// through an adjustment ledger entry.
func (s *Service) CorrectLotQuantity(ctx context.Context, actor domain.Actor, lotID int64, req domain.LotCorrectionRequest) (domain.Lot, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if err := s.check(req); err != nil {
		return domain.Lot{}, err
	}
	actor, err := s.requireActor(ctx, actor)
	if err != nil {
		return domain.Lot{}, err
	}

	current, err := s.repo.GetLot(ctx, lotID)
	if err != nil {
		return domain.Lot{}, err
	}

	var result domain.Lot
	err = s.inTx(ctx, "correct lot quantity", func(tx store.Tx) error {
		// counter before lot, the same lock order fulfillment uses
		if _, err := tx.LockProduct(ctx, current.ProductID); err != nil {
			return err
		}
		lot, err := tx.LockLot(ctx, lotID)
		if err != nil {
			return err
		}
		delta := req.QuantityReceived - lot.QuantityReceived
		if delta == 0 {
			result = *lot
			return nil
		}
		if lot.QuantityRemaining+delta < 0 {
			return store.NewValidationError("quantity_received",
				fmt.Sprintf("must be at least %d, units already consumed from this lot", lot.QuantityReceived-lot.QuantityRemaining))
		}

		lot.QuantityReceived = req.QuantityReceived
		lot.QuantityRemaining += delta
		if err := tx.UpdateLot(ctx, *lot); err != nil {
			return err
		}
		if _, err := s.appendLedger(ctx, tx, actor, lot.ProductID, domain.MovementAdjustment, delta, lotReference(lot.ID)); err != nil {
			return err
		}
		result = *lot
		return s.audit(ctx, tx, actor, "lot_correct_quantity", "lot", fmt.Sprint(lotID),
			fmt.Sprintf("delta=%d,reason=%s", delta, req.Reason))
	})
	if err != nil {
		return domain.Lot{}, err
	}
	s.invalidateValuation(ctx, result.ProductID)
	return result, nil
}
