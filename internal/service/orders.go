package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"tiendalotes/backend/internal/domain"
	"tiendalotes/backend/internal/store"
	"tiendalotes/backend/internal/xid"
)

// CreateOrder opens a delivery order in pending state. Line names and prices
// are copied from the catalog so later catalog edits do not change the order.
func (s *Service) CreateOrder(ctx context.Context, actor domain.Actor, req domain.OrderCreateRequest) (domain.DeliveryOrder, error) {
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.Address = strings.TrimSpace(req.Address)
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if err := s.check(req); err != nil {
		return domain.DeliveryOrder{}, err
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentCash
	}
	actor, err := s.requireActor(ctx, actor)
	if err != nil {
		return domain.DeliveryOrder{}, err
	}

	lines := make([]domain.OrderLine, 0, len(req.Items))
	total := decimal.Zero
	for i, item := range req.Items {
		if item.UnitPrice.IsNegative() {
			return domain.DeliveryOrder{}, store.NewValidationError(fmt.Sprintf("items[%d].unit_price", i), "must not be negative")
		}
		product, err := s.repo.GetProduct(ctx, item.ProductID)
		if err != nil {
			return domain.DeliveryOrder{}, err
		}
		price := product.Price
		if item.UnitPrice.IsPositive() {
			price = item.UnitPrice
		}
		subtotal := price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		lines = append(lines, domain.OrderLine{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    item.Quantity,
			UnitPrice:   price,
			Subtotal:    subtotal,
		})
		total = total.Add(subtotal)
	}

	var created *domain.DeliveryOrder
	insert := func(tx store.Tx) error {
		now := s.now()
		var err error
		created, err = tx.InsertOrder(ctx, domain.DeliveryOrder{
			Folio:         s.folio("P", now),
			CustomerName:  req.CustomerName,
			CustomerPhone: strings.TrimSpace(req.CustomerPhone),
			Address:       req.Address,
			Latitude:      req.Latitude,
			Longitude:     req.Longitude,
			PaymentMethod: req.PaymentMethod,
			Notes:         strings.TrimSpace(req.Notes),
			State:         domain.OrderPending,
			CreatedBy:     actor.Username,
			Total:         total,
			CreatedAt:     now,
			Lines:         lines,
		})
		if err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, "order_create", "order", fmt.Sprint(created.ID), "folio="+created.Folio)
	}
	err = s.inTx(ctx, "create order", insert)
	if errors.Is(err, store.ErrDuplicate) {
		log.Warn().Str("component", "orders").Err(err).Msg("order folio collision, retrying")
		err = s.inTx(ctx, "create order", insert)
	}
	if err != nil {
		return domain.DeliveryOrder{}, err
	}
	return *created, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID int64) (domain.DeliveryOrder, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.DeliveryOrder{}, err
	}
	return *order, nil
}

// ListOrders narrows a courier's view to unassigned pending orders and the
// orders they carry.
func (s *Service) ListOrders(ctx context.Context, actor domain.Actor, filter domain.OrderFilter) ([]domain.DeliveryOrder, error) {
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if actor.Role == domain.RoleCourier {
		filter.ForCourier = actor.Username
	}
	return s.repo.ListOrders(ctx, filter)
}

// AcceptOrder assigns a courier and puts the order en route. Accepting again
// with the same courier returns the order unchanged.
func (s *Service) AcceptOrder(ctx context.Context, actor domain.Actor, orderID int64, req domain.OrderAcceptRequest) (domain.DeliveryOrder, error) {
	actor, err := s.requireActor(ctx, actor)
	if err != nil {
		return domain.DeliveryOrder{}, err
	}
	courierID := strings.ToLower(strings.TrimSpace(req.CourierID))
	if courierID == "" {
		if actor.Role != domain.RoleCourier {
			return domain.DeliveryOrder{}, store.NewValidationError("courier_id", "is required")
		}
		courierID = actor.Username
	}
	courier, err := s.repo.GetUser(ctx, courierID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.DeliveryOrder{}, &store.NotFoundError{Entity: "courier", ID: courierID}
	}
	if err != nil {
		return domain.DeliveryOrder{}, err
	}
	if courier.Role != domain.RoleCourier || !courier.Active {
		return domain.DeliveryOrder{}, store.NewValidationError("courier_id", "must name an active courier")
	}

	release, err := s.lockOrder(ctx, orderID)
	if err != nil {
		return domain.DeliveryOrder{}, err
	}
	defer release()

	var result domain.DeliveryOrder
	err = s.inTx(ctx, "accept order", func(tx store.Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		switch {
		case order.State == domain.OrderEnRoute && order.CourierID == courierID:
			result = *order
			return nil
		case order.State != domain.OrderPending:
			return &store.InvalidStateError{Entity: "order", ID: orderID, State: string(order.State), Action: "accept"}
		}

		now := s.now()
		order.State = domain.OrderEnRoute
		order.CourierID = courierID
		order.AcceptedAt = &now
		if err := tx.UpdateOrder(ctx, *order); err != nil {
			return err
		}
		result = *order
		return s.audit(ctx, tx, actor, "order_accept", "order", fmt.Sprint(orderID), "courier="+courierID)
	})
	if err != nil {
		return domain.DeliveryOrder{}, err
	}
	return result, nil
}

// ConfirmDelivery fulfils the order's snapshot as a sale and marks the order
// delivered in the same transaction. When stock is short the order stays en
// route and the InsufficientStockError names the product and shortfall.
func (s *Service) ConfirmDelivery(ctx context.Context, actor domain.Actor, orderID int64, req domain.DeliveryConfirmRequest) (domain.DeliveryConfirmResponse, error) {
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if err := s.check(req); err != nil {
		return domain.DeliveryConfirmResponse{}, err
	}
	actor, err := s.requireActor(ctx, actor)
	if err != nil {
		return domain.DeliveryConfirmResponse{}, err
	}

	release, err := s.lockOrder(ctx, orderID)
	if err != nil {
		return domain.DeliveryConfirmResponse{}, err
	}
	defer release()

	var resp domain.DeliveryConfirmResponse
	err = s.inTx(ctx, "confirm delivery", func(tx store.Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.State != domain.OrderEnRoute {
			return &store.InvalidStateError{Entity: "order", ID: orderID, State: string(order.State), Action: "confirm delivery of"}
		}

		payment := req.PaymentMethod
		if payment == "" {
			payment = order.PaymentMethod
		}
		draft := domain.SaleDraft{
			PaymentMethod: payment,
			Items:         make([]domain.SaleDraftItem, 0, len(order.Lines)),
			CustomerName:  order.CustomerName,
			Notes:         order.Notes,
			Folio:         xid.SaleFolioForOrder(order.Folio),
			Source:        domain.SaleSourceDelivery,
			OrderID:       &order.ID,
		}
		for _, line := range order.Lines {
			draft.Items = append(draft.Items, domain.SaleDraftItem{
				ProductID: line.ProductID,
				Quantity:  line.Quantity,
				UnitPrice: line.UnitPrice,
			})
		}
		if err := s.checkDraft(draft); err != nil {
			return err
		}

		sale, err := s.fulfillTx(ctx, tx, actor, draft)
		if err != nil {
			return err
		}

		now := s.now()
		order.State = domain.OrderDelivered
		order.PaymentMethod = payment
		order.DeliveredAt = &now
		order.SaleID = &sale.ID
		if err := tx.UpdateOrder(ctx, *order); err != nil {
			return err
		}
		resp = domain.DeliveryConfirmResponse{Order: *order, Sale: *sale}
		return s.audit(ctx, tx, actor, "order_deliver", "order", fmt.Sprint(orderID), "sale="+sale.Folio)
	})
	if err != nil {
		var short *store.InsufficientStockError
		if errors.As(err, &short) {
			log.Warn().Str("component", "orders").Int64("order_id", orderID).Int64("product_id", short.ProductID).
				Int("shortfall", short.Shortfall()).Msg("delivery blocked by insufficient stock")
		}
		return domain.DeliveryConfirmResponse{}, err
	}

	s.invalidateValuation(ctx, saleProductIDs(resp.Sale.Lines)...)
	log.Info().Str("component", "orders").Int64("order_id", orderID).Str("sale_folio", resp.Sale.Folio).
		Str("actor", actor.Username).Msg("delivery confirmed")
	return resp, nil
}

// CancelOrder is only allowed before a courier has taken the order.
func (s *Service) CancelOrder(ctx context.Context, actor domain.Actor, orderID int64, req domain.OrderCancelRequest) (domain.DeliveryOrder, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if err := s.check(req); err != nil {
		return domain.DeliveryOrder{}, err
	}
	actor, err := s.requireActor(ctx, actor)
	if err != nil {
		return domain.DeliveryOrder{}, err
	}

	release, err := s.lockOrder(ctx, orderID)
	if err != nil {
		return domain.DeliveryOrder{}, err
	}
	defer release()

	var result domain.DeliveryOrder
	err = s.inTx(ctx, "cancel order", func(tx store.Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.State != domain.OrderPending {
			return &store.InvalidStateError{Entity: "order", ID: orderID, State: string(order.State), Action: "cancel"}
		}
		now := s.now()
		order.State = domain.OrderCancelled
		order.CancelReason = req.Reason
		order.CancelledAt = &now
		if err := tx.UpdateOrder(ctx, *order); err != nil {
			return err
		}
		result = *order
		return s.audit(ctx, tx, actor, "order_cancel", "order", fmt.Sprint(orderID), "reason="+req.Reason)
	})
	if err != nil {
		return domain.DeliveryOrder{}, err
	}
	return result, nil
}
