package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tiendalotes/backend/internal/domain"
	"tiendalotes/backend/internal/lock"
	"tiendalotes/backend/internal/store"
)

func mustOrder(t *testing.T, svc *Service, productID int64, quantity int) domain.DeliveryOrder {
	t.Helper()
	order, err := svc.CreateOrder(context.Background(), sellerActor, domain.OrderCreateRequest{
		CustomerName:  "Lucia",
		Address:       "Calle 5 de Mayo 12",
		PaymentMethod: "cash",
		Items:         []domain.OrderCreateItem{{ProductID: productID, Quantity: quantity}},
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	return order
}

func TestCreateOrderSnapshotsCatalog(t *testing.T) {
	svc, _ := newTestService(t)
	product := mustProduct(t, svc, "SNAP", domain.CostingOldestFirst)

	order, err := svc.CreateOrder(context.Background(), sellerActor, domain.OrderCreateRequest{
		CustomerName: "Lucia",
		Address:      "Av. Juarez 100",
		Items: []domain.OrderCreateItem{
			{ProductID: product.ID, Quantity: 2},
			{ProductID: product.ID, Quantity: 1, UnitPrice: decimal.NewFromInt(25)},
		},
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	if order.State != domain.OrderPending || !strings.HasPrefix(order.Folio, "P-") {
		t.Fatalf("unexpected order: %+v", order)
	}
	if order.PaymentMethod != domain.PaymentCash {
		t.Fatalf("expected default payment cash, got %s", order.PaymentMethod)
	}
	if !order.Lines[0].UnitPrice.Equal(decimal.NewFromInt(20)) || !order.Lines[1].UnitPrice.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected catalog then request price, got %+v", order.Lines)
	}
	if !order.Total.Equal(decimal.NewFromInt(65)) {
		t.Fatalf("expected total 65, got %s", order.Total)
	}
}

func TestConfirmDeliveryShortfallKeepsOrderEnRoute(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	product := mustProduct(t, svc, "DELIV", domain.CostingOldestFirst)
	mustReceive(t, svc, product.ID, 3, "6")
	order := mustOrder(t, svc, product.ID, 5)

	if _, err := svc.AcceptOrder(ctx, courierActor, order.ID, domain.OrderAcceptRequest{}); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	_, err := svc.ConfirmDelivery(ctx, courierActor, order.ID, domain.DeliveryConfirmRequest{PaymentMethod: "card"})
	var short *store.InsufficientStockError
	if !errors.As(err, &short) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	if short.ProductID != product.ID || short.Shortfall() != 2 {
		t.Fatalf("expected shortfall 2 on product %d, got %+v", product.ID, short)
	}
	current, _ := svc.GetOrder(ctx, order.ID)
	if current.State != domain.OrderEnRoute || current.SaleID != nil {
		t.Fatalf("expected order to stay en_route without sale, got %+v", current)
	}
	if got := productStock(t, svc, product.ID); got != 3 {
		t.Fatalf("expected stock untouched, got %d", got)
	}

	mustReceive(t, svc, product.ID, 2, "6.5")
	resp, err := svc.ConfirmDelivery(ctx, courierActor, order.ID, domain.DeliveryConfirmRequest{PaymentMethod: "card"})
	if err != nil {
		t.Fatalf("confirm after restock failed: %v", err)
	}
	if resp.Order.State != domain.OrderDelivered || resp.Order.SaleID == nil || *resp.Order.SaleID != resp.Sale.ID {
		t.Fatalf("expected delivered order linked to sale, got %+v", resp.Order)
	}
	if resp.Sale.Folio != "V-"+strings.TrimPrefix(order.Folio, "P-") {
		t.Fatalf("expected sale folio derived from %s, got %s", order.Folio, resp.Sale.Folio)
	}
	if resp.Sale.Source != domain.SaleSourceDelivery || resp.Sale.PaymentMethod != "card" {
		t.Fatalf("unexpected sale: %+v", resp.Sale)
	}
	if resp.Sale.OrderID == nil || *resp.Sale.OrderID != order.ID {
		t.Fatalf("expected sale to reference order %d", order.ID)
	}
	if !resp.Sale.TotalCost.Equal(decimal.NewFromInt(31)) {
		t.Fatalf("expected cost 3*6 + 2*6.5 = 31, got %s", resp.Sale.TotalCost)
	}

	_, err = svc.ConfirmDelivery(ctx, courierActor, order.ID, domain.DeliveryConfirmRequest{})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state on second confirm, got %v", err)
	}
}

func TestAcceptOrderTransitions(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	product := mustProduct(t, svc, "ACCEPT", domain.CostingOldestFirst)
	order := mustOrder(t, svc, product.ID, 1)

	if err := repo.CreateUser(ctx, domain.UserAccount{Username: "beto", Password: "x", Role: domain.RoleCourier}); err != nil {
		t.Fatalf("create courier failed: %v", err)
	}

	accepted, err := svc.AcceptOrder(ctx, adminActor, order.ID, domain.OrderAcceptRequest{CourierID: "courier"})
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if accepted.State != domain.OrderEnRoute || accepted.CourierID != "courier" || accepted.AcceptedAt == nil {
		t.Fatalf("unexpected accepted order: %+v", accepted)
	}

	again, err := svc.AcceptOrder(ctx, courierActor, order.ID, domain.OrderAcceptRequest{})
	if err != nil {
		t.Fatalf("re-accept by same courier failed: %v", err)
	}
	if !again.AcceptedAt.Equal(*accepted.AcceptedAt) {
		t.Fatalf("expected order unchanged on re-accept")
	}

	_, err = svc.AcceptOrder(ctx, adminActor, order.ID, domain.OrderAcceptRequest{CourierID: "beto"})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state for another courier, got %v", err)
	}

	_, err = svc.CancelOrder(ctx, adminActor, order.ID, domain.OrderCancelRequest{Reason: "late"})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected en_route order to refuse cancel, got %v", err)
	}
}

func TestAcceptOrderRequiresCourier(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	product := mustProduct(t, svc, "NOCOUR", domain.CostingOldestFirst)
	order := mustOrder(t, svc, product.ID, 1)

	if _, err := svc.AcceptOrder(ctx, adminActor, order.ID, domain.OrderAcceptRequest{CourierID: "seller"}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for non-courier, got %v", err)
	}
	if _, err := svc.AcceptOrder(ctx, adminActor, order.ID, domain.OrderAcceptRequest{CourierID: "nadie"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown courier, got %v", err)
	}
	if _, err := svc.AcceptOrder(ctx, adminActor, order.ID, domain.OrderAcceptRequest{}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected admin without courier id to fail validation, got %v", err)
	}
}

func TestCancelPendingOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	product := mustProduct(t, svc, "CANORD", domain.CostingOldestFirst)
	order := mustOrder(t, svc, product.ID, 1)

	cancelled, err := svc.CancelOrder(ctx, sellerActor, order.ID, domain.OrderCancelRequest{Reason: "duplicate"})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.State != domain.OrderCancelled || cancelled.CancelReason != "duplicate" {
		t.Fatalf("unexpected cancelled order: %+v", cancelled)
	}
	if _, err := svc.AcceptOrder(ctx, courierActor, order.ID, domain.OrderAcceptRequest{}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected cancelled order to refuse accept, got %v", err)
	}
	if _, err := svc.CancelOrder(ctx, sellerActor, order.ID, domain.OrderCancelRequest{}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected second cancel to fail, got %v", err)
	}
}

func TestCourierSeesOwnAndUnassignedOrders(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	product := mustProduct(t, svc, "LIST", domain.CostingOldestFirst)
	open := mustOrder(t, svc, product.ID, 1)
	mine := mustOrder(t, svc, product.ID, 1)
	cancelled := mustOrder(t, svc, product.ID, 1)

	if _, err := svc.AcceptOrder(ctx, courierActor, mine.ID, domain.OrderAcceptRequest{}); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if _, err := svc.CancelOrder(ctx, adminActor, cancelled.ID, domain.OrderCancelRequest{}); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	orders, err := svc.ListOrders(ctx, courierActor, domain.OrderFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(orders) != 2 || orders[0].ID != mine.ID || orders[1].ID != open.ID {
		t.Fatalf("expected own and unassigned orders, got %+v", orders)
	}

	all, _ := svc.ListOrders(ctx, adminActor, domain.OrderFilter{})
	if len(all) != 3 {
		t.Fatalf("expected admin to see 3 orders, got %d", len(all))
	}
}

type busyLocker struct{}

func (busyLocker) Obtain(_ context.Context, key string, _ time.Duration) (lock.ReleaseFunc, error) {
	return nil, &store.ConcurrencyError{Op: "lock " + key}
}

func TestOrderTransitionsNeedTheOrderLock(t *testing.T) {
	setup, repo := newTestService(t)
	product := mustProduct(t, setup, "LOCKED", domain.CostingOldestFirst)
	order := mustOrder(t, setup, product.ID, 1)

	svc := New(repo, Options{Locker: busyLocker{}})
	_, err := svc.AcceptOrder(context.Background(), courierActor, order.ID, domain.OrderAcceptRequest{})
	if !errors.Is(err, store.ErrConcurrency) {
		t.Fatalf("expected concurrency error, got %v", err)
	}
	current, _ := svc.GetOrder(context.Background(), order.ID)
	if current.State != domain.OrderPending {
		t.Fatalf("expected order untouched, got %s", current.State)
	}
}

func TestDefaultLockerGuardsOrderTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	product := mustProduct(t, svc, "LOCAL", domain.CostingOldestFirst)
	order := mustOrder(t, svc, product.ID, 1)

	release, err := svc.opts.Locker.Obtain(ctx, fmt.Sprintf("order:%d", order.ID), time.Minute)
	if err != nil {
		t.Fatalf("obtain failed: %v", err)
	}
	if _, err := svc.AcceptOrder(ctx, courierActor, order.ID, domain.OrderAcceptRequest{}); !errors.Is(err, store.ErrConcurrency) {
		t.Fatalf("expected concurrency error while order is locked, got %v", err)
	}
	_ = release(ctx)

	accepted, err := svc.AcceptOrder(ctx, courierActor, order.ID, domain.OrderAcceptRequest{})
	if err != nil {
		t.Fatalf("accept after release failed: %v", err)
	}
	if accepted.State != domain.OrderEnRoute {
		t.Fatalf("expected en_route, got %s", accepted.State)
	}
}

func TestCreateOrderRetriesFolioCollision(t *testing.T) {
	svc, _ := newTestService(t)
	product := mustProduct(t, svc, "PFOLIO", domain.CostingOldestFirst)
	svc.folio = scriptedFolios("CCCCCC", "CCCCCC", "DDDDDD")

	first := mustOrder(t, svc, product.ID, 1)
	second := mustOrder(t, svc, product.ID, 1)
	if first.Folio == second.Folio || !strings.HasSuffix(second.Folio, "-DDDDDD") {
		t.Fatalf("expected a fresh folio for the second order, got %s and %s", first.Folio, second.Folio)
	}
}
