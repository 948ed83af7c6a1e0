package memory

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"tiendalotes/backend/internal/domain"
	"tiendalotes/backend/internal/store"
)

// memTx applies writes directly to the store and journals an inverse for
// each one. The store mutex is held for the lifetime of the transaction.
type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) onRollback(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func setWithUndo[K comparable, V any](t *memTx, m map[K]V, key K, val V) {
	prev, had := m[key]
	m[key] = val
	t.onRollback(func() {
		if had {
			m[key] = prev
		} else {
			delete(m, key)
		}
	})
}

func appendIndex(t *memTx, m map[int64][]int, key int64, idx int) {
	setWithUndo(t, m, key, append(slices.Clone(m[key]), idx))
}

func (t *memTx) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s := t.s
	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	if _, exists := s.productIDBySKU[product.SKU]; exists {
		return nil, store.ErrDuplicate
	}
	product.ID = s.allocateID("product")
	product.Stock = 0
	product.Active = true
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	setWithUndo(t, s.products, product.ID, product)
	setWithUndo(t, s.productIDBySKU, product.SKU, product.ID)
	return &product, nil
}

func (t *memTx) LockProduct(_ context.Context, id int64) (*domain.Product, error) {
	product, ok := t.s.products[id]
	if !ok {
		return nil, &store.NotFoundError{Entity: "product", ID: strconv.FormatInt(id, 10)}
	}
	return &product, nil
}

func (t *memTx) SetProductStock(ctx context.Context, id int64, stock int) error {
	product, err := t.LockProduct(ctx, id)
	if err != nil {
		return err
	}
	product.Stock = stock
	setWithUndo(t, t.s.products, id, *product)
	return nil
}

func (t *memTx) SetCostingPolicy(ctx context.Context, id int64, policy domain.CostingPolicy) error {
	product, err := t.LockProduct(ctx, id)
	if err != nil {
		return err
	}
	product.CostingPolicy = policy
	setWithUndo(t, t.s.products, id, *product)
	return nil
}

func (t *memTx) InsertLot(_ context.Context, lot domain.Lot) (*domain.Lot, error) {
	s := t.s
	if _, ok := s.products[lot.ProductID]; !ok {
		return nil, &store.NotFoundError{Entity: "product", ID: strconv.FormatInt(lot.ProductID, 10)}
	}
	lot.ID = s.allocateID("lot")
	lot = cloneLot(lot)

	n := len(s.lots)
	s.lots = append(s.lots, lot)
	t.onRollback(func() { s.lots = s.lots[:n] })
	setWithUndo(t, s.lotIndex, lot.ID, n)
	appendIndex(t, s.lotsByProduct, lot.ProductID, n)
	return &lot, nil
}

func (t *memTx) LockLot(_ context.Context, id int64) (*domain.Lot, error) {
	idx, ok := t.s.lotIndex[id]
	if !ok {
		return nil, &store.NotFoundError{Entity: "lot", ID: strconv.FormatInt(id, 10)}
	}
	lot := cloneLot(t.s.lots[idx])
	return &lot, nil
}

func (t *memTx) LockAllocatableLots(_ context.Context, productID int64) ([]domain.Lot, error) {
	indexes := t.s.lotsByProduct[productID]
	lots := make([]domain.Lot, 0, len(indexes))
	for _, idx := range indexes {
		if lot := t.s.lots[idx]; lot.Allocatable() {
			lots = append(lots, cloneLot(lot))
		}
	}
	return lots, nil
}

func (t *memTx) UpdateLot(_ context.Context, lot domain.Lot) error {
	s := t.s
	idx, ok := s.lotIndex[lot.ID]
	if !ok {
		return &store.NotFoundError{Entity: "lot", ID: strconv.FormatInt(lot.ID, 10)}
	}
	prev := s.lots[idx]
	if lot.QuantityRemaining < 0 || lot.QuantityRemaining > lot.QuantityReceived {
		return &store.StockIntegrityError{ProductID: prev.ProductID, Detail: "lot remaining quantity out of range"}
	}
	// identity columns are immutable
	lot.ProductID = prev.ProductID
	lot.ReceivedAt = prev.ReceivedAt
	lot.UnitCost = prev.UnitCost
	lot.CreatedBy = prev.CreatedBy
	s.lots[idx] = cloneLot(lot)
	t.onRollback(func() { s.lots[idx] = prev })
	return nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	s := t.s
	entry.ID = s.allocateID("ledger")
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	n := len(s.ledger)
	s.ledger = append(s.ledger, entry)
	t.onRollback(func() { s.ledger = s.ledger[:n] })
	appendIndex(t, s.ledgerByProduct, entry.ProductID, n)
	return &entry, nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s := t.s
	if _, exists := s.saleIDByFolio[sale.Folio]; exists {
		return nil, store.ErrDuplicate
	}
	if sale.IdempotencyKey != "" {
		if _, exists := s.saleIDByIdem[sale.IdempotencyKey]; exists {
			return nil, store.ErrDuplicate
		}
	}
	sale.ID = s.allocateID("sale")
	sale.Lines = nil
	sale.Allocations = nil
	setWithUndo(t, s.sales, sale.ID, sale)
	setWithUndo(t, s.saleIDByFolio, sale.Folio, sale.ID)
	if sale.IdempotencyKey != "" {
		setWithUndo(t, s.saleIDByIdem, sale.IdempotencyKey, sale.ID)
	}
	dup := cloneSale(sale)
	return &dup, nil
}

func (t *memTx) InsertSaleLine(_ context.Context, line domain.SaleLine) (*domain.SaleLine, error) {
	s := t.s
	sale, ok := s.sales[line.SaleID]
	if !ok {
		return nil, &store.NotFoundError{Entity: "sale", ID: strconv.FormatInt(line.SaleID, 10)}
	}
	line.ID = s.allocateID("sale_line")
	sale = cloneSale(sale)
	sale.Lines = append(sale.Lines, line)
	setWithUndo(t, s.sales, sale.ID, sale)
	return &line, nil
}

func (t *memTx) InsertAllocation(_ context.Context, record domain.AllocationRecord) (*domain.AllocationRecord, error) {
	s := t.s
	sale, ok := s.sales[record.SaleID]
	if !ok {
		return nil, &store.NotFoundError{Entity: "sale", ID: strconv.FormatInt(record.SaleID, 10)}
	}
	record.ID = s.allocateID("allocation")
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	sale = cloneSale(sale)
	sale.Allocations = append(sale.Allocations, record)
	setWithUndo(t, s.sales, sale.ID, sale)
	return &record, nil
}

func (t *memTx) LockSale(_ context.Context, id int64) (*domain.Sale, error) {
	sale, ok := t.s.sales[id]
	if !ok {
		return nil, &store.NotFoundError{Entity: "sale", ID: strconv.FormatInt(id, 10)}
	}
	dup := cloneSale(sale)
	return &dup, nil
}

// UpdateSale rewrites header fields only; lines and allocation records are
// append-only.
func (t *memTx) UpdateSale(_ context.Context, sale domain.Sale) error {
	s := t.s
	current, ok := s.sales[sale.ID]
	if !ok {
		return &store.NotFoundError{Entity: "sale", ID: strconv.FormatInt(sale.ID, 10)}
	}
	current = cloneSale(current)
	current.Subtotal = sale.Subtotal
	current.Total = sale.Total
	current.TotalCost = sale.TotalCost
	current.Status = sale.Status
	current.CancelledAt = sale.CancelledAt
	current.CancelledBy = sale.CancelledBy
	current.CancelReason = sale.CancelReason
	setWithUndo(t, s.sales, sale.ID, current)
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, order domain.DeliveryOrder) (*domain.DeliveryOrder, error) {
	s := t.s
	if _, exists := s.orderIDByFolio[order.Folio]; exists {
		return nil, store.ErrDuplicate
	}
	order.ID = s.allocateID("order")
	order = cloneOrder(order)
	for i := range order.Lines {
		order.Lines[i].ID = s.allocateID("order_line")
		order.Lines[i].OrderID = order.ID
	}
	setWithUndo(t, s.orders, order.ID, order)
	setWithUndo(t, s.orderIDByFolio, order.Folio, order.ID)
	dup := cloneOrder(order)
	return &dup, nil
}

func (t *memTx) LockOrder(_ context.Context, id int64) (*domain.DeliveryOrder, error) {
	order, ok := t.s.orders[id]
	if !ok {
		return nil, &store.NotFoundError{Entity: "order", ID: strconv.FormatInt(id, 10)}
	}
	dup := cloneOrder(order)
	return &dup, nil
}

func (t *memTx) UpdateOrder(_ context.Context, order domain.DeliveryOrder) error {
	s := t.s
	current, ok := s.orders[order.ID]
	if !ok {
		return &store.NotFoundError{Entity: "order", ID: strconv.FormatInt(order.ID, 10)}
	}
	updated := cloneOrder(order)
	updated.Lines = current.Lines
	updated.Folio = current.Folio
	updated.CreatedAt = current.CreatedAt
	setWithUndo(t, s.orders, order.ID, updated)
	return nil
}

func (t *memTx) InsertAuditLog(_ context.Context, entry domain.AuditLog) error {
	s := t.s
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	n := len(s.auditLogs)
	s.auditLogs = append(s.auditLogs, entry)
	t.onRollback(func() { s.auditLogs = s.auditLogs[:n] })
	return nil
}
