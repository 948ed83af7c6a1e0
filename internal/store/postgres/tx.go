package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tiendalotes/backend/internal/domain"
	"tiendalotes/backend/internal/store"
)

type pgTx struct {
	q queryer
}

func (t *pgTx) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	product.Stock = 0
	product.Active = true
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO products (sku, name, category, price, costing_policy, stock, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,0,true,$6,now())
		RETURNING id
	`, product.SKU, product.Name, product.Category, product.Price, string(product.CostingPolicy), product.CreatedAt).Scan(&product.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return &product, nil
}

func (t *pgTx) LockProduct(ctx context.Context, id int64) (*domain.Product, error) {
	return getProduct(ctx, t.q, id, true)
}

func (t *pgTx) SetProductStock(ctx context.Context, id int64, stock int) error {
	return t.updateProduct(ctx, id, `UPDATE products SET stock = $2, updated_at = now() WHERE id = $1`, stock)
}

func (t *pgTx) SetCostingPolicy(ctx context.Context, id int64, policy domain.CostingPolicy) error {
	return t.updateProduct(ctx, id, `UPDATE products SET costing_policy = $2, updated_at = now() WHERE id = $1`, string(policy))
}

func (t *pgTx) updateProduct(ctx context.Context, id int64, query string, value any) error {
	res, err := t.q.ExecContext(ctx, query, id, value)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &store.NotFoundError{Entity: "product", ID: fmt.Sprint(id)}
	}
	return nil
}

func (t *pgTx) InsertLot(ctx context.Context, lot domain.Lot) (*domain.Lot, error) {
	if _, err := getProduct(ctx, t.q, lot.ProductID, false); err != nil {
		return nil, err
	}
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO inventory_lots (
			product_id, quantity_received, quantity_remaining, unit_cost, supplier, invoice_ref,
			received_at, expires_at, active, note, created_by, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		RETURNING id
	`, lot.ProductID, lot.QuantityReceived, lot.QuantityRemaining, lot.UnitCost, nullIfEmpty(lot.Supplier),
		nullIfEmpty(lot.InvoiceRef), lot.ReceivedAt, nullDate(lot.ExpiresAt), lot.Active, nullIfEmpty(lot.Note),
		lot.CreatedBy).Scan(&lot.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return &lot, nil
}

func (t *pgTx) LockLot(ctx context.Context, id int64) (*domain.Lot, error) {
	return getLot(ctx, t.q, id, true)
}

// LockAllocatableLots locks rows in id order so concurrent allocators on the
// same product acquire them in a consistent sequence.
func (t *pgTx) LockAllocatableLots(ctx context.Context, productID int64) ([]domain.Lot, error) {
	return queryLots(ctx, t.q, `
		SELECT `+lotColumns+`
		FROM inventory_lots
		WHERE product_id = $1 AND active = true AND quantity_remaining > 0
		ORDER BY id ASC
		FOR UPDATE
	`, productID)
}

func (t *pgTx) UpdateLot(ctx context.Context, lot domain.Lot) error {
	if lot.QuantityRemaining < 0 || lot.QuantityRemaining > lot.QuantityReceived {
		return &store.StockIntegrityError{ProductID: lot.ProductID, Detail: "lot remaining quantity out of range"}
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE inventory_lots
		SET quantity_received = $2, quantity_remaining = $3, supplier = $4, invoice_ref = $5,
			expires_at = $6, active = $7, note = $8, updated_at = now()
		WHERE id = $1
	`, lot.ID, lot.QuantityReceived, lot.QuantityRemaining, nullIfEmpty(lot.Supplier), nullIfEmpty(lot.InvoiceRef),
		nullDate(lot.ExpiresAt), lot.Active, nullIfEmpty(lot.Note))
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &store.NotFoundError{Entity: "lot", ID: fmt.Sprint(lot.ID)}
	}
	return nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO stock_ledger (product_id, movement_type, quantity_delta, stock_before, stock_after, reference, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, entry.ProductID, string(entry.MovementType), entry.QuantityDelta, entry.StockBefore, entry.StockAfter,
		entry.Reference, entry.Actor, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return &entry, nil
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO sales (
			folio, actor, payment_method, source, order_id, customer_name, notes, idempotency_key,
			subtotal, total, total_cost, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id
	`, sale.Folio, sale.Actor, sale.PaymentMethod, sale.Source, nullInt64(sale.OrderID), nullIfEmpty(sale.CustomerName),
		nullIfEmpty(sale.Notes), nullIfEmpty(sale.IdempotencyKey), sale.Subtotal, sale.Total, sale.TotalCost,
		string(sale.Status), sale.CreatedAt).Scan(&sale.ID)
	if err != nil {
		return nil, mapError(err)
	}
	sale.Lines = nil
	sale.Allocations = nil
	return &sale, nil
}

func (t *pgTx) InsertSaleLine(ctx context.Context, line domain.SaleLine) (*domain.SaleLine, error) {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO sale_lines (sale_id, product_id, product_name, quantity, unit_price, subtotal, cost)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, line.SaleID, line.ProductID, line.ProductName, line.Quantity, line.UnitPrice, line.Subtotal, line.Cost).Scan(&line.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return &line, nil
}

func (t *pgTx) InsertAllocation(ctx context.Context, record domain.AllocationRecord) (*domain.AllocationRecord, error) {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO sale_allocations (sale_id, sale_line_id, lot_id, product_id, kind, quantity, unit_cost, subtotal, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`, record.SaleID, record.SaleLineID, record.LotID, record.ProductID, record.Kind, record.Quantity,
		record.UnitCost, record.Subtotal, record.CreatedAt).Scan(&record.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return &record, nil
}

func (t *pgTx) LockSale(ctx context.Context, id int64) (*domain.Sale, error) {
	return getSale(ctx, t.q, "id = $1", id, true)
}

func (t *pgTx) UpdateSale(ctx context.Context, sale domain.Sale) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE sales
		SET subtotal = $2, total = $3, total_cost = $4, status = $5,
			cancelled_at = $6, cancelled_by = $7, cancel_reason = $8
		WHERE id = $1
	`, sale.ID, sale.Subtotal, sale.Total, sale.TotalCost, string(sale.Status),
		nullTime(sale.CancelledAt), nullIfEmpty(sale.CancelledBy), nullIfEmpty(sale.CancelReason))
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &store.NotFoundError{Entity: "sale", ID: fmt.Sprint(sale.ID)}
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, order domain.DeliveryOrder) (*domain.DeliveryOrder, error) {
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO delivery_orders (
			folio, customer_name, customer_phone, address, latitude, longitude, payment_method, notes,
			state, courier_id, created_by, total, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id
	`, order.Folio, order.CustomerName, nullIfEmpty(order.CustomerPhone), order.Address, nullFloat(order.Latitude),
		nullFloat(order.Longitude), order.PaymentMethod, nullIfEmpty(order.Notes), string(order.State),
		nullIfEmpty(order.CourierID), order.CreatedBy, order.Total, order.CreatedAt).Scan(&order.ID)
	if err != nil {
		return nil, mapError(err)
	}

	for i := range order.Lines {
		line := &order.Lines[i]
		line.OrderID = order.ID
		err := t.q.QueryRowContext(ctx, `
			INSERT INTO delivery_order_lines (order_id, product_id, product_name, quantity, unit_price, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING id
		`, line.OrderID, line.ProductID, line.ProductName, line.Quantity, line.UnitPrice, line.Subtotal).Scan(&line.ID)
		if err != nil {
			return nil, mapError(err)
		}
	}
	return &order, nil
}

func (t *pgTx) LockOrder(ctx context.Context, id int64) (*domain.DeliveryOrder, error) {
	return getOrder(ctx, t.q, id, true)
}

func (t *pgTx) UpdateOrder(ctx context.Context, order domain.DeliveryOrder) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE delivery_orders
		SET payment_method = $2, notes = $3, state = $4, courier_id = $5, total = $6, sale_id = $7,
			cancel_reason = $8, accepted_at = $9, delivered_at = $10, cancelled_at = $11
		WHERE id = $1
	`, order.ID, order.PaymentMethod, nullIfEmpty(order.Notes), string(order.State), nullIfEmpty(order.CourierID),
		order.Total, nullInt64(order.SaleID), nullIfEmpty(order.CancelReason), nullTime(order.AcceptedAt),
		nullTime(order.DeliveredAt), nullTime(order.CancelledAt))
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &store.NotFoundError{Entity: "order", ID: fmt.Sprint(order.ID)}
	}
	return nil
}

func (t *pgTx) InsertAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return mapError(err)
}
