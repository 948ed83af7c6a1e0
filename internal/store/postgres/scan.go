package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tiendalotes/backend/internal/domain"
	"tiendalotes/backend/internal/store"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const productColumns = `id, sku, name, category, price, costing_policy, stock, active, created_at`

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var policy string
	if err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.Price, &policy, &p.Stock, &p.Active, &p.CreatedAt); err != nil {
		return domain.Product{}, err
	}
	p.CostingPolicy = domain.CostingPolicy(policy)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func getProduct(ctx context.Context, q queryer, id int64, forUpdate bool) (*domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	p, err := scanProduct(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.NotFoundError{Entity: "product", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const lotColumns = `id, product_id, quantity_received, quantity_remaining, unit_cost, supplier, invoice_ref, received_at, expires_at, active, note, created_by`

func scanLot(row rowScanner) (domain.Lot, error) {
	var lot domain.Lot
	var supplier, invoiceRef, note sql.NullString
	var expiresAt sql.NullTime
	err := row.Scan(
		&lot.ID, &lot.ProductID, &lot.QuantityReceived, &lot.QuantityRemaining, &lot.UnitCost,
		&supplier, &invoiceRef, &lot.ReceivedAt, &expiresAt, &lot.Active, &note, &lot.CreatedBy,
	)
	if err != nil {
		return domain.Lot{}, err
	}
	lot.Supplier = supplier.String
	lot.InvoiceRef = invoiceRef.String
	lot.Note = note.String
	lot.ReceivedAt = lot.ReceivedAt.UTC()
	lot.ExpiresAt = timePtr(expiresAt)
	return lot, nil
}

func getLot(ctx context.Context, q queryer, id int64, forUpdate bool) (*domain.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM inventory_lots WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	lot, err := scanLot(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.NotFoundError{Entity: "lot", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

func queryLots(ctx context.Context, q queryer, query string, args ...any) ([]domain.Lot, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lots := make([]domain.Lot, 0, 16)
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

const saleColumns = `id, folio, actor, payment_method, source, order_id, customer_name, notes, idempotency_key,
	subtotal, total, total_cost, status, created_at, cancelled_at, cancelled_by, cancel_reason`

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	var status string
	var orderID sql.NullInt64
	var customerName, notes, idemKey, cancelledBy, cancelReason sql.NullString
	var cancelledAt sql.NullTime
	err := row.Scan(
		&sale.ID, &sale.Folio, &sale.Actor, &sale.PaymentMethod, &sale.Source, &orderID,
		&customerName, &notes, &idemKey, &sale.Subtotal, &sale.Total, &sale.TotalCost,
		&status, &sale.CreatedAt, &cancelledAt, &cancelledBy, &cancelReason,
	)
	if err != nil {
		return domain.Sale{}, err
	}
	sale.Status = domain.SaleStatus(status)
	sale.OrderID = int64Ptr(orderID)
	sale.CustomerName = customerName.String
	sale.Notes = notes.String
	sale.IdempotencyKey = idemKey.String
	sale.CancelledBy = cancelledBy.String
	sale.CancelReason = cancelReason.String
	sale.CancelledAt = timePtr(cancelledAt)
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, nil
}

// getSale loads one sale by an arbitrary unique predicate together with its
// lines and allocation records.
func getSale(ctx context.Context, q queryer, predicate string, arg any, forUpdate bool) (*domain.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE ` + predicate
	if forUpdate {
		query += " FOR UPDATE"
	}
	sale, err := scanSale(q.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.NotFoundError{Entity: "sale", ID: fmt.Sprint(arg)}
	}
	if err != nil {
		return nil, err
	}

	if sale.Lines, err = loadSaleLines(ctx, q, sale.ID); err != nil {
		return nil, err
	}
	if sale.Allocations, err = loadAllocations(ctx, q, sale.ID); err != nil {
		return nil, err
	}
	return &sale, nil
}

func loadSaleLines(ctx context.Context, q queryer, saleID int64) ([]domain.SaleLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, product_id, product_name, quantity, unit_price, subtotal, cost
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ID, &line.SaleID, &line.ProductID, &line.ProductName, &line.Quantity, &line.UnitPrice, &line.Subtotal, &line.Cost); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func loadAllocations(ctx context.Context, q queryer, saleID int64) ([]domain.AllocationRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, sale_line_id, lot_id, product_id, kind, quantity, unit_cost, subtotal, created_at
		FROM sale_allocations
		WHERE sale_id = $1
		ORDER BY id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.AllocationRecord, 0, 8)
	for rows.Next() {
		var rec domain.AllocationRecord
		if err := rows.Scan(&rec.ID, &rec.SaleID, &rec.SaleLineID, &rec.LotID, &rec.ProductID, &rec.Kind, &rec.Quantity, &rec.UnitCost, &rec.Subtotal, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

const orderColumns = `id, folio, customer_name, customer_phone, address, latitude, longitude, payment_method, notes,
	state, courier_id, created_by, total, sale_id, cancel_reason, created_at, accepted_at, delivered_at, cancelled_at`

func scanOrder(row rowScanner) (domain.DeliveryOrder, error) {
	var order domain.DeliveryOrder
	var state string
	var phone, notes, courierID, cancelReason sql.NullString
	var lat, lng sql.NullFloat64
	var saleID sql.NullInt64
	var acceptedAt, deliveredAt, cancelledAt sql.NullTime
	err := row.Scan(
		&order.ID, &order.Folio, &order.CustomerName, &phone, &order.Address, &lat, &lng,
		&order.PaymentMethod, &notes, &state, &courierID, &order.CreatedBy, &order.Total,
		&saleID, &cancelReason, &order.CreatedAt, &acceptedAt, &deliveredAt, &cancelledAt,
	)
	if err != nil {
		return domain.DeliveryOrder{}, err
	}
	order.State = domain.OrderState(state)
	order.CustomerPhone = phone.String
	order.Notes = notes.String
	order.CourierID = courierID.String
	order.CancelReason = cancelReason.String
	order.Latitude = floatPtr(lat)
	order.Longitude = floatPtr(lng)
	order.SaleID = int64Ptr(saleID)
	order.CreatedAt = order.CreatedAt.UTC()
	order.AcceptedAt = timePtr(acceptedAt)
	order.DeliveredAt = timePtr(deliveredAt)
	order.CancelledAt = timePtr(cancelledAt)
	return order, nil
}

func getOrder(ctx context.Context, q queryer, id int64, forUpdate bool) (*domain.DeliveryOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM delivery_orders WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	order, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.NotFoundError{Entity: "order", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, err
	}
	if order.Lines, err = loadOrderLines(ctx, q, order.ID); err != nil {
		return nil, err
	}
	return &order, nil
}

func loadOrderLines(ctx context.Context, q queryer, orderID int64) ([]domain.OrderLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, product_id, product_name, quantity, unit_price, subtotal
		FROM delivery_order_lines
		WHERE order_id = $1
		ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.OrderLine, 0, 8)
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.ID, &line.OrderID, &line.ProductID, &line.ProductName, &line.Quantity, &line.UnitPrice, &line.Subtotal); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
