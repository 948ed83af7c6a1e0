package store

import (
	"context"
	"time"

	"tiendalotes/backend/internal/domain"
)

// Repository is the system of record. Reads outside RunInTx see committed
// state only; every mutation of lots, stock counters, the ledger, sales or
// orders goes through a Tx.
type Repository interface {
	// RunInTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise. Serialization conflicts surface
	// as errors wrapping ErrSerialization.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetLot(ctx context.Context, id int64) (*domain.Lot, error)
	ListLots(ctx context.Context, filter domain.LotFilter) ([]domain.Lot, error)
	ListExpiringLots(ctx context.Context, before time.Time, limit int) ([]domain.Lot, error)
	// ListLedger returns a product's entries in commit order.
	ListLedger(ctx context.Context, productID int64, limit int) ([]domain.LedgerEntry, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, error)
	FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)
	GetOrder(ctx context.Context, id int64) (*domain.DeliveryOrder, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.DeliveryOrder, error)
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is the write side. Lock* methods take row locks held until the
// transaction ends.
type Tx interface {
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	LockProduct(ctx context.Context, id int64) (*domain.Product, error)
	SetProductStock(ctx context.Context, id int64, stock int) error
	SetCostingPolicy(ctx context.Context, id int64, policy domain.CostingPolicy) error

	InsertLot(ctx context.Context, lot domain.Lot) (*domain.Lot, error)
	LockLot(ctx context.Context, id int64) (*domain.Lot, error)
	// LockAllocatableLots locks every active lot of the product with stock
	// left. Callers must not rely on the returned order.
	LockAllocatableLots(ctx context.Context, productID int64) ([]domain.Lot, error)
	UpdateLot(ctx context.Context, lot domain.Lot) error

	InsertLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error)

	InsertSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	InsertSaleLine(ctx context.Context, line domain.SaleLine) (*domain.SaleLine, error)
	InsertAllocation(ctx context.Context, record domain.AllocationRecord) (*domain.AllocationRecord, error)
	// LockSale returns the sale with its lines and allocation records.
	LockSale(ctx context.Context, id int64) (*domain.Sale, error)
	UpdateSale(ctx context.Context, sale domain.Sale) error

	InsertOrder(ctx context.Context, order domain.DeliveryOrder) (*domain.DeliveryOrder, error)
	LockOrder(ctx context.Context, id int64) (*domain.DeliveryOrder, error)
	UpdateOrder(ctx context.Context, order domain.DeliveryOrder) error

	InsertAuditLog(ctx context.Context, entry domain.AuditLog) error
}
