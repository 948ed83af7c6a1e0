package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CostingPolicy string

const (
	CostingOldestFirst CostingPolicy = "OLDEST_FIRST"
	CostingNewestFirst CostingPolicy = "NEWEST_FIRST"
)

func (p CostingPolicy) Valid() bool {
	return p == CostingOldestFirst || p == CostingNewestFirst
}

const (
	RoleAdmin   = "admin"
	RoleSeller  = "seller"
	RoleCourier = "courier"
)

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentTransfer = "transfer"
)

type Product struct {
	ID            int64           `json:"id"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	Category      string          `json:"category"`
	Price         decimal.Decimal `json:"price"`
	CostingPolicy CostingPolicy   `json:"costing_policy"`
	Stock         int             `json:"stock"`
	Active        bool            `json:"active"`
	CreatedAt     time.Time       `json:"created_at"`
}

type ProductCreateRequest struct {
	SKU           string          `json:"sku" validate:"required,max=64"`
	Name          string          `json:"name" validate:"required,max=160"`
	Category      string          `json:"category" validate:"max=80"`
	Price         decimal.Decimal `json:"price"`
	CostingPolicy CostingPolicy   `json:"costing_policy" validate:"omitempty,oneof=OLDEST_FIRST NEWEST_FIRST"`
}

type CostingPolicyUpdateRequest struct {
	CostingPolicy CostingPolicy `json:"costing_policy" validate:"required,oneof=OLDEST_FIRST NEWEST_FIRST"`
}

// Lot is one inbound batch of a product. QuantityRemaining never exceeds
// QuantityReceived and never drops below zero.
type Lot struct {
	ID                int64           `json:"id"`
	ProductID         int64           `json:"product_id"`
	QuantityReceived  int             `json:"quantity_received"`
	QuantityRemaining int             `json:"quantity_remaining"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	Supplier          string          `json:"supplier,omitempty"`
	InvoiceRef        string          `json:"invoice_ref,omitempty"`
	ReceivedAt        time.Time       `json:"received_at"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	Active            bool            `json:"active"`
	Note              string          `json:"note,omitempty"`
	CreatedBy         string          `json:"created_by"`
}

func (l Lot) Allocatable() bool {
	return l.Active && l.QuantityRemaining > 0
}

type LotReceiveRequest struct {
	ProductID  int64           `json:"product_id" validate:"required,gt=0"`
	Quantity   int             `json:"quantity" validate:"gt=0"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	Supplier   string          `json:"supplier" validate:"max=160"`
	InvoiceRef string          `json:"invoice_ref" validate:"max=80"`
	ExpiresAt  string          `json:"expires_at" validate:"omitempty,datetime=2006-01-02"`
	Note       string          `json:"note" validate:"max=500"`
}

type LotUpdateRequest struct {
	Supplier   *string `json:"supplier,omitempty" validate:"omitempty,max=160"`
	InvoiceRef *string `json:"invoice_ref,omitempty" validate:"omitempty,max=80"`
	Note       *string `json:"note,omitempty" validate:"omitempty,max=500"`
	ExpiresAt  *string `json:"expires_at,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type LotCorrectionRequest struct {
	QuantityReceived int    `json:"quantity_received" validate:"gt=0"`
	Reason           string `json:"reason" validate:"required,max=300"`
}

type LotFilter struct {
	ProductID       int64
	IncludeInactive bool
	Limit           int
}

// LotConsumption is the share of one allocation taken from a single lot.
type LotConsumption struct {
	LotID    int64           `json:"lot_id"`
	Quantity int             `json:"quantity"`
	UnitCost decimal.Decimal `json:"unit_cost"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

type Allocation struct {
	ProductID           int64            `json:"product_id"`
	Policy              CostingPolicy    `json:"policy"`
	Quantity            int              `json:"quantity"`
	Consumptions        []LotConsumption `json:"allocations"`
	TotalCost           decimal.Decimal  `json:"total_cost"`
	WeightedAvgUnitCost decimal.Decimal  `json:"cost_per_unit_weighted_avg"`
}

type AllocationPreviewRequest struct {
	Quantity int `json:"quantity" validate:"gt=0"`
}

const (
	AllocationConsume  = "consume"
	AllocationReversal = "reversal"
)

type AllocationRecord struct {
	ID         int64           `json:"id"`
	SaleID     int64           `json:"sale_id"`
	SaleLineID int64           `json:"sale_line_id"`
	LotID      int64           `json:"lot_id"`
	ProductID  int64           `json:"product_id"`
	Kind       string          `json:"kind"`
	Quantity   int             `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	CreatedAt  time.Time       `json:"created_at"`
}

type MovementType string

const (
	MovementReceipt    MovementType = "receipt"
	MovementSale       MovementType = "sale"
	MovementAdjustment MovementType = "adjustment"
	MovementReversal   MovementType = "reversal"
)

type LedgerEntry struct {
	ID            int64        `json:"id"`
	ProductID     int64        `json:"product_id"`
	MovementType  MovementType `json:"movement_type"`
	QuantityDelta int          `json:"quantity_delta"`
	StockBefore   int          `json:"stock_before"`
	StockAfter    int          `json:"stock_after"`
	Reference     string       `json:"reference"`
	Actor         string       `json:"actor"`
	CreatedAt     time.Time    `json:"created_at"`
}

type StockReconciliation struct {
	ProductID          int64  `json:"product_id"`
	CounterStock       int    `json:"counter_stock"`
	ReplayedStock      int    `json:"replayed_stock"`
	Entries            int    `json:"entries"`
	Consistent         bool   `json:"consistent"`
	FirstBrokenEntryID *int64 `json:"first_broken_entry_id,omitempty"`
}

type SaleStatus string

const (
	SalePending   SaleStatus = "pending"
	SaleCompleted SaleStatus = "completed"
	SaleCancelled SaleStatus = "cancelled"
)

const (
	SaleSourcePOS      = "pos"
	SaleSourceDelivery = "delivery"
)

type Sale struct {
	ID             int64              `json:"id"`
	Folio          string             `json:"folio"`
	Actor          string             `json:"actor"`
	PaymentMethod  string             `json:"payment_method"`
	Source         string             `json:"source"`
	OrderID        *int64             `json:"order_id,omitempty"`
	CustomerName   string             `json:"customer_name,omitempty"`
	Notes          string             `json:"notes,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	Subtotal       decimal.Decimal    `json:"subtotal"`
	Total          decimal.Decimal    `json:"total"`
	TotalCost      decimal.Decimal    `json:"total_cost"`
	Status         SaleStatus         `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	CancelledAt    *time.Time         `json:"cancelled_at,omitempty"`
	CancelledBy    string             `json:"cancelled_by,omitempty"`
	CancelReason   string             `json:"cancel_reason,omitempty"`
	Lines          []SaleLine         `json:"lines"`
	Allocations    []AllocationRecord `json:"allocations,omitempty"`
}

type SaleLine struct {
	ID          int64           `json:"id"`
	SaleID      int64           `json:"sale_id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Cost        decimal.Decimal `json:"cost"`
}

// SaleDraft is the input to fulfillment, either typed at the POS or built
// from a delivery order snapshot.
type SaleDraft struct {
	PaymentMethod  string          `json:"payment_method" validate:"required,oneof=cash card transfer"`
	Items          []SaleDraftItem `json:"items" validate:"required,min=1,max=200,dive"`
	CustomerName   string          `json:"customer_name" validate:"max=160"`
	Notes          string          `json:"notes" validate:"max=500"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=120"`
	Folio          string          `json:"-"`
	Source         string          `json:"-"`
	OrderID        *int64          `json:"-"`
}

type SaleDraftItem struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type SaleCancelRequest struct {
	Reason string `json:"reason" validate:"required,max=300"`
}

type SaleFilter struct {
	From   *time.Time
	To     *time.Time
	Status SaleStatus
	Limit  int
}

type SaleCostDetail struct {
	SaleLineID    int64           `json:"sale_line_id"`
	ProductID     int64           `json:"product_id"`
	ProductName   string          `json:"product_name"`
	LotID         int64           `json:"lot_id"`
	LotSupplier   string          `json:"lot_supplier,omitempty"`
	LotReceivedAt time.Time       `json:"lot_received_at"`
	Kind          string          `json:"kind"`
	Quantity      int             `json:"quantity"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	Subtotal      decimal.Decimal `json:"subtotal"`
}

type OrderState string

const (
	OrderPending   OrderState = "pending"
	OrderEnRoute   OrderState = "en_route"
	OrderDelivered OrderState = "delivered"
	OrderCancelled OrderState = "cancelled"
)

type DeliveryOrder struct {
	ID            int64           `json:"id"`
	Folio         string          `json:"folio"`
	CustomerName  string          `json:"customer_name"`
	CustomerPhone string          `json:"customer_phone,omitempty"`
	Address       string          `json:"address"`
	Latitude      *float64        `json:"latitude,omitempty"`
	Longitude     *float64        `json:"longitude,omitempty"`
	PaymentMethod string          `json:"payment_method"`
	Notes         string          `json:"notes,omitempty"`
	State         OrderState      `json:"state"`
	CourierID     string          `json:"courier_id,omitempty"`
	CreatedBy     string          `json:"created_by"`
	Total         decimal.Decimal `json:"total"`
	SaleID        *int64          `json:"sale_id,omitempty"`
	CancelReason  string          `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	AcceptedAt    *time.Time      `json:"accepted_at,omitempty"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
	Lines         []OrderLine     `json:"lines"`
}

// OrderLine is a snapshot of the catalog at order creation.
type OrderLine struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"order_id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type OrderCreateRequest struct {
	CustomerName  string            `json:"customer_name" validate:"required,max=160"`
	CustomerPhone string            `json:"customer_phone" validate:"max=40"`
	Address       string            `json:"address" validate:"required,max=500"`
	Latitude      *float64          `json:"latitude,omitempty" validate:"omitempty,min=-90,max=90"`
	Longitude     *float64          `json:"longitude,omitempty" validate:"omitempty,min=-180,max=180"`
	PaymentMethod string            `json:"payment_method" validate:"omitempty,oneof=cash card transfer"`
	Notes         string            `json:"notes" validate:"max=500"`
	Items         []OrderCreateItem `json:"items" validate:"required,min=1,max=200,dive"`
}

type OrderCreateItem struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type OrderAcceptRequest struct {
	CourierID string `json:"courier_id"`
}

type DeliveryConfirmRequest struct {
	PaymentMethod string `json:"payment_method" validate:"omitempty,oneof=cash card transfer"`
}

type OrderCancelRequest struct {
	Reason string `json:"reason" validate:"max=300"`
}

type OrderFilter struct {
	State     OrderState
	CourierID string
	// ForCourier limits results to unassigned pending orders plus the
	// courier's own.
	ForCourier string
	Limit      int
}

type DeliveryConfirmResponse struct {
	Order DeliveryOrder `json:"order"`
	Sale  Sale          `json:"sale"`
}

type ProductValuation struct {
	ProductID           int64           `json:"product_id"`
	ProductName         string          `json:"product_name"`
	Quantity            int             `json:"quantity"`
	Lots                int             `json:"lots"`
	Value               decimal.Decimal `json:"value"`
	WeightedAvgUnitCost decimal.Decimal `json:"weighted_avg_unit_cost"`
}

type InventoryValuation struct {
	Products   []ProductValuation `json:"products"`
	TotalValue decimal.Decimal    `json:"total_value"`
	ComputedAt time.Time          `json:"computed_at"`
}

type SalesSummary struct {
	From        time.Time       `json:"from"`
	To          time.Time       `json:"to"`
	Sales       int             `json:"sales"`
	Cancelled   int             `json:"cancelled"`
	Revenue     decimal.Decimal `json:"revenue"`
	CostOfGoods decimal.Decimal `json:"cost_of_goods_sold"`
	GrossMargin decimal.Decimal `json:"gross_margin"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type UserSummary struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
