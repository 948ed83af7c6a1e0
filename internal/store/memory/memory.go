package memory

import (
	"cmp"
	"context"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"tiendalotes/backend/internal/domain"
	"tiendalotes/backend/internal/store"
)

// Store keeps lots and ledger entries in append-only arenas indexed by
// product. Transactions are serialized by mu and undone from a journal on
// rollback.
type Store struct {
	mu     sync.RWMutex
	nextID map[string]int64

	products       map[int64]domain.Product
	productIDBySKU map[string]int64

	lots          []domain.Lot
	lotIndex      map[int64]int
	lotsByProduct map[int64][]int

	ledger          []domain.LedgerEntry
	ledgerByProduct map[int64][]int

	sales          map[int64]domain.Sale
	saleIDByIdem   map[string]int64
	saleIDByFolio  map[string]int64
	orders         map[int64]domain.DeliveryOrder
	orderIDByFolio map[string]int64

	auditLogs []domain.AuditLog
	users     map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		nextID:          make(map[string]int64),
		products:        make(map[int64]domain.Product),
		productIDBySKU:  make(map[string]int64),
		lots:            make([]domain.Lot, 0, 64),
		lotIndex:        make(map[int64]int),
		lotsByProduct:   make(map[int64][]int),
		ledger:          make([]domain.LedgerEntry, 0, 128),
		ledgerByProduct: make(map[int64][]int),
		sales:           make(map[int64]domain.Sale),
		saleIDByIdem:    make(map[string]int64),
		saleIDByFolio:   make(map[string]int64),
		orders:          make(map[int64]domain.DeliveryOrder),
		orderIDByFolio:  make(map[string]int64),
		auditLogs:       make([]domain.AuditLog, 0, 64),
		users:           make(map[string]domain.UserAccount),
	}
}

// seedUsers builds dev/demo accounts. Passwords come from SEED_*_PASSWORD
// and fall back to well-known defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	defaults := []struct {
		username string
		env      string
		fallback string
		role     string
	}{
		{"admin", "SEED_ADMIN_PASSWORD", "admin123", domain.RoleAdmin},
		{"seller", "SEED_SELLER_PASSWORD", "seller123", domain.RoleSeller},
		{"courier", "SEED_COURIER_PASSWORD", "courier123", domain.RoleCourier},
	}

	now := time.Now().UTC()
	users := make(map[string]domain.UserAccount, len(defaults))
	for _, u := range defaults {
		password := os.Getenv(u.env)
		if password == "" {
			password = u.fallback
			log.Warn().Str("component", "memory-store").Str("user", u.username).
				Msgf("using default dev credentials, set %s to override", u.env)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("user", u.username).Msg("failed to hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

// NewSeeded returns a store with demo users and a small catalog. Stock
// starts at zero; lots must be received through the service.
func NewSeeded() *Store {
	s := New()
	s.users = seedUsers()

	now := time.Now().UTC()
	for _, p := range []domain.Product{
		{SKU: "ABR-ARROZ-1K", Name: "Arroz 1kg", Category: "abarrotes", Price: decimal.RequireFromString("32.50"), CostingPolicy: domain.CostingOldestFirst},
		{SKU: "ABR-FRIJOL-1K", Name: "Frijol negro 1kg", Category: "abarrotes", Price: decimal.RequireFromString("41.00"), CostingPolicy: domain.CostingOldestFirst},
		{SKU: "LAC-LECHE-1L", Name: "Leche entera 1L", Category: "lacteos", Price: decimal.RequireFromString("27.90"), CostingPolicy: domain.CostingOldestFirst},
		{SKU: "BEB-CAFE-250", Name: "Cafe molido 250g", Category: "bebidas", Price: decimal.RequireFromString("89.00"), CostingPolicy: domain.CostingNewestFirst},
		{SKU: "LIM-JABON-01", Name: "Jabon de barra", Category: "limpieza", Price: decimal.RequireFromString("18.50"), CostingPolicy: domain.CostingNewestFirst},
	} {
		p.ID = s.allocateID("product")
		p.Active = true
		p.CreatedAt = now
		s.products[p.ID] = p
		s.productIDBySKU[p.SKU] = p.ID
	}
	return s
}

func (s *Store) allocateID(seq string) int64 {
	s.nextID[seq]++
	return s.nextID[seq]
}

func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, &store.NotFoundError{Entity: "product", ID: strconv.FormatInt(id, 10)}
	}
	return &product, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if c := strings.Compare(a.Category, b.Category); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetLot(_ context.Context, id int64) (*domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.lotIndex[id]
	if !ok {
		return nil, &store.NotFoundError{Entity: "lot", ID: strconv.FormatInt(id, 10)}
	}
	lot := cloneLot(s.lots[idx])
	return &lot, nil
}

func (s *Store) ListLots(_ context.Context, filter domain.LotFilter) ([]domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var indexes []int
	if filter.ProductID > 0 {
		indexes = s.lotsByProduct[filter.ProductID]
	} else {
		indexes = make([]int, len(s.lots))
		for i := range s.lots {
			indexes[i] = i
		}
	}

	lots := make([]domain.Lot, 0, len(indexes))
	for _, idx := range indexes {
		lot := s.lots[idx]
		if !lot.Active && !filter.IncludeInactive {
			continue
		}
		lots = append(lots, cloneLot(lot))
	}
	slices.SortFunc(lots, func(a, b domain.Lot) int {
		if c := b.ReceivedAt.Compare(a.ReceivedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if filter.Limit > 0 && len(lots) > filter.Limit {
		lots = lots[:filter.Limit]
	}
	return lots, nil
}

func (s *Store) ListExpiringLots(_ context.Context, before time.Time, limit int) ([]domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lots := make([]domain.Lot, 0, 16)
	for _, lot := range s.lots {
		if !lot.Allocatable() || lot.ExpiresAt == nil || !lot.ExpiresAt.Before(before) {
			continue
		}
		lots = append(lots, cloneLot(lot))
	}
	slices.SortFunc(lots, func(a, b domain.Lot) int {
		if c := a.ExpiresAt.Compare(*b.ExpiresAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(lots) > limit {
		lots = lots[:limit]
	}
	return lots, nil
}

func (s *Store) ListLedger(_ context.Context, productID int64, limit int) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	indexes := s.ledgerByProduct[productID]
	if limit > 0 && len(indexes) > limit {
		indexes = indexes[len(indexes)-limit:]
	}
	entries := make([]domain.LedgerEntry, 0, len(indexes))
	for _, idx := range indexes {
		entries = append(entries, s.ledger[idx])
	}
	return entries, nil
}

func (s *Store) GetSale(_ context.Context, id int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok || sale.Status == domain.SalePending {
		return nil, &store.NotFoundError{Entity: "sale", ID: strconv.FormatInt(id, 10)}
	}
	dup := cloneSale(sale)
	return &dup, nil
}

func (s *Store) FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	id, ok := s.saleIDByIdem[key]
	s.mu.RUnlock()
	if !ok {
		return nil, &store.NotFoundError{Entity: "sale", ID: key}
	}
	return s.GetSale(ctx, id)
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if sale.Status == domain.SalePending {
			continue
		}
		if filter.Status != "" && sale.Status != filter.Status {
			continue
		}
		if filter.From != nil && sale.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !sale.CreatedAt.Before(*filter.To) {
			continue
		}
		dup := cloneSale(sale)
		dup.Allocations = nil
		sales = append(sales, dup)
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int { return cmp.Compare(b.ID, a.ID) })
	if filter.Limit > 0 && len(sales) > filter.Limit {
		sales = sales[:filter.Limit]
	}
	return sales, nil
}

func (s *Store) GetOrder(_ context.Context, id int64) (*domain.DeliveryOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, &store.NotFoundError{Entity: "order", ID: strconv.FormatInt(id, 10)}
	}
	dup := cloneOrder(order)
	return &dup, nil
}

func (s *Store) ListOrders(_ context.Context, filter domain.OrderFilter) ([]domain.DeliveryOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.DeliveryOrder, 0, len(s.orders))
	for _, order := range s.orders {
		if filter.State != "" && order.State != filter.State {
			continue
		}
		if filter.CourierID != "" && order.CourierID != filter.CourierID {
			continue
		}
		if filter.ForCourier != "" {
			unassigned := order.State == domain.OrderPending && order.CourierID == ""
			if !unassigned && order.CourierID != filter.ForCourier {
				continue
			}
		}
		orders = append(orders, cloneOrder(order))
	}
	slices.SortFunc(orders, func(a, b domain.DeliveryOrder) int { return cmp.Compare(b.ID, a.ID) })
	if filter.Limit > 0 && len(orders) > filter.Limit {
		orders = orders[:filter.Limit]
	}
	return orders, nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, 32)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		logs = append(logs, entry)
		if limit > 0 && len(logs) >= limit {
			break
		}
	}
	return logs, nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, &store.NotFoundError{Entity: "user", ID: username}
	}
	return &user, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.NewValidationError("username", "username and password are required")
	}
	if _, exists := s.users[username]; exists {
		return store.ErrDuplicate
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleSeller
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.users[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	user, exists := s.users[username]
	if !exists {
		return &store.NotFoundError{Entity: "user", ID: username}
	}
	user.Password = password
	s.users[username] = user
	return nil
}

func cloneLot(src domain.Lot) domain.Lot {
	dup := src
	if src.ExpiresAt != nil {
		expiry := *src.ExpiresAt
		dup.ExpiresAt = &expiry
	}
	return dup
}

func cloneSale(src domain.Sale) domain.Sale {
	dup := src
	dup.Lines = slices.Clone(src.Lines)
	dup.Allocations = slices.Clone(src.Allocations)
	if src.OrderID != nil {
		id := *src.OrderID
		dup.OrderID = &id
	}
	if src.CancelledAt != nil {
		at := *src.CancelledAt
		dup.CancelledAt = &at
	}
	return dup
}

func cloneOrder(src domain.DeliveryOrder) domain.DeliveryOrder {
	dup := src
	dup.Lines = slices.Clone(src.Lines)
	for _, p := range []**time.Time{&dup.AcceptedAt, &dup.DeliveredAt, &dup.CancelledAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	if src.SaleID != nil {
		id := *src.SaleID
		dup.SaleID = &id
	}
	if src.Latitude != nil {
		lat := *src.Latitude
		dup.Latitude = &lat
	}
	if src.Longitude != nil {
		lng := *src.Longitude
		dup.Longitude = &lng
	}
	return dup
}
