package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tiendalotes/backend/internal/domain"
	"tiendalotes/backend/internal/service"
	"tiendalotes/backend/internal/store"
)

var (
	_ store.Repository = (*Store)(nil)
	_ store.Tx         = (*pgTx)(nil)
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("TIENDALOTES_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set TIENDALOTES_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

// Ledger and allocation rows are append-only, so integration data is kept
// apart by a per-run SKU instead of being deleted afterwards.
func createIntegrationProduct(t *testing.T, s *Store) *domain.Product {
	t.Helper()
	ctx := context.Background()
	var product *domain.Product
	err := s.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		product, err = tx.CreateProduct(ctx, domain.Product{
			SKU:           fmt.Sprintf("SKU-IT-%d", time.Now().UnixNano()),
			Name:          "Producto IT",
			Category:      "it",
			Price:         decimal.NewFromInt(12),
			CostingPolicy: domain.CostingOldestFirst,
		})
		return err
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return product
}

func TestReceiveAndConsumeLotPersists(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	product := createIntegrationProduct(t, s)

	expires := time.Now().UTC().AddDate(0, 1, 0)
	err := s.RunInTx(ctx, func(tx store.Tx) error {
		lot, err := tx.InsertLot(ctx, domain.Lot{
			ProductID: product.ID, QuantityReceived: 10, QuantityRemaining: 10,
			UnitCost: decimal.RequireFromString("5.5"), ReceivedAt: time.Now().UTC(),
			ExpiresAt: &expires, Active: true, CreatedBy: "it",
		})
		if err != nil {
			return err
		}
		if _, err := tx.LockProduct(ctx, product.ID); err != nil {
			return err
		}
		if err := tx.SetProductStock(ctx, product.ID, 10); err != nil {
			return err
		}
		if _, err := tx.InsertLedgerEntry(ctx, domain.LedgerEntry{
			ProductID: product.ID, MovementType: domain.MovementReceipt, QuantityDelta: 10,
			StockBefore: 0, StockAfter: 10, Reference: fmt.Sprintf("lot:%d", lot.ID), Actor: "it",
		}); err != nil {
			return err
		}

		locked, err := tx.LockAllocatableLots(ctx, product.ID)
		if err != nil {
			return err
		}
		if len(locked) != 1 {
			return fmt.Errorf("expected 1 allocatable lot, got %d", len(locked))
		}
		locked[0].QuantityRemaining = 4
		return tx.UpdateLot(ctx, locked[0])
	})
	if err != nil {
		t.Fatalf("receive and consume: %v", err)
	}

	got, err := s.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if got.Stock != 10 {
		t.Fatalf("expected stock 10, got %d", got.Stock)
	}
	lots, err := s.ListLots(ctx, domain.LotFilter{ProductID: product.ID})
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	if len(lots) != 1 || lots[0].QuantityRemaining != 4 || !lots[0].UnitCost.Equal(decimal.RequireFromString("5.5")) {
		t.Fatalf("unexpected lots: %+v", lots)
	}
	if lots[0].ExpiresAt == nil {
		t.Fatalf("expected expiry date to round-trip")
	}
	entries, err := s.ListLedger(ctx, product.ID, 0)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(entries) != 1 || entries[0].StockAfter != 10 {
		t.Fatalf("unexpected ledger: %+v", entries)
	}
}

func TestNegativeStockCounterIsRejected(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	product := createIntegrationProduct(t, s)

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.SetProductStock(ctx, product.ID, -1)
	})
	if !errors.Is(err, store.ErrStockIntegrity) {
		t.Fatalf("expected stock integrity error, got %v", err)
	}
}

func TestLedgerRejectsUpdates(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	product := createIntegrationProduct(t, s)

	var entryID int64
	err := s.RunInTx(ctx, func(tx store.Tx) error {
		entry, err := tx.InsertLedgerEntry(ctx, domain.LedgerEntry{
			ProductID: product.ID, MovementType: domain.MovementAdjustment, QuantityDelta: 0,
			StockBefore: 0, StockAfter: 0, Reference: "it", Actor: "it",
		})
		if err != nil {
			return err
		}
		entryID = entry.ID
		return nil
	})
	if err != nil {
		t.Fatalf("insert ledger entry: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE stock_ledger SET reference = 'tampered' WHERE id = $1`, entryID); err == nil {
		t.Fatalf("expected ledger update to be rejected")
	}
}

func TestConcurrentFulfillNeverOverAllocates(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	product := createIntegrationProduct(t, s)

	actor := domain.Actor{Username: fmt.Sprintf("it-%d", time.Now().UnixNano()), Role: domain.RoleAdmin}
	if err := s.CreateUser(ctx, domain.UserAccount{
		Username: actor.Username, Password: "not-used", Role: actor.Role, Active: true, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	svc := service.New(s, service.Options{MaxFulfillAttempts: 10, RetryBackoff: 5 * time.Millisecond})
	for _, cost := range []string{"1", "2"} {
		if _, err := svc.ReceiveLot(ctx, actor, domain.LotReceiveRequest{
			ProductID: product.ID, Quantity: 4, UnitCost: decimal.RequireFromString(cost),
		}); err != nil {
			t.Fatalf("receive lot: %v", err)
		}
	}

	const buyers = 3
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
		other     []error
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Fulfill(ctx, actor, domain.SaleDraft{
				PaymentMethod: "cash",
				Items:         []domain.SaleDraftItem{{ProductID: product.ID, Quantity: 3}},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrInsufficientStock):
			case errors.Is(err, store.ErrConcurrency):
				conflicts++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	// 8 units cover two sales of 3; retries exhausted under load may cost one more
	if succeeded > 2 || (conflicts == 0 && succeeded != 2) {
		t.Fatalf("expected 2 sales, got %d (conflicts %d)", succeeded, conflicts)
	}

	got, err := s.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if got.Stock != 8-3*succeeded {
		t.Fatalf("expected stock %d, got %d", 8-3*succeeded, got.Stock)
	}
	lots, err := s.ListLots(ctx, domain.LotFilter{ProductID: product.ID})
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	remaining := 0
	for _, lot := range lots {
		if lot.QuantityRemaining < 0 {
			t.Fatalf("lot %d over-allocated: remaining %d", lot.ID, lot.QuantityRemaining)
		}
		remaining += lot.QuantityRemaining
	}
	if remaining != got.Stock {
		t.Fatalf("expected lots to hold %d units, got %d", got.Stock, remaining)
	}

	rec, err := svc.ReconcileStock(ctx, product.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !rec.Consistent {
		t.Fatalf("unexpected reconciliation: %+v", rec)
	}
}
