package cache

import (
	"context"
	"strconv"
	"time"

	"tiendalotes/backend/internal/domain"
)

// ValuationCache holds computed inventory valuations. Implementations must
// treat a miss and a disabled cache the same way.
type ValuationCache interface {
	Get(ctx context.Context, key string) (*domain.InventoryValuation, bool, error)
	Set(ctx context.Context, key string, value *domain.InventoryValuation, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// ValuationKey names the cache entry for one product, or for the whole
// inventory when productID is zero.
func ValuationKey(productID int64) string {
	if productID <= 0 {
		return "valuation:all"
	}
	return "valuation:product:" + strconv.FormatInt(productID, 10)
}

type NoopValuationCache struct{}

func (NoopValuationCache) Get(_ context.Context, _ string) (*domain.InventoryValuation, bool, error) {
	return nil, false, nil
}

func (NoopValuationCache) Set(_ context.Context, _ string, _ *domain.InventoryValuation, _ time.Duration) error {
	return nil
}

func (NoopValuationCache) Delete(_ context.Context, _ ...string) error {
	return nil
}
