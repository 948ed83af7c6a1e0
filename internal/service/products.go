package service

import (
	"context"
	"fmt"
	"strings"

	"tiendalotes/backend/internal/domain"
	"tiendalotes/backend/internal/store"
)

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, productID int64) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// CreateProduct registers a catalog entry with zero stock. Stock only ever
// arrives through ReceiveLot.
func (s *Service) CreateProduct(ctx context.Context, actor domain.Actor, req domain.ProductCreateRequest) (domain.Product, error) {
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if err := s.check(req); err != nil {
		return domain.Product{}, err
	}
	if req.Price.IsNegative() {
		return domain.Product{}, store.NewValidationError("price", "must not be negative")
	}
	if req.CostingPolicy == "" {
		req.CostingPolicy = domain.CostingOldestFirst
	}
	actor, err := s.requireActor(ctx, actor)
	if err != nil {
		return domain.Product{}, err
	}

	var created *domain.Product
	err = s.inTx(ctx, "create product", func(tx store.Tx) error {
		var err error
		created, err = tx.CreateProduct(ctx, domain.Product{
			SKU:           req.SKU,
			Name:          req.Name,
			Category:      req.Category,
			Price:         req.Price,
			CostingPolicy: req.CostingPolicy,
			CreatedAt:     s.now(),
		})
		if err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, "product_create", "product", fmt.Sprint(created.ID),
			fmt.Sprintf("sku=%s,policy=%s", created.SKU, created.CostingPolicy))
	})
	if err != nil {
		return domain.Product{}, err
	}
	return *created, nil
}

// SetCostingPolicy changes how future allocations pick lots. Past sales keep
// the costs they were recorded with.
func (s *Service) SetCostingPolicy(ctx context.Context, actor domain.Actor, productID int64, req domain.CostingPolicyUpdateRequest) (domain.Product, error) {
	if err := s.check(req); err != nil {
		return domain.Product{}, err
	}
	actor, err := s.requireActor(ctx, actor)
	if err != nil {
		return domain.Product{}, err
	}

	var updated domain.Product
	err = s.inTx(ctx, "set costing policy", func(tx store.Tx) error {
		product, err := tx.LockProduct(ctx, productID)
		if err != nil {
			return err
		}
		previous := product.CostingPolicy
		if previous == req.CostingPolicy {
			updated = *product
			return nil
		}
		if err := tx.SetCostingPolicy(ctx, productID, req.CostingPolicy); err != nil {
			return err
		}
		product.CostingPolicy = req.CostingPolicy
		updated = *product
		return s.audit(ctx, tx, actor, "costing_policy_update", "product", fmt.Sprint(productID),
			fmt.Sprintf("%s->%s", previous, req.CostingPolicy))
	})
	if err != nil {
		return domain.Product{}, err
	}
	return updated, nil
}
