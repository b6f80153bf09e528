package catalog

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/tally/pkg/storage"
)

const (
	planCacheTTL  = 10 * time.Minute
	priceCacheTTL = 10 * time.Minute
)

// CachedService wraps a Service with an in-process LRU (L1) in front of
// Redis (L2). Writes pass through and invalidate both tiers.
type CachedService struct {
	inner  Service
	redis  *storage.RedisClient
	plans  *lru.LRU[string, *Plan]
	prices *lru.LRU[string, *Price]
}

// NewCachedService creates a caching layer over a catalog Service.
func NewCachedService(inner Service, redis *storage.RedisClient, l1Size int) *CachedService {
	if l1Size < 16 {
		l1Size = 16
	}
	return &CachedService{
		inner:  inner,
		redis:  redis,
		plans:  lru.NewLRU[string, *Plan](l1Size, nil, planCacheTTL),
		prices: lru.NewLRU[string, *Price](l1Size, nil, priceCacheTTL),
	}
}

func planKey(id string) string  { return fmt.Sprintf("plan:%s", id) }
func priceKey(id string) string { return fmt.Sprintf("price:%s", id) }

// CreatePlan creates a plan and invalidates the plan list
func (c *CachedService) CreatePlan(ctx context.Context, req *CreatePlanRequest) (*Plan, error) {
	return c.inner.CreatePlan(ctx, req)
}

// GetPlan retrieves a plan through the cache
func (c *CachedService) GetPlan(ctx context.Context, id string) (*Plan, error) {
	if plan, ok := c.plans.Get(id); ok {
		return plan, nil
	}

	var cached Plan
	if found, err := c.redis.GetJSON(ctx, planKey(id), &cached); err == nil && found {
		c.plans.Add(id, &cached)
		return &cached, nil
	}

	plan, err := c.inner.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}

	c.plans.Add(id, plan)
	// L2 write is best effort.
	c.redis.SetJSON(ctx, planKey(id), plan, planCacheTTL)

	return plan, nil
}

// UpdatePlan updates a plan and invalidates both cache tiers
func (c *CachedService) UpdatePlan(ctx context.Context, id string, req *UpdatePlanRequest) (*Plan, error) {
	plan, err := c.inner.UpdatePlan(ctx, id, req)
	if err != nil {
		return nil, err
	}

	c.plans.Remove(id)
	c.redis.Delete(ctx, planKey(id))

	return plan, nil
}

// ListPlans bypasses the cache; listings are admin-path only.
func (c *CachedService) ListPlans(ctx context.Context, activeOnly bool) ([]*Plan, error) {
	return c.inner.ListPlans(ctx, activeOnly)
}

// CreatePrice creates a price
func (c *CachedService) CreatePrice(ctx context.Context, req *CreatePriceRequest) (*Price, error) {
	return c.inner.CreatePrice(ctx, req)
}

// GetPrice retrieves a price through the cache
func (c *CachedService) GetPrice(ctx context.Context, id string) (*Price, error) {
	if price, ok := c.prices.Get(id); ok {
		return price, nil
	}

	var cached Price
	if found, err := c.redis.GetJSON(ctx, priceKey(id), &cached); err == nil && found {
		c.prices.Add(id, &cached)
		return &cached, nil
	}

	price, err := c.inner.GetPrice(ctx, id)
	if err != nil {
		return nil, err
	}

	c.prices.Add(id, price)
	c.redis.SetJSON(ctx, priceKey(id), price, priceCacheTTL)

	return price, nil
}

// ListPrices bypasses the cache
func (c *CachedService) ListPrices(ctx context.Context, planID string) ([]*Price, error) {
	return c.inner.ListPrices(ctx, planID)
}

// DeactivatePrice deactivates a price and invalidates both cache tiers
func (c *CachedService) DeactivatePrice(ctx context.Context, id string) error {
	if err := c.inner.DeactivatePrice(ctx, id); err != nil {
		return err
	}

	c.prices.Remove(id)
	c.redis.Delete(ctx, priceKey(id))

	return nil
}
