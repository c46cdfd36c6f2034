package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/PortNumber53/classifieds/backend/internal/models"
)

// CatalogSource loads sellable plans and featured tiers. Only active rows
// are expected.
type CatalogSource interface {
	ListPlans(ctx context.Context) ([]models.MembershipPlan, error)
	ListFeaturedTiers(ctx context.Context) ([]models.FeaturedPriceTier, error)
}

// Catalog is the in-memory PricingCatalog. It is loaded once and refreshed
// with Reload; lookups never touch the database.
type Catalog struct {
	source CatalogSource

	mu     sync.RWMutex
	plans  []models.MembershipPlan
	byID   map[int64]models.MembershipPlan
	bySlug map[string]models.MembershipPlan
	tiers  []models.FeaturedPriceTier
	byDays map[int]models.FeaturedPriceTier
}

// NewCatalog loads the catalog from source.
func NewCatalog(ctx context.Context, source CatalogSource) (*Catalog, error) {
	c := &Catalog{source: source}
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// NewStaticCatalog builds a catalog from fixed data.
func NewStaticCatalog(plans []models.MembershipPlan, tiers []models.FeaturedPriceTier) *Catalog {
	c := &Catalog{}
	c.set(plans, tiers)
	return c
}

// Reload replaces the snapshot with fresh data from the source.
func (c *Catalog) Reload(ctx context.Context) error {
	if c.source == nil {
		return nil
	}
	plans, err := c.source.ListPlans(ctx)
	if err != nil {
		return storeError("load plans", err)
	}
	tiers, err := c.source.ListFeaturedTiers(ctx)
	if err != nil {
		return storeError("load featured tiers", err)
	}
	c.set(plans, tiers)
	return nil
}

func (c *Catalog) set(plans []models.MembershipPlan, tiers []models.FeaturedPriceTier) {
	byID := make(map[int64]models.MembershipPlan, len(plans))
	bySlug := make(map[string]models.MembershipPlan, len(plans))
	active := make([]models.MembershipPlan, 0, len(plans))
	for _, p := range plans {
		if !p.IsActive {
			continue
		}
		byID[p.ID] = p
		bySlug[p.Slug] = p
		active = append(active, p)
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].DisplayOrder < active[j].DisplayOrder })

	byDays := make(map[int]models.FeaturedPriceTier, len(tiers))
	activeTiers := make([]models.FeaturedPriceTier, 0, len(tiers))
	for _, t := range tiers {
		if !t.IsActive {
			continue
		}
		byDays[t.DurationDays] = t
		activeTiers = append(activeTiers, t)
	}
	sort.Slice(activeTiers, func(i, j int) bool { return activeTiers[i].DurationDays < activeTiers[j].DurationDays })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans, c.byID, c.bySlug = active, byID, bySlug
	c.tiers, c.byDays = activeTiers, byDays
}

// Plans returns the active plans in display order.
func (c *Catalog) Plans() []models.MembershipPlan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.MembershipPlan, len(c.plans))
	copy(out, c.plans)
	return out
}

// FeaturedTiers returns the active featured durations, shortest first.
func (c *Catalog) FeaturedTiers() []models.FeaturedPriceTier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.FeaturedPriceTier, len(c.tiers))
	copy(out, c.tiers)
	return out
}

// Plan looks up an active plan by id.
func (c *Catalog) Plan(planID int64) (models.MembershipPlan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byID[planID]
	if !ok {
		return models.MembershipPlan{}, fmt.Errorf("plan %d: %w", planID, ErrPlanNotFound)
	}
	return p, nil
}

// PlanBySlug looks up an active plan by slug.
func (c *Catalog) PlanBySlug(slug string) (models.MembershipPlan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.bySlug[slug]
	if !ok {
		return models.MembershipPlan{}, fmt.Errorf("plan %q: %w", slug, ErrPlanNotFound)
	}
	return p, nil
}

// PriceForPlan returns the price of an active plan.
func (c *Catalog) PriceForPlan(planID int64) (models.Money, error) {
	p, err := c.Plan(planID)
	if err != nil {
		return models.Money{}, err
	}
	return p.PriceMoney(), nil
}

// PriceForFeaturedDuration returns the price of promoting a listing for days.
func (c *Catalog) PriceForFeaturedDuration(days int) (models.Money, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byDays[days]
	if !ok {
		return models.Money{}, fmt.Errorf("featured duration %d days: %w", days, ErrNotFound)
	}
	return t.PriceMoney(), nil
}
