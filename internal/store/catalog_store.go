package store

import (
	"context"
	"fmt"

	"github.com/PortNumber53/classifieds/backend/internal/models"
)

const planColumns = `id, slug, name, description, price, currency, billing_cycle,
	display_order, is_active, created_at, updated_at`

// ListPlans returns every active membership plan ordered for display.
func (s *Store) ListPlans(ctx context.Context) ([]models.MembershipPlan, error) {
	query := `SELECT ` + planColumns + `
		FROM membership_plans
		WHERE is_active = TRUE
		ORDER BY display_order ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list plans: %w", err)
	}
	defer rows.Close()

	var plans []models.MembershipPlan
	for rows.Next() {
		var p models.MembershipPlan
		if err := rows.Scan(
			&p.ID, &p.Slug, &p.Name, &p.Description, &p.Price, &p.Currency,
			&p.BillingCycle, &p.DisplayOrder, &p.IsActive, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan plan: %w", err)
		}
		plans = append(plans, p)
	}

	return plans, rows.Err()
}

// ListFeaturedTiers returns the active featured-listing price tiers.
func (s *Store) ListFeaturedTiers(ctx context.Context) ([]models.FeaturedPriceTier, error) {
	query := `SELECT id, duration_days, price, currency, is_active
		FROM featured_price_tiers
		WHERE is_active = TRUE
		ORDER BY duration_days ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list featured tiers: %w", err)
	}
	defer rows.Close()

	var tiers []models.FeaturedPriceTier
	for rows.Next() {
		var t models.FeaturedPriceTier
		if err := rows.Scan(&t.ID, &t.DurationDays, &t.Price, &t.Currency, &t.IsActive); err != nil {
			return nil, fmt.Errorf("store: scan featured tier: %w", err)
		}
		tiers = append(tiers, t)
	}

	return tiers, rows.Err()
}
