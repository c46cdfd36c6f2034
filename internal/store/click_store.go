package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/PortNumber53/classifieds/backend/internal/models"
)

// InsertClick appends a click event. Clicks are never deduplicated.
func (s *Store) InsertClick(ctx context.Context, click *models.AdClickEvent) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ad_click_events (ad_type, ad_id, user_id, clicked_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		click.AdType, click.AdID, click.UserID, click.ClickedAt,
	).Scan(&click.ID)
	if err != nil {
		return fmt.Errorf("store: insert click: %w", err)
	}
	return nil
}

// CountClicks aggregates the recorded clicks for one ad.
func (s *Store) CountClicks(ctx context.Context, adType models.AdType, adID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ad_click_events WHERE ad_type = $1 AND ad_id = $2`,
		adType, adID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count clicks: %w", err)
	}
	return count, nil
}

// OwnerOf returns the user that owns a listing.
func (s *Store) OwnerOf(ctx context.Context, listingID int64) (int64, error) {
	var owner int64
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM listings WHERE id = $1`, listingID).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("store: listing owner: %w", err)
	}
	return owner, nil
}

// AdInventory resolves ad units to their destination URLs.
type AdInventory struct {
	store   *Store
	siteURL string
}

// NewAdInventory builds an inventory over the ad_units table. siteURL is
// used to build listing links for featured promotions.
func NewAdInventory(s *Store, siteURL string) (*AdInventory, error) {
	if s == nil {
		return nil, errors.New("store cannot be nil")
	}
	return &AdInventory{store: s, siteURL: strings.TrimRight(siteURL, "/")}, nil
}

// DestinationOf returns where a click on the ad should land. Banner and
// native units use their configured target; a featured unit is the featured
// request id and lands on its listing while the promotion is active.
func (inv *AdInventory) DestinationOf(ctx context.Context, adType models.AdType, adID int64) (string, error) {
	switch adType {
	case models.AdTypeBanner, models.AdTypeNative:
		var target string
		err := inv.store.db.QueryRowContext(ctx,
			`SELECT target_url FROM ad_units WHERE id = $1 AND ad_type = $2 AND is_active = TRUE`,
			adID, adType,
		).Scan(&target)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return "", ErrNotFound
			}
			return "", fmt.Errorf("store: ad destination: %w", err)
		}
		return target, nil
	case models.AdTypeFeatured:
		req, err := inv.store.GetFeaturedRequest(ctx, adID)
		if err != nil {
			return "", err
		}
		if req.Status != models.FeaturedActive {
			return "", ErrNotFound
		}
		return fmt.Sprintf("%s/listings/%d", inv.siteURL, req.ListingID), nil
	default:
		return "", ErrNotFound
	}
}
