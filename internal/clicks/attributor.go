// Package clicks records ad clicks and resolves where each click lands.
package clicks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/PortNumber53/classifieds/backend/internal/models"
	"github.com/PortNumber53/classifieds/backend/internal/store"
)

// ErrAdNotFound is returned when an ad has no usable destination.
var ErrAdNotFound = errors.New("ad not found")

// ClickStore appends and counts click events.
type ClickStore interface {
	InsertClick(ctx context.Context, click *models.AdClickEvent) error
	CountClicks(ctx context.Context, adType models.AdType, adID int64) (int64, error)
}

// AdInventory knows the configured destination of banner, native and
// featured units.
type AdInventory interface {
	DestinationOf(ctx context.Context, adType models.AdType, adID int64) (string, error)
}

// Cache holds click counts between reads. Implementations may drop entries
// at any time.
type Cache interface {
	GetCount(ctx context.Context, key string) (int64, bool, error)
	SetCount(ctx context.Context, key string, count int64) error
	Invalidate(ctx context.Context, key string) error
}

// Attributor is the click-through entry point.
type Attributor struct {
	store     ClickStore
	inventory AdInventory
	cache     Cache
	siteURL   string
	validate  *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewAttributor builds an Attributor. cache may be nil.
func NewAttributor(s ClickStore, inventory AdInventory, cache Cache, siteURL string, logger *zap.Logger) (*Attributor, error) {
	if s == nil {
		return nil, errors.New("click store cannot be nil")
	}
	if inventory == nil {
		return nil, errors.New("ad inventory cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	siteURL = strings.TrimRight(siteURL, "/")
	if siteURL == "" {
		siteURL = "/"
	}
	return &Attributor{
		store:     s,
		inventory: inventory,
		cache:     cache,
		siteURL:   siteURL,
		validate:  validator.New(),
		logger:    logger.Named("clicks"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// FallbackURL is where a click lands when its destination cannot be resolved.
func (a *Attributor) FallbackURL() string {
	if a.siteURL == "/" {
		return "/"
	}
	return a.siteURL + "/"
}

// TrackClick appends one click. Clicks are never deduplicated.
func (a *Attributor) TrackClick(ctx context.Context, adType models.AdType, adID int64, userID *int64) error {
	click := &models.AdClickEvent{AdType: adType, AdID: adID, UserID: userID, ClickedAt: a.now()}
	if err := a.store.InsertClick(ctx, click); err != nil {
		return fmt.Errorf("track click: %w", err)
	}
	if a.cache != nil {
		if err := a.cache.Invalidate(ctx, countKey(adType, adID)); err != nil {
			a.logger.Debug("click count invalidate failed", zap.Error(err))
		}
	}
	return nil
}

// ResolveDestination returns the absolute URL an ad should send the visitor
// to. Premium listings always land on the listing page.
func (a *Attributor) ResolveDestination(ctx context.Context, adType models.AdType, adID int64) (string, error) {
	if adType == models.AdTypePremiumListing {
		return fmt.Sprintf("%s/listings/%d", strings.TrimRight(a.siteURL, "/"), adID), nil
	}

	dest, err := a.inventory.DestinationOf(ctx, adType, adID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%s %d: %w", adType, adID, ErrAdNotFound)
		}
		return "", fmt.Errorf("resolve %s %d: %w", adType, adID, err)
	}
	if !a.usable(dest) {
		return "", fmt.Errorf("%s %d has no valid destination: %w", adType, adID, ErrAdNotFound)
	}
	return dest, nil
}

func (a *Attributor) usable(dest string) bool {
	if a.validate.Var(dest, "required,url") != nil {
		return false
	}
	lower := strings.ToLower(dest)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// ClickThrough records the click and returns the redirect target. It never
// fails: anything unparseable or unresolvable lands on the site root.
func (a *Attributor) ClickThrough(ctx context.Context, rawType, rawID string, userID *int64) string {
	adType, err := models.ParseAdType(rawType)
	if err != nil {
		a.logger.Debug("click with unknown ad type", zap.String("ad_type", rawType))
		return a.FallbackURL()
	}
	adID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || adID <= 0 {
		a.logger.Debug("click with bad ad id", zap.String("ad_type", rawType), zap.String("ad_id", rawID))
		return a.FallbackURL()
	}

	if err := a.TrackClick(ctx, adType, adID, userID); err != nil {
		a.logger.Warn("click not recorded",
			zap.String("ad_type", string(adType)), zap.Int64("ad_id", adID), zap.Error(err))
	}

	dest, err := a.ResolveDestination(ctx, adType, adID)
	if err != nil {
		if !errors.Is(err, ErrAdNotFound) {
			a.logger.Warn("click destination lookup failed",
				zap.String("ad_type", string(adType)), zap.Int64("ad_id", adID), zap.Error(err))
		}
		return a.FallbackURL()
	}
	return dest
}

// ClickCount returns the number of recorded clicks for an ad.
func (a *Attributor) ClickCount(ctx context.Context, adType models.AdType, adID int64) (int64, error) {
	key := countKey(adType, adID)
	if a.cache != nil {
		if n, ok, err := a.cache.GetCount(ctx, key); err == nil && ok {
			return n, nil
		} else if err != nil {
			a.logger.Debug("click count cache read failed", zap.Error(err))
		}
	}

	n, err := a.store.CountClicks(ctx, adType, adID)
	if err != nil {
		return 0, fmt.Errorf("count clicks: %w", err)
	}
	if a.cache != nil {
		if err := a.cache.SetCount(ctx, key, n); err != nil {
			a.logger.Debug("click count cache write failed", zap.Error(err))
		}
	}
	return n, nil
}

func countKey(adType models.AdType, adID int64) string {
	return fmt.Sprintf("clicks:%s:%d", adType, adID)
}
