package models

import (
	"fmt"
	"strings"
	"time"
)

// AdType classifies the advertising unit that was clicked.
type AdType string

const (
	AdTypeBanner         AdType = "banner"
	AdTypeNative         AdType = "native"
	AdTypePremiumListing AdType = "premium_listing"
	AdTypeFeatured       AdType = "featured"
)

// ParseAdType validates a raw ad type string.
func ParseAdType(raw string) (AdType, error) {
	switch t := AdType(strings.ToLower(strings.TrimSpace(raw))); t {
	case AdTypeBanner, AdTypeNative, AdTypePremiumListing, AdTypeFeatured:
		return t, nil
	}
	return "", fmt.Errorf("unknown ad type %q", raw)
}

// AdClickEvent is a single recorded click. Clicks are never deduplicated.
type AdClickEvent struct {
	ID        int64     `json:"id"`
	AdType    AdType    `json:"ad_type"`
	AdID      int64     `json:"ad_id"`
	UserID    *int64    `json:"user_id,omitempty"`
	ClickedAt time.Time `json:"clicked_at"`
}
