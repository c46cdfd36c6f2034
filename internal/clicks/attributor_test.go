package clicks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/classifieds/backend/internal/models"
	"github.com/PortNumber53/classifieds/backend/internal/store"
)

type memClicks struct {
	mu     sync.Mutex
	clicks []models.AdClickEvent
	counts int
	err    error
}

func (m *memClicks) InsertClick(_ context.Context, click *models.AdClickEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	click.ID = int64(len(m.clicks) + 1)
	m.clicks = append(m.clicks, *click)
	return nil
}

func (m *memClicks) CountClicks(_ context.Context, adType models.AdType, adID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts++
	var n int64
	for _, c := range m.clicks {
		if c.AdType == adType && c.AdID == adID {
			n++
		}
	}
	return n, nil
}

type stubInventory struct {
	calls        int
	destinations map[int64]string
}

func (s *stubInventory) DestinationOf(_ context.Context, _ models.AdType, adID int64) (string, error) {
	s.calls++
	dest, ok := s.destinations[adID]
	if !ok {
		return "", store.ErrNotFound
	}
	return dest, nil
}

type mapCache struct {
	mu     sync.Mutex
	values map[string]int64
}

func (c *mapCache) GetCount(_ context.Context, key string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.values[key]
	return n, ok, nil
}

func (c *mapCache) SetCount(_ context.Context, key string, count int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = count
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

func newTestAttributor(t *testing.T, cache Cache) (*Attributor, *memClicks, *stubInventory) {
	t.Helper()
	clicks := &memClicks{}
	inv := &stubInventory{destinations: map[int64]string{
		1: "https://advertiser.example/landing",
		2: "",
		3: "javascript:alert(1)",
	}}
	a, err := NewAttributor(clicks, inv, cache, "https://classifieds.example/", nil)
	require.NoError(t, err)
	return a, clicks, inv
}

func TestPremiumListingBypassesInventory(t *testing.T) {
	a, clicks, inv := newTestAttributor(t, nil)
	user := int64(9)

	dest := a.ClickThrough(context.Background(), "premium_listing", "42", &user)

	assert.Equal(t, "https://classifieds.example/listings/42", dest)
	assert.Equal(t, 0, inv.calls)
	require.Len(t, clicks.clicks, 1)
	assert.Equal(t, models.AdTypePremiumListing, clicks.clicks[0].AdType)
	require.NotNil(t, clicks.clicks[0].UserID)
	assert.Equal(t, user, *clicks.clicks[0].UserID)
}

func TestClickThroughResolvesInventory(t *testing.T) {
	a, _, _ := newTestAttributor(t, nil)

	assert.Equal(t, "https://advertiser.example/landing", a.ClickThrough(context.Background(), "banner", "1", nil))
}

func TestClickThroughFallsBack(t *testing.T) {
	a, clicks, _ := newTestAttributor(t, nil)
	ctx := context.Background()

	cases := map[string][2]string{
		"unknown type":      {"popup", "1"},
		"bad id":            {"banner", "abc"},
		"negative id":       {"banner", "-4"},
		"missing unit":      {"native", "99"},
		"empty destination": {"banner", "2"},
		"unsafe scheme":     {"banner", "3"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, "https://classifieds.example/", a.ClickThrough(ctx, in[0], in[1], nil))
		})
	}

	// Clicks on well-formed links are kept even when the unit is missing.
	assert.Len(t, clicks.clicks, 3)
}

func TestClickThroughSurvivesStoreFailure(t *testing.T) {
	a, clicks, _ := newTestAttributor(t, nil)
	clicks.err = errors.New("connection refused")

	assert.Equal(t, "https://advertiser.example/landing", a.ClickThrough(context.Background(), "banner", "1", nil))
}

func TestResolveDestinationNotFound(t *testing.T) {
	a, _, _ := newTestAttributor(t, nil)

	_, err := a.ResolveDestination(context.Background(), models.AdTypeBanner, 99)
	assert.ErrorIs(t, err, ErrAdNotFound)
}

func TestClickCountCountsEveryClick(t *testing.T) {
	cache := &mapCache{values: map[string]int64{}}
	a, clicks, _ := newTestAttributor(t, cache)
	ctx := context.Background()
	const k = 25

	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.TrackClick(ctx, models.AdTypeNative, 7, nil))
		}()
	}
	wg.Wait()

	n, err := a.ClickCount(ctx, models.AdTypeNative, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(k), n)

	// Served from cache until the next click invalidates it.
	_, err = a.ClickCount(ctx, models.AdTypeNative, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, clicks.counts)

	require.NoError(t, a.TrackClick(ctx, models.AdTypeNative, 7, nil))
	n, err = a.ClickCount(ctx, models.AdTypeNative, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(k+1), n)
	assert.Equal(t, 2, clicks.counts)
}
