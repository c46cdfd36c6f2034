package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/PortNumber53/classifieds/backend/internal/events"
	"github.com/PortNumber53/classifieds/backend/internal/models"
	"github.com/PortNumber53/classifieds/backend/internal/store"
)

// memStore mirrors the Postgres store, including its unique indexes, so the
// managers can be exercised concurrently without a database.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	subs     map[int64]*models.Subscription
	ledger   map[int64]*models.LedgerEntry
	byRef    map[string]int64
	featured map[int64]*models.FeaturedAdRequest
	owners   map[int64]int64

	// createErr, when set, fails the next create call after the charge.
	createErr error
}

func newMemStore() *memStore {
	return &memStore{
		subs:     make(map[int64]*models.Subscription),
		ledger:   make(map[int64]*models.LedgerEntry),
		byRef:    make(map[string]int64),
		featured: make(map[int64]*models.FeaturedAdRequest),
		owners:   make(map[int64]int64),
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) addListing(listingID, ownerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[listingID] = ownerID
}

func (s *memStore) OwnerOf(_ context.Context, listingID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[listingID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return owner, nil
}

// ledger

func (s *memStore) insertLedger(entry *models.LedgerEntry) (int64, error) {
	if id, ok := s.byRef[entry.GatewayPaymentRef]; ok {
		return id, store.ErrDuplicateReference
	}
	e := *entry
	e.ID = s.id()
	e.CreatedAt = time.Now().UTC()
	s.ledger[e.ID] = &e
	s.byRef[e.GatewayPaymentRef] = e.ID
	entry.ID = e.ID
	return e.ID, nil
}

func (s *memStore) InsertLedgerEntry(_ context.Context, entry *models.LedgerEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLedger(entry)
}

func (s *memStore) GetLedgerEntry(_ context.Context, id int64) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ledger[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *e
	return &out, nil
}

func (s *memStore) GetLedgerEntryByRef(ctx context.Context, ref string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	id, ok := s.byRef[ref]
	s.mu.Unlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.GetLedgerEntry(ctx, id)
}

func (s *memStore) MarkLedgerRefunded(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ledger[id]
	if !ok || e.Status != models.LedgerSucceeded {
		return store.ErrStaleState
	}
	e.Status = models.LedgerRefunded
	e.RefundedAt = &at
	return nil
}

func (s *memStore) ListLedgerEntries(_ context.Context, userID int64, _ int) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *memStore) ledgerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledger)
}

// subscriptions

func (s *memStore) CreateSubscriptionWithPayment(_ context.Context, sub *models.Subscription, entry *models.LedgerEntry) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byRef[entry.GatewayPaymentRef]; ok {
		existing := *s.subs[*s.ledger[id].RelatedID]
		return &existing, store.ErrDuplicateReference
	}
	if s.createErr != nil {
		err := s.createErr
		s.createErr = nil
		return nil, err
	}

	for _, other := range s.subs {
		if other.UserID == sub.UserID && other.Status == models.SubscriptionActive {
			at := sub.CurrentPeriodStart
			other.Status = models.SubscriptionCanceled
			other.CanceledAt = &at
		}
	}

	created := *sub
	created.ID = s.id()
	created.CreatedAt = time.Now().UTC()
	created.UpdatedAt = created.CreatedAt
	s.subs[created.ID] = &created

	entry.RelatedID = &created.ID
	if _, err := s.insertLedger(entry); err != nil {
		return nil, err
	}
	out := created
	return &out, nil
}

func (s *memStore) RenewSubscriptionWithPayment(_ context.Context, id int64, start, end time.Time, entry *models.LedgerEntry) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if _, dup := s.byRef[entry.GatewayPaymentRef]; dup {
		out := *sub
		return &out, store.ErrDuplicateReference
	}
	if sub.Status != models.SubscriptionActive && sub.Status != models.SubscriptionPastDue {
		return nil, store.ErrStaleState
	}
	sub.Status = models.SubscriptionActive
	sub.CurrentPeriodStart = start
	sub.CurrentPeriodEnd = end
	entry.RelatedID = &sub.ID
	if _, err := s.insertLedger(entry); err != nil {
		return nil, err
	}
	out := *sub
	return &out, nil
}

func (s *memStore) GetSubscription(_ context.Context, id int64) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *sub
	return &out, nil
}

func (s *memStore) GetActiveSubscription(_ context.Context, userID int64) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.Status == models.SubscriptionActive {
			out := *sub
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) ListSubscriptionsDueForRenewal(_ context.Context, now time.Time, _ int) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Subscription
	for _, sub := range s.subs {
		if sub.Status == models.SubscriptionActive && !sub.CurrentPeriodEnd.After(now) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ListSubscriptionsPastDueBefore(_ context.Context, cutoff time.Time, _ int) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Subscription
	for _, sub := range s.subs {
		if sub.Status == models.SubscriptionPastDue && !sub.CurrentPeriodEnd.After(cutoff) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) UpdateSubscriptionStatus(_ context.Context, id int64, from []models.SubscriptionStatus, to models.SubscriptionStatus, canceledAt *time.Time) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	allowed := false
	for _, st := range from {
		if sub.Status == st {
			allowed = true
		}
	}
	if !allowed {
		return nil, store.ErrStaleState
	}
	sub.Status = to
	if canceledAt != nil {
		sub.CanceledAt = canceledAt
	}
	out := *sub
	return &out, nil
}

func (s *memStore) activeCount(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.Status == models.SubscriptionActive {
			n++
		}
	}
	return n
}

// featured requests

func (s *memStore) liveFor(listingID int64) bool {
	for _, req := range s.featured {
		if req.ListingID == listingID && req.Status.IsLive() {
			return true
		}
	}
	return false
}

func (s *memStore) HasLiveFeaturedRequest(_ context.Context, listingID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveFor(listingID), nil
}

func (s *memStore) CreateFeaturedRequestWithPayment(_ context.Context, req *models.FeaturedAdRequest, entry *models.LedgerEntry) (*models.FeaturedAdRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byRef[entry.GatewayPaymentRef]; ok {
		existing := *s.featured[*s.ledger[id].RelatedID]
		return &existing, store.ErrDuplicateReference
	}
	if s.createErr != nil {
		err := s.createErr
		s.createErr = nil
		return nil, err
	}
	if s.liveFor(req.ListingID) {
		return nil, store.ErrConflict
	}

	created := *req
	created.ID = s.id()
	created.UpdatedAt = created.RequestedAt
	s.featured[created.ID] = &created
	entry.RelatedID = &created.ID
	if _, err := s.insertLedger(entry); err != nil {
		return nil, err
	}
	out := created
	return &out, nil
}

func (s *memStore) GetFeaturedRequest(_ context.Context, id int64) (*models.FeaturedAdRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.featured[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *req
	return &out, nil
}

func (s *memStore) TransitionFeaturedRequest(_ context.Context, id int64, from models.FeaturedAdStatus, t store.FeaturedTransition) (*models.FeaturedAdRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.featured[id]
	if !ok || req.Status != from {
		return nil, store.ErrStaleState
	}
	req.Status = t.To
	if t.ApprovedAt != nil {
		req.ApprovedAt = t.ApprovedAt
	}
	if t.StartsAt != nil {
		req.StartsAt = t.StartsAt
	}
	if t.EndsAt != nil {
		req.EndsAt = t.EndsAt
	}
	if t.RejectionReason != nil {
		req.RejectionReason = t.RejectionReason
	}
	out := *req
	return &out, nil
}

func (s *memStore) filterFeatured(keep func(*models.FeaturedAdRequest) bool) []models.FeaturedAdRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FeaturedAdRequest
	for _, req := range s.featured {
		if keep(req) {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) ListFeaturedRequestsByStatus(_ context.Context, status models.FeaturedAdStatus, _ int) ([]models.FeaturedAdRequest, error) {
	return s.filterFeatured(func(r *models.FeaturedAdRequest) bool { return r.Status == status }), nil
}

func (s *memStore) ListFeaturedRequestsForUser(_ context.Context, userID int64) ([]models.FeaturedAdRequest, error) {
	return s.filterFeatured(func(r *models.FeaturedAdRequest) bool { return r.UserID == userID }), nil
}

func (s *memStore) ListFeaturedDueForActivation(_ context.Context, now time.Time, _ int) ([]models.FeaturedAdRequest, error) {
	return s.filterFeatured(func(r *models.FeaturedAdRequest) bool {
		return r.Status == models.FeaturedApproved && (r.StartsAt == nil || !r.StartsAt.After(now))
	}), nil
}

func (s *memStore) ListFeaturedDueForExpiry(_ context.Context, now time.Time, _ int) ([]models.FeaturedAdRequest, error) {
	return s.filterFeatured(func(r *models.FeaturedAdRequest) bool {
		return r.Status == models.FeaturedActive && r.EndsAt != nil && !r.EndsAt.After(now)
	}), nil
}

func (s *memStore) ActiveFeaturedRequestForListing(_ context.Context, listingID int64) (*models.FeaturedAdRequest, error) {
	found := s.filterFeatured(func(r *models.FeaturedAdRequest) bool {
		return r.ListingID == listingID && r.Status == models.FeaturedActive
	})
	if len(found) == 0 {
		return nil, store.ErrNotFound
	}
	return &found[0], nil
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// fixedClock is a settable time source.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(t time.Time) *fixedClock { return &fixedClock{now: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testCatalog() *Catalog {
	return NewStaticCatalog(
		[]models.MembershipPlan{
			{ID: 1, Slug: "premium-monthly", Name: "Premium Monthly", Price: decimal.RequireFromString("9.99"), Currency: "usd", BillingCycle: models.BillingCycleMonthly, DisplayOrder: 1, IsActive: true},
			{ID: 2, Slug: "premium-yearly", Name: "Premium Yearly", Price: decimal.RequireFromString("99.00"), Currency: "usd", BillingCycle: models.BillingCycleYearly, DisplayOrder: 2, IsActive: true},
		},
		[]models.FeaturedPriceTier{
			{ID: 1, DurationDays: 7, Price: decimal.RequireFromString("4.99"), Currency: "usd", IsActive: true},
			{ID: 2, DurationDays: 14, Price: decimal.RequireFromString("8.99"), Currency: "usd", IsActive: true},
			{ID: 3, DurationDays: 30, Price: decimal.RequireFromString("14.99"), Currency: "usd", IsActive: true},
		},
	)
}
