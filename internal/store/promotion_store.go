package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/classifieds/backend/internal/models"
)

const featuredColumns = `id, listing_id, user_id, duration_days, price_paid, currency,
	gateway_payment_ref, status, requested_at, approved_at, starts_at, ends_at,
	rejection_reason, updated_at`

// FeaturedTransition describes a status change. Nil fields keep their
// current value.
type FeaturedTransition struct {
	To              models.FeaturedAdStatus
	ApprovedAt      *time.Time
	StartsAt        *time.Time
	EndsAt          *time.Time
	RejectionReason *string
}

func scanFeaturedRequest(row interface{ Scan(...any) error }) (*models.FeaturedAdRequest, error) {
	var (
		req        models.FeaturedAdRequest
		paymentRef sql.NullString
		approvedAt sql.NullTime
		startsAt   sql.NullTime
		endsAt     sql.NullTime
		reason     sql.NullString
	)
	if err := row.Scan(
		&req.ID, &req.ListingID, &req.UserID, &req.DurationDays, &req.PricePaid, &req.Currency,
		&paymentRef, &req.Status, &req.RequestedAt, &approvedAt, &startsAt, &endsAt,
		&reason, &req.UpdatedAt,
	); err != nil {
		return nil, err
	}
	req.GatewayPaymentRef = nullStringPtr(paymentRef)
	req.ApprovedAt = nullTimePtr(approvedAt)
	req.StartsAt = nullTimePtr(startsAt)
	req.EndsAt = nullTimePtr(endsAt)
	req.RejectionReason = nullStringPtr(reason)
	return &req, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func (s *Store) listFeatured(ctx context.Context, op, where string, args ...any) ([]models.FeaturedAdRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+featuredColumns+` FROM featured_ad_requests WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	defer rows.Close()

	var out []models.FeaturedAdRequest
	for rows.Next() {
		req, err := scanFeaturedRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan featured request: %w", err)
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// HasLiveFeaturedRequest reports whether the listing already holds a
// pending, approved or active promotion.
func (s *Store) HasLiveFeaturedRequest(ctx context.Context, listingID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM featured_ad_requests
			WHERE listing_id = $1 AND status IN ('pending_review', 'approved', 'active')
		)`, listingID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: check live featured request: %w", err)
	}
	return exists, nil
}

// CreateFeaturedRequestWithPayment inserts req and its ledger entry in one
// transaction. A replayed gateway reference returns the request it already
// paid for with ErrDuplicateReference; losing the one-live-per-listing index
// yields ErrConflict.
func (s *Store) CreateFeaturedRequestWithPayment(ctx context.Context, req *models.FeaturedAdRequest, entry *models.LedgerEntry) (*models.FeaturedAdRequest, error) {
	var created, existing *models.FeaturedAdRequest

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		relatedID, err := relatedForRef(ctx, tx, entry.GatewayPaymentRef)
		switch {
		case err == nil:
			existing, err = featuredByID(ctx, tx, relatedID)
			if err != nil {
				return err
			}
			return ErrDuplicateReference
		case !errors.Is(err, ErrNotFound):
			return err
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO featured_ad_requests (listing_id, user_id, duration_days, price_paid, currency,
				gateway_payment_ref, status, requested_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING `+featuredColumns,
			req.ListingID, req.UserID, req.DurationDays, req.PricePaid, req.Currency,
			req.GatewayPaymentRef, req.Status, req.RequestedAt,
		)
		created, err = scanFeaturedRequest(row)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("store: insert featured request: %w", err)
		}

		entry.UserID = created.UserID
		entry.RelatedID = &created.ID
		_, err = insertLedgerEntry(ctx, tx, entry)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateReference) && existing != nil {
			return existing, ErrDuplicateReference
		}
		if errors.Is(err, ErrDuplicateReference) || errors.Is(err, ErrConflict) {
			// A concurrent request carrying the same payment may have
			// committed first; hand back what it stored.
			if winner, rerr := s.featuredForRef(ctx, entry.GatewayPaymentRef); rerr == nil {
				return winner, ErrDuplicateReference
			}
		}
		return nil, err
	}
	return created, nil
}

// featuredForRef returns the featured request a recorded payment paid for.
func (s *Store) featuredForRef(ctx context.Context, ref string) (*models.FeaturedAdRequest, error) {
	relatedID, err := relatedForRef(ctx, s.db, ref)
	if err != nil {
		return nil, err
	}
	return featuredByID(ctx, s.db, relatedID)
}

func featuredByID(ctx context.Context, q queryer, id int64) (*models.FeaturedAdRequest, error) {
	row := q.QueryRowContext(ctx, `SELECT `+featuredColumns+` FROM featured_ad_requests WHERE id = $1`, id)
	req, err := scanFeaturedRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get featured request: %w", err)
	}
	return req, nil
}

// GetFeaturedRequest returns a featured request by id.
func (s *Store) GetFeaturedRequest(ctx context.Context, id int64) (*models.FeaturedAdRequest, error) {
	return featuredByID(ctx, s.db, id)
}

// TransitionFeaturedRequest applies t only if the row is still in status
// from. A row that moved on in the meantime yields ErrStaleState.
func (s *Store) TransitionFeaturedRequest(ctx context.Context, id int64, from models.FeaturedAdStatus, t FeaturedTransition) (*models.FeaturedAdRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE featured_ad_requests
		SET status = $3,
		    approved_at = COALESCE($4, approved_at),
		    starts_at = COALESCE($5, starts_at),
		    ends_at = COALESCE($6, ends_at),
		    rejection_reason = COALESCE($7, rejection_reason),
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+featuredColumns,
		id, from, t.To, t.ApprovedAt, t.StartsAt, t.EndsAt, t.RejectionReason,
	)
	req, err := scanFeaturedRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStaleState
		}
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("store: transition featured request: %w", err)
	}
	return req, nil
}

// ListFeaturedRequestsByStatus returns requests in status, oldest first.
func (s *Store) ListFeaturedRequestsByStatus(ctx context.Context, status models.FeaturedAdStatus, limit int) ([]models.FeaturedAdRequest, error) {
	return s.listFeatured(ctx, "list featured requests by status",
		`status = $1 ORDER BY requested_at ASC, id ASC LIMIT $2`, status, clampLimit(limit))
}

// ListFeaturedRequestsForUser returns a user's requests, newest first.
func (s *Store) ListFeaturedRequestsForUser(ctx context.Context, userID int64) ([]models.FeaturedAdRequest, error) {
	return s.listFeatured(ctx, "list featured requests for user",
		`user_id = $1 ORDER BY requested_at DESC, id DESC LIMIT $2`, userID, defaultPageSize)
}

// ListFeaturedDueForActivation returns approved requests whose start time
// is unset or has been reached.
func (s *Store) ListFeaturedDueForActivation(ctx context.Context, now time.Time, limit int) ([]models.FeaturedAdRequest, error) {
	return s.listFeatured(ctx, "list featured due for activation",
		`status = 'approved' AND (starts_at IS NULL OR starts_at <= $1) ORDER BY approved_at ASC, id ASC LIMIT $2`,
		now, clampLimit(limit))
}

// ListFeaturedDueForExpiry returns active requests whose end time has passed.
func (s *Store) ListFeaturedDueForExpiry(ctx context.Context, now time.Time, limit int) ([]models.FeaturedAdRequest, error) {
	return s.listFeatured(ctx, "list featured due for expiry",
		`status = 'active' AND ends_at <= $1 ORDER BY ends_at ASC, id ASC LIMIT $2`,
		now, clampLimit(limit))
}

// ActiveFeaturedRequestForListing returns the listing's active promotion.
func (s *Store) ActiveFeaturedRequestForListing(ctx context.Context, listingID int64) (*models.FeaturedAdRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+featuredColumns+` FROM featured_ad_requests WHERE listing_id = $1 AND status = 'active'`, listingID)
	req, err := scanFeaturedRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get active featured request: %w", err)
	}
	return req, nil
}
