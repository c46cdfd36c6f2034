package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/PortNumber53/classifieds/backend/internal/models"
)

const subscriptionColumns = `id, user_id, plan_id, gateway_customer_ref, gateway_subscription_ref,
	status, current_period_start, current_period_end, canceled_at, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*models.Subscription, error) {
	var (
		sub         models.Subscription
		customerRef sql.NullString
		subRef      sql.NullString
		canceledAt  sql.NullTime
	)
	if err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &customerRef, &subRef,
		&sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&canceledAt, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.GatewayCustomerRef = nullStringPtr(customerRef)
	sub.GatewaySubscriptionRef = nullStringPtr(subRef)
	if canceledAt.Valid {
		t := canceledAt.Time
		sub.CanceledAt = &t
	}
	return &sub, nil
}

func subscriptionByID(ctx context.Context, q queryer, id int64) (*models.Subscription, error) {
	row := q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get subscription: %w", err)
	}
	return sub, nil
}

// relatedForRef looks up the entity a previously recorded payment belongs to.
// It returns ErrNotFound when the reference has not been recorded yet.
func relatedForRef(ctx context.Context, q queryer, ref string) (int64, error) {
	var relatedID sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT related_id FROM payment_ledger WHERE gateway_payment_ref = $1`, ref,
	).Scan(&relatedID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("store: lookup payment ref: %w", err)
	}
	if !relatedID.Valid {
		return 0, ErrDuplicateReference
	}
	return relatedID.Int64, nil
}

// CreateSubscriptionWithPayment supersedes the user's active subscription,
// inserts sub as the new active one and records entry in the ledger, all in
// one transaction.
//
// If entry's gateway reference is already in the ledger, nothing is written
// and the subscription that payment created is returned together with
// ErrDuplicateReference. A concurrent subscribe that wins the active-row
// index yields ErrConflict.
func (s *Store) CreateSubscriptionWithPayment(ctx context.Context, sub *models.Subscription, entry *models.LedgerEntry) (*models.Subscription, error) {
	var (
		created  *models.Subscription
		existing *models.Subscription
	)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		relatedID, err := relatedForRef(ctx, tx, entry.GatewayPaymentRef)
		switch {
		case err == nil:
			existing, err = subscriptionByID(ctx, tx, relatedID)
			if err != nil {
				return err
			}
			return ErrDuplicateReference
		case !errors.Is(err, ErrNotFound):
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE subscriptions
			SET status = 'canceled', canceled_at = $2, updated_at = NOW()
			WHERE user_id = $1 AND status = 'active'
		`, sub.UserID, sub.CurrentPeriodStart); err != nil {
			return fmt.Errorf("store: supersede subscription: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO subscriptions (user_id, plan_id, gateway_customer_ref, gateway_subscription_ref,
				status, current_period_start, current_period_end)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+subscriptionColumns,
			sub.UserID, sub.PlanID, sub.GatewayCustomerRef, sub.GatewaySubscriptionRef,
			sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		)
		created, err = scanSubscription(row)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("store: insert subscription: %w", err)
		}

		entry.UserID = created.UserID
		entry.RelatedID = &created.ID
		if _, err := insertLedgerEntry(ctx, tx, entry); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateReference) && existing != nil {
			return existing, ErrDuplicateReference
		}
		if errors.Is(err, ErrDuplicateReference) || errors.Is(err, ErrConflict) {
			// A concurrent request carrying the same payment may have
			// committed first; hand back what it stored.
			if winner, rerr := s.subscriptionForRef(ctx, entry.GatewayPaymentRef); rerr == nil {
				return winner, ErrDuplicateReference
			}
		}
		return nil, err
	}
	return created, nil
}

// subscriptionForRef returns the subscription a recorded payment belongs to.
func (s *Store) subscriptionForRef(ctx context.Context, ref string) (*models.Subscription, error) {
	relatedID, err := relatedForRef(ctx, s.db, ref)
	if err != nil {
		return nil, err
	}
	return subscriptionByID(ctx, s.db, relatedID)
}

// RenewSubscriptionWithPayment moves the subscription's period forward to
// [periodStart, periodEnd), marks it active and records entry, in one
// transaction. A replayed gateway reference, including one recorded by a
// concurrent transaction, returns the current row with ErrDuplicateReference.
func (s *Store) RenewSubscriptionWithPayment(ctx context.Context, id int64, periodStart, periodEnd time.Time, entry *models.LedgerEntry) (*models.Subscription, error) {
	var renewed, replayed *models.Subscription

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := relatedForRef(ctx, tx, entry.GatewayPaymentRef); err == nil {
			current, err := subscriptionByID(ctx, tx, id)
			if err != nil {
				return err
			}
			replayed = current
			return ErrDuplicateReference
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		row := tx.QueryRowContext(ctx, `
			UPDATE subscriptions
			SET status = 'active', current_period_start = $2, current_period_end = $3, updated_at = NOW()
			WHERE id = $1 AND status IN ('active', 'past_due')
			RETURNING `+subscriptionColumns,
			id, periodStart, periodEnd,
		)
		var err error
		renewed, err = scanSubscription(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrStaleState
			}
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("store: renew subscription: %w", err)
		}

		entry.UserID = renewed.UserID
		entry.RelatedID = &renewed.ID
		_, err = insertLedgerEntry(ctx, tx, entry)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateReference) && replayed != nil {
			return replayed, ErrDuplicateReference
		}
		if errors.Is(err, ErrDuplicateReference) {
			// The ledger insert lost a race with a concurrent renewal of
			// the same payment. The update above was rolled back, so read
			// the row the winner committed.
			current, rerr := subscriptionByID(ctx, s.db, id)
			if rerr != nil {
				return nil, rerr
			}
			return current, ErrDuplicateReference
		}
		return nil, err
	}
	return renewed, nil
}

// GetSubscription returns a subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	return subscriptionByID(ctx, s.db, id)
}

// GetActiveSubscription returns the user's single active subscription.
func (s *Store) GetActiveSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 AND status = 'active'`, userID)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get active subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptionsDueForRenewal returns active subscriptions whose period
// ended at or before now.
func (s *Store) ListSubscriptionsDueForRenewal(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = 'active' AND current_period_end <= $1
		ORDER BY current_period_end ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, now, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list due subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// ListSubscriptionsPastDueBefore returns past_due subscriptions whose unpaid
// period ended at or before cutoff.
func (s *Store) ListSubscriptionsPastDueBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = 'past_due' AND current_period_end <= $1
		ORDER BY current_period_end ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, cutoff, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list past due subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// UpdateSubscriptionStatus moves a subscription from one of the from states to
// the target status. canceledAt is only written when non-nil.
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, id int64, from []models.SubscriptionStatus, to models.SubscriptionStatus, canceledAt *time.Time) (*models.Subscription, error) {
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE subscriptions
		SET status = $2, canceled_at = COALESCE($3, canceled_at), updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+subscriptionColumns,
		id, to, canceledAt, pq.Array(allowed),
	)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStaleState
		}
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("store: update subscription status: %w", err)
	}
	return sub, nil
}
