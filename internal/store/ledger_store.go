package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/classifieds/backend/internal/models"
)

const ledgerColumns = `id, user_id, gateway_payment_ref, amount, currency, status,
	description, payment_type, related_id, created_at, refunded_at`

func scanLedgerEntry(row interface{ Scan(...any) error }) (*models.LedgerEntry, error) {
	var (
		e           models.LedgerEntry
		description sql.NullString
		relatedID   sql.NullInt64
		refundedAt  sql.NullTime
	)
	if err := row.Scan(
		&e.ID, &e.UserID, &e.GatewayPaymentRef, &e.Amount, &e.Currency, &e.Status,
		&description, &e.PaymentType, &relatedID, &e.CreatedAt, &refundedAt,
	); err != nil {
		return nil, err
	}
	e.Description = nullStringPtr(description)
	if relatedID.Valid {
		id := relatedID.Int64
		e.RelatedID = &id
	}
	if refundedAt.Valid {
		t := refundedAt.Time
		e.RefundedAt = &t
	}
	return &e, nil
}

// InsertLedgerEntry appends a ledger row. When the gateway reference is
// already recorded, the existing row's id is returned with ErrDuplicateReference
// and nothing is written.
func (s *Store) InsertLedgerEntry(ctx context.Context, entry *models.LedgerEntry) (int64, error) {
	return insertLedgerEntry(ctx, s.db, entry)
}

func insertLedgerEntry(ctx context.Context, q queryer, entry *models.LedgerEntry) (int64, error) {
	query := `
		INSERT INTO payment_ledger (user_id, gateway_payment_ref, amount, currency, status,
			description, payment_type, related_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (gateway_payment_ref) DO NOTHING
		RETURNING id, created_at
	`

	err := q.QueryRowContext(ctx, query,
		entry.UserID,
		entry.GatewayPaymentRef,
		entry.Amount,
		entry.Currency,
		entry.Status,
		entry.Description,
		entry.PaymentType,
		entry.RelatedID,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err == nil {
		return entry.ID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: insert ledger entry: %w", err)
	}

	existing, err := ledgerEntryByRef(ctx, q, entry.GatewayPaymentRef)
	if err != nil {
		return 0, err
	}
	return existing.ID, ErrDuplicateReference
}

// GetLedgerEntry returns a ledger row by id.
func (s *Store) GetLedgerEntry(ctx context.Context, id int64) (*models.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM payment_ledger WHERE id = $1`, id)
	entry, err := scanLedgerEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get ledger entry: %w", err)
	}
	return entry, nil
}

// GetLedgerEntryByRef returns the ledger row for a gateway payment reference.
func (s *Store) GetLedgerEntryByRef(ctx context.Context, ref string) (*models.LedgerEntry, error) {
	return ledgerEntryByRef(ctx, s.db, ref)
}

func ledgerEntryByRef(ctx context.Context, q queryer, ref string) (*models.LedgerEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM payment_ledger WHERE gateway_payment_ref = $1`, ref)
	entry, err := scanLedgerEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get ledger entry by ref: %w", err)
	}
	return entry, nil
}

// MarkLedgerRefunded flips a succeeded entry to refunded. Entries in any other
// state are left untouched and reported as ErrStaleState.
func (s *Store) MarkLedgerRefunded(ctx context.Context, id int64, at time.Time) error {
	query := `
		UPDATE payment_ledger
		SET status = 'refunded', refunded_at = $2
		WHERE id = $1 AND status = 'succeeded'
	`

	res, err := s.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("store: mark ledger refunded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: mark ledger refunded: %w", err)
	}
	if n == 0 {
		return ErrStaleState
	}
	return nil
}

// ListLedgerEntries returns a user's payment history, newest first.
func (s *Store) ListLedgerEntries(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + `
		FROM payment_ledger
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan ledger entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}
