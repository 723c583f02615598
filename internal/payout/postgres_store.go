package payout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mkowalski/marketpay/internal/money"
)

// PostgresStore persists payouts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const payoutColumns = `id, store_id, destination, amount, currency, method, status,
	       provider_ref, failure_reason, attempts, next_retry_at,
	       scheduled_at, completed_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, payout *Payout, items []*LineItem) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payouts (
			id, store_id, destination, amount, currency, method, status,
			provider_ref, failure_reason, attempts, next_retry_at,
			scheduled_at, completed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		payout.ID, payout.StoreID, payout.Destination, payout.Amount,
		string(payout.Currency), payout.Method, string(payout.Status),
		nullString(payout.ProviderRef), nullString(payout.FailureReason),
		payout.Attempts, nullTime(payout.NextRetryAt),
		payout.ScheduledAt, nullTime(payout.CompletedAt), payout.CreatedAt, payout.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}

	for _, item := range items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payout_line_items (
				id, payout_id, allocation_id, order_id,
				seller_amount, shipping_amount, commission_amount
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			item.ID, item.PayoutID, item.AllocationID, item.OrderID,
			item.SellerAmount, item.ShippingAmount, item.CommissionAmount,
		)
		if err != nil {
			return fmt.Errorf("insert payout line item %s: %w", item.ID, err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payout, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
	return scanPayout(row)
}

func (p *PostgresStore) Update(ctx context.Context, payout *Payout) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payouts SET
			status = $1, provider_ref = $2, failure_reason = $3, attempts = $4,
			next_retry_at = $5, completed_at = $6, updated_at = $7
		WHERE id = $8`,
		string(payout.Status), nullString(payout.ProviderRef),
		nullString(payout.FailureReason), payout.Attempts,
		nullTime(payout.NextRetryAt), nullTime(payout.CompletedAt),
		payout.UpdatedAt, payout.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPayoutNotFound
	}
	return nil
}

func (p *PostgresStore) ListItems(ctx context.Context, payoutID string) ([]*LineItem, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, payout_id, allocation_id, order_id,
		       seller_amount, shipping_amount, commission_amount
		FROM payout_line_items
		WHERE payout_id = $1
		ORDER BY id`, payoutID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*LineItem
	for rows.Next() {
		item := &LineItem{}
		err := rows.Scan(&item.ID, &item.PayoutID, &item.AllocationID, &item.OrderID,
			&item.SellerAmount, &item.ShippingAmount, &item.CommissionAmount)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListByStore(ctx context.Context, storeID string, limit int) ([]*Payout, error) {
	return p.queryPayouts(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE store_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, storeID, limit)
}

func (p *PostgresStore) ListDueRetries(ctx context.Context, before time.Time, limit int) ([]*Payout, error) {
	return p.queryPayouts(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE status = 'scheduled'
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at < $1
		ORDER BY next_retry_at
		LIMIT $2`, before, limit)
}

func (p *PostgresStore) queryPayouts(ctx context.Context, query string, args ...interface{}) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Payout
	for rows.Next() {
		payout, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, payout)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayout(s scanner) (*Payout, error) {
	p := &Payout{}
	var (
		currency      string
		status        string
		providerRef   sql.NullString
		failureReason sql.NullString
		nextRetryAt   sql.NullTime
		completedAt   sql.NullTime
	)

	err := s.Scan(
		&p.ID, &p.StoreID, &p.Destination, &p.Amount, &currency, &p.Method, &status,
		&providerRef, &failureReason, &p.Attempts, &nextRetryAt,
		&p.ScheduledAt, &completedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}

	p.Currency = money.Currency(currency)
	p.Status = Status(status)
	p.ProviderRef = providerRef.String
	p.FailureReason = failureReason.String
	if nextRetryAt.Valid {
		p.NextRetryAt = &nextRetryAt.Time
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	return p, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
