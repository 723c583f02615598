package refund

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mkowalski/marketpay/internal/money"
)

// PostgresStore persists refunds in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed refund store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const refundColumns = `id, order_id, payment_id, shipment_id, amount, currency, reason,
	       status, idempotency_key, provider_ref, initiator_id, initiator_type,
	       failure_reason, error_code, attempts, next_retry_at, processed_at,
	       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Refund, lines []*Line) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO refunds (
			id, order_id, payment_id, shipment_id, amount, currency, reason,
			status, idempotency_key, provider_ref, initiator_id, initiator_type,
			failure_reason, error_code, attempts, next_retry_at, processed_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		          $15, $16, $17, $18, $19)`,
		r.ID, r.OrderID, r.PaymentID, nullString(r.ShipmentID), r.Amount,
		string(r.Currency), nullString(r.Reason), string(r.Status), r.IdempotencyKey,
		nullString(r.ProviderRef), nullString(r.InitiatorID), nullString(r.InitiatorType),
		nullString(r.FailureReason), nullString(r.ErrorCode), r.Attempts,
		nullTime(r.NextRetryAt), nullTime(r.ProcessedAt), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert refund: %w", err)
	}

	for _, l := range lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO refund_lines (id, refund_id, allocation_id, amount, applied)
			VALUES ($1, $2, $3, $4, $5)`,
			l.ID, l.RefundID, l.AllocationID, l.Amount, l.Applied,
		)
		if err != nil {
			return fmt.Errorf("insert refund line %s: %w", l.ID, err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Refund, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id)
	return scanRefund(row)
}

func (p *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*Refund, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE idempotency_key = $1`, key)
	return scanRefund(row)
}

func (p *PostgresStore) Update(ctx context.Context, r *Refund) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE refunds SET
			status = $1, provider_ref = $2, failure_reason = $3, error_code = $4,
			attempts = $5, next_retry_at = $6, processed_at = $7, updated_at = $8
		WHERE id = $9`,
		string(r.Status), nullString(r.ProviderRef), nullString(r.FailureReason),
		nullString(r.ErrorCode), r.Attempts, nullTime(r.NextRetryAt),
		nullTime(r.ProcessedAt), r.UpdatedAt, r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRefundNotFound
	}
	return nil
}

func (p *PostgresStore) ListLines(ctx context.Context, refundID string) ([]*Line, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, refund_id, allocation_id, amount, applied
		FROM refund_lines
		WHERE refund_id = $1
		ORDER BY id`, refundID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Line
	for rows.Next() {
		l := &Line{}
		if err := rows.Scan(&l.ID, &l.RefundID, &l.AllocationID, &l.Amount, &l.Applied); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkLineApplied(ctx context.Context, lineID string) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE refund_lines SET applied = TRUE WHERE id = $1`, lineID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRefundNotFound
	}
	return nil
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Refund, error) {
	return p.queryRefunds(ctx, `
		SELECT `+refundColumns+`
		FROM refunds
		WHERE order_id = $1
		ORDER BY created_at`, orderID)
}

func (p *PostgresStore) ListDueRetries(ctx context.Context, before time.Time, limit int) ([]*Refund, error) {
	return p.queryRefunds(ctx, `
		SELECT `+refundColumns+`
		FROM refunds
		WHERE status = 'pending'
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at < $1
		ORDER BY next_retry_at
		LIMIT $2`, before, limit)
}

func (p *PostgresStore) ListFailed(ctx context.Context, limit int) ([]*Refund, error) {
	return p.queryRefunds(ctx, `
		SELECT `+refundColumns+`
		FROM refunds
		WHERE status = 'failed'
		ORDER BY created_at
		LIMIT $1`, limit)
}

func (p *PostgresStore) queryRefunds(ctx context.Context, query string, args ...interface{}) ([]*Refund, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRefund(s scanner) (*Refund, error) {
	r := &Refund{}
	var (
		shipmentID    sql.NullString
		currency      string
		reason        sql.NullString
		status        string
		providerRef   sql.NullString
		initiatorID   sql.NullString
		initiatorType sql.NullString
		failureReason sql.NullString
		errorCode     sql.NullString
		nextRetryAt   sql.NullTime
		processedAt   sql.NullTime
	)

	err := s.Scan(
		&r.ID, &r.OrderID, &r.PaymentID, &shipmentID, &r.Amount, &currency, &reason,
		&status, &r.IdempotencyKey, &providerRef, &initiatorID, &initiatorType,
		&failureReason, &errorCode, &r.Attempts, &nextRetryAt, &processedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRefundNotFound
	}
	if err != nil {
		return nil, err
	}

	r.ShipmentID = shipmentID.String
	r.Currency = money.Currency(currency)
	r.Reason = reason.String
	r.Status = Status(status)
	r.ProviderRef = providerRef.String
	r.InitiatorID = initiatorID.String
	r.InitiatorType = initiatorType.String
	r.FailureReason = failureReason.String
	r.ErrorCode = errorCode.String
	if nextRetryAt.Valid {
		r.NextRetryAt = &nextRetryAt.Time
	}
	if processedAt.Valid {
		r.ProcessedAt = &processedAt.Time
	}
	return r, nil
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
