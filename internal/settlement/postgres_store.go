package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mkowalski/marketpay/internal/money"
)

// PostgresStore persists settlements in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const settlementColumns = `id, store_id, period_start, period_end, currency,
	       gross_sales, commission_total, net_payable, refunded_total, released_total,
	       allocation_count, status, issued_at, paid_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Settlement, invoice *CommissionInvoice) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO settlements (
			id, store_id, period_start, period_end, currency,
			gross_sales, commission_total, net_payable, refunded_total, released_total,
			allocation_count, status, issued_at, paid_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		s.ID, s.StoreID, s.PeriodStart, s.PeriodEnd, string(s.Currency),
		s.GrossSales, s.CommissionTotal, s.NetPayable, s.RefundedTotal, s.ReleasedTotal,
		s.AllocationCount, string(s.Status), nullTime(s.IssuedAt), nullTime(s.PaidAt),
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}

	if invoice != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO commission_invoices (
				id, settlement_id, store_id, amount, currency, issued_at, paid_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			invoice.ID, invoice.SettlementID, invoice.StoreID,
			invoice.Amount, string(invoice.Currency), invoice.IssuedAt, nullTime(invoice.PaidAt),
		)
		if err != nil {
			return fmt.Errorf("insert commission invoice: %w", err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Settlement, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = $1`, id)
	return scanSettlement(row)
}

func (p *PostgresStore) GetByPeriod(ctx context.Context, storeID string, periodStart time.Time) (*Settlement, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE store_id = $1 AND period_start = $2`, storeID, periodStart)
	return scanSettlement(row)
}

func (p *PostgresStore) Update(ctx context.Context, s *Settlement) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE settlements SET
			status = $1, issued_at = $2, paid_at = $3, updated_at = $4
		WHERE id = $5`,
		string(s.Status), nullTime(s.IssuedAt), nullTime(s.PaidAt), s.UpdatedAt, s.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSettlementNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStore(ctx context.Context, storeID string, limit int) ([]*Settlement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE store_id = $1
		ORDER BY period_start DESC
		LIMIT $2`, storeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetInvoice(ctx context.Context, settlementID string) (*CommissionInvoice, error) {
	inv := &CommissionInvoice{}
	var (
		currency string
		paidAt   sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, settlement_id, store_id, amount, currency, issued_at, paid_at
		FROM commission_invoices
		WHERE settlement_id = $1`, settlementID,
	).Scan(&inv.ID, &inv.SettlementID, &inv.StoreID, &inv.Amount, &currency, &inv.IssuedAt, &paidAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.Currency = money.Currency(currency)
	if paidAt.Valid {
		inv.PaidAt = &paidAt.Time
	}
	return inv, nil
}

func (p *PostgresStore) UpdateInvoice(ctx context.Context, inv *CommissionInvoice) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE commission_invoices SET paid_at = $1 WHERE settlement_id = $2`,
		nullTime(inv.PaidAt), inv.SettlementID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (p *PostgresStore) CreateCreditNote(ctx context.Context, note *CreditNote) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credit_notes (id, settlement_id, store_id, amount, currency, reason, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		note.ID, note.SettlementID, note.StoreID, note.Amount,
		string(note.Currency), note.Reason, note.IssuedAt,
	)
	return err
}

func (p *PostgresStore) ListCreditNotes(ctx context.Context, settlementID string) ([]*CreditNote, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, settlement_id, store_id, amount, currency, reason, issued_at
		FROM credit_notes
		WHERE settlement_id = $1
		ORDER BY issued_at`, settlementID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*CreditNote
	for rows.Next() {
		n := &CreditNote{}
		var currency string
		if err := rows.Scan(&n.ID, &n.SettlementID, &n.StoreID, &n.Amount, &currency, &n.Reason, &n.IssuedAt); err != nil {
			return nil, err
		}
		n.Currency = money.Currency(currency)
		out = append(out, n)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSettlement(s scanner) (*Settlement, error) {
	st := &Settlement{}
	var (
		currency string
		status   string
		issuedAt sql.NullTime
		paidAt   sql.NullTime
	)

	err := s.Scan(
		&st.ID, &st.StoreID, &st.PeriodStart, &st.PeriodEnd, &currency,
		&st.GrossSales, &st.CommissionTotal, &st.NetPayable, &st.RefundedTotal, &st.ReleasedTotal,
		&st.AllocationCount, &status, &issuedAt, &paidAt, &st.CreatedAt, &st.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSettlementNotFound
	}
	if err != nil {
		return nil, err
	}

	st.Currency = money.Currency(currency)
	st.Status = Status(status)
	if issuedAt.Valid {
		st.IssuedAt = &issuedAt.Time
	}
	if paidAt.Valid {
		st.PaidAt = &paidAt.Time
	}
	return st, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
