package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mkowalski/marketpay/internal/money"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const allocationColumns = `id, payment_id, order_id, shipment_id, store_id, category_id,
	       gross_amount, seller_amount, shipping_amount, commission_amount, refunded_amount,
	       currency, state, items, dispute_window_until, dispute_open, dispute_reason,
	       disputed_at, eligible_at, released_at, refunded_at, payout_id, refund_id,
	       version, created_at, updated_at`

func (p *PostgresStore) CreatePayment(ctx context.Context, payment *Payment, allocations []*Allocation) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_payments (
			id, order_id, buyer_id, amount, currency, provider_ref,
			captured_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		payment.ID, payment.OrderID, payment.BuyerID, payment.Amount,
		string(payment.Currency), nullString(payment.ProviderRef),
		payment.CapturedAt, payment.CreatedAt, payment.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}

	for _, a := range allocations {
		items, err := marshalItems(a.Items)
		if err != nil {
			return fmt.Errorf("encode items for allocation %s: %w", a.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO escrow_allocations (
				id, payment_id, order_id, shipment_id, store_id, category_id,
				gross_amount, seller_amount, shipping_amount, commission_amount, refunded_amount,
				currency, state, items, dispute_window_until, dispute_open, dispute_reason,
				disputed_at, eligible_at, released_at, refunded_at, payout_id, refund_id,
				version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			          $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
			a.ID, a.PaymentID, a.OrderID, a.ShipmentID, a.StoreID, nullString(a.CategoryID),
			a.GrossAmount, a.SellerAmount, a.ShippingAmount, a.CommissionAmount, a.RefundedAmount,
			string(a.Currency), string(a.State), items, a.DisputeWindowUntil, a.DisputeOpen,
			nullString(a.DisputeReason), nullTime(a.DisputedAt), nullTime(a.EligibleAt),
			nullTime(a.ReleasedAt), nullTime(a.RefundedAt), nullString(a.PayoutID),
			nullString(a.RefundID), a.Version, a.CreatedAt, a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert allocation %s: %w", a.ID, err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, order_id, buyer_id, amount, currency, provider_ref,
		       captured_at, created_at, updated_at
		FROM escrow_payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (p *PostgresStore) GetPaymentByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, order_id, buyer_id, amount, currency, provider_ref,
		       captured_at, created_at, updated_at
		FROM escrow_payments WHERE order_id = $1`, orderID)
	return scanPayment(row)
}

func (p *PostgresStore) GetAllocation(ctx context.Context, id string) (*Allocation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM escrow_allocations WHERE id = $1`, id)
	a, err := scanAllocation(row)
	if err == sql.ErrNoRows {
		return nil, ErrAllocationNotFound
	}
	return a, err
}

func (p *PostgresStore) UpdateAllocation(ctx context.Context, a *Allocation) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_allocations SET
			gross_amount = $1, seller_amount = $2, shipping_amount = $3,
			commission_amount = $4, refunded_amount = $5, state = $6,
			dispute_open = $7, dispute_reason = $8, disputed_at = $9,
			eligible_at = $10, released_at = $11, refunded_at = $12,
			payout_id = $13, refund_id = $14, version = version + 1, updated_at = $15
		WHERE id = $16 AND version = $17`,
		a.GrossAmount, a.SellerAmount, a.ShippingAmount, a.CommissionAmount,
		a.RefundedAmount, string(a.State), a.DisputeOpen, nullString(a.DisputeReason),
		nullTime(a.DisputedAt), nullTime(a.EligibleAt), nullTime(a.ReleasedAt),
		nullTime(a.RefundedAt), nullString(a.PayoutID), nullString(a.RefundID),
		a.UpdatedAt, a.ID, a.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the row is gone or the version moved underneath us.
		if _, getErr := p.GetAllocation(ctx, a.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	a.Version++
	return nil
}

func (p *PostgresStore) ListAllocationsByPayment(ctx context.Context, paymentID string) ([]*Allocation, error) {
	return p.queryAllocations(ctx, `
		SELECT `+allocationColumns+`
		FROM escrow_allocations
		WHERE payment_id = $1
		ORDER BY created_at, id`, paymentID)
}

func (p *PostgresStore) ListAllocationsByStore(ctx context.Context, storeID string, limit int) ([]*Allocation, error) {
	return p.queryAllocations(ctx, `
		SELECT `+allocationColumns+`
		FROM escrow_allocations
		WHERE store_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, storeID, limit)
}

func (p *PostgresStore) ListHeldPastWindow(ctx context.Context, before time.Time, limit int) ([]*Allocation, error) {
	return p.queryAllocations(ctx, `
		SELECT `+allocationColumns+`
		FROM escrow_allocations
		WHERE state = 'held'
		  AND dispute_open = FALSE
		  AND dispute_window_until < $1
		ORDER BY dispute_window_until
		LIMIT $2`, before, limit)
}

func (p *PostgresStore) ListUnclaimedEligible(ctx context.Context, storeID string) ([]*Allocation, error) {
	return p.queryAllocations(ctx, `
		SELECT `+allocationColumns+`
		FROM escrow_allocations
		WHERE store_id = $1
		  AND state = 'eligible'
		  AND payout_id IS NULL
		  AND refund_id IS NULL
		ORDER BY created_at, id`, storeID)
}

func (p *PostgresStore) ListEligibleStores(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT store_id
		FROM escrow_allocations
		WHERE state = 'eligible' AND payout_id IS NULL AND refund_id IS NULL
		ORDER BY store_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var stores []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		stores = append(stores, id)
	}
	return stores, rows.Err()
}

func (p *PostgresStore) ListAllocationsByPayout(ctx context.Context, payoutID string) ([]*Allocation, error) {
	return p.queryAllocations(ctx, `
		SELECT `+allocationColumns+`
		FROM escrow_allocations
		WHERE payout_id = $1
		ORDER BY created_at, id`, payoutID)
}

func (p *PostgresStore) ListReleasedInPeriod(ctx context.Context, storeID string, from, to time.Time) ([]*Allocation, error) {
	return p.queryAllocations(ctx, `
		SELECT `+allocationColumns+`
		FROM escrow_allocations
		WHERE store_id = $1
		  AND state = 'released'
		  AND released_at >= $2 AND released_at < $3
		ORDER BY released_at, id`, storeID, from, to)
}

func (p *PostgresStore) ListEligibleInPeriod(ctx context.Context, storeID string, from, to time.Time) ([]*Allocation, error) {
	return p.queryAllocations(ctx, `
		SELECT `+allocationColumns+`
		FROM escrow_allocations
		WHERE store_id = $1
		  AND eligible_at >= $2 AND eligible_at < $3
		ORDER BY eligible_at, id`, storeID, from, to)
}

func (p *PostgresStore) ListStoresWithActivity(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT store_id
		FROM escrow_allocations
		WHERE eligible_at >= $1 AND eligible_at < $2
		ORDER BY store_id`, from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var stores []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		stores = append(stores, id)
	}
	return stores, rows.Err()
}

func (p *PostgresStore) SellerBalance(ctx context.Context, storeID string) (*Balance, error) {
	b := &Balance{StoreID: storeID}
	var currency sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(seller_amount + shipping_amount) FILTER (WHERE state = 'held'), 0),
			COALESCE(SUM(seller_amount + shipping_amount) FILTER (WHERE state = 'eligible'), 0),
			COALESCE(SUM(seller_amount + shipping_amount) FILTER (WHERE state = 'released'), 0),
			COALESCE(SUM(refunded_amount) FILTER (WHERE state = 'refunded'), 0),
			MAX(currency)
		FROM escrow_allocations
		WHERE store_id = $1`, storeID,
	).Scan(&b.Held, &b.Eligible, &b.Released, &b.Refunded, &currency)
	if err != nil {
		return nil, err
	}
	if currency.Valid {
		b.Currency = money.Currency(currency.String)
	}
	return b, nil
}

func (p *PostgresStore) queryAllocations(ctx context.Context, query string, args ...interface{}) ([]*Allocation, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*Payment, error) {
	p := &Payment{}
	var (
		currency    string
		providerRef sql.NullString
	)
	err := s.Scan(
		&p.ID, &p.OrderID, &p.BuyerID, &p.Amount, &currency, &providerRef,
		&p.CapturedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Currency = money.Currency(currency)
	p.ProviderRef = providerRef.String
	return p, nil
}

func scanAllocation(s scanner) (*Allocation, error) {
	a := &Allocation{}
	var (
		categoryID    sql.NullString
		currency      string
		state         string
		items         []byte
		disputeReason sql.NullString
		disputedAt    sql.NullTime
		eligibleAt    sql.NullTime
		releasedAt    sql.NullTime
		refundedAt    sql.NullTime
		payoutID      sql.NullString
		refundID      sql.NullString
	)

	err := s.Scan(
		&a.ID, &a.PaymentID, &a.OrderID, &a.ShipmentID, &a.StoreID, &categoryID,
		&a.GrossAmount, &a.SellerAmount, &a.ShippingAmount, &a.CommissionAmount, &a.RefundedAmount,
		&currency, &state, &items, &a.DisputeWindowUntil, &a.DisputeOpen, &disputeReason,
		&disputedAt, &eligibleAt, &releasedAt, &refundedAt, &payoutID, &refundID,
		&a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.CategoryID = categoryID.String
	a.Currency = money.Currency(currency)
	a.State = AllocationState(state)
	a.DisputeReason = disputeReason.String
	a.PayoutID = payoutID.String
	a.RefundID = refundID.String
	if len(items) > 0 {
		if err := json.Unmarshal(items, &a.Items); err != nil {
			return nil, fmt.Errorf("decode items for allocation %s: %w", a.ID, err)
		}
	}
	if disputedAt.Valid {
		a.DisputedAt = &disputedAt.Time
	}
	if eligibleAt.Valid {
		a.EligibleAt = &eligibleAt.Time
	}
	if releasedAt.Valid {
		a.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		a.RefundedAt = &refundedAt.Time
	}
	return a, nil
}

// marshalItems encodes the item breakdown for the JSONB column. Empty
// breakdowns are stored as NULL.
func marshalItems(items []Item) (interface{}, error) {
	if len(items) == 0 {
		return nil, nil
	}
	return json.Marshal(items)
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
