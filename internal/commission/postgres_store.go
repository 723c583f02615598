package commission

import (
	"context"
	"database/sql"
	"time"

	"github.com/mkowalski/marketpay/internal/money"
)

// PostgresStore persists commission rules in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed rule store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ruleColumns = `id, rule_type, category_id, store_id, percent_bps, fixed_fee,
	       currency, effective_from, effective_to, enabled, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Rule) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO commission_rules (
			id, rule_type, category_id, store_id, percent_bps, fixed_fee,
			currency, effective_from, effective_to, enabled, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, string(r.Type), nullString(r.CategoryID), nullString(r.StoreID),
		r.PercentBps, r.FixedFee, string(r.Currency),
		r.EffectiveFrom, nullTime(r.EffectiveTo), r.Enabled, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM commission_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, ErrRuleNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Rule) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE commission_rules SET
			percent_bps = $1, fixed_fee = $2, effective_to = $3,
			enabled = $4, updated_at = $5
		WHERE id = $6`,
		r.PercentBps, r.FixedFee, nullTime(r.EffectiveTo), r.Enabled, r.UpdatedAt, r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Rule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM commission_rules
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

func (p *PostgresStore) ListActive(ctx context.Context, asOf time.Time) ([]*Rule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM commission_rules
		WHERE enabled = TRUE
		  AND effective_from <= $1
		  AND (effective_to IS NULL OR effective_to > $1)`, asOf)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

func (p *PostgresStore) FindConflicts(ctx context.Context, r *Rule) ([]*Rule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM commission_rules
		WHERE enabled = TRUE
		  AND id <> $1
		  AND rule_type = $2
		  AND COALESCE(category_id, '') = $3
		  AND COALESCE(store_id, '') = $4
		  AND effective_from < COALESCE($6, 'infinity'::timestamptz)
		  AND COALESCE(effective_to, 'infinity'::timestamptz) > $5`,
		r.ID, string(r.Type), r.CategoryID, r.StoreID,
		r.EffectiveFrom, nullTime(r.EffectiveTo),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(s scanner) (*Rule, error) {
	r := &Rule{}
	var (
		ruleType    string
		categoryID  sql.NullString
		storeID     sql.NullString
		currency    string
		effectiveTo sql.NullTime
	)

	err := s.Scan(
		&r.ID, &ruleType, &categoryID, &storeID, &r.PercentBps, &r.FixedFee,
		&currency, &r.EffectiveFrom, &effectiveTo, &r.Enabled, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Type = RuleType(ruleType)
	r.CategoryID = categoryID.String
	r.StoreID = storeID.String
	r.Currency = money.Currency(currency)
	if effectiveTo.Valid {
		r.EffectiveTo = &effectiveTo.Time
	}
	return r, nil
}

func scanRules(rows *sql.Rows) ([]*Rule, error) {
	var result []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
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
