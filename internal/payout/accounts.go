package payout

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// ErrNoAccount means the store has no payout destination registered.
var ErrNoAccount = errors.New("store has no payout account")

// AccountRegistry is an AccountDirectory that can also register accounts.
// Seller onboarding happens outside this service; operators register the
// resulting processor account references here.
type AccountRegistry interface {
	AccountDirectory
	Register(ctx context.Context, storeID, accountRef string) error
}

// MemoryDirectory is an in-memory account registry for development and tests.
type MemoryDirectory struct {
	mu       sync.RWMutex
	accounts map[string]string // store ID → processor account ref
}

// NewMemoryDirectory creates an empty account registry.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{accounts: make(map[string]string)}
}

// Register maps a store to its processor account reference.
func (d *MemoryDirectory) Register(ctx context.Context, storeID, accountRef string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[storeID] = accountRef
	return nil
}

// Destination returns the processor account for a store.
func (d *MemoryDirectory) Destination(ctx context.Context, storeID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ref, ok := d.accounts[storeID]
	if !ok {
		return "", ErrNoAccount
	}
	return ref, nil
}

// PostgresDirectory resolves payout accounts from the store_accounts table.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a PostgreSQL-backed account registry.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Register(ctx context.Context, storeID, accountRef string) error {
	now := time.Now()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO store_accounts (store_id, account_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (store_id) DO UPDATE SET account_ref = $2, updated_at = $3`,
		storeID, accountRef, now,
	)
	return err
}

func (d *PostgresDirectory) Destination(ctx context.Context, storeID string) (string, error) {
	var ref string
	err := d.db.QueryRowContext(ctx,
		`SELECT account_ref FROM store_accounts WHERE store_id = $1`, storeID,
	).Scan(&ref)
	if err == sql.ErrNoRows {
		return "", ErrNoAccount
	}
	if err != nil {
		return "", err
	}
	return ref, nil
}

// Compile-time assertions that both directories implement AccountRegistry.
var (
	_ AccountRegistry = (*MemoryDirectory)(nil)
	_ AccountRegistry = (*PostgresDirectory)(nil)
)
