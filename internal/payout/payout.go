// Package payout transfers eligible escrow funds to sellers.
//
// A payout freezes its line items at scheduling time: the attached
// allocations and amounts never change afterwards, even across retries.
// The processor sees one stable idempotency reference per payout, transient
// failures back off exponentially, and a payout that exhausts its retries
// is failed for good, returning its allocations to the eligible pool.
package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mkowalski/marketpay/internal/escrow"
	"github.com/mkowalski/marketpay/internal/idgen"
	"github.com/mkowalski/marketpay/internal/logging"
	"github.com/mkowalski/marketpay/internal/metrics"
	"github.com/mkowalski/marketpay/internal/money"
	"github.com/mkowalski/marketpay/internal/provider"
	"github.com/mkowalski/marketpay/internal/retry"
)

var (
	ErrPayoutNotFound  = errors.New("payout not found")
	ErrNothingToPayout = errors.New("store has no eligible funds")
	ErrNotExecutable   = errors.New("payout is not in an executable state")
)

// Status is the lifecycle state of a payout.
type Status string

const (
	StatusScheduled Status = "scheduled" // Line items frozen, awaiting transfer
	StatusCompleted Status = "completed" // Processor confirmed the transfer
	StatusFailed    Status = "failed"    // Rejected or retries exhausted
)

// Payout is one transfer of escrowed funds to a seller.
type Payout struct {
	ID            string         `json:"id"`
	StoreID       string         `json:"storeId"`
	Destination   string         `json:"destination"`
	Amount        int64          `json:"amount"` // minor units, net of commission
	Currency      money.Currency `json:"currency"`
	Method        string         `json:"method"`
	Status        Status         `json:"status"`
	ProviderRef   string         `json:"providerRef,omitempty"`
	FailureReason string         `json:"failureReason,omitempty"`
	Attempts      int            `json:"attempts"`
	NextRetryAt   *time.Time     `json:"nextRetryAt,omitempty"`
	ScheduledAt   time.Time      `json:"scheduledAt"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// LineItem is one allocation's contribution to a payout, frozen at
// scheduling time. Seller plus shipping is what the transfer carries;
// commission is recorded for settlement statements.
type LineItem struct {
	ID               string `json:"id"`
	PayoutID         string `json:"payoutId"`
	AllocationID     string `json:"allocationId"`
	OrderID          string `json:"orderId"`
	SellerAmount     int64  `json:"sellerAmount"`
	ShippingAmount   int64  `json:"shippingAmount"`
	CommissionAmount int64  `json:"commissionAmount"`
}

// Payable is the line's share of the transfer amount.
func (li *LineItem) Payable() int64 {
	return li.SellerAmount + li.ShippingAmount
}

// Store persists payouts.
type Store interface {
	// Create persists the payout and its line items atomically.
	Create(ctx context.Context, p *Payout, items []*LineItem) error
	Get(ctx context.Context, id string) (*Payout, error)
	Update(ctx context.Context, p *Payout) error
	ListItems(ctx context.Context, payoutID string) ([]*LineItem, error)
	ListByStore(ctx context.Context, storeID string, limit int) ([]*Payout, error)
	// ListDueRetries returns scheduled payouts whose next retry time passed.
	ListDueRetries(ctx context.Context, before time.Time, limit int) ([]*Payout, error)
}

// EscrowService is the slice of the escrow API the payout engine needs.
type EscrowService interface {
	ClaimForPayout(ctx context.Context, storeID, payoutID string) ([]*escrow.Allocation, error)
	ReleaseForPayout(ctx context.Context, payoutID string) error
	DetachFromPayout(ctx context.Context, payoutID string) error
	ListEligibleStores(ctx context.Context) ([]string, error)
}

// AccountDirectory resolves a store's payout destination with the processor.
type AccountDirectory interface {
	Destination(ctx context.Context, storeID string) (string, error)
}

// Notifier emits payout lifecycle notifications.
type Notifier interface {
	PayoutScheduled(ctx context.Context, p *Payout)
	PayoutCompleted(ctx context.Context, p *Payout)
	PayoutFailed(ctx context.Context, p *Payout)
}

// Service implements the payout scheduler.
type Service struct {
	store       Store
	escrows     EscrowService
	processor   provider.PayoutProvider
	accounts    AccountDirectory
	notifier    Notifier
	method      string
	maxAttempts int
	retryBase   time.Duration
	retryCap    time.Duration
}

// NewService creates a payout service.
func NewService(store Store, escrows EscrowService, processor provider.PayoutProvider, accounts AccountDirectory, notifier Notifier, method string, maxAttempts int, retryBase, retryCap time.Duration) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if method == "" {
		method = "standard"
	}
	return &Service{
		store:       store,
		escrows:     escrows,
		processor:   processor,
		accounts:    accounts,
		notifier:    notifier,
		method:      method,
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		retryCap:    retryCap,
	}
}

// ScheduleForStore claims every unclaimed eligible allocation of the store
// and freezes them into a new scheduled payout.
func (s *Service) ScheduleForStore(ctx context.Context, storeID string) (*Payout, error) {
	destination, err := s.accounts.Destination(ctx, storeID)
	if err != nil {
		return nil, fmt.Errorf("resolve payout destination for %s: %w", storeID, err)
	}

	payoutID := idgen.WithPrefix("pay_")
	claimed, err := s.escrows.ClaimForPayout(ctx, storeID, payoutID)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, ErrNothingToPayout
	}

	now := time.Now()
	p := &Payout{
		ID:          payoutID,
		StoreID:     storeID,
		Destination: destination,
		Currency:    claimed[0].Currency,
		Method:      s.method,
		Status:      StatusScheduled,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	items := make([]*LineItem, 0, len(claimed))
	for _, a := range claimed {
		p.Amount += a.Payable()
		items = append(items, &LineItem{
			ID:               idgen.WithPrefix("pli_"),
			PayoutID:         payoutID,
			AllocationID:     a.ID,
			OrderID:          a.OrderID,
			SellerAmount:     a.SellerAmount,
			ShippingAmount:   a.ShippingAmount,
			CommissionAmount: a.CommissionAmount,
		})
	}

	if err := s.store.Create(ctx, p, items); err != nil {
		// Roll the claim back so the allocations are not stranded.
		_ = s.escrows.DetachFromPayout(ctx, payoutID)
		return nil, fmt.Errorf("persist payout: %w", err)
	}

	metrics.PayoutsTotal.WithLabelValues(string(StatusScheduled)).Inc()
	if s.notifier != nil {
		s.notifier.PayoutScheduled(ctx, p)
	}
	return p, nil
}

// Execute runs a scheduled payout through the processor. Every attempt
// carries the payout ID as idempotency key, so the transfer happens at most
// once no matter how often this is called.
func (s *Service) Execute(ctx context.Context, id string) (*Payout, error) {
	log := logging.L(ctx)

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusScheduled {
		return nil, ErrNotExecutable
	}

	result, err := s.processor.Payout(ctx, provider.PayoutRequest{
		Destination:    p.Destination,
		Amount:         p.Amount,
		Currency:       p.Currency,
		IdempotencyKey: p.ID,
		Method:         p.Method,
		Description:    fmt.Sprintf("marketplace payout %s", p.ID),
	})

	now := time.Now()
	p.Attempts++
	p.UpdatedAt = now

	switch {
	case err == nil:
		// Release the allocations before persisting the completed status.
		// If we crash in between, the payout stays Scheduled and the next
		// retry re-runs both steps: the provider call is idempotent and
		// releasing already-released allocations is a no-op. The other
		// order would strand released funds as claimed-but-Eligible.
		if relErr := s.escrows.ReleaseForPayout(ctx, p.ID); relErr != nil {
			log.Error("payout transferred but allocation release failed",
				"payoutId", p.ID, "error", relErr)
			return nil, relErr
		}
		p.Status = StatusCompleted
		p.ProviderRef = result.ProviderRef
		p.NextRetryAt = nil
		p.CompletedAt = &now
		if updErr := s.store.Update(ctx, p); updErr != nil {
			return nil, updErr
		}
		metrics.PayoutsTotal.WithLabelValues(string(StatusCompleted)).Inc()
		if s.notifier != nil {
			s.notifier.PayoutCompleted(ctx, p)
		}
		return p, nil

	case errors.Is(err, provider.ErrUnavailable) && p.Attempts < s.maxAttempts:
		delay := retry.NextDelay(s.retryBase, p.Attempts, s.retryCap)
		next := now.Add(delay)
		p.NextRetryAt = &next
		if updErr := s.store.Update(ctx, p); updErr != nil {
			return nil, updErr
		}
		log.Warn("payout provider unavailable, will retry",
			"payoutId", p.ID, "attempt", p.Attempts, "nextRetryAt", next)
		return p, nil

	default:
		p.Status = StatusFailed
		p.NextRetryAt = nil
		p.FailureReason = err.Error()
		if updErr := s.store.Update(ctx, p); updErr != nil {
			return nil, updErr
		}
		// Free the funds for a future payout run.
		if detErr := s.escrows.DetachFromPayout(ctx, p.ID); detErr != nil {
			log.Error("failed to detach allocations from failed payout",
				"payoutId", p.ID, "error", detErr)
		}
		metrics.PayoutsTotal.WithLabelValues(string(StatusFailed)).Inc()
		if errors.Is(err, provider.ErrUnavailable) {
			metrics.PayoutRetryExhaustedTotal.Inc()
		}
		log.Error("payout failed", "payoutId", p.ID, "attempts", p.Attempts, "error", err)
		if s.notifier != nil {
			s.notifier.PayoutFailed(ctx, p)
		}
		return p, nil
	}
}

// RunOnce schedules and executes a payout for every store holding eligible
// funds. One payout per store per run.
func (s *Service) RunOnce(ctx context.Context) error {
	log := logging.L(ctx)

	stores, err := s.escrows.ListEligibleStores(ctx)
	if err != nil {
		return err
	}

	for _, storeID := range stores {
		p, err := s.ScheduleForStore(ctx, storeID)
		if err != nil {
			if errors.Is(err, ErrNothingToPayout) {
				continue
			}
			log.Warn("failed to schedule payout", "storeId", storeID, "error", err)
			continue
		}
		if _, err := s.Execute(ctx, p.ID); err != nil {
			log.Warn("failed to execute payout", "payoutId", p.ID, "error", err)
		}
	}
	return nil
}

// Get returns a payout by ID.
func (s *Service) Get(ctx context.Context, id string) (*Payout, error) {
	return s.store.Get(ctx, id)
}

// ListItems returns a payout's frozen line items.
func (s *Service) ListItems(ctx context.Context, payoutID string) ([]*LineItem, error) {
	return s.store.ListItems(ctx, payoutID)
}

// ListByStore returns recent payouts for a store.
func (s *Service) ListByStore(ctx context.Context, storeID string, limit int) ([]*Payout, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStore(ctx, storeID, limit)
}

// DueRetries returns scheduled payouts ready for another attempt.
func (s *Service) DueRetries(ctx context.Context, limit int) ([]*Payout, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListDueRetries(ctx, time.Now(), limit)
}
