// Package refund returns captured funds to buyers.
//
// A refund targets an order. The amount is split across the order's
// refundable allocations proportionally to what each still holds, the
// processor is called exactly once per refund thanks to idempotency keys,
// and the escrow allocations shrink (or flip to Refunded) on success.
// Transient processor failures are retried with exponential backoff.
package refund

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
	ErrRefundNotFound      = errors.New("refund not found")
	ErrNothingToRefund     = errors.New("order has no refundable funds")
	ErrInsufficientFunds   = errors.New("refund exceeds refundable balance")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")
	ErrNotRetryable        = errors.New("refund is not retryable")
	ErrUnknownItems        = errors.New("item IDs do not match the order's allocations")
	ErrNoProviderRef       = errors.New("refund never reached the provider")
)

// Status is the lifecycle state of a refund.
type Status string

const (
	StatusPending   Status = "pending"   // Created, processor not yet confirmed
	StatusCompleted Status = "completed" // Processor confirmed, escrow updated
	StatusFailed    Status = "failed"    // Rejected or retries exhausted
)

// Refund is a buyer refund against one order.
type Refund struct {
	ID             string         `json:"id"`
	OrderID        string         `json:"orderId"`
	PaymentID      string         `json:"paymentId"`
	ShipmentID     string         `json:"shipmentId,omitempty"` // empty means order-wide
	Amount         int64          `json:"amount"`               // minor units, gross
	Currency       money.Currency `json:"currency"`
	Reason         string         `json:"reason,omitempty"`
	Status         Status         `json:"status"`
	IdempotencyKey string         `json:"idempotencyKey"`
	ProviderRef    string         `json:"providerRef,omitempty"`
	InitiatorID    string         `json:"initiatorId,omitempty"`
	InitiatorType  string         `json:"initiatorType,omitempty"` // "buyer", "seller", "admin"
	FailureReason  string         `json:"failureReason,omitempty"`
	ErrorCode      string         `json:"errorCode,omitempty"`
	Attempts       int            `json:"attempts"`
	NextRetryAt    *time.Time     `json:"nextRetryAt,omitempty"`
	ProcessedAt    *time.Time     `json:"processedAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Line is the portion of a refund charged against one allocation.
type Line struct {
	ID           string `json:"id"`
	RefundID     string `json:"refundId"`
	AllocationID string `json:"allocationId"`
	Amount       int64  `json:"amount"` // minor units, gross
	Applied      bool   `json:"applied"`
}

// Store persists refunds.
type Store interface {
	// Create persists the refund and its lines atomically.
	Create(ctx context.Context, r *Refund, lines []*Line) error
	Get(ctx context.Context, id string) (*Refund, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Refund, error)
	Update(ctx context.Context, r *Refund) error
	ListLines(ctx context.Context, refundID string) ([]*Line, error)
	MarkLineApplied(ctx context.Context, lineID string) error
	ListByOrder(ctx context.Context, orderID string) ([]*Refund, error)
	// ListDueRetries returns pending refunds whose next retry time has passed.
	ListDueRetries(ctx context.Context, before time.Time, limit int) ([]*Refund, error)
	// ListFailed returns failed refunds awaiting manual action, oldest first.
	ListFailed(ctx context.Context, limit int) ([]*Refund, error)
}

// EscrowService is the slice of the escrow API the refund engine needs.
type EscrowService interface {
	GetPaymentByOrderID(ctx context.Context, orderID string) (*escrow.Payment, error)
	ListAllocationsByPayment(ctx context.Context, paymentID string) ([]*escrow.Allocation, error)
	ClaimForRefund(ctx context.Context, allocationID, refundID string) error
	ReleaseRefundClaim(ctx context.Context, allocationID, refundID string) error
	ApplyRefund(ctx context.Context, allocationID, refundID string, grossRefund int64) (*escrow.Allocation, error)
}

// Notifier emits refund lifecycle notifications.
type Notifier interface {
	RefundProcessed(ctx context.Context, r *Refund)
	RefundFailed(ctx context.Context, r *Refund)
}

// Request contains the parameters for requesting a refund. Amount, ItemIDs,
// or neither may be given: an explicit amount wins, item IDs compute a
// proportional amount, and neither means a full refund of whatever remains.
type Request struct {
	OrderID        string   `json:"orderId" binding:"required"`
	ShipmentID     string   `json:"shipmentId"` // restrict to one shipment
	Amount         string   `json:"amount"`     // decimal
	ItemIDs        []string `json:"itemIds"`
	Reason         string   `json:"reason"`
	InitiatorID    string   `json:"initiatorId"`
	InitiatorType  string   `json:"initiatorType"`
	IdempotencyKey string   `json:"idempotencyKey" binding:"required"`
}

// Service implements the refund engine.
type Service struct {
	store       Store
	escrows     EscrowService
	processor   provider.RefundProvider
	notifier    Notifier
	maxAttempts int
	retryBase   time.Duration
	retryCap    time.Duration
}

// NewService creates a refund service.
func NewService(store Store, escrows EscrowService, processor provider.RefundProvider, notifier Notifier, maxAttempts int, retryBase, retryCap time.Duration) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{
		store:       store,
		escrows:     escrows,
		processor:   processor,
		notifier:    notifier,
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		retryCap:    retryCap,
	}
}

// Process executes a refund request. Requests carrying an already-seen
// idempotency key return the original refund without touching the processor.
func (s *Service) Process(ctx context.Context, req Request) (*Refund, error) {
	existing, err := s.store.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err == nil {
		if existing.OrderID != req.OrderID {
			return nil, ErrIdempotencyConflict
		}
		return existing, nil
	}
	if !errors.Is(err, ErrRefundNotFound) {
		return nil, err
	}

	payment, err := s.escrows.GetPaymentByOrderID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	refundable, available, err := s.refundableAllocations(ctx, payment.ID, req.ShipmentID)
	if err != nil {
		return nil, err
	}
	if available == 0 {
		return nil, ErrNothingToRefund
	}

	amount := available // full refund by default
	switch {
	case req.Amount != "":
		amount, err = money.Parse(req.Amount, payment.Currency)
		if err != nil {
			return nil, err
		}
		if amount <= 0 {
			return nil, money.ErrInvalidAmount
		}
	case len(req.ItemIDs) > 0:
		amount, err = amountForItems(refundable, req.ItemIDs)
		if err != nil {
			return nil, err
		}
	}
	if amount > available {
		return nil, fmt.Errorf("%w: requested %s, refundable %s",
			ErrInsufficientFunds,
			money.Format(amount, payment.Currency),
			money.Format(available, payment.Currency))
	}

	// Split across allocations proportionally to their remaining gross.
	weights := make([]int64, len(refundable))
	for i, a := range refundable {
		weights[i] = a.GrossAmount
	}
	parts := money.SplitProportional(amount, weights)

	now := time.Now()
	r := &Refund{
		ID:             idgen.WithPrefix("ref_"),
		OrderID:        req.OrderID,
		PaymentID:      payment.ID,
		ShipmentID:     req.ShipmentID,
		Amount:         amount,
		Currency:       payment.Currency,
		Reason:         req.Reason,
		Status:         StatusPending,
		IdempotencyKey: req.IdempotencyKey,
		InitiatorID:    req.InitiatorID,
		InitiatorType:  req.InitiatorType,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var lines []*Line
	for i, a := range refundable {
		if parts[i] == 0 {
			continue
		}
		lines = append(lines, &Line{
			ID:           idgen.WithPrefix("rfl_"),
			RefundID:     r.ID,
			AllocationID: a.ID,
			Amount:       parts[i],
		})
	}

	// Reserve the allocations before the processor sees anything, so a
	// concurrent payout run cannot claim funds this refund is returning.
	if err := s.claimLines(ctx, r.ID, lines); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, r, lines); err != nil {
		s.releaseLines(ctx, r.ID, lines)
		return nil, fmt.Errorf("persist refund: %w", err)
	}

	return s.execute(ctx, r, payment.ProviderRef)
}

// refundableAllocations returns the allocations of a payment a new refund
// may draw on, optionally restricted to one shipment.
func (s *Service) refundableAllocations(ctx context.Context, paymentID, shipmentID string) ([]*escrow.Allocation, int64, error) {
	allocations, err := s.escrows.ListAllocationsByPayment(ctx, paymentID)
	if err != nil {
		return nil, 0, err
	}

	// Only unclaimed Held and Eligible allocations can absorb a refund.
	var refundable []*escrow.Allocation
	var available int64
	for _, a := range allocations {
		if shipmentID != "" && a.ShipmentID != shipmentID {
			continue
		}
		if a.Refundable() && a.PayoutID == "" && a.RefundID == "" {
			refundable = append(refundable, a)
			available += a.GrossAmount
		}
	}
	return refundable, available, nil
}

// amountForItems sums the original prices of the selected items, capped per
// allocation at what it still holds. Every item ID must belong to one of the
// allocations.
func amountForItems(refundable []*escrow.Allocation, itemIDs []string) (int64, error) {
	wanted := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		wanted[id] = true
	}

	var amount int64
	for _, a := range refundable {
		var selected int64
		for _, it := range a.Items {
			if wanted[it.ItemID] {
				selected += it.Amount
				delete(wanted, it.ItemID)
			}
		}
		if selected > a.GrossAmount {
			selected = a.GrossAmount
		}
		amount += selected
	}
	if len(wanted) > 0 {
		return 0, ErrUnknownItems
	}
	if amount == 0 {
		return 0, money.ErrInvalidAmount
	}
	return amount, nil
}

// claimLines reserves every line's allocation for the refund. On failure the
// claims taken so far are rolled back.
func (s *Service) claimLines(ctx context.Context, refundID string, lines []*Line) error {
	for i, line := range lines {
		if err := s.escrows.ClaimForRefund(ctx, line.AllocationID, refundID); err != nil {
			s.releaseLines(ctx, refundID, lines[:i])
			return fmt.Errorf("claim allocation %s: %w", line.AllocationID, err)
		}
	}
	return nil
}

// releaseLines drops the refund's claims on unapplied lines.
func (s *Service) releaseLines(ctx context.Context, refundID string, lines []*Line) {
	log := logging.L(ctx)
	for _, line := range lines {
		if line.Applied {
			continue
		}
		if err := s.escrows.ReleaseRefundClaim(ctx, line.AllocationID, refundID); err != nil {
			log.Error("release refund claim failed",
				"refundId", refundID, "allocationId", line.AllocationID, "error", err)
		}
	}
}

// Retry re-runs a refund that did not complete: either a pending one whose
// retry time has come, or a failed one an operator kicked manually. The
// processor sees the same idempotency key, so a refund that actually went
// through the first time is not duplicated.
func (s *Service) Retry(ctx context.Context, id string) (*Refund, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case r.Status == StatusPending && r.Attempts > 0:
		// Scheduled retry.
	case r.Status == StatusFailed:
		// Manual retry. The claims were dropped when the refund failed, so
		// take them again before touching the processor.
		lines, err := s.store.ListLines(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		var unapplied []*Line
		for _, line := range lines {
			if !line.Applied {
				unapplied = append(unapplied, line)
			}
		}
		if err := s.claimLines(ctx, r.ID, unapplied); err != nil {
			return nil, err
		}
		r.Status = StatusPending
		r.FailureReason = ""
		r.ErrorCode = ""
	default:
		return nil, ErrNotRetryable
	}

	payment, err := s.escrows.GetPaymentByOrderID(ctx, r.OrderID)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, r, payment.ProviderRef)
}

// execute calls the processor and settles the refund's fate.
func (s *Service) execute(ctx context.Context, r *Refund, paymentRef string) (*Refund, error) {
	log := logging.L(ctx)

	result, err := s.processor.Refund(ctx, provider.RefundRequest{
		PaymentRef:     paymentRef,
		Amount:         r.Amount,
		Currency:       r.Currency,
		IdempotencyKey: r.IdempotencyKey,
		Reason:         r.Reason,
	})

	now := time.Now()
	r.Attempts++
	r.UpdatedAt = now

	switch {
	case err == nil:
		r.ProviderRef = result.ProviderRef
		if applyErr := s.applyLines(ctx, r); applyErr != nil {
			// Funds are back with the buyer but escrow is stale. Keep the
			// refund pending so the retry sweep finishes the bookkeeping.
			delay := retry.NextDelay(s.retryBase, r.Attempts, s.retryCap)
			next := now.Add(delay)
			r.NextRetryAt = &next
			if updErr := s.store.Update(ctx, r); updErr != nil {
				return nil, updErr
			}
			log.Error("refund confirmed but escrow update failed",
				"refundId", r.ID, "error", applyErr)
			return r, nil
		}
		r.Status = StatusCompleted
		r.NextRetryAt = nil
		r.ProcessedAt = &now
		metrics.RefundsTotal.WithLabelValues(string(StatusCompleted)).Inc()
		if updErr := s.store.Update(ctx, r); updErr != nil {
			return nil, updErr
		}
		if s.notifier != nil {
			s.notifier.RefundProcessed(ctx, r)
		}
		return r, nil

	case errors.Is(err, provider.ErrUnavailable) && r.Attempts < s.maxAttempts:
		delay := retry.NextDelay(s.retryBase, r.Attempts, s.retryCap)
		next := now.Add(delay)
		r.NextRetryAt = &next
		if updErr := s.store.Update(ctx, r); updErr != nil {
			return nil, updErr
		}
		log.Warn("refund provider unavailable, will retry",
			"refundId", r.ID, "attempt", r.Attempts, "nextRetryAt", next)
		return r, nil

	default:
		// Rejected outright, or transient failures exhausted. Give the
		// reserved allocations back so payouts are not blocked while an
		// operator looks at the refund.
		r.Status = StatusFailed
		r.NextRetryAt = nil
		r.FailureReason = err.Error()
		if errors.Is(err, provider.ErrRejected) {
			r.ErrorCode = "rejected"
		} else {
			r.ErrorCode = "unavailable"
		}
		metrics.RefundsTotal.WithLabelValues(string(StatusFailed)).Inc()
		if updErr := s.store.Update(ctx, r); updErr != nil {
			return nil, updErr
		}
		if lines, linesErr := s.store.ListLines(ctx, r.ID); linesErr == nil {
			s.releaseLines(ctx, r.ID, lines)
		}
		log.Error("refund failed", "refundId", r.ID, "attempts", r.Attempts, "error", err)
		if s.notifier != nil {
			s.notifier.RefundFailed(ctx, r)
		}
		return r, nil
	}
}

// applyLines shrinks the escrow allocations covered by the refund. Lines
// already applied in a previous attempt are skipped.
func (s *Service) applyLines(ctx context.Context, r *Refund) error {
	lines, err := s.store.ListLines(ctx, r.ID)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if line.Applied {
			continue
		}
		if _, err := s.escrows.ApplyRefund(ctx, line.AllocationID, r.ID, line.Amount); err != nil {
			return fmt.Errorf("apply refund line %s: %w", line.ID, err)
		}
		if err := s.store.MarkLineApplied(ctx, line.ID); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a refund by ID.
func (s *Service) Get(ctx context.Context, id string) (*Refund, error) {
	return s.store.Get(ctx, id)
}

// ListByOrder returns refunds issued against an order.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]*Refund, error) {
	return s.store.ListByOrder(ctx, orderID)
}

// ListLines returns the per-allocation split of a refund.
func (s *Service) ListLines(ctx context.Context, refundID string) ([]*Line, error) {
	return s.store.ListLines(ctx, refundID)
}

// DueRetries returns pending refunds ready for another attempt.
func (s *Service) DueRetries(ctx context.Context, limit int) ([]*Refund, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListDueRetries(ctx, time.Now(), limit)
}

// ListFailed returns the operator queue of refunds needing manual action.
func (s *Service) ListFailed(ctx context.Context, limit int) ([]*Refund, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListFailed(ctx, limit)
}

// CalculateAmount computes what a refund of the given scope would return:
// everything still refundable on the order (or one shipment of it), or the
// original prices of the selected items.
func (s *Service) CalculateAmount(ctx context.Context, orderID, shipmentID string, itemIDs []string) (int64, money.Currency, error) {
	payment, err := s.escrows.GetPaymentByOrderID(ctx, orderID)
	if err != nil {
		return 0, "", err
	}

	refundable, available, err := s.refundableAllocations(ctx, payment.ID, shipmentID)
	if err != nil {
		return 0, "", err
	}
	if available == 0 {
		return 0, "", ErrNothingToRefund
	}
	if len(itemIDs) == 0 {
		return available, payment.Currency, nil
	}

	amount, err := amountForItems(refundable, itemIDs)
	if err != nil {
		return 0, "", err
	}
	if amount > available {
		amount = available
	}
	return amount, payment.Currency, nil
}

// ProviderStatus asks the processor for its current view of a refund.
func (s *Service) ProviderStatus(ctx context.Context, id string) (provider.RefundStatus, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if r.ProviderRef == "" {
		return "", fmt.Errorf("refund %s: %w", id, ErrNoProviderRef)
	}
	return s.processor.GetRefundStatus(ctx, r.ProviderRef)
}
