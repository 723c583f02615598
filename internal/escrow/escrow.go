// Package escrow holds captured marketplace payments until sellers may be paid.
//
// Flow:
//  1. Buyer payment is captured → a Payment with per-line Allocations, all Held
//  2. Dispute window passes without a dispute → allocation becomes Eligible
//  3. Payout completes → allocation becomes Released
//  4. Refund before release → allocation becomes Refunded (or shrinks, if partial)
//
// Held and Eligible allocations can be refunded; Released ones cannot.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mkowalski/marketpay/internal/idgen"
	"github.com/mkowalski/marketpay/internal/metrics"
	"github.com/mkowalski/marketpay/internal/money"
	"github.com/mkowalski/marketpay/internal/provider"
)

var (
	ErrPaymentNotFound     = errors.New("escrow payment not found")
	ErrAllocationNotFound  = errors.New("escrow allocation not found")
	ErrInvalidTransition   = errors.New("invalid allocation state transition")
	ErrDisputeOpen         = errors.New("allocation has an open dispute")
	ErrNoDispute           = errors.New("allocation has no open dispute")
	ErrAllocationClaimed   = errors.New("allocation is claimed by a payout or refund")
	ErrVersionConflict     = errors.New("allocation was modified concurrently")
	ErrAmountMismatch      = errors.New("shipment amounts do not sum to the payment amount")
	ErrPaymentNotConfirmed = errors.New("provider has not confirmed the payment")
)

// AllocationState is the lifecycle state of an escrow allocation.
type AllocationState string

const (
	StateHeld     AllocationState = "held"     // Captured, dispute window open
	StateEligible AllocationState = "eligible" // Window passed, awaiting payout
	StateReleased AllocationState = "released" // Paid out to the seller
	StateRefunded AllocationState = "refunded" // Returned to the buyer in full
)

// validTransitions encodes the allocation state machine.
var validTransitions = map[AllocationState][]AllocationState{
	StateHeld:     {StateEligible, StateRefunded},
	StateEligible: {StateReleased, StateRefunded},
}

// canTransition reports whether from → to is a legal state change.
func canTransition(from, to AllocationState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Payment is a captured buyer payment for one order.
type Payment struct {
	ID          string         `json:"id"`
	OrderID     string         `json:"orderId"`
	BuyerID     string         `json:"buyerId"`
	Amount      int64          `json:"amount"` // minor units
	Currency    money.Currency `json:"currency"`
	ProviderRef string         `json:"providerRef,omitempty"`
	CapturedAt  time.Time      `json:"capturedAt"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Item is one order line inside a shipment, kept for item-level refunds.
type Item struct {
	ItemID string `json:"itemId"`
	Amount int64  `json:"amount"` // minor units
}

// Allocation is one seller's share of a captured payment, per shipment.
// GrossAmount always equals SellerAmount + ShippingAmount + CommissionAmount.
type Allocation struct {
	ID                 string          `json:"id"`
	PaymentID          string          `json:"paymentId"`
	OrderID            string          `json:"orderId"`
	ShipmentID         string          `json:"shipmentId"`
	StoreID            string          `json:"storeId"`
	CategoryID         string          `json:"categoryId,omitempty"`
	GrossAmount        int64           `json:"grossAmount"`
	SellerAmount       int64           `json:"sellerAmount"`
	ShippingAmount     int64           `json:"shippingAmount"`
	CommissionAmount   int64           `json:"commissionAmount"`
	RefundedAmount     int64           `json:"refundedAmount"`
	Currency           money.Currency  `json:"currency"`
	State              AllocationState `json:"state"`
	Items              []Item          `json:"items,omitempty"`
	DisputeWindowUntil time.Time       `json:"disputeWindowUntil"`
	DisputeOpen        bool            `json:"disputeOpen"`
	DisputeReason      string          `json:"disputeReason,omitempty"`
	DisputedAt         *time.Time      `json:"disputedAt,omitempty"`
	EligibleAt         *time.Time      `json:"eligibleAt,omitempty"`
	ReleasedAt         *time.Time      `json:"releasedAt,omitempty"`
	RefundedAt         *time.Time      `json:"refundedAt,omitempty"`
	PayoutID           string          `json:"payoutId,omitempty"`
	RefundID           string          `json:"refundId,omitempty"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if the allocation is in a final state.
func (a *Allocation) IsTerminal() bool {
	switch a.State {
	case StateReleased, StateRefunded:
		return true
	}
	return false
}

// Refundable reports whether a refund may still touch this allocation.
func (a *Allocation) Refundable() bool {
	return a.State == StateHeld || a.State == StateEligible
}

// Payable is what the seller receives when the allocation is released.
func (a *Allocation) Payable() int64 {
	return a.SellerAmount + a.ShippingAmount
}

// Balance summarizes a store's funds per allocation state.
type Balance struct {
	StoreID  string         `json:"storeId"`
	Currency money.Currency `json:"currency"`
	Held     int64          `json:"held"`
	Eligible int64          `json:"eligible"`
	Released int64          `json:"released"`
	Refunded int64          `json:"refunded"`
}

// Store persists payments and allocations.
type Store interface {
	// CreatePayment persists the payment and its allocations atomically.
	CreatePayment(ctx context.Context, payment *Payment, allocations []*Allocation) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByOrderID(ctx context.Context, orderID string) (*Payment, error)

	GetAllocation(ctx context.Context, id string) (*Allocation, error)
	// UpdateAllocation writes the allocation if its version still matches,
	// bumping the version. Returns ErrVersionConflict on a lost race.
	UpdateAllocation(ctx context.Context, a *Allocation) error
	ListAllocationsByPayment(ctx context.Context, paymentID string) ([]*Allocation, error)
	ListAllocationsByStore(ctx context.Context, storeID string, limit int) ([]*Allocation, error)
	// ListHeldPastWindow returns Held allocations whose dispute window closed
	// before the given time and that have no open dispute.
	ListHeldPastWindow(ctx context.Context, before time.Time, limit int) ([]*Allocation, error)
	// ListUnclaimedEligible returns Eligible allocations for a store that are
	// not attached to any payout and not claimed by an in-flight refund.
	ListUnclaimedEligible(ctx context.Context, storeID string) ([]*Allocation, error)
	// ListEligibleStores returns store IDs holding at least one unclaimed
	// Eligible allocation.
	ListEligibleStores(ctx context.Context) ([]string, error)
	ListAllocationsByPayout(ctx context.Context, payoutID string) ([]*Allocation, error)
	// ListReleasedInPeriod returns allocations released within [from, to).
	ListReleasedInPeriod(ctx context.Context, storeID string, from, to time.Time) ([]*Allocation, error)
	// ListEligibleInPeriod returns allocations that first became eligible
	// within [from, to), regardless of their current state.
	ListEligibleInPeriod(ctx context.Context, storeID string, from, to time.Time) ([]*Allocation, error)
	// ListStoresWithActivity returns store IDs with allocations that became
	// eligible within [from, to).
	ListStoresWithActivity(ctx context.Context, from, to time.Time) ([]string, error)
	SellerBalance(ctx context.Context, storeID string) (*Balance, error)
}

// CommissionCalculator computes the platform fee for an order line.
type CommissionCalculator interface {
	Compute(ctx context.Context, amount int64, categoryID, storeID string, asOf time.Time) (int64, error)
}

// ItemInput is one order line inside a shipment.
type ItemInput struct {
	ItemID string `json:"itemId" binding:"required"`
	Amount string `json:"amount" binding:"required"` // decimal
}

// ShipmentInput is one shipment in a capture request. Amount is the gross
// for the shipment including shipping; ShippingAmount carves out the
// shipping portion ("0.00" or empty when the seller ships free).
type ShipmentInput struct {
	ShipmentID     string      `json:"shipmentId" binding:"required"`
	StoreID        string      `json:"storeId" binding:"required"`
	CategoryID     string      `json:"categoryId"`
	Amount         string      `json:"amount" binding:"required"` // decimal
	ShippingAmount string      `json:"shippingAmount"`            // decimal
	Items          []ItemInput `json:"items"`
}

// CaptureRequest contains the parameters for recording a captured payment.
type CaptureRequest struct {
	OrderID     string          `json:"orderId" binding:"required"`
	BuyerID     string          `json:"buyerId" binding:"required"`
	Amount      string          `json:"amount" binding:"required"` // decimal
	Currency    string          `json:"currency" binding:"required"`
	ProviderRef string          `json:"providerRef"`
	Shipments   []ShipmentInput `json:"shipments" binding:"required"`
}

// InitiateRequest contains the parameters for opening a payment with the
// provider before capture.
type InitiateRequest struct {
	OrderID  string `json:"orderId" binding:"required"`
	Amount   string `json:"amount" binding:"required"` // decimal
	Currency string `json:"currency" binding:"required"`
}

// DisputeRequest contains the parameters for opening a dispute.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Service implements escrow business logic.
type Service struct {
	store         Store
	commissions   CommissionCalculator
	payments      provider.PaymentProvider
	disputeWindow time.Duration
	locks         sync.Map // per-allocation ID locks
}

// NewService creates a new escrow service.
func NewService(store Store, commissions CommissionCalculator, payments provider.PaymentProvider, disputeWindow time.Duration) *Service {
	return &Service{
		store:         store,
		commissions:   commissions,
		payments:      payments,
		disputeWindow: disputeWindow,
	}
}

// allocationLock returns a mutex for the given allocation ID.
// This prevents concurrent state transitions (e.g. refund + eligibility sweep racing).
func (s *Service) allocationLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Initiate opens a payment with the provider for an order. The returned
// reference is what Capture later confirms before any funds enter escrow.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*provider.PaymentResult, error) {
	cur := money.Currency(req.Currency)
	if !cur.Valid() {
		return nil, fmt.Errorf("%w: unknown currency %q", money.ErrInvalidAmount, req.Currency)
	}
	amount, err := money.Parse(req.Amount, cur)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, money.ErrInvalidAmount
	}

	res, err := s.payments.InitiatePayment(ctx, provider.PaymentRequest{
		Amount:         amount,
		Currency:       cur,
		OrderID:        req.OrderID,
		IdempotencyKey: "pay_" + req.OrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("initiate payment for order %s: %w", req.OrderID, err)
	}
	return res, nil
}

// Capture records a captured buyer payment and creates Held allocations for
// each shipment. The provider must confirm the referenced payment completed
// before anything is persisted. Commission is computed on the shipment gross
// at capture time and frozen; the seller keeps gross minus commission minus
// shipping, plus the shipping amount passed through untouched. The shipment
// amounts must sum exactly to the payment amount.
func (s *Service) Capture(ctx context.Context, req CaptureRequest) (*Payment, []*Allocation, error) {
	cur := money.Currency(req.Currency)
	if !cur.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown currency %q", money.ErrInvalidAmount, req.Currency)
	}

	total, err := money.Parse(req.Amount, cur)
	if err != nil {
		return nil, nil, err
	}
	if total <= 0 || len(req.Shipments) == 0 {
		return nil, nil, money.ErrInvalidAmount
	}

	if req.ProviderRef != "" {
		status, err := s.payments.ConfirmPayment(ctx, req.ProviderRef)
		if err != nil {
			return nil, nil, fmt.Errorf("confirm payment %s: %w", req.ProviderRef, err)
		}
		if status != provider.PaymentCompleted {
			return nil, nil, fmt.Errorf("%w: provider reports %s", ErrPaymentNotConfirmed, status)
		}
	}

	now := time.Now()
	payment := &Payment{
		ID:          idgen.WithPrefix("esc_"),
		OrderID:     req.OrderID,
		BuyerID:     req.BuyerID,
		Amount:      total,
		Currency:    cur,
		ProviderRef: req.ProviderRef,
		CapturedAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var shipmentSum int64
	allocations := make([]*Allocation, 0, len(req.Shipments))
	for _, sh := range req.Shipments {
		gross, err := money.Parse(sh.Amount, cur)
		if err != nil {
			return nil, nil, fmt.Errorf("shipment %s: %w", sh.ShipmentID, err)
		}
		if gross <= 0 {
			return nil, nil, fmt.Errorf("shipment %s: %w", sh.ShipmentID, money.ErrInvalidAmount)
		}
		shipmentSum += gross

		var shipping int64
		if sh.ShippingAmount != "" {
			shipping, err = money.Parse(sh.ShippingAmount, cur)
			if err != nil {
				return nil, nil, fmt.Errorf("shipment %s shipping: %w", sh.ShipmentID, err)
			}
			if shipping < 0 || shipping >= gross {
				return nil, nil, fmt.Errorf("shipment %s shipping: %w", sh.ShipmentID, money.ErrInvalidAmount)
			}
		}

		fee, err := s.commissions.Compute(ctx, gross, sh.CategoryID, sh.StoreID, now)
		if err != nil {
			return nil, nil, fmt.Errorf("compute commission for shipment %s: %w", sh.ShipmentID, err)
		}
		seller := gross - fee - shipping
		if seller < 0 {
			return nil, nil, fmt.Errorf("shipment %s: commission and shipping exceed gross: %w", sh.ShipmentID, money.ErrInvalidAmount)
		}

		items, err := parseItems(sh, gross-shipping, cur)
		if err != nil {
			return nil, nil, err
		}

		allocations = append(allocations, &Allocation{
			ID:                 idgen.WithPrefix("alc_"),
			PaymentID:          payment.ID,
			OrderID:            req.OrderID,
			ShipmentID:         sh.ShipmentID,
			StoreID:            sh.StoreID,
			CategoryID:         sh.CategoryID,
			GrossAmount:        gross,
			SellerAmount:       seller,
			ShippingAmount:     shipping,
			CommissionAmount:   fee,
			Currency:           cur,
			State:              StateHeld,
			Items:              items,
			DisputeWindowUntil: now.Add(s.disputeWindow),
			Version:            1,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
	}

	if shipmentSum != total {
		return nil, nil, ErrAmountMismatch
	}

	if err := s.store.CreatePayment(ctx, payment, allocations); err != nil {
		return nil, nil, fmt.Errorf("persist captured payment: %w", err)
	}

	metrics.AllocationTransitionsTotal.WithLabelValues(string(StateHeld)).Add(float64(len(allocations)))
	return payment, allocations, nil
}

// parseItems validates the optional item breakdown of a shipment. When
// present, item amounts must sum to the shipment gross minus shipping.
func parseItems(sh ShipmentInput, productTotal int64, cur money.Currency) ([]Item, error) {
	if len(sh.Items) == 0 {
		return nil, nil
	}

	items := make([]Item, 0, len(sh.Items))
	var sum int64
	for _, it := range sh.Items {
		amount, err := money.Parse(it.Amount, cur)
		if err != nil {
			return nil, fmt.Errorf("shipment %s item %s: %w", sh.ShipmentID, it.ItemID, err)
		}
		if amount <= 0 {
			return nil, fmt.Errorf("shipment %s item %s: %w", sh.ShipmentID, it.ItemID, money.ErrInvalidAmount)
		}
		sum += amount
		items = append(items, Item{ItemID: it.ItemID, Amount: amount})
	}
	if sum != productTotal {
		return nil, fmt.Errorf("shipment %s: %w", sh.ShipmentID, ErrAmountMismatch)
	}
	return items, nil
}

// MarkEligible transitions a Held allocation to Eligible. The dispute window
// must have closed and no dispute may be open.
func (s *Service) MarkEligible(ctx context.Context, id string) (*Allocation, error) {
	mu := s.allocationLock(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := s.store.GetAllocation(ctx, id)
	if err != nil {
		return nil, err
	}

	if a.State != StateHeld {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, a.State, StateEligible)
	}
	if a.DisputeOpen {
		return nil, ErrDisputeOpen
	}
	if time.Now().Before(a.DisputeWindowUntil) {
		return nil, fmt.Errorf("%w: dispute window open until %s", ErrInvalidTransition, a.DisputeWindowUntil.Format(time.RFC3339))
	}

	now := time.Now()
	a.State = StateEligible
	a.EligibleAt = &now
	a.UpdatedAt = now

	if err := s.store.UpdateAllocation(ctx, a); err != nil {
		return nil, err
	}

	metrics.AllocationTransitionsTotal.WithLabelValues(string(StateEligible)).Inc()
	return a, nil
}

// OpenDispute flags an allocation as disputed, blocking eligibility until the
// dispute is closed. Only Held allocations can be disputed.
func (s *Service) OpenDispute(ctx context.Context, id, reason string) (*Allocation, error) {
	mu := s.allocationLock(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := s.store.GetAllocation(ctx, id)
	if err != nil {
		return nil, err
	}

	if a.State != StateHeld {
		return nil, fmt.Errorf("%w: cannot dispute %s allocation", ErrInvalidTransition, a.State)
	}
	if a.DisputeOpen {
		return nil, ErrDisputeOpen
	}

	now := time.Now()
	a.DisputeOpen = true
	a.DisputeReason = reason
	a.DisputedAt = &now
	a.UpdatedAt = now

	if err := s.store.UpdateAllocation(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// CloseDispute clears an open dispute. The allocation stays Held; the
// eligibility sweep picks it up once the window has also passed.
func (s *Service) CloseDispute(ctx context.Context, id string) (*Allocation, error) {
	mu := s.allocationLock(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := s.store.GetAllocation(ctx, id)
	if err != nil {
		return nil, err
	}

	if !a.DisputeOpen {
		return nil, ErrNoDispute
	}

	a.DisputeOpen = false
	a.UpdatedAt = time.Now()

	if err := s.store.UpdateAllocation(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ClaimForPayout attaches all unclaimed Eligible allocations of a store to a
// payout. Claimed allocations stay Eligible but are skipped by later claims.
func (s *Service) ClaimForPayout(ctx context.Context, storeID, payoutID string) ([]*Allocation, error) {
	candidates, err := s.store.ListUnclaimedEligible(ctx, storeID)
	if err != nil {
		return nil, err
	}

	var claimed []*Allocation
	for _, a := range candidates {
		mu := s.allocationLock(a.ID)
		mu.Lock()

		fresh, err := s.store.GetAllocation(ctx, a.ID)
		if err != nil {
			mu.Unlock()
			continue
		}
		if fresh.State != StateEligible || fresh.PayoutID != "" || fresh.RefundID != "" {
			mu.Unlock()
			continue
		}

		fresh.PayoutID = payoutID
		fresh.UpdatedAt = time.Now()
		if err := s.store.UpdateAllocation(ctx, fresh); err != nil {
			mu.Unlock()
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		mu.Unlock()
		claimed = append(claimed, fresh)
	}
	return claimed, nil
}

// ReleaseForPayout transitions all allocations attached to a payout from
// Eligible to Released. Called when the payout provider confirms transfer.
func (s *Service) ReleaseForPayout(ctx context.Context, payoutID string) error {
	attached, err := s.store.ListAllocationsByPayout(ctx, payoutID)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, a := range attached {
		mu := s.allocationLock(a.ID)
		mu.Lock()

		fresh, err := s.store.GetAllocation(ctx, a.ID)
		if err != nil {
			mu.Unlock()
			return err
		}
		if fresh.State == StateReleased {
			mu.Unlock()
			continue
		}
		if !canTransition(fresh.State, StateReleased) {
			mu.Unlock()
			return fmt.Errorf("%w: %s → %s for allocation %s", ErrInvalidTransition, fresh.State, StateReleased, fresh.ID)
		}

		fresh.State = StateReleased
		fresh.ReleasedAt = &now
		fresh.UpdatedAt = now
		if err := s.store.UpdateAllocation(ctx, fresh); err != nil {
			mu.Unlock()
			return err
		}
		mu.Unlock()
		metrics.AllocationTransitionsTotal.WithLabelValues(string(StateReleased)).Inc()
	}
	return nil
}

// DetachFromPayout clears the payout attachment on all allocations of a
// failed payout, returning them to the unclaimed Eligible pool.
func (s *Service) DetachFromPayout(ctx context.Context, payoutID string) error {
	attached, err := s.store.ListAllocationsByPayout(ctx, payoutID)
	if err != nil {
		return err
	}

	for _, a := range attached {
		mu := s.allocationLock(a.ID)
		mu.Lock()

		fresh, err := s.store.GetAllocation(ctx, a.ID)
		if err != nil {
			mu.Unlock()
			return err
		}
		if fresh.PayoutID != payoutID {
			mu.Unlock()
			continue
		}

		fresh.PayoutID = ""
		fresh.UpdatedAt = time.Now()
		if err := s.store.UpdateAllocation(ctx, fresh); err != nil {
			mu.Unlock()
			return err
		}
		mu.Unlock()
	}
	return nil
}

// ClaimForRefund reserves an allocation for an in-flight refund before the
// provider is called, so a concurrent payout run cannot pick it up. The call
// is idempotent for the same refund ID.
func (s *Service) ClaimForRefund(ctx context.Context, id, refundID string) error {
	mu := s.allocationLock(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := s.store.GetAllocation(ctx, id)
	if err != nil {
		return err
	}

	if a.RefundID == refundID {
		return nil
	}
	if !a.Refundable() {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, a.State, StateRefunded)
	}
	if a.PayoutID != "" || a.RefundID != "" {
		return ErrAllocationClaimed
	}

	a.RefundID = refundID
	a.UpdatedAt = time.Now()
	return s.store.UpdateAllocation(ctx, a)
}

// ReleaseRefundClaim drops a refund's reservation without touching amounts.
// Used when a refund fails permanently before its lines were applied.
func (s *Service) ReleaseRefundClaim(ctx context.Context, id, refundID string) error {
	mu := s.allocationLock(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := s.store.GetAllocation(ctx, id)
	if err != nil {
		return err
	}
	if a.RefundID != refundID {
		return nil
	}

	a.RefundID = ""
	a.UpdatedAt = time.Now()
	return s.store.UpdateAllocation(ctx, a)
}

// ApplyRefund reduces an allocation by the refunded gross amount and clears
// the refund claim. A full refund transitions the allocation to Refunded; a
// partial refund shrinks the seller, shipping, and commission portions
// proportionally and keeps the current state. The allocation must have been
// claimed for this refund first.
func (s *Service) ApplyRefund(ctx context.Context, id, refundID string, grossRefund int64) (*Allocation, error) {
	mu := s.allocationLock(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := s.store.GetAllocation(ctx, id)
	if err != nil {
		return nil, err
	}

	if !a.Refundable() {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, a.State, StateRefunded)
	}
	if a.PayoutID != "" || a.RefundID != refundID {
		return nil, ErrAllocationClaimed
	}
	if grossRefund <= 0 || grossRefund > a.GrossAmount {
		return nil, money.ErrInvalidAmount
	}

	now := time.Now()
	if grossRefund == a.GrossAmount {
		a.RefundedAmount += grossRefund
		a.GrossAmount = 0
		a.SellerAmount = 0
		a.ShippingAmount = 0
		a.CommissionAmount = 0
		a.State = StateRefunded
		a.RefundedAt = &now
		metrics.AllocationTransitionsTotal.WithLabelValues(string(StateRefunded)).Inc()
	} else {
		// Commission and shipping shrink in proportion to the refunded
		// share, half-up; the seller portion absorbs the rest.
		feeRefund := money.ShareOf(a.CommissionAmount, grossRefund, a.GrossAmount)
		shipRefund := money.ShareOf(a.ShippingAmount, grossRefund, a.GrossAmount)
		sellerRefund := grossRefund - feeRefund - shipRefund
		if sellerRefund < 0 {
			shipRefund += sellerRefund
			sellerRefund = 0
		}
		a.RefundedAmount += grossRefund
		a.GrossAmount -= grossRefund
		a.SellerAmount -= sellerRefund
		a.ShippingAmount -= shipRefund
		a.CommissionAmount -= feeRefund
	}
	a.RefundID = ""
	a.UpdatedAt = now

	if err := s.store.UpdateAllocation(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// GetPayment returns a payment by ID.
func (s *Service) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return s.store.GetPayment(ctx, id)
}

// GetPaymentByOrderID returns the payment captured for an order.
func (s *Service) GetPaymentByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	return s.store.GetPaymentByOrderID(ctx, orderID)
}

// GetAllocation returns an allocation by ID.
func (s *Service) GetAllocation(ctx context.Context, id string) (*Allocation, error) {
	return s.store.GetAllocation(ctx, id)
}

// ListAllocationsByPayment returns all allocations of a payment.
func (s *Service) ListAllocationsByPayment(ctx context.Context, paymentID string) ([]*Allocation, error) {
	return s.store.ListAllocationsByPayment(ctx, paymentID)
}

// ListAllocationsByStore returns recent allocations for a store.
func (s *Service) ListAllocationsByStore(ctx context.Context, storeID string, limit int) ([]*Allocation, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListAllocationsByStore(ctx, storeID, limit)
}

// SellerBalance returns a store's funds summarized per allocation state.
func (s *Service) SellerBalance(ctx context.Context, storeID string) (*Balance, error) {
	return s.store.SellerBalance(ctx, storeID)
}

// ListEligibleStores returns store IDs with unclaimed eligible funds.
func (s *Service) ListEligibleStores(ctx context.Context) ([]string, error) {
	return s.store.ListEligibleStores(ctx)
}

// ListEligibleInPeriod returns allocations attributed to a settlement period.
func (s *Service) ListEligibleInPeriod(ctx context.Context, storeID string, from, to time.Time) ([]*Allocation, error) {
	return s.store.ListEligibleInPeriod(ctx, storeID, from, to)
}

// ListStoresWithActivity returns store IDs active in a settlement period.
func (s *Service) ListStoresWithActivity(ctx context.Context, from, to time.Time) ([]string, error) {
	return s.store.ListStoresWithActivity(ctx, from, to)
}
