// Package settlement produces the monthly financial statement per store.
//
// A settlement covers one calendar month. Allocations are attributed to the
// month in which they first became eligible; the statement sums their gross
// sales, commission, refunds, and what was released to the seller, and
// verifies that the books balance to the minor unit before anything is
// issued. A commission invoice accompanies every settlement with a non-zero
// fee; credit notes adjust already-invoiced commission after the fact.
package settlement

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
	"github.com/mkowalski/marketpay/internal/payout"
)

var (
	ErrSettlementNotFound     = errors.New("settlement not found")
	ErrInvoiceNotFound        = errors.New("commission invoice not found")
	ErrPeriodAlreadySettled   = errors.New("period already has a settlement")
	ErrReconciliationMismatch = errors.New("settlement totals do not reconcile")
	ErrInvalidState           = errors.New("invalid settlement state for this operation")
	ErrEmptyPeriod            = errors.New("no activity in the settlement period")
)

// Status is the lifecycle state of a settlement.
type Status string

const (
	StatusDraft  Status = "draft"  // Generated and reconciled, not yet issued
	StatusIssued Status = "issued" // Statement and invoice sent to the seller
	StatusPaid   Status = "paid"   // Commission invoice settled
)

// Settlement is one store's statement for one calendar month.
type Settlement struct {
	ID              string         `json:"id"`
	StoreID         string         `json:"storeId"`
	PeriodStart     time.Time      `json:"periodStart"`
	PeriodEnd       time.Time      `json:"periodEnd"`
	Currency        money.Currency `json:"currency"`
	GrossSales      int64          `json:"grossSales"`      // minor units, after refunds
	CommissionTotal int64          `json:"commissionTotal"` // minor units, after refunds
	NetPayable      int64          `json:"netPayable"`      // gross - commission
	RefundedTotal   int64          `json:"refundedTotal"`
	ReleasedTotal   int64          `json:"releasedTotal"` // already paid out
	AllocationCount int            `json:"allocationCount"`
	Status          Status         `json:"status"`
	IssuedAt        *time.Time     `json:"issuedAt,omitempty"`
	PaidAt          *time.Time     `json:"paidAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// CommissionInvoice bills the platform fee for a settlement period.
type CommissionInvoice struct {
	ID           string         `json:"id"`
	SettlementID string         `json:"settlementId"`
	StoreID      string         `json:"storeId"`
	Amount       int64          `json:"amount"`
	Currency     money.Currency `json:"currency"`
	IssuedAt     time.Time      `json:"issuedAt"`
	PaidAt       *time.Time     `json:"paidAt,omitempty"`
}

// CreditNote credits commission back to the seller after the fact, for
// refunds that landed once the period was already invoiced.
type CreditNote struct {
	ID           string         `json:"id"`
	SettlementID string         `json:"settlementId"`
	StoreID      string         `json:"storeId"`
	Amount       int64          `json:"amount"`
	Currency     money.Currency `json:"currency"`
	Reason       string         `json:"reason"`
	IssuedAt     time.Time      `json:"issuedAt"`
}

// Store persists settlements, invoices, and credit notes.
type Store interface {
	Create(ctx context.Context, s *Settlement, invoice *CommissionInvoice) error
	Get(ctx context.Context, id string) (*Settlement, error)
	GetByPeriod(ctx context.Context, storeID string, periodStart time.Time) (*Settlement, error)
	Update(ctx context.Context, s *Settlement) error
	ListByStore(ctx context.Context, storeID string, limit int) ([]*Settlement, error)

	GetInvoice(ctx context.Context, settlementID string) (*CommissionInvoice, error)
	UpdateInvoice(ctx context.Context, inv *CommissionInvoice) error

	CreateCreditNote(ctx context.Context, note *CreditNote) error
	ListCreditNotes(ctx context.Context, settlementID string) ([]*CreditNote, error)
}

// EscrowService is the slice of the escrow API settlement needs.
type EscrowService interface {
	ListEligibleInPeriod(ctx context.Context, storeID string, from, to time.Time) ([]*escrow.Allocation, error)
	ListStoresWithActivity(ctx context.Context, from, to time.Time) ([]string, error)
}

// PayoutReader is the slice of the payout API settlement needs to verify
// that released funds actually left through completed payouts.
type PayoutReader interface {
	Get(ctx context.Context, id string) (*payout.Payout, error)
	ListItems(ctx context.Context, payoutID string) ([]*payout.LineItem, error)
}

// Notifier emits settlement lifecycle notifications.
type Notifier interface {
	SettlementGenerated(ctx context.Context, s *Settlement)
	InvoiceIssued(ctx context.Context, inv *CommissionInvoice)
}

// Service implements settlement generation and reconciliation.
type Service struct {
	store    Store
	escrows  EscrowService
	payouts  PayoutReader
	notifier Notifier
}

// NewService creates a settlement service.
func NewService(store Store, escrows EscrowService, payouts PayoutReader, notifier Notifier) *Service {
	return &Service{store: store, escrows: escrows, payouts: payouts, notifier: notifier}
}

// Period returns the [start, end) bounds of a settlement month in UTC.
func Period(year int, month time.Month) (time.Time, time.Time) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// Generate builds the settlement for a store and month. Every allocation
// must balance to the minor unit; a mismatch aborts generation so a human
// can look at the books before anything reaches the seller.
func (s *Service) Generate(ctx context.Context, storeID string, year int, month time.Month) (*Settlement, error) {
	from, to := Period(year, month)

	if existing, err := s.store.GetByPeriod(ctx, storeID, from); err == nil {
		return existing, ErrPeriodAlreadySettled
	} else if !errors.Is(err, ErrSettlementNotFound) {
		return nil, err
	}

	allocations, err := s.escrows.ListEligibleInPeriod(ctx, storeID, from, to)
	if err != nil {
		return nil, err
	}
	if len(allocations) == 0 {
		return nil, ErrEmptyPeriod
	}

	now := time.Now()
	st := &Settlement{
		ID:          idgen.WithPrefix("stl_"),
		StoreID:     storeID,
		PeriodStart: from,
		PeriodEnd:   to,
		Currency:    allocations[0].Currency,
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var released []*escrow.Allocation
	for _, a := range allocations {
		// The books must balance per allocation before they may be summed.
		if a.GrossAmount != a.SellerAmount+a.ShippingAmount+a.CommissionAmount {
			metrics.ReconciliationMismatchesTotal.Inc()
			return nil, fmt.Errorf("%w: allocation %s: gross %d != seller %d + shipping %d + commission %d",
				ErrReconciliationMismatch, a.ID, a.GrossAmount,
				a.SellerAmount, a.ShippingAmount, a.CommissionAmount)
		}
		st.GrossSales += a.GrossAmount
		st.CommissionTotal += a.CommissionAmount
		st.NetPayable += a.Payable()
		st.RefundedTotal += a.RefundedAmount
		if a.State == escrow.StateReleased {
			st.ReleasedTotal += a.Payable()
			released = append(released, a)
		}
		st.AllocationCount++
	}

	// And the statement itself must leave no residual.
	if st.GrossSales != st.CommissionTotal+st.NetPayable {
		metrics.ReconciliationMismatchesTotal.Inc()
		return nil, fmt.Errorf("%w: store %s period %s: gross %d != commission %d + net %d",
			ErrReconciliationMismatch, storeID, from.Format("2006-01"),
			st.GrossSales, st.CommissionTotal, st.NetPayable)
	}

	// Every released allocation must be covered by a completed payout whose
	// frozen line item carries the same amount. What the books say left
	// escrow has to match what the payouts actually transferred.
	paidTotal, err := s.verifyReleased(ctx, released)
	if err != nil {
		return nil, err
	}
	if paidTotal != st.ReleasedTotal {
		metrics.ReconciliationMismatchesTotal.Inc()
		return nil, fmt.Errorf("%w: store %s period %s: released %d != paid out %d",
			ErrReconciliationMismatch, storeID, from.Format("2006-01"),
			st.ReleasedTotal, paidTotal)
	}

	var invoice *CommissionInvoice
	if st.CommissionTotal > 0 {
		invoice = &CommissionInvoice{
			ID:           idgen.WithPrefix("inv_"),
			SettlementID: st.ID,
			StoreID:      storeID,
			Amount:       st.CommissionTotal,
			Currency:     st.Currency,
			IssuedAt:     now,
		}
	}

	if err := s.store.Create(ctx, st, invoice); err != nil {
		return nil, fmt.Errorf("persist settlement: %w", err)
	}

	metrics.SettlementsGeneratedTotal.Inc()
	if s.notifier != nil {
		s.notifier.SettlementGenerated(ctx, st)
	}
	return st, nil
}

// verifyReleased checks each released allocation against payout records and
// returns the total its payouts' line items carried for them.
func (s *Service) verifyReleased(ctx context.Context, released []*escrow.Allocation) (int64, error) {
	byPayout := make(map[string][]*escrow.Allocation)
	for _, a := range released {
		if a.PayoutID == "" {
			metrics.ReconciliationMismatchesTotal.Inc()
			return 0, fmt.Errorf("%w: allocation %s is released but belongs to no payout",
				ErrReconciliationMismatch, a.ID)
		}
		byPayout[a.PayoutID] = append(byPayout[a.PayoutID], a)
	}

	var paidTotal int64
	for payoutID, attached := range byPayout {
		p, err := s.payouts.Get(ctx, payoutID)
		if err != nil {
			if errors.Is(err, payout.ErrPayoutNotFound) {
				metrics.ReconciliationMismatchesTotal.Inc()
				return 0, fmt.Errorf("%w: released allocations reference missing payout %s",
					ErrReconciliationMismatch, payoutID)
			}
			return 0, err
		}
		if p.Status != payout.StatusCompleted {
			metrics.ReconciliationMismatchesTotal.Inc()
			return 0, fmt.Errorf("%w: payout %s is %s but its allocations are released",
				ErrReconciliationMismatch, payoutID, p.Status)
		}

		items, err := s.payouts.ListItems(ctx, payoutID)
		if err != nil {
			return 0, err
		}
		byAllocation := make(map[string]*payout.LineItem, len(items))
		for _, item := range items {
			byAllocation[item.AllocationID] = item
		}
		for _, a := range attached {
			item, ok := byAllocation[a.ID]
			if !ok {
				metrics.ReconciliationMismatchesTotal.Inc()
				return 0, fmt.Errorf("%w: payout %s has no line item for allocation %s",
					ErrReconciliationMismatch, payoutID, a.ID)
			}
			paidTotal += item.Payable()
		}
	}
	return paidTotal, nil
}

// GenerateAll runs Generate for every store active in the month.
func (s *Service) GenerateAll(ctx context.Context, year int, month time.Month) error {
	log := logging.L(ctx)
	from, to := Period(year, month)

	stores, err := s.escrows.ListStoresWithActivity(ctx, from, to)
	if err != nil {
		return err
	}

	for _, storeID := range stores {
		st, err := s.Generate(ctx, storeID, year, month)
		if err != nil {
			if errors.Is(err, ErrPeriodAlreadySettled) || errors.Is(err, ErrEmptyPeriod) {
				continue
			}
			// A reconciliation mismatch halts the whole run: the books are
			// wrong and mass-issuing statements would spread the damage.
			if errors.Is(err, ErrReconciliationMismatch) {
				log.Error("settlement run halted", "storeId", storeID, "error", err)
				return err
			}
			log.Warn("failed to generate settlement", "storeId", storeID, "error", err)
			continue
		}
		log.Info("settlement generated",
			"settlementId", st.ID,
			"storeId", st.StoreID,
			"period", from.Format("2006-01"),
			"netPayable", st.NetPayable,
		)
	}
	return nil
}

// Issue sends a draft settlement to the seller.
func (s *Service) Issue(ctx context.Context, id string) (*Settlement, error) {
	st, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status != StatusDraft {
		return nil, ErrInvalidState
	}

	now := time.Now()
	st.Status = StatusIssued
	st.IssuedAt = &now
	st.UpdatedAt = now
	if err := s.store.Update(ctx, st); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		if inv, err := s.store.GetInvoice(ctx, id); err == nil {
			s.notifier.InvoiceIssued(ctx, inv)
		}
	}
	return st, nil
}

// MarkPaid records that the commission invoice was settled.
func (s *Service) MarkPaid(ctx context.Context, id string) (*Settlement, error) {
	st, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status != StatusIssued {
		return nil, ErrInvalidState
	}

	now := time.Now()
	st.Status = StatusPaid
	st.PaidAt = &now
	st.UpdatedAt = now
	if err := s.store.Update(ctx, st); err != nil {
		return nil, err
	}

	if inv, err := s.store.GetInvoice(ctx, id); err == nil {
		inv.PaidAt = &now
		if err := s.store.UpdateInvoice(ctx, inv); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// CreateCreditNote credits commission back against an issued settlement.
func (s *Service) CreateCreditNote(ctx context.Context, settlementID string, amount int64, reason string) (*CreditNote, error) {
	st, err := s.store.Get(ctx, settlementID)
	if err != nil {
		return nil, err
	}
	if st.Status == StatusDraft {
		return nil, ErrInvalidState
	}
	if amount <= 0 || amount > st.CommissionTotal {
		return nil, money.ErrInvalidAmount
	}

	note := &CreditNote{
		ID:           idgen.WithPrefix("crn_"),
		SettlementID: settlementID,
		StoreID:      st.StoreID,
		Amount:       amount,
		Currency:     st.Currency,
		Reason:       reason,
		IssuedAt:     time.Now(),
	}
	if err := s.store.CreateCreditNote(ctx, note); err != nil {
		return nil, err
	}
	return note, nil
}

// Get returns a settlement by ID.
func (s *Service) Get(ctx context.Context, id string) (*Settlement, error) {
	return s.store.Get(ctx, id)
}

// GetInvoice returns the commission invoice of a settlement.
func (s *Service) GetInvoice(ctx context.Context, settlementID string) (*CommissionInvoice, error) {
	return s.store.GetInvoice(ctx, settlementID)
}

// ListByStore returns recent settlements for a store.
func (s *Service) ListByStore(ctx context.Context, storeID string, limit int) ([]*Settlement, error) {
	if limit <= 0 {
		limit = 24
	}
	return s.store.ListByStore(ctx, storeID, limit)
}

// ListCreditNotes returns credit notes issued against a settlement.
func (s *Service) ListCreditNotes(ctx context.Context, settlementID string) ([]*CreditNote, error) {
	return s.store.ListCreditNotes(ctx, settlementID)
}
