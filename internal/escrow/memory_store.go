package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	payments    map[string]*Payment
	allocations map[string]*Allocation
}

// NewMemoryStore creates an empty in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:    make(map[string]*Payment),
		allocations: make(map[string]*Allocation),
	}
}

func (m *MemoryStore) CreatePayment(ctx context.Context, payment *Payment, allocations []*Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *payment
	m.payments[payment.ID] = &cp
	for _, a := range allocations {
		ca := *a
		m.allocations[a.ID] = &ca
	}
	return nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPaymentByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.OrderID == orderID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *MemoryStore) GetAllocation(ctx context.Context, id string) (*Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.allocations[id]
	if !ok {
		return nil, ErrAllocationNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) UpdateAllocation(ctx context.Context, a *Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.allocations[a.ID]
	if !ok {
		return ErrAllocationNotFound
	}
	if existing.Version != a.Version {
		return ErrVersionConflict
	}
	cp := *a
	cp.Version++
	m.allocations[a.ID] = &cp
	a.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListAllocationsByPayment(ctx context.Context, paymentID string) ([]*Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Allocation
	for _, a := range m.allocations {
		if a.PaymentID == paymentID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sortAllocations(out)
	return out, nil
}

func (m *MemoryStore) ListAllocationsByStore(ctx context.Context, storeID string, limit int) ([]*Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Allocation
	for _, a := range m.allocations {
		if a.StoreID == storeID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListHeldPastWindow(ctx context.Context, before time.Time, limit int) ([]*Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Allocation
	for _, a := range m.allocations {
		if a.State == StateHeld && !a.DisputeOpen && a.DisputeWindowUntil.Before(before) {
			cp := *a
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	sortAllocations(out)
	return out, nil
}

func (m *MemoryStore) ListUnclaimedEligible(ctx context.Context, storeID string) ([]*Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Allocation
	for _, a := range m.allocations {
		if a.StoreID == storeID && a.State == StateEligible && a.PayoutID == "" && a.RefundID == "" {
			cp := *a
			out = append(out, &cp)
		}
	}
	sortAllocations(out)
	return out, nil
}

func (m *MemoryStore) ListEligibleStores(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, a := range m.allocations {
		if a.State == StateEligible && a.PayoutID == "" && a.RefundID == "" && !seen[a.StoreID] {
			seen[a.StoreID] = true
			out = append(out, a.StoreID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) ListAllocationsByPayout(ctx context.Context, payoutID string) ([]*Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Allocation
	for _, a := range m.allocations {
		if a.PayoutID == payoutID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sortAllocations(out)
	return out, nil
}

func (m *MemoryStore) ListReleasedInPeriod(ctx context.Context, storeID string, from, to time.Time) ([]*Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Allocation
	for _, a := range m.allocations {
		if a.StoreID != storeID || a.State != StateReleased || a.ReleasedAt == nil {
			continue
		}
		if a.ReleasedAt.Before(from) || !a.ReleasedAt.Before(to) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sortAllocations(out)
	return out, nil
}

func (m *MemoryStore) ListEligibleInPeriod(ctx context.Context, storeID string, from, to time.Time) ([]*Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Allocation
	for _, a := range m.allocations {
		if a.StoreID != storeID || a.EligibleAt == nil {
			continue
		}
		if a.EligibleAt.Before(from) || !a.EligibleAt.Before(to) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sortAllocations(out)
	return out, nil
}

func (m *MemoryStore) ListStoresWithActivity(ctx context.Context, from, to time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, a := range m.allocations {
		if a.EligibleAt == nil || a.EligibleAt.Before(from) || !a.EligibleAt.Before(to) {
			continue
		}
		if !seen[a.StoreID] {
			seen[a.StoreID] = true
			out = append(out, a.StoreID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) SellerBalance(ctx context.Context, storeID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := &Balance{StoreID: storeID}
	for _, a := range m.allocations {
		if a.StoreID != storeID {
			continue
		}
		b.Currency = a.Currency
		switch a.State {
		case StateHeld:
			b.Held += a.Payable()
		case StateEligible:
			b.Eligible += a.Payable()
		case StateReleased:
			b.Released += a.Payable()
		case StateRefunded:
			b.Refunded += a.RefundedAmount
		}
	}
	return b, nil
}

func sortAllocations(out []*Allocation) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
