package settlement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory settlement store for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	settlements map[string]*Settlement
	invoices    map[string]*CommissionInvoice // keyed by settlement ID
	notes       map[string]*CreditNote
}

// NewMemoryStore creates an empty in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settlements: make(map[string]*Settlement),
		invoices:    make(map[string]*CommissionInvoice),
		notes:       make(map[string]*CreditNote),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Settlement, invoice *CommissionInvoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.settlements[s.ID] = &cp
	if invoice != nil {
		ci := *invoice
		m.invoices[s.ID] = &ci
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settlements[id]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetByPeriod(ctx context.Context, storeID string, periodStart time.Time) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.settlements {
		if s.StoreID == storeID && s.PeriodStart.Equal(periodStart) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSettlementNotFound
}

func (m *MemoryStore) Update(ctx context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.settlements[s.ID]; !ok {
		return ErrSettlementNotFound
	}
	cp := *s
	m.settlements[s.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByStore(ctx context.Context, storeID string, limit int) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Settlement
	for _, s := range m.settlements {
		if s.StoreID == storeID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.After(out[j].PeriodStart) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetInvoice(ctx context.Context, settlementID string) (*CommissionInvoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[settlementID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	ci := *inv
	return &ci, nil
}

func (m *MemoryStore) UpdateInvoice(ctx context.Context, inv *CommissionInvoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[inv.SettlementID]; !ok {
		return ErrInvoiceNotFound
	}
	ci := *inv
	m.invoices[inv.SettlementID] = &ci
	return nil
}

func (m *MemoryStore) CreateCreditNote(ctx context.Context, note *CreditNote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cn := *note
	m.notes[note.ID] = &cn
	return nil
}

func (m *MemoryStore) ListCreditNotes(ctx context.Context, settlementID string) ([]*CreditNote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*CreditNote
	for _, n := range m.notes {
		if n.SettlementID == settlementID {
			cn := *n
			out = append(out, &cn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
