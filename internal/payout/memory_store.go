package payout

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory payout store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	payouts map[string]*Payout
	items   map[string]*LineItem
}

// NewMemoryStore creates an empty in-memory payout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payouts: make(map[string]*Payout),
		items:   make(map[string]*LineItem),
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Payout, items []*LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payouts[p.ID] = &cp
	for _, item := range items {
		ci := *item
		m.items[item.ID] = &ci
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payouts[id]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payouts[p.ID]; !ok {
		return ErrPayoutNotFound
	}
	cp := *p
	m.payouts[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListItems(ctx context.Context, payoutID string) ([]*LineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*LineItem
	for _, item := range m.items {
		if item.PayoutID == payoutID {
			ci := *item
			out = append(out, &ci)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListByStore(ctx context.Context, storeID string, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Payout
	for _, p := range m.payouts {
		if p.StoreID == storeID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListDueRetries(ctx context.Context, before time.Time, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Payout
	for _, p := range m.payouts {
		if p.Status == StatusScheduled && p.NextRetryAt != nil && p.NextRetryAt.Before(before) {
			cp := *p
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
