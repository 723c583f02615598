package refund

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory refund store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	refunds map[string]*Refund
	lines   map[string]*Line
	byKey   map[string]string // idempotency key → refund ID
}

// NewMemoryStore creates an empty in-memory refund store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		refunds: make(map[string]*Refund),
		lines:   make(map[string]*Line),
		byKey:   make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *Refund, lines []*Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.refunds[r.ID] = &cp
	m.byKey[r.IdempotencyKey] = r.ID
	for _, l := range lines {
		cl := *l
		m.lines[l.ID] = &cl
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.refunds[id]
	if !ok {
		return nil, ErrRefundNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetByIdempotencyKey(ctx context.Context, key string) (*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, ErrRefundNotFound
	}
	cp := *m.refunds[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refunds[r.ID]; !ok {
		return ErrRefundNotFound
	}
	cp := *r
	m.refunds[r.ID] = &cp
	return nil
}

func (m *MemoryStore) ListLines(ctx context.Context, refundID string) ([]*Line, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Line
	for _, l := range m.lines {
		if l.RefundID == refundID {
			cl := *l
			out = append(out, &cl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) MarkLineApplied(ctx context.Context, lineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lines[lineID]
	if !ok {
		return ErrRefundNotFound
	}
	l.Applied = true
	return nil
}

func (m *MemoryStore) ListByOrder(ctx context.Context, orderID string) ([]*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Refund
	for _, r := range m.refunds {
		if r.OrderID == orderID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListDueRetries(ctx context.Context, before time.Time, limit int) ([]*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Refund
	for _, r := range m.refunds {
		if r.Status == StatusPending && r.NextRetryAt != nil && r.NextRetryAt.Before(before) {
			cp := *r
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListFailed(ctx context.Context, limit int) ([]*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Refund
	for _, r := range m.refunds {
		if r.Status == StatusFailed {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
