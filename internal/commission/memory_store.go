package commission

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory rule store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

// NewMemoryStore creates an empty in-memory rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]*Rule)}
}

func (m *MemoryStore) Create(ctx context.Context, rule *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rule
	m.rules[rule.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, rule *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[rule.ID]; !ok {
		return ErrRuleNotFound
	}
	cp := *rule
	m.rules[rule.ID] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListActive(ctx context.Context, asOf time.Time) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Rule
	for _, r := range m.rules {
		if r.ActiveAt(asOf) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) FindConflicts(ctx context.Context, rule *Rule) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Rule
	for _, r := range m.rules {
		if r.ID == rule.ID || !r.Enabled {
			continue
		}
		if r.overlaps(rule) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
