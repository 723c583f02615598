// Package commission computes the platform's cut of each order line.
//
// Rules are scoped globally, per category, or per store, with effective date
// ranges. Evaluation always happens against an immutable Snapshot loaded at
// call time, so the same inputs always produce the same commission.
package commission

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/mkowalski/marketpay/internal/money"
)

var (
	ErrRuleNotFound = errors.New("commission rule not found")
	ErrRuleConflict = errors.New("conflicting commission rule for overlapping scope and period")
	ErrInvalidRule  = errors.New("invalid commission rule")
)

// RuleType is the scope of a commission rule.
type RuleType string

const (
	RuleGlobal   RuleType = "global"
	RuleCategory RuleType = "category"
	RuleStore    RuleType = "store"
)

// Rule defines how commission is computed for a matching order line.
// Exactly one of PercentBps or FixedFee is set.
type Rule struct {
	ID            string         `json:"id"`
	Type          RuleType       `json:"type"`
	CategoryID    string         `json:"categoryId,omitempty"`
	StoreID       string         `json:"storeId,omitempty"`
	PercentBps    int64          `json:"percentBps,omitempty"` // 1000 = 10%
	FixedFee      int64          `json:"fixedFee,omitempty"`   // minor units
	Currency      money.Currency `json:"currency"`
	EffectiveFrom time.Time      `json:"effectiveFrom"`
	EffectiveTo   *time.Time     `json:"effectiveTo,omitempty"`
	Enabled       bool           `json:"enabled"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Validate checks rule shape before persisting.
func (r *Rule) Validate() error {
	switch r.Type {
	case RuleGlobal:
		if r.CategoryID != "" || r.StoreID != "" {
			return ErrInvalidRule
		}
	case RuleCategory:
		if r.CategoryID == "" || r.StoreID != "" {
			return ErrInvalidRule
		}
	case RuleStore:
		if r.StoreID == "" {
			return ErrInvalidRule
		}
	default:
		return ErrInvalidRule
	}

	if (r.PercentBps > 0) == (r.FixedFee > 0) {
		// Either both set or neither set.
		return ErrInvalidRule
	}
	if r.PercentBps < 0 || r.PercentBps > 10000 || r.FixedFee < 0 {
		return ErrInvalidRule
	}
	if r.EffectiveTo != nil && !r.EffectiveTo.After(r.EffectiveFrom) {
		return ErrInvalidRule
	}
	return nil
}

// ActiveAt reports whether the rule is enabled and effective at t.
func (r *Rule) ActiveAt(t time.Time) bool {
	if !r.Enabled {
		return false
	}
	if t.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && !t.Before(*r.EffectiveTo) {
		return false
	}
	return true
}

// matches reports whether the rule's scope covers the given line.
func (r *Rule) matches(categoryID, storeID string) bool {
	switch r.Type {
	case RuleGlobal:
		return true
	case RuleCategory:
		return r.CategoryID == categoryID
	case RuleStore:
		return r.StoreID == storeID
	}
	return false
}

// specificity orders rule scopes: store beats category beats global.
func (r *Rule) specificity() int {
	switch r.Type {
	case RuleStore:
		return 2
	case RuleCategory:
		return 1
	default:
		return 0
	}
}

// overlaps reports whether two rules of the same scope have intersecting
// effective periods. Used by conflict detection at write time.
func (r *Rule) overlaps(other *Rule) bool {
	if r.Type != other.Type || r.CategoryID != other.CategoryID || r.StoreID != other.StoreID {
		return false
	}
	if r.EffectiveTo != nil && !other.EffectiveFrom.Before(*r.EffectiveTo) {
		return false
	}
	if other.EffectiveTo != nil && !r.EffectiveFrom.Before(*other.EffectiveTo) {
		return false
	}
	return true
}

// Snapshot is an immutable rule set used for evaluation.
type Snapshot struct {
	rules []*Rule
}

// NewSnapshot copies the given rules into an evaluation snapshot.
func NewSnapshot(rules []*Rule) *Snapshot {
	cp := make([]*Rule, len(rules))
	copy(cp, rules)
	// Deterministic evaluation order: most specific first, then latest
	// effectiveFrom, then ID as a final stable tie-break.
	sort.Slice(cp, func(i, j int) bool {
		if cp[i].specificity() != cp[j].specificity() {
			return cp[i].specificity() > cp[j].specificity()
		}
		if !cp[i].EffectiveFrom.Equal(cp[j].EffectiveFrom) {
			return cp[i].EffectiveFrom.After(cp[j].EffectiveFrom)
		}
		return cp[i].ID < cp[j].ID
	})
	return &Snapshot{rules: cp}
}

// Compute returns the commission in minor units for an order line.
// No matching rule means zero commission.
func (s *Snapshot) Compute(amount int64, categoryID, storeID string, asOf time.Time) int64 {
	if amount <= 0 {
		return 0
	}
	for _, r := range s.rules {
		if !r.ActiveAt(asOf) || !r.matches(categoryID, storeID) {
			continue
		}
		if r.PercentBps > 0 {
			return money.PercentBps(amount, r.PercentBps)
		}
		// Fixed fee never exceeds the line amount.
		if r.FixedFee > amount {
			return amount
		}
		return r.FixedFee
	}
	return 0
}

// Store persists commission rules.
type Store interface {
	Create(ctx context.Context, rule *Rule) error
	Get(ctx context.Context, id string) (*Rule, error)
	Update(ctx context.Context, rule *Rule) error
	List(ctx context.Context, limit int) ([]*Rule, error)
	// ListActive returns enabled rules effective at the given time.
	ListActive(ctx context.Context, asOf time.Time) ([]*Rule, error)
	// FindConflicts returns enabled rules of the same scope whose effective
	// period overlaps the candidate's.
	FindConflicts(ctx context.Context, rule *Rule) ([]*Rule, error)
}

// Service manages rules and produces evaluation snapshots.
type Service struct {
	store Store
}

// NewService creates a commission service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// CreateRule validates, checks scope conflicts, and persists a rule.
func (s *Service) CreateRule(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.Enabled {
		conflicts, err := s.store.FindConflicts(ctx, rule)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return ErrRuleConflict
		}
	}
	return s.store.Create(ctx, rule)
}

// DisableRule turns a rule off; it stops matching immediately.
func (s *Service) DisableRule(ctx context.Context, id string) (*Rule, error) {
	rule, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rule.Enabled {
		return rule, nil
	}
	rule.Enabled = false
	rule.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// GetRule returns a rule by ID.
func (s *Service) GetRule(ctx context.Context, id string) (*Rule, error) {
	return s.store.Get(ctx, id)
}

// ListRules returns up to limit rules.
func (s *Service) ListRules(ctx context.Context, limit int) ([]*Rule, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.List(ctx, limit)
}

// SnapshotAt loads the active rule set effective at t.
func (s *Service) SnapshotAt(ctx context.Context, t time.Time) (*Snapshot, error) {
	rules, err := s.store.ListActive(ctx, t)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(rules), nil
}

// Compute is the one-shot evaluation path used by the escrow ledger: load a
// snapshot for asOf and compute commission for the line.
func (s *Service) Compute(ctx context.Context, amount int64, categoryID, storeID string, asOf time.Time) (int64, error) {
	snap, err := s.SnapshotAt(ctx, asOf)
	if err != nil {
		return 0, err
	}
	return snap.Compute(amount, categoryID, storeID, asOf), nil
}
