package commission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkowalski/marketpay/internal/money"
)

func pct(id string, typ RuleType, bps int64, from time.Time) *Rule {
	r := &Rule{
		ID:            id,
		Type:          typ,
		PercentBps:    bps,
		Currency:      money.PLN,
		EffectiveFrom: from,
		Enabled:       true,
		CreatedAt:     from,
		UpdatedAt:     from,
	}
	return r
}

func TestRuleValidate(t *testing.T) {
	from := time.Now()

	t.Run("global with store scope rejected", func(t *testing.T) {
		r := pct("r1", RuleGlobal, 1000, from)
		r.StoreID = "store_1"
		assert.ErrorIs(t, r.Validate(), ErrInvalidRule)
	})

	t.Run("category requires categoryId", func(t *testing.T) {
		r := pct("r1", RuleCategory, 1000, from)
		assert.ErrorIs(t, r.Validate(), ErrInvalidRule)
	})

	t.Run("both percent and fixed fee rejected", func(t *testing.T) {
		r := pct("r1", RuleGlobal, 1000, from)
		r.FixedFee = 500
		assert.ErrorIs(t, r.Validate(), ErrInvalidRule)
	})

	t.Run("neither percent nor fixed fee rejected", func(t *testing.T) {
		r := pct("r1", RuleGlobal, 0, from)
		assert.ErrorIs(t, r.Validate(), ErrInvalidRule)
	})

	t.Run("percent above 100 rejected", func(t *testing.T) {
		r := pct("r1", RuleGlobal, 10001, from)
		assert.ErrorIs(t, r.Validate(), ErrInvalidRule)
	})

	t.Run("effectiveTo before effectiveFrom rejected", func(t *testing.T) {
		r := pct("r1", RuleGlobal, 1000, from)
		to := from.Add(-time.Hour)
		r.EffectiveTo = &to
		assert.ErrorIs(t, r.Validate(), ErrInvalidRule)
	})

	t.Run("valid store rule", func(t *testing.T) {
		r := pct("r1", RuleStore, 800, from)
		r.StoreID = "store_1"
		assert.NoError(t, r.Validate())
	})
}

func TestSnapshotPrecedence(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	asOf := from.Add(24 * time.Hour)

	global := pct("glob", RuleGlobal, 1000, from)
	category := pct("cat", RuleCategory, 500, from)
	category.CategoryID = "electronics"
	store := pct("sto", RuleStore, 200, from)
	store.StoreID = "store_1"

	snap := NewSnapshot([]*Rule{global, category, store})

	// 100.00 PLN line.
	amount := int64(10000)

	t.Run("store beats category and global", func(t *testing.T) {
		assert.Equal(t, int64(200), snap.Compute(amount, "electronics", "store_1", asOf))
	})

	t.Run("category beats global", func(t *testing.T) {
		assert.Equal(t, int64(500), snap.Compute(amount, "electronics", "store_other", asOf))
	})

	t.Run("global as fallback", func(t *testing.T) {
		assert.Equal(t, int64(1000), snap.Compute(amount, "books", "store_other", asOf))
	})

	t.Run("no match means zero commission", func(t *testing.T) {
		empty := NewSnapshot(nil)
		assert.Equal(t, int64(0), empty.Compute(amount, "books", "store_1", asOf))
	})
}

func TestSnapshotTieBreakLatestEffectiveFrom(t *testing.T) {
	older := pct("old", RuleGlobal, 1000, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	newer := pct("new", RuleGlobal, 1500, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	snap := NewSnapshot([]*Rule{older, newer})

	asOf := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, int64(1500), snap.Compute(10000, "", "", asOf))

	// Before the newer rule takes effect, the older one applies.
	asOf = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, int64(1000), snap.Compute(10000, "", "", asOf))
}

func TestSnapshotRounding(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	asOf := from.Add(time.Hour)

	// 5% of 0.10 PLN is 0.005, which rounds half-up to 0.01.
	snap := NewSnapshot([]*Rule{pct("r", RuleGlobal, 500, from)})
	assert.Equal(t, int64(1), snap.Compute(10, "", "", asOf))

	// 3.33% of 0.01 PLN is 0.000333, which rounds down to zero.
	snap = NewSnapshot([]*Rule{pct("r", RuleGlobal, 333, from)})
	assert.Equal(t, int64(0), snap.Compute(1, "", "", asOf))
}

func TestSnapshotFixedFeeCap(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	asOf := from.Add(time.Hour)

	r := &Rule{
		ID:            "fixed",
		Type:          RuleGlobal,
		FixedFee:      500,
		Currency:      money.PLN,
		EffectiveFrom: from,
		Enabled:       true,
	}
	snap := NewSnapshot([]*Rule{r})

	assert.Equal(t, int64(500), snap.Compute(10000, "", "", asOf))
	// Fee never exceeds the line amount.
	assert.Equal(t, int64(300), snap.Compute(300, "", "", asOf))
}

func TestSnapshotEffectiveWindow(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	r := pct("windowed", RuleGlobal, 1000, from)
	r.EffectiveTo = &to
	snap := NewSnapshot([]*Rule{r})

	assert.Equal(t, int64(0), snap.Compute(10000, "", "", from.Add(-time.Second)))
	assert.Equal(t, int64(1000), snap.Compute(10000, "", "", from))
	assert.Equal(t, int64(1000), snap.Compute(10000, "", "", to.Add(-time.Second)))
	// effectiveTo is exclusive.
	assert.Equal(t, int64(0), snap.Compute(10000, "", "", to))
}

func TestServiceCreateRuleConflict(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first := pct("r1", RuleStore, 800, from)
	first.StoreID = "store_1"
	require.NoError(t, svc.CreateRule(ctx, first))

	t.Run("overlapping same scope rejected", func(t *testing.T) {
		dup := pct("r2", RuleStore, 900, from.Add(24*time.Hour))
		dup.StoreID = "store_1"
		assert.ErrorIs(t, svc.CreateRule(ctx, dup), ErrRuleConflict)
	})

	t.Run("same scope after first ends allowed", func(t *testing.T) {
		to := from.Add(30 * 24 * time.Hour)
		first.EffectiveTo = &to
		first.UpdatedAt = time.Now()
		require.NoError(t, svc.store.Update(ctx, first))

		next := pct("r3", RuleStore, 900, to)
		next.StoreID = "store_1"
		assert.NoError(t, svc.CreateRule(ctx, next))
	})

	t.Run("different store never conflicts", func(t *testing.T) {
		other := pct("r4", RuleStore, 700, from)
		other.StoreID = "store_2"
		assert.NoError(t, svc.CreateRule(ctx, other))
	})
}

func TestServiceDisableRule(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	r := pct("r1", RuleGlobal, 1000, from)
	require.NoError(t, svc.CreateRule(ctx, r))

	got, err := svc.DisableRule(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	// Disabled rules stop matching immediately.
	fee, err := svc.Compute(ctx, 10000, "", "", from.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), fee)

	_, err = svc.DisableRule(ctx, "missing")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}
