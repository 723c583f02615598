package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkowalski/marketpay/internal/escrow"
	"github.com/mkowalski/marketpay/internal/money"
	"github.com/mkowalski/marketpay/internal/payout"
	"github.com/mkowalski/marketpay/internal/provider"
)

type flatCommission struct{ bps int64 }

func (f flatCommission) Compute(ctx context.Context, amount int64, categoryID, storeID string, asOf time.Time) (int64, error) {
	return money.PercentBps(amount, f.bps), nil
}

type recordingNotifier struct {
	generated []string
	invoiced  []string
}

func (n *recordingNotifier) SettlementGenerated(ctx context.Context, s *Settlement) {
	n.generated = append(n.generated, s.ID)
}

func (n *recordingNotifier) InvoiceIssued(ctx context.Context, inv *CommissionInvoice) {
	n.invoiced = append(n.invoiced, inv.ID)
}

type fixture struct {
	escrows     *escrow.Service
	escrowStore *escrow.MemoryStore
	payouts     *payout.Service
	notifier    *recordingNotifier
	service     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sbx := provider.NewSandbox()
	f := &fixture{
		escrowStore: escrow.NewMemoryStore(),
		notifier:    &recordingNotifier{},
	}
	f.escrows = escrow.NewService(f.escrowStore, flatCommission{bps: 1000}, sbx, -time.Second)

	accounts := payout.NewMemoryDirectory()
	require.NoError(t, accounts.Register(context.Background(), "store_a", "acct_store_a"))
	require.NoError(t, accounts.Register(context.Background(), "store_b", "acct_store_b"))
	f.payouts = payout.NewService(payout.NewMemoryStore(), f.escrows, sbx, accounts,
		nil, "standard", 3, time.Hour, 24*time.Hour)

	f.service = NewService(NewMemoryStore(), f.escrows, f.payouts, f.notifier)
	return f
}

// eligible captures an order and promotes every allocation, attributing it
// to the current month.
func (f *fixture) eligible(t *testing.T, orderID string) []*escrow.Allocation {
	t.Helper()
	ctx := context.Background()
	_, allocations, err := f.escrows.Capture(ctx, escrow.CaptureRequest{
		OrderID:  orderID,
		BuyerID:  "buyer_1",
		Amount:   "150.00",
		Currency: "PLN",
		Shipments: []escrow.ShipmentInput{
			{ShipmentID: "shp_1", StoreID: "store_a", Amount: "100.00"},
			{ShipmentID: "shp_2", StoreID: "store_b", Amount: "50.00"},
		},
	})
	require.NoError(t, err)
	for i, a := range allocations {
		promoted, err := f.escrows.MarkEligible(ctx, a.ID)
		require.NoError(t, err)
		allocations[i] = promoted
	}
	return allocations
}

// payOut schedules and executes a payout for the store.
func (f *fixture) payOut(t *testing.T, storeID string) *payout.Payout {
	t.Helper()
	ctx := context.Background()
	p, err := f.payouts.ScheduleForStore(ctx, storeID)
	require.NoError(t, err)
	p, err = f.payouts.Execute(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, payout.StatusCompleted, p.Status)
	return p
}

func thisMonth() (int, time.Month) {
	now := time.Now().UTC()
	return now.Year(), now.Month()
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.eligible(t, "ord_1")
	year, month := thisMonth()

	st, err := f.service.Generate(ctx, "store_a", year, month)
	require.NoError(t, err)

	assert.Equal(t, StatusDraft, st.Status)
	assert.Equal(t, int64(10000), st.GrossSales)
	assert.Equal(t, int64(1000), st.CommissionTotal)
	assert.Equal(t, int64(9000), st.NetPayable)
	assert.Equal(t, int64(0), st.RefundedTotal)
	assert.Equal(t, int64(0), st.ReleasedTotal)
	assert.Equal(t, 1, st.AllocationCount)

	inv, err := f.service.GetInvoice(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, st.CommissionTotal, inv.Amount)
	assert.Nil(t, inv.PaidAt)

	assert.Equal(t, []string{st.ID}, f.notifier.generated)

	// One settlement per store per period.
	_, err = f.service.Generate(ctx, "store_a", year, month)
	assert.ErrorIs(t, err, ErrPeriodAlreadySettled)
}

func TestGenerateEmptyPeriod(t *testing.T) {
	f := newFixture(t)
	year, month := thisMonth()
	_, err := f.service.Generate(context.Background(), "store_a", year, month)
	assert.ErrorIs(t, err, ErrEmptyPeriod)
}

func TestGenerateReflectsRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	allocations := f.eligible(t, "ord_1")
	year, month := thisMonth()

	// 40.00 refunded off store_a's 100.00 shipment before settlement.
	require.NoError(t, f.escrows.ClaimForRefund(ctx, allocations[0].ID, "ref_1"))
	_, err := f.escrows.ApplyRefund(ctx, allocations[0].ID, "ref_1", 4000)
	require.NoError(t, err)

	st, err := f.service.Generate(ctx, "store_a", year, month)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), st.GrossSales)
	assert.Equal(t, int64(600), st.CommissionTotal)
	assert.Equal(t, int64(5400), st.NetPayable)
	assert.Equal(t, int64(4000), st.RefundedTotal)
}

func TestGenerateVerifiesReleasedAgainstPayouts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.eligible(t, "ord_1")
	year, month := thisMonth()
	f.payOut(t, "store_a")

	st, err := f.service.Generate(ctx, "store_a", year, month)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), st.NetPayable)
	// The released total is covered by the completed payout's line item.
	assert.Equal(t, int64(9000), st.ReleasedTotal)
}

func TestGenerateReleasedWithoutPayout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	allocations := f.eligible(t, "ord_1")
	year, month := thisMonth()

	// An allocation that claims to be released but references a payout the
	// payout ledger never recorded.
	now := time.Now()
	broken, err := f.escrowStore.GetAllocation(ctx, allocations[0].ID)
	require.NoError(t, err)
	broken.State = escrow.StateReleased
	broken.PayoutID = "pay_ghost"
	broken.ReleasedAt = &now
	require.NoError(t, f.escrowStore.UpdateAllocation(ctx, broken))

	_, err = f.service.Generate(ctx, "store_a", year, month)
	assert.ErrorIs(t, err, ErrReconciliationMismatch)

	// Released with no payout reference at all is just as bad.
	broken, err = f.escrowStore.GetAllocation(ctx, allocations[0].ID)
	require.NoError(t, err)
	broken.PayoutID = ""
	require.NoError(t, f.escrowStore.UpdateAllocation(ctx, broken))

	_, err = f.service.Generate(ctx, "store_a", year, month)
	assert.ErrorIs(t, err, ErrReconciliationMismatch)
}

func TestGenerateReleasedBeforePayoutCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	allocations := f.eligible(t, "ord_1")
	year, month := thisMonth()

	// The payout exists but never completed; its allocation must not read
	// as released.
	p, err := f.payouts.ScheduleForStore(ctx, "store_a")
	require.NoError(t, err)

	now := time.Now()
	broken, err := f.escrowStore.GetAllocation(ctx, allocations[0].ID)
	require.NoError(t, err)
	require.Equal(t, p.ID, broken.PayoutID)
	broken.State = escrow.StateReleased
	broken.ReleasedAt = &now
	require.NoError(t, f.escrowStore.UpdateAllocation(ctx, broken))

	_, err = f.service.Generate(ctx, "store_a", year, month)
	assert.ErrorIs(t, err, ErrReconciliationMismatch)
}

func TestGenerateReleasedAmountDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	allocations := f.eligible(t, "ord_1")
	year, month := thisMonth()
	f.payOut(t, "store_a")

	// The allocation drifted after release; the payout's frozen line item
	// still carries the original amount.
	broken, err := f.escrowStore.GetAllocation(ctx, allocations[0].ID)
	require.NoError(t, err)
	broken.GrossAmount += 7
	broken.SellerAmount += 7
	require.NoError(t, f.escrowStore.UpdateAllocation(ctx, broken))

	_, err = f.service.Generate(ctx, "store_a", year, month)
	assert.ErrorIs(t, err, ErrReconciliationMismatch)
}

func TestGenerateReconciliationMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	allocations := f.eligible(t, "ord_1")
	year, month := thisMonth()

	// Corrupt an allocation so gross != seller + shipping + commission.
	broken, err := f.escrowStore.GetAllocation(ctx, allocations[0].ID)
	require.NoError(t, err)
	broken.SellerAmount += 7
	require.NoError(t, f.escrowStore.UpdateAllocation(ctx, broken))

	_, err = f.service.Generate(ctx, "store_a", year, month)
	assert.ErrorIs(t, err, ErrReconciliationMismatch)

	// The halted run left nothing behind.
	_, err = f.service.Generate(ctx, "store_b", year, month)
	assert.NoError(t, err)
}

func TestGenerateAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.eligible(t, "ord_1")
	year, month := thisMonth()

	require.NoError(t, f.service.GenerateAll(ctx, year, month))

	a, err := f.service.ListByStore(ctx, "store_a", 10)
	require.NoError(t, err)
	assert.Len(t, a, 1)
	b, err := f.service.ListByStore(ctx, "store_b", 10)
	require.NoError(t, err)
	assert.Len(t, b, 1)

	// Idempotent: already-settled stores are skipped.
	require.NoError(t, f.service.GenerateAll(ctx, year, month))
	a, err = f.service.ListByStore(ctx, "store_a", 10)
	require.NoError(t, err)
	assert.Len(t, a, 1)
}

func TestIssueAndMarkPaid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.eligible(t, "ord_1")
	year, month := thisMonth()

	st, err := f.service.Generate(ctx, "store_a", year, month)
	require.NoError(t, err)

	_, err = f.service.MarkPaid(ctx, st.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	st, err = f.service.Issue(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIssued, st.Status)
	require.NotNil(t, st.IssuedAt)
	assert.Len(t, f.notifier.invoiced, 1)

	_, err = f.service.Issue(ctx, st.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	st, err = f.service.MarkPaid(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, st.Status)

	inv, err := f.service.GetInvoice(ctx, st.ID)
	require.NoError(t, err)
	require.NotNil(t, inv.PaidAt)
}

func TestCreateCreditNote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.eligible(t, "ord_1")
	year, month := thisMonth()

	st, err := f.service.Generate(ctx, "store_a", year, month)
	require.NoError(t, err)

	// Drafts cannot take credit notes.
	_, err = f.service.CreateCreditNote(ctx, st.ID, 500, "late refund")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.service.Issue(ctx, st.ID)
	require.NoError(t, err)

	// Cannot credit more than was invoiced.
	_, err = f.service.CreateCreditNote(ctx, st.ID, st.CommissionTotal+1, "too much")
	assert.ErrorIs(t, err, money.ErrInvalidAmount)

	note, err := f.service.CreateCreditNote(ctx, st.ID, 500, "late refund")
	require.NoError(t, err)
	assert.Equal(t, int64(500), note.Amount)
	assert.Equal(t, "store_a", note.StoreID)

	notes, err := f.service.ListCreditNotes(ctx, st.ID)
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}
