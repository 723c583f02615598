package refund

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkowalski/marketpay/internal/escrow"
	"github.com/mkowalski/marketpay/internal/money"
	"github.com/mkowalski/marketpay/internal/provider"
)

type flatCommission struct{ bps int64 }

func (f flatCommission) Compute(ctx context.Context, amount int64, categoryID, storeID string, asOf time.Time) (int64, error) {
	return money.PercentBps(amount, f.bps), nil
}

type recordingNotifier struct {
	processed []string
	failed    []string
}

func (n *recordingNotifier) RefundProcessed(ctx context.Context, r *Refund) {
	n.processed = append(n.processed, r.ID)
}

func (n *recordingNotifier) RefundFailed(ctx context.Context, r *Refund) {
	n.failed = append(n.failed, r.ID)
}

type fixture struct {
	escrows  *escrow.Service
	sandbox  *provider.Sandbox
	notifier *recordingNotifier
	service  *Service
}

func newFixture(t *testing.T, maxAttempts int, disputeWindow time.Duration) *fixture {
	t.Helper()
	sbx := provider.NewSandbox()
	f := &fixture{
		escrows:  escrow.NewService(escrow.NewMemoryStore(), flatCommission{bps: 1000}, sbx, disputeWindow),
		sandbox:  sbx,
		notifier: &recordingNotifier{},
	}
	f.service = NewService(NewMemoryStore(), f.escrows, f.sandbox, f.notifier,
		maxAttempts, time.Hour, 24*time.Hour)
	return f
}

func (f *fixture) capture(t *testing.T) (*escrow.Payment, []*escrow.Allocation) {
	t.Helper()
	payment, allocations, err := f.escrows.Capture(context.Background(), escrow.CaptureRequest{
		OrderID:     "ord_1",
		BuyerID:     "buyer_1",
		Amount:      "150.00",
		Currency:    "PLN",
		ProviderRef: "pi_test_1",
		Shipments: []escrow.ShipmentInput{
			{ShipmentID: "shp_1", StoreID: "store_a", Amount: "100.00", Items: []escrow.ItemInput{
				{ItemID: "itm_1", Amount: "60.00"},
				{ItemID: "itm_2", Amount: "40.00"},
			}},
			{ShipmentID: "shp_2", StoreID: "store_b", Amount: "50.00"},
		},
	})
	require.NoError(t, err)
	return payment, allocations
}

func TestProcessFullRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, time.Hour)
	payment, allocations := f.capture(t)

	r, err := f.service.Process(ctx, Request{
		OrderID:        "ord_1",
		IdempotencyKey: "key_full",
		Reason:         "order cancelled",
		InitiatorID:    "buyer_1",
		InitiatorType:  "buyer",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, payment.Amount, r.Amount)
	assert.NotEmpty(t, r.ProviderRef)
	assert.Equal(t, "buyer_1", r.InitiatorID)
	assert.Equal(t, "buyer", r.InitiatorType)
	require.NotNil(t, r.ProcessedAt)

	// Every allocation flipped to Refunded.
	for _, a := range allocations {
		got, err := f.escrows.GetAllocation(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, escrow.StateRefunded, got.State)
	}

	// Processor was told to refund against the original charge.
	require.Len(t, f.sandbox.Refunds, 1)
	assert.Equal(t, "pi_test_1", f.sandbox.Refunds[0].PaymentRef)
	assert.Equal(t, payment.Amount, f.sandbox.Refunds[0].Amount)

	assert.Equal(t, []string{r.ID}, f.notifier.processed)
}

func TestProcessPartialRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, time.Hour)
	_, allocations := f.capture(t)

	// 30.00 across 100.00 + 50.00 splits 20.00 / 10.00.
	r, err := f.service.Process(ctx, Request{
		OrderID:        "ord_1",
		Amount:         "30.00",
		IdempotencyKey: "key_partial",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, int64(3000), r.Amount)

	lines, err := f.service.ListLines(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)

	var total int64
	amounts := make(map[string]int64)
	for _, l := range lines {
		assert.True(t, l.Applied)
		total += l.Amount
		amounts[l.AllocationID] = l.Amount
	}
	assert.Equal(t, int64(3000), total)
	assert.Equal(t, int64(2000), amounts[allocations[0].ID])
	assert.Equal(t, int64(1000), amounts[allocations[1].ID])

	// Allocations shrank but stayed refundable, with the claim gone.
	a0, err := f.escrows.GetAllocation(ctx, allocations[0].ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateHeld, a0.State)
	assert.Equal(t, int64(8000), a0.GrossAmount)
	assert.Equal(t, int64(800), a0.CommissionAmount)
	assert.Empty(t, a0.RefundID)
}

func TestProcessShipmentRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, time.Hour)
	_, allocations := f.capture(t)

	// Scoped to one shipment: the other seller's allocation is untouched.
	r, err := f.service.Process(ctx, Request{
		OrderID:        "ord_1",
		ShipmentID:     "shp_2",
		IdempotencyKey: "key_shp",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, int64(5000), r.Amount)
	assert.Equal(t, "shp_2", r.ShipmentID)

	a0, err := f.escrows.GetAllocation(ctx, allocations[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), a0.GrossAmount)

	a1, err := f.escrows.GetAllocation(ctx, allocations[1].ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateRefunded, a1.State)
}

func TestProcessItemRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, time.Hour)
	_, allocations := f.capture(t)

	// Refunding one 60.00 item draws only on its shipment's allocation.
	r, err := f.service.Process(ctx, Request{
		OrderID:        "ord_1",
		ShipmentID:     "shp_1",
		ItemIDs:        []string{"itm_1"},
		IdempotencyKey: "key_item",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, int64(6000), r.Amount)

	a0, err := f.escrows.GetAllocation(ctx, allocations[0].ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateHeld, a0.State)
	assert.Equal(t, int64(4000), a0.GrossAmount)

	// Item IDs outside the order are rejected.
	_, err = f.service.Process(ctx, Request{
		OrderID:        "ord_1",
		ItemIDs:        []string{"itm_nope"},
		IdempotencyKey: "key_item_bad",
	})
	assert.ErrorIs(t, err, ErrUnknownItems)
}

func TestCalculateAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, time.Hour)
	f.capture(t)

	amount, cur, err := f.service.CalculateAmount(ctx, "ord_1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), amount)
	assert.Equal(t, money.PLN, cur)

	amount, _, err = f.service.CalculateAmount(ctx, "ord_1", "shp_1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), amount)

	amount, _, err = f.service.CalculateAmount(ctx, "ord_1", "", []string{"itm_1", "itm_2"})
	require.NoError(t, err)
	assert.Equal(t, int64(10000), amount)

	amount, _, err = f.service.CalculateAmount(ctx, "ord_1", "", []string{"itm_2"})
	require.NoError(t, err)
	assert.Equal(t, int64(4000), amount)

	_, _, err = f.service.CalculateAmount(ctx, "ord_1", "", []string{"itm_ghost"})
	assert.ErrorIs(t, err, ErrUnknownItems)

	_, _, err = f.service.CalculateAmount(ctx, "ord_missing", "", nil)
	assert.ErrorIs(t, err, escrow.ErrPaymentNotFound)
}

func TestProcessIdempotency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, time.Hour)
	f.capture(t)

	req := Request{OrderID: "ord_1", Amount: "10.00", IdempotencyKey: "key_1"}
	first, err := f.service.Process(ctx, req)
	require.NoError(t, err)

	second, err := f.service.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	// The processor saw exactly one call.
	assert.Len(t, f.sandbox.Refunds, 1)

	// Same key against a different order is a conflict.
	_, err = f.service.Process(ctx, Request{OrderID: "ord_2", IdempotencyKey: "key_1"})
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestProcessValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, time.Hour)
	f.capture(t)

	_, err := f.service.Process(ctx, Request{OrderID: "ord_missing", IdempotencyKey: "k1"})
	assert.ErrorIs(t, err, escrow.ErrPaymentNotFound)

	_, err = f.service.Process(ctx, Request{OrderID: "ord_1", Amount: "999.00", IdempotencyKey: "k2"})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = f.service.Process(ctx, Request{OrderID: "ord_1", Amount: "-5.00", IdempotencyKey: "k3"})
	assert.ErrorIs(t, err, money.ErrInvalidAmount)

	// Refund everything, then there is nothing left.
	_, err = f.service.Process(ctx, Request{OrderID: "ord_1", IdempotencyKey: "k4"})
	require.NoError(t, err)
	_, err = f.service.Process(ctx, Request{OrderID: "ord_1", IdempotencyKey: "k5"})
	assert.ErrorIs(t, err, ErrNothingToRefund)
}

func TestProcessClaimsAllocations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, -time.Second)
	_, allocations := f.capture(t)
	for _, a := range allocations {
		_, err := f.escrows.MarkEligible(ctx, a.ID)
		require.NoError(t, err)
	}

	// The refund reserves its allocations before the processor call, so a
	// payout run started while the refund is in flight finds nothing.
	f.sandbox.FailNext(provider.ErrUnavailable)
	r, err := f.service.Process(ctx, Request{OrderID: "ord_1", IdempotencyKey: "key_claim"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)

	for _, a := range allocations {
		got, err := f.escrows.GetAllocation(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, r.ID, got.RefundID)
	}
	claimed, err := f.escrows.ClaimForPayout(ctx, "store_a", "pay_1")
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// The retry completes the refund with the funds still reserved.
	retried, err := f.service.Retry(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, retried.Status)
	for _, a := range allocations {
		got, err := f.escrows.GetAllocation(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, escrow.StateRefunded, got.State)
	}
}

func TestProcessTransientFailureThenRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, time.Hour)
	f.capture(t)
	f.sandbox.FailNext(provider.ErrUnavailable)

	r, err := f.service.Process(ctx, Request{OrderID: "ord_1", IdempotencyKey: "key_retry"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, 1, r.Attempts)
	require.NotNil(t, r.NextRetryAt)
	assert.True(t, r.NextRetryAt.After(time.Now()))

	retried, err := f.service.Retry(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, retried.Status)
	assert.Equal(t, 2, retried.Attempts)
	assert.Nil(t, retried.NextRetryAt)
}

func TestProcessRejectedFailsImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, time.Hour)
	_, allocations := f.capture(t)
	f.sandbox.FailNext(provider.ErrRejected)

	r, err := f.service.Process(ctx, Request{OrderID: "ord_1", IdempotencyKey: "key_rej"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status)
	assert.NotEmpty(t, r.FailureReason)
	assert.Equal(t, "rejected", r.ErrorCode)
	assert.Equal(t, []string{r.ID}, f.notifier.failed)

	// Escrow untouched, with the reservation given back.
	a, err := f.escrows.GetAllocation(ctx, allocations[0].ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateHeld, a.State)
	assert.Equal(t, int64(10000), a.GrossAmount)
	assert.Empty(t, a.RefundID)
}

func TestRetryFailedRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, time.Hour)
	_, allocations := f.capture(t)
	f.sandbox.FailNext(provider.ErrRejected)

	r, err := f.service.Process(ctx, Request{OrderID: "ord_1", IdempotencyKey: "key_manual"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, r.Status)

	// Failed refunds land in the operator queue instead of vanishing.
	failed, err := f.service.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, r.ID, failed[0].ID)

	// A manual retry re-reserves the allocations and runs the processor again.
	retried, err := f.service.Retry(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, retried.Status)
	assert.Empty(t, retried.FailureReason)
	assert.Empty(t, retried.ErrorCode)

	for _, a := range allocations {
		got, err := f.escrows.GetAllocation(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, escrow.StateRefunded, got.State)
	}

	// Completed refunds stay done.
	_, err = f.service.Retry(ctx, retried.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestProcessRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, time.Hour)
	f.capture(t)
	f.sandbox.FailNext(provider.ErrUnavailable)
	f.sandbox.FailNext(provider.ErrUnavailable)

	r, err := f.service.Process(ctx, Request{OrderID: "ord_1", IdempotencyKey: "key_ex"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)

	// The second and final attempt fails the refund for good.
	r, err = f.service.Retry(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, 2, r.Attempts)
	assert.Equal(t, "unavailable", r.ErrorCode)
	assert.Equal(t, []string{r.ID}, f.notifier.failed)
}

func TestProviderStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, time.Hour)
	f.capture(t)

	r, err := f.service.Process(ctx, Request{OrderID: "ord_1", IdempotencyKey: "key_ps"})
	require.NoError(t, err)

	st, err := f.service.ProviderStatus(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.RefundSucceeded, st)

	// A refund that never reached the processor has no status to ask for.
	f2 := newFixture(t, 3, time.Hour)
	f2.capture(t)
	f2.sandbox.FailNext(provider.ErrRejected)
	failed, err := f2.service.Process(ctx, Request{OrderID: "ord_1", IdempotencyKey: "key_ps2"})
	require.NoError(t, err)
	_, err = f2.service.ProviderStatus(ctx, failed.ID)
	assert.ErrorIs(t, err, ErrNoProviderRef)
}

func TestDueRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, time.Hour)
	f.capture(t)
	f.sandbox.FailNext(provider.ErrUnavailable)

	r, err := f.service.Process(ctx, Request{OrderID: "ord_1", IdempotencyKey: "key_due"})
	require.NoError(t, err)

	// Not due yet: the backoff pushed the retry an hour out.
	due, err := f.service.DueRetries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	past := time.Now().Add(-time.Minute)
	r.NextRetryAt = &past
	require.NoError(t, f.service.store.Update(ctx, r))

	due, err = f.service.DueRetries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, r.ID, due[0].ID)
}
