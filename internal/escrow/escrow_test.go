package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkowalski/marketpay/internal/money"
	"github.com/mkowalski/marketpay/internal/provider"
)

// flatCommission charges a fixed percentage in basis points on every shipment.
type flatCommission struct {
	bps int64
}

func (f flatCommission) Compute(ctx context.Context, amount int64, categoryID, storeID string, asOf time.Time) (int64, error) {
	return money.PercentBps(amount, f.bps), nil
}

func newTestService(window time.Duration) (*Service, *provider.Sandbox) {
	store := NewMemoryStore()
	sbx := provider.NewSandbox()
	svc := NewService(store, flatCommission{bps: 1000}, sbx, window) // 10%
	return svc, sbx
}

func captureOrder(t *testing.T, svc *Service) (*Payment, []*Allocation) {
	t.Helper()
	payment, allocations, err := svc.Capture(context.Background(), CaptureRequest{
		OrderID:  "ord_1",
		BuyerID:  "buyer_1",
		Amount:   "150.00",
		Currency: "PLN",
		Shipments: []ShipmentInput{
			{ShipmentID: "shp_1", StoreID: "store_a", CategoryID: "books", Amount: "100.00", ShippingAmount: "10.00"},
			{ShipmentID: "shp_2", StoreID: "store_b", Amount: "50.00"},
		},
	})
	require.NoError(t, err)
	return payment, allocations
}

func TestCapture(t *testing.T) {
	svc, _ := newTestService(14 * 24 * time.Hour)
	ctx := context.Background()

	payment, allocations, err := svc.Capture(ctx, CaptureRequest{
		OrderID:  "ord_1",
		BuyerID:  "buyer_1",
		Amount:   "150.00",
		Currency: "PLN",
		Shipments: []ShipmentInput{
			{ShipmentID: "shp_1", StoreID: "store_a", Amount: "100.00", ShippingAmount: "10.00"},
			{ShipmentID: "shp_2", StoreID: "store_b", Amount: "50.00"},
		},
	})
	require.NoError(t, err)
	require.Len(t, allocations, 2)

	assert.Equal(t, int64(15000), payment.Amount)

	var gross int64
	for _, a := range allocations {
		assert.Equal(t, StateHeld, a.State)
		assert.Equal(t, a.GrossAmount, a.SellerAmount+a.ShippingAmount+a.CommissionAmount)
		gross += a.GrossAmount
	}
	// Allocations always cover the full payment.
	assert.Equal(t, payment.Amount, gross)

	// 10% commission on the shipment gross, frozen at capture time. The
	// shipping portion passes through untouched.
	assert.Equal(t, int64(1000), allocations[0].CommissionAmount)
	assert.Equal(t, int64(1000), allocations[0].ShippingAmount)
	assert.Equal(t, int64(8000), allocations[0].SellerAmount)
	assert.Equal(t, int64(4500), allocations[1].SellerAmount)

	got, err := svc.GetPaymentByOrderID(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, payment.ID, got.ID)
}

func TestCaptureAmountMismatch(t *testing.T) {
	svc, _ := newTestService(time.Hour)
	_, _, err := svc.Capture(context.Background(), CaptureRequest{
		OrderID:  "ord_1",
		BuyerID:  "buyer_1",
		Amount:   "150.00",
		Currency: "PLN",
		Shipments: []ShipmentInput{
			{ShipmentID: "shp_1", StoreID: "store_a", Amount: "100.00"},
		},
	})
	assert.ErrorIs(t, err, ErrAmountMismatch)
}

func TestCaptureItems(t *testing.T) {
	svc, _ := newTestService(time.Hour)
	ctx := context.Background()

	// Item amounts must sum to the shipment gross minus shipping.
	_, _, err := svc.Capture(ctx, CaptureRequest{
		OrderID:  "ord_items_bad",
		BuyerID:  "buyer_1",
		Amount:   "100.00",
		Currency: "PLN",
		Shipments: []ShipmentInput{
			{ShipmentID: "shp_1", StoreID: "store_a", Amount: "100.00", ShippingAmount: "10.00",
				Items: []ItemInput{{ItemID: "itm_1", Amount: "100.00"}}},
		},
	})
	assert.ErrorIs(t, err, ErrAmountMismatch)

	_, allocations, err := svc.Capture(ctx, CaptureRequest{
		OrderID:  "ord_items",
		BuyerID:  "buyer_1",
		Amount:   "100.00",
		Currency: "PLN",
		Shipments: []ShipmentInput{
			{ShipmentID: "shp_1", StoreID: "store_a", Amount: "100.00", ShippingAmount: "10.00",
				Items: []ItemInput{
					{ItemID: "itm_1", Amount: "60.00"},
					{ItemID: "itm_2", Amount: "30.00"},
				}},
		},
	})
	require.NoError(t, err)
	require.Len(t, allocations, 1)
	require.Len(t, allocations[0].Items, 2)
	assert.Equal(t, int64(6000), allocations[0].Items[0].Amount)
}

func TestCaptureConfirmsProviderPayment(t *testing.T) {
	svc, sbx := newTestService(time.Hour)
	ctx := context.Background()

	res, err := svc.Initiate(ctx, InitiateRequest{OrderID: "ord_1", Amount: "150.00", Currency: "PLN"})
	require.NoError(t, err)
	require.Equal(t, provider.PaymentCompleted, res.Status)

	req := CaptureRequest{
		OrderID:     "ord_1",
		BuyerID:     "buyer_1",
		Amount:      "150.00",
		Currency:    "PLN",
		ProviderRef: res.ProviderRef,
		Shipments: []ShipmentInput{
			{ShipmentID: "shp_1", StoreID: "store_a", Amount: "150.00"},
		},
	}

	// A payment the provider has not completed never enters escrow.
	sbx.SetPaymentStatus(res.ProviderRef, provider.PaymentPending)
	_, _, err = svc.Capture(ctx, req)
	assert.ErrorIs(t, err, ErrPaymentNotConfirmed)

	sbx.SetPaymentStatus(res.ProviderRef, provider.PaymentCompleted)
	payment, allocations, err := svc.Capture(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, res.ProviderRef, payment.ProviderRef)
	require.Len(t, allocations, 1)
}

func TestMarkEligible(t *testing.T) {
	ctx := context.Background()

	t.Run("window still open", func(t *testing.T) {
		svc, _ := newTestService(time.Hour)
		_, allocations := captureOrder(t, svc)
		_, err := svc.MarkEligible(ctx, allocations[0].ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("window passed", func(t *testing.T) {
		svc, _ := newTestService(-time.Second)
		_, allocations := captureOrder(t, svc)
		a, err := svc.MarkEligible(ctx, allocations[0].ID)
		require.NoError(t, err)
		assert.Equal(t, StateEligible, a.State)
		require.NotNil(t, a.EligibleAt)
	})

	t.Run("already eligible", func(t *testing.T) {
		svc, _ := newTestService(-time.Second)
		_, allocations := captureOrder(t, svc)
		_, err := svc.MarkEligible(ctx, allocations[0].ID)
		require.NoError(t, err)
		_, err = svc.MarkEligible(ctx, allocations[0].ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("open dispute blocks eligibility", func(t *testing.T) {
		svc, _ := newTestService(-time.Second)
		_, allocations := captureOrder(t, svc)
		_, err := svc.OpenDispute(ctx, allocations[0].ID, "item not received")
		require.NoError(t, err)

		_, err = svc.MarkEligible(ctx, allocations[0].ID)
		assert.ErrorIs(t, err, ErrDisputeOpen)

		// Closing the dispute unblocks the sweep.
		_, err = svc.CloseDispute(ctx, allocations[0].ID)
		require.NoError(t, err)
		a, err := svc.MarkEligible(ctx, allocations[0].ID)
		require.NoError(t, err)
		assert.Equal(t, StateEligible, a.State)
	})
}

func TestDispute(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(-time.Second)
	_, allocations := captureOrder(t, svc)
	id := allocations[0].ID

	_, err := svc.CloseDispute(ctx, id)
	assert.ErrorIs(t, err, ErrNoDispute)

	a, err := svc.OpenDispute(ctx, id, "damaged")
	require.NoError(t, err)
	assert.True(t, a.DisputeOpen)
	assert.Equal(t, "damaged", a.DisputeReason)

	_, err = svc.OpenDispute(ctx, id, "again")
	assert.ErrorIs(t, err, ErrDisputeOpen)

	// Eligible allocations cannot be disputed.
	other := allocations[1].ID
	_, err = svc.MarkEligible(ctx, other)
	require.NoError(t, err)
	_, err = svc.OpenDispute(ctx, other, "too late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApplyRefundFull(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(time.Hour)
	_, allocations := captureOrder(t, svc)
	a := allocations[0]

	require.NoError(t, svc.ClaimForRefund(ctx, a.ID, "ref_1"))
	refunded, err := svc.ApplyRefund(ctx, a.ID, "ref_1", a.GrossAmount)
	require.NoError(t, err)
	assert.Equal(t, StateRefunded, refunded.State)
	assert.Equal(t, int64(0), refunded.SellerAmount)
	assert.Equal(t, int64(0), refunded.ShippingAmount)
	assert.Equal(t, int64(10000), refunded.RefundedAmount)
	assert.Empty(t, refunded.RefundID)
	require.NotNil(t, refunded.RefundedAt)

	// Terminal: nothing else may touch it.
	err = svc.ClaimForRefund(ctx, a.ID, "ref_2")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.MarkEligible(ctx, a.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApplyRefundPartial(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(time.Hour)
	_, allocations := captureOrder(t, svc)
	a := allocations[0] // 100.00 gross: 80.00 seller, 10.00 shipping, 10.00 commission

	require.NoError(t, svc.ClaimForRefund(ctx, a.ID, "ref_1"))
	refunded, err := svc.ApplyRefund(ctx, a.ID, "ref_1", 3000) // refund 30.00
	require.NoError(t, err)
	assert.Equal(t, StateHeld, refunded.State)
	assert.Equal(t, int64(7000), refunded.GrossAmount)
	// Commission and shipping shrink by the refunded share: 30% each.
	assert.Equal(t, int64(700), refunded.CommissionAmount)
	assert.Equal(t, int64(700), refunded.ShippingAmount)
	assert.Equal(t, int64(5600), refunded.SellerAmount)
	assert.Equal(t, int64(3000), refunded.RefundedAmount)

	// Second partial refund stacks.
	require.NoError(t, svc.ClaimForRefund(ctx, a.ID, "ref_2"))
	refunded, err = svc.ApplyRefund(ctx, a.ID, "ref_2", 7000)
	require.NoError(t, err)
	assert.Equal(t, StateRefunded, refunded.State)
	assert.Equal(t, int64(10000), refunded.RefundedAmount)
}

func TestApplyRefundValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(time.Hour)
	_, allocations := captureOrder(t, svc)
	a := allocations[0]

	// No claim, no refund.
	_, err := svc.ApplyRefund(ctx, a.ID, "ref_1", 100)
	assert.ErrorIs(t, err, ErrAllocationClaimed)

	require.NoError(t, svc.ClaimForRefund(ctx, a.ID, "ref_1"))
	_, err = svc.ApplyRefund(ctx, a.ID, "ref_1", 0)
	assert.ErrorIs(t, err, money.ErrInvalidAmount)
	_, err = svc.ApplyRefund(ctx, a.ID, "ref_1", a.GrossAmount+1)
	assert.ErrorIs(t, err, money.ErrInvalidAmount)
	_, err = svc.ApplyRefund(ctx, "alc_missing", "ref_1", 100)
	assert.ErrorIs(t, err, ErrAllocationNotFound)
}

func TestRefundClaim(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(-time.Second)
	_, allocations := captureOrder(t, svc)
	a := allocations[0]

	_, err := svc.MarkEligible(ctx, a.ID)
	require.NoError(t, err)

	require.NoError(t, svc.ClaimForRefund(ctx, a.ID, "ref_1"))
	// Idempotent for the same refund.
	require.NoError(t, svc.ClaimForRefund(ctx, a.ID, "ref_1"))
	// Exclusive against other refunds.
	assert.ErrorIs(t, svc.ClaimForRefund(ctx, a.ID, "ref_2"), ErrAllocationClaimed)

	// A payout run must not pick up an allocation a refund is returning.
	claimed, err := svc.ClaimForPayout(ctx, "store_a", "pay_1")
	require.NoError(t, err)
	assert.Empty(t, claimed)
	stores, err := svc.ListEligibleStores(ctx)
	require.NoError(t, err)
	assert.NotContains(t, stores, "store_a")

	// Releasing the claim returns it to the payable pool.
	require.NoError(t, svc.ReleaseRefundClaim(ctx, a.ID, "ref_1"))
	claimed, err = svc.ClaimForPayout(ctx, "store_a", "pay_2")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// And payout-claimed allocations refuse refund claims.
	assert.ErrorIs(t, svc.ClaimForRefund(ctx, a.ID, "ref_3"), ErrAllocationClaimed)
}

func TestPayoutClaimReleaseDetach(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(-time.Second)
	_, allocations := captureOrder(t, svc)

	for _, a := range allocations {
		_, err := svc.MarkEligible(ctx, a.ID)
		require.NoError(t, err)
	}

	stores, err := svc.ListEligibleStores(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"store_a", "store_b"}, stores)

	claimed, err := svc.ClaimForPayout(ctx, "store_a", "pay_1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "pay_1", claimed[0].PayoutID)

	// Claimed allocations are excluded from further claims and refunds.
	again, err := svc.ClaimForPayout(ctx, "store_a", "pay_2")
	require.NoError(t, err)
	assert.Empty(t, again)
	err = svc.ClaimForRefund(ctx, claimed[0].ID, "ref_1")
	assert.ErrorIs(t, err, ErrAllocationClaimed)

	t.Run("detach returns to eligible pool", func(t *testing.T) {
		require.NoError(t, svc.DetachFromPayout(ctx, "pay_1"))
		a, err := svc.GetAllocation(ctx, claimed[0].ID)
		require.NoError(t, err)
		assert.Equal(t, StateEligible, a.State)
		assert.Empty(t, a.PayoutID)
	})

	t.Run("release transitions to released", func(t *testing.T) {
		claimed, err := svc.ClaimForPayout(ctx, "store_a", "pay_3")
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		require.NoError(t, svc.ReleaseForPayout(ctx, "pay_3"))
		a, err := svc.GetAllocation(ctx, claimed[0].ID)
		require.NoError(t, err)
		assert.Equal(t, StateReleased, a.State)
		require.NotNil(t, a.ReleasedAt)

		// Released funds are final: no refunds.
		err = svc.ClaimForRefund(ctx, a.ID, "ref_1")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestSellerBalance(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(-time.Second)
	_, allocations := captureOrder(t, svc)

	// store_a: 90.00 held (80.00 seller + 10.00 shipping). store_b: 45.00 held.
	b, err := svc.SellerBalance(ctx, "store_a")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), b.Held)
	assert.Equal(t, int64(0), b.Eligible)

	_, err = svc.MarkEligible(ctx, allocations[0].ID)
	require.NoError(t, err)

	b, err = svc.SellerBalance(ctx, "store_a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Held)
	assert.Equal(t, int64(9000), b.Eligible)
}
