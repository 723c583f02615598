package provider

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/mkowalski/marketpay/internal/config"
	"github.com/mkowalski/marketpay/internal/money"
)

func TestSandboxIdempotency(t *testing.T) {
	ctx := context.Background()
	sbx := NewSandbox()

	req := RefundRequest{
		PaymentRef:     "ch_1",
		Amount:         5000,
		Currency:       money.PLN,
		IdempotencyKey: "ref_key_1",
	}

	first, err := sbx.Refund(ctx, req)
	require.NoError(t, err)
	second, err := sbx.Refund(ctx, req)
	require.NoError(t, err)

	// Same key, same reference, one recorded call.
	assert.Equal(t, first.ProviderRef, second.ProviderRef)
	assert.Len(t, sbx.Refunds, 1)
}

func TestSandboxScriptedFailures(t *testing.T) {
	ctx := context.Background()
	sbx := NewSandbox()
	sbx.FailNext(ErrUnavailable)
	sbx.FailNext(ErrRejected)

	_, err := sbx.Payout(ctx, PayoutRequest{Destination: "acct_1", Amount: 100, Currency: money.PLN, IdempotencyKey: "k1"})
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = sbx.Payout(ctx, PayoutRequest{Destination: "acct_1", Amount: 100, Currency: money.PLN, IdempotencyKey: "k2"})
	assert.ErrorIs(t, err, ErrRejected)

	// Queue drained, calls succeed again.
	_, err = sbx.Payout(ctx, PayoutRequest{Destination: "acct_1", Amount: 100, Currency: money.PLN, IdempotencyKey: "k3"})
	assert.NoError(t, err)
}

func TestSandboxPaymentLifecycle(t *testing.T) {
	ctx := context.Background()
	sbx := NewSandbox()

	res, err := sbx.InitiatePayment(ctx, PaymentRequest{
		Amount:         10000,
		Currency:       money.PLN,
		OrderID:        "ord_1",
		IdempotencyKey: "pay_key_1",
	})
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, res.Status)
	assert.NotEmpty(t, res.ProviderRef)

	st, err := sbx.ConfirmPayment(ctx, res.ProviderRef)
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, st)

	// Scripted statuses surface on confirmation.
	sbx.SetPaymentStatus(res.ProviderRef, PaymentFailed)
	st, err = sbx.ConfirmPayment(ctx, res.ProviderRef)
	require.NoError(t, err)
	assert.Equal(t, PaymentFailed, st)

	// Replaying the idempotency key returns the original reference.
	again, err := sbx.InitiatePayment(ctx, PaymentRequest{IdempotencyKey: "pay_key_1"})
	require.NoError(t, err)
	assert.Equal(t, res.ProviderRef, again.ProviderRef)
	assert.Len(t, sbx.Payments, 1)
}

func TestSandboxRefundStatus(t *testing.T) {
	ctx := context.Background()
	sbx := NewSandbox()

	res, err := sbx.Refund(ctx, RefundRequest{PaymentRef: "pi_1", Amount: 500, Currency: money.PLN, IdempotencyKey: "rk1"})
	require.NoError(t, err)

	st, err := sbx.GetRefundStatus(ctx, res.ProviderRef)
	require.NoError(t, err)
	assert.Equal(t, RefundSucceeded, st)

	st, err = sbx.GetRefundStatus(ctx, "re_unknown")
	require.NoError(t, err)
	assert.Equal(t, RefundPending, st)
}

func TestMapStripeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"rate limited", &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}, ErrUnavailable},
		{"server error", &stripe.Error{HTTPStatusCode: http.StatusBadGateway}, ErrUnavailable},
		{"card declined", &stripe.Error{Type: stripe.ErrorTypeCard, HTTPStatusCode: http.StatusPaymentRequired}, ErrRejected},
		{"invalid request", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusBadRequest}, ErrRejected},
		{"non-stripe network error", context.DeadlineExceeded, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapStripeError(tt.err), tt.want)
		})
	}
}

func TestNewSelectsByConfig(t *testing.T) {
	p, err := New(&config.Config{Provider: "sandbox"})
	require.NoError(t, err)
	assert.Equal(t, "sandbox", p.Name())

	p, err = New(&config.Config{Provider: "stripe", StripeAPIKey: "sk_test_x"})
	require.NoError(t, err)
	assert.Equal(t, "stripe", p.Name())

	_, err = New(&config.Config{Provider: "paypal"})
	assert.Error(t, err)
}
