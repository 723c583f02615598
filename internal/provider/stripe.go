package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mkowalski/marketpay/internal/circuitbreaker"
	"github.com/mkowalski/marketpay/internal/metrics"
)

// Stripe executes refunds and payouts through the Stripe API.
// Refunds target the original PaymentIntent; payouts are transfers to the
// seller's connected account. A per-operation circuit breaker sheds calls
// while Stripe is down so retries back off instead of hammering the API.
type Stripe struct {
	api     *client.API
	breaker *circuitbreaker.Breaker
}

// NewStripe creates a Stripe-backed provider.
func NewStripe(apiKey string) *Stripe {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &Stripe{
		api:     api,
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// Name returns the provider identifier.
func (s *Stripe) Name() string { return "stripe" }

// InitiatePayment opens a PaymentIntent for the buyer's charge.
func (s *Stripe) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if !s.breaker.Allow("payment") {
		return nil, fmt.Errorf("stripe payment: %w: circuit open", ErrUnavailable)
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(string(req.Currency))),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	if req.OrderID != "" {
		params.AddMetadata("order_id", req.OrderID)
	}

	start := time.Now()
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		mapped := mapStripeError(err)
		s.record("payment", mapped)
		metrics.ProviderCallDuration.WithLabelValues("payment", outcomeLabel(mapped)).Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("stripe payment: %w", mapped)
	}
	s.breaker.RecordSuccess("payment")
	metrics.ProviderCallDuration.WithLabelValues("payment", "ok").Observe(time.Since(start).Seconds())

	return &PaymentResult{ProviderRef: pi.ID, Status: paymentStatusFrom(pi.Status)}, nil
}

// ConfirmPayment fetches the current state of a PaymentIntent. Funds are
// only captured into escrow once this reports PaymentCompleted.
func (s *Stripe) ConfirmPayment(ctx context.Context, providerRef string) (PaymentStatus, error) {
	if !s.breaker.Allow("payment") {
		return "", fmt.Errorf("stripe payment: %w: circuit open", ErrUnavailable)
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.Get(providerRef, params)
	if err != nil {
		mapped := mapStripeError(err)
		s.record("payment", mapped)
		return "", fmt.Errorf("stripe payment: %w", mapped)
	}
	s.breaker.RecordSuccess("payment")
	return paymentStatusFrom(pi.Status), nil
}

func paymentStatusFrom(st stripe.PaymentIntentStatus) PaymentStatus {
	switch st {
	case stripe.PaymentIntentStatusSucceeded:
		return PaymentCompleted
	case stripe.PaymentIntentStatusCanceled:
		return PaymentCancelled
	default:
		return PaymentPending
	}
}

// Refund issues a refund against the original charge. The idempotency key
// guarantees that retried calls never produce duplicate refunds.
func (s *Stripe) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if !s.breaker.Allow("refund") {
		return nil, fmt.Errorf("stripe refund: %w: circuit open", ErrUnavailable)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentRef),
		Amount:        stripe.Int64(req.Amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	if req.Reason != "" {
		params.Reason = stripe.String(req.Reason)
	}

	start := time.Now()
	r, err := s.api.Refunds.New(params)
	if err != nil {
		mapped := mapStripeError(err)
		s.record("refund", mapped)
		metrics.ProviderCallDuration.WithLabelValues("refund", outcomeLabel(mapped)).Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("stripe refund: %w", mapped)
	}
	s.breaker.RecordSuccess("refund")
	metrics.ProviderCallDuration.WithLabelValues("refund", "ok").Observe(time.Since(start).Seconds())

	return &RefundResult{ProviderRef: r.ID}, nil
}

// GetRefundStatus fetches the processor's current state of a refund.
func (s *Stripe) GetRefundStatus(ctx context.Context, providerRef string) (RefundStatus, error) {
	params := &stripe.RefundParams{}
	params.Context = ctx

	r, err := s.api.Refunds.Get(providerRef, params)
	if err != nil {
		mapped := mapStripeError(err)
		s.record("refund", mapped)
		return "", fmt.Errorf("stripe refund: %w", mapped)
	}
	s.breaker.RecordSuccess("refund")

	switch r.Status {
	case stripe.RefundStatusSucceeded:
		return RefundSucceeded, nil
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return RefundFailed, nil
	default:
		return RefundPending, nil
	}
}

// Payout transfers funds to the seller's connected account.
func (s *Stripe) Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	if !s.breaker.Allow("payout") {
		return nil, fmt.Errorf("stripe payout: %w: circuit open", ErrUnavailable)
	}

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(strings.ToLower(string(req.Currency))),
		Destination: stripe.String(req.Destination),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}

	start := time.Now()
	tr, err := s.api.Transfers.New(params)
	if err != nil {
		mapped := mapStripeError(err)
		s.record("payout", mapped)
		metrics.ProviderCallDuration.WithLabelValues("payout", outcomeLabel(mapped)).Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("stripe payout: %w", mapped)
	}
	s.breaker.RecordSuccess("payout")
	metrics.ProviderCallDuration.WithLabelValues("payout", "ok").Observe(time.Since(start).Seconds())

	return &PayoutResult{ProviderRef: tr.ID}, nil
}

// record feeds the breaker. Only transport-level failures count against
// the circuit; a rejection means Stripe is up and answering.
func (s *Stripe) record(operation string, err error) {
	if errors.Is(err, ErrUnavailable) {
		s.breaker.RecordFailure(operation)
	} else {
		s.breaker.RecordSuccess(operation)
	}
}

// mapStripeError classifies a Stripe error as transient or permanent.
// Connection problems, rate limits, and 5xx responses are retryable;
// everything else is a rejection.
func mapStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		// Network-level failure before a response was produced.
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch {
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", ErrUnavailable, stripeErr.Msg)
	default:
		return fmt.Errorf("%w: %s", ErrRejected, stripeErr.Msg)
	}
}

func outcomeLabel(err error) string {
	if errors.Is(err, ErrUnavailable) {
		return "unavailable"
	}
	return "rejected"
}

// Compile-time assertion that Stripe implements Provider.
var _ Provider = (*Stripe)(nil)
