package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/mkowalski/marketpay/internal/idgen"
	"github.com/mkowalski/marketpay/internal/metrics"
)

// Sandbox is an in-process provider for development and tests. It succeeds
// by default, honors idempotency keys, and can be scripted to fail.
type Sandbox struct {
	mu      sync.Mutex
	results map[string]string // idempotency key → provider ref
	queue   []error           // scripted failures, consumed in order

	payments     map[string]PaymentStatus // provider ref → current status
	refundsByRef map[string]RefundStatus  // provider ref → current status

	// Calls records every request the sandbox saw, for assertions.
	Payments []PaymentRequest
	Refunds  []RefundRequest
	Payouts  []PayoutRequest
}

// NewSandbox creates a sandbox provider.
func NewSandbox() *Sandbox {
	return &Sandbox{
		results:      make(map[string]string),
		payments:     make(map[string]PaymentStatus),
		refundsByRef: make(map[string]RefundStatus),
	}
}

// Name returns the provider identifier.
func (s *Sandbox) Name() string { return "sandbox" }

// FailNext scripts the next call to fail with the given error. Multiple
// calls queue up multiple failures.
func (s *Sandbox) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, err)
}

func (s *Sandbox) nextScripted() error {
	if len(s.queue) == 0 {
		return nil
	}
	err := s.queue[0]
	s.queue = s.queue[1:]
	return err
}

// InitiatePayment simulates opening a buyer charge. Sandbox payments
// complete immediately unless a status is scripted afterwards.
func (s *Sandbox) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.results[req.IdempotencyKey]; ok {
		return &PaymentResult{ProviderRef: ref, Status: s.payments[ref]}, nil
	}

	s.Payments = append(s.Payments, req)
	if err := s.nextScripted(); err != nil {
		metrics.ProviderCallDuration.WithLabelValues("payment", outcomeLabel(err)).Observe(0)
		return nil, fmt.Errorf("sandbox payment: %w", err)
	}

	ref := idgen.WithPrefix("sbx_pi_")
	s.payments[ref] = PaymentCompleted
	if req.IdempotencyKey != "" {
		s.results[req.IdempotencyKey] = ref
	}
	metrics.ProviderCallDuration.WithLabelValues("payment", "ok").Observe(0)
	return &PaymentResult{ProviderRef: ref, Status: PaymentCompleted}, nil
}

// ConfirmPayment reports the state of a sandbox payment. References the
// sandbox never issued count as completed so externally minted refs work
// in development.
func (s *Sandbox) ConfirmPayment(ctx context.Context, providerRef string) (PaymentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.nextScripted(); err != nil {
		return "", fmt.Errorf("sandbox payment: %w", err)
	}
	if st, ok := s.payments[providerRef]; ok {
		return st, nil
	}
	return PaymentCompleted, nil
}

// SetPaymentStatus scripts the status ConfirmPayment reports for a ref.
func (s *Sandbox) SetPaymentStatus(providerRef string, st PaymentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[providerRef] = st
}

// Refund simulates a refund. Repeated calls with the same idempotency key
// return the original reference without consuming scripted failures.
func (s *Sandbox) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.results[req.IdempotencyKey]; ok {
		return &RefundResult{ProviderRef: ref}, nil
	}

	s.Refunds = append(s.Refunds, req)
	if err := s.nextScripted(); err != nil {
		metrics.ProviderCallDuration.WithLabelValues("refund", outcomeLabel(err)).Observe(0)
		return nil, fmt.Errorf("sandbox refund: %w", err)
	}

	ref := idgen.WithPrefix("sbx_re_")
	s.refundsByRef[ref] = RefundSucceeded
	if req.IdempotencyKey != "" {
		s.results[req.IdempotencyKey] = ref
	}
	metrics.ProviderCallDuration.WithLabelValues("refund", "ok").Observe(0)
	return &RefundResult{ProviderRef: ref}, nil
}

// GetRefundStatus reports the state of a sandbox refund.
func (s *Sandbox) GetRefundStatus(ctx context.Context, providerRef string) (RefundStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.refundsByRef[providerRef]; ok {
		return st, nil
	}
	return RefundPending, nil
}

// Payout simulates a transfer to a seller account.
func (s *Sandbox) Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.results[req.IdempotencyKey]; ok {
		return &PayoutResult{ProviderRef: ref}, nil
	}

	s.Payouts = append(s.Payouts, req)
	if err := s.nextScripted(); err != nil {
		metrics.ProviderCallDuration.WithLabelValues("payout", outcomeLabel(err)).Observe(0)
		return nil, fmt.Errorf("sandbox payout: %w", err)
	}

	ref := idgen.WithPrefix("sbx_tr_")
	if req.IdempotencyKey != "" {
		s.results[req.IdempotencyKey] = ref
	}
	metrics.ProviderCallDuration.WithLabelValues("payout", "ok").Observe(0)
	return &PayoutResult{ProviderRef: ref}, nil
}

// Compile-time assertion that Sandbox implements Provider.
var _ Provider = (*Sandbox)(nil)
