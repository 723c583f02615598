// Package provider abstracts the external payment processor used for refunds
// and seller payouts. The concrete implementation is chosen by configuration,
// never by runtime branching in calling code.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/mkowalski/marketpay/internal/config"
	"github.com/mkowalski/marketpay/internal/money"
)

var (
	// ErrUnavailable marks transient processor failures worth retrying.
	ErrUnavailable = errors.New("payment provider unavailable")
	// ErrRejected marks permanent processor rejections. Retrying is pointless.
	ErrRejected = errors.New("payment provider rejected the request")
)

// PaymentStatus is the processor's view of a buyer charge.
type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "completed"
	PaymentPending   PaymentStatus = "pending"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentExpired   PaymentStatus = "expired"
)

// PaymentRequest asks the processor to start collecting a buyer payment.
type PaymentRequest struct {
	Amount         int64 // minor units
	Currency       money.Currency
	OrderID        string
	IdempotencyKey string
}

// PaymentResult is the processor's acknowledgement of an initiated payment.
type PaymentResult struct {
	ProviderRef string
	Status      PaymentStatus
}

// RefundStatus is the processor's view of a refund.
type RefundStatus string

const (
	RefundSucceeded RefundStatus = "succeeded"
	RefundPending   RefundStatus = "pending"
	RefundFailed    RefundStatus = "failed"
)

// RefundRequest asks the processor to return funds to the buyer.
type RefundRequest struct {
	PaymentRef     string // processor reference of the original charge
	Amount         int64  // minor units
	Currency       money.Currency
	IdempotencyKey string
	Reason         string
}

// RefundResult is the processor's acknowledgement of a refund.
type RefundResult struct {
	ProviderRef string
}

// PayoutRequest asks the processor to transfer funds to a seller account.
type PayoutRequest struct {
	Destination    string // seller's processor account reference
	Amount         int64  // minor units
	Currency       money.Currency
	IdempotencyKey string
	Method         string // "standard" or "instant"
	Description    string
}

// PayoutResult is the processor's acknowledgement of a payout.
type PayoutResult struct {
	ProviderRef string
}

// PaymentProvider initiates and confirms buyer charges with the processor.
type PaymentProvider interface {
	InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
	ConfirmPayment(ctx context.Context, providerRef string) (PaymentStatus, error)
}

// RefundProvider executes refunds against the processor.
type RefundProvider interface {
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	GetRefundStatus(ctx context.Context, providerRef string) (RefundStatus, error)
}

// PayoutProvider executes seller payouts against the processor.
type PayoutProvider interface {
	Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
}

// Provider is a full payment processor.
type Provider interface {
	PaymentProvider
	RefundProvider
	PayoutProvider
	Name() string
}

// New returns the processor selected by configuration.
func New(cfg *config.Config) (Provider, error) {
	switch cfg.Provider {
	case "stripe":
		return NewStripe(cfg.StripeAPIKey), nil
	case "sandbox":
		return NewSandbox(), nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", cfg.Provider)
	}
}
