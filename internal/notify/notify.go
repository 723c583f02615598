// Package notify bridges domain events into the outbox. The emitter is
// fire-and-forget: an enqueue failure is logged, never surfaced to the
// operation that produced the event.
package notify

import (
	"context"
	"log/slog"

	"github.com/mkowalski/marketpay/internal/outbox"
	"github.com/mkowalski/marketpay/internal/payout"
	"github.com/mkowalski/marketpay/internal/refund"
	"github.com/mkowalski/marketpay/internal/settlement"
)

// Event topics
const (
	TopicRefundProcessed     = "refund.processed"
	TopicRefundFailed        = "refund.failed"
	TopicPayoutScheduled     = "payout.scheduled"
	TopicPayoutCompleted     = "payout.completed"
	TopicPayoutFailed        = "payout.failed"
	TopicSettlementGenerated = "settlement.generated"
	TopicInvoiceIssued       = "invoice.issued"
)

// Emitter enqueues domain notifications to the outbox.
type Emitter struct {
	store  outbox.Store
	logger *slog.Logger
}

// NewEmitter creates a notification emitter.
func NewEmitter(store outbox.Store, logger *slog.Logger) *Emitter {
	return &Emitter{store: store, logger: logger}
}

func (e *Emitter) emit(ctx context.Context, topic string, payload interface{}) {
	event, err := outbox.NewEvent(topic, payload)
	if err != nil {
		e.logger.Error("build notification failed", "topic", topic, "error", err)
		return
	}
	if err := e.store.Enqueue(ctx, event); err != nil {
		e.logger.Error("enqueue notification failed", "topic", topic, "error", err)
		return
	}
	e.logger.Debug("notification enqueued", "topic", topic, "event", event.ID)
}

// RefundProcessed emits refund.processed.
func (e *Emitter) RefundProcessed(ctx context.Context, r *refund.Refund) {
	e.emit(ctx, TopicRefundProcessed, r)
}

// RefundFailed emits refund.failed.
func (e *Emitter) RefundFailed(ctx context.Context, r *refund.Refund) {
	e.emit(ctx, TopicRefundFailed, r)
}

// PayoutScheduled emits payout.scheduled.
func (e *Emitter) PayoutScheduled(ctx context.Context, p *payout.Payout) {
	e.emit(ctx, TopicPayoutScheduled, p)
}

// PayoutCompleted emits payout.completed.
func (e *Emitter) PayoutCompleted(ctx context.Context, p *payout.Payout) {
	e.emit(ctx, TopicPayoutCompleted, p)
}

// PayoutFailed emits payout.failed.
func (e *Emitter) PayoutFailed(ctx context.Context, p *payout.Payout) {
	e.emit(ctx, TopicPayoutFailed, p)
}

// SettlementGenerated emits settlement.generated.
func (e *Emitter) SettlementGenerated(ctx context.Context, s *settlement.Settlement) {
	e.emit(ctx, TopicSettlementGenerated, s)
}

// InvoiceIssued emits invoice.issued.
func (e *Emitter) InvoiceIssued(ctx context.Context, inv *settlement.CommissionInvoice) {
	e.emit(ctx, TopicInvoiceIssued, inv)
}

// Compile-time assertions that Emitter satisfies every domain notifier.
var (
	_ refund.Notifier     = (*Emitter)(nil)
	_ payout.Notifier     = (*Emitter)(nil)
	_ settlement.Notifier = (*Emitter)(nil)
)
