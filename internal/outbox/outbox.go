// Package outbox implements a persistent notification queue. Domain
// services enqueue events in the same store as their own records, and a
// background dispatcher delivers them to the operator's webhook endpoint
// with retries, so a crashed process never loses a notification.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mkowalski/marketpay/internal/idgen"
	"github.com/mkowalski/marketpay/internal/metrics"
	"github.com/mkowalski/marketpay/internal/retry"
)

// Errors
var (
	ErrEventNotFound = errors.New("outbox event not found")
)

// Status represents the delivery state of an outbox event.
type Status string

// Event statuses
const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed" // retries exhausted
)

// Event is a single queued notification.
type Event struct {
	ID            string          `json:"id"`
	Topic         string          `json:"topic"` // e.g. "payout.completed"
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	LastError     string          `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	SentAt        *time.Time      `json:"sentAt,omitempty"`
}

// NewEvent builds a pending event for the given topic. The payload must
// marshal to JSON.
func NewEvent(topic string, payload interface{}) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	now := time.Now().UTC()
	return &Event{
		ID:            idgen.WithPrefix("evt_"),
		Topic:         topic,
		Payload:       raw,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

// Store persists outbox events.
type Store interface {
	Enqueue(ctx context.Context, e *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	// ListDue returns pending events whose NextAttemptAt is at or before
	// the given time, oldest first.
	ListDue(ctx context.Context, before time.Time, limit int) ([]*Event, error)
	Update(ctx context.Context, e *Event) error
}

// Sender delivers a single event to its destination.
type Sender interface {
	Send(ctx context.Context, e *Event) error
}

// Dispatcher polls the store and delivers due events.
type Dispatcher struct {
	store        Store
	sender       Sender
	pollInterval time.Duration
	maxAttempts  int
	retryBase    time.Duration
	retryCap     time.Duration
	logger       *slog.Logger
	stop         chan struct{}
	running      atomic.Bool
}

// NewDispatcher creates an outbox dispatcher. Zero durations and a zero
// maxAttempts fall back to sane defaults.
func NewDispatcher(store Store, sender Sender, pollInterval time.Duration, maxAttempts int, logger *slog.Logger) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Dispatcher{
		store:        store,
		sender:       sender,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
		retryBase:    30 * time.Second,
		retryCap:     time.Hour,
		logger:       logger,
		stop:         make(chan struct{}),
	}
}

// Running reports whether the dispatcher loop is actively running.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Start begins the poll loop. Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.safeDispatch(ctx)
		}
	}
}

// Stop signals the dispatcher to stop.
func (d *Dispatcher) Stop() {
	select {
	case d.stop <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) safeDispatch(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in outbox dispatch", "panic", fmt.Sprint(r))
		}
	}()
	if err := d.DispatchDue(ctx); err != nil {
		d.logger.Error("outbox dispatch failed", "error", err)
	}
}

// DispatchDue delivers every event that is due right now. Delivery
// failures mark the event for a later attempt rather than failing the
// whole batch.
func (d *Dispatcher) DispatchDue(ctx context.Context) error {
	events, err := d.store.ListDue(ctx, time.Now().UTC(), 100)
	if err != nil {
		return fmt.Errorf("list due events: %w", err)
	}

	for _, e := range events {
		d.dispatch(ctx, e)
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, e *Event) {
	e.Attempts++

	if err := d.sender.Send(ctx, e); err != nil {
		e.LastError = err.Error()
		if e.Attempts >= d.maxAttempts {
			e.Status = StatusFailed
			metrics.OutboxDispatchesTotal.WithLabelValues("failed").Inc()
			d.logger.Error("outbox event failed permanently",
				"event", e.ID, "topic", e.Topic, "attempts", e.Attempts, "error", err)
		} else {
			e.NextAttemptAt = time.Now().UTC().Add(retry.NextDelay(d.retryBase, e.Attempts-1, d.retryCap))
			metrics.OutboxDispatchesTotal.WithLabelValues("retried").Inc()
			d.logger.Warn("outbox event delivery failed",
				"event", e.ID, "topic", e.Topic, "attempt", e.Attempts,
				"nextAttemptAt", e.NextAttemptAt, "error", err)
		}
	} else {
		now := time.Now().UTC()
		e.Status = StatusSent
		e.SentAt = &now
		e.LastError = ""
		metrics.OutboxDispatchesTotal.WithLabelValues("sent").Inc()
	}

	if err := d.store.Update(ctx, e); err != nil {
		d.logger.Error("outbox event update failed", "event", e.ID, "error", err)
	}
}
