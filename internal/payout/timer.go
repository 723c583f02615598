package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer drives the payout engine: a full scheduling run at the configured
// interval, plus a frequent sweep for payouts awaiting retry.
type Timer struct {
	service       *Service
	runInterval   time.Duration
	retryInterval time.Duration
	logger        *slog.Logger
	stop          chan struct{}
	running       atomic.Bool
}

// NewTimer creates a new payout timer.
func NewTimer(service *Service, runInterval time.Duration, logger *slog.Logger) *Timer {
	if runInterval <= 0 {
		runInterval = 24 * time.Hour
	}
	return &Timer{
		service:       service,
		runInterval:   runInterval,
		retryInterval: time.Minute,
		logger:        logger,
		stop:          make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the payout loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	runTicker := time.NewTicker(t.runInterval)
	defer runTicker.Stop()
	retryTicker := time.NewTicker(t.retryInterval)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-runTicker.C:
			t.safeRun(ctx)
		case <-retryTicker.C:
			t.safeRetrySweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in payout run", "panic", fmt.Sprint(r))
		}
	}()
	if err := t.service.RunOnce(ctx); err != nil {
		t.logger.Warn("payout run failed", "error", err)
	}
}

func (t *Timer) safeRetrySweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in payout retry sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.retrySweep(ctx)
}

func (t *Timer) retrySweep(ctx context.Context) {
	due, err := t.service.DueRetries(ctx, 100)
	if err != nil {
		t.logger.Warn("failed to list due payout retries", "error", err)
		return
	}

	for _, p := range due {
		executed, err := t.service.Execute(ctx, p.ID)
		if err != nil {
			if errors.Is(err, ErrNotExecutable) {
				continue
			}
			t.logger.Warn("payout retry failed", "payoutId", p.ID, "error", err)
			continue
		}
		t.logger.Info("payout retried",
			"payoutId", executed.ID,
			"status", executed.Status,
			"attempts", executed.Attempts,
		)
	}
}
