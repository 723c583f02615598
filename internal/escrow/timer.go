package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically promotes Held allocations whose dispute window has
// closed to Eligible.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new eligibility sweep timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the eligibility sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
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

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow eligibility sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	due, err := t.store.ListHeldPastWindow(ctx, time.Now(), 100)
	if err != nil {
		t.logger.Warn("failed to list held allocations", "error", err)
		return
	}

	for _, a := range due {
		promoted, err := t.service.MarkEligible(ctx, a.ID)
		if err != nil {
			// Another worker or a refund may have won the race.
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrDisputeOpen) || errors.Is(err, ErrVersionConflict) {
				continue
			}
			t.logger.Warn("failed to mark allocation eligible",
				"allocationId", a.ID,
				"error", err,
			)
			continue
		}
		t.logger.Info("allocation eligible for payout",
			"allocationId", promoted.ID,
			"storeId", promoted.StoreID,
			"payable", promoted.Payable(),
		)
	}
}
