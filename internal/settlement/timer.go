package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer generates settlements for the previous month once that month has
// ended, checking hourly whether the run is due.
type Timer struct {
	service *Service
	runHour int // hour of day (UTC) on the 1st when the run fires
	logger  *slog.Logger
	stop    chan struct{}
	running atomic.Bool

	lastRun time.Time // period start of the last generated month
}

// NewTimer creates a new settlement timer.
func NewTimer(service *Service, runHour int, logger *slog.Logger) *Timer {
	if runHour < 0 || runHour > 23 {
		runHour = 2
	}
	return &Timer{
		service: service,
		runHour: runHour,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the settlement loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx, time.Now().UTC())
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

func (t *Timer) safeRun(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in settlement run", "panic", fmt.Sprint(r))
		}
	}()
	t.run(ctx, now)
}

func (t *Timer) run(ctx context.Context, now time.Time) {
	// The run covers the month that just ended.
	prev := now.AddDate(0, -1, 0)
	periodStart, _ := Period(prev.Year(), prev.Month())

	if now.Hour() < t.runHour {
		return
	}
	if t.lastRun.Equal(periodStart) {
		return
	}

	if err := t.service.GenerateAll(ctx, prev.Year(), prev.Month()); err != nil {
		t.logger.Error("settlement run failed",
			"period", periodStart.Format("2006-01"), "error", err)
		return
	}
	t.lastRun = periodStart
	t.logger.Info("settlement run completed", "period", periodStart.Format("2006-01"))
}
