package saga

import (
	"context"
	"fmt"
	"time"

	"ms-booking-saga/internal/logger"
)

// Watchdog sweeps for sagas that blew past expires_at without reaching a
// terminal state: runners lost to a crash or restart. Each one is handed
// back to the orchestrator for recovery, which compensates whatever the
// step records say completed.
type Watchdog struct {
	Store        Store
	Orchestrator *Orchestrator
	Logger       *logger.Logger
	Interval     time.Duration
}

func NewWatchdog(store Store, o *Orchestrator, log *logger.Logger, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Watchdog{Store: store, Orchestrator: o, Logger: log, Interval: interval}
}

// Start runs the sweep until ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	w.Logger.Info("WATCHDOG", fmt.Sprintf("sweeping for expired sagas every %s", w.Interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep recovers every expired non-terminal saga once. Sagas with a live
// runner are skipped inside RecoverExpired.
func (w *Watchdog) Sweep(ctx context.Context) {
	expired, err := w.Store.ListExpiredSagas(ctx, time.Now())
	if err != nil {
		w.Logger.Error("WATCHDOG", fmt.Sprintf("failed to list expired sagas: %v", err))
		return
	}
	if len(expired) == 0 {
		return
	}

	w.Logger.Warn("WATCHDOG", fmt.Sprintf("found %d expired sagas", len(expired)))
	for _, saga := range expired {
		w.Orchestrator.RecoverExpired(saga)
	}
}
