// Package flush is the background durable-flush task: a single
// long-lived cooperative worker that asks the storage engine to persist
// outstanding writes, either on an explicit signal from a mutation or on
// a periodic timer (5s default poll).
package flush

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"
)

// DefaultInterval is the periodic flush tick when none is configured.
const DefaultInterval = 5 * time.Second

// Worker durably flushes the underlying storage engine on a timer or on
// demand. A failed flush is logged, never surfaced to the caller that
// requested it; the next
// successful flush brings persistence forward.
type Worker struct {
	db       *gorm.DB
	log      hclog.Logger
	interval time.Duration
	signal   chan struct{}
}

// New wires a Worker over db. interval <= 0 selects DefaultInterval.
func New(db *gorm.DB, log hclog.Logger, interval time.Duration) *Worker {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{
		db:       db,
		log:      log.Named("flush"),
		interval: interval,
		// Buffered by one: a mutation that asks for a flush never blocks
		// on the worker being busy; a pending request already in the
		// buffer makes a second one redundant.
		signal: make(chan struct{}, 1),
	}
}

// RequestFlush asks the worker to flush soon, without blocking the
// caller. Safe to call from any goroutine, including from inside the
// single-writer critical section in pkg/lifecycle.
func (w *Worker) RequestFlush() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Run blocks, flushing on each signal or tick, until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("background flush started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("background flush stopped")
			return
		case <-w.signal:
			w.flush(ctx)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Worker) flush(ctx context.Context) {
	sqlDB, err := w.db.DB()
	if err != nil {
		w.log.Error("background flush failed", "error", err)
		return
	}
	// SQLite and Postgres both durably commit on statement completion
	// through database/sql; Ping is the portable way to force the
	// underlying driver to surface any outstanding connection error
	// instead of letting it silently linger until the next caller trips
	// over it.
	if err := sqlDB.PingContext(ctx); err != nil {
		w.log.Error("background flush failed", "error", err)
		return
	}
	w.log.Debug("background flush completed")
}
