/*
scheduler.go - Periodic balance audit

PURPOSE:
  Periodically recomputes every balance from movement history and
  compares it with the materialized balance. Nothing is corrected
  automatically: drift means a bug or a manual database edit, and is
  reported through the log and the drift gauge for an operator.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs once immediately on start
  - Keeps the last report for GET /api/admin/reconciliation?cached=true

CONFIGURATION:
  - Interval: How often to audit; zero disables the scheduler

USAGE:
  scheduler := NewAuditScheduler(repo, metrics, logger, time.Hour)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (on demand audit)
  - inventory/reconcile.go: The audit itself
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/inventory-ledger/inventory"
	"github.com/warp/inventory-ledger/metrics"
)

// AuditScheduler runs inventory.Reconcile on a timer.
type AuditScheduler struct {
	repo     inventory.Reader
	metrics  *metrics.Metrics
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   *inventory.ReconciliationReport
}

func NewAuditScheduler(repo inventory.Reader, m *metrics.Metrics, logger *zap.Logger, interval time.Duration) *AuditScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditScheduler{
		repo:     repo,
		metrics:  m,
		logger:   logger.Named("audit"),
		interval: interval,
		now:      time.Now,
	}
}

// Start begins the scheduler. It is a no-op when the interval is zero.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.interval <= 0 {
		as.logger.Info("balance audit disabled")
		return
	}
	if as.ticker != nil {
		return
	}

	as.ticker = time.NewTicker(as.interval)
	as.stop = make(chan struct{})
	as.wg.Add(1)
	go as.run(as.ticker, as.stop)

	as.logger.Info("balance audit started", zap.Duration("interval", as.interval))
}

// Stop stops the scheduler and waits for a running audit to finish.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	if as.ticker == nil {
		as.mu.Unlock()
		return
	}
	as.ticker.Stop()
	close(as.stop)
	as.ticker = nil
	as.mu.Unlock()

	as.wg.Wait()
	as.logger.Info("balance audit stopped")
}

// run owns its ticker and stop channel; Stop clears the fields while an
// audit may still be in flight.
func (as *AuditScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer as.wg.Done()

	as.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			as.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow audits immediately and returns the report.
func (as *AuditScheduler) RunNow(ctx context.Context) (*inventory.ReconciliationReport, error) {
	rep, err := inventory.Reconcile(ctx, as.repo, as.now())
	if err != nil {
		as.logger.Error("balance audit failed", zap.Error(err))
		return nil, err
	}

	if as.metrics != nil {
		as.metrics.RecordAudit(len(rep.Drift), rep.CheckedAt)
	}
	if rep.Balanced() {
		as.logger.Info("balance audit clean", zap.Int("pairs", rep.Pairs))
	} else {
		for _, d := range rep.Drift {
			as.logger.Error("balance drift",
				zap.String("store_id", d.StoreID),
				zap.String("product_id", d.ProductID),
				zap.String("stored", d.Stored.String()),
				zap.String("expected", d.Expected.String()),
			)
		}
	}

	as.mu.Lock()
	as.last = rep
	as.mu.Unlock()
	return rep, nil
}

// Last returns the most recent report, or nil before the first run.
func (as *AuditScheduler) Last() *inventory.ReconciliationReport {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.last
}
