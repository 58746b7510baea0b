/*
scheduler.go - Automated sync queue drain

PURPOSE:
  Periodically replays writes queued while the ledger or the record store
  was unreachable, and drains at once when the network ledger comes back.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - A reconnect signal from the tracker wakes it up early
  - Drains never overlap: one goroutine runs them all
  - An unreachable ledger is not an error worth more than a debug line;
    the next tick tries again

CONFIGURATION:
  - Interval: How often to drain (default: 30 seconds)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewDrainScheduler(tracker)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerDrain endpoint (manual drain)
  - tracker/sync.go: Replay of one item
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/consignment-ledger/ledger"
	"github.com/warp/consignment-ledger/logger"
	"github.com/warp/consignment-ledger/tracker"
)

// DrainScheduler drains the sync queue in the background.
type DrainScheduler struct {
	Tracker  *tracker.Tracker
	Interval time.Duration
	Enabled  bool

	log    *logrus.Entry
	ticker *time.Ticker
	wake   chan struct{}
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewDrainScheduler creates a scheduler and subscribes it to reconnects.
func NewDrainScheduler(t *tracker.Tracker) *DrainScheduler {
	ds := &DrainScheduler{
		Tracker:  t,
		Interval: 30 * time.Second,
		Enabled:  true,
		log:      logger.NewSublogger("drain-scheduler"),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	t.OnReconnect(ds.Wake)
	return ds
}

// Start begins the scheduler.
func (ds *DrainScheduler) Start() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.Enabled {
		ds.log.Info("Disabled, not starting")
		return
	}

	var ctx context.Context
	ctx, ds.cancel = context.WithCancel(context.Background())
	ds.ticker = time.NewTicker(ds.Interval)
	ds.wg.Add(1)

	go ds.run(ctx)

	ds.log.WithField("interval", ds.Interval).Info("Started")
}

// Stop stops the scheduler and waits for a running drain to give up.
func (ds *DrainScheduler) Stop() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.ticker != nil {
		ds.ticker.Stop()
		ds.cancel()
		close(ds.stop)
		ds.wg.Wait()
		ds.ticker = nil
		ds.log.Info("Stopped")
	}
}

// Wake asks for a drain as soon as possible. It never blocks.
func (ds *DrainScheduler) Wake() {
	select {
	case ds.wake <- struct{}{}:
	default:
	}
}

func (ds *DrainScheduler) run(ctx context.Context) {
	defer ds.wg.Done()

	// Run immediately on start
	ds.drain(ctx)

	for {
		select {
		case <-ds.ticker.C:
			ds.drain(ctx)
		case <-ds.wake:
			ds.drain(ctx)
		case <-ds.stop:
			return
		}
	}
}

func (ds *DrainScheduler) drain(ctx context.Context) {
	report, err := ds.Tracker.Sync(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrUnreachable):
		ds.log.WithField("pending", report.Remaining).Debug("Ledger unreachable, drain postponed")
		return
	case ctx.Err() != nil:
		return
	default:
		ds.log.WithError(err).Warn("Drain failed")
	}

	if report.Committed > 0 || report.DeadLettered > 0 {
		ds.log.WithFields(logrus.Fields{
			"committed":     report.Committed,
			"retried":       report.Retried,
			"dead_lettered": report.DeadLettered,
			"remaining":     report.Remaining,
		}).Info("Drained")
	}
}

// RunNow triggers an immediate drain (for testing/admin).
func (ds *DrainScheduler) RunNow(ctx context.Context) {
	ds.drain(ctx)
}
