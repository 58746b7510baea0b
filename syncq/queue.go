package syncq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/warp/consignment-ledger/ledger"
	"github.com/warp/consignment-ledger/logger"
)

const (
	DefaultMaxRetries = 5
	DefaultWorkers    = 4
)

// CommitFunc replays one item. A nil error or a duplicate Conflict
// acknowledges the item.
type CommitFunc func(ctx context.Context, item Item) error

// DrainedFunc is called, under the consignment lock, when a drain leaves the
// segment of id empty, whether its items were committed or dead-lettered.
type DrainedFunc func(ctx context.Context, id ledger.ConsignmentID) error

// DrainReport summarizes one drain.
type DrainReport struct {
	Targets      int `json:"targets"`
	Committed    int `json:"committed"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
	Remaining    int `json:"remaining"`
}

func (r *DrainReport) add(o DrainReport) {
	r.Targets += o.Targets
	r.Committed += o.Committed
	r.Retried += o.Retried
	r.DeadLettered += o.DeadLettered
}

type Queue struct {
	Store Store
	Locks *Locker

	MaxRetries int
	Workers    int

	// Deadline of a single commit attempt. Zero means none beyond ctx.
	AttemptTimeout time.Duration

	Clock func() time.Time

	OnDeadLetter func(DeadLetter)
	OnDrained    DrainedFunc

	log    *logrus.Entry
	flight singleflight.Group
}

func New(store Store, locks *Locker) *Queue {
	if locks == nil {
		locks = NewLocker()
	}
	return &Queue{
		Store:      store,
		Locks:      locks,
		MaxRetries: DefaultMaxRetries,
		Workers:    DefaultWorkers,
		Clock:      time.Now,
		log:        logger.NewSublogger("syncq"),
	}
}

func (q *Queue) now() time.Time {
	if q.Clock == nil {
		return time.Now()
	}
	return q.Clock()
}

func (q *Queue) maxRetries() int {
	if q.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return q.MaxRetries
}

// Enqueue persists a write for later replay. Callers that must order it
// against an in-flight drain hold Locks for the target.
func (q *Queue) Enqueue(ctx context.Context, op Operation, target ledger.ConsignmentID, payload Payload) (Item, error) {
	item, err := NewItem(op, target, payload, q.now())
	if err != nil {
		return Item{}, err
	}
	item, err = q.Store.Enqueue(ctx, item)
	if err != nil {
		return Item{}, err
	}
	q.log.WithFields(logrus.Fields{
		"item":   item.ID,
		"seq":    item.Seq,
		"op":     op,
		"target": target,
	}).Info("Queued for sync")
	return item, nil
}

func (q *Queue) CountPending(ctx context.Context) (int, error) {
	return q.Store.CountPending(ctx)
}

func (q *Queue) PendingFor(ctx context.Context, id ledger.ConsignmentID) ([]Item, error) {
	return q.Store.PendingFor(ctx, id)
}

func (q *Queue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	return q.Store.DeadLetters(ctx)
}

// Drain replays every queued consignment segment. Segments drain
// concurrently on a bounded pool; items within a segment strictly in order.
func (q *Queue) Drain(ctx context.Context, commit CommitFunc) (DrainReport, error) {
	pending, err := q.Store.Pending(ctx)
	if err != nil {
		return DrainReport{}, err
	}

	var targets []ledger.ConsignmentID
	seen := make(map[ledger.ConsignmentID]bool)
	for _, it := range pending {
		if !seen[it.TargetID] {
			seen[it.TargetID] = true
			targets = append(targets, it.TargetID)
		}
	}

	var (
		mu     sync.Mutex
		report DrainReport
		errs   []error
	)

	workers := q.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	pool := workerpool.New(workers)
	for _, id := range targets {
		id := id
		pool.Submit(func() {
			r, err := q.DrainTarget(ctx, id, commit)
			mu.Lock()
			defer mu.Unlock()
			report.add(r)
			if err != nil {
				errs = append(errs, err)
			}
		})
	}
	pool.StopWait()

	report.Remaining, err = q.Store.CountPending(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	if len(targets) > 0 {
		q.log.WithFields(logrus.Fields{
			"targets":       report.Targets,
			"committed":     report.Committed,
			"retried":       report.Retried,
			"dead_lettered": report.DeadLettered,
			"remaining":     report.Remaining,
		}).Info("Drain finished")
	}
	return report, errors.Join(errs...)
}

// DrainTarget replays the segment of one consignment. Concurrent calls for
// the same id share a single run.
func (q *Queue) DrainTarget(ctx context.Context, id ledger.ConsignmentID, commit CommitFunc) (DrainReport, error) {
	v, err, _ := q.flight.Do(string(id), func() (interface{}, error) {
		unlock := q.Locks.Lock(id)
		defer unlock()

		report, err := q.drainLocked(ctx, id, commit)
		if err == nil && report.Committed+report.DeadLettered > 0 && q.OnDrained != nil {
			rest, perr := q.Store.PendingFor(ctx, id)
			if perr == nil && len(rest) == 0 {
				if herr := q.OnDrained(ctx, id); herr != nil {
					q.log.WithError(herr).WithField("target", id).Warn("Post-drain hook failed")
				}
			}
		}
		return report, err
	})
	report, _ := v.(DrainReport)
	return report, err
}

func (q *Queue) drainLocked(ctx context.Context, id ledger.ConsignmentID, commit CommitFunc) (DrainReport, error) {
	report := DrainReport{Targets: 1}
	log := q.log.WithField("target", id)

	items, err := q.Store.PendingFor(ctx, id)
	if err != nil {
		return report, err
	}
	if len(items) == 0 {
		return report, nil
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		err := q.attempt(ctx, commit, item)
		if ctx.Err() != nil {
			// Shutting down: the attempt did not fail on its own merits.
			return report, ctx.Err()
		}

		switch {
		case err == nil || ledger.IsDuplicate(err):
			if err := q.Store.Remove(ctx, item.ID); err != nil {
				return report, err
			}
			report.Committed++
			log.WithFields(logrus.Fields{"item": item.ID, "op": item.Operation}).Debug("Replayed")

		case ledger.IsRetryable(err):
			updated, markErr := q.Store.MarkAttempt(ctx, item.ID, q.now(), err.Error())
			if markErr != nil {
				return report, markErr
			}
			report.Retried++
			log.WithError(err).WithFields(logrus.Fields{
				"item":    item.ID,
				"attempt": updated.RetryCount,
			}).Warn("Replay failed, will retry")

			if updated.RetryCount >= q.maxRetries() {
				if err := q.deadLetter(ctx, updated, ReasonRetryExhausted); err != nil {
					return report, err
				}
				report.DeadLettered++
			}
			return report, nil

		default:
			updated, markErr := q.Store.MarkAttempt(ctx, item.ID, q.now(), err.Error())
			if markErr != nil {
				return report, markErr
			}
			if err := q.deadLetter(ctx, updated, ReasonRejected); err != nil {
				return report, err
			}
			report.DeadLettered++
			return report, nil
		}
	}

	return report, nil
}

func (q *Queue) attempt(ctx context.Context, commit CommitFunc, item Item) error {
	if q.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.AttemptTimeout)
		defer cancel()
	}
	return commit(ctx, item)
}

func (q *Queue) deadLetter(ctx context.Context, item Item, reason string) error {
	dl := DeadLetter{Item: item, Reason: reason, FailedAt: q.now().UTC()}
	if err := q.Store.MoveToDeadLetter(ctx, item, reason, dl.FailedAt); err != nil {
		return err
	}
	q.log.WithError(dl.Err()).WithFields(logrus.Fields{
		"item":   item.ID,
		"target": item.TargetID,
		"op":     item.Operation,
		"reason": reason,
	}).Error("Moved to dead-letter")

	if q.OnDeadLetter != nil {
		q.OnDeadLetter(dl)
	}
	return nil
}
