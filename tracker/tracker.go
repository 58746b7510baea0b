/*
Package tracker orchestrates consignment writes and reads.

PURPOSE:
  The tracker is the only component that talks to the ledger, the system of
  record and the sync queue together. Callers (HTTP handlers, the CLI)
  never commit directly.

WRITE PATH:
  1. Resolve the consignment (local mirror, then system of record)
  2. Take the per-consignment lock shared with the sync queue
  3. Derive the current status from the effective history and validate
  4. Online and nothing queued for the id: commit to the network ledger,
     retrying Conflict against the refreshed head, then write the record
  5. Otherwise: commit provisionally to the emulated ledger and enqueue

  Validation failures are returned to the caller and never queued.

READ PATH:
  Status is always the projection of a history. While items are queued for
  an id the history is the emulated one (network snapshot plus local
  events), flagged provisional; otherwise it is the network history, or the
  emulated fallback while the network is down.

SEE ALSO:
  - ledger/failover.go: Network / emulated routing
  - syncq/queue.go: Replay of queued writes
*/
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/consignment-ledger/ledger"
	"github.com/warp/consignment-ledger/logger"
	"github.com/warp/consignment-ledger/monitoring"
	"github.com/warp/consignment-ledger/record"
	"github.com/warp/consignment-ledger/syncq"
)

const (
	DefaultCommitTimeout   = 10 * time.Second
	DefaultConflictRetries = 3
)

// LocationProvider supplies the actor's current position. A nil location or
// an error means no location is recorded; it never blocks a transition.
type LocationProvider interface {
	Current(ctx context.Context, actor ledger.Actor) (*ledger.Location, error)
}

// Outcome tells whether a write reached the network ledger.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeQueued    Outcome = "queued"
)

// Result acknowledges a create or a transition.
type Result struct {
	Outcome     Outcome             `json:"outcome"`
	Commit      ledger.CommitResult `json:"commit"`
	Consignment ledger.Consignment  `json:"consignment"`
	Projection  ledger.Projection   `json:"projection"`
	ItemID      string              `json:"item_id,omitempty"`
}

// View is the canonical status of one consignment.
type View struct {
	Consignment ledger.Consignment `json:"consignment"`
	Projection  ledger.Projection  `json:"projection"`
	Mode        ledger.Mode        `json:"mode"`
	Degraded    bool               `json:"degraded"`
	PendingSync int                `json:"pending_sync"`
}

type Tracker struct {
	Ledger    *ledger.FailoverClient
	Records   record.Client
	Mirror    ledger.ConsignmentStore
	Queue     *syncq.Queue
	Projector *ledger.Projector
	Monitor   *monitoring.Monitor
	Locations LocationProvider

	CommitTimeout   time.Duration
	ConflictRetries int

	// Base wait between conflict retries
	ConflictBackoff time.Duration

	Clock func() time.Time

	log *logrus.Entry

	reconnect []func()
}

// New wires a tracker and registers its hooks on the queue and the ledger.
func New(client *ledger.FailoverClient, records record.Client, mirror ledger.ConsignmentStore, queue *syncq.Queue, monitor *monitoring.Monitor) *Tracker {
	if monitor == nil {
		monitor = monitoring.NewMonitor()
	}
	t := &Tracker{
		Ledger:          client,
		Records:         records,
		Mirror:          mirror,
		Queue:           queue,
		Projector:       ledger.NewProjector(ledger.DefaultDelayThreshold),
		Monitor:         monitor,
		CommitTimeout:   DefaultCommitTimeout,
		ConflictRetries: DefaultConflictRetries,
		ConflictBackoff: 50 * time.Millisecond,
		Clock:           time.Now,
		log:             logger.NewSublogger("tracker"),
	}

	queue.OnDrained = t.onDrained
	queue.OnDeadLetter = t.onDeadLetter
	client.OnModeChange(t.onModeChange)
	if client.Mode() == ledger.ModeEmulated {
		monitor.Report.Ledger.Degraded.Store(1)
	}
	return t
}

func (t *Tracker) now() time.Time {
	if t.Clock == nil {
		return time.Now()
	}
	return t.Clock()
}

// OnReconnect registers fn to run when the network ledger comes back.
// Must be called before the tracker is used concurrently.
func (t *Tracker) OnReconnect(fn func()) {
	t.reconnect = append(t.reconnect, fn)
}

func (t *Tracker) onModeChange(from, to ledger.Mode) {
	t.Monitor.Report.Ledger.ModeChanges.Inc()
	log := t.log.WithFields(logrus.Fields{"from": from, "to": to})
	if to == ledger.ModeEmulated {
		t.Monitor.Report.Ledger.Degraded.Store(1)
		log.Warn("Network ledger unreachable, serving emulated history")
		return
	}
	t.Monitor.Report.Ledger.Degraded.Store(0)
	log.Info("Network ledger reachable again")
	for _, fn := range t.reconnect {
		fn()
	}
}

func (t *Tracker) onDeadLetter(dl syncq.DeadLetter) {
	t.Monitor.Report.Sync.DeadLettered.Inc()
	t.refreshPending(context.Background())
}

func (t *Tracker) refreshPending(ctx context.Context) {
	if n, err := t.Queue.CountPending(ctx); err == nil {
		t.Monitor.Report.Sync.Pending.Store(int64(n))
	}
}

// resolve finds the record of id in the local mirror, then in the system of
// record. A consignment that neither knows was never created.
func (t *Tracker) resolve(ctx context.Context, id ledger.ConsignmentID) (*ledger.Consignment, error) {
	c, err := t.Mirror.GetConsignment(ctx, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	c, err = t.Records.Get(ctx, id)
	switch {
	case err == nil:
		if err := t.Mirror.SaveConsignment(ctx, *c); err != nil {
			return nil, err
		}
		return c, nil
	case errors.Is(err, ledger.ErrNotFound):
		return nil, fmt.Errorf("consignment %s: %w", id, ledger.ErrUnknownConsignment)
	default:
		return nil, err
	}
}

// pending reports whether writes of id are waiting in the queue.
func (t *Tracker) pending(ctx context.Context, id ledger.ConsignmentID) (int, error) {
	items, err := t.Queue.PendingFor(ctx, id)
	return len(items), err
}

// effectiveHistory is the history writes and reads of id are based on.
func (t *Tracker) effectiveHistory(ctx context.Context, id ledger.ConsignmentID, queued int) ([]ledger.StatusEvent, ledger.Mode, error) {
	if queued > 0 {
		events, err := t.Ledger.Emulated.History(ctx, id)
		return events, ledger.ModeEmulated, err
	}
	events, err := t.Ledger.History(ctx, id)
	return events, t.Ledger.Mode(), err
}

// withRecordQuantity replaces the generated quantity of a synthetic
// projection with the one the record was created with.
func withRecordQuantity(c ledger.Consignment, p ledger.Projection) ledger.Projection {
	if p.Synthetic && c.InitialQuantity.IsPositive() {
		p.InitialQuantity = c.InitialQuantity
		p.QuantityRemaining = c.InitialQuantity.Sub(p.SoldQuantity)
	}
	return p
}

// mirrorOf folds a projection into the mirrored record.
func mirrorOf(c ledger.Consignment, p ledger.Projection, now time.Time) ledger.Consignment {
	c.Status = p.Status
	c.QuantityRemaining = p.QuantityRemaining
	if p.Participants.CarrierID != "" {
		c.Participants.CarrierID = p.Participants.CarrierID
	}
	if p.Participants.DistributorID != "" {
		c.Participants.DistributorID = p.Participants.DistributorID
	}
	if p.Participants.RetailerID != "" {
		c.Participants.RetailerID = p.Participants.RetailerID
	}
	c.UpdatedAt = now.UTC()
	return c
}

// CanonicalStatus projects the effective history of id.
func (t *Tracker) CanonicalStatus(ctx context.Context, id ledger.ConsignmentID) (View, error) {
	c, err := t.resolve(ctx, id)
	if err != nil {
		return View{}, err
	}
	queued, err := t.pending(ctx, id)
	if err != nil {
		return View{}, err
	}
	events, mode, err := t.effectiveHistory(ctx, id, queued)
	if err != nil {
		return View{}, err
	}

	p, err := t.Projector.ProjectRecord(id, c, events)
	if err != nil {
		t.inconsistent(id, err)
		return View{}, err
	}
	if queued > 0 {
		p.Provisional = true
	}
	return View{
		Consignment: mirrorOf(*c, p, c.UpdatedAt),
		Projection:  p,
		Mode:        mode,
		Degraded:    mode == ledger.ModeEmulated,
		PendingSync: queued,
	}, nil
}

// History returns the effective history of id and the ledger that answered.
func (t *Tracker) History(ctx context.Context, id ledger.ConsignmentID) ([]ledger.StatusEvent, ledger.Mode, error) {
	if _, err := t.resolve(ctx, id); err != nil {
		return nil, "", err
	}
	queued, err := t.pending(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return t.effectiveHistory(ctx, id, queued)
}

// List returns the mirrored consignments.
func (t *Tracker) List(ctx context.Context) ([]ledger.Consignment, error) {
	return t.Mirror.ListConsignments(ctx)
}

func (t *Tracker) PendingSyncCount(ctx context.Context) (int, error) {
	return t.Queue.CountPending(ctx)
}

func (t *Tracker) DeadLetters(ctx context.Context) ([]syncq.DeadLetter, error) {
	return t.Queue.DeadLetters(ctx)
}

func (t *Tracker) inconsistent(id ledger.ConsignmentID, err error) {
	if !errors.Is(err, ledger.ErrInconsistent) {
		return
	}
	t.Monitor.Report.Errors.Inconsistent.Inc()
	t.log.WithError(err).WithField("id", id).Error("Inconsistent history")
}
