package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/warp/consignment-ledger/ledger"
	"github.com/warp/consignment-ledger/syncq"
)

// NewConsignment is a creation request. ID and ActionID are generated when
// empty.
type NewConsignment struct {
	ID       ledger.ConsignmentID `json:"id,omitempty"`
	Name     string               `json:"name"`
	Unit     string               `json:"unit"`
	Quantity ledger.Quantity      `json:"quantity"`
	Location *ledger.Location     `json:"location,omitempty"`
	ActionID string               `json:"action_id,omitempty"`
}

// TransitionRequest asks for the next status of a consignment. Quantity is
// only read for sales, where zero sells the remainder.
type TransitionRequest struct {
	Status     ledger.Status    `json:"status"`
	Quantity   ledger.Quantity  `json:"quantity"`
	RetailerID string           `json:"retailer_id,omitempty"`
	Location   *ledger.Location `json:"location,omitempty"`
	ActionID   string           `json:"action_id,omitempty"`
}

func (t *Tracker) commitTimeout() time.Duration {
	if t.CommitTimeout <= 0 {
		return DefaultCommitTimeout
	}
	return t.CommitTimeout
}

func (t *Tracker) locate(ctx context.Context, actor ledger.Actor, given *ledger.Location) *ledger.Location {
	if given != nil || t.Locations == nil {
		return given
	}
	loc, err := t.Locations.Current(ctx, actor)
	if err != nil {
		t.log.WithError(err).WithField("actor", actor.ID).Debug("No location available")
		return nil
	}
	return loc
}

// offline reports whether err sends a write down the queued path. A
// deadline of the caller's own context is not an outage.
func offline(ctx context.Context, err error) bool {
	if errors.Is(err, ledger.ErrUnreachable) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
}

func (t *Tracker) rejected(err error) error {
	if ledger.IsClientError(err) {
		t.Monitor.Report.Transitions.Rejected.Inc()
	}
	return err
}

// =============================================================================
// CREATE
// =============================================================================

// CreateConsignment records a new consignment: a genesis event on the ledger
// and a record in the system of record. Only producers create.
func (t *Tracker) CreateConsignment(ctx context.Context, actor ledger.Actor, in NewConsignment) (Result, error) {
	id := in.ID
	if id == "" {
		id = ledger.ConsignmentID(uuid.NewString())
	}
	actionID := in.ActionID
	if actionID == "" {
		actionID = xid.New().String()
	}
	now := t.now().UTC()

	intent := ledger.Intent{
		ActionID:      actionID,
		ConsignmentID: id,
		Actor:         actor,
		Requested:     ledger.StatusCreated,
		Location:      t.locate(ctx, actor, in.Location),
		Quantity:      in.Quantity,
		RecordedAt:    now,
	}
	ev, err := ledger.ValidateGenesis(intent)
	if err != nil {
		return Result{}, t.rejected(err)
	}
	ev.PrevDigest = ledger.GenesisDigest

	unlock := t.Queue.Locks.Lock(id)
	defer unlock()

	existing, err := t.Mirror.GetConsignment(ctx, id)
	if err == nil {
		return Result{Consignment: *existing}, &ledger.ConflictError{ConsignmentID: id, Duplicate: true, ActionID: actionID}
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return Result{}, err
	}

	c := ledger.Consignment{
		ID:                id,
		Name:              in.Name,
		Unit:              in.Unit,
		InitialQuantity:   in.Quantity,
		QuantityRemaining: in.Quantity,
		Status:            ledger.StatusCreated,
		Participants:      ledger.Participants{ProducerID: actor.ID},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	payload := syncq.Payload{Intent: intent, Consignment: &c}
	log := t.log.WithFields(logrus.Fields{"id": id, "action": actionID})

	if t.Ledger.Health(ctx) == nil {
		actx, cancel := context.WithTimeout(ctx, t.commitTimeout())
		res, err := t.Ledger.Append(actx, id, ev)
		cancel()

		if err == nil || ledger.IsDuplicate(err) {
			events := t.committedHistory(ctx, id, nil, ev, res, err != nil)
			result := t.settle(ctx, c, events, res)
			t.Monitor.Report.Transitions.Committed.Inc()
			log.Info("Consignment created")

			if werr := t.Records.Create(ctx, result.Consignment); werr != nil {
				return t.queueRecordWrite(ctx, syncq.OpCreate, payload, result, werr)
			}
			return result, nil
		}
		if !offline(ctx, err) {
			return Result{}, err
		}
		t.Monitor.Report.Errors.Unreachable.Inc()
		log.WithError(err).Warn("Ledger unreachable, creating provisionally")
	}

	res, err := t.Ledger.Emulated.Append(ctx, id, ev)
	if err != nil && !ledger.IsDuplicate(err) {
		return Result{}, err
	}
	return t.enqueueProvisional(ctx, syncq.OpCreate, c, payload, res)
}

// =============================================================================
// TRANSITION
// =============================================================================

// RequestTransition validates and records the next status of id.
func (t *Tracker) RequestTransition(ctx context.Context, id ledger.ConsignmentID, actor ledger.Actor, req TransitionRequest) (Result, error) {
	c, err := t.resolve(ctx, id)
	if err != nil {
		return Result{}, err
	}

	actionID := req.ActionID
	if actionID == "" {
		actionID = xid.New().String()
	}
	intent := ledger.Intent{
		ActionID:      actionID,
		ConsignmentID: id,
		Actor:         actor,
		Requested:     req.Status,
		Location:      t.locate(ctx, actor, req.Location),
		Quantity:      req.Quantity,
		RetailerID:    req.RetailerID,
		RecordedAt:    t.now().UTC(),
	}

	unlock := t.Queue.Locks.Lock(id)
	defer unlock()

	queued, err := t.pending(ctx, id)
	if err != nil {
		return Result{}, err
	}

	log := t.log.WithFields(logrus.Fields{"id": id, "action": actionID, "requested": req.Status})
	if queued == 0 && t.Ledger.Health(ctx) == nil {
		result, err := t.commitOnline(ctx, *c, intent)
		if err == nil {
			log.WithField("seq", result.Commit.Sequence).Info("Transition committed")
			return result, nil
		}
		if !offline(ctx, err) {
			return Result{}, t.rejected(err)
		}
		t.Monitor.Report.Errors.Unreachable.Inc()
		log.WithError(err).Warn("Ledger unreachable, recording provisionally")
	}

	return t.transitionOffline(ctx, *c, intent)
}

func (t *Tracker) conflictBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.ConflictBackoff
	bo.MaxInterval = 20 * t.ConflictBackoff
	bo.MaxElapsedTime = 0
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = time.Millisecond
		bo.MaxInterval = time.Millisecond
	}
	retries := t.ConflictRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)
}

// commitOnline validates against the network head and appends, retrying a
// moved head a bounded number of times. Each attempt re-reads and
// re-validates: a transition that was valid before the race may not be.
func (t *Tracker) commitOnline(ctx context.Context, c ledger.Consignment, intent ledger.Intent) (Result, error) {
	id := c.ID
	var result Result

	op := func() error {
		actx, cancel := context.WithTimeout(ctx, t.commitTimeout())
		defer cancel()

		events, err := t.Ledger.Refresh(actx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if len(events) == 0 {
			return backoff.Permanent(fmt.Errorf("consignment %s has no genesis on the ledger: %w", id, ledger.ErrUnknownConsignment))
		}
		if prev, ok := ledger.FindAction(events, intent.ActionID); ok {
			result = t.settle(ctx, c, events, ledger.ResultOf(prev))
			return nil
		}

		p, err := t.Projector.ProjectRecord(id, &c, events)
		if err != nil {
			t.inconsistent(id, err)
			return backoff.Permanent(err)
		}
		ev, err := ledger.ValidateIntent(p, intent)
		if err != nil {
			return backoff.Permanent(err)
		}
		ev.PrevDigest = p.HeadDigest

		res, err := t.Ledger.Append(actx, id, ev)
		switch {
		case err == nil, ledger.IsDuplicate(err):
			events = t.committedHistory(ctx, id, events, ev, res, err != nil)
			result = t.settle(ctx, c, events, res)
			t.Monitor.Report.Transitions.Committed.Inc()
			return nil
		case errors.Is(err, ledger.ErrConflict):
			t.Monitor.Report.Transitions.Conflicts.Inc()
			t.log.WithError(err).WithField("id", id).Debug("Head moved, retrying")
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	if err := backoff.Retry(op, t.conflictBackOff(ctx)); err != nil {
		return Result{}, err
	}

	if err := t.Records.Update(ctx, result.Consignment); err != nil {
		return t.queueRecordWrite(ctx, syncq.OpStatusUpdate, syncq.Payload{Intent: intent}, result, err)
	}
	return result, nil
}

// transitionOffline validates against the emulated history and records the
// event provisionally for later replay.
func (t *Tracker) transitionOffline(ctx context.Context, c ledger.Consignment, intent ledger.Intent) (Result, error) {
	id := c.ID
	events, err := t.Ledger.Emulated.History(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if prev, ok := ledger.FindAction(events, intent.ActionID); ok {
		p := withRecordQuantity(c, t.Projector.Project(events))
		return Result{
			Outcome:     OutcomeQueued,
			Commit:      ledger.ResultOf(prev),
			Consignment: mirrorOf(c, p, c.UpdatedAt),
			Projection:  p,
		}, nil
	}

	p, err := t.Projector.ProjectRecord(id, &c, events)
	if err != nil {
		t.inconsistent(id, err)
		return Result{}, err
	}
	ev, err := ledger.ValidateIntent(p, intent)
	if err != nil {
		return Result{}, t.rejected(err)
	}
	ev.PrevDigest = ledger.HeadOf(events)

	res, err := t.Ledger.Emulated.Append(ctx, id, ev)
	if err != nil {
		return Result{}, err
	}
	return t.enqueueProvisional(ctx, syncq.OpStatusUpdate, c, syncq.Payload{Intent: intent}, res)
}

// enqueueProvisional queues a write that was recorded in the emulated
// ledger and mirrors its provisional projection.
func (t *Tracker) enqueueProvisional(ctx context.Context, op syncq.Operation, c ledger.Consignment, payload syncq.Payload, res ledger.CommitResult) (Result, error) {
	id := c.ID
	item, err := t.Queue.Enqueue(ctx, op, id, payload)
	if err != nil {
		return Result{}, err
	}

	events, err := t.Ledger.Emulated.History(ctx, id)
	if err != nil {
		return Result{}, err
	}
	p := withRecordQuantity(c, t.Projector.Project(events))
	p.Provisional = true

	mirrored := mirrorOf(c, p, t.now())
	if err := t.Mirror.SaveConsignment(ctx, mirrored); err != nil {
		return Result{}, err
	}

	t.Monitor.Report.Transitions.Queued.Inc()
	t.Monitor.Report.Transitions.Provisional.Inc()
	t.refreshPending(ctx)

	return Result{
		Outcome:     OutcomeQueued,
		Commit:      res,
		Consignment: mirrored,
		Projection:  p,
		ItemID:      item.ID,
	}, nil
}

// queueRecordWrite queues the record half of a write whose ledger half is
// committed. Replay finds the action on the ledger and only writes the
// record.
func (t *Tracker) queueRecordWrite(ctx context.Context, op syncq.Operation, payload syncq.Payload, result Result, cause error) (Result, error) {
	t.Monitor.Report.Errors.RecordWrite.Inc()
	t.log.WithError(cause).WithField("id", result.Consignment.ID).Warn("Record write failed, queued for sync")

	item, err := t.Queue.Enqueue(ctx, op, result.Consignment.ID, payload)
	if err != nil {
		return Result{}, err
	}
	t.Monitor.Report.Transitions.Queued.Inc()
	t.refreshPending(ctx)

	result.ItemID = item.ID
	return result, nil
}

// committedHistory returns the network history once ev is acknowledged by
// res. The sealed event is rebuilt locally when it reproduces the
// acknowledged digest; otherwise the history is read back.
func (t *Tracker) committedHistory(ctx context.Context, id ledger.ConsignmentID, prior []ledger.StatusEvent, ev ledger.StatusEvent, res ledger.CommitResult, duplicate bool) []ledger.StatusEvent {
	var head *ledger.StatusEvent
	if len(prior) > 0 {
		head = &prior[len(prior)-1]
	}
	ev.ConsignmentID = id
	ev.Provisional = false
	sealed := ledger.Seal(ev, head, res.Timestamp)
	local := append(append([]ledger.StatusEvent{}, prior...), sealed)

	if !duplicate && sealed.Digest == res.Digest {
		if t.Ledger.Snapshots != nil {
			if err := t.Ledger.Snapshots.SaveSnapshot(ctx, id, local); err != nil {
				t.log.WithError(err).WithField("id", id).Warn("Failed to save snapshot")
			}
		}
		return local
	}

	events, err := t.Ledger.Refresh(ctx, id)
	if err != nil {
		t.log.WithError(err).WithField("id", id).Debug("Failed to read back history")
		return local
	}
	return events
}

// settle mirrors the projection of a committed history.
func (t *Tracker) settle(ctx context.Context, c ledger.Consignment, events []ledger.StatusEvent, res ledger.CommitResult) Result {
	p := t.Projector.Project(events)
	mirrored := mirrorOf(c, p, t.now())
	if err := t.Mirror.SaveConsignment(ctx, mirrored); err != nil {
		t.log.WithError(err).WithField("id", c.ID).Warn("Failed to update local mirror")
	}
	return Result{
		Outcome:     OutcomeCommitted,
		Commit:      res,
		Consignment: mirrored,
		Projection:  p,
	}
}
