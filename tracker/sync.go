package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/warp/consignment-ledger/ledger"
	"github.com/warp/consignment-ledger/syncq"
)

// Sync replays the queue against the network ledger. The health answer is
// re-checked first so a drain right after an outage does not wait for the
// cached one to expire.
func (t *Tracker) Sync(ctx context.Context) (syncq.DrainReport, error) {
	t.Monitor.Report.Sync.Drains.Inc()

	if err := t.Ledger.Recheck(ctx); err != nil {
		n, cerr := t.Queue.CountPending(ctx)
		if cerr != nil {
			return syncq.DrainReport{}, errors.Join(err, cerr)
		}
		return syncq.DrainReport{Remaining: n}, err
	}

	report, err := t.Queue.Drain(ctx, t.commitItem)
	t.Monitor.Report.Sync.Replayed.Add(uint64(report.Committed))
	t.Monitor.Report.Sync.Retried.Add(uint64(report.Retried))
	t.refreshPending(ctx)
	return report, err
}

// commitItem replays one queued write. It runs under the consignment lock
// held by the queue. The ledger half is skipped when the action is already
// on the network history, so a replay after a partial success only writes
// the record.
func (t *Tracker) commitItem(ctx context.Context, item syncq.Item) error {
	payload, err := item.Decode()
	if err != nil {
		return err
	}
	id := item.TargetID
	in := payload.Intent

	events, err := t.Ledger.Refresh(ctx, id)
	if err != nil {
		return err
	}
	_, applied := ledger.FindAction(events, in.ActionID)

	switch item.Operation {
	case syncq.OpCreate:
		if payload.Consignment == nil {
			return fmt.Errorf("create item %s carries no record", item.ID)
		}
		c := *payload.Consignment

		if !applied {
			if len(events) > 0 {
				return &ledger.InconsistentError{ConsignmentID: id, Reason: "genesis already committed by another action"}
			}
			ev, err := ledger.ValidateGenesis(in)
			if err != nil {
				return err
			}
			ev.PrevDigest = ledger.GenesisDigest

			res, err := t.Ledger.Append(ctx, id, ev)
			if err != nil && !ledger.IsDuplicate(err) {
				return err
			}
			events = t.committedHistory(ctx, id, events, ev, res, err != nil)
		}

		mirrored := mirrorOf(c, t.Projector.Project(events), t.now())
		if err := t.Records.Create(ctx, mirrored); err != nil {
			t.Monitor.Report.Errors.RecordWrite.Inc()
			return err
		}
		return t.Mirror.SaveConsignment(ctx, mirrored)

	case syncq.OpStatusUpdate:
		c, err := t.Mirror.GetConsignment(ctx, id)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return fmt.Errorf("consignment %s: %w", id, ledger.ErrUnknownConsignment)
			}
			return err
		}

		if !applied {
			if len(events) == 0 {
				return fmt.Errorf("consignment %s has no genesis on the ledger: %w", id, ledger.ErrUnknownConsignment)
			}
			p, err := t.Projector.ProjectRecord(id, c, events)
			if err != nil {
				t.inconsistent(id, err)
				return err
			}
			ev, err := ledger.ValidateIntent(p, in)
			if err != nil {
				t.log.WithError(err).WithFields(logrus.Fields{
					"id":     id,
					"item":   item.ID,
					"action": in.ActionID,
				}).Warn("Queued transition no longer valid")
				return err
			}
			ev.PrevDigest = p.HeadDigest

			res, err := t.Ledger.Append(ctx, id, ev)
			if err != nil && !ledger.IsDuplicate(err) {
				return err
			}
			events = t.committedHistory(ctx, id, events, ev, res, err != nil)
		}

		mirrored := mirrorOf(*c, t.Projector.Project(events), t.now())
		if err := t.Records.Update(ctx, mirrored); err != nil {
			t.Monitor.Report.Errors.RecordWrite.Inc()
			return err
		}
		return t.Mirror.SaveConsignment(ctx, mirrored)

	default:
		return fmt.Errorf("item %s: unknown operation %q", item.ID, item.Operation)
	}
}

// onDrained drops the provisional layer of id once its segment is empty:
// from now on the network history is the only one.
func (t *Tracker) onDrained(ctx context.Context, id ledger.ConsignmentID) error {
	if err := t.Ledger.Emulated.Discard(ctx, id); err != nil {
		return err
	}
	events, err := t.Ledger.Refresh(ctx, id)
	if err != nil {
		return err
	}

	c, err := t.Mirror.GetConsignment(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		return err
	}
	if len(events) > 0 {
		mirrored := mirrorOf(*c, t.Projector.Project(events), t.now())
		if err := t.Mirror.SaveConsignment(ctx, mirrored); err != nil {
			return err
		}
	}
	t.log.WithField("id", id).WithField("events", len(events)).Info("Reconciled with network history")
	return nil
}
