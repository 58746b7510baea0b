package tracker

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/warp/consignment-ledger/ledger"
)

// Finding is a disagreement between the system of record and the ledger.
type Finding struct {
	ConsignmentID  ledger.ConsignmentID `json:"consignment_id"`
	RecordStatus   ledger.Status        `json:"record_status"`
	LedgerStatus   ledger.Status        `json:"ledger_status,omitempty"`
	RecordQuantity ledger.Quantity      `json:"record_quantity"`
	LedgerQuantity ledger.Quantity      `json:"ledger_quantity"`
	Reason         string               `json:"reason"`
}

// WatchRecord follows the record of id and checks every change against the
// canonical projection until ctx is done.
func (t *Tracker) WatchRecord(ctx context.Context, id ledger.ConsignmentID) error {
	return t.Records.Watch(ctx, id, func(c ledger.Consignment) {
		if _, err := t.CheckRecord(ctx, c); err != nil && ctx.Err() == nil {
			t.log.WithError(err).WithField("id", id).Debug("Record check skipped")
		}
	})
}

// Audit checks the record of every mirrored consignment.
func (t *Tracker) Audit(ctx context.Context) ([]Finding, error) {
	list, err := t.Mirror.ListConsignments(ctx)
	if err != nil {
		return nil, err
	}

	var (
		findings []Finding
		errs     []error
	)
	for _, c := range list {
		rec, err := t.Records.Get(ctx, c.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		f, err := t.CheckRecord(ctx, *rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if f != nil {
			findings = append(findings, *f)
		}
	}
	return findings, errors.Join(errs...)
}

// CheckRecord compares rec with the projection of the network history. A
// disagreement is reported and the record is rewritten from the
// projection; the ledger is never touched. Records with queued writes are
// expected to lag and are not checked.
func (t *Tracker) CheckRecord(ctx context.Context, rec ledger.Consignment) (*Finding, error) {
	id := rec.ID
	unlock := t.Queue.Locks.Lock(id)
	defer unlock()

	queued, err := t.pending(ctx, id)
	if err != nil || queued > 0 {
		return nil, err
	}
	events, err := t.Ledger.Refresh(ctx, id)
	if err != nil {
		return nil, err
	}

	finding := &Finding{
		ConsignmentID:  id,
		RecordStatus:   rec.Status,
		RecordQuantity: rec.QuantityRemaining,
	}

	p, err := t.Projector.ProjectRecord(id, &rec, events)
	if err != nil {
		if !errors.Is(err, ledger.ErrInconsistent) {
			return nil, err
		}
		finding.Reason = err.Error()
		t.inconsistent(id, err)
		return finding, nil
	}
	if rec.Status == p.Status && rec.QuantityRemaining.Equal(p.QuantityRemaining) {
		return nil, nil
	}

	finding.LedgerStatus = p.Status
	finding.LedgerQuantity = p.QuantityRemaining
	finding.Reason = "record disagrees with ledger history"

	t.Monitor.Report.Errors.Inconsistent.Inc()
	t.log.WithFields(logrus.Fields{
		"id":              id,
		"record_status":   rec.Status,
		"ledger_status":   p.Status,
		"record_quantity": rec.QuantityRemaining.String(),
		"ledger_quantity": p.QuantityRemaining.String(),
	}).Error("Record disagrees with ledger, re-mirroring")

	repaired := mirrorOf(rec, p, t.now())
	if err := t.Records.Update(ctx, repaired); err != nil {
		t.Monitor.Report.Errors.RecordWrite.Inc()
		t.log.WithError(err).WithField("id", id).Warn("Failed to re-mirror record")
	}
	if err := t.Mirror.SaveConsignment(ctx, repaired); err != nil {
		return finding, err
	}
	return finding, nil
}
