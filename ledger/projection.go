/*
projection.go - Canonical consignment state from its event history

PURPOSE:
  Folds an ordered StatusEvent sequence into the consignment's canonical
  state. Consignment.Status is never read as truth; this fold is.

DETERMINISM:
  Project is a pure function of its input. It never reads the clock, so
  re-projecting the same ordered events always yields the same Projection.
  Transit duration for a shipment still on the road is measured up to the
  last event, not up to "now".

DERIVED STATISTICS:
  TransitDuration: first picked_up -> first delivered_to_distributor
  DelayCount:      consecutive events further apart than DelayThreshold
  Quantity:        genesis quantity minus every recorded sale

EMPTY HISTORY:
  An empty history is only acceptable when the consignment record itself
  says "created" (the genesis commit is still pending). Any other record
  status with no events is Inconsistent.

GENERATED GENESIS:
  A history built on the emulated client's generated genesis is only used
  while the record agrees with its projected status. The record's initial
  quantity replaces the generated one. A disagreement is Inconsistent: the
  real history is unknown until the network ledger answers.

SEE ALSO:
  - digest.go: VerifyChain, run before trusting a projection
  - transition.go: Consumes Projection to validate the next step
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultDelayThreshold is the gap between events counted as a delay.
const DefaultDelayThreshold = 48 * time.Hour

// Projection is the canonical view of one consignment.
type Projection struct {
	ConsignmentID     ConsignmentID
	Status            Status
	LastLocation      *Location
	TransitDuration   time.Duration
	DelayCount        int
	InitialQuantity   Quantity
	QuantityRemaining Quantity
	SoldQuantity      Quantity
	Participants      Participants
	EventCount        int
	HeadDigest        string
	LastUpdated       time.Time

	// Provisional is true when any folded event is not yet committed to the
	// network ledger; Synthetic when the history starts from a generated genesis.
	Provisional bool
	Synthetic   bool
}

// Projector folds histories. The zero value uses DefaultDelayThreshold.
type Projector struct {
	DelayThreshold time.Duration
}

func NewProjector(delayThreshold time.Duration) *Projector {
	return &Projector{DelayThreshold: delayThreshold}
}

func (p *Projector) threshold() time.Duration {
	if p == nil || p.DelayThreshold <= 0 {
		return DefaultDelayThreshold
	}
	return p.DelayThreshold
}

// Project folds events in order.
func (p *Projector) Project(events []StatusEvent) Projection {
	out := Projection{
		InitialQuantity:   decimal.Zero,
		QuantityRemaining: decimal.Zero,
		SoldQuantity:      decimal.Zero,
	}
	if len(events) == 0 {
		return out
	}

	var (
		pickedUp, arrived time.Time
		threshold         = p.threshold()
	)

	for i, ev := range events {
		if i == 0 {
			out.ConsignmentID = ev.ConsignmentID
		}
		if ev.Status == StatusCreated && ev.Sequence <= 1 {
			out.InitialQuantity = ev.Quantity
			out.Participants.ProducerID = ev.Actor.ID
		}
		if ev.IsSale() {
			out.SoldQuantity = out.SoldQuantity.Add(ev.Quantity)
		}

		switch ev.Status {
		case StatusAssigned:
			out.Participants.CarrierID = ev.Actor.ID
		case StatusPickedUp:
			if pickedUp.IsZero() {
				pickedUp = ev.Timestamp
			}
		case StatusDeliveredToDistributor:
			if arrived.IsZero() {
				arrived = ev.Timestamp
			}
		case StatusProcessing:
			out.Participants.DistributorID = ev.Actor.ID
		case StatusShippedToRetailer:
			out.Participants.RetailerID = ev.RetailerID
		}

		if i > 0 && ev.Timestamp.Sub(events[i-1].Timestamp) > threshold {
			out.DelayCount++
		}
		if ev.Location != nil {
			loc := *ev.Location
			out.LastLocation = &loc
		}
		if ev.Provisional {
			out.Provisional = true
		}
		if ev.Synthetic {
			out.Synthetic = true
		}

		out.Status = ev.Status
		out.HeadDigest = ev.Digest
		out.LastUpdated = ev.Timestamp
	}

	out.EventCount = len(events)
	out.QuantityRemaining = out.InitialQuantity.Sub(out.SoldQuantity)

	if !pickedUp.IsZero() {
		end := arrived
		if end.IsZero() {
			end = out.LastUpdated
		}
		out.TransitDuration = end.Sub(pickedUp)
	}
	return out
}

// anchorSynthetic checks a history built on a generated genesis against the
// record. The generated genesis only stands in for a consignment whose record
// agrees with the projected status; its quantity is replaced by the record's.
func anchorSynthetic(proj *Projection, record *Consignment) error {
	if record == nil {
		return &InconsistentError{ConsignmentID: proj.ConsignmentID, Sequence: 1, Reason: "generated genesis without a record"}
	}
	if record.Status != proj.Status {
		return &InconsistentError{
			ConsignmentID: proj.ConsignmentID,
			Sequence:      1,
			Reason: fmt.Sprintf("no ledger history available: record status is %s, generated history says %s",
				record.Status, proj.Status),
		}
	}
	if record.InitialQuantity.IsPositive() {
		proj.InitialQuantity = record.InitialQuantity
		proj.QuantityRemaining = record.InitialQuantity.Sub(proj.SoldQuantity)
	}
	return nil
}

// ProjectRecord projects events against the consignment record, surfacing
// the conditions under which the projection cannot be trusted.
func (p *Projector) ProjectRecord(id ConsignmentID, record *Consignment, events []StatusEvent) (Projection, error) {
	if len(events) == 0 {
		if record != nil && record.Status == StatusCreated {
			return Projection{
				ConsignmentID:     id,
				Status:            StatusCreated,
				InitialQuantity:   record.InitialQuantity,
				QuantityRemaining: record.InitialQuantity,
				SoldQuantity:      decimal.Zero,
				Participants:      Participants{ProducerID: record.Participants.ProducerID},
				Provisional:       true,
			}, nil
		}
		reason := "no events and no record"
		if record != nil {
			reason = "no events but record status is " + string(record.Status)
		}
		return Projection{ConsignmentID: id}, &InconsistentError{ConsignmentID: id, Reason: reason}
	}

	if err := VerifyChain(events); err != nil {
		return Projection{ConsignmentID: id}, err
	}

	proj := p.Project(events)
	if proj.Synthetic {
		if err := anchorSynthetic(&proj, record); err != nil {
			return Projection{ConsignmentID: id}, err
		}
	}
	if proj.QuantityRemaining.IsNegative() {
		return proj, &InconsistentError{
			ConsignmentID: id,
			Sequence:      uint64(proj.EventCount),
			Reason:        "quantity remaining is negative",
		}
	}
	return proj, nil
}
