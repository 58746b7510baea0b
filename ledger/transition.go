/*
transition.go - Role-gated consignment state machine

PURPOSE:
  Decides whether an actor may move a consignment from its current status to
  a requested one. Pure: no I/O, no clock, no store.

TRANSITION TABLE (current, role) -> next:

  created                  carrier      assigned
  assigned                 carrier      picked_up
  picked_up                carrier      in_transit
  in_transit               carrier      delivered_to_distributor
  delivered_to_distributor distributor  processing
  processing               distributor  ready_for_retail
  ready_for_retail         distributor  shipped_to_retailer (retailer id required)
  shipped_to_retailer      retailer     delivered
  delivered                retailer     ready_for_sale
  ready_for_sale           retailer     sold (quantity bounded)

DECISION ORDER:
  1. Unknown role                          -> Forbidden
  2. Unknown or terminal current status    -> InvalidTransition
  3. No edge for (current, role)           -> Forbidden
  4. Edge exists but leads elsewhere       -> InvalidTransition

  Both errors are final: they are returned to the caller and never queued.

SALES:
  A request for "sold" carries a quantity. If the remainder after the sale is
  positive the consignment stays ready_for_sale; the sale is still recorded.

SEE ALSO:
  - projection.go: Computes the current status fed to Validate
  - tracker/tracker.go: Re-runs validation before every commit attempt
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type edgeKey struct {
	From Status
	Role Role
}

var transitions = map[edgeKey]Status{
	{StatusCreated, RoleCarrier}:                    StatusAssigned,
	{StatusAssigned, RoleCarrier}:                   StatusPickedUp,
	{StatusPickedUp, RoleCarrier}:                   StatusInTransit,
	{StatusInTransit, RoleCarrier}:                  StatusDeliveredToDistributor,
	{StatusDeliveredToDistributor, RoleDistributor}: StatusProcessing,
	{StatusProcessing, RoleDistributor}:             StatusReadyForRetail,
	{StatusReadyForRetail, RoleDistributor}:         StatusShippedToRetailer,
	{StatusShippedToRetailer, RoleRetailer}:         StatusDelivered,
	{StatusDelivered, RoleRetailer}:                 StatusReadyForSale,
	{StatusReadyForSale, RoleRetailer}:              StatusSold,
}

// NextStatus returns the only status role may move current to.
func NextStatus(current Status, role Role) (Status, bool) {
	next, ok := transitions[edgeKey{current, role}]
	return next, ok
}

// Validate accepts or rejects a transition request.
func Validate(current Status, role Role, requested Status) error {
	reject := func(reason error, code string) error {
		return &TransitionError{From: current, To: requested, Role: role, Code: code, reason: reason}
	}

	if !role.Valid() {
		return reject(ErrForbidden, "unknown_role")
	}
	if !current.Valid() || current.Terminal() {
		return reject(ErrInvalidTransition, "terminal")
	}
	next, ok := NextStatus(current, role)
	if !ok {
		return reject(ErrForbidden, "role_mismatch")
	}
	if next != requested {
		return reject(ErrInvalidTransition, "no_edge")
	}
	return nil
}

// =============================================================================
// INTENT - A requested transition with its payload
// =============================================================================

// Intent is what an actor asks for. It is validated, queued and replayed;
// the committed StatusEvent is built from it.
type Intent struct {
	ActionID      string        `json:"action_id"`
	ConsignmentID ConsignmentID `json:"consignment_id"`
	Actor         Actor         `json:"actor"`
	Requested     Status        `json:"requested"`
	Location      *Location     `json:"location,omitempty"`
	Quantity      Quantity      `json:"quantity"`
	RetailerID    string        `json:"retailer_id,omitempty"`
	RecordedAt    time.Time     `json:"recorded_at"`
}

// ValidateIntent runs Validate plus the payload checks for the edge, and
// participant binding against the projected state. It returns the event to
// append when the intent is allowed.
func ValidateIntent(p Projection, in Intent) (StatusEvent, error) {
	if err := Validate(p.Status, in.Actor.Role, in.Requested); err != nil {
		return StatusEvent{}, err
	}
	reject := func(reason error, code string) error {
		return &TransitionError{From: p.Status, To: in.Requested, Role: in.Actor.Role, Code: code, reason: reason}
	}

	if err := checkParticipant(p.Participants, in.Actor); err != nil {
		return StatusEvent{}, reject(err, "participant_mismatch")
	}

	ev := StatusEvent{
		ConsignmentID: in.ConsignmentID,
		ActionID:      in.ActionID,
		RecordedAt:    in.RecordedAt,
		Status:        in.Requested,
		Location:      in.Location,
		Actor:         in.Actor,
		Quantity:      decimal.Zero,
	}

	switch in.Requested {
	case StatusShippedToRetailer:
		if in.RetailerID == "" {
			return StatusEvent{}, reject(ErrInvalidTransition, "retailer_required")
		}
		ev.RetailerID = in.RetailerID
	case StatusSold:
		qty := in.Quantity
		if qty.IsZero() {
			qty = p.QuantityRemaining
		}
		if !qty.IsPositive() {
			return StatusEvent{}, reject(ErrInvalidQuantity, "non_positive_quantity")
		}
		if qty.GreaterThan(p.QuantityRemaining) {
			return StatusEvent{}, reject(ErrQuantityExceeded, "quantity_exceeded")
		}
		ev.Quantity = qty
		ev.Status = ResultingStatus(p.QuantityRemaining, qty)
	}
	return ev, nil
}

// ResultingStatus resolves a sale: partial sales keep the consignment on sale.
func ResultingStatus(remaining, sold Quantity) Status {
	if remaining.Sub(sold).IsPositive() {
		return StatusReadyForSale
	}
	return StatusSold
}

// checkParticipant binds carrier, distributor and retailer actions to the
// participant recorded for that leg, once one is recorded.
func checkParticipant(p Participants, actor Actor) error {
	var bound string
	switch actor.Role {
	case RoleCarrier:
		bound = p.CarrierID
	case RoleDistributor:
		bound = p.DistributorID
	case RoleRetailer:
		bound = p.RetailerID
	}
	if bound != "" && bound != actor.ID {
		return ErrForbidden
	}
	return nil
}

// ValidateGenesis checks a creation intent and returns the genesis event.
// Only producers create consignments, with a positive initial quantity.
func ValidateGenesis(in Intent) (StatusEvent, error) {
	reject := func(reason error, code string) error {
		return &TransitionError{To: StatusCreated, Role: in.Actor.Role, Code: code, reason: reason}
	}
	if in.Actor.Role != RoleProducer {
		return StatusEvent{}, reject(ErrForbidden, "producer_required")
	}
	if !in.Quantity.IsPositive() {
		return StatusEvent{}, reject(ErrInvalidQuantity, "non_positive_quantity")
	}
	return StatusEvent{
		ConsignmentID: in.ConsignmentID,
		ActionID:      in.ActionID,
		RecordedAt:    in.RecordedAt,
		Status:        StatusCreated,
		Location:      in.Location,
		Actor:         in.Actor,
		Quantity:      in.Quantity,
	}, nil
}
