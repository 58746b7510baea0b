/*
Package ledger provides the consignment event ledger engine.

PURPOSE:
  This package contains the types and algorithms that track a consignment
  through the supply chain: the role-gated state machine, the hash-chained
  event history, the projection that derives canonical status from that
  history, and the ledger clients (network, emulated, failover).

KEY CONCEPTS IN THIS FILE (types.go):
  - Role / Status: closed enumerations, parsed at the boundary
  - Actor: who performed a transition
  - Quantity: decimal amount of goods (never float)
  - Consignment: the mirrored record of a shipment
  - StatusEvent: an immutable, hash-chained ledger entry

DESIGN PRINCIPLES:
  1. Immutability: StatusEvents are never modified once committed
  2. Derivation: Consignment.Status is a cache; the ledger is the truth
  3. Precision: quantities use decimal.Decimal
  4. Type Safety: roles and statuses are closed sets, unknown values rejected

SEE ALSO:
  - transition.go: Allowed (status, role) edges
  - digest.go: Canonical payload and hash chain
  - projection.go: Canonical status from events
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ConsignmentID string
type TxID string

// NewTxID derives the ledger transaction id from consignment id and sequence.
func NewTxID(id ConsignmentID, seq uint64) TxID {
	return TxID(fmt.Sprintf("%s:%d", id, seq))
}

// =============================================================================
// ROLES
// =============================================================================

type Role string

const (
	RoleProducer    Role = "producer"
	RoleCarrier     Role = "carrier"
	RoleDistributor Role = "distributor"
	RoleRetailer    Role = "retailer"
)

// Roles lists every known role.
var Roles = []Role{RoleProducer, RoleCarrier, RoleDistributor, RoleRetailer}

// ParseRole converts user input into a Role.
// "farmer" is accepted as an alias for producer. Anything else is Forbidden.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "producer", "farmer":
		return RoleProducer, nil
	case "carrier":
		return RoleCarrier, nil
	case "distributor":
		return RoleDistributor, nil
	case "retailer":
		return RoleRetailer, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrForbidden, s)
}

func (r Role) Valid() bool {
	switch r {
	case RoleProducer, RoleCarrier, RoleDistributor, RoleRetailer:
		return true
	}
	return false
}

// =============================================================================
// STATUSES
// =============================================================================

type Status string

const (
	StatusCreated                Status = "created"
	StatusAssigned               Status = "assigned"
	StatusPickedUp               Status = "picked_up"
	StatusInTransit              Status = "in_transit"
	StatusDeliveredToDistributor Status = "delivered_to_distributor"
	StatusProcessing             Status = "processing"
	StatusReadyForRetail         Status = "ready_for_retail"
	StatusShippedToRetailer      Status = "shipped_to_retailer"
	StatusDelivered              Status = "delivered"
	StatusReadyForSale           Status = "ready_for_sale"
	StatusSold                   Status = "sold"
)

// Statuses lists every lifecycle state in order.
var Statuses = []Status{
	StatusCreated,
	StatusAssigned,
	StatusPickedUp,
	StatusInTransit,
	StatusDeliveredToDistributor,
	StatusProcessing,
	StatusReadyForRetail,
	StatusShippedToRetailer,
	StatusDelivered,
	StatusReadyForSale,
	StatusSold,
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	for _, st := range Statuses {
		if st == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSold
}

// =============================================================================
// ACTOR / LOCATION
// =============================================================================

// Actor identifies the operator performing a transition.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Location is an optional geographic point. A nil *Location means
// "no location available", which is a valid degraded input.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// =============================================================================
// QUANTITY
// =============================================================================

type Quantity = decimal.Decimal

func NewQuantity(v float64) Quantity {
	return decimal.NewFromFloat(v)
}

func ParseQuantity(s string) (Quantity, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	q, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidQuantity, err)
	}
	return q, nil
}

// =============================================================================
// CONSIGNMENT - Mirrored record
// =============================================================================

// Participants are filled in as the consignment moves along the chain.
type Participants struct {
	ProducerID    string `json:"producer_id"`
	CarrierID     string `json:"carrier_id,omitempty"`
	DistributorID string `json:"distributor_id,omitempty"`
	RetailerID    string `json:"retailer_id,omitempty"`
}

// Consignment is the record shape shared with the system of record.
// Status and QuantityRemaining mirror the projection; they are never
// trusted over the ledger.
type Consignment struct {
	ID                ConsignmentID `json:"id"`
	Name              string        `json:"name"`
	Unit              string        `json:"unit"`
	InitialQuantity   Quantity      `json:"initial_quantity"`
	QuantityRemaining Quantity      `json:"quantity_remaining"`
	Status            Status        `json:"status"`
	Participants      Participants  `json:"participants"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// =============================================================================
// STATUS EVENT - Immutable ledger entry
// =============================================================================

// StatusEvent records one transition of one consignment.
// Sequence, Timestamp, PrevDigest and Digest are assigned at commit.
type StatusEvent struct {
	TxID          TxID          `json:"tx_id"`
	ConsignmentID ConsignmentID `json:"consignment_id"`
	Sequence      uint64        `json:"sequence"`

	// ActionID is the idempotency key of the originating action.
	ActionID string `json:"action_id"`

	// Timestamp is assigned by the ledger and never decreases within a
	// consignment. RecordedAt is the actor's own clock.
	Timestamp  time.Time `json:"timestamp"`
	RecordedAt time.Time `json:"recorded_at"`

	Status   Status    `json:"status"`
	Location *Location `json:"location,omitempty"`
	Actor    Actor     `json:"actor"`

	// Initial quantity on the genesis event, sold quantity on sale events.
	Quantity   Quantity `json:"quantity"`
	RetailerID string   `json:"retailer_id,omitempty"`

	// Synthetic marks a generated genesis from the emulated ledger.
	Synthetic bool `json:"synthetic,omitempty"`
	// Provisional marks a local-only event awaiting network commit.
	Provisional bool `json:"provisional,omitempty"`

	PrevDigest string `json:"prev_digest"`
	Digest     string `json:"digest"`
}

// IsSale reports whether the event records a sale.
func (e StatusEvent) IsSale() bool {
	return e.Quantity.IsPositive() &&
		(e.Status == StatusSold || e.Status == StatusReadyForSale)
}

// CommitResult acknowledges a committed event.
type CommitResult struct {
	TxID        TxID      `json:"tx_id"`
	Sequence    uint64    `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	Digest      string    `json:"digest"`
	Provisional bool      `json:"provisional"`
}

// ResultOf builds the acknowledgement for a committed event.
func ResultOf(ev StatusEvent) CommitResult {
	return CommitResult{
		TxID:        ev.TxID,
		Sequence:    ev.Sequence,
		Timestamp:   ev.Timestamp,
		Digest:      ev.Digest,
		Provisional: ev.Provisional,
	}
}
