/*
store.go - Persistence interfaces for events, snapshots and records

PURPOSE:
  Defines the interface between the ledger logic and local storage.
  Implementations:
  - ledger/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go: Durable, survives process restart

KEY INTERFACES:
  EventStore:       Append-only, hash-chained events (compare-and-swap head)
  ProvisionalStore: Local layer of the emulated ledger, discarded once the
                    network ledger has settled it
  SnapshotStore:    Last known network history per consignment (head cache)
  ConsignmentStore: Local mirror of consignment records

APPEND-ONLY CONTRACT:
  AppendEvent is the ONLY write on an EventStore. There is no Update and no
  Delete. The store checks, atomically with the write:
  - ev.PrevDigest equals the digest of the current head ("" when empty)
  - ev.Sequence equals head sequence + 1
  - ev.ActionID was not committed before for this consignment
  Violations return *ConflictError; the caller refreshes and retries.

SEE ALSO:
  - ledger.go: EventLedger built on EventStore
  - emulated.go: Uses ProvisionalStore and SnapshotStore
*/
package ledger

import "context"

// =============================================================================
// EVENT STORE - Append-only, compare-and-swap on head
// =============================================================================

type EventStore interface {
	// AppendEvent persists a sealed event if it extends the current head.
	AppendEvent(ctx context.Context, ev StatusEvent) error

	// LoadEvents returns all events of a consignment in sequence order.
	LoadEvents(ctx context.Context, id ConsignmentID) ([]StatusEvent, error)

	// Head returns the last event, or nil when there is none.
	Head(ctx context.Context, id ConsignmentID) (*StatusEvent, error)

	// FindAction returns the event committed for actionID, or nil.
	FindAction(ctx context.Context, id ConsignmentID, actionID string) (*StatusEvent, error)
}

// ProvisionalStore holds the local layer of the emulated ledger: the base
// history it was built on plus events that await network commit. The
// emulated client serializes writes; the store does not check the chain.
type ProvisionalStore interface {
	AppendProvisional(ctx context.Context, events ...StatusEvent) error
	LoadProvisional(ctx context.Context, id ConsignmentID) ([]StatusEvent, error)

	// Discard drops the local layer of a consignment after the network
	// history has superseded it.
	Discard(ctx context.Context, id ConsignmentID) error
}

// =============================================================================
// SNAPSHOT STORE - Last known network history
// =============================================================================

// SnapshotStore caches the last history read from the network ledger.
// Its last event is the "last known head digest" for the consignment.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, id ConsignmentID, events []StatusEvent) error
	LoadSnapshot(ctx context.Context, id ConsignmentID) ([]StatusEvent, bool, error)
}

// =============================================================================
// CONSIGNMENT STORE - Local mirror of records
// =============================================================================

type ConsignmentStore interface {
	SaveConsignment(ctx context.Context, c Consignment) error
	// GetConsignment returns ErrNotFound for unknown ids.
	GetConsignment(ctx context.Context, id ConsignmentID) (*Consignment, error)
	ListConsignments(ctx context.Context) ([]Consignment, error)
}

// CheckAppend applies the compare-and-swap rules of AppendEvent against
// the current state of a consignment. Stores call it under their write lock.
func CheckAppend(ev StatusEvent, head *StatusEvent, committed func(actionID string) bool) error {
	if ev.ActionID != "" && committed(ev.ActionID) {
		return &ConflictError{ConsignmentID: ev.ConsignmentID, Duplicate: true, ActionID: ev.ActionID}
	}
	headDigest, headSeq := GenesisDigest, uint64(0)
	if head != nil {
		headDigest, headSeq = head.Digest, head.Sequence
	}
	if ev.PrevDigest != headDigest || ev.Sequence != headSeq+1 {
		return &ConflictError{
			ConsignmentID: ev.ConsignmentID,
			ExpectedHead:  ev.PrevDigest,
			ActualHead:    headDigest,
		}
	}
	return nil
}
