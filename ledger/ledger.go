/*
ledger.go - Append-only, hash-chained consignment event log

PURPOSE:
  The EventLedger is the authoritative history of every consignment it
  holds. Canonical status is always computed by replaying these events;
  there is no separate status field that can drift from them.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. CHAINED: every event carries the digest of its predecessor
  3. MONOTONIC: timestamps never decrease within a consignment
  4. IDEMPOTENT: the same ActionID is never applied twice

OPTIMISTIC CONCURRENCY:
  The caller states which head it validated against (ev.PrevDigest). If the
  head has moved, Append fails with a ConflictError and the caller retries
  against the refreshed head, re-validating first. Two appends racing for
  the same predecessor cannot both succeed: the store re-checks the head
  atomically with the write.

EXAMPLE FLOW:
  1. Producer creates C1:   seq 1 created   prev ""
  2. Carrier accepts:       seq 2 assigned  prev digest(1)
  3. Two carriers race:     seq 3 picked_up prev digest(2)  -> ok
                            seq 3 picked_up prev digest(2)  -> Conflict

SEE ALSO:
  - store.go: EventStore contract
  - client.go: Client interface this ledger satisfies
  - api/ledger_handlers.go: Serves this ledger over HTTP
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// EVENT LEDGER - Authoritative implementation over an EventStore
// =============================================================================

type EventLedger struct {
	Store EventStore
	Clock func() time.Time
}

func NewEventLedger(store EventStore) *EventLedger {
	return &EventLedger{Store: store, Clock: time.Now}
}

func (l *EventLedger) now() time.Time {
	if l.Clock == nil {
		return time.Now()
	}
	return l.Clock()
}

// Append commits ev on top of the head the caller validated against.
func (l *EventLedger) Append(ctx context.Context, id ConsignmentID, ev StatusEvent) (CommitResult, error) {
	ev.ConsignmentID = id
	ev.Provisional = false

	if ev.ActionID != "" {
		existing, err := l.Store.FindAction(ctx, id, ev.ActionID)
		if err != nil {
			return CommitResult{}, err
		}
		if existing != nil {
			return ResultOf(*existing), &ConflictError{ConsignmentID: id, Duplicate: true, ActionID: ev.ActionID}
		}
	}

	head, err := l.Store.Head(ctx, id)
	if err != nil {
		return CommitResult{}, err
	}
	if headDigest(head) != ev.PrevDigest {
		return CommitResult{}, &ConflictError{
			ConsignmentID: id,
			ExpectedHead:  ev.PrevDigest,
			ActualHead:    headDigest(head),
		}
	}

	sealed := Seal(ev, head, l.now())
	if err := l.Store.AppendEvent(ctx, sealed); err != nil {
		return CommitResult{}, err
	}
	return ResultOf(sealed), nil
}

// History returns the ordered events of a consignment. The slice is a copy:
// it can be re-read and re-projected at any time.
func (l *EventLedger) History(ctx context.Context, id ConsignmentID) ([]StatusEvent, error) {
	return l.Store.LoadEvents(ctx, id)
}

// Verify re-checks the digest chain of a consignment.
func (l *EventLedger) Verify(ctx context.Context, id ConsignmentID) error {
	events, err := l.History(ctx, id)
	if err != nil {
		return err
	}
	return VerifyChain(events)
}

// Health is always ok for an in-process ledger.
func (l *EventLedger) Health(ctx context.Context) error {
	return ctx.Err()
}

func (l *EventLedger) Mode() Mode {
	return ModeNetwork
}

func headDigest(head *StatusEvent) string {
	if head == nil {
		return GenesisDigest
	}
	return head.Digest
}

// HeadOf returns the digest of the last event of a history.
func HeadOf(events []StatusEvent) string {
	if len(events) == 0 {
		return GenesisDigest
	}
	return events[len(events)-1].Digest
}

// FindAction scans a history for an already applied action.
func FindAction(events []StatusEvent, actionID string) (StatusEvent, bool) {
	if actionID == "" {
		return StatusEvent{}, false
	}
	for _, ev := range events {
		if ev.ActionID == actionID {
			return ev, true
		}
	}
	return StatusEvent{}, false
}
