/*
Package syncq is the durable replay queue for writes that could not be
committed synchronously.

PURPOSE:
  An actor must be able to record a transition while the ledger or the
  system of record is unreachable. The intent is validated, recorded in the
  emulated ledger, and enqueued here. Drain replays the queue once
  connectivity returns.

GUARANTEES:
  1. DURABLE: Enqueue persists before it returns (Store decides where)
  2. PER-CONSIGNMENT FIFO: items of one consignment replay in Seq order; a
     failed item blocks the ones behind it until the next drain
  3. SINGLE-FLIGHT: two drains of the same consignment never run together
  4. NEVER SILENTLY DROPPED: an item leaves the queue only when committed
     (or acknowledged as a duplicate) or when moved to the dead-letter set

RETRY POLICY:
  A retryable failure (Conflict, Unreachable, timeout) increments
  RetryCount. Below MaxRetries the item stays queued; at MaxRetries it is
  dead-lettered with reason retry_exhausted. A failure that can never
  succeed (the transition is no longer valid, the history is inconsistent)
  is dead-lettered at once with reason rejected.

SEE ALSO:
  - queue.go: Drain loop
  - store.go: Persistence contract, in-memory implementation
  - store/sqlite/sqlite.go: Durable implementation
*/
package syncq

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/warp/consignment-ledger/ledger"
)

// Operation is the kind of queued write.
type Operation string

const (
	OpCreate       Operation = "create"
	OpStatusUpdate Operation = "status_update"
)

// Dead-letter reasons
const (
	ReasonRetryExhausted = "retry_exhausted"
	ReasonRejected       = "rejected"
)

// Payload is what an item replays: the validated intent, plus the record
// for a creation.
type Payload struct {
	Intent      ledger.Intent       `json:"intent"`
	Consignment *ledger.Consignment `json:"consignment,omitempty"`
}

// Item is one queued write.
type Item struct {
	ID        string               `json:"id"`
	Seq       int64                `json:"seq"`
	Operation Operation            `json:"operation"`
	TargetID  ledger.ConsignmentID `json:"target_id"`
	Payload   json.RawMessage      `json:"payload"`

	EnqueuedAt    time.Time  `json:"enqueued_at"`
	RetryCount    int        `json:"retry_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// NewItem builds an unsaved item. Seq is assigned by the store.
func NewItem(op Operation, target ledger.ConsignmentID, payload Payload, now time.Time) (Item, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Item{}, fmt.Errorf("encode %s payload for %s: %w", op, target, err)
	}
	return Item{
		ID:         xid.NewWithTime(now).String(),
		Operation:  op,
		TargetID:   target,
		Payload:    raw,
		EnqueuedAt: now.UTC(),
	}, nil
}

// Decode returns the payload of the item.
func (i Item) Decode() (Payload, error) {
	var p Payload
	if err := json.Unmarshal(i.Payload, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload of item %s: %w", i.ID, err)
	}
	return p, nil
}

// DeadLetter is an item that needs manual resolution.
type DeadLetter struct {
	Item     Item      `json:"item"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Err surfaces a dead letter as an error. Only an item that used up its
// retries is a RetryExhaustedError; any other reason carries the last
// failure as is.
func (d DeadLetter) Err() error {
	var last error
	if d.Item.LastError != "" {
		last = errors.New(d.Item.LastError)
	}
	if d.Reason != ReasonRetryExhausted {
		if last == nil {
			return fmt.Errorf("item %s for %s dead-lettered: %s", d.Item.ID, d.Item.TargetID, d.Reason)
		}
		return fmt.Errorf("item %s for %s dead-lettered (%s): %w", d.Item.ID, d.Item.TargetID, d.Reason, last)
	}
	return &ledger.RetryExhaustedError{
		ItemID:   d.Item.ID,
		TargetID: d.Item.TargetID,
		Attempts: d.Item.RetryCount,
		Last:     last,
	}
}
