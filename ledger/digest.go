package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// DIGEST - Hash chain over the canonical event payload
// =============================================================================

// GenesisDigest is the PrevDigest of the first event of every consignment.
const GenesisDigest = ""

const digestPrefix = "sha256:"

// canonicalEvent fixes field order and formats. Provisional and Digest are
// excluded: the first is local bookkeeping, the second is the output.
type canonicalEvent struct {
	TxID          TxID          `json:"tx_id"`
	ConsignmentID ConsignmentID `json:"consignment_id"`
	Sequence      uint64        `json:"sequence"`
	ActionID      string        `json:"action_id"`
	Timestamp     string        `json:"timestamp"`
	RecordedAt    string        `json:"recorded_at"`
	Status        Status        `json:"status"`
	Location      *Location     `json:"location"`
	ActorID       string        `json:"actor_id"`
	ActorRole     Role          `json:"actor_role"`
	Quantity      string        `json:"quantity"`
	RetailerID    string        `json:"retailer_id"`
	Synthetic     bool          `json:"synthetic"`
	PrevDigest    string        `json:"prev_digest"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// CanonicalPayload returns the bytes the digest is computed over.
func CanonicalPayload(ev StatusEvent) []byte {
	c := canonicalEvent{
		TxID:          ev.TxID,
		ConsignmentID: ev.ConsignmentID,
		Sequence:      ev.Sequence,
		ActionID:      ev.ActionID,
		Timestamp:     formatTime(ev.Timestamp),
		RecordedAt:    formatTime(ev.RecordedAt),
		Status:        ev.Status,
		Location:      ev.Location,
		ActorID:       ev.Actor.ID,
		ActorRole:     ev.Actor.Role,
		Quantity:      ev.Quantity.String(),
		RetailerID:    ev.RetailerID,
		Synthetic:     ev.Synthetic,
		PrevDigest:    ev.PrevDigest,
	}
	// Marshalling a struct of strings, numbers and a *Location cannot fail.
	b, _ := json.Marshal(c)
	return b
}

// ComputeDigest hashes the canonical payload of an event.
func ComputeDigest(ev StatusEvent) string {
	h := sha256.Sum256(CanonicalPayload(ev))
	return digestPrefix + hex.EncodeToString(h[:])
}

// Seal assigns position and chain fields to ev on top of head.
// head is nil for the first event.
func Seal(ev StatusEvent, head *StatusEvent, now time.Time) StatusEvent {
	ev.Sequence = 1
	ev.PrevDigest = GenesisDigest
	ev.Timestamp = now.UTC()
	if head != nil {
		ev.Sequence = head.Sequence + 1
		ev.PrevDigest = head.Digest
		if ev.Timestamp.Before(head.Timestamp) {
			ev.Timestamp = head.Timestamp
		}
	}
	ev.TxID = NewTxID(ev.ConsignmentID, ev.Sequence)
	ev.Digest = ComputeDigest(ev)
	return ev
}

// =============================================================================
// VERIFICATION
// =============================================================================

// VerifyChain checks every link of an ordered history.
// The first broken link is reported; nothing is repaired.
func VerifyChain(events []StatusEvent) error {
	prev := GenesisDigest
	var prevTime time.Time
	for i, ev := range events {
		want := uint64(i + 1)
		if ev.Sequence != want {
			return &InconsistentError{
				ConsignmentID: ev.ConsignmentID,
				Sequence:      ev.Sequence,
				Reason:        fmt.Sprintf("sequence gap: expected %d", want),
			}
		}
		if ev.PrevDigest != prev {
			return &InconsistentError{
				ConsignmentID: ev.ConsignmentID,
				Sequence:      ev.Sequence,
				Reason:        "prev digest does not match predecessor",
			}
		}
		if ComputeDigest(ev) != ev.Digest {
			return &InconsistentError{
				ConsignmentID: ev.ConsignmentID,
				Sequence:      ev.Sequence,
				Reason:        "digest does not match payload",
			}
		}
		if i > 0 && ev.Timestamp.Before(prevTime) {
			return &InconsistentError{
				ConsignmentID: ev.ConsignmentID,
				Sequence:      ev.Sequence,
				Reason:        "timestamp decreases",
			}
		}
		prev = ev.Digest
		prevTime = ev.Timestamp
	}
	return nil
}
