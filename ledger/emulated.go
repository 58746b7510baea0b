/*
emulated.go - Deterministic local fallback ledger

PURPOSE:
  Keeps the system usable while the network ledger is unreachable. It
  honours the same Append/History/digest contract as the real ledger, but
  its answers are provisional and are reported as such (Mode() == emulated,
  CommitResult.Provisional == true).

HISTORY = BASE + LOCAL LAYER:
  Base is the last history read from the network for the consignment
  (SnapshotStore). When nothing was ever read, base is a synthetic genesis
  derived only from the consignment id: the same id always yields the same
  genesis, so demos and tests see a coherent, reproducible history.

  On the first local append the base is frozen into the ProvisionalStore
  together with the new event, so later snapshot refreshes cannot detach
  the local chain from the head it was built on.

RECONCILIATION:
  Local events are never settled truth. Every one of them has a matching
  SyncQueue item; once that queue segment drains, the network history wins
  and Discard drops the local layer.

SEE ALSO:
  - failover.go: Decides when callers should use this client
  - syncq/queue.go: Replays the queued intents
*/
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// syntheticEpoch anchors generated genesis timestamps.
var syntheticEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

type EmulatedClient struct {
	Local     ProvisionalStore
	Snapshots SnapshotStore
	Clock     func() time.Time

	mu sync.Mutex
}

func NewEmulatedClient(local ProvisionalStore, snapshots SnapshotStore) *EmulatedClient {
	return &EmulatedClient{Local: local, Snapshots: snapshots, Clock: time.Now}
}

func (c *EmulatedClient) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock()
}

// SyntheticGenesis derives a reproducible genesis event from id alone.
func SyntheticGenesis(id ConsignmentID) StatusEvent {
	h := sha256.Sum256([]byte(id))
	minutes := binary.BigEndian.Uint32(h[0:4]) % (365 * 24 * 60)
	lat := float64(binary.BigEndian.Uint16(h[8:10])%18000)/100 - 90
	lng := float64(binary.BigEndian.Uint16(h[10:12])%36000)/100 - 180
	qty := int64(100 + binary.BigEndian.Uint16(h[12:14])%900)

	ts := syntheticEpoch.Add(time.Duration(minutes) * time.Minute)
	ev := StatusEvent{
		ConsignmentID: id,
		ActionID:      "genesis:" + string(id),
		RecordedAt:    ts,
		Status:        StatusCreated,
		Location:      &Location{Lat: lat, Lng: lng},
		Actor:         Actor{ID: "emulated-producer-" + hex.EncodeToString(h[4:8]), Role: RoleProducer},
		Quantity:      decimal.NewFromInt(qty),
		Synthetic:     true,
	}
	return Seal(ev, nil, ts)
}

// base returns the history local events are layered on.
func (c *EmulatedClient) base(ctx context.Context, id ConsignmentID) ([]StatusEvent, error) {
	if c.Snapshots != nil {
		events, ok, err := c.Snapshots.LoadSnapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok && len(events) > 0 {
			return events, nil
		}
	}
	return []StatusEvent{SyntheticGenesis(id)}, nil
}

func (c *EmulatedClient) history(ctx context.Context, id ConsignmentID) (events []StatusEvent, local bool, err error) {
	events, err = c.Local.LoadProvisional(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if len(events) > 0 {
		return events, true, nil
	}
	events, err = c.base(ctx, id)
	return events, false, err
}

// History returns base + local layer.
func (c *EmulatedClient) History(ctx context.Context, id ConsignmentID) ([]StatusEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	events, _, err := c.history(ctx, id)
	return events, err
}

// Append layers a provisional event on top of the emulated head.
func (c *EmulatedClient) Append(ctx context.Context, id ConsignmentID, ev StatusEvent) (CommitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	events, local, err := c.history(ctx, id)
	if err != nil {
		return CommitResult{}, err
	}

	// A real genesis replaces a synthetic stand-in.
	if !local && len(events) == 1 && events[0].Synthetic && ev.PrevDigest == GenesisDigest {
		events = nil
	}

	if existing, ok := FindAction(events, ev.ActionID); ok {
		return ResultOf(existing), &ConflictError{ConsignmentID: id, Duplicate: true, ActionID: ev.ActionID}
	}
	if head := HeadOf(events); head != ev.PrevDigest {
		return CommitResult{}, &ConflictError{ConsignmentID: id, ExpectedHead: ev.PrevDigest, ActualHead: head}
	}

	ev.ConsignmentID = id
	var head *StatusEvent
	if len(events) > 0 {
		head = &events[len(events)-1]
	}
	sealed := Seal(ev, head, c.now())
	sealed.Provisional = true

	write := []StatusEvent{sealed}
	if !local {
		write = append(append([]StatusEvent{}, events...), sealed)
	}
	if err := c.Local.AppendProvisional(ctx, write...); err != nil {
		return CommitResult{}, err
	}
	return ResultOf(sealed), nil
}

// HasLocal reports whether a local layer exists for id.
func (c *EmulatedClient) HasLocal(ctx context.Context, id ConsignmentID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	events, err := c.Local.LoadProvisional(ctx, id)
	return len(events) > 0, err
}

// Discard drops the local layer once the network history supersedes it.
func (c *EmulatedClient) Discard(ctx context.Context, id ConsignmentID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Local.Discard(ctx, id)
}

func (c *EmulatedClient) Health(ctx context.Context) error {
	return ctx.Err()
}

func (c *EmulatedClient) Mode() Mode {
	return ModeEmulated
}
