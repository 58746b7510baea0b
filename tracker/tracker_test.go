package tracker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/warp/consignment-ledger/ledger"
	"github.com/warp/consignment-ledger/ledger/store"
	"github.com/warp/consignment-ledger/monitoring"
	"github.com/warp/consignment-ledger/record"
	"github.com/warp/consignment-ledger/syncq"
	"github.com/warp/consignment-ledger/tracker"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// remoteLedger is the network ledger as seen over an unreliable link.
type remoteLedger struct {
	ledger.Client
	down atomic.Bool

	// onAppend runs once before the next append reaches the ledger; a
	// non-nil error is returned instead of appending.
	onAppend func(ev ledger.StatusEvent) error

	// ackDelay holds back the acknowledgement of an append that already
	// landed; the caller sees its own deadline expire.
	ackDelay time.Duration
}

func (r *remoteLedger) unreachable(op string) error {
	if r.down.Load() {
		return ledger.Unreachable(op, errors.New("network down"))
	}
	return nil
}

func (r *remoteLedger) Append(ctx context.Context, id ledger.ConsignmentID, ev ledger.StatusEvent) (ledger.CommitResult, error) {
	if err := r.unreachable("append"); err != nil {
		return ledger.CommitResult{}, err
	}
	if hook := r.onAppend; hook != nil {
		r.onAppend = nil
		if err := hook(ev); err != nil {
			return ledger.CommitResult{}, err
		}
	}
	res, err := r.Client.Append(ctx, id, ev)
	if err != nil || r.ackDelay == 0 {
		return res, err
	}
	select {
	case <-ctx.Done():
		return ledger.CommitResult{}, ctx.Err()
	case <-time.After(r.ackDelay):
		return res, nil
	}
}

func (r *remoteLedger) History(ctx context.Context, id ledger.ConsignmentID) ([]ledger.StatusEvent, error) {
	if err := r.unreachable("history"); err != nil {
		return nil, err
	}
	return r.Client.History(ctx, id)
}

func (r *remoteLedger) Health(ctx context.Context) error {
	return r.unreachable("health")
}

type testEnv struct {
	network  *ledger.EventLedger
	remote   *remoteLedger
	local    *store.Memory
	records  *record.Memory
	failover *ledger.FailoverClient
	queue    *syncq.Queue
	monitor  *monitoring.Monitor
	tracker  *tracker.Tracker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	network := ledger.NewEventLedger(store.NewMemory())
	remote := &remoteLedger{Client: network}
	local := store.NewMemory()

	emulated := ledger.NewEmulatedClient(local, local)
	failover := ledger.NewFailoverClient(remote, emulated, local, time.Hour)
	records := record.NewMemory()
	queue := syncq.New(syncq.NewMemoryStore(), nil)
	monitor := monitoring.NewMonitor()

	tr := tracker.New(failover, records, local, queue, monitor)
	tr.ConflictBackoff = time.Millisecond

	return &testEnv{
		network:  network,
		remote:   remote,
		local:    local,
		records:  records,
		failover: failover,
		queue:    queue,
		monitor:  monitor,
		tracker:  tr,
	}
}

// setNetwork flips the link and lets the failover client notice at once.
func (e *testEnv) setNetwork(up bool) {
	e.remote.down.Store(!up)
	_ = e.failover.Recheck(context.Background())
}

var (
	producer    = ledger.Actor{ID: "farm-1", Role: ledger.RoleProducer}
	carrier     = ledger.Actor{ID: "truck-1", Role: ledger.RoleCarrier}
	distributor = ledger.Actor{ID: "hub-1", Role: ledger.RoleDistributor}
	retailer    = ledger.Actor{ID: "shop-1", Role: ledger.RoleRetailer}
)

type step struct {
	actor  ledger.Actor
	status ledger.Status
	qty    int64
	retail string
}

var toDistributor = []step{
	{carrier, ledger.StatusAssigned, 0, ""},
	{carrier, ledger.StatusPickedUp, 0, ""},
	{carrier, ledger.StatusInTransit, 0, ""},
	{carrier, ledger.StatusDeliveredToDistributor, 0, ""},
}

var toShelf = append(append([]step{}, toDistributor...),
	step{distributor, ledger.StatusProcessing, 0, ""},
	step{distributor, ledger.StatusReadyForRetail, 0, ""},
	step{distributor, ledger.StatusShippedToRetailer, 0, "shop-1"},
	step{retailer, ledger.StatusDelivered, 0, ""},
	step{retailer, ledger.StatusReadyForSale, 0, ""},
)

func request(s step) tracker.TransitionRequest {
	return tracker.TransitionRequest{
		Status:     s.status,
		Quantity:   decimal.NewFromInt(s.qty),
		RetailerID: s.retail,
	}
}

func create(t *testing.T, e *testEnv, qty int64) ledger.ConsignmentID {
	t.Helper()
	res, err := e.tracker.CreateConsignment(context.Background(), producer, tracker.NewConsignment{
		Name:     "Tomatoes",
		Unit:     "kg",
		Quantity: decimal.NewFromInt(qty),
	})
	require.NoError(t, err)
	return res.Consignment.ID
}

func advance(t *testing.T, e *testEnv, id ledger.ConsignmentID, steps []step) []tracker.Result {
	t.Helper()
	var out []tracker.Result
	for _, s := range steps {
		res, err := e.tracker.RequestTransition(context.Background(), id, s.actor, request(s))
		require.NoError(t, err, "transition to %s", s.status)
		out = append(out, res)
	}
	return out
}

func networkHistory(t *testing.T, e *testEnv, id ledger.ConsignmentID) []ledger.StatusEvent {
	t.Helper()
	events, err := e.network.History(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, ledger.VerifyChain(events))
	return events
}

func pending(t *testing.T, e *testEnv) int {
	t.Helper()
	n, err := e.tracker.PendingSyncCount(context.Background())
	require.NoError(t, err)
	return n
}

// =============================================================================
// ONLINE WRITES
// =============================================================================

func TestTracker_CreateCommitsGenesisAndRecord(t *testing.T) {
	// GIVEN: A reachable ledger and record store
	// WHEN: A producer creates a consignment
	// THEN: The genesis is on the ledger and the record exists

	ctx := context.Background()
	e := newTestEnv(t)

	res, err := e.tracker.CreateConsignment(ctx, producer, tracker.NewConsignment{
		Name: "Tomatoes", Unit: "kg", Quantity: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	assert.Equal(t, tracker.OutcomeCommitted, res.Outcome)
	assert.NotEmpty(t, res.Consignment.ID)
	assert.Equal(t, uint64(1), res.Commit.Sequence)

	events := networkHistory(t, e, res.Consignment.ID)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.StatusCreated, events[0].Status)
	assert.True(t, events[0].Quantity.Equal(decimal.NewFromInt(100)))

	rec, err := e.records.Get(ctx, res.Consignment.ID)
	require.NoError(t, err)
	assert.Equal(t, "farm-1", rec.Participants.ProducerID)
	assert.Equal(t, 0, pending(t, e))
}

func TestTracker_OnlyProducersCreate(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.tracker.CreateConsignment(context.Background(), carrier, tracker.NewConsignment{
		Name: "Tomatoes", Quantity: decimal.NewFromInt(10),
	})
	assert.ErrorIs(t, err, ledger.ErrForbidden)

	_, err = e.tracker.CreateConsignment(context.Background(), producer, tracker.NewConsignment{
		Name: "Tomatoes", Quantity: decimal.Zero,
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidQuantity)
	assert.Equal(t, 0, pending(t, e))
}

func TestTracker_C1_RetailerCannotSellAtDistributor(t *testing.T) {
	// GIVEN: C1 walked through the carrier leg to the distributor
	// WHEN: A retailer tries to mark it sold
	// THEN: Forbidden, nothing queued, the ledger unchanged

	ctx := context.Background()
	e := newTestEnv(t)
	id := create(t, e, 100)
	advance(t, e, id, toDistributor)

	_, err := e.tracker.RequestTransition(ctx, id, retailer, tracker.TransitionRequest{Status: ledger.StatusSold})
	assert.ErrorIs(t, err, ledger.ErrForbidden)

	assert.Len(t, networkHistory(t, e, id), 5)
	assert.Equal(t, 0, pending(t, e))
	assert.Equal(t, uint64(1), e.monitor.Report.Transitions.Rejected.Load())

	view, err := e.tracker.CanonicalStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDeliveredToDistributor, view.Projection.Status)
	assert.False(t, view.Degraded)
}

func TestTracker_PartialSales(t *testing.T) {
	// GIVEN: 100 kg on the shelf
	// WHEN: 40 are sold, an oversale is attempted, then the rest is sold
	// THEN: 60 remain on sale, the oversale is rejected, then sold with 0

	ctx := context.Background()
	e := newTestEnv(t)
	id := create(t, e, 100)
	advance(t, e, id, toShelf)

	res, err := e.tracker.RequestTransition(ctx, id, retailer, tracker.TransitionRequest{
		Status: ledger.StatusSold, Quantity: decimal.NewFromInt(40),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusReadyForSale, res.Projection.Status)
	assert.True(t, res.Projection.QuantityRemaining.Equal(decimal.NewFromInt(60)))

	rec, err := e.records.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusReadyForSale, rec.Status)
	assert.True(t, rec.QuantityRemaining.Equal(decimal.NewFromInt(60)))

	_, err = e.tracker.RequestTransition(ctx, id, retailer, tracker.TransitionRequest{
		Status: ledger.StatusSold, Quantity: decimal.NewFromInt(100),
	})
	assert.ErrorIs(t, err, ledger.ErrQuantityExceeded)

	res, err = e.tracker.RequestTransition(ctx, id, retailer, tracker.TransitionRequest{Status: ledger.StatusSold})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSold, res.Projection.Status)
	assert.True(t, res.Projection.QuantityRemaining.IsZero())

	_, err = e.tracker.RequestTransition(ctx, id, retailer, tracker.TransitionRequest{
		Status: ledger.StatusSold, Quantity: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestTracker_UnknownConsignment(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.tracker.RequestTransition(context.Background(), "nope", carrier, tracker.TransitionRequest{Status: ledger.StatusAssigned})
	assert.ErrorIs(t, err, ledger.ErrUnknownConsignment)

	_, err = e.tracker.CanonicalStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, ledger.ErrUnknownConsignment)
	assert.Equal(t, 0, pending(t, e))
}

func TestTracker_ResolvesFromSystemOfRecord(t *testing.T) {
	// GIVEN: A consignment created by another node, known only to the
	//        record store and the ledger
	// WHEN: A carrier acts on it here
	// THEN: The record is mirrored and the transition committed

	ctx := context.Background()
	other := newTestEnv(t)
	id := create(t, other, 50)

	e := newTestEnv(t)
	e.network = other.network
	e.remote.Client = other.network
	e.tracker.Records = other.records

	res, err := e.tracker.RequestTransition(ctx, id, carrier, tracker.TransitionRequest{Status: ledger.StatusAssigned})
	require.NoError(t, err)
	assert.Equal(t, tracker.OutcomeCommitted, res.Outcome)

	mirrored, err := e.local.GetConsignment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusAssigned, mirrored.Status)
}

func TestTracker_RecordAheadOfGeneratedHistoryIsInconsistent(t *testing.T) {
	// GIVEN: A consignment moved to in_transit by another node, known here
	//        only through the record store, and a ledger outage
	// WHEN: Its status is read and transitions are requested
	// THEN: Nothing is guessed from the generated genesis: reads and writes
	//       report Inconsistent and nothing is queued

	ctx := context.Background()
	other := newTestEnv(t)
	id := create(t, other, 50)
	advance(t, other, id, toDistributor[:3])

	e := newTestEnv(t)
	e.network = other.network
	e.remote.Client = other.network
	e.tracker.Records = other.records
	e.setNetwork(false)

	_, err := e.tracker.CanonicalStatus(ctx, id)
	assert.ErrorIs(t, err, ledger.ErrInconsistent)

	// The next legitimate step is not refused as an invalid transition
	_, err = e.tracker.RequestTransition(ctx, id, carrier, tracker.TransitionRequest{Status: ledger.StatusDeliveredToDistributor})
	assert.ErrorIs(t, err, ledger.ErrInconsistent)
	assert.NotErrorIs(t, err, ledger.ErrInvalidTransition)

	// A stale step is not accepted either
	_, err = e.tracker.RequestTransition(ctx, id, carrier, tracker.TransitionRequest{Status: ledger.StatusAssigned})
	assert.ErrorIs(t, err, ledger.ErrInconsistent)

	assert.Equal(t, 0, pending(t, e))
	assert.Zero(t, e.monitor.Report.Transitions.Queued.Load())
	assert.Equal(t, uint64(3), e.monitor.Report.Errors.Inconsistent.Load())
}

func TestTracker_GeneratedHistoryUsesRecordQuantity(t *testing.T) {
	// GIVEN: A consignment created by another node, still created, known
	//        here only through the record store, and a ledger outage
	// WHEN: The carrier leg starts offline, then the link returns
	// THEN: Writes are queued on the generated genesis with the record's
	//       quantity and replay onto the real history

	ctx := context.Background()
	other := newTestEnv(t)
	id := create(t, other, 50)

	e := newTestEnv(t)
	e.network = other.network
	e.remote.Client = other.network
	e.tracker.Records = other.records
	e.setNetwork(false)

	results := advance(t, e, id, toDistributor[:2])
	for _, res := range results {
		assert.Equal(t, tracker.OutcomeQueued, res.Outcome)
	}
	last := results[1]
	assert.True(t, last.Projection.Synthetic)
	assert.True(t, last.Projection.QuantityRemaining.Equal(decimal.NewFromInt(50)))

	view, err := e.tracker.CanonicalStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPickedUp, view.Projection.Status)
	assert.True(t, view.Projection.InitialQuantity.Equal(decimal.NewFromInt(50)))

	e.setNetwork(true)
	report, err := e.tracker.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Committed)

	events := networkHistory(t, e, id)
	require.Len(t, events, 3)
	assert.False(t, events[0].Synthetic)
	assert.Equal(t, ledger.StatusPickedUp, events[2].Status)
}

func TestTracker_TransientConflictIsRetried(t *testing.T) {
	// GIVEN: The first append collides with a concurrent writer
	// WHEN: The transition is requested
	// THEN: It is re-validated and committed on the next attempt

	ctx := context.Background()
	e := newTestEnv(t)
	id := create(t, e, 100)

	e.remote.onAppend = func(ev ledger.StatusEvent) error {
		return &ledger.ConflictError{ConsignmentID: id, ExpectedHead: ev.PrevDigest, ActualHead: "sha256:other"}
	}

	res, err := e.tracker.RequestTransition(ctx, id, carrier, tracker.TransitionRequest{Status: ledger.StatusAssigned})
	require.NoError(t, err)
	assert.Equal(t, tracker.OutcomeCommitted, res.Outcome)
	assert.Equal(t, uint64(1), e.monitor.Report.Transitions.Conflicts.Load())
	assert.Len(t, networkHistory(t, e, id), 2)
}

func TestTracker_LostRaceIsRevalidated(t *testing.T) {
	// GIVEN: Another device of the same carrier picks up first
	// WHEN: Our pickup retries against the moved head
	// THEN: It is no longer a valid transition and is rejected

	ctx := context.Background()
	e := newTestEnv(t)
	id := create(t, e, 100)
	advance(t, e, id, toDistributor[:1])

	e.remote.onAppend = func(ev ledger.StatusEvent) error {
		rival := ledger.StatusEvent{
			ActionID:   "rival-pickup",
			Status:     ledger.StatusPickedUp,
			Actor:      carrier,
			PrevDigest: ev.PrevDigest,
		}
		_, err := e.network.Append(ctx, id, rival)
		return err
	}

	_, err := e.tracker.RequestTransition(ctx, id, carrier, tracker.TransitionRequest{Status: ledger.StatusPickedUp})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	events := networkHistory(t, e, id)
	require.Len(t, events, 3)
	assert.Equal(t, "rival-pickup", events[2].ActionID)
}

func TestTracker_SameActionIsAppliedOnce(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	id := create(t, e, 100)

	req := tracker.TransitionRequest{Status: ledger.StatusAssigned, ActionID: "tap-1"}
	first, err := e.tracker.RequestTransition(ctx, id, carrier, req)
	require.NoError(t, err)
	second, err := e.tracker.RequestTransition(ctx, id, carrier, req)
	require.NoError(t, err)

	assert.Equal(t, first.Commit.TxID, second.Commit.TxID)
	assert.Len(t, networkHistory(t, e, id), 2)
}

type fixedLocation struct {
	loc *ledger.Location
	err error
}

func (f fixedLocation) Current(context.Context, ledger.Actor) (*ledger.Location, error) {
	return f.loc, f.err
}

func TestTracker_LocationIsOptional(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	id := create(t, e, 100)

	e.tracker.Locations = fixedLocation{loc: &ledger.Location{Lat: 45.5, Lng: -73.6}}
	_, err := e.tracker.RequestTransition(ctx, id, carrier, tracker.TransitionRequest{Status: ledger.StatusAssigned})
	require.NoError(t, err)

	e.tracker.Locations = fixedLocation{err: errors.New("no fix")}
	_, err = e.tracker.RequestTransition(ctx, id, carrier, tracker.TransitionRequest{Status: ledger.StatusPickedUp})
	require.NoError(t, err)

	events := networkHistory(t, e, id)
	require.Len(t, events, 3)
	require.NotNil(t, events[1].Location)
	assert.Equal(t, 45.5, events[1].Location.Lat)
	assert.Nil(t, events[2].Location)

	view, err := e.tracker.CanonicalStatus(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, view.Projection.LastLocation)
	assert.Equal(t, -73.6, view.Projection.LastLocation.Lng)
}

// =============================================================================
// OFFLINE WRITES AND SYNC
// =============================================================================

func TestTracker_OfflineTransitionsSyncExactlyOnce(t *testing.T) {
	// GIVEN: An assigned consignment and a ledger outage
	// WHEN: The carrier picks up and departs offline, then the link returns
	// THEN: Both are queued and provisional, then replayed once each

	ctx := context.Background()
	e := newTestEnv(t)
	id := create(t, e, 100)
	advance(t, e, id, toDistributor[:1])

	e.setNetwork(false)
	assert.Equal(t, int64(1), e.monitor.Report.Ledger.Degraded.Load())

	results := advance(t, e, id, toDistributor[1:3])
	for _, res := range results {
		assert.Equal(t, tracker.OutcomeQueued, res.Outcome)
		assert.True(t, res.Commit.Provisional)
		assert.NotEmpty(t, res.ItemID)
	}
	assert.Equal(t, 2, pending(t, e))

	view, err := e.tracker.CanonicalStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusInTransit, view.Projection.Status)
	assert.True(t, view.Degraded)
	assert.True(t, view.Projection.Provisional)
	assert.Equal(t, 2, view.PendingSync)

	report, err := e.tracker.Sync(ctx)
	assert.ErrorIs(t, err, ledger.ErrUnreachable)
	assert.Equal(t, 2, report.Remaining)

	e.setNetwork(true)
	report, err = e.tracker.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Committed)
	assert.Equal(t, 0, report.Remaining)

	events := networkHistory(t, e, id)
	require.Len(t, events, 4)
	assert.Equal(t, ledger.StatusInTransit, events[3].Status)
	assert.False(t, events[3].Provisional)

	local, err := e.failover.Emulated.HasLocal(ctx, id)
	require.NoError(t, err)
	assert.False(t, local, "provisional layer discarded after reconciliation")

	rec, err := e.records.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusInTransit, rec.Status)

	report, err = e.tracker.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Committed)
	assert.Len(t, networkHistory(t, e, id), 4)

	view, err = e.tracker.CanonicalStatus(ctx, id)
	require.NoError(t, err)
	assert.False(t, view.Degraded)
	assert.False(t, view.Projection.Provisional)
}

func TestTracker_CommitPastDeadlineIsQueued(t *testing.T) {
	// GIVEN: A ledger that commits but acknowledges after the deadline
	// WHEN: A transition is requested
	// THEN: It is queued, and the replay finds the landed event instead of
	//       appending it twice

	ctx := context.Background()
	e := newTestEnv(t)
	id := create(t, e, 100)

	e.tracker.CommitTimeout = 20 * time.Millisecond
	e.remote.ackDelay = time.Second

	res, err := e.tracker.RequestTransition(ctx, id, carrier, tracker.TransitionRequest{
		Status:   ledger.StatusAssigned,
		ActionID: "assign-1",
	})
	require.NoError(t, err)
	assert.Equal(t, tracker.OutcomeQueued, res.Outcome)
	assert.True(t, res.Commit.Provisional)
	assert.Equal(t, 1, pending(t, e))
	assert.Equal(t, uint64(1), e.monitor.Report.Errors.Unreachable.Load())

	e.remote.ackDelay = 0
	e.setNetwork(true)
	report, err := e.tracker.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Committed)
	assert.Equal(t, 0, pending(t, e))

	events := networkHistory(t, e, id)
	require.Len(t, events, 2)
	assert.Equal(t, "assign-1", events[1].ActionID)
	assert.Equal(t, ledger.StatusAssigned, events[1].Status)
}

func TestTracker_QueuedItemsKeepLaterWritesQueued(t *testing.T) {
	// GIVEN: A pickup queued during an outage
	// WHEN: The link returns and the carrier departs before any drain
	// THEN: The departure is queued behind the pickup, not committed ahead

	ctx := context.Background()
	e := newTestEnv(t)
	id := create(t, e, 100)
	advance(t, e, id, toDistributor[:1])

	e.setNetwork(false)
	advance(t, e, id, toDistributor[1:2])
	e.setNetwork(true)

	res := advance(t, e, id, toDistributor[2:3])
	assert.Equal(t, tracker.OutcomeQueued, res[0].Outcome)
	assert.Len(t, networkHistory(t, e, id), 2)

	_, err := e.tracker.Sync(ctx)
	require.NoError(t, err)

	events := networkHistory(t, e, id)
	require.Len(t, events, 4)
	assert.Equal(t, ledger.StatusPickedUp, events[2].Status)
	assert.Equal(t, ledger.StatusInTransit, events[3].Status)
}

func TestTracker_OfflineCreateReplaysGenesis(t *testing.T) {
	// GIVEN: The ledger is down from the start
	// WHEN: A producer creates and a carrier accepts
	// THEN: Both are provisional; after sync the genesis and the record exist

	ctx := context.Background()
	e := newTestEnv(t)
	e.setNetwork(false)

	res, err := e.tracker.CreateConsignment(ctx, producer, tracker.NewConsignment{
		ID: "C9", Name: "Apples", Unit: "kg", Quantity: decimal.NewFromInt(80),
	})
	require.NoError(t, err)
	assert.Equal(t, tracker.OutcomeQueued, res.Outcome)
	assert.False(t, res.Projection.Synthetic, "a real genesis replaces the synthetic one")

	advance(t, e, "C9", toDistributor[:1])
	assert.Equal(t, 2, pending(t, e))

	_, err = e.records.Get(ctx, "C9")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	e.setNetwork(true)
	report, err := e.tracker.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Committed)

	events := networkHistory(t, e, "C9")
	require.Len(t, events, 2)
	assert.Equal(t, res.Consignment.ID, events[0].ConsignmentID)
	assert.True(t, events[0].Quantity.Equal(decimal.NewFromInt(80)))

	rec, err := e.records.Get(ctx, "C9")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusAssigned, rec.Status)
}

func TestTracker_ValidationOfflineIsNeverQueued(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	id := create(t, e, 100)
	e.setNetwork(false)

	_, err := e.tracker.RequestTransition(ctx, id, distributor, tracker.TransitionRequest{Status: ledger.StatusProcessing})
	assert.ErrorIs(t, err, ledger.ErrForbidden)
	assert.Equal(t, 0, pending(t, e))
}

func TestTracker_RecordDownQueuesRecordWrite(t *testing.T) {
	// GIVEN: The ledger is up but the record store is down
	// WHEN: A carrier accepts
	// THEN: The ledger commit stands and only the record write is replayed

	ctx := context.Background()
	e := newTestEnv(t)
	id := create(t, e, 100)

	e.records.SetAvailable(false)
	res, err := e.tracker.RequestTransition(ctx, id, carrier, tracker.TransitionRequest{Status: ledger.StatusAssigned})
	require.NoError(t, err)
	assert.Equal(t, tracker.OutcomeCommitted, res.Outcome)
	assert.NotEmpty(t, res.ItemID)
	assert.Equal(t, 1, pending(t, e))
	assert.Equal(t, uint64(1), e.monitor.Report.Errors.RecordWrite.Load())

	e.records.SetAvailable(true)
	report, err := e.tracker.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Committed)

	assert.Len(t, networkHistory(t, e, id), 2)
	rec, err := e.records.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusAssigned, rec.Status)
	assert.Equal(t, "truck-1", rec.Participants.CarrierID)
}

func TestTracker_SupersededIntentIsDeadLettered(t *testing.T) {
	// GIVEN: A pickup queued offline while another device of the carrier
	//        committed its own pickup to the network
	// WHEN: Syncing
	// THEN: The queued pickup is re-validated, rejected and dead-lettered

	ctx := context.Background()
	e := newTestEnv(t)
	id := create(t, e, 100)
	advance(t, e, id, toDistributor[:1])

	e.setNetwork(false)
	advance(t, e, id, toDistributor[1:2])

	events := networkHistory(t, e, id)
	_, err := e.network.Append(ctx, id, ledger.StatusEvent{
		ActionID:   "other-device",
		Status:     ledger.StatusPickedUp,
		Actor:      carrier,
		PrevDigest: ledger.HeadOf(events),
	})
	require.NoError(t, err)

	e.setNetwork(true)
	report, err := e.tracker.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)
	assert.Equal(t, 0, pending(t, e))

	dead, err := e.tracker.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, syncq.ReasonRejected, dead[0].Reason)
	assert.Equal(t, id, dead[0].Item.TargetID)
	assert.Equal(t, uint64(1), e.monitor.Report.Sync.DeadLettered.Load())

	local, err := e.failover.Emulated.HasLocal(ctx, id)
	require.NoError(t, err)
	assert.False(t, local)

	view, err := e.tracker.CanonicalStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPickedUp, view.Projection.Status)
	assert.Equal(t, 3, view.Projection.EventCount)
}

func TestTracker_ReconnectHookFires(t *testing.T) {
	e := newTestEnv(t)
	fired := atomic.NewInt32(0)
	e.tracker.OnReconnect(func() { fired.Inc() })

	e.setNetwork(false)
	assert.Equal(t, int32(0), fired.Load())
	e.setNetwork(true)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, int64(0), e.monitor.Report.Ledger.Degraded.Load())
}

// =============================================================================
// RECORD CHECKS
// =============================================================================

func TestTracker_AuditReMirrorsDisagreeingRecord(t *testing.T) {
	// GIVEN: Someone edits the record to "sold" behind the ledger's back
	// WHEN: Auditing
	// THEN: The disagreement is reported and the record rewritten

	ctx := context.Background()
	e := newTestEnv(t)
	id := create(t, e, 100)
	advance(t, e, id, toDistributor[:2])

	rec, err := e.records.Get(ctx, id)
	require.NoError(t, err)
	edited := *rec
	edited.Status = ledger.StatusSold
	edited.QuantityRemaining = decimal.Zero
	e.records.Put(edited)

	findings, err := e.tracker.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, ledger.StatusSold, findings[0].RecordStatus)
	assert.Equal(t, ledger.StatusPickedUp, findings[0].LedgerStatus)
	assert.Equal(t, uint64(1), e.monitor.Report.Errors.Inconsistent.Load())

	rec, err = e.records.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPickedUp, rec.Status)
	assert.True(t, rec.QuantityRemaining.Equal(decimal.NewFromInt(100)))
	assert.Len(t, networkHistory(t, e, id), 3, "the ledger is never rewritten")

	findings, err = e.tracker.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestTracker_WatchRecordReportsPushedDisagreement(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e := newTestEnv(t)
	id := create(t, e, 100)

	go func() { _ = e.tracker.WatchRecord(ctx, id) }()

	rec, err := e.records.Get(ctx, id)
	require.NoError(t, err)
	edited := *rec
	edited.Status = ledger.StatusDelivered
	e.records.Put(edited)

	assert.Eventually(t, func() bool {
		got, err := e.records.Get(ctx, id)
		return err == nil && got.Status == ledger.StatusCreated &&
			e.monitor.Report.Errors.Inconsistent.Load() >= 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTracker_TamperedHistoryIsInconsistent(t *testing.T) {
	ctx := context.Background()

	netStore := store.NewMemory()
	e := newTestEnv(t)
	e.network = ledger.NewEventLedger(netStore)
	e.remote.Client = e.network

	id := create(t, e, 100)
	advance(t, e, id, toDistributor[:2])

	netStore.Tamper(id, 2, func(ev *ledger.StatusEvent) { ev.Actor.ID = "truck-9" })

	_, err := e.tracker.CanonicalStatus(ctx, id)
	var inconsistent *ledger.InconsistentError
	require.ErrorAs(t, err, &inconsistent)
	assert.Equal(t, uint64(2), inconsistent.Sequence)
	assert.Equal(t, uint64(1), e.monitor.Report.Errors.Inconsistent.Load())

	_, err = e.tracker.RequestTransition(ctx, id, carrier, tracker.TransitionRequest{Status: ledger.StatusInTransit})
	assert.ErrorIs(t, err, ledger.ErrInconsistent)
}
