package syncq_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/warp/consignment-ledger/ledger"
	"github.com/warp/consignment-ledger/syncq"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestQueue(t *testing.T) (*syncq.Queue, *syncq.MemoryStore) {
	t.Helper()
	store := syncq.NewMemoryStore()
	q := syncq.New(store, nil)
	q.Workers = 2
	return q, store
}

func enqueue(t *testing.T, q *syncq.Queue, target ledger.ConsignmentID, action string) syncq.Item {
	t.Helper()
	item, err := q.Enqueue(context.Background(), syncq.OpStatusUpdate, target, syncq.Payload{
		Intent: ledger.Intent{ActionID: action, ConsignmentID: target},
	})
	require.NoError(t, err)
	return item
}

func actionOf(t *testing.T, item syncq.Item) string {
	p, err := item.Decode()
	require.NoError(t, err)
	return p.Intent.ActionID
}

var errDown = ledger.Unreachable("test", errors.New("offline"))

// =============================================================================
// ORDERING
// =============================================================================

func TestDrain_PerConsignmentFIFO(t *testing.T) {
	// GIVEN: Interleaved items for two consignments
	// WHEN: Draining
	// THEN: Each consignment sees its items in enqueue order

	ctx := context.Background()
	q, _ := newTestQueue(t)

	for i := 0; i < 5; i++ {
		enqueue(t, q, "A", fmt.Sprintf("a%d", i))
		enqueue(t, q, "B", fmt.Sprintf("b%d", i))
	}

	var mu sync.Mutex
	seen := map[ledger.ConsignmentID][]string{}
	report, err := q.Drain(ctx, func(_ context.Context, item syncq.Item) error {
		mu.Lock()
		defer mu.Unlock()
		seen[item.TargetID] = append(seen[item.TargetID], actionOf(t, item))
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a0", "a1", "a2", "a3", "a4"}, seen["A"])
	assert.Equal(t, []string{"b0", "b1", "b2", "b3", "b4"}, seen["B"])
	assert.Equal(t, 10, report.Committed)
	assert.Equal(t, 0, report.Remaining)
}

func TestDrain_FailureBlocksRestOfSegment(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)

	enqueue(t, q, "A", "a0")
	enqueue(t, q, "A", "a1")
	enqueue(t, q, "B", "b0")

	var calls []string
	var mu sync.Mutex
	report, err := q.Drain(ctx, func(_ context.Context, item syncq.Item) error {
		mu.Lock()
		calls = append(calls, actionOf(t, item))
		mu.Unlock()
		if item.TargetID == "A" {
			return errDown
		}
		return nil
	})
	require.NoError(t, err)

	assert.NotContains(t, calls, "a1")
	assert.Equal(t, 1, report.Committed)
	assert.Equal(t, 1, report.Retried)

	pending, _ := store.PendingFor(ctx, "A")
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.NotNil(t, pending[0].LastAttemptAt)
	assert.Equal(t, 0, pending[1].RetryCount)
}

// =============================================================================
// RETRIES / DEAD-LETTER
// =============================================================================

func TestDrain_RetriesThenDeadLetters(t *testing.T) {
	// GIVEN: An item whose commit always fails with Unreachable
	// WHEN: Draining MaxRetries times
	// THEN: It stays queued until the last attempt, then moves to dead-letter
	//       and the hook fires exactly once

	ctx := context.Background()
	q, store := newTestQueue(t)
	item := enqueue(t, q, "C1", "a0")

	var dead []syncq.DeadLetter
	q.OnDeadLetter = func(dl syncq.DeadLetter) { dead = append(dead, dl) }

	failing := func(context.Context, syncq.Item) error { return errDown }

	for i := 1; i < syncq.DefaultMaxRetries; i++ {
		_, err := q.Drain(ctx, failing)
		require.NoError(t, err)
		n, _ := store.CountPending(ctx)
		assert.Equal(t, 1, n, "attempt %d", i)
	}

	report, err := q.Drain(ctx, failing)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)

	n, _ := store.CountPending(ctx)
	assert.Equal(t, 0, n)

	letters, _ := q.DeadLetters(ctx)
	require.Len(t, letters, 1)
	assert.Equal(t, item.ID, letters[0].Item.ID)
	assert.Equal(t, syncq.ReasonRetryExhausted, letters[0].Reason)
	assert.Equal(t, syncq.DefaultMaxRetries, letters[0].Item.RetryCount)
	assert.ErrorIs(t, letters[0].Err(), ledger.ErrRetryExhausted)
	require.Len(t, dead, 1)
}

func TestDrain_RecoversBeforeBudget(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	enqueue(t, q, "C1", "a0")

	attempts := 0
	commit := func(context.Context, syncq.Item) error {
		attempts++
		if attempts < 3 {
			return errDown
		}
		return nil
	}
	for i := 0; i < 3; i++ {
		_, err := q.Drain(ctx, commit)
		require.NoError(t, err)
	}

	n, _ := store.CountPending(ctx)
	assert.Equal(t, 0, n)
	letters, _ := q.DeadLetters(ctx)
	assert.Empty(t, letters)
}

func TestDrain_DuplicateConflictAcknowledges(t *testing.T) {
	// A crash between commit and removal replays an item the ledger already
	// holds: the duplicate Conflict counts as success.
	ctx := context.Background()
	q, store := newTestQueue(t)
	enqueue(t, q, "C1", "a0")

	report, err := q.Drain(ctx, func(context.Context, syncq.Item) error {
		return &ledger.ConflictError{ConsignmentID: "C1", Duplicate: true, ActionID: "a0"}
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Committed)
	n, _ := store.CountPending(ctx)
	assert.Equal(t, 0, n)
}

func TestDrain_InvalidTransition_DeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	enqueue(t, q, "C1", "a0")

	report, err := q.Drain(ctx, func(context.Context, syncq.Item) error {
		return ledger.Validate(ledger.StatusSold, ledger.RoleRetailer, ledger.StatusSold)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)

	letters, _ := q.DeadLetters(ctx)
	require.Len(t, letters, 1)
	assert.Equal(t, syncq.ReasonRejected, letters[0].Reason)
	assert.Contains(t, letters[0].Item.LastError, "invalid transition")

	// A rejected item did not exhaust anything: its error is the rejection
	err = letters[0].Err()
	assert.NotErrorIs(t, err, ledger.ErrRetryExhausted)
	assert.Contains(t, err.Error(), syncq.ReasonRejected)
	assert.Contains(t, err.Error(), "invalid transition")
}

func TestDrain_AttemptTimeout_CountsAsFailure(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	q.AttemptTimeout = 10 * time.Millisecond
	enqueue(t, q, "C1", "a0")

	_, err := q.Drain(ctx, func(ctx context.Context, _ syncq.Item) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	pending, _ := store.PendingFor(ctx, "C1")
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
}

func TestDrain_ParentCancelled_NotCounted(t *testing.T) {
	q, store := newTestQueue(t)
	enqueue(t, q, "C1", "a0")

	ctx, cancel := context.WithCancel(context.Background())
	_, err := q.Drain(ctx, func(context.Context, syncq.Item) error {
		cancel()
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)

	pending, _ := store.PendingFor(context.Background(), "C1")
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].RetryCount)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestDrainTarget_SingleFlight(t *testing.T) {
	// GIVEN: A slow commit
	// WHEN: Several drains of the same consignment start at once
	// THEN: The commit never runs concurrently with itself

	ctx := context.Background()
	q, _ := newTestQueue(t)
	for i := 0; i < 3; i++ {
		enqueue(t, q, "C1", fmt.Sprintf("a%d", i))
	}

	var inFlight, maxInFlight, calls atomic.Int64
	commit := func(context.Context, syncq.Item) error {
		n := inFlight.Inc()
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		calls.Inc()
		time.Sleep(5 * time.Millisecond)
		inFlight.Dec()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.DrainTarget(ctx, "C1", commit)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), maxInFlight.Load())
	assert.Equal(t, int64(3), calls.Load())
}

func TestDrain_EnqueueDuringDrainLandsBehind(t *testing.T) {
	// An action enqueued while its consignment drains waits for the lock and
	// is replayed after the in-flight items, never merged into them.
	ctx := context.Background()
	q, store := newTestQueue(t)
	enqueue(t, q, "C1", "a0")

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = q.DrainTarget(ctx, "C1", func(context.Context, syncq.Item) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	enqueued := make(chan struct{})
	go func() {
		unlock := q.Locks.Lock("C1")
		defer unlock()
		enqueue(t, q, "C1", "a1")
		close(enqueued)
	}()

	select {
	case <-enqueued:
		t.Fatal("enqueue should wait for the drain of C1")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done
	<-enqueued

	pending, _ := store.PendingFor(ctx, "C1")
	require.Len(t, pending, 1)
	assert.Equal(t, "a1", actionOf(t, pending[0]))
}

func TestDrain_OnDrainedOnlyWhenSegmentEmpties(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	enqueue(t, q, "A", "a0")
	enqueue(t, q, "B", "b0")

	var mu sync.Mutex
	var drained []ledger.ConsignmentID
	q.OnDrained = func(_ context.Context, id ledger.ConsignmentID) error {
		mu.Lock()
		defer mu.Unlock()
		drained = append(drained, id)
		return nil
	}

	_, err := q.Drain(ctx, func(_ context.Context, item syncq.Item) error {
		if item.TargetID == "B" {
			return errDown
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []ledger.ConsignmentID{"A"}, drained)
}
