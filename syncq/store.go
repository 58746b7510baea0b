package syncq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/consignment-ledger/ledger"
)

// Store persists queue items and dead letters.
type Store interface {
	// Enqueue persists item and returns it with its Seq assigned.
	Enqueue(ctx context.Context, item Item) (Item, error)

	// Pending returns all queued items in Seq order.
	Pending(ctx context.Context) ([]Item, error)

	// PendingFor returns the queued items of one consignment in Seq order.
	PendingFor(ctx context.Context, id ledger.ConsignmentID) ([]Item, error)

	// MarkAttempt records a failed attempt and returns the updated item.
	MarkAttempt(ctx context.Context, itemID string, at time.Time, lastErr string) (Item, error)

	// Remove deletes an acknowledged item.
	Remove(ctx context.Context, itemID string) error

	// MoveToDeadLetter removes the item from the queue and records it as a
	// dead letter, atomically.
	MoveToDeadLetter(ctx context.Context, item Item, reason string, at time.Time) error

	DeadLetters(ctx context.Context) ([]DeadLetter, error)
	CountPending(ctx context.Context) (int, error)
}

// =============================================================================
// MEMORY STORE - for tests and dev
// =============================================================================

type MemoryStore struct {
	mu      sync.Mutex
	nextSeq int64
	items   map[string]Item
	dead    []DeadLetter
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Item)}
}

func (m *MemoryStore) Enqueue(_ context.Context, item Item) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[item.ID]; ok {
		return Item{}, fmt.Errorf("item %s already queued", item.ID)
	}
	m.nextSeq++
	item.Seq = m.nextSeq
	m.items[item.ID] = item
	return item, nil
}

func (m *MemoryStore) sorted(keep func(Item) bool) []Item {
	out := make([]Item, 0, len(m.items))
	for _, it := range m.items {
		if keep(it) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (m *MemoryStore) Pending(_ context.Context) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(Item) bool { return true }), nil
}

func (m *MemoryStore) PendingFor(_ context.Context, id ledger.ConsignmentID) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(it Item) bool { return it.TargetID == id }), nil
}

func (m *MemoryStore) MarkAttempt(_ context.Context, itemID string, at time.Time, lastErr string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[itemID]
	if !ok {
		return Item{}, fmt.Errorf("item %s: %w", itemID, ledger.ErrNotFound)
	}
	it.RetryCount++
	at = at.UTC()
	it.LastAttemptAt = &at
	it.LastError = lastErr
	m.items[itemID] = it
	return it, nil
}

func (m *MemoryStore) Remove(_ context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, itemID)
	return nil
}

func (m *MemoryStore) MoveToDeadLetter(_ context.Context, item Item, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, item.ID)
	m.dead = append(m.dead, DeadLetter{Item: item, Reason: reason, FailedAt: at.UTC()})
	return nil
}

func (m *MemoryStore) DeadLetters(_ context.Context) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DeadLetter, len(m.dead))
	copy(out, m.dead)
	return out, nil
}

func (m *MemoryStore) CountPending(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}
