// Package store provides in-memory implementations of the ledger storage
// interfaces.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/consignment-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements EventStore, ProvisionalStore, SnapshotStore and
// ConsignmentStore. Every read returns a copy.
type Memory struct {
	mu           sync.RWMutex
	events       map[ledger.ConsignmentID][]ledger.StatusEvent
	actions      map[actionKey]ledger.StatusEvent
	provisional  map[ledger.ConsignmentID][]ledger.StatusEvent
	snapshots    map[ledger.ConsignmentID][]ledger.StatusEvent
	consignments map[ledger.ConsignmentID]ledger.Consignment
}

type actionKey struct {
	ID       ledger.ConsignmentID
	ActionID string
}

var (
	_ ledger.EventStore       = (*Memory)(nil)
	_ ledger.ProvisionalStore = (*Memory)(nil)
	_ ledger.SnapshotStore    = (*Memory)(nil)
	_ ledger.ConsignmentStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		events:       make(map[ledger.ConsignmentID][]ledger.StatusEvent),
		actions:      make(map[actionKey]ledger.StatusEvent),
		provisional:  make(map[ledger.ConsignmentID][]ledger.StatusEvent),
		snapshots:    make(map[ledger.ConsignmentID][]ledger.StatusEvent),
		consignments: make(map[ledger.ConsignmentID]ledger.Consignment),
	}
}

// AppendEvent adds a sealed event if it extends the head. Append-only.
func (m *Memory) AppendEvent(_ context.Context, ev ledger.StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events[ev.ConsignmentID]
	var head *ledger.StatusEvent
	if len(events) > 0 {
		head = &events[len(events)-1]
	}
	err := ledger.CheckAppend(ev, head, func(actionID string) bool {
		_, ok := m.actions[actionKey{ev.ConsignmentID, actionID}]
		return ok
	})
	if err != nil {
		return err
	}

	m.events[ev.ConsignmentID] = append(events, ev)
	if ev.ActionID != "" {
		m.actions[actionKey{ev.ConsignmentID, ev.ActionID}] = ev
	}
	return nil
}

func (m *Memory) LoadEvents(_ context.Context, id ledger.ConsignmentID) ([]ledger.StatusEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyEvents(m.events[id]), nil
}

func (m *Memory) Head(_ context.Context, id ledger.ConsignmentID) (*ledger.StatusEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[id]
	if len(events) == 0 {
		return nil, nil
	}
	head := events[len(events)-1]
	return &head, nil
}

func (m *Memory) FindAction(_ context.Context, id ledger.ConsignmentID, actionID string) (*ledger.StatusEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.actions[actionKey{id, actionID}]
	if !ok {
		return nil, nil
	}
	return &ev, nil
}

// Tamper overwrites a committed event in place. It exists only so tests can
// prove that VerifyChain notices; no production path calls it.
func (m *Memory) Tamper(id ledger.ConsignmentID, seq uint64, fn func(*ledger.StatusEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events[id]
	if seq == 0 || int(seq) > len(events) {
		return
	}
	fn(&events[seq-1])
}

// =============================================================================
// PROVISIONAL LAYER
// =============================================================================

func (m *Memory) AppendProvisional(_ context.Context, events ...ledger.StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ev := range events {
		m.provisional[ev.ConsignmentID] = append(m.provisional[ev.ConsignmentID], ev)
	}
	return nil
}

func (m *Memory) LoadProvisional(_ context.Context, id ledger.ConsignmentID) ([]ledger.StatusEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyEvents(m.provisional[id]), nil
}

func (m *Memory) Discard(_ context.Context, id ledger.ConsignmentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.provisional, id)
	return nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (m *Memory) SaveSnapshot(_ context.Context, id ledger.ConsignmentID, events []ledger.StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[id] = copyEvents(events)
	return nil
}

func (m *Memory) LoadSnapshot(_ context.Context, id ledger.ConsignmentID) ([]ledger.StatusEvent, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events, ok := m.snapshots[id]
	return copyEvents(events), ok, nil
}

// =============================================================================
// CONSIGNMENT MIRROR
// =============================================================================

func (m *Memory) SaveConsignment(_ context.Context, c ledger.Consignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consignments[c.ID] = c
	return nil
}

func (m *Memory) GetConsignment(_ context.Context, id ledger.ConsignmentID) (*ledger.Consignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.consignments[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &c, nil
}

func (m *Memory) ListConsignments(_ context.Context) ([]ledger.Consignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.Consignment, 0, len(m.consignments))
	for _, c := range m.consignments {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt) ||
			(out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID)
	})
	return out, nil
}

func copyEvents(events []ledger.StatusEvent) []ledger.StatusEvent {
	if events == nil {
		return nil
	}
	out := make([]ledger.StatusEvent, len(events))
	copy(out, events)
	return out
}
