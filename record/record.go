/*
Package record is the client side of the system of record: the external
store that holds consignment attributes (name, quantity, participants).

The record mirrors the ledger projection; it is never trusted over it. A
record that disagrees with the replayed history is reported as
Inconsistent by the tracker, not silently rewritten.

Implementations:
  - Memory: in-process, for tests and single-node runs
  - HTTPClient: remote record service (resty), change feed by polling
*/
package record

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/consignment-ledger/ledger"
)

// Client reads and writes consignment records.
type Client interface {
	// Create stores a new record. Creating an id that already exists is a
	// no-op, so a replayed creation is safe.
	Create(ctx context.Context, c ledger.Consignment) error

	// Update overwrites the mirrored fields of an existing record.
	Update(ctx context.Context, c ledger.Consignment) error

	// Get returns ledger.ErrNotFound for unknown ids.
	Get(ctx context.Context, id ledger.ConsignmentID) (*ledger.Consignment, error)

	// Watch calls fn with the current record, then with every observed
	// change of id, until ctx is done.
	Watch(ctx context.Context, id ledger.ConsignmentID, fn func(ledger.Consignment)) error
}

// =============================================================================
// MEMORY
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	records  map[ledger.ConsignmentID]ledger.Consignment
	watchers map[ledger.ConsignmentID][]chan ledger.Consignment
	down     bool
}

var _ Client = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		records:  make(map[ledger.ConsignmentID]ledger.Consignment),
		watchers: make(map[ledger.ConsignmentID][]chan ledger.Consignment),
	}
}

// SetAvailable simulates the record service going down or coming back.
func (m *Memory) SetAvailable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = !ok
}

func (m *Memory) unavailable(op string) error {
	if m.down {
		return ledger.Unreachable("record "+op, fmt.Errorf("service down"))
	}
	return nil
}

func (m *Memory) Create(_ context.Context, c ledger.Consignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.unavailable("create"); err != nil {
		return err
	}
	if _, ok := m.records[c.ID]; ok {
		return nil
	}
	m.records[c.ID] = c
	m.notify(c)
	return nil
}

func (m *Memory) Update(_ context.Context, c ledger.Consignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.unavailable("update"); err != nil {
		return err
	}
	if _, ok := m.records[c.ID]; !ok {
		return fmt.Errorf("record %s: %w", c.ID, ledger.ErrNotFound)
	}
	m.records[c.ID] = c
	m.notify(c)
	return nil
}

// Put overwrites a record without any check, the way an external editor of
// the record service would.
func (m *Memory) Put(c ledger.Consignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[c.ID] = c
	m.notify(c)
}

func (m *Memory) Get(_ context.Context, id ledger.ConsignmentID) (*ledger.Consignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.unavailable("get"); err != nil {
		return nil, err
	}
	c, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, ledger.ErrNotFound)
	}
	return &c, nil
}

func (m *Memory) List() []ledger.Consignment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.Consignment, 0, len(m.records))
	for _, c := range m.records {
		out = append(out, c)
	}
	return out
}

// notify must be called with mu held. Slow watchers miss intermediate
// changes; they always get the latest one eventually.
func (m *Memory) notify(c ledger.Consignment) {
	for _, ch := range m.watchers[c.ID] {
		select {
		case ch <- c:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- c:
			default:
			}
		}
	}
}

func (m *Memory) Watch(ctx context.Context, id ledger.ConsignmentID, fn func(ledger.Consignment)) error {
	ch := make(chan ledger.Consignment, 1)

	m.mu.Lock()
	m.watchers[id] = append(m.watchers[id], ch)
	if c, ok := m.records[id]; ok {
		ch <- c
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.watchers[id]
		for i, w := range list {
			if w == ch {
				m.watchers[id] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(m.watchers[id]) == 0 {
			delete(m.watchers, id)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-ch:
			fn(c)
		}
	}
}
