package syncq

import (
	"sync"

	"github.com/warp/consignment-ledger/ledger"
)

// Locker hands out one mutex per consignment. The action path and the drain
// path share it, so an action enqueued while a drain of the same id is in
// flight lands behind the drained items instead of racing them.
type Locker struct {
	mu    sync.Mutex
	locks map[ledger.ConsignmentID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[ledger.ConsignmentID]*refMutex)}
}

// Lock blocks until id is free and returns the matching unlock.
func (l *Locker) Lock(id ledger.ConsignmentID) (unlock func()) {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &refMutex{}
		l.locks[id] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()

		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
