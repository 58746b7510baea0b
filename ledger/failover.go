package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/atomic"
)

// =============================================================================
// FAILOVER CLIENT - Network ledger with a declared emulated fallback
// =============================================================================

const healthKey = "network"

type healthState struct {
	err error
}

// FailoverClient routes to the network ledger while it is healthy.
//
// Reads fall back to the emulated client when the network is down; writes
// do not: Append returns ErrUnreachable so the caller can take its offline
// path explicitly. Mode() always reports which ledger answers reads, so the
// degraded state is never hidden.
//
// Health results are cached for the configured TTL; a failed call marks the
// network down until the next check.
type FailoverClient struct {
	Network   Client
	Emulated  *EmulatedClient
	Snapshots SnapshotStore

	health *cache.Cache
	mode   *atomic.String

	mu        sync.Mutex
	listeners []func(from, to Mode)
}

func NewFailoverClient(network Client, emulated *EmulatedClient, snapshots SnapshotStore, healthTTL time.Duration) *FailoverClient {
	if healthTTL <= 0 {
		healthTTL = 10 * time.Second
	}
	return &FailoverClient{
		Network:   network,
		Emulated:  emulated,
		Snapshots: snapshots,
		health:    cache.New(healthTTL, 2*healthTTL),
		mode:      atomic.NewString(string(ModeNetwork)),
	}
}

// OnModeChange registers fn to be called whenever the mode flips.
func (f *FailoverClient) OnModeChange(fn func(from, to Mode)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *FailoverClient) setMode(m Mode) {
	f.mu.Lock()
	prev := Mode(f.mode.Load())
	if prev == m {
		f.mu.Unlock()
		return
	}
	f.mode.Store(string(m))
	listeners := append([]func(from, to Mode){}, f.listeners...)
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(prev, m)
	}
}

func (f *FailoverClient) record(err error) {
	f.health.Set(healthKey, healthState{err: err}, cache.DefaultExpiration)
	if err != nil {
		f.setMode(ModeEmulated)
		return
	}
	f.setMode(ModeNetwork)
}

// Health checks the network ledger, using the cached answer when fresh.
func (f *FailoverClient) Health(ctx context.Context) error {
	if f.Network == nil {
		f.setMode(ModeEmulated)
		return fmt.Errorf("network ledger: %w: not configured", ErrUnreachable)
	}
	if v, ok := f.health.Get(healthKey); ok {
		return v.(healthState).err
	}
	err := f.Network.Health(ctx)
	if err != nil && !errors.Is(err, ErrUnreachable) {
		err = Unreachable("network ledger health", err)
	}
	f.record(err)
	return err
}

// Recheck drops the cached health answer and checks again.
func (f *FailoverClient) Recheck(ctx context.Context) error {
	f.health.Delete(healthKey)
	return f.Health(ctx)
}

// Append commits to the network ledger only.
func (f *FailoverClient) Append(ctx context.Context, id ConsignmentID, ev StatusEvent) (CommitResult, error) {
	if err := f.Health(ctx); err != nil {
		return CommitResult{}, err
	}
	res, err := f.Network.Append(ctx, id, ev)
	if errors.Is(err, ErrUnreachable) || errors.Is(err, context.DeadlineExceeded) {
		f.record(err)
	}
	return res, err
}

// History reads the network ledger and caches it as the last known head;
// when the network is down it answers from the emulated ledger.
func (f *FailoverClient) History(ctx context.Context, id ConsignmentID) ([]StatusEvent, error) {
	if f.Health(ctx) == nil {
		events, err := f.Refresh(ctx, id)
		if err == nil {
			return events, nil
		}
		if !errors.Is(err, ErrUnreachable) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
	}
	if f.Emulated == nil {
		return nil, fmt.Errorf("history of %s: %w", id, ErrUnreachable)
	}
	return f.Emulated.History(ctx, id)
}

// Refresh reads the network history and stores it as the snapshot.
func (f *FailoverClient) Refresh(ctx context.Context, id ConsignmentID) ([]StatusEvent, error) {
	if f.Network == nil {
		return nil, fmt.Errorf("history of %s: %w: network ledger not configured", id, ErrUnreachable)
	}
	events, err := f.Network.History(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUnreachable) || errors.Is(err, context.DeadlineExceeded) {
			f.record(err)
		}
		return nil, err
	}
	if f.Snapshots != nil && len(events) > 0 {
		if err := f.Snapshots.SaveSnapshot(ctx, id, events); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (f *FailoverClient) Mode() Mode {
	return Mode(f.mode.Load())
}
