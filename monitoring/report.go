package monitoring

import (
	"go.uber.org/atomic"
)

type TransitionState struct {
	Committed   atomic.Uint64 `json:"committed"`
	Queued      atomic.Uint64 `json:"queued"`
	Rejected    atomic.Uint64 `json:"rejected"`
	Conflicts   atomic.Uint64 `json:"conflicts"`
	Provisional atomic.Uint64 `json:"provisional"`
}

type SyncState struct {
	Drains       atomic.Uint64 `json:"drains"`
	Replayed     atomic.Uint64 `json:"replayed"`
	Retried      atomic.Uint64 `json:"retried"`
	DeadLettered atomic.Uint64 `json:"dead_lettered"`
	Pending      atomic.Int64  `json:"pending"`
}

type LedgerState struct {
	// 1 while reads are answered by the emulated ledger
	Degraded     atomic.Int64  `json:"degraded"`
	ModeChanges  atomic.Uint64 `json:"mode_changes"`
	UpForSeconds atomic.Uint64 `json:"up_for_seconds"`
}

type Errors struct {
	Inconsistent atomic.Uint64 `json:"inconsistent"`
	Unreachable  atomic.Uint64 `json:"unreachable"`
	RecordWrite  atomic.Uint64 `json:"record_write"`
}

// Report is the live state of the service, served as JSON and scraped by
// the prometheus collector.
type Report struct {
	Transitions TransitionState `json:"transitions"`
	Sync        SyncState       `json:"sync"`
	Ledger      LedgerState     `json:"ledger"`
	Errors      Errors          `json:"errors"`
}
