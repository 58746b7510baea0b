package ledger

import "context"

// =============================================================================
// CLIENT - "Commit an event" / "read history" over any ledger
// =============================================================================

// Mode tells callers which ledger answered.
type Mode string

const (
	// ModeNetwork: answers come from the authoritative ledger.
	ModeNetwork Mode = "network"
	// ModeEmulated: answers come from the local deterministic fallback and
	// must not be mistaken for settled history.
	ModeEmulated Mode = "emulated"
)

// Client abstracts a ledger.
//
// Append commits ev for consignment id. ev.PrevDigest must be the digest of
// the head the caller validated against (GenesisDigest for a creation); a
// moved head yields *ConflictError, an already committed ActionID yields a
// *ConflictError with Duplicate set.
//
// History returns the ordered, finite history. It is safe to call again at
// any time and always returns a fresh copy.
type Client interface {
	Append(ctx context.Context, id ConsignmentID, ev StatusEvent) (CommitResult, error)
	History(ctx context.Context, id ConsignmentID) ([]StatusEvent, error)
	Health(ctx context.Context) error
	Mode() Mode
}

var (
	_ Client = (*EventLedger)(nil)
	_ Client = (*EmulatedClient)(nil)
	_ Client = (*FailoverClient)(nil)
)
