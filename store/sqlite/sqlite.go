/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Durable local state of a node: it survives process restart, so writes
  queued while offline are still replayed after a crash.

INTERFACES IMPLEMENTED:
  ledger.EventStore:       Hash-chained events (authoritative when this node
                           runs the ledger in process)
  ledger.ProvisionalStore: Local layer of the emulated ledger
  ledger.SnapshotStore:    Last known network history per consignment
  ledger.ConsignmentStore: Mirror of consignment records
  syncq.Store:             Replay queue and dead letters

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the events table
  - No DELETE statements on the events table
  - The head check and the insert run in one SQL transaction

KEY TABLES:
  events:             Immutable, chained consignment events
  provisional_events: Emulated layer, dropped once reconciled
  snapshots:          Cached network history
  consignments:       Record mirror
  sync_items:         Queue; seq is AUTOINCREMENT so FIFO order survives
                      deletes and restarts
  dead_letters:       Items that need manual resolution

CONCURRENCY:
  Uses sync.RWMutex plus a single connection. Every write that must be
  atomic with a read (head CAS, dead-letter move) runs in one transaction.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/consignments.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Ledger storage interfaces
  - ledger/store/memory.go: In-memory implementation for testing
  - syncq/store.go: Queue storage interface
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/consignment-ledger/ledger"
	"github.com/warp/consignment-ledger/syncq"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ ledger.EventStore       = (*Store)(nil)
	_ ledger.ProvisionalStore = (*Store)(nil)
	_ ledger.SnapshotStore    = (*Store)(nil)
	_ ledger.ConsignmentStore = (*Store)(nil)
	_ syncq.Store             = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and the
	// store serializes writes anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Events (append-only, chained)
	CREATE TABLE IF NOT EXISTS events (
		consignment_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		action_id TEXT NOT NULL,
		prev_digest TEXT NOT NULL,
		digest TEXT NOT NULL,
		event_json TEXT NOT NULL,
		PRIMARY KEY (consignment_id, seq)
	);

	-- An action is applied at most once per consignment
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_action
		ON events(consignment_id, action_id) WHERE action_id != '';

	-- Emulated layer (base history + provisional events)
	CREATE TABLE IF NOT EXISTS provisional_events (
		pos INTEGER PRIMARY KEY AUTOINCREMENT,
		consignment_id TEXT NOT NULL,
		event_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_provisional_consignment
		ON provisional_events(consignment_id, pos);

	-- Last known network history
	CREATE TABLE IF NOT EXISTS snapshots (
		consignment_id TEXT PRIMARY KEY,
		head_digest TEXT NOT NULL,
		events_json TEXT NOT NULL,
		saved_at TEXT NOT NULL
	);

	-- Record mirror
	CREATE TABLE IF NOT EXISTS consignments (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		record_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Replay queue
	CREATE TABLE IF NOT EXISTS sync_items (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		operation TEXT NOT NULL,
		target_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sync_items_target
		ON sync_items(target_id, seq);

	-- Dead letters (never deleted by the service)
	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		item_json TEXT NOT NULL,
		failed_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// EVENT STORE (ledger.EventStore interface)
// =============================================================================

// AppendEvent adds a sealed event if it extends the current head.
func (s *Store) AppendEvent(ctx context.Context, ev ledger.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	head, err := headOf(ctx, sqlTx, ev.ConsignmentID)
	if err != nil {
		return err
	}
	committed := func(actionID string) bool {
		var n int
		err := sqlTx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM events WHERE consignment_id = ? AND action_id = ?",
			ev.ConsignmentID, actionID,
		).Scan(&n)
		return err == nil && n > 0
	}
	if err := ledger.CheckAppend(ev, head, committed); err != nil {
		return err
	}

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO events (consignment_id, seq, action_id, prev_digest, digest, event_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ConsignmentID, ev.Sequence, ev.ActionID, ev.PrevDigest, ev.Digest, string(body),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &ledger.ConflictError{ConsignmentID: ev.ConsignmentID, ExpectedHead: ev.PrevDigest}
		}
		return fmt.Errorf("failed to append event: %w", err)
	}

	return sqlTx.Commit()
}

// headOf returns sequence and digest of the last event, enough for the CAS.
func headOf(ctx context.Context, db queryRower, id ledger.ConsignmentID) (*ledger.StatusEvent, error) {
	var head ledger.StatusEvent
	err := db.QueryRowContext(ctx,
		"SELECT seq, digest FROM events WHERE consignment_id = ? ORDER BY seq DESC LIMIT 1", id,
	).Scan(&head.Sequence, &head.Digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read head: %w", err)
	}
	head.ConsignmentID = id
	return &head, nil
}

// LoadEvents returns all events of a consignment in sequence order.
func (s *Store) LoadEvents(ctx context.Context, id ledger.ConsignmentID) ([]ledger.StatusEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEvents(ctx,
		"SELECT event_json FROM events WHERE consignment_id = ? ORDER BY seq ASC", id)
}

func (s *Store) Head(ctx context.Context, id ledger.ConsignmentID) (*ledger.StatusEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, err := s.queryEvents(ctx,
		"SELECT event_json FROM events WHERE consignment_id = ? ORDER BY seq DESC LIMIT 1", id)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

func (s *Store) FindAction(ctx context.Context, id ledger.ConsignmentID, actionID string) (*ledger.StatusEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, err := s.queryEvents(ctx,
		"SELECT event_json FROM events WHERE consignment_id = ? AND action_id = ?", id, actionID)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]ledger.StatusEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []ledger.StatusEvent
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var ev ledger.StatusEvent
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// =============================================================================
// PROVISIONAL STORE (ledger.ProvisionalStore interface)
// =============================================================================

func (s *Store) AppendProvisional(ctx context.Context, events ...ledger.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		_, err = sqlTx.ExecContext(ctx,
			"INSERT INTO provisional_events (consignment_id, event_json) VALUES (?, ?)",
			ev.ConsignmentID, string(body))
		if err != nil {
			return fmt.Errorf("failed to append provisional event: %w", err)
		}
	}

	return sqlTx.Commit()
}

func (s *Store) LoadProvisional(ctx context.Context, id ledger.ConsignmentID) ([]ledger.StatusEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEvents(ctx,
		"SELECT event_json FROM provisional_events WHERE consignment_id = ? ORDER BY pos ASC", id)
}

func (s *Store) Discard(ctx context.Context, id ledger.ConsignmentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM provisional_events WHERE consignment_id = ?", id)
	return err
}

// =============================================================================
// SNAPSHOT STORE (ledger.SnapshotStore interface)
// =============================================================================

func (s *Store) SaveSnapshot(ctx context.Context, id ledger.ConsignmentID, events []ledger.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (consignment_id, head_digest, events_json, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(consignment_id) DO UPDATE SET
			head_digest = excluded.head_digest,
			events_json = excluded.events_json,
			saved_at = excluded.saved_at`,
		id, ledger.HeadOf(events), string(body), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context, id ledger.ConsignmentID) ([]ledger.StatusEvent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var body string
	err := s.db.QueryRowContext(ctx,
		"SELECT events_json FROM snapshots WHERE consignment_id = ?", id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var events []ledger.StatusEvent
	if err := json.Unmarshal([]byte(body), &events); err != nil {
		return nil, false, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return events, true, nil
}

// =============================================================================
// CONSIGNMENT STORE (ledger.ConsignmentStore interface)
// =============================================================================

func (s *Store) SaveConsignment(ctx context.Context, c ledger.Consignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode consignment: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consignments (id, status, record_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			record_json = excluded.record_json,
			updated_at = excluded.updated_at`,
		c.ID, c.Status, string(body),
		c.CreatedAt.UTC().Format(time.RFC3339Nano),
		c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save consignment: %w", err)
	}
	return nil
}

func (s *Store) GetConsignment(ctx context.Context, id ledger.ConsignmentID) (*ledger.Consignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var body string
	err := s.db.QueryRowContext(ctx, "SELECT record_json FROM consignments WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consignment: %w", err)
	}

	var c ledger.Consignment
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("failed to decode consignment: %w", err)
	}
	return &c, nil
}

func (s *Store) ListConsignments(ctx context.Context) ([]ledger.Consignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT record_json FROM consignments ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list consignments: %w", err)
	}
	defer rows.Close()

	var out []ledger.Consignment
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var c ledger.Consignment
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, fmt.Errorf("failed to decode consignment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// SYNC QUEUE STORE (syncq.Store interface)
// =============================================================================

func (s *Store) Enqueue(ctx context.Context, item syncq.Item) (syncq.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_items (id, operation, target_id, payload, enqueued_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.Operation, item.TargetID, string(item.Payload),
		item.EnqueuedAt.UTC().Format(time.RFC3339Nano), item.RetryCount,
	)
	if err != nil {
		return syncq.Item{}, fmt.Errorf("failed to enqueue item: %w", err)
	}
	item.Seq, err = res.LastInsertId()
	if err != nil {
		return syncq.Item{}, err
	}
	return item, nil
}

const itemColumns = `seq, id, operation, target_id, payload, enqueued_at, retry_count, last_attempt_at, last_error`

func (s *Store) Pending(ctx context.Context) ([]syncq.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryItems(ctx, "SELECT "+itemColumns+" FROM sync_items ORDER BY seq ASC")
}

func (s *Store) PendingFor(ctx context.Context, id ledger.ConsignmentID) ([]syncq.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryItems(ctx, "SELECT "+itemColumns+" FROM sync_items WHERE target_id = ? ORDER BY seq ASC", id)
}

func (s *Store) MarkAttempt(ctx context.Context, itemID string, at time.Time, lastErr string) (syncq.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_items
		SET retry_count = retry_count + 1, last_attempt_at = ?, last_error = ?
		WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), nullString(lastErr), itemID,
	)
	if err != nil {
		return syncq.Item{}, fmt.Errorf("failed to mark attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncq.Item{}, fmt.Errorf("item %s: %w", itemID, ledger.ErrNotFound)
	}

	items, err := s.queryItems(ctx, "SELECT "+itemColumns+" FROM sync_items WHERE id = ?", itemID)
	if err != nil {
		return syncq.Item{}, err
	}
	if len(items) == 0 {
		return syncq.Item{}, fmt.Errorf("item %s: %w", itemID, ledger.ErrNotFound)
	}
	return items[0], nil
}

func (s *Store) Remove(ctx context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM sync_items WHERE id = ?", itemID)
	return err
}

func (s *Store) MoveToDeadLetter(ctx context.Context, item syncq.Item, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode item: %w", err)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if _, err := sqlTx.ExecContext(ctx, "DELETE FROM sync_items WHERE id = ?", item.ID); err != nil {
		return err
	}
	if err := insertDeadLetter(ctx, sqlTx, item, reason, at, body); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func insertDeadLetter(ctx context.Context, db execer, item syncq.Item, reason string, at time.Time, body []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, target_id, reason, item_json, failed_at)
		VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.TargetID, reason, string(body), at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record dead letter: %w", err)
	}
	return nil
}

func (s *Store) DeadLetters(ctx context.Context) ([]syncq.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT item_json, reason, failed_at FROM dead_letters ORDER BY failed_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var out []syncq.DeadLetter
	for rows.Next() {
		var (
			body, reason, failedAt string
			dl                     syncq.DeadLetter
		)
		if err := rows.Scan(&body, &reason, &failedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(body), &dl.Item); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter: %w", err)
		}
		dl.Reason = reason
		dl.FailedAt, _ = time.Parse(time.RFC3339Nano, failedAt)
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *Store) CountPending(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_items").Scan(&n)
	return n, err
}

func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]syncq.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync items: %w", err)
	}
	defer rows.Close()

	var items []syncq.Item
	for rows.Next() {
		var (
			it            syncq.Item
			payload       string
			enqueuedAt    string
			lastAttemptAt sql.NullString
			lastError     sql.NullString
		)
		err := rows.Scan(&it.Seq, &it.ID, &it.Operation, &it.TargetID, &payload,
			&enqueuedAt, &it.RetryCount, &lastAttemptAt, &lastError)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync item: %w", err)
		}
		it.Payload = json.RawMessage(payload)
		it.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
		if lastAttemptAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, lastAttemptAt.String)
			it.LastAttemptAt = &t
		}
		it.LastError = lastError.String
		items = append(items, it)
	}

	return items, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}
