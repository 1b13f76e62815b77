package storage

import (
	"context"
	"time"
)

// Store is the primary-store contract (S2 in spec.md §2): a transactional
// ordered collection of events. The hash-chain core (internal/chain,
// internal/appender, internal/reconcile) is written against this interface
// only, so it can run unmodified against either the PostgreSQL or the
// SQLite backend.
type Store interface {
	// InsertEvent persists e inside a transaction. Implementations must
	// return ErrConflict, wrapped, when event_id or event_hash already
	// exists (invariant I2).
	InsertEvent(ctx context.Context, e Event) error

	// Tip returns the event_hash of the most recent event for agentID under
	// the ordering (timestamp DESC, event_id DESC), or ("", false) if the
	// agent has no events yet (spec.md §4.3 "Tip read semantics").
	Tip(ctx context.Context, agentID string) (eventHash string, ok bool, err error)

	// HasEarlierEvent reports whether an event exists for agentID that
	// orders strictly before (before, beforeID) under (timestamp, event_id)
	// ascending order. Used by the chain engine to resolve the genesis
	// anomaly described in spec.md §4.2 step 4.
	HasEarlierEvent(ctx context.Context, agentID string, before time.Time, beforeID string) (bool, error)

	// GetEvent returns the event with the given ID, or ErrNotFound wrapped.
	GetEvent(ctx context.Context, eventID string) (*Event, error)

	// ListEvents returns a page of events matching f, ordered by timestamp
	// descending (spec.md §6.1), plus the total number of matching events
	// ignoring pagination.
	ListEvents(ctx context.Context, f EventFilter) ([]Event, int, error)

	// EventsInRange returns every event for agentID with timestamp in
	// [from, to] (either bound may be nil for an open range), ordered by
	// (timestamp ASC, event_id ASC) — the ordering the chain engine and the
	// exporter both require (spec.md §4.2, §6.1 /export).
	EventsInRange(ctx context.Context, agentID string, from, to *time.Time) ([]Event, error)

	// EventsForDate returns every event for agentID whose timestamp falls
	// within the UTC calendar day of date, ordered by (timestamp ASC,
	// event_id ASC). Used by the reconciler (spec.md §4.4).
	EventsForDate(ctx context.Context, agentID string, date time.Time) ([]Event, error)

	// Ping checks connectivity for health reporting.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close(ctx context.Context) error
}
